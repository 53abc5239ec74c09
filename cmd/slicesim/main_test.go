package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/slicesim/internal/config"
)

const header = "channelNumber, channelWidth, gi, mcs, txPower"

func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func count(log, line string) int {
	n := 0
	for _, l := range strings.Split(log, "\n") {
		if l == line {
			n++
		}
	}
	return n
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, exitOK, exitCode(nil))
	assert.Equal(t, exitConfig, exitCode(fmt.Errorf("wrapped: %w", config.ErrConfiguration)))
	assert.Equal(t, exitRuntime, exitCode(errors.New("boom")))
}

func TestRunWritesLogToStdout(t *testing.T) {
	code, out, stderr := run(t, "run", "--duration", "3", "--log-level", "warn")
	require.Equal(t, exitOK, code, stderr)

	assert.True(t, strings.HasPrefix(out, "init_"+header+"\n"))
	assert.Equal(t, 2, count(out, header), "ticks at t=2,3")
	assert.Equal(t, 1, count(out, "fin_"+header))
}

func TestRunStaticMode(t *testing.T) {
	code, out, stderr := run(t, "run", "--duration", "3", "--adaptive=false")
	require.Equal(t, exitOK, code, stderr)

	assert.Zero(t, count(out, header))
	assert.Equal(t, 1, count(out, "init_"+header))
	assert.Equal(t, 1, count(out, "fin_"+header))
}

func TestRunAppendsToLogFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wifi.log")

	for i := 0; i < 2; i++ {
		code, out, stderr := run(t, "run", "--duration", "2", "--log-path", path, "--seed", "5")
		require.Equal(t, exitOK, code, stderr)
		assert.Empty(t, out)
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, count(string(data), "init_"+header))
	assert.Equal(t, 2, count(string(data), "fin_"+header))
}

func TestRunReadsEnvironment(t *testing.T) {
	t.Setenv("SLICESIM_DURATION", "2")
	t.Setenv("SLICESIM_ADAPTIVE", "false")

	code, out, stderr := run(t, "run")
	require.Equal(t, exitOK, code, stderr)
	assert.Zero(t, count(out, header))
}

func TestRunScenarioFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
simulation_time: 2
slices:
  a:
    stations: 2
  b:
    stations: 3
  c:
    stations: 1
`), 0o644))

	code, out, stderr := run(t, "run", "--scenario", path)
	require.Equal(t, exitOK, code, stderr)

	// 1 tick; final has 3 slice rows and 6 station rows.
	assert.Equal(t, 1, count(out, header))
	fin := out[strings.Index(out, "fin_"+header):]
	assert.Equal(t, 1+3+6, strings.Count(fin, "\n"))
}

func TestConfigurationErrorsExitWithTwo(t *testing.T) {
	dir := t.TempDir()
	unknown := filepath.Join(dir, "unknown.yaml")
	require.NoError(t, os.WriteFile(unknown, []byte("antenna_gain: 3\n"), 0o644))
	rateControl := filepath.Join(dir, "ax.yaml")
	require.NoError(t, os.WriteFile(rateControl, []byte("band: AX_5\nconstant_mcs: false\n"), 0o644))

	cases := []struct {
		name string
		args []string
	}{
		{"unknown scenario field", []string{"run", "--scenario", unknown}},
		{"ax without constant mcs", []string{"run", "--scenario", rateControl}},
		{"missing scenario", []string{"run", "--scenario", filepath.Join(dir, "missing.yaml")}},
		{"log format", []string{"run", "--log-format", "xml"}},
		{"negative duration", []string{"run", "--duration", "-1"}},
		{"zero seeds", []string{"sweep", "--seeds", "0"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, out, stderr := run(t, tc.args...)
			assert.Equal(t, exitConfig, code, stderr)
			assert.NotContains(t, out, "init_")
			assert.Contains(t, stderr, "error:")
		})
	}
}

func TestUnknownCommandIsRuntimeError(t *testing.T) {
	code, _, _ := run(t, "frobnicate")
	assert.Equal(t, exitRuntime, code)
}

func TestSweepWritesPreambleThenRuns(t *testing.T) {
	code, out, stderr := run(t, "sweep", "--seeds", "3", "--parallelism", "2", "--duration", "2", "--notes", "smoke")
	require.Equal(t, exitOK, code, stderr)

	assert.True(t, strings.HasPrefix(out, "scenarios,1\nseeds per scenario,3\nnotes,smoke\n"))
	assert.Equal(t, 3, count(out, "init_"+header))
	assert.Equal(t, 3, count(out, "fin_"+header))
}

func TestTablesCommand(t *testing.T) {
	code, out, stderr := run(t, "tables")
	require.Equal(t, exitOK, code, stderr)

	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	require.Len(t, lines, 13)
	assert.Contains(t, lines[0], "SENSITIVITY(dBm)")
	assert.True(t, strings.HasPrefix(lines[1], "0 "))
	assert.Contains(t, lines[12], "648")
	assert.Contains(t, lines[12], "-37")
}

func TestUnknownTracingExporterIsConfigError(t *testing.T) {
	t.Setenv("SLICESIM_TRACING_ENABLED", "true")
	t.Setenv("SLICESIM_TRACING_EXPORTER", "zipkin")

	code, out, stderr := run(t, "run", "--duration", "2")
	assert.Equal(t, exitConfig, code, stderr)
	assert.Empty(t, out)
}
