package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultScenarioIsValid(t *testing.T) {
	s := DefaultScenario()
	require.NoError(t, s.Validate())

	assert.Equal(t, 6, s.Slices.A.Stations)
	assert.Equal(t, 100, s.Slices.B.Stations)
	assert.Equal(t, 2, s.Slices.C.Stations)
	assert.True(t, s.Slices.A.Doubling())
	assert.False(t, s.Slices.C.Doubling())
	assert.Equal(t, 1e3, s.Slices.B.DemandDivisor())
	assert.Equal(t, 5510.0, s.Band.FrequencyMHz())
	assert.Equal(t, 10, s.Slices.B.SLAPolicy().QuotaDivisor)
}

func TestDecodeEmptyDocumentYieldsDefaults(t *testing.T) {
	s, err := Decode(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, DefaultScenario(), s)
}

func TestDecodeOverridesAndDefaults(t *testing.T) {
	doc := `
band: AC_5
constant_mcs: false
seed: 7
slices:
  c:
    stations: 4
    width_doubling: true
    radio:
      tx_power_dbm: 0
`
	s, err := Decode(strings.NewReader(doc))
	require.NoError(t, err)

	assert.Equal(t, BandAC5, s.Band)
	assert.False(t, *s.ConstantMCS)
	assert.Equal(t, int64(7), s.Seed)
	assert.Equal(t, 4, s.Slices.C.Stations)
	assert.True(t, s.Slices.C.Doubling())
	assert.Equal(t, 0.0, s.Slices.C.InitialConfig().TxPowerDBm, "explicit zero must survive defaults")
	assert.Equal(t, 155, s.Slices.C.InitialConfig().ChannelNumber)
	assert.Equal(t, 15, s.SimulationTime)
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	_, err := Decode(strings.NewReader("bandd: AX_5\n"))
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestValidateRules(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Scenario)
	}{
		{"unknown band", func(s *Scenario) { s.Band = "AX_6" }},
		{"unknown phy", func(s *Scenario) { s.PhyModel = "ray" }},
		{"ax needs constant mcs", func(s *Scenario) { s.ConstantMCS = boolPtr(false) }},
		{"ax 2.4 needs constant mcs", func(s *Scenario) { s.Band = BandAX24; s.ConstantMCS = boolPtr(false) }},
		{"bad width", func(s *Scenario) { s.Slices.A.Radio.ChannelWidth = 30 }},
		{"bad gi", func(s *Scenario) { s.Slices.B.Radio.GuardInterval = 400 }},
		{"bad mcs", func(s *Scenario) { s.Slices.C.Radio.MCS = intPtr(12) }},
		{"no stations", func(s *Scenario) { s.Slices.B.Stations = 0 }},
		{"inverted demand", func(s *Scenario) { s.Slices.A.Demand = DemandConfig{Min: 10, Max: 5, Unit: UnitMbps} }},
		{"unknown unit", func(s *Scenario) { s.Slices.A.Demand.Unit = "Gb/s" }},
		{"unknown mobility", func(s *Scenario) { s.Slices.A.Mobility = "teleport" }},
		{"ap outside", func(s *Scenario) { s.AccessPoint.X = 25 }},
		{"station above ceiling", func(s *Scenario) { s.StationHeight = 4 }},
		{"error bound", func(s *Scenario) { s.Slices.C.SLA.MaxErrorProbability = 1.5 }},
		{"too many stations", func(s *Scenario) { s.Slices.B.Stations = 70000 }},
		{"no simulation time", func(s *Scenario) { s.SimulationTime = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := DefaultScenario()
			tc.mutate(&s)
			assert.ErrorIs(t, s.Validate(), ErrConfiguration)
		})
	}
}

func TestAC5AllowsRateControl(t *testing.T) {
	s := DefaultScenario()
	s.Band = BandAC5
	s.ConstantMCS = boolPtr(false)
	assert.NoError(t, s.Validate())
}

func TestLoadScenarioFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte("band: AX_2.4\nsimulation_time: 5\n"), 0o644))

	s, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, BandAX24, s.Band)
	assert.Equal(t, 2440.0, s.Band.FrequencyMHz())
	assert.Equal(t, 5, s.SimulationTime)

	_, err = LoadScenario(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestRuntimeFromEnvironment(t *testing.T) {
	t.Setenv("SLICESIM_SEED", "42")
	t.Setenv("SLICESIM_DURATION", "8")
	t.Setenv("SLICESIM_ADAPTIVE", "false")
	t.Setenv("SLICESIM_LOG_PATH", "/tmp/out.csv")

	rt, err := LoadRuntime(NewViper())
	require.NoError(t, err)
	assert.Equal(t, int64(42), rt.Seed)
	assert.Equal(t, 8, rt.Duration)
	assert.False(t, rt.Adaptive)
	assert.Equal(t, "/tmp/out.csv", rt.LogPath)
	assert.Equal(t, 20, rt.Seeds)

	s := rt.Apply(DefaultScenario())
	assert.Equal(t, int64(42), s.Seed)
	assert.Equal(t, 8, s.SimulationTime)
}

func TestRuntimeValidation(t *testing.T) {
	v := NewViper()
	v.Set(KeyParallelism, 0)
	_, err := LoadRuntime(v)
	assert.ErrorIs(t, err, ErrConfiguration)

	v = NewViper()
	v.Set(KeyLogFormat, "xml")
	_, err = LoadRuntime(v)
	assert.ErrorIs(t, err, ErrConfiguration)
}
