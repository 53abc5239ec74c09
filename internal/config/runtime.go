package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of every runtime environment variable.
const EnvPrefix = "SLICESIM"

// Runtime keys, shared by flags, environment and config files.
const (
	KeyScenario    = "scenario"
	KeyLogPath     = "log-path"
	KeyDuration    = "duration"
	KeySeed        = "seed"
	KeyRealtime    = "realtime"
	KeyAdaptive    = "adaptive"
	KeyMetricsAddr = "metrics-addr"
	KeyLogLevel    = "log-level"
	KeyLogFormat   = "log-format"
	KeySeeds       = "seeds"
	KeyParallelism = "parallelism"
	KeyNotes       = "notes"
)

// Runtime holds the settings of one invocation that are not part of the
// scenario.
type Runtime struct {
	ScenarioPath string
	// LogPath is the telemetry log; empty writes to stdout.
	LogPath string
	// Duration overrides the scenario simulation time when positive.
	Duration int
	// Seed overrides the scenario seed when non-zero.
	Seed int64
	// Realtime paces ticks against the wall clock.
	Realtime bool
	// Adaptive enables periodic ticks; false runs the sizing pass only.
	Adaptive    bool
	MetricsAddr string
	LogLevel    string
	LogFormat   string

	// Sweep settings.
	Seeds       int
	Parallelism int
	Notes       string
}

// NewViper returns a viper instance with runtime defaults and SLICESIM_*
// environment binding. Callers bind their flags on top.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault(KeyAdaptive, true)
	v.SetDefault(KeyRealtime, false)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "text")
	v.SetDefault(KeySeeds, 20)
	v.SetDefault(KeyParallelism, 4)
	return v
}

// LoadRuntime reads and validates the runtime settings. A config file, if
// set on v, is read first.
func LoadRuntime(v *viper.Viper) (Runtime, error) {
	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			return Runtime{}, fmt.Errorf("%w: read config: %v", ErrConfiguration, err)
		}
	}
	rt := Runtime{
		ScenarioPath: v.GetString(KeyScenario),
		LogPath:      v.GetString(KeyLogPath),
		Duration:     v.GetInt(KeyDuration),
		Seed:         v.GetInt64(KeySeed),
		Realtime:     v.GetBool(KeyRealtime),
		Adaptive:     v.GetBool(KeyAdaptive),
		MetricsAddr:  v.GetString(KeyMetricsAddr),
		LogLevel:     v.GetString(KeyLogLevel),
		LogFormat:    v.GetString(KeyLogFormat),
		Seeds:        v.GetInt(KeySeeds),
		Parallelism:  v.GetInt(KeyParallelism),
		Notes:        v.GetString(KeyNotes),
	}
	return rt, rt.Validate()
}

// Validate checks the runtime settings.
func (r Runtime) Validate() error {
	if r.Duration < 0 {
		return fmt.Errorf("%w: duration must not be negative", ErrConfiguration)
	}
	if r.Seeds < 1 {
		return fmt.Errorf("%w: seeds must be at least 1", ErrConfiguration)
	}
	if r.Parallelism < 1 {
		return fmt.Errorf("%w: parallelism must be at least 1", ErrConfiguration)
	}
	switch strings.ToLower(r.LogFormat) {
	case "", "text", "json", "console", "tint":
	default:
		return fmt.Errorf("%w: unknown log format %q", ErrConfiguration, r.LogFormat)
	}
	return nil
}

// Apply folds the runtime overrides into a scenario.
func (r Runtime) Apply(s Scenario) Scenario {
	if r.Duration > 0 {
		s.SimulationTime = r.Duration
	}
	if r.Seed != 0 {
		s.Seed = r.Seed
	}
	return s
}

// RunLength returns how long a run lasts in simulated time.
func RunLength(s Scenario) time.Duration {
	return time.Duration(s.SimulationTime+2) * time.Second
}
