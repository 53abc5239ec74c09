package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/signalsfoundry/slicesim/internal/config"
)

// Process exit codes.
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	os.Exit(execute(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

// execute runs the CLI and maps the outcome onto an exit code.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(config.NewViper(), stdout, stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintln(stderr, "error:", err)
	}
	return exitCode(err)
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, config.ErrConfiguration):
		return exitConfig
	default:
		return exitRuntime
	}
}

func newRootCmd(v *viper.Viper, stdout, stderr io.Writer) *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:   "slicesim",
		Short: "Adaptive per-slice Wi-Fi radio resource controller",
		Long: `slicesim sizes and adapts the radio configuration of three Wi-Fi slices
sharing one access point: A maximises throughput, B minimises transmit
power and C targets latency and reliability.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cfgFile != "" {
				v.SetConfigFile(cfgFile)
			}
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				return fmt.Errorf("%w: bind flags: %v", config.ErrConfiguration, err)
			}
			return nil
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "runtime config file (yaml, json or toml)")
	pf.String(config.KeyScenario, "", "scenario file; empty uses the built-in scenario")
	pf.String(config.KeyLogPath, "", "telemetry log to append to; empty writes to stdout")
	pf.Int(config.KeyDuration, 0, "override the scenario simulation time (seconds)")
	pf.Int64(config.KeySeed, 0, "override the scenario seed")
	pf.Bool(config.KeyRealtime, false, "pace ticks against the wall clock")
	pf.Bool(config.KeyAdaptive, true, "run periodic adaptation; false only sizes the slices")
	pf.String(config.KeyMetricsAddr, "", "serve Prometheus /metrics on this address")
	pf.String(config.KeyLogLevel, "info", "log level (debug, info, warn, error)")
	pf.String(config.KeyLogFormat, "text", "log format (text, json, console)")

	root.AddCommand(newRunCmd(v))
	root.AddCommand(newSweepCmd(v))
	root.AddCommand(newTablesCmd())
	return root
}
