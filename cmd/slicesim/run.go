package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/signalsfoundry/slicesim/internal/config"
	"github.com/signalsfoundry/slicesim/internal/logging"
	"github.com/signalsfoundry/slicesim/internal/observability"
	"github.com/signalsfoundry/slicesim/internal/sim/runner"
	"github.com/signalsfoundry/slicesim/internal/telemetry"
	"github.com/signalsfoundry/slicesim/timectrl"
)

func newRunCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run one simulation and append its log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, v, func(ctx context.Context, s *session) error {
				_, err := runner.Run(ctx, s.options(), s.writer)
				return err
			})
		},
	}
}

func newSweepCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run consecutive seeds concurrently and append their logs in seed order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, v, func(ctx context.Context, s *session) error {
				results, err := runner.Sweep(ctx, runner.SweepOptions{
					Options:     s.options(),
					Seeds:       s.runtime.Seeds,
					Parallelism: s.runtime.Parallelism,
					Notes:       s.runtime.Notes,
				}, s.writer)
				if err != nil {
					return err
				}
				s.log.Info(ctx, "sweep finished", logging.Int("runs", len(results)))
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.Int(config.KeySeeds, 20, "number of seeds to run")
	f.Int(config.KeyParallelism, 4, "maximum concurrent runs")
	f.String(config.KeyNotes, "", "free-text notes written to the log preamble")
	return cmd
}

// session is the per-invocation wiring shared by run and sweep.
type session struct {
	runtime  config.Runtime
	scenario config.Scenario
	log      logging.Logger
	writer   *telemetry.Writer
	metrics  *observability.ControllerCollector
	runs     *observability.RunCollector
	server   *http.Server
}

func (s *session) options() runner.Options {
	mode := timectrl.Accelerated
	if s.runtime.Realtime {
		mode = timectrl.RealTime
	}
	opts := runner.Options{
		Scenario: s.scenario,
		Adaptive: s.runtime.Adaptive,
		Mode:     mode,
		Log:      s.log,
		Runs:     s.runs,
	}
	if s.metrics != nil {
		opts.Metrics = s.metrics
	}
	return opts
}

// withSession loads configuration, opens the log, starts tracing and the
// optional metrics server, then runs work. The metrics server stops when
// work returns.
func withSession(cmd *cobra.Command, v *viper.Viper, work func(context.Context, *session) error) error {
	rt, err := config.LoadRuntime(v)
	if err != nil {
		return err
	}
	sc, err := config.LoadScenario(rt.ScenarioPath)
	if err != nil {
		return err
	}
	sc = rt.Apply(sc)
	if err := sc.Validate(); err != nil {
		return err
	}

	log := logging.New(logging.Config{Level: rt.LogLevel, Format: rt.LogFormat, Output: cmd.ErrOrStderr()})
	s := &session{runtime: rt, scenario: sc, log: log}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tcfg := observability.TracingConfigFromEnv()
	tcfg.Output = cmd.ErrOrStderr()
	tcfg.Attributes = []attribute.KeyValue{
		attribute.String("slicesim.band", string(sc.Band)),
		attribute.Int64("slicesim.seed", sc.Seed),
	}
	shutdown, err := observability.InitTracing(ctx, tcfg, log)
	if errors.Is(err, observability.ErrUnsupportedExporter) {
		return fmt.Errorf("%w: %v", config.ErrConfiguration, err)
	}
	if err != nil {
		return err
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdown, log)

	if rt.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		if s.metrics, err = observability.NewControllerCollector(reg); err != nil {
			return err
		}
		if s.runs, err = observability.NewRunCollector(reg); err != nil {
			return err
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.metrics.Handler())
		s.server = &http.Server{Addr: rt.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	}

	if rt.LogPath != "" {
		s.writer, err = telemetry.OpenFile(rt.LogPath, runner.WriterOptions(sc)...)
		if err != nil {
			return err
		}
	} else {
		s.writer = telemetry.NewWriter(cmd.OutOrStdout(), runner.WriterOptions(sc)...)
	}
	defer s.writer.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gCtx := errgroup.WithContext(ctx)
	if s.server != nil {
		g.Go(func() error {
			return serveMetrics(gCtx, s.server, log)
		})
	}
	g.Go(func() error {
		defer cancel()
		return work(gCtx, s)
	})
	if err := g.Wait(); err != nil {
		return err
	}
	return s.writer.Close()
}

// serveMetrics serves until ctx is done, then shuts the server down.
func serveMetrics(ctx context.Context, srv *http.Server, log logging.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	log.Info(ctx, "serving Prometheus metrics", logging.String("addr", srv.Addr))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn(ctx, "metrics server shutdown failed", logging.Err(err))
	}
	return nil
}
