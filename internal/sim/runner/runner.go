// Package runner wires a scenario into a complete simulation: synthetic
// engine, slice controller, simulation clock and telemetry log.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/signalsfoundry/slicesim/core"
	"github.com/signalsfoundry/slicesim/internal/config"
	"github.com/signalsfoundry/slicesim/internal/logging"
	"github.com/signalsfoundry/slicesim/internal/observability"
	"github.com/signalsfoundry/slicesim/internal/sim/engine"
	"github.com/signalsfoundry/slicesim/internal/telemetry"
	"github.com/signalsfoundry/slicesim/model"
	"github.com/signalsfoundry/slicesim/timectrl"
)

// Periodic updates start at this offset and stop at the simulation time.
const firstTick = 2 * time.Second

// Epoch is the simulated wall time of t=0.
var Epoch = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

// Options configures one run.
type Options struct {
	Scenario config.Scenario
	// Adaptive enables periodic ticks. A static run only sizes the slices.
	Adaptive bool
	Mode     timectrl.Mode
	Log      logging.Logger
	Metrics  core.MetricsRecorder
	Runs     *observability.RunCollector
}

// Result summarises a finished run.
type Result struct {
	RunID string
	Seed  int64
	Ticks int
	// Simulated is the simulated time the run covered.
	Simulated time.Duration
	Final     core.Report
}

// Specs pairs populated slices with their adaptation policies and SLAs.
func Specs(sc config.Scenario, slices []*model.Slice) ([]core.SliceSpec, error) {
	specs := make([]core.SliceSpec, 0, len(slices))
	for _, sl := range slices {
		cfg := sc.Slice(sl.ID)
		var policy core.SlicePolicy
		switch sl.ID {
		case model.SliceA:
			policy = core.NewThroughputPolicy(cfg.Doubling())
		case model.SliceB:
			policy = core.NewPowerPolicy(core.DefaultPowerLimits)
		case model.SliceC:
			policy = core.NewLatencyPolicy(cfg.Doubling())
		default:
			return nil, fmt.Errorf("%w: no policy for slice %s", config.ErrConfiguration, sl.ID)
		}
		specs = append(specs, core.SliceSpec{Slice: sl, Policy: policy, SLA: cfg.SLAPolicy()})
	}
	return specs, nil
}

// WriterOptions returns the telemetry options matching the scenario's
// demand units.
func WriterOptions(sc config.Scenario) []telemetry.Option {
	opts := make([]telemetry.Option, 0, len(model.Slices))
	for _, id := range model.Slices {
		opts = append(opts, telemetry.WithDemandUnit(id, sc.Slice(id).DemandDivisor()))
	}
	return opts
}

// Run executes one simulation and records every section through rec.
func Run(ctx context.Context, opts Options, rec core.Recorder) (res Result, err error) {
	sc := opts.Scenario
	if err := sc.Validate(); err != nil {
		return Result{}, err
	}
	if rec == nil {
		return Result{}, errors.New("runner requires a recorder")
	}

	ctx, log := logging.WithRunLogger(ctx, opts.Log)
	res = Result{RunID: logging.RunIDFromContext(ctx), Seed: sc.Seed}

	began := time.Now()
	opts.Runs.RunStarted()
	defer func() {
		opts.Runs.RunFinished(time.Since(began), err)
		opts.Runs.AddSimulatedTime(res.Simulated)
	}()

	slices, err := engine.Populate(sc)
	if err != nil {
		return res, err
	}
	eng, err := engine.New(engine.ConfigFor(sc), slices)
	if err != nil {
		return res, err
	}
	specs, err := Specs(sc, slices)
	if err != nil {
		return res, err
	}

	ctrlOpts := []core.ControllerOption{core.WithRecorder(rec)}
	if opts.Metrics != nil {
		ctrlOpts = append(ctrlOpts, core.WithMetricsRecorder(opts.Metrics))
	}
	ctrl, err := core.NewController(eng, eng, log, specs, ctrlOpts...)
	if err != nil {
		return res, err
	}

	log.Info(ctx, "simulation starting",
		logging.Int("seed", int(sc.Seed)),
		logging.String("band", string(sc.Band)),
		logging.Int("simulation_time_s", sc.SimulationTime),
		logging.Bool("adaptive", opts.Adaptive),
		logging.String("mode", opts.Mode.String()),
	)

	if _, err := ctrl.Size(ctx, Epoch); err != nil {
		return res, fmt.Errorf("sizing pass: %w", err)
	}

	lastTick := time.Duration(sc.SimulationTime) * time.Second
	tc := timectrl.NewTimeController(Epoch, time.Second, opts.Mode)
	tc.AddListener(func(ctx context.Context, now time.Time) error {
		return eng.Advance(ctx, now.Sub(Epoch))
	})
	if opts.Adaptive {
		tc.AddListener(func(ctx context.Context, now time.Time) error {
			if at := now.Sub(Epoch); at < firstTick || at > lastTick {
				return nil
			}
			if _, err := ctrl.Tick(ctx, now); err != nil {
				return err
			}
			res.Ticks++
			return nil
		})
	}

	runErr := tc.Run(ctx, config.RunLength(sc))
	res.Simulated = tc.Elapsed()
	if runErr != nil {
		return res, runErr
	}

	final, err := ctrl.Finalize(ctx, tc.Now())
	if err != nil {
		return res, fmt.Errorf("final section: %w", err)
	}
	res.Final = final

	log.Info(ctx, "simulation finished",
		logging.Int("ticks", res.Ticks),
		logging.Float64("simulated_s", res.Simulated.Seconds()),
		logging.Int("faults", len(final.Faults)),
	)
	return res, nil
}

// SweepOptions configures a multi-seed batch.
type SweepOptions struct {
	Options
	// Seeds is the number of runs; run i uses Scenario.Seed + i.
	Seeds       int
	Parallelism int
	Notes       string
}

// Sweep runs Seeds simulations concurrently. The preamble is written first,
// then each run's log in seed order once every run has finished.
func Sweep(ctx context.Context, opts SweepOptions, w *telemetry.Writer) ([]Result, error) {
	if err := opts.Scenario.Validate(); err != nil {
		return nil, err
	}
	if opts.Seeds < 1 {
		return nil, fmt.Errorf("%w: seeds must be at least 1", config.ErrConfiguration)
	}
	if w == nil {
		return nil, errors.New("sweep requires a telemetry writer")
	}

	if err := w.WritePreamble(telemetry.Preamble{
		Scenarios:        1,
		SeedsPerScenario: opts.Seeds,
		Notes:            opts.Notes,
		Extra: [][2]string{
			{"band", string(opts.Scenario.Band)},
			{"first seed", strconv.FormatInt(opts.Scenario.Seed, 10)},
		},
	}); err != nil {
		return nil, err
	}

	results := make([]Result, opts.Seeds)
	buffers := make([]bytes.Buffer, opts.Seeds)

	g, gCtx := errgroup.WithContext(ctx)
	if opts.Parallelism > 0 {
		g.SetLimit(opts.Parallelism)
	}
	for i := 0; i < opts.Seeds; i++ {
		i := i
		g.Go(func() error {
			run := opts.Options
			run.Scenario.Seed = opts.Scenario.Seed + int64(i)

			bw := telemetry.NewWriter(&buffers[i], WriterOptions(run.Scenario)...)
			res, err := Run(gCtx, run, bw)
			if cerr := bw.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return fmt.Errorf("seed %d: %w", run.Scenario.Seed, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i := range buffers {
		if err := w.WriteRaw(buffers[i].String()); err != nil {
			return results, err
		}
	}
	return results, nil
}
