package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/signalsfoundry/slicesim/internal/logging"
	"github.com/signalsfoundry/slicesim/model"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/signalsfoundry/slicesim/core"

var (
	ErrNoSlices       = errors.New("controller has no slices")
	ErrDuplicateSlice = errors.New("duplicate slice")
)

// SectionKind tells which pass produced a report.
type SectionKind int

const (
	// SectionInit is the one-shot sizing pass before traffic starts.
	SectionInit SectionKind = iota
	// SectionTick is a periodic adaptation pass.
	SectionTick
	// SectionFinal is the end-of-run tally.
	SectionFinal
)

func (k SectionKind) String() string {
	switch k {
	case SectionInit:
		return "init"
	case SectionFinal:
		return "final"
	default:
		return "tick"
	}
}

// SliceSpec binds a slice to its sizing policy and SLA.
type SliceSpec struct {
	Slice  *model.Slice
	Policy SlicePolicy
	SLA    SLAPolicy
}

// SliceReport is the per-slice outcome of one pass.
type SliceReport struct {
	Slice  model.SliceID
	Config model.SliceConfig
	// Verdict is only meaningful when Evaluated is set.
	Verdict    Verdict
	Evaluated  bool
	Hysteresis HysteresisState
	// Held is set when the slice kept its previous configuration because
	// selection or application failed.
	Held bool
}

// StationReport is the per-station row of a tick or final section.
type StationReport struct {
	StationID string
	Slice     model.SliceID
	Demand    float64 // bits/s
	Position  model.Position
	Snapshot  Snapshot
}

// Report is everything one controller pass produced.
type Report struct {
	Kind     SectionKind
	At       time.Time
	Tick     int
	Slices   []SliceReport
	Stations []StationReport
	Faults   []Fault
}

// Recorder persists reports, e.g. the append-only telemetry log.
type Recorder interface {
	Record(ctx context.Context, r Report) error
}

// MetricsRecorder receives per-pass controller measurements.
type MetricsRecorder interface {
	ObservePass(kind SectionKind, d time.Duration)
	SetSliceState(slice model.SliceID, cfg model.SliceConfig, h HysteresisState)
	SetVerdict(slice model.SliceID, v Verdict)
	ObserveErrorProbability(slice model.SliceID, p float64)
	IncFault(f Fault)
}

// ControllerOption customises Controller construction.
type ControllerOption func(*Controller)

// WithMetricsRecorder attaches an optional metrics recorder.
func WithMetricsRecorder(m MetricsRecorder) ControllerOption {
	return func(c *Controller) {
		c.metrics = m
	}
}

// WithRecorder attaches a report sink. Recorder failures abort the pass.
func WithRecorder(r Recorder) ControllerOption {
	return func(c *Controller) {
		c.recorder = r
	}
}

// Controller runs the per-slice feedback loop: collect, evaluate, adapt,
// select, apply and record. It is not safe for concurrent use.
type Controller struct {
	engine    Engine
	applier   RadioApplier
	log       logging.Logger
	slices    []SliceSpec
	collector *Collector
	recorder  Recorder
	metrics   MetricsRecorder
	tracer    trace.Tracer
	ticks     int
}

// NewController validates the slice set and builds a controller over it.
func NewController(engine Engine, applier RadioApplier, log logging.Logger, specs []SliceSpec, opts ...ControllerOption) (*Controller, error) {
	if engine == nil || applier == nil {
		return nil, errors.New("controller requires an engine and an applier")
	}
	if len(specs) == 0 {
		return nil, ErrNoSlices
	}
	if log == nil {
		log = logging.Noop()
	}

	seen := make(map[model.SliceID]bool, len(specs))
	var stations []*model.Station
	for _, spec := range specs {
		if spec.Slice == nil || spec.Policy == nil {
			return nil, errors.New("slice spec requires a slice and a policy")
		}
		if seen[spec.Slice.ID] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateSlice, spec.Slice.ID)
		}
		seen[spec.Slice.ID] = true
		if err := spec.Slice.Config.Validate(); err != nil {
			return nil, fmt.Errorf("slice %s: %w", spec.Slice.ID, err)
		}
		for _, st := range spec.Slice.Stations {
			if st != nil && st.Slice != spec.Slice.ID {
				return nil, fmt.Errorf("station %q belongs to slice %s, listed under %s", st.ID, st.Slice, spec.Slice.ID)
			}
		}
		stations = append(stations, spec.Slice.Stations...)
	}

	collector, err := NewCollector(stations)
	if err != nil {
		return nil, err
	}

	c := &Controller{
		engine:    engine,
		applier:   applier,
		log:       log.With(logging.String("component", "controller")),
		slices:    specs,
		collector: collector,
		tracer:    otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Size runs the initial sizing pass: propagation only, no evaluation and no
// hysteresis.
func (c *Controller) Size(ctx context.Context, now time.Time) (Report, error) {
	return c.update(ctx, now, false)
}

// Tick runs one periodic adaptation pass.
func (c *Controller) Tick(ctx context.Context, now time.Time) (Report, error) {
	return c.update(ctx, now, true)
}

// Finalize collects the final cumulative counters and records the closing
// section without touching any configuration.
func (c *Controller) Finalize(ctx context.Context, now time.Time) (Report, error) {
	ctx, span := c.tracer.Start(ctx, "controller.Finalize")
	defer span.End()
	start := time.Now()

	report := Report{Kind: SectionFinal, At: now, Tick: c.ticks}
	if faults, err := c.collect(ctx); err != nil {
		report.Faults = append(report.Faults, Fault{Kind: FaultFlowStats, Detail: err.Error()})
	} else {
		report.Faults = append(report.Faults, faults...)
	}
	for _, spec := range c.slices {
		report.Slices = append(report.Slices, SliceReport{
			Slice:      spec.Slice.ID,
			Config:     spec.Slice.Config,
			Hysteresis: spec.Policy.State(),
		})
	}
	report.Stations = c.stationRows()

	c.reportFaults(ctx, report.Faults)
	if err := c.record(ctx, report); err != nil {
		span.RecordError(err)
		return report, err
	}
	if c.metrics != nil {
		c.metrics.ObservePass(SectionFinal, time.Since(start))
	}
	return report, nil
}

// update is the single routine behind the sizing pass and periodic ticks.
// withHistory enables collection, evaluation and hysteresis.
func (c *Controller) update(ctx context.Context, now time.Time, withHistory bool) (Report, error) {
	kind, spanName := SectionInit, "controller.Size"
	if withHistory {
		kind, spanName = SectionTick, "controller.Tick"
		c.ticks++
	}
	ctx, span := c.tracer.Start(ctx, spanName, trace.WithAttributes(
		attribute.Int("tick", c.ticks),
		attribute.String("sim_time", now.Format(time.RFC3339Nano)),
	))
	defer span.End()
	start := time.Now()

	report := Report{Kind: kind, At: now, Tick: c.ticks}
	reports := make([]SliceReport, len(c.slices))
	for i, spec := range c.slices {
		reports[i] = SliceReport{Slice: spec.Slice.ID}
	}

	hold := false
	if withHistory {
		faults, err := c.collect(ctx)
		if err != nil {
			// Without fresh counters there is nothing to evaluate; every
			// slice keeps its configuration for this tick.
			c.log.Warn(ctx, "flow stats unavailable; holding all slices",
				logging.Int("tick", c.ticks),
				logging.Err(err),
			)
			span.RecordError(err)
			report.Faults = append(report.Faults, Fault{Kind: FaultFlowStats, Detail: err.Error()})
			hold = true
		} else {
			report.Faults = append(report.Faults, faults...)
			report.Faults = append(report.Faults, c.evaluate(ctx, reports)...)
			c.adapt(ctx, reports)
		}
	}

	for i, spec := range c.slices {
		if hold {
			reports[i].Held = true
		} else {
			report.Faults = append(report.Faults, c.resize(ctx, spec, &reports[i])...)
		}
		reports[i].Config = spec.Slice.Config
		reports[i].Hysteresis = spec.Policy.State()
	}
	report.Slices = reports
	if withHistory {
		report.Stations = c.stationRows()
	}

	c.reportFaults(ctx, report.Faults)
	if err := c.record(ctx, report); err != nil {
		span.RecordError(err)
		return report, err
	}

	if c.metrics != nil {
		for _, r := range reports {
			c.metrics.SetSliceState(r.Slice, r.Config, r.Hysteresis)
			if r.Evaluated {
				c.metrics.SetVerdict(r.Slice, r.Verdict)
			}
		}
		c.metrics.ObservePass(kind, time.Since(start))
	}
	return report, nil
}

func (c *Controller) collect(ctx context.Context) ([]Fault, error) {
	ctx, span := c.tracer.Start(ctx, "controller.collect")
	defer span.End()

	stats, err := c.engine.FlowStats(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("flow stats: %w", err)
	}
	span.SetAttributes(attribute.Int("flows", len(stats)))
	return c.collector.Collect(stats), nil
}

// evaluate runs the SLA test of every slice before any hysteresis moves.
func (c *Controller) evaluate(ctx context.Context, reports []SliceReport) []Fault {
	_, span := c.tracer.Start(ctx, "controller.evaluate")
	defer span.End()

	var faults []Fault
	for i, spec := range c.slices {
		members := c.members(spec.Slice)
		verdict, fs := Evaluate(spec.SLA, members)
		faults = append(faults, fs...)
		reports[i].Verdict = verdict
		reports[i].Evaluated = true

		if c.metrics != nil {
			for _, m := range members {
				if ep := m.Window.Current.ErrorProbability; ep.Valid {
					c.metrics.ObserveErrorProbability(spec.Slice.ID, ep.Value)
				}
			}
		}
		c.log.Debug(ctx, "slice evaluated",
			logging.String("slice", spec.Slice.ID.String()),
			logging.String("verdict", verdict.String()),
		)
	}
	return faults
}

func (c *Controller) adapt(ctx context.Context, reports []SliceReport) {
	_, span := c.tracer.Start(ctx, "controller.adapt")
	defer span.End()

	for i, spec := range c.slices {
		q := reports[i].Verdict.Quadrant()
		if spec.Policy.Adapt(q) {
			c.log.Info(ctx, "hysteresis moved",
				logging.String("slice", spec.Slice.ID.String()),
				logging.String("quadrant", q.String()),
				logging.Any("state", spec.Policy.State()),
			)
		}
	}
}

// resize selects and applies a new configuration for one slice. Any
// failure leaves the slice on its previous configuration.
func (c *Controller) resize(ctx context.Context, spec SliceSpec, r *SliceReport) []Fault {
	label := spec.Slice.ID.String()
	ctx, span := c.tracer.Start(ctx, "controller.select", trace.WithAttributes(
		attribute.String("slice", label),
	))
	defer span.End()

	losses := make([]float64, 0, len(spec.Slice.Stations))
	for _, st := range spec.Slice.Stations {
		loss, err := c.engine.PathLoss(ctx, st.ID)
		if err != nil {
			span.RecordError(err)
			r.Held = true
			return []Fault{{Kind: FaultPathLoss, Slice: label, StationID: st.ID, Detail: err.Error()}}
		}
		losses = append(losses, loss)
	}

	next, faults, err := spec.Policy.Select(SelectInput{
		Slice:      spec.Slice.ID,
		DemandMbps: spec.Slice.AggregateDemandMbps(),
		PathLossDB: losses,
		Current:    spec.Slice.Config,
	})
	if err == nil {
		err = next.Validate()
	}
	if err != nil {
		span.RecordError(err)
		r.Held = true
		return append(faults, Fault{Kind: FaultSelect, Slice: label, Detail: err.Error()})
	}

	if err := c.apply(ctx, spec.Slice.ID, spec.Slice.Config, next); err != nil {
		r.Held = true
		return append(faults, Fault{Kind: FaultApply, Slice: label, Detail: err.Error()})
	}
	spec.Slice.Config = next
	return faults
}

// apply pushes next. If that fails part way, prev is pushed again so the
// devices match the configuration the slice keeps.
func (c *Controller) apply(ctx context.Context, id model.SliceID, prev, next model.SliceConfig) error {
	ctx, span := c.tracer.Start(ctx, "controller.apply", trace.WithAttributes(
		attribute.String("slice", id.String()),
		attribute.Int("mcs", next.MCS),
		attribute.Int("channel_width", next.ChannelWidth),
		attribute.Float64("tx_power_dbm", next.TxPowerDBm),
	))
	defer span.End()

	err := ApplyConfig(ctx, c.applier, id, next)
	if err == nil {
		return nil
	}
	if !errors.Is(err, model.ErrInvalidSliceConfig) {
		if rerr := ApplyConfig(ctx, c.applier, id, prev); rerr != nil {
			err = errors.Join(err, fmt.Errorf("restore previous config: %w", rerr))
		}
	}
	span.RecordError(err)
	return err
}

func (c *Controller) record(ctx context.Context, r Report) error {
	if c.recorder == nil {
		return nil
	}
	ctx, span := c.tracer.Start(ctx, "controller.record")
	defer span.End()
	if err := c.recorder.Record(ctx, r); err != nil {
		return fmt.Errorf("record %s section: %w", r.Kind, err)
	}
	return nil
}

func (c *Controller) members(s *model.Slice) []Member {
	members := make([]Member, 0, len(s.Stations))
	for _, st := range s.Stations {
		w, ok := c.collector.Window(st.ID)
		if !ok {
			continue
		}
		members = append(members, Member{Station: st, Window: w})
	}
	return members
}

func (c *Controller) stationRows() []StationReport {
	var rows []StationReport
	for _, spec := range c.slices {
		for _, st := range spec.Slice.Stations {
			w, ok := c.collector.Window(st.ID)
			if !ok {
				continue
			}
			rows = append(rows, StationReport{
				StationID: st.ID,
				Slice:     st.Slice,
				Demand:    st.Demand,
				Position:  st.Position,
				Snapshot:  w.Current,
			})
		}
	}
	return rows
}

func (c *Controller) reportFaults(ctx context.Context, faults []Fault) {
	for _, f := range faults {
		fields := []logging.Field{
			logging.String("kind", string(f.Kind)),
			logging.String("slice", f.Slice),
			logging.String("detail", f.Detail),
		}
		if f.StationID != "" {
			fields = append(fields, logging.String("station_id", f.StationID))
		}
		if f.Kind == FaultIdleWindow {
			c.log.Debug(ctx, "controller fault", fields...)
		} else {
			c.log.Warn(ctx, "controller fault", fields...)
		}
		if c.metrics != nil {
			c.metrics.IncFault(f)
		}
	}
}
