package observability

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RunCollector exposes per-process simulation run metrics.
type RunCollector struct {
	gatherer prometheus.Gatherer

	RunDuration      prometheus.Histogram
	RunsActive       prometheus.Gauge
	Runs             *prometheus.CounterVec
	SimulatedSeconds prometheus.Counter
}

// NewRunCollector registers run metrics against the provided registerer.
func NewRunCollector(reg prometheus.Registerer) (*RunCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	duration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "slicesim_run_duration_seconds",
		Help:    "Wall-clock duration of a complete simulation run.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	})
	duration, err := registerHistogram(reg, duration, "slicesim_run_duration_seconds")
	if err != nil {
		return nil, err
	}

	active := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "slicesim_runs_active",
		Help: "Number of simulation runs currently in progress.",
	})
	active, err = registerGauge(reg, active, "slicesim_runs_active")
	if err != nil {
		return nil, err
	}

	runs, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "slicesim_runs_total",
		Help: "Completed simulation runs, labeled by outcome (ok, error).",
	}, []string{"outcome"}), "slicesim_runs_total")
	if err != nil {
		return nil, err
	}

	simulated := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "slicesim_simulated_seconds_total",
		Help: "Simulated time advanced across all runs.",
	})
	simulated, err = registerCounter(reg, simulated, "slicesim_simulated_seconds_total")
	if err != nil {
		return nil, err
	}

	return &RunCollector{
		gatherer:         gatherer,
		RunDuration:      duration,
		RunsActive:       active,
		Runs:             runs,
		SimulatedSeconds: simulated,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *RunCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// RunStarted marks a run as in progress.
func (c *RunCollector) RunStarted() {
	if c == nil || c.RunsActive == nil {
		return
	}
	c.RunsActive.Inc()
}

// RunFinished records the outcome and duration of a run.
func (c *RunCollector) RunFinished(d time.Duration, err error) {
	if c == nil {
		return
	}
	if c.RunsActive != nil {
		c.RunsActive.Dec()
	}
	if c.RunDuration != nil {
		c.RunDuration.Observe(d.Seconds())
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	if c.Runs != nil {
		c.Runs.WithLabelValues(outcome).Inc()
	}
}

// AddSimulatedTime adds simulated time advanced by a run.
func (c *RunCollector) AddSimulatedTime(d time.Duration) {
	if c == nil || c.SimulatedSeconds == nil || d <= 0 {
		return
	}
	c.SimulatedSeconds.Add(d.Seconds())
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}
