package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/signalsfoundry/slicesim/core"
	"github.com/signalsfoundry/slicesim/model"
)

// ControllerCollector bundles Prometheus metrics for the slice controller.
// It satisfies core.MetricsRecorder.
type ControllerCollector struct {
	gatherer prometheus.Gatherer

	Passes           *prometheus.CounterVec
	PassDurations    *prometheus.HistogramVec
	Faults           *prometheus.CounterVec
	ErrorProbability *prometheus.HistogramVec

	ChannelNumber   *prometheus.GaugeVec
	ChannelWidth    *prometheus.GaugeVec
	GuardInterval   *prometheus.GaugeVec
	MCS             *prometheus.GaugeVec
	MCSBound        *prometheus.GaugeVec
	TxPower         *prometheus.GaugeVec
	WidthMultiplier *prometheus.GaugeVec
	PowerOffset     *prometheus.GaugeVec
	MCSOffset       *prometheus.GaugeVec
	SLAPass         *prometheus.GaugeVec
	SLAViolations   *prometheus.GaugeVec
}

var _ core.MetricsRecorder = (*ControllerCollector)(nil)

// NewControllerCollector registers controller metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
func NewControllerCollector(reg prometheus.Registerer) (*ControllerCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	passes, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "slicesim_controller_passes_total",
		Help: "Controller passes, labeled by section (init, tick, final).",
	}, []string{"section"}), "slicesim_controller_passes_total")
	if err != nil {
		return nil, err
	}
	durations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "slicesim_controller_pass_duration_seconds",
		Help:    "Wall-clock duration of a controller pass.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
	}, []string{"section"}), "slicesim_controller_pass_duration_seconds")
	if err != nil {
		return nil, err
	}
	faults, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "slicesim_controller_faults_total",
		Help: "Station and slice faults, labeled by slice and kind.",
	}, []string{"slice", "kind"}), "slicesim_controller_faults_total")
	if err != nil {
		return nil, err
	}
	errProb, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "slicesim_station_error_probability",
		Help:    "Per-station packet error probability over one measurement window.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 1},
	}, []string{"slice"}), "slicesim_station_error_probability")
	if err != nil {
		return nil, err
	}

	c := &ControllerCollector{
		gatherer:         gatherer,
		Passes:           passes,
		PassDurations:    durations,
		Faults:           faults,
		ErrorProbability: errProb,
	}

	gauges := []struct {
		dst    **prometheus.GaugeVec
		name   string
		help   string
		labels []string
	}{
		{&c.ChannelNumber, "slicesim_slice_channel_number", "Channel number in force on the slice.", []string{"slice"}},
		{&c.ChannelWidth, "slicesim_slice_channel_width_mhz", "Channel width in force on the slice.", []string{"slice"}},
		{&c.GuardInterval, "slicesim_slice_guard_interval_ns", "Guard interval in force on the slice.", []string{"slice"}},
		{&c.MCS, "slicesim_slice_mcs", "MCS index in force on the slice.", []string{"slice"}},
		{&c.MCSBound, "slicesim_slice_mcs_bound", "MCS window derived by the last selection, labeled by bound (min, max).", []string{"slice", "bound"}},
		{&c.TxPower, "slicesim_slice_tx_power_dbm", "Transmit power in force on the slice.", []string{"slice"}},
		{&c.WidthMultiplier, "slicesim_slice_width_multiplier", "Width hysteresis multiplier.", []string{"slice"}},
		{&c.PowerOffset, "slicesim_slice_power_offset", "Power hysteresis offset.", []string{"slice"}},
		{&c.MCSOffset, "slicesim_slice_mcs_offset", "MCS hysteresis offset.", []string{"slice"}},
		{&c.SLAPass, "slicesim_slice_sla_pass", "1 when the slice met its SLA on the last evaluation.", []string{"slice"}},
		{&c.SLAViolations, "slicesim_slice_sla_violations", "Members breaking the SLA on the last evaluation.", []string{"slice"}},
	}
	for _, g := range gauges {
		vec, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: g.name,
			Help: g.help,
		}, g.labels), g.name)
		if err != nil {
			return nil, err
		}
		*g.dst = vec
	}
	return c, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *ControllerCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// ObservePass counts a pass and records its duration.
func (c *ControllerCollector) ObservePass(kind core.SectionKind, d time.Duration) {
	if c == nil {
		return
	}
	section := kind.String()
	c.Passes.WithLabelValues(section).Inc()
	c.PassDurations.WithLabelValues(section).Observe(d.Seconds())
}

// SetSliceState publishes the configuration and hysteresis of a slice.
func (c *ControllerCollector) SetSliceState(slice model.SliceID, cfg model.SliceConfig, h core.HysteresisState) {
	if c == nil {
		return
	}
	s := slice.String()
	c.ChannelNumber.WithLabelValues(s).Set(float64(cfg.ChannelNumber))
	c.ChannelWidth.WithLabelValues(s).Set(float64(cfg.ChannelWidth))
	c.GuardInterval.WithLabelValues(s).Set(float64(cfg.GuardInterval))
	c.MCS.WithLabelValues(s).Set(float64(cfg.MCS))
	c.MCSBound.WithLabelValues(s, "min").Set(float64(cfg.Bounds.Min))
	c.MCSBound.WithLabelValues(s, "max").Set(float64(cfg.Bounds.Max))
	c.TxPower.WithLabelValues(s).Set(cfg.TxPowerDBm)
	c.WidthMultiplier.WithLabelValues(s).Set(float64(h.WidthMultiplier))
	c.PowerOffset.WithLabelValues(s).Set(float64(h.PowerOffset))
	c.MCSOffset.WithLabelValues(s).Set(float64(h.MCSOffset))
}

// SetVerdict publishes the last SLA verdict of a slice.
func (c *ControllerCollector) SetVerdict(slice model.SliceID, v core.Verdict) {
	if c == nil {
		return
	}
	pass := 0.0
	if v.Pass {
		pass = 1
	}
	c.SLAPass.WithLabelValues(slice.String()).Set(pass)
	c.SLAViolations.WithLabelValues(slice.String()).Set(float64(v.Violations))
}

// ObserveErrorProbability records one station's window error probability.
func (c *ControllerCollector) ObserveErrorProbability(slice model.SliceID, p float64) {
	if c == nil {
		return
	}
	c.ErrorProbability.WithLabelValues(slice.String()).Observe(p)
}

// IncFault counts a fault.
func (c *ControllerCollector) IncFault(f core.Fault) {
	if c == nil {
		return
	}
	slice := f.Slice
	if slice == "" {
		slice = "none"
	}
	c.Faults.WithLabelValues(slice, string(f.Kind)).Inc()
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
