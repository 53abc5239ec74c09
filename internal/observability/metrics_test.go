package observability

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"

	"github.com/signalsfoundry/slicesim/core"
	"github.com/signalsfoundry/slicesim/model"
)

func TestControllerCollectorRecordsPasses(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewControllerCollector(reg)
	if err != nil {
		t.Fatalf("NewControllerCollector: %v", err)
	}

	collector.ObservePass(core.SectionInit, 2*time.Millisecond)
	collector.ObservePass(core.SectionTick, time.Millisecond)
	collector.ObservePass(core.SectionTick, time.Millisecond)

	if got := testutil.ToFloat64(collector.Passes.WithLabelValues("tick")); got != 2 {
		t.Fatalf("slicesim_controller_passes_total{section=tick} = %v, want 2", got)
	}
	if count := histogramSampleCount(t, reg, "slicesim_controller_pass_duration_seconds", map[string]string{
		"section": "init",
	}); count != 1 {
		t.Fatalf("pass duration sample_count = %d, want 1", count)
	}
}

func TestControllerCollectorLabelsPassesBySectionName(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewControllerCollector(reg)
	if err != nil {
		t.Fatalf("NewControllerCollector: %v", err)
	}

	collector.ObservePass(core.SectionInit, time.Millisecond)
	collector.ObservePass(core.SectionTick, time.Millisecond)
	collector.ObservePass(core.SectionFinal, time.Millisecond)

	for _, section := range []string{"init", "tick", "final"} {
		if got := testutil.ToFloat64(collector.Passes.WithLabelValues(section)); got != 1 {
			t.Fatalf("passes{section=%q} = %v, want 1", section, got)
		}
	}
	if got := testutil.CollectAndCount(collector.Passes); got != 3 {
		t.Fatalf("passes series = %d, want 3", got)
	}
	if got := testutil.CollectAndCount(collector.PassDurations); got != 3 {
		t.Fatalf("pass duration series = %d, want 3", got)
	}
}

func TestControllerCollectorSliceState(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewControllerCollector(reg)
	if err != nil {
		t.Fatalf("NewControllerCollector: %v", err)
	}

	cfg := model.SliceConfig{
		ChannelNumber: 50,
		ChannelWidth:  160,
		GuardInterval: 800,
		MCS:           8,
		TxPowerDBm:    20,
		Bounds:        model.MCSBounds{Min: 9, Max: 8},
	}
	collector.SetSliceState(model.SliceA, cfg, core.HysteresisState{WidthMultiplier: 2})
	collector.SetSliceState(model.SliceB, model.SliceConfig{TxPowerDBm: -13}, core.HysteresisState{PowerOffset: 4, MCSOffset: 1})

	checks := []struct {
		name string
		c    prometheus.Collector
		want float64
	}{
		{"channel", collector.ChannelNumber.WithLabelValues("A"), 50},
		{"width", collector.ChannelWidth.WithLabelValues("A"), 160},
		{"gi", collector.GuardInterval.WithLabelValues("A"), 800},
		{"mcs", collector.MCS.WithLabelValues("A"), 8},
		{"bound min", collector.MCSBound.WithLabelValues("A", "min"), 9},
		{"bound max", collector.MCSBound.WithLabelValues("A", "max"), 8},
		{"multiplier", collector.WidthMultiplier.WithLabelValues("A"), 2},
		{"tx power B", collector.TxPower.WithLabelValues("B"), -13},
		{"power offset B", collector.PowerOffset.WithLabelValues("B"), 4},
		{"mcs offset B", collector.MCSOffset.WithLabelValues("B"), 1},
	}
	for _, c := range checks {
		if got := testutil.ToFloat64(c.c); got != c.want {
			t.Fatalf("%s = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestControllerCollectorVerdictsAndFaults(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewControllerCollector(reg)
	if err != nil {
		t.Fatalf("NewControllerCollector: %v", err)
	}

	collector.SetVerdict(model.SliceC, core.Verdict{Pass: false, Violations: 2})
	collector.SetVerdict(model.SliceA, core.Verdict{Pass: true})
	collector.IncFault(core.Fault{Kind: core.FaultIndexClamped, Slice: "A"})
	collector.IncFault(core.Fault{Kind: core.FaultIndexClamped, Slice: "A"})
	collector.IncFault(core.Fault{Kind: core.FaultFlowStats})
	collector.ObserveErrorProbability(model.SliceB, 0.02)

	if got := testutil.ToFloat64(collector.SLAPass.WithLabelValues("C")); got != 0 {
		t.Fatalf("sla pass C = %v, want 0", got)
	}
	if got := testutil.ToFloat64(collector.SLAPass.WithLabelValues("A")); got != 1 {
		t.Fatalf("sla pass A = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.SLAViolations.WithLabelValues("C")); got != 2 {
		t.Fatalf("sla violations C = %v, want 2", got)
	}
	if got := testutil.ToFloat64(collector.Faults.WithLabelValues("A", "index_clamped")); got != 2 {
		t.Fatalf("faults{A,index_clamped} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(collector.Faults.WithLabelValues("none", "flow_stats")); got != 1 {
		t.Fatalf("faults{none,flow_stats} = %v, want 1", got)
	}
	if count := histogramSampleCount(t, reg, "slicesim_station_error_probability", map[string]string{
		"slice": "B",
	}); count != 1 {
		t.Fatalf("error probability sample_count = %d, want 1", count)
	}
}

func TestCollectorsReuseRegisteredMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewControllerCollector(reg)
	if err != nil {
		t.Fatalf("NewControllerCollector: %v", err)
	}
	second, err := NewControllerCollector(reg)
	if err != nil {
		t.Fatalf("second NewControllerCollector: %v", err)
	}
	first.ObservePass(core.SectionTick, time.Millisecond)
	if got := testutil.ToFloat64(second.Passes.WithLabelValues("tick")); got != 1 {
		t.Fatalf("shared passes counter = %v, want 1", got)
	}

	if _, err := NewRunCollector(reg); err != nil {
		t.Fatalf("NewRunCollector: %v", err)
	}
	if _, err := NewRunCollector(reg); err != nil {
		t.Fatalf("second NewRunCollector: %v", err)
	}
}

func TestRegisterRejectsIncompatibleCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := reg.Register(prometheus.NewCounter(prometheus.CounterOpts{
		Name: "slicesim_runs_active",
		Help: "Number of simulation runs currently in progress.",
	})); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := NewRunCollector(reg); err == nil {
		t.Fatalf("NewRunCollector with clashing counter: want error")
	}
}

func TestRunCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewRunCollector(reg)
	if err != nil {
		t.Fatalf("NewRunCollector: %v", err)
	}

	collector.RunStarted()
	collector.RunStarted()
	if got := testutil.ToFloat64(collector.RunsActive); got != 2 {
		t.Fatalf("runs active = %v, want 2", got)
	}
	collector.RunFinished(time.Second, nil)
	collector.RunFinished(time.Second, errors.New("boom"))
	collector.AddSimulatedTime(17 * time.Second)
	collector.AddSimulatedTime(-time.Second)

	if got := testutil.ToFloat64(collector.RunsActive); got != 0 {
		t.Fatalf("runs active = %v, want 0", got)
	}
	if got := testutil.ToFloat64(collector.Runs.WithLabelValues("error")); got != 1 {
		t.Fatalf("runs{error} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.SimulatedSeconds); got != 17 {
		t.Fatalf("simulated seconds = %v, want 17", got)
	}
	if collector.Gatherer() == nil {
		t.Fatalf("Gatherer() = nil")
	}

	var nilCollector *RunCollector
	nilCollector.RunStarted()
	nilCollector.RunFinished(time.Second, nil)
}

func TestMetricsHandlerExposesControllerMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewControllerCollector(reg)
	if err != nil {
		t.Fatalf("NewControllerCollector: %v", err)
	}
	collector.ObservePass(core.SectionTick, time.Millisecond)
	collector.SetSliceState(model.SliceA, model.SliceConfig{ChannelNumber: 42, ChannelWidth: 20, MCS: 5}, core.HysteresisState{WidthMultiplier: 1})
	collector.SetVerdict(model.SliceA, core.Verdict{Pass: true})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, metric := range []string{
		"slicesim_controller_passes_total",
		"slicesim_controller_pass_duration_seconds",
		`slicesim_slice_channel_number{slice="A"} 42`,
		`slicesim_slice_mcs{slice="A"} 5`,
		`slicesim_slice_sla_pass{slice="A"} 1`,
	} {
		if !strings.Contains(body, metric) {
			t.Fatalf("expected %q in /metrics output", metric)
		}
	}
}

func histogramSampleCount(t *testing.T, gatherer prometheus.Gatherer, name string, labels map[string]string) uint64 {
	t.Helper()

	metrics, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if matchLabels(m.GetLabel(), labels) && m.GetHistogram() != nil {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func matchLabels(got []*dto.LabelPair, want map[string]string) bool {
	if len(got) < len(want) {
		return false
	}
	matched := 0
	for _, lp := range got {
		if val, ok := want[lp.GetName()]; ok && val == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}
