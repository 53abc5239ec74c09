package core

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/signalsfoundry/slicesim/model"
)

var (
	ErrUnknownStation   = errors.New("unknown station")
	ErrDuplicateStation = errors.New("duplicate station")
	ErrDuplicatePort    = errors.New("duplicate flow port")
)

// FlowID identifies a flow inside the engine's flow monitor.
type FlowID uint32

// FlowStat is the cumulative per-flow record reported by the engine.
type FlowStat struct {
	TxPackets       uint64
	RxPackets       uint64
	DelaySum        time.Duration
	DestinationPort uint16
}

// Estimate is a measured value that may be undefined for the window.
type Estimate struct {
	Value float64
	Valid bool
}

// Snapshot is one station's view of a measurement window.
type Snapshot struct {
	// Cumulative counters since simulation start.
	TxPackets uint64
	RxPackets uint64
	DelaySum  time.Duration

	// Deltas against the previous snapshot.
	DeltaTx uint64
	DeltaRx uint64

	// WindowLatency is the mean per-packet latency (ms) of packets received
	// in this window.
	WindowLatency Estimate
	// MeanLatency is the cumulative mean latency (ms), 0 before any reception.
	MeanLatency float64

	// ErrorProbability is filled in by the evaluator.
	ErrorProbability Estimate
}

// MeasurementWindow double-buffers the current and previous snapshot of a
// station.
type MeasurementWindow struct {
	Current  Snapshot
	Previous Snapshot
}

// Rotate makes the current snapshot the previous one. The current snapshot
// keeps its values until overwritten.
func (w *MeasurementWindow) Rotate() {
	w.Previous = w.Current
}

// Collector turns cumulative flow statistics into per-station windows.
type Collector struct {
	byPort  map[uint16]*model.Station
	windows map[string]*MeasurementWindow
}

// NewCollector builds a collector for the given stations. Station IDs and
// flow ports must be unique.
func NewCollector(stations []*model.Station) (*Collector, error) {
	c := &Collector{
		byPort:  make(map[uint16]*model.Station, len(stations)),
		windows: make(map[string]*MeasurementWindow, len(stations)),
	}
	for _, st := range stations {
		if st == nil || st.ID == "" {
			return nil, fmt.Errorf("%w: empty station id", ErrUnknownStation)
		}
		if _, exists := c.windows[st.ID]; exists {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateStation, st.ID)
		}
		if other, exists := c.byPort[st.FlowPort]; exists {
			return nil, fmt.Errorf("%w: port %d used by %q and %q", ErrDuplicatePort, st.FlowPort, other.ID, st.ID)
		}
		c.byPort[st.FlowPort] = st
		// A zero-initialised history counts as a valid zero error probability.
		c.windows[st.ID] = &MeasurementWindow{
			Current: Snapshot{ErrorProbability: Estimate{Value: 0, Valid: true}},
		}
	}
	return c, nil
}

// Window returns the measurement window of a station.
func (c *Collector) Window(stationID string) (*MeasurementWindow, bool) {
	w, ok := c.windows[stationID]
	return w, ok
}

// Collect rotates every window and writes a fresh current snapshot from the
// cumulative flow stats. Stations without a flow are treated as idle.
func (c *Collector) Collect(stats map[FlowID]FlowStat) []Fault {
	var faults []Fault

	for _, w := range c.windows {
		w.Rotate()
	}

	ids := make([]FlowID, 0, len(stats))
	for id := range stats {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	seen := make(map[string]bool, len(c.windows))
	for _, id := range ids {
		fs := stats[id]
		st, ok := c.byPort[fs.DestinationPort]
		if !ok {
			faults = append(faults, Fault{
				Kind:   FaultUnknownFlow,
				Detail: fmt.Sprintf("flow %d to port %d has no station", id, fs.DestinationPort),
			})
			continue
		}
		if seen[st.ID] {
			faults = append(faults, Fault{
				Kind:      FaultDuplicateFlow,
				Slice:     st.Slice.String(),
				StationID: st.ID,
				Detail:    fmt.Sprintf("flow %d ignored", id),
			})
			continue
		}
		seen[st.ID] = true
		if f, ok := c.write(st, fs); !ok {
			faults = append(faults, f)
		}
	}

	for _, st := range c.byPort {
		if seen[st.ID] {
			continue
		}
		w := c.windows[st.ID]
		w.Current = idleSnapshot(w.Previous)
	}
	return faults
}

func (c *Collector) write(st *model.Station, fs FlowStat) (Fault, bool) {
	w := c.windows[st.ID]
	prev := w.Previous

	if fs.TxPackets < prev.TxPackets || fs.RxPackets < prev.RxPackets || fs.DelaySum < prev.DelaySum {
		w.Current = idleSnapshot(prev)
		return Fault{
			Kind:      FaultCounterRegression,
			Slice:     st.Slice.String(),
			StationID: st.ID,
			Detail: fmt.Sprintf("tx %d->%d rx %d->%d", prev.TxPackets, fs.TxPackets,
				prev.RxPackets, fs.RxPackets),
		}, false
	}

	cur := Snapshot{
		TxPackets: fs.TxPackets,
		RxPackets: fs.RxPackets,
		DelaySum:  fs.DelaySum,
		DeltaTx:   fs.TxPackets - prev.TxPackets,
		DeltaRx:   fs.RxPackets - prev.RxPackets,
	}
	if cur.DeltaRx > 0 {
		delay := fs.DelaySum - prev.DelaySum
		cur.WindowLatency = Estimate{Value: durationMs(delay) / float64(cur.DeltaRx), Valid: true}
	}
	if fs.RxPackets > 0 {
		cur.MeanLatency = durationMs(fs.DelaySum) / float64(fs.RxPackets)
	}
	w.Current = cur
	return Fault{}, true
}

// idleSnapshot carries cumulative counters forward with zero deltas.
func idleSnapshot(prev Snapshot) Snapshot {
	return Snapshot{
		TxPackets:   prev.TxPackets,
		RxPackets:   prev.RxPackets,
		DelaySum:    prev.DelaySum,
		MeanLatency: prev.MeanLatency,
	}
}

func durationMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
