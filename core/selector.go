package core

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/signalsfoundry/slicesim/model"
)

// ErrNoStations is returned when a slice has no members to size against.
var ErrNoStations = errors.New("slice has no stations")

// rxPowerCeilingDBm seeds the minimum received-power search; a slice whose
// members all hear the AP louder than this is sized as if at the ceiling.
const rxPowerCeilingDBm = 20.0

// ChannelPlan maps a channel width (MHz) to the channel number used at that
// width.
type ChannelPlan map[int]int

var (
	// ThroughputChannelPlan is used by slice A.
	ThroughputChannelPlan = ChannelPlan{20: 36, 40: 38, 80: 42, 160: 50}
	// LatencyChannelPlan is used by slice C.
	LatencyChannelPlan = ChannelPlan{20: 161, 40: 159, 80: 155, 160: 163}
)

// Channel returns the channel number for a width.
func (p ChannelPlan) Channel(width int) (int, error) {
	ch, ok := p[width]
	if !ok {
		return 0, fmt.Errorf("%w: no channel for width %d", ErrIndexOutOfRange, width)
	}
	return ch, nil
}

// TieBreak picks the final MCS from the demand- and power-limited bounds.
//
// Slice A and slice C use opposite rules under the same bound structure;
// both are kept as distinct policies.
type TieBreak int

const (
	// PreferMargin picks mcsMin+1 when the power limit allows it, otherwise
	// the power-limited maximum.
	PreferMargin TieBreak = iota
	// PreferMaxMCS picks the power-limited maximum when it is above
	// mcsMin, otherwise mcsMin+1.
	PreferMaxMCS
)

func (t TieBreak) String() string {
	if t == PreferMaxMCS {
		return "prefer-max-mcs"
	}
	return "prefer-margin"
}

// Pick applies the tie-break to the bounds.
func (t TieBreak) Pick(b model.MCSBounds) int {
	above := b.Max >= b.Min+1
	if t == PreferMaxMCS {
		if above {
			return b.Max
		}
		return b.Min + 1
	}
	if above {
		return b.Min + 1
	}
	return b.Max
}

// SelectInput is what a slice policy sees when sizing its slice.
type SelectInput struct {
	Slice      model.SliceID
	DemandMbps float64
	// PathLossDB holds one entry per member station.
	PathLossDB []float64
	// Current is the configuration in force; unadapted fields carry over.
	Current model.SliceConfig
}

// SlicePolicy couples a resource selector with its hysteresis state.
type SlicePolicy interface {
	// Adapt feeds one verdict quadrant into the hysteresis state and reports
	// whether it changed.
	Adapt(q Quadrant) bool
	// Select computes the next configuration.
	Select(in SelectInput) (model.SliceConfig, []Fault, error)
	// State reports the hysteresis state.
	State() HysteresisState
}

// PowerLimitedMCS returns the highest MCS the weakest member can decode with
// a two-step margin: the first MCS whose sensitivity exceeds rxPowerMin,
// minus two. Results below zero are clamped and flagged.
func PowerLimitedMCS(rxPowerMin float64) (mcs int, clamped bool) {
	for i := 0; i < NumMCS; i++ {
		if sensitivityTable[i] > rxPowerMin {
			return ClampMCS(i - 2)
		}
	}
	return model.MaxMCS, false
}

// RequiredWidth returns the narrowest width whose short-GI capacity at mcsMax
// exceeds the demand, scaled by the hysteresis multiplier and capped at 160.
func RequiredWidth(demandMbps float64, mcsMax, multiplier int) (int, error) {
	if multiplier < 1 {
		multiplier = 1
	}
	for _, tier := range []int{20, 40, 80} {
		c, err := Capacity(mcsMax, tier, ShortGI)
		if err != nil {
			return 0, err
		}
		if demandMbps < c {
			w := tier * multiplier
			if w > 160 {
				w = 160
			}
			return w, nil
		}
	}
	return 160, nil
}

// DemandLimitedMCS returns the lowest MCS whose short-GI capacity at width
// exceeds the demand, or MaxMCS when none does.
func DemandLimitedMCS(demandMbps float64, width int) (int, error) {
	for i := 0; i < NumMCS; i++ {
		c, err := Capacity(i, width, ShortGI)
		if err != nil {
			return 0, err
		}
		if demandMbps < c {
			return i, nil
		}
	}
	return model.MaxMCS, nil
}

// RatePolicy sizes the throughput and latency slices: it trades channel
// width and MCS against the weakest member's received power.
type RatePolicy struct {
	Plan     ChannelPlan
	TieBreak TieBreak
	Width    *WidthHysteresis
}

// NewThroughputPolicy returns the slice A policy.
func NewThroughputPolicy(widthDoubling bool) *RatePolicy {
	return &RatePolicy{
		Plan:     ThroughputChannelPlan,
		TieBreak: PreferMargin,
		Width:    NewWidthHysteresis(widthDoubling),
	}
}

// NewLatencyPolicy returns the slice C policy.
func NewLatencyPolicy(widthDoubling bool) *RatePolicy {
	return &RatePolicy{
		Plan:     LatencyChannelPlan,
		TieBreak: PreferMaxMCS,
		Width:    NewWidthHysteresis(widthDoubling),
	}
}

func (p *RatePolicy) Adapt(q Quadrant) bool {
	return p.Width.Update(q)
}

func (p *RatePolicy) State() HysteresisState {
	return HysteresisState{WidthMultiplier: p.Width.Multiplier}
}

func (p *RatePolicy) Select(in SelectInput) (model.SliceConfig, []Fault, error) {
	if len(in.PathLossDB) == 0 {
		return in.Current, nil, ErrNoStations
	}
	var faults []Fault
	label := in.Slice.String()

	rxPowerMin := rxPowerCeilingDBm
	for _, loss := range in.PathLossDB {
		if rx := in.Current.TxPowerDBm - loss; rx < rxPowerMin {
			rxPowerMin = rx
		}
	}

	mcsMax, clamped := PowerLimitedMCS(rxPowerMin)
	if clamped {
		faults = append(faults, Fault{
			Kind:   FaultIndexClamped,
			Slice:  label,
			Detail: fmt.Sprintf("power-limited mcs below 0 at rx power %.1f dBm", rxPowerMin),
		})
	}

	width, err := RequiredWidth(in.DemandMbps, mcsMax, p.Width.Multiplier)
	if err != nil {
		return in.Current, faults, err
	}
	channel, err := p.Plan.Channel(width)
	if err != nil {
		return in.Current, faults, err
	}
	mcsMin, err := DemandLimitedMCS(in.DemandMbps, width)
	if err != nil {
		return in.Current, faults, err
	}

	bounds := model.MCSBounds{Min: mcsMin, Max: mcsMax}
	mcs, clamped := ClampMCS(p.TieBreak.Pick(bounds))
	if clamped {
		faults = append(faults, Fault{
			Kind:   FaultIndexClamped,
			Slice:  label,
			Detail: fmt.Sprintf("%s mcs above %d (min=%d max=%d)", p.TieBreak, model.MaxMCS, mcsMin, mcsMax),
		})
	}

	next := in.Current
	next.ChannelWidth = width
	next.ChannelNumber = channel
	next.MCS = mcs
	next.Bounds = bounds
	return next, faults, nil
}

// PowerPolicy sizes the power slice: the lowest MCS that carries the demand,
// and the lowest transmit power that lets the 90th-percentile member decode
// it.
type PowerPolicy struct {
	Offsets *PowerHysteresis
}

// NewPowerPolicy returns the slice B policy.
func NewPowerPolicy(limits PowerLimits) *PowerPolicy {
	return &PowerPolicy{Offsets: NewPowerHysteresis(limits)}
}

func (p *PowerPolicy) Adapt(q Quadrant) bool {
	return p.Offsets.Update(q)
}

func (p *PowerPolicy) State() HysteresisState {
	return HysteresisState{PowerOffset: p.Offsets.PowerOffset, MCSOffset: p.Offsets.MCSOffset}
}

func (p *PowerPolicy) Select(in SelectInput) (model.SliceConfig, []Fault, error) {
	n := len(in.PathLossDB)
	if n == 0 {
		return in.Current, nil, ErrNoStations
	}
	var faults []Fault

	base := -1
	for i := 0; i < NumMCS; i++ {
		c, err := Capacity(i, 20, LongGI)
		if err != nil {
			return in.Current, nil, err
		}
		if c > in.DemandMbps {
			base = i
			break
		}
	}
	mcs := model.MaxMCS
	if base >= 0 {
		var clamped bool
		mcs, clamped = ClampMCS(base + p.Offsets.MCSOffset)
		if clamped {
			faults = append(faults, Fault{
				Kind:   FaultIndexClamped,
				Slice:  in.Slice.String(),
				Detail: fmt.Sprintf("mcs %d + offset %d above %d", base, p.Offsets.MCSOffset, model.MaxMCS),
			})
		}
	} else {
		base = model.MaxMCS
	}

	losses := append([]float64(nil), in.PathLossDB...)
	sort.Float64s(losses)
	loss := losses[n-n/10-1]

	sens, err := Sensitivity(mcs)
	if err != nil {
		return in.Current, faults, err
	}

	next := in.Current
	next.MCS = mcs
	next.TxPowerDBm = math.Trunc(loss + sens + float64(p.Offsets.PowerOffset))
	next.Bounds = model.MCSBounds{Min: base, Max: model.MaxMCS}
	return next, faults, nil
}
