package core

// WidthHysteresis biases the channel width of the throughput and latency
// slices. The multiplier is 1 or 2.
type WidthHysteresis struct {
	Multiplier int
	// Doubling enables the fail+worsening transition to 2. With it off the
	// multiplier never leaves 1.
	Doubling bool
}

// NewWidthHysteresis returns a multiplier at baseline.
func NewWidthHysteresis(doubling bool) *WidthHysteresis {
	return &WidthHysteresis{Multiplier: 1, Doubling: doubling}
}

// Update applies one verdict and reports whether the state changed. Mixed
// quadrants hold.
func (h *WidthHysteresis) Update(q Quadrant) bool {
	prev := h.Multiplier
	switch q {
	case FailWorsening:
		if h.Doubling {
			h.Multiplier = 2
		} else {
			h.Multiplier = 1
		}
	case PassImproving:
		h.Multiplier = 1
	}
	return prev != h.Multiplier
}

// PowerLimits bound the power-slice offsets.
type PowerLimits struct {
	PowerFloor   int
	PowerCeiling int
	PowerMid     int // value the power offset resets to when the MCS offset moves
	MCSFloor     int
	MCSCeiling   int
}

// DefaultPowerLimits are the shipped bounds.
var DefaultPowerLimits = PowerLimits{
	PowerFloor:   1,
	PowerCeiling: 6,
	PowerMid:     3,
	MCSFloor:     1,
	MCSCeiling:   4,
}

// PowerHysteresis holds the transmit-power and MCS offsets of the power
// slice. Power moves first; the MCS offset only moves once power saturates.
type PowerHysteresis struct {
	PowerOffset int
	MCSOffset   int
	limits      PowerLimits
}

// NewPowerHysteresis returns offsets at baseline: power at mid, MCS at floor.
func NewPowerHysteresis(limits PowerLimits) *PowerHysteresis {
	return &PowerHysteresis{
		PowerOffset: limits.PowerMid,
		MCSOffset:   limits.MCSFloor,
		limits:      limits,
	}
}

// Update applies one verdict and reports whether the state changed.
func (h *PowerHysteresis) Update(q Quadrant) bool {
	prevPower, prevMCS := h.PowerOffset, h.MCSOffset
	switch q {
	case FailWorsening:
		if h.PowerOffset < h.limits.PowerCeiling {
			h.PowerOffset++
		} else if h.MCSOffset < h.limits.MCSCeiling {
			h.MCSOffset++
			h.PowerOffset = h.limits.PowerMid
		}
	case PassImproving:
		if h.PowerOffset > h.limits.PowerFloor {
			h.PowerOffset--
		} else if h.MCSOffset > h.limits.MCSFloor {
			h.MCSOffset--
			h.PowerOffset = h.limits.PowerMid
		}
	}
	return prevPower != h.PowerOffset || prevMCS != h.MCSOffset
}

// HysteresisState is a read-only view of a slice's hysteresis, used for
// metrics and logging. Fields that do not apply to the slice are zero.
type HysteresisState struct {
	WidthMultiplier int
	PowerOffset     int
	MCSOffset       int
}
