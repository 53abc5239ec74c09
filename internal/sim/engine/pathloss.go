package engine

import (
	"math"
)

// ITU indoor log-distance model for a single floor:
// PL = 20 log10(f_MHz) - 28 + N log10(d), d >= 1 m.
const (
	ituDistanceExponent = 30.0
	ituFixedOffsetDb    = -28.0
)

// PathLossModel maps AP-station distance to loss in dB.
type PathLossModel struct {
	FrequencyMHz float64
}

// Loss returns the path loss at distance d metres. Distances under one
// metre are treated as one metre.
func (m PathLossModel) Loss(d float64) float64 {
	if d < 1 {
		d = 1
	}
	f := m.FrequencyMHz
	if f <= 0 {
		f = 5510
	}
	return 20*math.Log10(f) + ituFixedOffsetDb + ituDistanceExponent*math.Log10(d)
}
