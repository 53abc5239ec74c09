package model

import (
	"errors"
	"fmt"
)

// ErrInvalidSliceConfig is returned by SliceConfig.Validate.
var ErrInvalidSliceConfig = errors.New("invalid slice config")

// Supported channel widths (MHz) and guard intervals (ns).
var (
	ChannelWidths  = []int{20, 40, 80, 160}
	GuardIntervals = []int{800, 1600, 3200}
)

const (
	MinMCS = 0
	MaxMCS = 11
)

// MCSBounds is the window the selector derived for a slice on the last pass.
type MCSBounds struct {
	Min int
	Max int
}

// SliceConfig is the set of radio parameters pushed to every device of a slice.
type SliceConfig struct {
	ChannelNumber int
	ChannelWidth  int // MHz
	GuardInterval int // ns
	MCS           int
	TxPowerDBm    float64
	Bounds        MCSBounds
}

// Validate checks the config against the discrete value sets the radio accepts.
func (c SliceConfig) Validate() error {
	if !IsChannelWidth(c.ChannelWidth) {
		return fmt.Errorf("%w: channel width %d MHz", ErrInvalidSliceConfig, c.ChannelWidth)
	}
	if !IsGuardInterval(c.GuardInterval) {
		return fmt.Errorf("%w: guard interval %d ns", ErrInvalidSliceConfig, c.GuardInterval)
	}
	if c.MCS < MinMCS || c.MCS > MaxMCS {
		return fmt.Errorf("%w: mcs %d", ErrInvalidSliceConfig, c.MCS)
	}
	if c.ChannelNumber <= 0 {
		return fmt.Errorf("%w: channel number %d", ErrInvalidSliceConfig, c.ChannelNumber)
	}
	return nil
}

// IsChannelWidth reports whether w is one of the supported widths.
func IsChannelWidth(w int) bool {
	for _, v := range ChannelWidths {
		if v == w {
			return true
		}
	}
	return false
}

// IsGuardInterval reports whether gi is one of the supported guard intervals.
func IsGuardInterval(gi int) bool {
	for _, v := range GuardIntervals {
		if v == gi {
			return true
		}
	}
	return false
}

// Slice groups the stations that share one radio objective.
type Slice struct {
	ID       SliceID
	Stations []*Station
	Config   SliceConfig
}

// AggregateDemand returns the sum of member demands in bits per second.
func (s *Slice) AggregateDemand() float64 {
	var sum float64
	for _, st := range s.Stations {
		sum += st.Demand
	}
	return sum
}

// AggregateDemandMbps returns the aggregate demand in Mb/s.
func (s *Slice) AggregateDemandMbps() float64 {
	return s.AggregateDemand() / 1e6
}
