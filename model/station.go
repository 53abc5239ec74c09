package model

// SliceID identifies one of the three logical networks served by the AP.
type SliceID int

const (
	SliceA SliceID = iota // throughput
	SliceB                // power
	SliceC                // latency / reliability
)

// Slices lists every slice in log and evaluation order.
var Slices = []SliceID{SliceA, SliceB, SliceC}

func (s SliceID) String() string {
	switch s {
	case SliceA:
		return "A"
	case SliceB:
		return "B"
	case SliceC:
		return "C"
	default:
		return "unknown"
	}
}

// MobilityKind selects how the engine moves a station between ticks.
type MobilityKind int

const (
	MobilityConstant MobilityKind = iota
	MobilityRandomWalk
)

func (m MobilityKind) String() string {
	if m == MobilityRandomWalk {
		return "random-walk"
	}
	return "constant"
}

// Position is a point inside the building, in metres.
type Position struct {
	X float64
	Y float64
	Z float64
}

// Station is one client device transmitting an uplink flow to the AP.
//
// Demand and slice membership are fixed at setup. Position is owned by the
// engine's mobility model.
type Station struct {
	ID       string
	Index    int // ordinal within its slice
	Slice    SliceID
	Position Position
	Mobility MobilityKind

	// Demand is the offered load in bits per second.
	Demand float64

	// FlowPort is the destination port of the station's flow. The collector
	// resolves flows through an explicit port map, never by arithmetic.
	FlowPort uint16
}

// DemandMbps returns the station demand in Mb/s, the unit of the capacity table.
func (s *Station) DemandMbps() float64 {
	return s.Demand / 1e6
}
