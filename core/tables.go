package core

import (
	"errors"
	"fmt"

	"github.com/signalsfoundry/slicesim/model"
)

// ErrIndexOutOfRange is returned by table accessors for an index outside the
// table.
var ErrIndexOutOfRange = errors.New("table index out of range")

// GIClass selects the long or short guard-interval column of the capacity
// table.
type GIClass int

const (
	LongGI GIClass = iota
	ShortGI
)

// capacityTable holds the achievable aggregate throughput (Mb/s) per MCS row.
// Columns: 20L, 20S, 40L, 40S, 80L, 80S, 160L, 160S.
var capacityTable = [12][8]float64{
	{7.10, 7.49, 14.4, 15.2, 30.1, 31.8, 60.2, 63.9},
	{14.5, 15.3, 29.0, 30.7, 60.6, 64.3, 119, 125},
	{21.7, 23.0, 43.4, 45.9, 90.8, 95.8, 170, 179},
	{29.0, 30.8, 58.1, 61.6, 119, 125, 220, 231},
	{43.6, 46.1, 87.1, 92.0, 171, 180, 307, 321},
	{58.1, 61.6, 114, 120, 220, 231, 382, 399},
	{65.4, 69.3, 127, 134, 243, 255, 419, 437},
	{72.6, 76.9, 140, 147, 266, 279, 453, 471},
	{87.1, 92.0, 165, 173, 307, 321, 506, 526},
	{96.2, 101, 180, 190, 333, 349, 547, 567},
	{107, 113, 201, 211, 366, 382, 584, 605},
	{118, 125, 218, 229, 395, 412, 627, 648},
}

// sensitivityTable is the minimum received power (dBm) per MCS.
var sensitivityTable = [12]float64{-69, -66, -63, -59, -56, -52, -50, -48, -44, -43, -39, -37}

// NumMCS is the number of rows in both tables.
const NumMCS = len(sensitivityTable)

// widthTier maps a channel width to its tier (0..3) in the capacity table.
func widthTier(width int) (int, bool) {
	switch width {
	case 20:
		return 0, true
	case 40:
		return 1, true
	case 80:
		return 2, true
	case 160:
		return 3, true
	default:
		return 0, false
	}
}

// Capacity returns the table throughput in Mb/s for the given MCS, channel
// width and guard-interval class.
func Capacity(mcs, width int, gi GIClass) (float64, error) {
	if mcs < 0 || mcs >= NumMCS {
		return 0, fmt.Errorf("%w: mcs %d", ErrIndexOutOfRange, mcs)
	}
	tier, ok := widthTier(width)
	if !ok {
		return 0, fmt.Errorf("%w: channel width %d", ErrIndexOutOfRange, width)
	}
	col := 2 * tier
	if gi == ShortGI {
		col++
	}
	return capacityTable[mcs][col], nil
}

// Sensitivity returns the minimum received power (dBm) required to decode
// the given MCS.
func Sensitivity(mcs int) (float64, error) {
	if mcs < 0 || mcs >= NumMCS {
		return 0, fmt.Errorf("%w: mcs %d", ErrIndexOutOfRange, mcs)
	}
	return sensitivityTable[mcs], nil
}

// CapacityRow returns a copy of one capacity row.
func CapacityRow(mcs int) ([8]float64, error) {
	if mcs < 0 || mcs >= NumMCS {
		return [8]float64{}, fmt.Errorf("%w: mcs %d", ErrIndexOutOfRange, mcs)
	}
	return capacityTable[mcs], nil
}

// ClampMCS pins mcs into [MinMCS, MaxMCS]. clamped is true when the input was
// outside the range.
func ClampMCS(mcs int) (out int, clamped bool) {
	switch {
	case mcs < model.MinMCS:
		return model.MinMCS, true
	case mcs > model.MaxMCS:
		return model.MaxMCS, true
	default:
		return mcs, false
	}
}
