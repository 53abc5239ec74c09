package core

import (
	"math"

	"github.com/signalsfoundry/slicesim/model"
)

// Distance returns the straight-line distance between two points, in metres.
func Distance(a, b model.Position) float64 {
	dx := a.X - b.X
	dy := a.Y - b.Y
	dz := a.Z - b.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// Building is the axis-aligned box every station moves inside. The origin
// is one corner; X, Y and Z extend to Width, Depth and Height (metres).
type Building struct {
	Width  float64
	Depth  float64
	Height float64
}

// Contains reports whether p lies inside the building, bounds included.
func (b Building) Contains(p model.Position) bool {
	return p.X >= 0 && p.X <= b.Width &&
		p.Y >= 0 && p.Y <= b.Depth &&
		p.Z >= 0 && p.Z <= b.Height
}

// Reflect mirrors a point that left the building back inside it, one axis
// at a time, the way a walker bounces off a wall.
func (b Building) Reflect(p model.Position) model.Position {
	return model.Position{
		X: reflect1D(p.X, b.Width),
		Y: reflect1D(p.Y, b.Depth),
		Z: reflect1D(p.Z, b.Height),
	}
}

// reflect1D folds v into [0, limit]. A zero limit pins the axis at 0.
func reflect1D(v, limit float64) float64 {
	if limit <= 0 {
		return 0
	}
	period := 2 * limit
	v = math.Mod(v, period)
	if v < 0 {
		v += period
	}
	if v > limit {
		v = period - v
	}
	return v
}
