package engine

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/signalsfoundry/slicesim/core"
	"github.com/signalsfoundry/slicesim/model"
)

// Walk speed bounds, metres per second.
const (
	minWalkSpeed = 2.0
	maxWalkSpeed = 4.0
)

// MotionModel moves a station forward by one engine step.
type MotionModel interface {
	Step(dt time.Duration, st *model.Station)
}

// StaticMotionModel leaves the station where it is.
type StaticMotionModel struct{}

// Step for static motion does nothing.
func (StaticMotionModel) Step(time.Duration, *model.Station) {}

// RandomWalkMotionModel is a 2-D walk: every step draws a fresh speed and
// heading and bounces off the building walls. Height is kept.
type RandomWalkMotionModel struct {
	rng      *rand.Rand
	building core.Building
}

// NewRandomWalkMotionModel returns a walk confined to b.
func NewRandomWalkMotionModel(rng *rand.Rand, b core.Building) *RandomWalkMotionModel {
	return &RandomWalkMotionModel{rng: rng, building: b}
}

// Step moves st along one straight segment of length speed*dt.
func (m *RandomWalkMotionModel) Step(dt time.Duration, st *model.Station) {
	speed := minWalkSpeed + m.rng.Float64()*(maxWalkSpeed-minWalkSpeed)
	heading := m.rng.Float64() * 2 * math.Pi
	d := speed * dt.Seconds()

	next := model.Position{
		X: st.Position.X + d*math.Cos(heading),
		Y: st.Position.Y + d*math.Sin(heading),
		Z: st.Position.Z,
	}
	reflected := m.building.Reflect(next)
	reflected.Z = st.Position.Z
	st.Position = reflected
}

// NewMotionModel chooses the model for a station's mobility kind.
func NewMotionModel(kind model.MobilityKind, rng *rand.Rand, b core.Building) MotionModel {
	if kind == model.MobilityRandomWalk {
		return NewRandomWalkMotionModel(rng, b)
	}
	return StaticMotionModel{}
}
