// Package engine is a small synthetic stand-in for the packet-level network
// simulator. It moves stations, derives path loss, generates uplink traffic
// and keeps per-flow counters the controller can sample.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/signalsfoundry/slicesim/core"
	"github.com/signalsfoundry/slicesim/model"
)

var (
	ErrUnknownSlice     = errors.New("unknown slice")
	ErrUnknownParameter = errors.New("unknown radio parameter")
	ErrInvalidValue     = errors.New("invalid radio parameter value")
	ErrTimeReversed     = errors.New("engine time moved backwards")
)

const (
	defaultStep         = 100 * time.Millisecond
	defaultTrafficStart = time.Second
	defaultPayloadBytes = 1472

	// Transmit power range accepted by the devices, dBm.
	minTxPowerDBm = -50.0
	maxTxPowerDBm = 50.0

	// Slope of the link success curve around the sensitivity threshold, dB.
	marginSlopeDb = 2.0
	// Rate control keeps this much headroom above sensitivity.
	rateControlMarginDb = 3.0

	maxUtilisation = 0.95
	maxDelay       = 200 * time.Millisecond

	// Above this many packets per step delivery is drawn from the normal
	// approximation of the binomial.
	exactBinomialLimit = 64
)

// Config holds the static scenario the engine runs.
type Config struct {
	Building     core.Building
	AccessPoint  model.Position
	FrequencyMHz float64
	PayloadBytes int
	// ConstantMCS pins every device to the slice MCS. When false the engine
	// picks each station's MCS from its received power.
	ConstantMCS  bool
	TrafficStart time.Duration
	// TrafficStop ends new transmissions; zero keeps traffic running.
	TrafficStop time.Duration
	Step        time.Duration
	Seed        int64
}

// ApplyDefaults fills unset fields.
func (c Config) ApplyDefaults() Config {
	if c.Step <= 0 {
		c.Step = defaultStep
	}
	if c.TrafficStop < 0 {
		c.TrafficStop = 0
	}
	if c.TrafficStart < 0 {
		c.TrafficStart = 0
	} else if c.TrafficStart == 0 {
		c.TrafficStart = defaultTrafficStart
	}
	if c.PayloadBytes <= 0 {
		c.PayloadBytes = defaultPayloadBytes
	}
	if c.FrequencyMHz <= 0 {
		c.FrequencyMHz = 5510
	}
	return c
}

type sliceState struct {
	id      model.SliceID
	params  model.SliceConfig
	members []*stationState
}

// demandMbps is the aggregate offered load of the slice.
func (s *sliceState) demandMbps() float64 {
	var sum float64
	for _, m := range s.members {
		sum += m.st.DemandMbps()
	}
	return sum
}

type stationState struct {
	st     *model.Station
	motion MotionModel
	flow   core.FlowID
	carry  float64
	stat   core.FlowStat
}

// Engine implements core.Engine and core.RadioApplier.
type Engine struct {
	mu sync.Mutex

	cfg  Config
	rng  *rand.Rand
	loss PathLossModel

	slices   map[model.SliceID]*sliceState
	order    []*sliceState
	stations map[string]*stationState
	flows    map[core.FlowID]*stationState

	elapsed time.Duration
}

// New builds an engine over the given slices. Stations are moved in place
// by the engine's mobility models; slice configs are copied as the initial
// device parameters.
func New(cfg Config, slices []*model.Slice) (*Engine, error) {
	cfg = cfg.ApplyDefaults()
	if len(slices) == 0 {
		return nil, fmt.Errorf("engine: %w", core.ErrNoSlices)
	}

	seed := uint64(cfg.Seed)
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	e := &Engine{
		cfg:      cfg,
		rng:      rng,
		loss:     PathLossModel{FrequencyMHz: cfg.FrequencyMHz},
		slices:   make(map[model.SliceID]*sliceState, len(slices)),
		stations: make(map[string]*stationState),
		flows:    make(map[core.FlowID]*stationState),
	}

	next := core.FlowID(1)
	for _, sl := range slices {
		if sl == nil {
			return nil, fmt.Errorf("engine: nil slice")
		}
		if _, dup := e.slices[sl.ID]; dup {
			return nil, fmt.Errorf("engine: %w: %s", core.ErrDuplicateSlice, sl.ID)
		}
		ss := &sliceState{id: sl.ID, params: sl.Config}
		for _, st := range sl.Stations {
			if _, dup := e.stations[st.ID]; dup {
				return nil, fmt.Errorf("engine: %w: %s", core.ErrDuplicateStation, st.ID)
			}
			state := &stationState{
				st:     st,
				motion: NewMotionModel(st.Mobility, rng, cfg.Building),
				flow:   next,
			}
			state.stat.DestinationPort = st.FlowPort
			e.stations[st.ID] = state
			e.flows[next] = state
			ss.members = append(ss.members, state)
			next++
		}
		e.slices[sl.ID] = ss
		e.order = append(e.order, ss)
	}
	return e, nil
}

// Advance runs the engine forward to the given time since start, in steps
// of at most Config.Step.
func (e *Engine) Advance(ctx context.Context, to time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if to < e.elapsed {
		return fmt.Errorf("%w: at %s, asked for %s", ErrTimeReversed, e.elapsed, to)
	}
	for e.elapsed < to {
		if err := ctx.Err(); err != nil {
			return err
		}
		dt := e.cfg.Step
		if rem := to - e.elapsed; rem < dt {
			dt = rem
		}
		e.step(dt)
	}
	return nil
}

func (e *Engine) step(dt time.Duration) {
	start := e.elapsed
	end := start + dt

	for _, ss := range e.order {
		for _, m := range ss.members {
			m.motion.Step(dt, m.st)
		}
	}

	if active := e.trafficWindow(start, end); active > 0 {
		for _, ss := range e.order {
			e.offer(ss, active)
		}
	}
	e.elapsed = end
}

// trafficWindow returns how much of [start, end) lies inside the traffic
// period.
func (e *Engine) trafficWindow(start, end time.Duration) time.Duration {
	from, to := start, end
	if from < e.cfg.TrafficStart {
		from = e.cfg.TrafficStart
	}
	if e.cfg.TrafficStop > 0 && to > e.cfg.TrafficStop {
		to = e.cfg.TrafficStop
	}
	if to <= from {
		return 0
	}
	return to - from
}

// offer pushes one step of traffic through every member of a slice.
func (e *Engine) offer(ss *sliceState, active time.Duration) {
	bitsPerPacket := float64(e.cfg.PayloadBytes * 8)
	sliceDemand := ss.demandMbps()

	for _, m := range ss.members {
		offered := m.st.Demand*active.Seconds()/bitsPerPacket + m.carry
		n := math.Floor(offered)
		m.carry = offered - n
		if n <= 0 {
			continue
		}

		rx := ss.params.TxPowerDBm - e.loss.Loss(core.Distance(m.st.Position, e.cfg.AccessPoint))
		mcs := ss.params.MCS
		if !e.cfg.ConstantMCS {
			mcs = rateControlMCS(rx)
		}
		delivered, delay := e.deliver(uint64(n), rx, mcs, ss.params, sliceDemand)

		m.stat.TxPackets += uint64(n)
		m.stat.RxPackets += delivered
		m.stat.DelaySum += time.Duration(float64(delivered) * float64(delay))
	}
}

// deliver draws how many of n packets make it to the AP and their per
// packet delay.
func (e *Engine) deliver(n uint64, rx float64, mcs int, p model.SliceConfig, sliceDemandMbps float64) (uint64, time.Duration) {
	sens, err := core.Sensitivity(mcs)
	if err != nil {
		return 0, 0
	}
	capMbps, err := core.Capacity(mcs, p.ChannelWidth, giClass(p.GuardInterval))
	if err != nil || capMbps <= 0 {
		return 0, 0
	}

	rho := sliceDemandMbps / capMbps
	prob := LinkSuccess(rx - sens)
	if rho > 1 {
		prob /= rho
	}

	airtime := float64(e.cfg.PayloadBytes*8) / (capMbps * 1e6)
	util := math.Min(rho, maxUtilisation)
	delay := time.Duration(airtime / (1 - util) * float64(time.Second))
	if delay > maxDelay {
		delay = maxDelay
	}
	return e.binomial(n, prob), delay
}

func (e *Engine) binomial(n uint64, p float64) uint64 {
	switch {
	case p <= 0:
		return 0
	case p >= 1:
		return n
	}
	if n <= exactBinomialLimit {
		var k uint64
		for i := uint64(0); i < n; i++ {
			if e.rng.Float64() < p {
				k++
			}
		}
		return k
	}
	mean := float64(n) * p
	sd := math.Sqrt(mean * (1 - p))
	k := math.Round(mean + sd*e.rng.NormFloat64())
	if k < 0 {
		return 0
	}
	if k > float64(n) {
		return n
	}
	return uint64(k)
}

// LinkSuccess is the probability a packet survives a link with the given
// margin (dB) over the MCS sensitivity.
func LinkSuccess(marginDb float64) float64 {
	return 1 / (1 + math.Exp(-marginDb/marginSlopeDb))
}

// rateControlMCS picks the highest MCS whose sensitivity leaves headroom
// at the received power.
func rateControlMCS(rx float64) int {
	best := 0
	for i := 0; i < core.NumMCS; i++ {
		sens, err := core.Sensitivity(i)
		if err != nil {
			break
		}
		if rx-rateControlMarginDb >= sens {
			best = i
		}
	}
	return best
}

// giClass maps a guard interval onto the capacity-table column. 800 ns is
// the short interval.
func giClass(gi int) core.GIClass {
	if gi <= 800 {
		return core.ShortGI
	}
	return core.LongGI
}

// FlowStats returns cumulative per-flow counters.
func (e *Engine) FlowStats(ctx context.Context) (map[core.FlowID]core.FlowStat, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[core.FlowID]core.FlowStat, len(e.flows))
	for id, m := range e.flows {
		out[id] = m.stat
	}
	return out, nil
}

// PathLoss returns the current loss between a station and the AP.
func (e *Engine) PathLoss(ctx context.Context, stationID string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	m, ok := e.stations[stationID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", core.ErrUnknownStation, stationID)
	}
	return e.loss.Loss(core.Distance(m.st.Position, e.cfg.AccessPoint)), nil
}

// SetRadioParameter sets one device parameter on every device of a slice.
func (e *Engine) SetRadioParameter(ctx context.Context, slice model.SliceID, param core.RadioParameter, value float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	ss, ok := e.slices[slice]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSlice, slice)
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return fmt.Errorf("%w: %s=%v", ErrInvalidValue, param, value)
	}

	iv := int(value)
	integral := float64(iv) == value
	switch param {
	case core.ParamChannelNumber:
		if !integral || iv <= 0 {
			return fmt.Errorf("%w: %s=%v", ErrInvalidValue, param, value)
		}
		ss.params.ChannelNumber = iv
	case core.ParamChannelWidth:
		if !integral || !model.IsChannelWidth(iv) {
			return fmt.Errorf("%w: %s=%v", ErrInvalidValue, param, value)
		}
		ss.params.ChannelWidth = iv
	case core.ParamGuardInterval:
		if !integral || !model.IsGuardInterval(iv) {
			return fmt.Errorf("%w: %s=%v", ErrInvalidValue, param, value)
		}
		ss.params.GuardInterval = iv
	case core.ParamMCS:
		if !integral || iv < model.MinMCS || iv > model.MaxMCS {
			return fmt.Errorf("%w: %s=%v", ErrInvalidValue, param, value)
		}
		ss.params.MCS = iv
	case core.ParamTxPower:
		if value < minTxPowerDBm || value > maxTxPowerDBm {
			return fmt.Errorf("%w: %s=%v", ErrInvalidValue, param, value)
		}
		ss.params.TxPowerDBm = value
	default:
		return fmt.Errorf("%w: %s", ErrUnknownParameter, param)
	}
	return nil
}
