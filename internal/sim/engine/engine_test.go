package engine

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalsfoundry/slicesim/core"
	"github.com/signalsfoundry/slicesim/internal/config"
	"github.com/signalsfoundry/slicesim/model"
)

// 100 packets of 1472 bytes per second.
const hundredPacketsPerSecond = 1472 * 8 * 100

var testBuilding = core.Building{Width: 20, Depth: 10, Height: 3}

func singleStationEngine(t *testing.T, demand float64, cfg model.SliceConfig, opts ...func(*Config)) (*Engine, *model.Station) {
	t.Helper()
	st := &model.Station{
		ID:       "A0",
		Slice:    model.SliceA,
		Position: model.Position{X: 10, Y: 5, Z: 1.5},
		Demand:   demand,
		FlowPort: 5001,
	}
	ecfg := Config{
		Building:     testBuilding,
		AccessPoint:  model.Position{X: 10, Y: 5, Z: 2.9},
		FrequencyMHz: 5510,
		PayloadBytes: 1472,
		ConstantMCS:  true,
		Seed:         7,
	}
	for _, opt := range opts {
		opt(&ecfg)
	}
	e, err := New(ecfg, []*model.Slice{{ID: model.SliceA, Stations: []*model.Station{st}, Config: cfg}})
	require.NoError(t, err)
	return e, st
}

func narrowConfig(mcs int, tx float64) model.SliceConfig {
	return model.SliceConfig{ChannelNumber: 42, ChannelWidth: 20, GuardInterval: 800, MCS: mcs, TxPowerDBm: tx}
}

func TestPathLossITU(t *testing.T) {
	m := PathLossModel{FrequencyMHz: 5510}
	base := 20*math.Log10(5510) - 28

	assert.InDelta(t, base, m.Loss(1), 1e-9)
	assert.InDelta(t, base+30, m.Loss(10), 1e-9)
	assert.Equal(t, m.Loss(1), m.Loss(0.2), "distances under 1 m clamp")
	assert.Less(t, PathLossModel{FrequencyMHz: 2440}.Loss(5), m.Loss(5))
}

func TestRandomWalkStaysInsideBuilding(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	walk := NewRandomWalkMotionModel(rng, testBuilding)
	st := &model.Station{Position: model.Position{X: 0.5, Y: 9.5, Z: 1.5}}

	moved := false
	for i := 0; i < 2000; i++ {
		before := st.Position
		walk.Step(100*time.Millisecond, st)
		require.True(t, testBuilding.Contains(st.Position), "step %d left the building: %+v", i, st.Position)
		require.Equal(t, 1.5, st.Position.Z)
		if core.Distance(before, st.Position) > 0 {
			moved = true
		}
		require.LessOrEqual(t, core.Distance(before, st.Position), maxWalkSpeed*0.1+1e-9)
	}
	assert.True(t, moved)
}

func TestStaticMotionKeepsPosition(t *testing.T) {
	st := &model.Station{Position: model.Position{X: 3, Y: 4, Z: 1}}
	NewMotionModel(model.MobilityConstant, nil, testBuilding).Step(time.Second, st)
	assert.Equal(t, model.Position{X: 3, Y: 4, Z: 1}, st.Position)
}

func TestNoTrafficBeforeStart(t *testing.T) {
	e, _ := singleStationEngine(t, hundredPacketsPerSecond, narrowConfig(0, 20))
	ctx := context.Background()

	require.NoError(t, e.Advance(ctx, time.Second))
	stats, err := e.FlowStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats[1].TxPackets)
	assert.Equal(t, uint16(5001), stats[1].DestinationPort)
}

func TestOfferedLoadAndDelay(t *testing.T) {
	e, _ := singleStationEngine(t, hundredPacketsPerSecond, narrowConfig(0, 20))
	ctx := context.Background()

	require.NoError(t, e.Advance(ctx, 2*time.Second))
	stats, err := e.FlowStats(ctx)
	require.NoError(t, err)

	fs := stats[1]
	assert.Equal(t, uint64(100), fs.TxPackets)
	assert.GreaterOrEqual(t, fs.RxPackets, uint64(99))

	// 1472 B at 7.49 Mb/s with utilisation 1.1776/7.49.
	airtime := 1472 * 8 / 7.49e6
	want := airtime / (1 - 1.1776/7.49) * 1e3
	got := float64(fs.DelaySum) / float64(fs.RxPackets) / float64(time.Millisecond)
	assert.InDelta(t, want, got, 0.01)
}

func TestTrafficStopsAtConfiguredTime(t *testing.T) {
	e, _ := singleStationEngine(t, hundredPacketsPerSecond, narrowConfig(0, 20), func(c *Config) {
		c.TrafficStop = 2500 * time.Millisecond
	})
	ctx := context.Background()

	require.NoError(t, e.Advance(ctx, 2*time.Second))
	stats, err := e.FlowStats(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(100), stats[1].TxPackets)

	// Half a second more of traffic, then a drain period with nothing new.
	require.NoError(t, e.Advance(ctx, 4*time.Second))
	stats, err = e.FlowStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(150), stats[1].TxPackets)
}

func TestTrafficWindow(t *testing.T) {
	e := &Engine{cfg: Config{TrafficStart: time.Second, TrafficStop: 3 * time.Second}}

	assert.Zero(t, e.trafficWindow(0, time.Second))
	assert.Equal(t, 50*time.Millisecond, e.trafficWindow(950*time.Millisecond, 1050*time.Millisecond))
	assert.Equal(t, 100*time.Millisecond, e.trafficWindow(2*time.Second, 2100*time.Millisecond))
	assert.Equal(t, 50*time.Millisecond, e.trafficWindow(2950*time.Millisecond, 3050*time.Millisecond))
	assert.Zero(t, e.trafficWindow(3*time.Second, 3100*time.Millisecond))

	e.cfg.TrafficStop = 0
	assert.Equal(t, 100*time.Millisecond, e.trafficWindow(9*time.Second, 9100*time.Millisecond))
}

func TestFractionalCarry(t *testing.T) {
	// 2.5 packets per second: one packet every fourth step.
	e, _ := singleStationEngine(t, 1472*8*2.5, narrowConfig(0, 20))
	ctx := context.Background()

	require.NoError(t, e.Advance(ctx, 3*time.Second))
	stats, err := e.FlowStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), stats[1].TxPackets)
}

func TestOverloadScalesDelivery(t *testing.T) {
	// Twice the 20 MHz short-GI capacity at MCS 0.
	e, _ := singleStationEngine(t, 2*7.49e6, narrowConfig(0, 20))
	ctx := context.Background()

	require.NoError(t, e.Advance(ctx, 3*time.Second))
	stats, err := e.FlowStats(ctx)
	require.NoError(t, err)

	fs := stats[1]
	require.NotZero(t, fs.TxPackets)
	ratio := float64(fs.RxPackets) / float64(fs.TxPackets)
	assert.InDelta(t, 0.5, ratio, 0.1)
	assert.LessOrEqual(t, fs.DelaySum, time.Duration(fs.RxPackets)*maxDelay)
}

func TestWeakLinkLosesEverything(t *testing.T) {
	e, _ := singleStationEngine(t, hundredPacketsPerSecond, narrowConfig(11, -50))
	ctx := context.Background()

	require.NoError(t, e.Advance(ctx, 3*time.Second))
	stats, err := e.FlowStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(200), stats[1].TxPackets)
	assert.Zero(t, stats[1].RxPackets)
	assert.Zero(t, stats[1].DelaySum)
}

func TestLinkSuccessCurve(t *testing.T) {
	assert.InDelta(t, 0.5, LinkSuccess(0), 1e-12)
	assert.Greater(t, LinkSuccess(10), 0.99)
	assert.Less(t, LinkSuccess(-10), 0.01)
}

func TestRateControlMCS(t *testing.T) {
	assert.Equal(t, 9, rateControlMCS(-40))
	assert.Equal(t, 11, rateControlMCS(-20))
	assert.Equal(t, 0, rateControlMCS(-100))
}

func TestSetRadioParameter(t *testing.T) {
	e, _ := singleStationEngine(t, hundredPacketsPerSecond, narrowConfig(0, 20))
	ctx := context.Background()

	want := model.SliceConfig{ChannelNumber: 50, ChannelWidth: 160, GuardInterval: 1600, MCS: 8, TxPowerDBm: -4.5}
	require.NoError(t, core.ApplyConfig(ctx, e, model.SliceA, want))
	assert.Equal(t, want, e.slices[model.SliceA].params)

	cases := []struct {
		name  string
		slice model.SliceID
		param core.RadioParameter
		value float64
		want  error
	}{
		{"width", model.SliceA, core.ParamChannelWidth, 30, ErrInvalidValue},
		{"gi", model.SliceA, core.ParamGuardInterval, 400, ErrInvalidValue},
		{"mcs high", model.SliceA, core.ParamMCS, 12, ErrInvalidValue},
		{"mcs fractional", model.SliceA, core.ParamMCS, 1.5, ErrInvalidValue},
		{"channel", model.SliceA, core.ParamChannelNumber, 0, ErrInvalidValue},
		{"tx power", model.SliceA, core.ParamTxPower, 60, ErrInvalidValue},
		{"nan", model.SliceA, core.ParamTxPower, math.NaN(), ErrInvalidValue},
		{"parameter", model.SliceA, core.RadioParameter(99), 1, ErrUnknownParameter},
		{"slice", model.SliceB, core.ParamMCS, 1, ErrUnknownSlice},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := e.SetRadioParameter(ctx, tc.slice, tc.param, tc.value)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.want), "err = %v, want %v", err, tc.want)
		})
	}

	assert.Equal(t, want, e.slices[model.SliceA].params, "rejected values must not change the device")
}

func TestPathLossLookup(t *testing.T) {
	e, st := singleStationEngine(t, hundredPacketsPerSecond, narrowConfig(0, 20))
	ctx := context.Background()

	pl, err := e.PathLoss(ctx, st.ID)
	require.NoError(t, err)
	assert.InDelta(t, PathLossModel{FrequencyMHz: 5510}.Loss(1.4), pl, 1e-9)

	_, err = e.PathLoss(ctx, "Z9")
	assert.ErrorIs(t, err, core.ErrUnknownStation)
}

func TestAdvanceRules(t *testing.T) {
	e, _ := singleStationEngine(t, hundredPacketsPerSecond, narrowConfig(0, 20))

	require.NoError(t, e.Advance(context.Background(), 1500*time.Millisecond))
	assert.Equal(t, 1500*time.Millisecond, e.elapsed)
	assert.ErrorIs(t, e.Advance(context.Background(), time.Second), ErrTimeReversed)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, e.Advance(ctx, 2*time.Second), context.Canceled)
	_, err := e.FlowStats(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewRejectsBadPopulation(t *testing.T) {
	_, err := New(Config{}, nil)
	assert.ErrorIs(t, err, core.ErrNoSlices)

	st := &model.Station{ID: "A0"}
	_, err = New(Config{}, []*model.Slice{
		{ID: model.SliceA, Stations: []*model.Station{st}},
		{ID: model.SliceB, Stations: []*model.Station{st}},
	})
	assert.ErrorIs(t, err, core.ErrDuplicateStation)

	_, err = New(Config{}, []*model.Slice{{ID: model.SliceA}, {ID: model.SliceA}})
	assert.ErrorIs(t, err, core.ErrDuplicateSlice)
}

func TestPopulateDefaultScenario(t *testing.T) {
	sc := config.DefaultScenario()
	slices, err := Populate(sc)
	require.NoError(t, err)
	require.Len(t, slices, 3)

	ranges := map[model.SliceID][2]float64{
		model.SliceA: {80e6, 100e6},
		model.SliceB: {30e3, 50e3},
		model.SliceC: {20e6, 40e6},
	}
	sizes := map[model.SliceID]int{model.SliceA: 6, model.SliceB: 100, model.SliceC: 2}

	ports := make(map[uint16]bool)
	building := sc.BuildingBox()
	for _, sl := range slices {
		require.Len(t, sl.Stations, sizes[sl.ID])
		assert.Equal(t, sc.Slice(sl.ID).InitialConfig(), sl.Config)
		for i, st := range sl.Stations {
			r := ranges[sl.ID]
			assert.GreaterOrEqual(t, st.Demand, r[0])
			assert.LessOrEqual(t, st.Demand, r[1])
			assert.True(t, building.Contains(st.Position))
			assert.Equal(t, sc.StationHeight, st.Position.Z)
			assert.Equal(t, i, st.Index)
			assert.Equal(t, sl.ID, st.Slice)
			assert.False(t, ports[st.FlowPort], "port %d reused", st.FlowPort)
			ports[st.FlowPort] = true
		}
	}
	assert.Equal(t, uint16(config.FirstFlowPort), slices[0].Stations[0].FlowPort)
	assert.Equal(t, "A0", slices[0].Stations[0].ID)
	assert.Equal(t, "B99", slices[1].Stations[99].ID)
	assert.Equal(t, model.MobilityRandomWalk, slices[0].Stations[0].Mobility)
	assert.Equal(t, model.MobilityConstant, slices[1].Stations[0].Mobility)
}

func TestPopulateIsSeeded(t *testing.T) {
	sc := config.DefaultScenario()
	first, err := Populate(sc)
	require.NoError(t, err)
	again, err := Populate(sc)
	require.NoError(t, err)
	assert.Equal(t, first, again)

	sc.Seed = 2
	other, err := Populate(sc)
	require.NoError(t, err)
	assert.NotEqual(t, first, other)
}

func TestPopulateRejectsInvalidScenario(t *testing.T) {
	sc := config.DefaultScenario()
	sc.Band = "BX_9"
	_, err := Populate(sc)
	assert.ErrorIs(t, err, config.ErrConfiguration)
}

func TestEngineRunsAreDeterministic(t *testing.T) {
	run := func() map[core.FlowID]core.FlowStat {
		sc := config.DefaultScenario()
		slices, err := Populate(sc)
		require.NoError(t, err)
		e, err := New(ConfigFor(sc), slices)
		require.NoError(t, err)
		require.NoError(t, e.Advance(context.Background(), 4*time.Second))
		stats, err := e.FlowStats(context.Background())
		require.NoError(t, err)
		return stats
	}
	a := run()
	assert.Len(t, a, 108)
	assert.Equal(t, a, run())
}

func TestConfigForStopsTrafficOneSecondAfterSimulationTime(t *testing.T) {
	sc := config.DefaultScenario()
	sc.SimulationTime = 6

	cfg := ConfigFor(sc)
	assert.Equal(t, time.Second, cfg.TrafficStart)
	assert.Equal(t, 7*time.Second, cfg.TrafficStop)
	assert.Less(t, cfg.TrafficStop, config.RunLength(sc), "the run must end with a drain period")
}
