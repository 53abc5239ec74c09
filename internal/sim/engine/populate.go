package engine

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/signalsfoundry/slicesim/internal/config"
	"github.com/signalsfoundry/slicesim/model"
)

// Populate draws a seeded population from the scenario: every slice's
// demands first, in slice order, then every station position. Stations get
// consecutive flow ports from config.FirstFlowPort.
func Populate(sc config.Scenario) ([]*model.Slice, error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	seed := uint64(sc.Seed)
	rng := rand.New(rand.NewPCG(seed, ^seed))

	out := make([]*model.Slice, 0, len(model.Slices))
	for _, id := range model.Slices {
		cfg := sc.Slice(id)
		sl := &model.Slice{ID: id, Config: cfg.InitialConfig()}
		unit := cfg.DemandDivisor()
		for i := 0; i < cfg.Stations; i++ {
			demand := cfg.Demand.Min + rng.IntN(cfg.Demand.Max-cfg.Demand.Min+1)
			sl.Stations = append(sl.Stations, &model.Station{
				ID:       fmt.Sprintf("%s%d", id, i),
				Index:    i,
				Slice:    id,
				Mobility: cfg.MobilityKind(),
				Demand:   float64(demand) * unit,
			})
		}
		out = append(out, sl)
	}

	port := config.FirstFlowPort
	for _, sl := range out {
		for _, st := range sl.Stations {
			st.Position = model.Position{
				X: rng.Float64() * sc.Building.Width,
				Y: rng.Float64() * sc.Building.Depth,
				Z: sc.StationHeight,
			}
			st.FlowPort = uint16(port)
			port++
		}
	}
	return out, nil
}

// ConfigFor derives the engine configuration from a scenario.
func ConfigFor(sc config.Scenario) Config {
	return Config{
		Building:     sc.BuildingBox(),
		AccessPoint:  sc.AccessPointPosition(),
		FrequencyMHz: sc.Band.FrequencyMHz(),
		PayloadBytes: sc.PayloadBytes,
		ConstantMCS:  sc.ConstantMCS == nil || *sc.ConstantMCS,
		TrafficStart: time.Second,
		TrafficStop:  time.Duration(sc.SimulationTime+1) * time.Second,
		Seed:         sc.Seed,
	}
}
