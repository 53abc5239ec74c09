// Package config loads the scenario file and the runtime settings of a
// simulation run.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/slicesim/core"
	"github.com/signalsfoundry/slicesim/model"
)

// ErrConfiguration wraps every validation failure.
var ErrConfiguration = errors.New("configuration error")

// Band selects the Wi-Fi standard and frequency band.
type Band string

const (
	BandAC5  Band = "AC_5"
	BandAX5  Band = "AX_5"
	BandAX24 Band = "AX_2.4"
)

// FrequencyMHz returns the carrier used for path loss.
func (b Band) FrequencyMHz() float64 {
	if b == BandAX24 {
		return 2440
	}
	return 5510
}

// PhyModel names the PHY abstraction of the run.
type PhyModel string

const (
	PhySpectrum PhyModel = "spectrum"
	PhyYans     PhyModel = "yans"
)

// Demand units accepted in slice blocks.
const (
	UnitBps  = "b/s"
	UnitKbps = "Kb/s"
	UnitMbps = "Mb/s"
)

// Mobility names accepted in slice blocks.
const (
	MobilityConstant   = "constant"
	MobilityRandomWalk = "random_walk"
)

// Scenario is the YAML scenario file.
type Scenario struct {
	Band        Band     `yaml:"band"`
	PhyModel    PhyModel `yaml:"phy_model"`
	ConstantMCS *bool    `yaml:"constant_mcs"`
	Seed        int64    `yaml:"seed"`

	// SimulationTime is in seconds. Ticks run at 2..SimulationTime and the
	// run ends at SimulationTime+2.
	SimulationTime int `yaml:"simulation_time"`
	PayloadBytes   int `yaml:"payload_bytes"`

	Building      BuildingConfig `yaml:"building"`
	AccessPoint   PositionConfig `yaml:"access_point"`
	StationHeight float64        `yaml:"station_height"`

	Slices SlicesConfig `yaml:"slices"`
}

type BuildingConfig struct {
	Width  float64 `yaml:"width"`
	Depth  float64 `yaml:"depth"`
	Height float64 `yaml:"height"`
}

type PositionConfig struct {
	X float64 `yaml:"x"`
	Y float64 `yaml:"y"`
	Z float64 `yaml:"z"`
}

type SlicesConfig struct {
	A SliceConfig `yaml:"a"`
	B SliceConfig `yaml:"b"`
	C SliceConfig `yaml:"c"`
}

// SliceConfig is the per-slice block of the scenario.
type SliceConfig struct {
	Stations int          `yaml:"stations"`
	Demand   DemandConfig `yaml:"demand"`
	Mobility string       `yaml:"mobility"`
	Radio    RadioConfig  `yaml:"radio"`
	// WidthDoubling lets fail+worsening double the channel width. Only
	// meaningful for A and C.
	WidthDoubling *bool     `yaml:"width_doubling"`
	SLA           SLAConfig `yaml:"sla"`
}

// DemandConfig draws each station's offered load uniformly from the
// integers in [Min, Max], expressed in Unit.
type DemandConfig struct {
	Min  int    `yaml:"min"`
	Max  int    `yaml:"max"`
	Unit string `yaml:"unit"`
}

// RadioConfig is the configuration in force before the sizing pass.
type RadioConfig struct {
	ChannelNumber int      `yaml:"channel_number"`
	ChannelWidth  int      `yaml:"channel_width"`
	GuardInterval int      `yaml:"guard_interval"`
	MCS           *int     `yaml:"mcs"`
	TxPowerDBm    *float64 `yaml:"tx_power_dbm"`
}

type SLAConfig struct {
	MaxErrorProbability float64 `yaml:"max_error_probability"`
	QuotaDivisor        int     `yaml:"quota_divisor"`
	MaxLatencyMs        float64 `yaml:"max_latency_ms"`
}

func boolPtr(v bool) *bool        { return &v }
func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }

// DefaultScenario returns the shipped scenario: 6 throughput, 100 power and
// 2 latency stations around one AP in a 20x10x3 m building.
func DefaultScenario() Scenario {
	return Scenario{
		Band:           BandAX5,
		PhyModel:       PhySpectrum,
		ConstantMCS:    boolPtr(true),
		Seed:           1,
		SimulationTime: 15,
		PayloadBytes:   1472,
		Building:       BuildingConfig{Width: 20, Depth: 10, Height: 3},
		AccessPoint:    PositionConfig{X: 10, Y: 5, Z: 2.9},
		StationHeight:  1.5,
		Slices: SlicesConfig{
			A: defaultSlice(model.SliceA),
			B: defaultSlice(model.SliceB),
			C: defaultSlice(model.SliceC),
		},
	}
}

func defaultSlice(id model.SliceID) SliceConfig {
	sla := core.DefaultSLAPolicy(id)
	out := SliceConfig{
		SLA: SLAConfig{
			MaxErrorProbability: sla.MaxErrorProbability,
			QuotaDivisor:        sla.QuotaDivisor,
			MaxLatencyMs:        sla.MaxLatencyMs,
		},
	}
	switch id {
	case model.SliceA:
		out.Stations = 6
		out.Demand = DemandConfig{Min: 80, Max: 100, Unit: UnitMbps}
		out.Mobility = MobilityRandomWalk
		out.Radio = RadioConfig{ChannelNumber: 42, ChannelWidth: 20, GuardInterval: 800, MCS: intPtr(5), TxPowerDBm: floatPtr(20)}
		out.WidthDoubling = boolPtr(true)
	case model.SliceB:
		out.Stations = 100
		out.Demand = DemandConfig{Min: 30, Max: 50, Unit: UnitKbps}
		out.Mobility = MobilityConstant
		out.Radio = RadioConfig{ChannelNumber: 100, ChannelWidth: 20, GuardInterval: 1600, MCS: intPtr(1), TxPowerDBm: floatPtr(0)}
		out.WidthDoubling = boolPtr(false)
	case model.SliceC:
		out.Stations = 2
		out.Demand = DemandConfig{Min: 20, Max: 40, Unit: UnitMbps}
		out.Mobility = MobilityRandomWalk
		out.Radio = RadioConfig{ChannelNumber: 155, ChannelWidth: 40, GuardInterval: 800, MCS: intPtr(5), TxPowerDBm: floatPtr(20)}
		out.WidthDoubling = boolPtr(false)
	}
	return out
}

// ApplyDefaults fills zero-valued fields from DefaultScenario. Explicit
// values, including explicit false and zero pointers, are kept.
func (s Scenario) ApplyDefaults() Scenario {
	d := DefaultScenario()
	if s.Band == "" {
		s.Band = d.Band
	}
	if s.PhyModel == "" {
		s.PhyModel = d.PhyModel
	}
	if s.ConstantMCS == nil {
		s.ConstantMCS = d.ConstantMCS
	}
	if s.Seed == 0 {
		s.Seed = d.Seed
	}
	if s.SimulationTime == 0 {
		s.SimulationTime = d.SimulationTime
	}
	if s.PayloadBytes == 0 {
		s.PayloadBytes = d.PayloadBytes
	}
	if s.Building == (BuildingConfig{}) {
		s.Building = d.Building
	}
	if s.AccessPoint == (PositionConfig{}) {
		s.AccessPoint = d.AccessPoint
	}
	if s.StationHeight == 0 {
		s.StationHeight = d.StationHeight
	}
	s.Slices.A = s.Slices.A.applyDefaults(d.Slices.A)
	s.Slices.B = s.Slices.B.applyDefaults(d.Slices.B)
	s.Slices.C = s.Slices.C.applyDefaults(d.Slices.C)
	return s
}

func (c SliceConfig) applyDefaults(d SliceConfig) SliceConfig {
	if c.Stations == 0 {
		c.Stations = d.Stations
	}
	if c.Demand.Min == 0 && c.Demand.Max == 0 {
		c.Demand.Min, c.Demand.Max = d.Demand.Min, d.Demand.Max
	}
	if c.Demand.Unit == "" {
		c.Demand.Unit = d.Demand.Unit
	}
	if c.Mobility == "" {
		c.Mobility = d.Mobility
	}
	if c.Radio.ChannelNumber == 0 {
		c.Radio.ChannelNumber = d.Radio.ChannelNumber
	}
	if c.Radio.ChannelWidth == 0 {
		c.Radio.ChannelWidth = d.Radio.ChannelWidth
	}
	if c.Radio.GuardInterval == 0 {
		c.Radio.GuardInterval = d.Radio.GuardInterval
	}
	if c.Radio.MCS == nil {
		c.Radio.MCS = d.Radio.MCS
	}
	if c.Radio.TxPowerDBm == nil {
		c.Radio.TxPowerDBm = d.Radio.TxPowerDBm
	}
	if c.WidthDoubling == nil {
		c.WidthDoubling = d.WidthDoubling
	}
	if c.SLA.MaxErrorProbability == 0 {
		c.SLA.MaxErrorProbability = d.SLA.MaxErrorProbability
	}
	if c.SLA.QuotaDivisor == 0 {
		c.SLA.QuotaDivisor = d.SLA.QuotaDivisor
	}
	if c.SLA.MaxLatencyMs == 0 {
		c.SLA.MaxLatencyMs = d.SLA.MaxLatencyMs
	}
	return c
}

// Validate checks the scenario. Every failure wraps ErrConfiguration.
func (s Scenario) Validate() error {
	switch s.Band {
	case BandAC5, BandAX5, BandAX24:
	default:
		return fmt.Errorf("%w: unknown band %q", ErrConfiguration, s.Band)
	}
	switch s.PhyModel {
	case PhySpectrum, PhyYans:
	default:
		return fmt.Errorf("%w: unknown phy model %q", ErrConfiguration, s.PhyModel)
	}
	if s.Band != BandAC5 && (s.ConstantMCS == nil || !*s.ConstantMCS) {
		return fmt.Errorf("%w: band %s requires constant_mcs", ErrConfiguration, s.Band)
	}
	if s.SimulationTime < 1 {
		return fmt.Errorf("%w: simulation_time must be at least 1 s, got %d", ErrConfiguration, s.SimulationTime)
	}
	if s.PayloadBytes <= 0 {
		return fmt.Errorf("%w: payload_bytes must be positive", ErrConfiguration)
	}
	b := s.Building
	if b.Width <= 0 || b.Depth <= 0 || b.Height <= 0 {
		return fmt.Errorf("%w: building dimensions must be positive", ErrConfiguration)
	}
	if !s.BuildingBox().Contains(s.AccessPointPosition()) {
		return fmt.Errorf("%w: access point %+v outside building", ErrConfiguration, s.AccessPoint)
	}
	if s.StationHeight < 0 || s.StationHeight > b.Height {
		return fmt.Errorf("%w: station_height %.2f outside building", ErrConfiguration, s.StationHeight)
	}

	total := 0
	for _, id := range model.Slices {
		sc := s.Slice(id)
		if err := sc.validate(); err != nil {
			return fmt.Errorf("slice %s: %w", id, err)
		}
		total += sc.Stations
	}
	if total > maxStations {
		return fmt.Errorf("%w: %d stations exceed the %d flow ports available", ErrConfiguration, total, maxStations)
	}
	return nil
}

// FirstFlowPort is the destination port of the first station's flow; the
// rest follow in slice then station order.
const FirstFlowPort = 5001

const maxStations = 65535 - FirstFlowPort + 1

func (c SliceConfig) validate() error {
	if c.Stations < 1 {
		return fmt.Errorf("%w: stations must be at least 1, got %d", ErrConfiguration, c.Stations)
	}
	if c.Demand.Min < 0 || c.Demand.Max < c.Demand.Min || c.Demand.Max == 0 {
		return fmt.Errorf("%w: bad demand range [%d, %d]", ErrConfiguration, c.Demand.Min, c.Demand.Max)
	}
	if _, err := unitDivisor(c.Demand.Unit); err != nil {
		return err
	}
	switch c.Mobility {
	case MobilityConstant, MobilityRandomWalk:
	default:
		return fmt.Errorf("%w: unknown mobility %q", ErrConfiguration, c.Mobility)
	}
	if err := c.InitialConfig().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	if p := c.SLA.MaxErrorProbability; p < 0 || p > 1 {
		return fmt.Errorf("%w: max_error_probability %v outside [0,1]", ErrConfiguration, p)
	}
	if c.SLA.QuotaDivisor < 0 || c.SLA.MaxLatencyMs < 0 {
		return fmt.Errorf("%w: negative sla bound", ErrConfiguration)
	}
	return nil
}

// Slice returns the block of one slice.
func (s Scenario) Slice(id model.SliceID) SliceConfig {
	switch id {
	case model.SliceB:
		return s.Slices.B
	case model.SliceC:
		return s.Slices.C
	default:
		return s.Slices.A
	}
}

// BuildingBox returns the building as a geometry box.
func (s Scenario) BuildingBox() core.Building {
	return core.Building{Width: s.Building.Width, Depth: s.Building.Depth, Height: s.Building.Height}
}

// AccessPointPosition returns the AP location.
func (s Scenario) AccessPointPosition() model.Position {
	return model.Position{X: s.AccessPoint.X, Y: s.AccessPoint.Y, Z: s.AccessPoint.Z}
}

// InitialConfig returns the slice configuration before sizing.
func (c SliceConfig) InitialConfig() model.SliceConfig {
	cfg := model.SliceConfig{
		ChannelNumber: c.Radio.ChannelNumber,
		ChannelWidth:  c.Radio.ChannelWidth,
		GuardInterval: c.Radio.GuardInterval,
	}
	if c.Radio.MCS != nil {
		cfg.MCS = *c.Radio.MCS
	}
	if c.Radio.TxPowerDBm != nil {
		cfg.TxPowerDBm = *c.Radio.TxPowerDBm
	}
	return cfg
}

// DemandDivisor converts bits/s into the slice's configured unit.
func (c SliceConfig) DemandDivisor() float64 {
	d, err := unitDivisor(c.Demand.Unit)
	if err != nil {
		return 1e6
	}
	return d
}

// SLAPolicy returns the evaluator policy of the slice.
func (c SliceConfig) SLAPolicy() core.SLAPolicy {
	return core.SLAPolicy{
		MaxErrorProbability: c.SLA.MaxErrorProbability,
		QuotaDivisor:        c.SLA.QuotaDivisor,
		MaxLatencyMs:        c.SLA.MaxLatencyMs,
	}
}

// MobilityKind maps the mobility name onto the model.
func (c SliceConfig) MobilityKind() model.MobilityKind {
	if c.Mobility == MobilityRandomWalk {
		return model.MobilityRandomWalk
	}
	return model.MobilityConstant
}

// Doubling reports whether width doubling is on for the slice.
func (c SliceConfig) Doubling() bool {
	return c.WidthDoubling != nil && *c.WidthDoubling
}

func unitDivisor(unit string) (float64, error) {
	switch unit {
	case UnitBps:
		return 1, nil
	case UnitKbps:
		return 1e3, nil
	case UnitMbps:
		return 1e6, nil
	default:
		return 0, fmt.Errorf("%w: unknown demand unit %q", ErrConfiguration, unit)
	}
}

// Decode reads a scenario strictly: unknown keys are rejected. An empty
// document yields the default scenario.
func Decode(r io.Reader) (Scenario, error) {
	var s Scenario
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return Scenario{}, fmt.Errorf("%w: decode scenario: %v", ErrConfiguration, err)
	}
	s = s.ApplyDefaults()
	if err := s.Validate(); err != nil {
		return Scenario{}, err
	}
	return s, nil
}

// LoadScenario reads the scenario at path; an empty path yields the
// default scenario.
func LoadScenario(path string) (Scenario, error) {
	if strings.TrimSpace(path) == "" {
		s := DefaultScenario()
		return s, s.Validate()
	}
	f, err := os.Open(path)
	if err != nil {
		return Scenario{}, fmt.Errorf("%w: open scenario: %v", ErrConfiguration, err)
	}
	defer f.Close()
	return Decode(f)
}
