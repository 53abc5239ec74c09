package core

import (
	"context"
	"fmt"

	"github.com/signalsfoundry/slicesim/model"
)

// Engine is the simulation engine the controller measures through.
type Engine interface {
	// FlowStats returns cumulative per-flow statistics since simulation start.
	FlowStats(ctx context.Context) (map[FlowID]FlowStat, error)
	// PathLoss returns the current loss (dB) between a station and the AP.
	PathLoss(ctx context.Context, stationID string) (float64, error)
}

// RadioParameter names a per-slice device setting.
type RadioParameter int

const (
	ParamChannelNumber RadioParameter = iota
	ParamChannelWidth
	ParamGuardInterval
	ParamMCS
	ParamTxPower
)

func (p RadioParameter) String() string {
	switch p {
	case ParamChannelNumber:
		return "ChannelNumber"
	case ParamChannelWidth:
		return "ChannelWidth"
	case ParamGuardInterval:
		return "GuardInterval"
	case ParamMCS:
		return "Mcs"
	case ParamTxPower:
		return "TxPower"
	default:
		return fmt.Sprintf("RadioParameter(%d)", int(p))
	}
}

// RadioApplier pushes parameters onto every device of a slice, AP side
// included.
type RadioApplier interface {
	SetRadioParameter(ctx context.Context, slice model.SliceID, param RadioParameter, value float64) error
}

// ApplyConfig pushes a full slice configuration, parameter by parameter. An
// invalid configuration is rejected before anything is pushed; otherwise it
// stops at the first failure, leaving earlier parameters applied.
func ApplyConfig(ctx context.Context, a RadioApplier, slice model.SliceID, cfg model.SliceConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("slice %s: %w", slice, err)
	}
	params := []struct {
		p RadioParameter
		v float64
	}{
		{ParamChannelNumber, float64(cfg.ChannelNumber)},
		{ParamChannelWidth, float64(cfg.ChannelWidth)},
		{ParamTxPower, cfg.TxPowerDBm},
		{ParamGuardInterval, float64(cfg.GuardInterval)},
		{ParamMCS, float64(cfg.MCS)},
	}
	for _, p := range params {
		if err := a.SetRadioParameter(ctx, slice, p.p, p.v); err != nil {
			return fmt.Errorf("set %s on slice %s: %w", p.p, slice, err)
		}
	}
	return nil
}
