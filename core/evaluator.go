package core

import (
	"fmt"

	"github.com/signalsfoundry/slicesim/model"
)

// SLAPolicy is the pass/fail condition of one slice.
type SLAPolicy struct {
	// MaxErrorProbability is the per-station error probability bound.
	MaxErrorProbability float64
	// QuotaDivisor, when positive, lets up to size/QuotaDivisor members
	// violate the bound before the slice fails. Zero means every member
	// must meet it.
	QuotaDivisor int
	// MaxLatencyMs bounds the window latency of every member. Zero disables
	// the latency check.
	MaxLatencyMs float64
}

// DefaultSLAPolicy returns the shipped policy for a slice.
func DefaultSLAPolicy(id model.SliceID) SLAPolicy {
	switch id {
	case model.SliceB:
		return SLAPolicy{MaxErrorProbability: 0.02, QuotaDivisor: 10}
	case model.SliceC:
		return SLAPolicy{MaxErrorProbability: 0.01, MaxLatencyMs: 5}
	default:
		return SLAPolicy{MaxErrorProbability: 0.02}
	}
}

// Quadrant is the combination of SLA outcome and error trend that drives
// hysteresis.
type Quadrant int

const (
	FailWorsening Quadrant = iota
	FailImproving
	PassWorsening
	PassImproving
)

func (q Quadrant) String() string {
	switch q {
	case FailWorsening:
		return "fail+worsening"
	case FailImproving:
		return "fail+improving"
	case PassWorsening:
		return "pass+worsening"
	default:
		return "pass+improving"
	}
}

// Verdict is the evaluator output for one slice and window.
type Verdict struct {
	Pass      bool
	Improving bool
	// TrendSum is the sum of (current - previous) error probability over
	// members with both estimates defined.
	TrendSum float64
	// Violations counts members breaking the SLA bound.
	Violations int
	// Evaluated counts members with a defined error probability.
	Evaluated int
}

// Quadrant classifies the verdict.
func (v Verdict) Quadrant() Quadrant {
	switch {
	case v.Pass && v.Improving:
		return PassImproving
	case v.Pass:
		return PassWorsening
	case v.Improving:
		return FailImproving
	default:
		return FailWorsening
	}
}

// ErrorProbability computes the fraction of packets transmitted in the
// window that were not received. It is undefined when nothing was
// transmitted, and clamped to [0,1] since receptions can straddle window
// boundaries.
func ErrorProbability(cur Snapshot) Estimate {
	if cur.DeltaTx == 0 {
		return Estimate{}
	}
	p := (float64(cur.DeltaTx) - float64(cur.DeltaRx)) / float64(cur.DeltaTx)
	switch {
	case p < 0:
		p = 0
	case p > 1:
		p = 1
	}
	return Estimate{Value: p, Valid: true}
}

// Member pairs a station with its measurement window.
type Member struct {
	Station *model.Station
	Window  *MeasurementWindow
}

// Evaluate computes the error probability of each member, stores it on the
// current snapshot and derives the slice verdict. Idle members are excluded
// from the SLA test and contribute nothing to the trend.
func Evaluate(policy SLAPolicy, members []Member) (Verdict, []Fault) {
	var (
		v      Verdict
		faults []Fault
	)
	for _, m := range members {
		cur := &m.Window.Current
		cur.ErrorProbability = ErrorProbability(*cur)
		if !cur.ErrorProbability.Valid {
			faults = append(faults, Fault{
				Kind:      FaultIdleWindow,
				Slice:     m.Station.Slice.String(),
				StationID: m.Station.ID,
				Detail:    "no packets transmitted in window",
			})
			continue
		}
		v.Evaluated++

		prev := m.Window.Previous.ErrorProbability
		if prev.Valid {
			v.TrendSum += cur.ErrorProbability.Value - prev.Value
		}

		violated := cur.ErrorProbability.Value > policy.MaxErrorProbability
		if policy.MaxLatencyMs > 0 && cur.WindowLatency.Valid && cur.WindowLatency.Value > policy.MaxLatencyMs {
			violated = true
		}
		if violated {
			v.Violations++
		}
	}

	allowed := 0
	if policy.QuotaDivisor > 0 {
		allowed = len(members) / policy.QuotaDivisor
	}
	v.Pass = v.Violations <= allowed
	v.Improving = v.TrendSum < 0
	return v, faults
}

func (v Verdict) String() string {
	return fmt.Sprintf("%s (violations=%d evaluated=%d trend=%.4f)", v.Quadrant(), v.Violations, v.Evaluated, v.TrendSum)
}
