package core

import "fmt"

// FaultKind classifies a recoverable problem found during a controller pass.
type FaultKind string

const (
	FaultFlowStats         FaultKind = "flow_stats"
	FaultIdleWindow        FaultKind = "idle_window"
	FaultUnknownFlow       FaultKind = "unknown_flow"
	FaultDuplicateFlow     FaultKind = "duplicate_flow"
	FaultCounterRegression FaultKind = "counter_regression"
	FaultIndexClamped      FaultKind = "index_clamped"
	FaultPathLoss          FaultKind = "path_loss"
	FaultSelect            FaultKind = "select"
	FaultApply             FaultKind = "apply"
)

// Fault is a problem local to one station or slice. Faults never abort a
// tick; the affected slice either continues with a clamped value or holds
// its previous configuration.
type Fault struct {
	Kind      FaultKind
	Slice     string // empty when the fault is not attributable to a slice
	StationID string
	Detail    string
}

func (f Fault) String() string {
	switch {
	case f.StationID != "":
		return fmt.Sprintf("%s[%s/%s]: %s", f.Kind, f.Slice, f.StationID, f.Detail)
	case f.Slice != "":
		return fmt.Sprintf("%s[%s]: %s", f.Kind, f.Slice, f.Detail)
	default:
		return fmt.Sprintf("%s: %s", f.Kind, f.Detail)
	}
}
