package models

import "time"

// PlanStatus is the aggregate status of a plan's execution graph.
type PlanStatus string

const (
	// PlanPending indicates the plan has been created but not started.
	PlanPending PlanStatus = "PENDING"
	// PlanRunning indicates a scheduler is cycling over the plan.
	PlanRunning PlanStatus = "RUNNING"
	// PlanDecomposed indicates a decomposition has expanded the graph.
	PlanDecomposed PlanStatus = "PLAN_DECOMPOSED"
	// PlanCompletedSuccessfully indicates every node reached COMPLETED.
	PlanCompletedSuccessfully PlanStatus = "EXECUTION_COMPLETED_SUCCESSFULLY"
	// PlanCompletedWithFailures indicates execution finished with failed nodes.
	PlanCompletedWithFailures PlanStatus = "EXECUTION_COMPLETED_WITH_FAILURES"
	// PlanTimeout indicates the cycle budget was exhausted.
	PlanTimeout PlanStatus = "TIMEOUT"
	// PlanFailed indicates a terminal plan failure, such as the linear
	// pipeline exhausting its revision bound.
	PlanFailed PlanStatus = "FAILED"
)

// Valid returns true if the status is a known value.
func (s PlanStatus) Valid() bool {
	switch s {
	case PlanPending, PlanRunning, PlanDecomposed,
		PlanCompletedSuccessfully, PlanCompletedWithFailures,
		PlanTimeout, PlanFailed:
		return true
	default:
		return false
	}
}

// Terminal returns true if the status ends scheduling for the plan.
// A caller wanting to resume after remediation constructs a fresh scheduler
// over the same persisted graph.
func (s PlanStatus) Terminal() bool {
	switch s {
	case PlanCompletedSuccessfully, PlanCompletedWithFailures, PlanTimeout, PlanFailed:
		return true
	default:
		return false
	}
}

// EditMode is the cooperative lock flag for interactive graph editing.
// It is advisory: scheduling correctness does not depend on it, but the
// scheduler skips dispatch for a plan whose graph is in edit mode.
type EditMode struct {
	// Enabled is true while an editor holds the graph.
	Enabled bool `json:"enabled"`
	// Owner identifies who toggled edit mode on.
	Owner string `json:"owner,omitempty"`
	// Since is when edit mode was enabled.
	Since time.Time `json:"since,omitempty"`
}

// GraphDocument is the persisted shape of one plan's execution graph.
// The whole graph is stored as a single versioned record keyed by plan ID.
type GraphDocument struct {
	// PlanID identifies the plan this graph belongs to.
	PlanID string `json:"plan_id"`
	// RootIDs lists nodes with no parent.
	RootIDs []string `json:"root_ids,omitempty"`
	// Nodes maps node ID to node.
	Nodes map[string]*Node `json:"nodes"`
	// OverallStatus is the cached aggregate status.
	OverallStatus PlanStatus `json:"overall_status"`
	// EditMode is the cooperative editing flag.
	EditMode EditMode `json:"edit_mode"`
	// Version is the optimistic-concurrency token. The store rejects a save
	// whose version does not match the persisted one.
	Version int64 `json:"version"`
	// UpdatedAt is when the document was last persisted.
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Clone returns a deep copy of the document.
func (d *GraphDocument) Clone() *GraphDocument {
	c := *d
	c.RootIDs = append([]string(nil), d.RootIDs...)
	c.Nodes = make(map[string]*Node, len(d.Nodes))
	for id, n := range d.Nodes {
		c.Nodes[id] = n.Clone()
	}
	return &c
}
