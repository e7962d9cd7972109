package scheduler

import (
	"time"

	"github.com/capstan-dev/capstan/pkg/models"
)

// EventType represents the type of scheduler event.
type EventType string

const (
	// EventCycleStarted indicates a new scheduling cycle began.
	EventCycleStarted EventType = "cycle_started"
	// EventNodeDispatched indicates a node was handed to a remote worker.
	EventNodeDispatched EventType = "node_dispatched"
	// EventNodeCompleted indicates a node completed successfully.
	EventNodeCompleted EventType = "node_completed"
	// EventNodeFailed indicates a node failed.
	EventNodeFailed EventType = "node_failed"
	// EventNodeReverted indicates a node reverted to READY because no worker
	// is registered for its capability.
	EventNodeReverted EventType = "node_reverted"
	// EventGraphExpanded indicates a decomposition inserted new nodes.
	EventGraphExpanded EventType = "graph_expanded"
	// EventBranchReplanned indicates a failed branch was replaced with a
	// remediation subgraph.
	EventBranchReplanned EventType = "branch_replanned"
	// EventRevisionStarted indicates the linear pipeline began a new
	// revision after a validation rejection.
	EventRevisionStarted EventType = "revision_started"
	// EventPlanFinished indicates the plan reached a terminal status.
	EventPlanFinished EventType = "plan_finished"
)

// Event is emitted by the scheduler as it works through a plan. Callers can
// subscribe with an EventFunc to drive logging or progress displays.
type Event struct {
	// Type is the kind of event.
	Type EventType
	// PlanID identifies the plan.
	PlanID string
	// NodeID is the ID of the related node, if applicable.
	NodeID string
	// Cycle is the scheduling cycle during which the event occurred.
	Cycle int
	// Message provides additional context.
	Message string
	// Status carries the final plan status for plan_finished events.
	Status models.PlanStatus
	// Timestamp is when the event occurred.
	Timestamp time.Time
}

// EventFunc receives scheduler events. Implementations must not block.
type EventFunc func(Event)

// emit delivers an event to the subscriber, if any.
func (s *Scheduler) emit(e Event) {
	if s.events == nil {
		return
	}
	e.PlanID = s.graph.PlanID()
	e.Timestamp = time.Now().UTC()
	s.events(e)
}
