package scheduler

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/capstan-dev/capstan/pkg/models"
)

// replanFailedBranch applies the branch replanning policy to a freshly
// failed node: its descendants are discarded, a two-step remediation chain
// is attached in their place, and the failure itself is absorbed so the
// node's dependents are no longer stuck behind a permanently failed
// dependency.
func (s *Scheduler) replanFailedBranch(cycle int, n *models.Node, detail string) {
	analyze := &models.Node{
		ID:         uuid.NewString(),
		Kind:       models.KindExploratory,
		State:      models.StatePending,
		Capability: n.Capability,
		Name:       "analyze failure: " + n.Name,
		Objective: fmt.Sprintf("The task %q failed: %s. Analyze the failure and identify what went wrong.",
			n.Name, detail),
	}
	retry := &models.Node{
		ID:           uuid.NewString(),
		Kind:         models.KindExecutable,
		State:        models.StatePending,
		Capability:   n.Capability,
		Name:         "retry with alternative strategy: " + n.Name,
		Objective:    fmt.Sprintf("Accomplish the original objective with a different approach: %s", n.Objective),
		Instructions: n.Instructions,
		Dependencies: []string{analyze.ID},
		InputRefs:    n.InputRefs,
	}

	if err := s.graph.ReplanBranch(n.ID, []*models.Node{analyze, retry}); err != nil {
		s.log.Warn().Str("node_id", n.ID).Err(err).Msg("could not replan failed branch")
		return
	}
	if err := s.graph.AbsorbFailure(n.ID, "failure absorbed by branch replanning"); err != nil {
		s.log.Warn().Str("node_id", n.ID).Err(err).Msg("could not absorb failure")
		return
	}
	s.emit(Event{Type: EventBranchReplanned, Cycle: cycle, NodeID: n.ID, Message: detail})
}
