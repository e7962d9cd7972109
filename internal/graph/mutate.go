package graph

import (
	"fmt"
	"time"

	"github.com/capstan-dev/capstan/pkg/models"
)

// AddNode inserts a node into the graph. The node's dependencies and parent
// must reference existing nodes or the insertion is rejected with the graph
// left unchanged. When the node carries a ParentID the parent's child list is
// updated; when isRoot is true the node is appended to the root set.
func (g *Graph) AddNode(n *models.Node, isRoot bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.addNodeLocked(n, isRoot)
}

func (g *Graph) addNodeLocked(n *models.Node, isRoot bool) error {
	if n.ID == "" {
		return fmt.Errorf("node id must not be empty")
	}
	if _, exists := g.nodes[n.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateNode, n.ID)
	}
	if !n.Kind.Valid() {
		return fmt.Errorf("node %s: unknown kind %q", n.ID, n.Kind)
	}
	if n.State == "" {
		n.State = models.StatePending
	}
	if !n.State.Valid() {
		return fmt.Errorf("node %s: unknown state %q", n.ID, n.State)
	}
	for _, depID := range n.Dependencies {
		if _, ok := g.nodes[depID]; !ok {
			return fmt.Errorf("node %s depends on %w: %s", n.ID, ErrUnknownNode, depID)
		}
	}
	if n.ParentID != "" {
		if _, ok := g.nodes[n.ParentID]; !ok {
			return fmt.Errorf("node %s parent %w: %s", n.ID, ErrUnknownNode, n.ParentID)
		}
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}

	stored := n.Clone()
	g.nodes[stored.ID] = stored
	if stored.ParentID != "" {
		g.nodes[stored.ParentID].ChildIDs = append(g.nodes[stored.ParentID].ChildIDs, stored.ID)
	}
	if isRoot {
		g.rootIDs = append(g.rootIDs, stored.ID)
	}

	// A fresh node cannot close a cycle (nothing depends on it yet), so no
	// full validation pass is needed here.
	g.log.Debug().Str("node_id", stored.ID).Str("kind", string(stored.Kind)).Msg("node added")
	return nil
}

// UpdateState appends a history entry and overwrites the node's state.
// It rejects unknown IDs and any move the state machine does not sanction,
// including anything out of a terminal state; a replan or retry is the only
// way to move a node backward.
func (g *Graph) UpdateState(id string, next models.NodeState, details string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.updateStateLocked(id, next, details)
}

func (g *Graph) updateStateLocked(id string, next models.NodeState, details string) error {
	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	if !next.Valid() {
		return fmt.Errorf("node %s: unknown state %q", id, next)
	}
	if n.State.Terminal() && n.State != next {
		return fmt.Errorf("%w: %s is %s", ErrTerminalState, id, n.State)
	}
	if n.State == next {
		return nil
	}
	if !n.State.CanTransition(next) {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, id, n.State, next)
	}

	g.appendHistoryLocked(n, next, details)
	n.State = next
	g.log.Debug().Str("node_id", id).Str("from", string(n.History[len(n.History)-1].From)).
		Str("to", string(next)).Msg("state updated")
	return nil
}

// SetOutputRef records the artifact ID of a node's result. The reference is
// set once and immutable thereafter.
func (g *Graph) SetOutputRef(id, artifactID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	if n.OutputRef != "" {
		return fmt.Errorf("%w: %s", ErrOutputImmutable, id)
	}
	n.OutputRef = artifactID
	return nil
}

// SetNodeMeta sets a meta key on a node.
func (g *Graph) SetNodeMeta(id, key, value string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	n.SetMeta(key, value)
	return nil
}

// NodePatch carries the editable fields of a node for the edit API.
// Nil pointers leave the corresponding field untouched.
type NodePatch struct {
	Name               *string
	Capability         *string
	Objective          *string
	Instructions       *string
	AcceptanceCriteria *string
	InputRefs          map[string]string
}

// EditNode applies a patch to a node. Completed nodes are immutable and the
// edit is rejected.
func (g *Graph) EditNode(id string, patch NodePatch) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	if n.State == models.StateCompleted {
		return fmt.Errorf("%w: %s", ErrNodeCompleted, id)
	}

	if patch.Name != nil {
		n.Name = *patch.Name
	}
	if patch.Capability != nil {
		n.Capability = *patch.Capability
	}
	if patch.Objective != nil {
		n.Objective = *patch.Objective
	}
	if patch.Instructions != nil {
		n.Instructions = *patch.Instructions
	}
	if patch.AcceptanceCriteria != nil {
		n.AcceptanceCriteria = *patch.AcceptanceCriteria
	}
	if patch.InputRefs != nil {
		n.InputRefs = make(map[string]string, len(patch.InputRefs))
		for k, v := range patch.InputRefs {
			n.InputRefs[k] = v
		}
	}
	return nil
}

// LinkTasks adds a dependency edge: to will not run before from completes.
// The whole dependency relation is re-validated before committing; an edge
// that would close a cycle is rejected and the graph left unchanged.
func (g *Graph) LinkTasks(from, to string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.nodes[from]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, from)
	}
	target, ok := g.nodes[to]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, to)
	}
	for _, depID := range target.Dependencies {
		if depID == from {
			return nil
		}
	}

	target.Dependencies = append(target.Dependencies, from)
	if err := g.validateLocked(); err != nil {
		// Roll back the edge before surfacing the violation.
		target.Dependencies = target.Dependencies[:len(target.Dependencies)-1]
		return fmt.Errorf("link %s -> %s: %w", from, to, err)
	}
	return nil
}

// UnlinkTasks removes the dependency of to on from. Unlinking an edge that
// does not exist is a no-op.
func (g *Graph) UnlinkTasks(from, to string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	target, ok := g.nodes[to]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, to)
	}
	for i, depID := range target.Dependencies {
		if depID == from {
			target.Dependencies = append(target.Dependencies[:i], target.Dependencies[i+1:]...)
			return nil
		}
	}
	return nil
}

// DeleteNode removes a node, cascades to all its descendants, and strips
// dangling dependency references to the removed nodes from the rest of the
// graph. Deleting a completed node is rejected.
func (g *Graph) DeleteNode(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	if n.State == models.StateCompleted {
		return fmt.Errorf("%w: %s", ErrNodeCompleted, id)
	}

	doomed := append([]string{id}, g.descendantsLocked(id)...)
	doomedSet := make(map[string]bool, len(doomed))
	for _, d := range doomed {
		doomedSet[d] = true
	}

	// Detach from the parent's child list first.
	if n.ParentID != "" {
		if parent, ok := g.nodes[n.ParentID]; ok {
			parent.ChildIDs = removeID(parent.ChildIDs, id)
		}
	}

	for _, d := range doomed {
		delete(g.nodes, d)
		g.rootIDs = removeID(g.rootIDs, d)
	}

	for _, survivor := range g.nodes {
		kept := survivor.Dependencies[:0]
		for _, depID := range survivor.Dependencies {
			if !doomedSet[depID] {
				kept = append(kept, depID)
			}
		}
		survivor.Dependencies = kept
	}

	g.log.Debug().Str("node_id", id).Int("cascade", len(doomed)).Msg("node deleted")
	return nil
}

// ReplanBranch atomically removes all existing descendants of the node,
// clears its child list, and inserts the replacements as children with their
// ParentID set. The node's own state is untouched; the caller decides how to
// mark the superseded node. Dangling dependency references to the removed
// descendants are stripped from the rest of the graph.
func (g *Graph) ReplanBranch(id string, replacements []*models.Node) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}

	doomed := g.descendantsLocked(id)
	doomedSet := make(map[string]bool, len(doomed))
	for _, d := range doomed {
		doomedSet[d] = true
	}
	for _, d := range doomed {
		delete(g.nodes, d)
		g.rootIDs = removeID(g.rootIDs, d)
	}
	for _, survivor := range g.nodes {
		kept := survivor.Dependencies[:0]
		for _, depID := range survivor.Dependencies {
			if !doomedSet[depID] {
				kept = append(kept, depID)
			}
		}
		survivor.Dependencies = kept
	}
	n.ChildIDs = nil

	for _, r := range replacements {
		r.ParentID = id
		if err := g.addNodeLocked(r, false); err != nil {
			return fmt.Errorf("replan %s: %w", id, err)
		}
	}

	g.log.Info().Str("node_id", id).Int("removed", len(doomed)).
		Int("inserted", len(replacements)).Msg("branch replanned")
	return nil
}

// AbsorbFailure marks a FAILED node COMPLETED. This is the deliberate
// "absorbed" transition used by branch replanning so the node's dependents
// are unblocked while a remediation subgraph takes over its work. It is the
// only sanctioned way out of FAILED besides a bulk retry reset.
func (g *Graph) AbsorbFailure(id, details string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	if n.State != models.StateFailed {
		return fmt.Errorf("absorb %s: state is %s, want FAILED", id, n.State)
	}
	g.appendHistoryLocked(n, models.StateCompleted, details)
	n.State = models.StateCompleted
	return nil
}

// ResetFailed moves every FAILED node back to PENDING and releases BLOCKED
// nodes stranded behind them, leaving completed nodes untouched. A reset
// node's output reference is cleared so the re-run can record a fresh
// result; the failure diagnostic stays in meta and history. It returns the
// number of failed nodes reset. This is the bulk retry remediation policy.
func (g *Graph) ResetFailed() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	count := 0
	for _, n := range g.nodes {
		switch n.State {
		case models.StateFailed:
			g.appendHistoryLocked(n, models.StatePending, "bulk retry")
			n.State = models.StatePending
			n.OutputRef = ""
			count++
		case models.StateBlocked:
			g.appendHistoryLocked(n, models.StatePending, "bulk retry released blocked node")
			n.State = models.StatePending
		}
	}
	return count
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
