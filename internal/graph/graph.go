// Package graph provides the mutable execution graph for a single plan.
// Nodes are units of work, edges are "blocked by" dependencies, and every
// mutation preserves the graph invariants: the dependency relation stays
// acyclic, referenced IDs exist, and completed output is immutable.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/capstan-dev/capstan/pkg/models"
)

// ErrCycleDetected indicates a mutation would create a circular dependency.
var ErrCycleDetected = errors.New("circular dependency detected")

// ErrUnknownNode indicates a referenced node ID does not exist in the graph.
var ErrUnknownNode = errors.New("unknown node")

// ErrDuplicateNode indicates a node with the same ID already exists.
var ErrDuplicateNode = errors.New("duplicate node id")

// ErrNodeCompleted indicates a mutation targeted a completed node.
var ErrNodeCompleted = errors.New("node is completed")

// ErrOutputImmutable indicates an attempt to overwrite a node's output.
var ErrOutputImmutable = errors.New("node output is immutable once set")

// ErrTerminalState indicates an attempt to move a node out of a terminal
// state outside of a replan or retry.
var ErrTerminalState = errors.New("node is in a terminal state")

// ErrInvalidTransition indicates a state change that the node state machine
// does not sanction, e.g. PENDING straight to COMPLETED.
var ErrInvalidTransition = errors.New("state transition not sanctioned")

// Graph is the in-memory representation of one plan's execution graph.
// All access is serialized through an internal mutex so a scheduler and the
// edit API can share an instance.
type Graph struct {
	mu       sync.RWMutex
	planID   string
	nodes    map[string]*models.Node
	rootIDs  []string
	status   models.PlanStatus
	editMode models.EditMode
	version  int64
	log      zerolog.Logger
}

// New creates an empty graph for the given plan.
func New(planID string, log zerolog.Logger) *Graph {
	return &Graph{
		planID: planID,
		nodes:  make(map[string]*models.Node),
		status: models.PlanPending,
		log:    log.With().Str("component", "graph").Str("plan_id", planID).Logger(),
	}
}

// FromDocument reconstructs a graph from its persisted document.
func FromDocument(doc *models.GraphDocument, log zerolog.Logger) *Graph {
	g := New(doc.PlanID, log)
	for id, n := range doc.Nodes {
		g.nodes[id] = n.Clone()
	}
	g.rootIDs = append([]string(nil), doc.RootIDs...)
	g.status = doc.OverallStatus
	g.editMode = doc.EditMode
	g.version = doc.Version
	return g
}

// Document returns a deep copy of the graph in its persisted shape.
func (g *Graph) Document() *models.GraphDocument {
	g.mu.RLock()
	defer g.mu.RUnlock()

	doc := &models.GraphDocument{
		PlanID:        g.planID,
		RootIDs:       append([]string(nil), g.rootIDs...),
		Nodes:         make(map[string]*models.Node, len(g.nodes)),
		OverallStatus: g.status,
		EditMode:      g.editMode,
		Version:       g.version,
	}
	for id, n := range g.nodes {
		doc.Nodes[id] = n.Clone()
	}
	return doc
}

// PlanID returns the plan this graph belongs to.
func (g *Graph) PlanID() string {
	return g.planID
}

// Version returns the optimistic-concurrency token loaded with the graph.
func (g *Graph) Version() int64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.version
}

// SetVersion records the token returned by a successful save.
func (g *Graph) SetVersion(v int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.version = v
}

// Size returns the number of nodes in the graph.
func (g *Graph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Node returns a copy of the node with the given ID.
func (g *Graph) Node(id string) (*models.Node, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	return n.Clone(), nil
}

// Nodes returns copies of all nodes, ordered by ID for stable iteration.
func (g *Graph) Nodes() []*models.Node {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]*models.Node, 0, len(ids))
	for _, id := range ids {
		out = append(out, g.nodes[id].Clone())
	}
	return out
}

// RootIDs returns the IDs of nodes with no parent.
func (g *Graph) RootIDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.rootIDs...)
}

// Status returns the cached aggregate plan status.
func (g *Graph) Status() models.PlanStatus {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.status
}

// SetStatus overwrites the cached aggregate plan status.
func (g *Graph) SetStatus(s models.PlanStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.status = s
}

// EditMode returns the cooperative editing flag.
func (g *Graph) EditMode() models.EditMode {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.editMode
}

// ToggleEditMode flips the cooperative editing flag and returns the new
// value. Enabling records the owner and timestamp; disabling clears both.
func (g *Graph) ToggleEditMode(owner string) models.EditMode {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.editMode.Enabled {
		g.editMode = models.EditMode{}
	} else {
		g.editMode = models.EditMode{Enabled: true, Owner: owner, Since: time.Now().UTC()}
	}
	return g.editMode
}

// Ready scans all PENDING nodes and promotes those whose dependencies have
// all reached COMPLETED. Nodes with no dependencies promote immediately.
// Already-READY nodes are included without re-evaluation, so the call is
// idempotent within a cycle. Returned nodes are copies ordered by creation
// time, then ID.
func (g *Graph) Ready() []*models.Node {
	g.mu.Lock()
	defer g.mu.Unlock()

	var ready []*models.Node
	for _, n := range g.nodes {
		switch n.State {
		case models.StateReady:
			ready = append(ready, n.Clone())
		case models.StatePending:
			if g.depsCompletedLocked(n) {
				g.appendHistoryLocked(n, models.StateReady, "all dependencies completed")
				n.State = models.StateReady
				ready = append(ready, n.Clone())
			}
		}
	}

	sort.Slice(ready, func(i, j int) bool {
		if !ready[i].CreatedAt.Equal(ready[j].CreatedAt) {
			return ready[i].CreatedAt.Before(ready[j].CreatedAt)
		}
		return ready[i].ID < ready[j].ID
	})
	return ready
}

// depsCompletedLocked reports whether every dependency of n is COMPLETED.
// A dependency missing from the graph counts as unsatisfied rather than an
// error; deletion cascades are expected to strip such references.
func (g *Graph) depsCompletedLocked(n *models.Node) bool {
	for _, depID := range n.Dependencies {
		dep, ok := g.nodes[depID]
		if !ok || dep.State != models.StateCompleted {
			return false
		}
	}
	return true
}

// NonTerminalCount returns the number of nodes not yet in a terminal state.
func (g *Graph) NonTerminalCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	count := 0
	for _, n := range g.nodes {
		if !n.State.Terminal() {
			count++
		}
	}
	return count
}

// Stalled reports whether no remaining node can progress without outside
// intervention: nothing is ready or in flight, and every pending node sits
// behind a dependency that will never complete. A fully terminal graph is
// also stalled; callers distinguish the two with NonTerminalCount.
func (g *Graph) Stalled() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, n := range g.nodes {
		switch n.State {
		case models.StateReady, models.StateAssigned, models.StateWorking, models.StateAwaitingValidation:
			return false
		case models.StatePending:
			if g.depsCompletedLocked(n) {
				return false
			}
		}
	}
	return true
}

// MarkStranded moves every PENDING node to BLOCKED. On a stalled graph a
// pending node by definition waits on a dependency that cannot complete.
// Returns the number of nodes moved.
func (g *Graph) MarkStranded() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	moved := 0
	for _, n := range g.nodes {
		if n.State != models.StatePending {
			continue
		}
		g.appendHistoryLocked(n, models.StateBlocked, "dependency can no longer complete")
		n.State = models.StateBlocked
		moved++
	}
	return moved
}

// Aggregate computes the final plan status from node states: completed with
// failures if any node is FAILED, CANCELLED, or BLOCKED, successfully
// otherwise.
func (g *Graph) Aggregate() models.PlanStatus {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, n := range g.nodes {
		switch n.State {
		case models.StateFailed, models.StateCancelled, models.StateBlocked:
			return models.PlanCompletedWithFailures
		}
	}
	return models.PlanCompletedSuccessfully
}

// Validate runs the full acyclicity check over the dependency relation.
// It returns nil for an acyclic graph and ErrCycleDetected otherwise.
func (g *Graph) Validate() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.validateLocked()
}

// validateLocked detects back edges with a three-color depth-first search
// over the whole dependency relation. A local check is not enough: a new
// edge can close a cycle anywhere reachable from its target.
func (g *Graph) validateLocked() error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	colors := make(map[string]int, len(g.nodes))

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = gray
		for _, depID := range g.nodes[id].Dependencies {
			if _, ok := g.nodes[depID]; !ok {
				continue
			}
			switch colors[depID] {
			case gray:
				return true
			case white:
				if visit(depID) {
					return true
				}
			}
		}
		colors[id] = black
		return false
	}

	for id := range g.nodes {
		if colors[id] == white {
			if visit(id) {
				return ErrCycleDetected
			}
		}
	}
	return nil
}

// Descendants returns the IDs of all transitive children of the given node.
func (g *Graph) Descendants(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.descendantsLocked(id)
}

func (g *Graph) descendantsLocked(id string) []string {
	var out []string
	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	for _, childID := range n.ChildIDs {
		out = append(out, childID)
		out = append(out, g.descendantsLocked(childID)...)
	}
	return out
}

// appendHistoryLocked records a state transition on the node's append-only
// history log without changing the state itself.
func (g *Graph) appendHistoryLocked(n *models.Node, to models.NodeState, details string) {
	n.History = append(n.History, models.HistoryEntry{
		From:    n.State,
		To:      to,
		At:      time.Now().UTC(),
		Details: details,
	})
}
