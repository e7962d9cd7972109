// Package scheduler implements the cycle-driven control loop that executes a
// plan's task graph: it reads ready nodes, dispatches them to
// capability-matched remote workers, absorbs their results, grows the graph
// on decomposition, and decides plan-level termination. One Scheduler owns
// exactly one plan; resuming a terminated plan means constructing a fresh
// Scheduler over the same persisted graph.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/capstan-dev/capstan/internal/graph"
	"github.com/capstan-dev/capstan/internal/invoker"
	"github.com/capstan-dev/capstan/internal/store"
	"github.com/capstan-dev/capstan/pkg/models"
)

// CapabilityResolver maps a symbolic capability name to a worker endpoint.
// An empty endpoint with a nil error means no worker is currently available.
type CapabilityResolver interface {
	Resolve(ctx context.Context, capability string) (string, error)
}

// ArtifactStore stores and fetches opaque output blobs by ID.
type ArtifactStore interface {
	Put(ctx context.Context, producingAgent, content string) (string, error)
	Get(ctx context.Context, id string) (string, error)
}

// Invoker submits a payload to a worker endpoint and returns the terminal
// remote result.
type Invoker interface {
	Invoke(ctx context.Context, endpoint string, payload invoker.Payload) (*invoker.Result, error)
}

// GraphStore persists whole-graph documents with optimistic versioning.
type GraphStore interface {
	Save(doc *models.GraphDocument) (int64, error)
	Load(planID string) (*models.GraphDocument, error)
}

// RemediationPolicy selects how the scheduler reacts to failed nodes.
type RemediationPolicy string

const (
	// PolicyNone leaves failed nodes failed; dependents simply never become
	// ready and the plan completes with failures.
	PolicyNone RemediationPolicy = "none"
	// PolicyBulkRetry resets every failed node back to PENDING once the
	// graph drains, then resumes cycling. Completed nodes are untouched.
	PolicyBulkRetry RemediationPolicy = "bulk_retry"
	// PolicyReplanBranch absorbs a failed node by marking it completed and
	// attaching a remediation subgraph in place of its children.
	PolicyReplanBranch RemediationPolicy = "replan_branch"
)

// Valid returns true if the policy is a known value.
func (p RemediationPolicy) Valid() bool {
	switch p {
	case PolicyNone, PolicyBulkRetry, PolicyReplanBranch:
		return true
	default:
		return false
	}
}

// Config bounds and tunes a scheduler run.
type Config struct {
	// MaxCycles is the hard cap on scheduling cycles. Exhausting it marks
	// the plan TIMEOUT.
	MaxCycles int
	// CycleInterval is the sleep between cycles that found no ready work.
	CycleInterval time.Duration
	// Policy selects the failure remediation behavior.
	Policy RemediationPolicy
	// MaxBulkRetries bounds how many times PolicyBulkRetry may reset the
	// failed set before the plan is allowed to finish with failures.
	MaxBulkRetries int
}

// DefaultConfig returns the defaults used by the CLI.
func DefaultConfig() Config {
	return Config{
		MaxCycles:      25,
		CycleInterval:  2 * time.Second,
		Policy:         PolicyNone,
		MaxBulkRetries: 1,
	}
}

// Deps are the external collaborators injected into a Scheduler.
type Deps struct {
	Resolver  CapabilityResolver
	Artifacts ArtifactStore
	Invoker   Invoker
	// Store may be nil, in which case the graph lives only in memory.
	Store GraphStore
}

// Scheduler drives one plan's execution graph to a terminal status.
type Scheduler struct {
	graph  *graph.Graph
	deps   Deps
	cfg    Config
	log    zerolog.Logger
	events EventFunc

	// localToGlobal remaps worker-local task IDs from decomposition
	// responses to global node IDs, across repeated decomposition calls.
	localToGlobal map[string]string
	// bulkRetries counts how often PolicyBulkRetry has reset failures.
	bulkRetries int
}

// New creates a Scheduler bound to the given graph.
func New(g *graph.Graph, deps Deps, cfg Config, log zerolog.Logger) *Scheduler {
	if cfg.MaxCycles <= 0 {
		cfg.MaxCycles = DefaultConfig().MaxCycles
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyNone
	}
	return &Scheduler{
		graph:         g,
		deps:          deps,
		cfg:           cfg,
		log:           log.With().Str("component", "scheduler").Str("plan_id", g.PlanID()).Logger(),
		localToGlobal: make(map[string]string),
	}
}

// OnEvent subscribes a single event callback. Must be called before Run.
func (s *Scheduler) OnEvent(fn EventFunc) {
	s.events = fn
}

// Graph returns the graph this scheduler owns.
func (s *Scheduler) Graph() *graph.Graph {
	return s.graph
}

// Run cycles over the graph until it reaches a terminal aggregate status or
// the cycle budget is exhausted. The returned status is authoritative and
// final for this Scheduler instance. Remote-call and parse failures never
// abort the loop; they are converted into node-level state transitions.
func (s *Scheduler) Run(ctx context.Context) (models.PlanStatus, error) {
	if s.graph.Status().Terminal() {
		return s.graph.Status(), fmt.Errorf("plan %s already terminal: %s", s.graph.PlanID(), s.graph.Status())
	}

	s.graph.SetStatus(models.PlanRunning)
	s.persist()

	for cycle := 1; cycle <= s.cfg.MaxCycles; cycle++ {
		if err := ctx.Err(); err != nil {
			return s.finish(models.PlanTimeout, cycle, "run cancelled"), err
		}

		s.emit(Event{Type: EventCycleStarted, Cycle: cycle})

		// A graph under interactive editing is skipped for this cycle; the
		// flag is advisory but dispatching against a half-edited graph
		// would surprise the editor.
		if s.graph.EditMode().Enabled {
			s.log.Debug().Int("cycle", cycle).Msg("graph in edit mode, skipping dispatch")
			if !s.sleep(ctx) {
				return s.finish(models.PlanTimeout, cycle, "run cancelled"), ctx.Err()
			}
			continue
		}

		ready := s.graph.Ready()
		if len(ready) == 0 {
			if s.graph.NonTerminalCount() == 0 {
				if s.tryBulkRetry(cycle) {
					continue
				}
				final := s.graph.Aggregate()
				return s.finish(final, cycle, "graph drained"), nil
			}
			// Nodes remain but none are runnable. A stalled graph (every
			// pending node stuck behind a failure) can never progress, so
			// it finishes now instead of burning the cycle budget.
			if s.graph.Stalled() {
				if s.tryBulkRetry(cycle) {
					continue
				}
				if n := s.graph.MarkStranded(); n > 0 {
					s.log.Info().Int("cycle", cycle).Int("blocked", n).Msg("marked stranded nodes blocked")
				}
				final := s.graph.Aggregate()
				return s.finish(final, cycle, "graph stalled behind failures"), nil
			}
			// The rest are waiting on validation input or worker
			// availability; check again next cycle.
			if !s.sleep(ctx) {
				return s.finish(models.PlanTimeout, cycle, "run cancelled"), ctx.Err()
			}
			continue
		}

		// Ready nodes are dispatched sequentially within a cycle. They are
		// mutually independent by construction: a dependent is never READY
		// while its dependency is incomplete.
		progressed := false
		for _, n := range ready {
			s.dispatch(ctx, cycle, n)
			if ctx.Err() != nil {
				return s.finish(models.PlanTimeout, cycle, "run cancelled"), ctx.Err()
			}
			if st, err := s.graph.Node(n.ID); err == nil && st.State != models.StateReady {
				progressed = true
			}
		}

		// Dispatch may terminate the plan directly, e.g. when the revision
		// bound is exhausted.
		if st := s.graph.Status(); st.Terminal() {
			return s.finish(st, cycle, "terminated during dispatch"), nil
		}

		s.persist()

		// When every dispatch reverted (workers unavailable across the
		// board) the cycle did no work; pace the retries instead of
		// burning the cycle budget in a tight loop.
		if !progressed {
			if !s.sleep(ctx) {
				return s.finish(models.PlanTimeout, cycle, "run cancelled"), ctx.Err()
			}
		}
	}

	return s.finish(models.PlanTimeout, s.cfg.MaxCycles, "cycle budget exhausted"), nil
}

// tryBulkRetry applies the bulk retry policy when the drained graph carries
// failures. It returns true when a retry round was started.
func (s *Scheduler) tryBulkRetry(cycle int) bool {
	if s.cfg.Policy != PolicyBulkRetry || s.bulkRetries >= s.cfg.MaxBulkRetries {
		return false
	}
	if s.graph.Aggregate() != models.PlanCompletedWithFailures {
		return false
	}
	reset := s.graph.ResetFailed()
	if reset == 0 {
		return false
	}
	s.bulkRetries++
	s.log.Info().Int("cycle", cycle).Int("reset", reset).Msg("bulk retry: failed nodes back to pending")
	s.persist()
	return true
}

// finish records the terminal status, persists, and emits the final event.
func (s *Scheduler) finish(status models.PlanStatus, cycle int, reason string) models.PlanStatus {
	s.graph.SetStatus(status)
	s.persist()
	s.emit(Event{Type: EventPlanFinished, Cycle: cycle, Status: status, Message: reason})
	s.log.Info().Str("status", string(status)).Str("reason", reason).Msg("plan finished")
	return status
}

// sleep waits one cycle interval; it returns false when the context ended.
func (s *Scheduler) sleep(ctx context.Context) bool {
	if s.cfg.CycleInterval <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(s.cfg.CycleInterval):
		return true
	}
}

// persist saves the graph document. A stale-version conflict (a concurrent
// edit API write) is resolved by adopting the stored version and re-saving;
// the guard exists to make concurrent writes detectable, and the edit-mode
// flag keeps the overlap window narrow.
func (s *Scheduler) persist() {
	if s.deps.Store == nil {
		return
	}
	doc := s.graph.Document()
	v, err := s.deps.Store.Save(doc)
	if err == nil {
		s.graph.SetVersion(v)
		return
	}
	if !errors.Is(err, store.ErrStaleVersion) {
		s.log.Warn().Err(err).Msg("persist failed; retrying next cycle")
		return
	}

	current, loadErr := s.deps.Store.Load(s.graph.PlanID())
	if loadErr != nil {
		s.log.Warn().Err(loadErr).Msg("stale version and reload failed")
		return
	}
	s.log.Warn().Int64("stored_version", current.Version).
		Msg("concurrent write detected; reapplying scheduler state")
	doc.Version = current.Version
	v, err = s.deps.Store.Save(doc)
	if err != nil {
		s.log.Warn().Err(err).Msg("persist retry failed")
		return
	}
	s.graph.SetVersion(v)
}
