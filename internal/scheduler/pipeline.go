package scheduler

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/capstan-dev/capstan/internal/graph"
	"github.com/capstan-dev/capstan/pkg/models"
)

// Capabilities of the three fixed pipeline steps.
const (
	CapabilityReformulate = "reformulation"
	CapabilityEvaluate    = "evaluation"
	CapabilityValidate    = "validation"
)

// DefaultMaxRevisions bounds the revision loop when the plan does not set
// its own limit.
const DefaultMaxRevisions = 3

// NewPipelineGraph builds the linear reformulate, evaluate, validate
// pipeline for an objective. The reformulation node is the graph root and
// carries the revision bound; each later step depends on the previous one
// and receives its output as an implicit input at dispatch time.
func NewPipelineGraph(planID, objective string, maxRevisions int, log zerolog.Logger) (*graph.Graph, error) {
	if maxRevisions <= 0 {
		maxRevisions = DefaultMaxRevisions
	}
	g := graph.New(planID, log)

	reform := &models.Node{
		ID:         uuid.NewString(),
		Kind:       models.KindReformulate,
		State:      models.StatePending,
		Capability: CapabilityReformulate,
		Name:       "reformulate",
		Objective:  fmt.Sprintf("Reformulate the following objective into a precise, actionable problem statement: %s", objective),
	}
	reform.SetMeta(models.MetaMaxRevisions, strconv.Itoa(maxRevisions))
	reform.SetMeta(models.MetaRevision, "0")

	eval := &models.Node{
		ID:           uuid.NewString(),
		ParentID:     reform.ID,
		Kind:         models.KindEvaluate,
		State:        models.StatePending,
		Capability:   CapabilityEvaluate,
		Name:         "evaluate",
		Objective:    "Evaluate the reformulated problem statement and produce a worked solution.",
		Dependencies: []string{reform.ID},
	}
	validate := &models.Node{
		ID:           uuid.NewString(),
		ParentID:     reform.ID,
		Kind:         models.KindValidate,
		State:        models.StatePending,
		Capability:   CapabilityValidate,
		Name:         "validate",
		Objective:    `Validate the solution against the original objective. Respond with a JSON object {"accepted": bool, "feedback": string}.`,
		Dependencies: []string{eval.ID},
	}

	for _, n := range []*models.Node{reform, eval, validate} {
		if err := g.AddNode(n, n == reform); err != nil {
			return nil, fmt.Errorf("building pipeline: %w", err)
		}
	}
	return g, nil
}

// startRevision reacts to a rejected validation verdict. Within the revision
// bound it appends a fresh reformulate, evaluate, validate chain that embeds
// the rejection feedback; past the bound it terminates the plan as FAILED.
func (s *Scheduler) startRevision(cycle int, rejected *models.Node, feedback string) {
	root := s.pipelineRoot()
	if root == nil {
		s.log.Warn().Str("node_id", rejected.ID).Msg("rejection outside a pipeline plan; ignoring")
		return
	}

	maxRevisions := DefaultMaxRevisions
	if v, err := strconv.Atoi(root.MetaValue(models.MetaMaxRevisions)); err == nil && v > 0 {
		maxRevisions = v
	}
	done := s.revisionsSoFar()
	if done >= maxRevisions {
		s.log.Info().Int("revisions", done).Int("max", maxRevisions).
			Msg("revision bound exhausted; failing plan")
		s.graph.SetStatus(models.PlanFailed)
		return
	}
	rev := done + 1

	reform := &models.Node{
		ID:         uuid.NewString(),
		ParentID:   root.ID,
		Kind:       models.KindReformulate,
		State:      models.StatePending,
		Capability: CapabilityReformulate,
		Name:       fmt.Sprintf("reformulate (revision %d)", rev),
		Objective: fmt.Sprintf("%s\n\nA previous attempt was rejected with this feedback, address it in the revision: %s",
			root.Objective, feedback),
		Dependencies: []string{rejected.ID},
	}
	reform.SetMeta(models.MetaRevision, strconv.Itoa(rev))

	eval := &models.Node{
		ID:           uuid.NewString(),
		ParentID:     root.ID,
		Kind:         models.KindEvaluate,
		State:        models.StatePending,
		Capability:   CapabilityEvaluate,
		Name:         fmt.Sprintf("evaluate (revision %d)", rev),
		Objective:    "Evaluate the revised problem statement and produce a worked solution.",
		Dependencies: []string{reform.ID},
	}
	validate := &models.Node{
		ID:           uuid.NewString(),
		ParentID:     root.ID,
		Kind:         models.KindValidate,
		State:        models.StatePending,
		Capability:   CapabilityValidate,
		Name:         fmt.Sprintf("validate (revision %d)", rev),
		Objective:    `Validate the revised solution against the original objective. Respond with a JSON object {"accepted": bool, "feedback": string}.`,
		Dependencies: []string{eval.ID},
	}

	for _, n := range []*models.Node{reform, eval, validate} {
		if err := s.graph.AddNode(n, false); err != nil {
			s.log.Error().Str("node_id", n.ID).Err(err).Msg("could not append revision chain")
			return
		}
	}
	s.emit(Event{Type: EventRevisionStarted, Cycle: cycle, NodeID: reform.ID,
		Message: fmt.Sprintf("revision %d of %d", rev, maxRevisions)})
}

// pipelineRoot returns the reformulation node the plan was built around, or
// nil when the graph is not a pipeline plan.
func (s *Scheduler) pipelineRoot() *models.Node {
	for _, id := range s.graph.RootIDs() {
		n, err := s.graph.Node(id)
		if err == nil && n.Kind == models.KindReformulate {
			return n
		}
	}
	return nil
}

// revisionsSoFar counts revision chains already appended. The initial chain
// does not count as a revision.
func (s *Scheduler) revisionsSoFar() int {
	count := 0
	for _, n := range s.graph.Nodes() {
		if n.Kind == models.KindReformulate {
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return count - 1
}

// parseVerdict extracts the JSON verdict object from a validation worker's
// response, tolerating surrounding prose.
func parseVerdict(content string) (models.Verdict, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return models.Verdict{}, fmt.Errorf("no JSON object found")
	}
	var v models.Verdict
	if err := json.Unmarshal([]byte(content[start:end+1]), &v); err != nil {
		return models.Verdict{}, fmt.Errorf("parsing verdict: %w", err)
	}
	return v, nil
}
