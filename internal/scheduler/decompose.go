package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/capstan-dev/capstan/pkg/models"
)

// expand grows the graph from a decomposition node's output. The worker
// returns a batch of child specs with worker-local IDs; those are remapped
// to global IDs here, with the mapping retained across batches so a later
// decomposition can depend on an earlier one's tasks. The batch is applied
// atomically: any malformed entry fails the node and leaves the graph
// untouched.
func (s *Scheduler) expand(ctx context.Context, cycle int, n *models.Node, content string) {
	specs, err := parseChildSpecs(content)
	if err != nil {
		s.failNode(ctx, cycle, n, fmt.Sprintf("malformed decomposition artifact: %v", err), content)
		return
	}
	if len(specs) == 0 {
		if err := s.graph.UpdateState(n.ID, models.StateCompleted, "decomposition produced no children"); err != nil {
			s.log.Warn().Str("node_id", n.ID).Err(err).Msg("could not complete node")
			return
		}
		s.emit(Event{Type: EventNodeCompleted, Cycle: cycle, NodeID: n.ID})
		return
	}

	batch, order, err := s.resolveBatch(n, specs)
	if err != nil {
		s.failNode(ctx, cycle, n, fmt.Sprintf("invalid decomposition batch: %v", err), content)
		return
	}

	for _, localID := range order {
		child := batch[localID]
		if err := s.graph.AddNode(child, false); err != nil {
			// Unreachable after batch validation, but a bug here must not
			// kill the node silently.
			s.failNode(ctx, cycle, n, fmt.Sprintf("decomposition insert failed: %v", err), content)
			return
		}
	}
	for localID, child := range batch {
		if prev, ok := s.localToGlobal[localID]; ok {
			s.log.Warn().Str("local_id", localID).Str("previous", prev).Str("now", child.ID).
				Msg("local task id reused across decomposition batches; remapping")
		}
		s.localToGlobal[localID] = child.ID
	}

	if err := s.graph.UpdateState(n.ID, models.StateCompleted,
		fmt.Sprintf("decomposed into %d tasks", len(batch))); err != nil {
		s.log.Warn().Str("node_id", n.ID).Err(err).Msg("could not complete node")
		return
	}
	s.graph.SetStatus(models.PlanDecomposed)
	s.emit(Event{Type: EventNodeCompleted, Cycle: cycle, NodeID: n.ID})
	s.emit(Event{Type: EventGraphExpanded, Cycle: cycle, NodeID: n.ID,
		Message: fmt.Sprintf("%d new tasks", len(batch))})
}

// resolveBatch validates a decomposition batch and converts it to insertable
// nodes. It returns the nodes keyed by local ID plus a dependency-respecting
// insertion order. Nothing is mutated: all failure modes are detected before
// the caller touches the graph.
func (s *Scheduler) resolveBatch(parent *models.Node, specs []models.ChildSpec) (map[string]*models.Node, []string, error) {
	batch := make(map[string]*models.Node, len(specs))
	localDeps := make(map[string][]string, len(specs))

	for i, spec := range specs {
		if spec.LocalID == "" {
			return nil, nil, fmt.Errorf("entry %d has no id", i)
		}
		if _, dup := batch[spec.LocalID]; dup {
			return nil, nil, fmt.Errorf("duplicate local id %q", spec.LocalID)
		}
		kind := spec.Kind
		if kind == "" {
			kind = models.KindExecutable
		}
		if !kind.Valid() {
			return nil, nil, fmt.Errorf("entry %q has unknown kind %q", spec.LocalID, spec.Kind)
		}
		if spec.Capability == "" {
			return nil, nil, fmt.Errorf("entry %q has no capability", spec.LocalID)
		}
		name := spec.Name
		if name == "" {
			name = spec.LocalID
		}

		child := &models.Node{
			ID:                 uuid.NewString(),
			ParentID:           parent.ID,
			Kind:               kind,
			State:              models.StatePending,
			Capability:         spec.Capability,
			Name:               name,
			Objective:          spec.Objective,
			Instructions:       spec.Instructions,
			AcceptanceCriteria: spec.AcceptanceCriteria,
			InputRefs:          spec.InputRefs,
		}
		child.SetMeta(models.MetaLocalID, spec.LocalID)
		// Every batch entry implicitly waits on the node that spawned it.
		child.Dependencies = append(child.Dependencies, parent.ID)
		batch[spec.LocalID] = child
		localDeps[spec.LocalID] = spec.DependsOn
	}

	// Resolve declared dependencies against the batch itself first, then
	// against earlier batches.
	for localID, deps := range localDeps {
		child := batch[localID]
		for _, dep := range deps {
			switch {
			case dep == localID:
				return nil, nil, fmt.Errorf("entry %q depends on itself", localID)
			case batch[dep] != nil:
				child.Dependencies = append(child.Dependencies, batch[dep].ID)
			case s.localToGlobal[dep] != "":
				child.Dependencies = append(child.Dependencies, s.localToGlobal[dep])
			default:
				return nil, nil, fmt.Errorf("entry %q depends on unknown task %q", localID, dep)
			}
		}
	}

	order, err := batchOrder(batch, localDeps)
	if err != nil {
		return nil, nil, err
	}
	return batch, order, nil
}

// batchOrder topologically sorts a batch by its intra-batch dependencies so
// insertion never references a sibling that does not exist yet. A cycle
// inside the batch is a validation error.
func batchOrder(batch map[string]*models.Node, localDeps map[string][]string) ([]string, error) {
	order := make([]string, 0, len(batch))
	placed := make(map[string]bool, len(batch))

	for len(order) < len(batch) {
		progressed := false
		for localID := range batch {
			if placed[localID] {
				continue
			}
			blocked := false
			for _, dep := range localDeps[localID] {
				if batch[dep] != nil && !placed[dep] {
					blocked = true
					break
				}
			}
			if blocked {
				continue
			}
			order = append(order, localID)
			placed[localID] = true
			progressed = true
		}
		if !progressed {
			return nil, fmt.Errorf("dependency cycle within batch")
		}
	}
	return order, nil
}

// parseChildSpecs extracts the JSON task array from a worker response.
// Workers frequently wrap the array in prose or code fences, so everything
// outside the outermost brackets is ignored.
func parseChildSpecs(content string) ([]models.ChildSpec, error) {
	start := strings.Index(content, "[")
	end := strings.LastIndex(content, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON array found")
	}
	var specs []models.ChildSpec
	if err := json.Unmarshal([]byte(content[start:end+1]), &specs); err != nil {
		return nil, fmt.Errorf("parsing task array: %w", err)
	}
	return specs, nil
}
