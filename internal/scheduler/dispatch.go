package scheduler

import (
	"context"
	"fmt"
	"strings"

	"github.com/capstan-dev/capstan/internal/invoker"
	"github.com/capstan-dev/capstan/pkg/models"
)

// dispatch runs one ready node through the full dispatch sequence:
// ASSIGNED, capability resolution, input resolution, WORKING, remote
// invocation, result interpretation. Every failure along the way is
// absorbed into a node-level state transition; nothing here may crash the
// scheduling loop.
func (s *Scheduler) dispatch(ctx context.Context, cycle int, n *models.Node) {
	if err := s.graph.UpdateState(n.ID, models.StateAssigned, ""); err != nil {
		s.log.Warn().Str("node_id", n.ID).Err(err).Msg("could not assign node")
		return
	}

	endpoint, err := s.deps.Resolver.Resolve(ctx, n.Capability)
	if err != nil || endpoint == "" {
		// Partial worker availability is not a node failure: revert to
		// READY and try again next cycle.
		detail := fmt.Sprintf("no worker available for capability %q", n.Capability)
		if err != nil {
			detail = fmt.Sprintf("capability registry unreachable: %v", err)
		}
		s.revert(cycle, n.ID, detail)
		return
	}

	payload := invoker.Payload{
		Objective:          n.Objective,
		Instructions:       n.Instructions,
		AcceptanceCriteria: n.AcceptanceCriteria,
		Inputs:             s.resolveInputs(ctx, n),
	}

	if err := s.graph.UpdateState(n.ID, models.StateWorking, "dispatched to "+endpoint); err != nil {
		s.log.Warn().Str("node_id", n.ID).Err(err).Msg("could not mark node working")
		return
	}
	s.emit(Event{Type: EventNodeDispatched, Cycle: cycle, NodeID: n.ID,
		Message: fmt.Sprintf("capability %s -> %s", n.Capability, endpoint)})

	result, err := s.deps.Invoker.Invoke(ctx, endpoint, payload)
	if err != nil {
		// Transient infrastructure failure: the worker never accepted the
		// task, so the node goes back to READY rather than FAILED.
		s.revert(cycle, n.ID, fmt.Sprintf("invocation failed: %v", err))
		return
	}

	s.interpret(ctx, cycle, n, result)
}

// revert moves a node from ASSIGNED/WORKING back to READY for the next cycle.
func (s *Scheduler) revert(cycle int, nodeID, detail string) {
	if err := s.graph.UpdateState(nodeID, models.StateReady, detail); err != nil {
		s.log.Warn().Str("node_id", nodeID).Err(err).Msg("could not revert node")
		return
	}
	s.emit(Event{Type: EventNodeReverted, Cycle: cycle, NodeID: nodeID, Message: detail})
}

// resolveInputs fetches each referenced artifact and substitutes its content
// inline. Outputs of completed dependencies are included implicitly, keyed
// by the dependency's name; explicit InputRefs are added on top and win on a
// key collision. An unavailable artifact becomes a visible error placeholder
// so the worker can react to the partial failure instead of the scheduler
// silently losing the task.
func (s *Scheduler) resolveInputs(ctx context.Context, n *models.Node) map[string]string {
	inputs := make(map[string]string)

	for _, depID := range n.Dependencies {
		dep, err := s.graph.Node(depID)
		if err != nil || dep.OutputRef == "" {
			continue
		}
		key := dep.Name
		if key == "" {
			key = dep.ID
		}
		inputs[key] = s.fetchArtifact(ctx, n.ID, dep.OutputRef)
	}
	for name, artifactID := range n.InputRefs {
		inputs[name] = s.fetchArtifact(ctx, n.ID, artifactID)
	}

	if len(inputs) == 0 {
		return nil
	}
	return inputs
}

func (s *Scheduler) fetchArtifact(ctx context.Context, nodeID, artifactID string) string {
	content, err := s.deps.Artifacts.Get(ctx, artifactID)
	if err != nil {
		s.log.Warn().Str("node_id", nodeID).Str("artifact_id", artifactID).
			Err(err).Msg("input artifact unavailable")
		return fmt.Sprintf("[ERROR: input artifact %s unavailable: %v]", artifactID, err)
	}
	return content
}

// interpret converts a terminal remote result into graph mutations.
func (s *Scheduler) interpret(ctx context.Context, cycle int, n *models.Node, result *invoker.Result) {
	switch result.State {
	case invoker.RemoteCompleted:
		s.interpretCompleted(ctx, cycle, n, result)

	case invoker.RemoteFailed:
		detail := result.Detail
		if detail == "" {
			detail = "worker reported failure"
		}
		s.failNode(ctx, cycle, n, detail, artifactText(result))

	case invoker.RemoteInputRequired:
		detail := result.Detail
		if detail == "" {
			detail = "worker requires input"
		}
		if err := s.graph.UpdateState(n.ID, models.StateAwaitingValidation, detail); err != nil {
			s.log.Warn().Str("node_id", n.ID).Err(err).Msg("could not mark awaiting validation")
		}

	case invoker.RemoteCancelled:
		if err := s.graph.UpdateState(n.ID, models.StateCancelled, "cancelled remotely"); err != nil {
			s.log.Warn().Str("node_id", n.ID).Err(err).Msg("could not mark cancelled")
		}

	default:
		s.failNode(ctx, cycle, n,
			fmt.Sprintf("unexpected remote terminal state %q", result.State), artifactText(result))
	}
}

// interpretCompleted stores the output artifact, records the reference, and
// applies kind-specific post-completion behavior.
func (s *Scheduler) interpretCompleted(ctx context.Context, cycle int, n *models.Node, result *invoker.Result) {
	content := artifactText(result)

	artifactID, err := s.deps.Artifacts.Put(ctx, n.ID, content)
	if err != nil {
		// Losing a finished result to a transient store outage would waste
		// the remote work, but re-running the node is the only safe
		// recovery without exactly-once guarantees.
		s.revert(cycle, n.ID, fmt.Sprintf("artifact store unavailable: %v", err))
		return
	}
	if err := s.graph.SetOutputRef(n.ID, artifactID); err != nil {
		s.log.Warn().Str("node_id", n.ID).Err(err).Msg("could not record output ref")
	}

	switch {
	case n.Kind.Expands():
		s.expand(ctx, cycle, n, content)

	case n.Kind == models.KindValidate:
		verdict, err := parseVerdict(content)
		if err != nil {
			s.failNode(ctx, cycle, n, fmt.Sprintf("malformed verdict artifact: %v", err), content)
			return
		}
		if err := s.graph.UpdateState(n.ID, models.StateCompleted, "validation verdict received"); err != nil {
			s.log.Warn().Str("node_id", n.ID).Err(err).Msg("could not complete node")
			return
		}
		s.emit(Event{Type: EventNodeCompleted, Cycle: cycle, NodeID: n.ID})
		if !verdict.Accepted {
			s.startRevision(cycle, n, verdict.Feedback)
		}

	default:
		if err := s.graph.UpdateState(n.ID, models.StateCompleted, "worker completed"); err != nil {
			s.log.Warn().Str("node_id", n.ID).Err(err).Msg("could not complete node")
			return
		}
		s.emit(Event{Type: EventNodeCompleted, Cycle: cycle, NodeID: n.ID})
	}
}

// failNode marks a node FAILED, preserves whatever partial output exists for
// diagnosis, and applies the branch replanning policy when selected.
// Failure is not cascaded to dependents: they simply never become READY
// because this dependency never reaches COMPLETED.
func (s *Scheduler) failNode(ctx context.Context, cycle int, n *models.Node, detail, partialOutput string) {
	if partialOutput != "" {
		if artifactID, err := s.deps.Artifacts.Put(ctx, n.ID, partialOutput); err == nil {
			if err := s.graph.SetOutputRef(n.ID, artifactID); err != nil {
				s.log.Debug().Str("node_id", n.ID).Err(err).Msg("could not record partial output")
			}
		}
	}
	if err := s.graph.SetNodeMeta(n.ID, models.MetaDiagnostic, detail); err != nil {
		s.log.Debug().Str("node_id", n.ID).Err(err).Msg("could not record diagnostic")
	}
	if err := s.graph.UpdateState(n.ID, models.StateFailed, detail); err != nil {
		s.log.Warn().Str("node_id", n.ID).Err(err).Msg("could not mark node failed")
		return
	}
	s.emit(Event{Type: EventNodeFailed, Cycle: cycle, NodeID: n.ID, Message: detail})

	if s.cfg.Policy == PolicyReplanBranch {
		s.replanFailedBranch(cycle, n, detail)
	}
}

// artifactText flattens a result's artifacts into one text blob. Workers
// usually return a single artifact; multiple are joined in order.
func artifactText(result *invoker.Result) string {
	switch len(result.Artifacts) {
	case 0:
		return ""
	case 1:
		return result.Artifacts[0].Content
	default:
		parts := make([]string, 0, len(result.Artifacts))
		for _, a := range result.Artifacts {
			parts = append(parts, a.Content)
		}
		return strings.Join(parts, "\n")
	}
}
