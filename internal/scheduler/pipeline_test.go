package scheduler

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/capstan-dev/capstan/internal/invoker"
	"github.com/capstan-dev/capstan/pkg/models"
)

// pipelineHandler plays the three capability workers of the linear
// pipeline, rejecting the first rejections validations and accepting after.
func pipelineHandler(verdicts []string) func(invoker.Payload) *invoker.Result {
	validations := 0
	return func(p invoker.Payload) *invoker.Result {
		if strings.Contains(p.Objective, "Validate") {
			v := verdicts[len(verdicts)-1]
			if validations < len(verdicts) {
				v = verdicts[validations]
			}
			validations++
			return completed(v)
		}
		return completed("work product")
	}
}

func pipelineScheduler(t *testing.T, maxRevisions int, handler func(invoker.Payload) *invoker.Result) *Scheduler {
	t.Helper()
	g, err := NewPipelineGraph("plan-p", "prove the lemma", maxRevisions, zerolog.Nop())
	if err != nil {
		t.Fatalf("building pipeline: %v", err)
	}
	inv := &scriptInvoker{handler: handler}
	s := New(g, Deps{
		Resolver: &stubResolver{endpoints: map[string]string{
			CapabilityReformulate: "http://reform",
			CapabilityEvaluate:    "http://eval",
			CapabilityValidate:    "http://validate",
		}},
		Artifacts: newMemArtifacts(),
		Invoker:   inv,
	}, quickConfig(), zerolog.Nop())
	return s
}

func TestPipelineGraphShape(t *testing.T) {
	g, err := NewPipelineGraph("plan-p", "prove the lemma", 2, zerolog.Nop())
	if err != nil {
		t.Fatalf("building pipeline: %v", err)
	}
	if g.Size() != 3 {
		t.Fatalf("size = %d, want 3", g.Size())
	}
	roots := g.RootIDs()
	if len(roots) != 1 {
		t.Fatalf("roots = %d, want 1", len(roots))
	}
	root, _ := g.Node(roots[0])
	if root.Kind != models.KindReformulate {
		t.Errorf("root kind = %s, want REFORMULATE", root.Kind)
	}
	if root.MetaValue(models.MetaMaxRevisions) != "2" {
		t.Errorf("max revisions meta = %q, want 2", root.MetaValue(models.MetaMaxRevisions))
	}
}

func TestPipelineAcceptedFirstPass(t *testing.T) {
	s := pipelineScheduler(t, 2, pipelineHandler([]string{`{"accepted": true}`}))

	status, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if status != models.PlanCompletedSuccessfully {
		t.Fatalf("status = %s, want %s", status, models.PlanCompletedSuccessfully)
	}
	if s.Graph().Size() != 3 {
		t.Errorf("size = %d, want no revision chains", s.Graph().Size())
	}
}

func TestPipelineRevisionAfterRejection(t *testing.T) {
	s := pipelineScheduler(t, 2, pipelineHandler([]string{
		`{"accepted": false, "feedback": "too vague"}`,
		`{"accepted": true}`,
	}))

	var revisions int
	s.OnEvent(func(e Event) {
		if e.Type == EventRevisionStarted {
			revisions++
		}
	})

	status, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if status != models.PlanCompletedSuccessfully {
		t.Fatalf("status = %s, want %s", status, models.PlanCompletedSuccessfully)
	}
	if revisions != 1 {
		t.Errorf("revision events = %d, want 1", revisions)
	}
	if s.Graph().Size() != 6 {
		t.Errorf("size = %d, want original chain plus one revision chain", s.Graph().Size())
	}

	// The revision reformulation embeds the rejection feedback.
	found := false
	for _, n := range s.Graph().Nodes() {
		if n.Kind == models.KindReformulate && strings.Contains(n.Objective, "too vague") {
			found = true
		}
	}
	if !found {
		t.Error("rejection feedback not embedded in revision objective")
	}
}

func TestPipelineRevisionBoundExhausted(t *testing.T) {
	maxRevisions := 1
	rejections := 0
	s := pipelineScheduler(t, maxRevisions, func(p invoker.Payload) *invoker.Result {
		if strings.Contains(p.Objective, "Validate") {
			rejections++
			return completed(`{"accepted": false, "feedback": "still wrong"}`)
		}
		return completed("work product")
	})

	status, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if status != models.PlanFailed {
		t.Fatalf("status = %s, want %s", status, models.PlanFailed)
	}
	// The bound allows maxRevisions+1 validation attempts in total.
	if rejections != maxRevisions+1 {
		t.Errorf("validation attempts = %d, want %d", rejections, maxRevisions+1)
	}
}

func TestPipelineMalformedVerdictFailsNode(t *testing.T) {
	s := pipelineScheduler(t, 2, func(p invoker.Payload) *invoker.Result {
		if strings.Contains(p.Objective, "Validate") {
			return completed("looks fine to me")
		}
		return completed("work product")
	})

	status, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if status != models.PlanCompletedWithFailures {
		t.Fatalf("status = %s, want %s", status, models.PlanCompletedWithFailures)
	}
	failedValidate := false
	for _, n := range s.Graph().Nodes() {
		if n.Kind == models.KindValidate && n.State == models.StateFailed {
			failedValidate = true
		}
	}
	if !failedValidate {
		t.Error("validate node not failed on malformed verdict")
	}
}
