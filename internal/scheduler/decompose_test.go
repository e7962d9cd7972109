package scheduler

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/capstan-dev/capstan/internal/graph"
	"github.com/capstan-dev/capstan/internal/invoker"
	"github.com/capstan-dev/capstan/pkg/models"
)

func decompositionNode(name string) *models.Node {
	return &models.Node{
		ID:         uuid.NewString(),
		Kind:       models.KindDecomposition,
		State:      models.StatePending,
		Capability: "general",
		Name:       name,
		Objective:  "objective-" + name,
	}
}

// nodeByLocalID finds the inserted node carrying a given worker-local ID.
func nodeByLocalID(t *testing.T, g *graph.Graph, localID string) *models.Node {
	t.Helper()
	for _, n := range g.Nodes() {
		if n.MetaValue(models.MetaLocalID) == localID {
			return n
		}
	}
	t.Fatalf("no node with local id %q", localID)
	return nil
}

func TestExpandRemapsLocalIDsAndOrdering(t *testing.T) {
	g := graph.New("plan-d1", zerolog.Nop())
	d := decompositionNode("d")
	mustAdd(t, g, d, true)

	batch := `Here is the plan:
[
  {"id": "t1", "capability": "general", "objective": "first step"},
  {"id": "t2", "capability": "general", "objective": "second step", "depends_on": ["t1"]}
]`
	s, inv, _ := testScheduler(t, g, func(p invoker.Payload) *invoker.Result {
		if p.Objective == "objective-d" {
			return completed(batch)
		}
		return completed("done " + p.Objective)
	}, quickConfig())

	status, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if status != models.PlanCompletedSuccessfully {
		t.Fatalf("status = %s, want %s", status, models.PlanCompletedSuccessfully)
	}
	if g.Size() != 3 {
		t.Fatalf("graph size = %d, want 3", g.Size())
	}

	t1 := nodeByLocalID(t, g, "t1")
	t2 := nodeByLocalID(t, g, "t2")
	if t1.ParentID != d.ID || t2.ParentID != d.ID {
		t.Error("children not parented to the decomposition node")
	}

	wantDeps := map[string]bool{t1.ID: true, d.ID: true}
	for _, dep := range t2.Dependencies {
		if !wantDeps[dep] {
			t.Errorf("t2 has unexpected dependency %s", dep)
		}
		delete(wantDeps, dep)
	}
	if len(wantDeps) != 0 {
		t.Errorf("t2 missing dependencies: %v", wantDeps)
	}

	// Dependency order survives the remap: t1 runs before t2.
	calls := inv.payloads()
	if len(calls) != 3 {
		t.Fatalf("invocations = %d, want 3", len(calls))
	}
	if calls[1].Objective != "first step" || calls[2].Objective != "second step" {
		t.Errorf("invocation order = %q then %q", calls[1].Objective, calls[2].Objective)
	}
}

func TestExpandMalformedOutputFailsNodeWithoutMutation(t *testing.T) {
	cases := map[string]string{
		"no array":        "I could not break this down.",
		"broken json":     `[{"id": "t1", "capability":`,
		"duplicate ids":   `[{"id": "t1", "capability": "general", "objective": "x"}, {"id": "t1", "capability": "general", "objective": "y"}]`,
		"unknown dep":     `[{"id": "t1", "capability": "general", "objective": "x", "depends_on": ["ghost"]}]`,
		"missing id":      `[{"capability": "general", "objective": "x"}]`,
		"no capability":   `[{"id": "t1", "objective": "x"}]`,
		"self dependency": `[{"id": "t1", "capability": "general", "objective": "x", "depends_on": ["t1"]}]`,
	}
	for name, output := range cases {
		t.Run(name, func(t *testing.T) {
			g := graph.New("plan-d2", zerolog.Nop())
			d := decompositionNode("d")
			mustAdd(t, g, d, true)

			s, _, _ := testScheduler(t, g, func(p invoker.Payload) *invoker.Result {
				return completed(output)
			}, quickConfig())

			status, err := s.Run(context.Background())
			if err != nil {
				t.Fatalf("run: %v", err)
			}
			if status != models.PlanCompletedWithFailures {
				t.Fatalf("status = %s, want %s", status, models.PlanCompletedWithFailures)
			}
			if st := nodeState(t, g, d.ID); st != models.StateFailed {
				t.Errorf("node state = %s, want FAILED", st)
			}
			if g.Size() != 1 {
				t.Errorf("graph size = %d, want 1: malformed batch must not insert children", g.Size())
			}
		})
	}
}

func TestExpandEmptyBatchCompletes(t *testing.T) {
	g := graph.New("plan-d3", zerolog.Nop())
	d := decompositionNode("d")
	mustAdd(t, g, d, true)

	s, _, _ := testScheduler(t, g, func(p invoker.Payload) *invoker.Result {
		return completed("nothing to do: []")
	}, quickConfig())

	status, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if status != models.PlanCompletedSuccessfully {
		t.Fatalf("status = %s, want %s", status, models.PlanCompletedSuccessfully)
	}
	if st := nodeState(t, g, d.ID); st != models.StateCompleted {
		t.Errorf("node state = %s, want COMPLETED", st)
	}
}

func TestExpandLaterBatchDependsOnEarlierBatch(t *testing.T) {
	g := graph.New("plan-d4", zerolog.Nop())
	d1 := decompositionNode("d1")
	d2 := decompositionNode("d2")
	d2.Dependencies = []string{d1.ID}
	mustAdd(t, g, d1, true)
	mustAdd(t, g, d2, false)

	s, _, _ := testScheduler(t, g, func(p invoker.Payload) *invoker.Result {
		switch p.Objective {
		case "objective-d1":
			return completed(`[{"id": "base", "capability": "general", "objective": "groundwork"}]`)
		case "objective-d2":
			return completed(`[{"id": "tower", "capability": "general", "objective": "build on it", "depends_on": ["base"]}]`)
		default:
			return completed("done")
		}
	}, quickConfig())

	status, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if status != models.PlanCompletedSuccessfully {
		t.Fatalf("status = %s, want %s", status, models.PlanCompletedSuccessfully)
	}

	base := nodeByLocalID(t, g, "base")
	tower := nodeByLocalID(t, g, "tower")
	found := false
	for _, dep := range tower.Dependencies {
		if dep == base.ID {
			found = true
		}
	}
	if !found {
		t.Error("cross-batch local id did not resolve to the earlier node")
	}
}

func TestParseChildSpecsIgnoresSurroundingProse(t *testing.T) {
	content := "Sure! Here is the breakdown:\n```json\n" +
		`[{"id": "t1", "capability": "general", "objective": "x"}]` + "\n```\nGood luck."
	specs, err := parseChildSpecs(content)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(specs) != 1 || specs[0].LocalID != "t1" {
		t.Fatalf("specs = %+v", specs)
	}
}

func TestParseChildSpecsNoArray(t *testing.T) {
	if _, err := parseChildSpecs("just words"); err == nil {
		t.Fatal("expected error for prose without an array")
	}
	if _, err := parseChildSpecs("]["); err == nil || !strings.Contains(err.Error(), "no JSON array") {
		t.Fatalf("unexpected error: %v", err)
	}
}
