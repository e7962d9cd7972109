package editapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"github.com/capstan-dev/capstan/internal/graph"
	"github.com/capstan-dev/capstan/pkg/models"
)

func liveServer(t *testing.T) (*Server, *graph.Graph) {
	t.Helper()
	g := graph.New("plan-1", zerolog.Nop())
	s := New(DefaultConfig(), g, nil, zerolog.Nop())
	return s, g
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func addTask(t *testing.T, s *Server, body map[string]any) string {
	t.Helper()
	w := do(t, s, http.MethodPost, "/execution_graph/plan-1/add_task", body)
	if w.Code != http.StatusCreated {
		t.Fatalf("add task: status %d, body %s", w.Code, w.Body.String())
	}
	var resp struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return resp.ID
}

func TestAddAndGetGraph(t *testing.T) {
	s, g := liveServer(t)

	id := addTask(t, s, map[string]any{
		"capability": "general", "objective": "do the thing", "name": "first", "root": true,
	})
	if g.Size() != 1 {
		t.Fatalf("graph size = %d, want 1", g.Size())
	}

	w := do(t, s, http.MethodGet, "/execution_graph/plan-1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get graph: status %d", w.Code)
	}
	var view graphView
	if err := json.Unmarshal(w.Body.Bytes(), &view); err != nil {
		t.Fatalf("decoding view: %v", err)
	}
	if len(view.Nodes) != 1 || view.Nodes[0].ID != id {
		t.Errorf("view nodes = %+v", view.Nodes)
	}
	if len(view.RootIDs) != 1 || view.RootIDs[0] != id {
		t.Errorf("view roots = %v", view.RootIDs)
	}
}

func TestAddTaskValidation(t *testing.T) {
	s, _ := liveServer(t)

	// Missing objective.
	w := do(t, s, http.MethodPost, "/execution_graph/plan-1/add_task", map[string]any{
		"capability": "general",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing objective: status %d, want 400", w.Code)
	}

	// Unknown dependency.
	w = do(t, s, http.MethodPost, "/execution_graph/plan-1/add_task", map[string]any{
		"capability": "general", "objective": "x", "depends_on": []string{"ghost"},
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown dependency: status %d, want 404", w.Code)
	}
}

func TestUnknownPlan(t *testing.T) {
	s, _ := liveServer(t)
	w := do(t, s, http.MethodGet, "/execution_graph/other-plan", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status %d, want 404", w.Code)
	}
}

func TestLinkRejectsCycle(t *testing.T) {
	s, _ := liveServer(t)
	a := addTask(t, s, map[string]any{"capability": "general", "objective": "a", "root": true})
	b := addTask(t, s, map[string]any{"capability": "general", "objective": "b", "depends_on": []string{a}})

	w := do(t, s, http.MethodPost, "/execution_graph/plan-1/link_tasks", map[string]any{"from": b, "to": a})
	if w.Code != http.StatusConflict {
		t.Fatalf("cycle link: status %d, want 409", w.Code)
	}

	w = do(t, s, http.MethodGet, "/execution_graph/plan-1/validate", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("validate: status %d", w.Code)
	}
	var resp struct {
		Valid bool `json:"valid"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if !resp.Valid {
		t.Error("graph reported invalid after rejected link")
	}
}

func TestEditCompletedTaskRejected(t *testing.T) {
	s, g := liveServer(t)
	id := addTask(t, s, map[string]any{"capability": "general", "objective": "a", "root": true})

	for _, next := range []models.NodeState{
		models.StateReady, models.StateAssigned, models.StateWorking, models.StateCompleted,
	} {
		if err := g.UpdateState(id, next, "test"); err != nil {
			t.Fatalf("transition to %s: %v", next, err)
		}
	}

	w := do(t, s, http.MethodPatch, "/execution_graph/plan-1/edit_task/"+id, map[string]any{
		"objective": "rewritten",
	})
	if w.Code != http.StatusConflict {
		t.Errorf("edit completed: status %d, want 409", w.Code)
	}
	w = do(t, s, http.MethodPost, "/execution_graph/plan-1/delete_task/"+id, nil)
	if w.Code != http.StatusConflict {
		t.Errorf("delete completed: status %d, want 409", w.Code)
	}
}

func TestDeleteTask(t *testing.T) {
	s, g := liveServer(t)
	id := addTask(t, s, map[string]any{"capability": "general", "objective": "a", "root": true})

	w := do(t, s, http.MethodPost, "/execution_graph/plan-1/delete_task/"+id, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete: status %d", w.Code)
	}
	if g.Size() != 0 {
		t.Errorf("graph size = %d after delete", g.Size())
	}
}

func TestEditModeToggle(t *testing.T) {
	s, g := liveServer(t)

	w := do(t, s, http.MethodPost, "/execution_graph/plan-1/toggle_edit_mode", map[string]any{"owner": "operator-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("toggle: status %d", w.Code)
	}
	if !g.EditMode().Enabled || g.EditMode().Owner != "operator-1" {
		t.Errorf("edit mode = %+v", g.EditMode())
	}

	w = do(t, s, http.MethodGet, "/execution_graph/plan-1/edit_mode", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get edit mode: status %d", w.Code)
	}

	do(t, s, http.MethodPost, "/execution_graph/plan-1/toggle_edit_mode", map[string]any{"owner": "operator-1"})
	if g.EditMode().Enabled {
		t.Error("second toggle did not disable edit mode")
	}
}
