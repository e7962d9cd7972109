package store

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/capstan-dev/capstan/pkg/models"
)

func testStore(t *testing.T) *GraphStore {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "capstan.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewGraphStore(db)
}

func testDoc(planID string) *models.GraphDocument {
	return &models.GraphDocument{
		PlanID:        planID,
		RootIDs:       []string{"a"},
		OverallStatus: models.PlanPending,
		Nodes: map[string]*models.Node{
			"a": {ID: "a", Kind: models.KindExecutable, State: models.StatePending, Capability: "general"},
		},
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	s := testStore(t)
	doc := testDoc("plan-1")

	v, err := s.Save(doc)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if v != 1 {
		t.Errorf("first save version = %d, want 1", v)
	}

	loaded, err := s.Load("plan-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Version != 1 {
		t.Errorf("loaded version = %d, want 1", loaded.Version)
	}
	if len(loaded.Nodes) != 1 || loaded.Nodes["a"] == nil {
		t.Fatalf("nodes not preserved: %+v", loaded.Nodes)
	}
	if loaded.Nodes["a"].Capability != "general" {
		t.Errorf("capability = %q", loaded.Nodes["a"].Capability)
	}
}

func TestSaveRejectsStaleVersion(t *testing.T) {
	s := testStore(t)
	doc := testDoc("plan-1")

	if _, err := s.Save(doc); err != nil {
		t.Fatalf("initial save: %v", err)
	}

	// Writer A and writer B both load version 1.
	a, err := s.Load("plan-1")
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.Load("plan-1")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.Save(a); err != nil {
		t.Fatalf("writer A save: %v", err)
	}
	if _, err := s.Save(b); !errors.Is(err, ErrStaleVersion) {
		t.Fatalf("expected ErrStaleVersion for writer B, got %v", err)
	}

	// Reload-and-reapply succeeds.
	fresh, err := s.Load("plan-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Save(fresh); err != nil {
		t.Errorf("save after reload: %v", err)
	}
}

func TestSaveNewPlanWithNonzeroVersionRejected(t *testing.T) {
	s := testStore(t)
	doc := testDoc("plan-ghost")
	doc.Version = 7

	if _, err := s.Save(doc); !errors.Is(err, ErrStaleVersion) {
		t.Errorf("expected ErrStaleVersion, got %v", err)
	}
}

func TestLoadMissingPlan(t *testing.T) {
	s := testStore(t)
	if _, err := s.Load("nope"); !errors.Is(err, ErrPlanNotFound) {
		t.Errorf("expected ErrPlanNotFound, got %v", err)
	}
}

func TestListOrdersAndDeletes(t *testing.T) {
	s := testStore(t)
	if _, err := s.Save(testDoc("plan-1")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Save(testDoc("plan-2")); err != nil {
		t.Fatal(err)
	}

	plans, err := s.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(plans) != 2 {
		t.Fatalf("expected 2 plans, got %d", len(plans))
	}
	for _, p := range plans {
		if p.Status != models.PlanPending {
			t.Errorf("plan %s status = %s", p.PlanID, p.Status)
		}
	}

	if err := s.Delete("plan-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Load("plan-1"); !errors.Is(err, ErrPlanNotFound) {
		t.Errorf("expected ErrPlanNotFound after delete, got %v", err)
	}
}
