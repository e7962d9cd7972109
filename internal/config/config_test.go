package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if cfg.Scheduler.MaxCycles != 25 {
		t.Errorf("max cycles = %d, want 25", cfg.Scheduler.MaxCycles)
	}
	if cfg.Scheduler.Policy != "none" {
		t.Errorf("policy = %q, want none", cfg.Scheduler.Policy)
	}
	if cfg.Pipeline.MaxRevisions != 3 {
		t.Errorf("max revisions = %d, want 3", cfg.Pipeline.MaxRevisions)
	}
}

func TestLoadFromPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
registry:
  base_url: http://registry.internal:9000
scheduler:
  max_cycles: 50
  cycle_interval: 500ms
  policy: bulk_retry
pipeline:
  max_revisions: 5
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Registry.BaseURL != "http://registry.internal:9000" {
		t.Errorf("registry url = %q", cfg.Registry.BaseURL)
	}
	if cfg.Scheduler.MaxCycles != 50 {
		t.Errorf("max cycles = %d, want 50", cfg.Scheduler.MaxCycles)
	}
	if cfg.Scheduler.CycleInterval != 500*time.Millisecond {
		t.Errorf("cycle interval = %s", cfg.Scheduler.CycleInterval)
	}
	if cfg.Scheduler.Policy != "bulk_retry" {
		t.Errorf("policy = %q", cfg.Scheduler.Policy)
	}
	if cfg.Pipeline.MaxRevisions != 5 {
		t.Errorf("max revisions = %d, want 5", cfg.Pipeline.MaxRevisions)
	}
	// Untouched sections keep their defaults.
	if cfg.Artifacts.BaseURL != "http://localhost:8301" {
		t.Errorf("artifacts url = %q, want default", cfg.Artifacts.BaseURL)
	}
}

func TestLoadFromPathMissingFile(t *testing.T) {
	if _, err := LoadFromPath(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("registry:\n  base_url: http://from-file\n"), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	t.Setenv("CAPSTAN_REGISTRY_URL", "http://from-env")
	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Registry.BaseURL != "http://from-env" {
		t.Errorf("registry url = %q, want env override", cfg.Registry.BaseURL)
	}
}
