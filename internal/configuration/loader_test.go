package configuration

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/pitabwire/caseflow/model"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestLoader_LoadFile_multiDocument(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "site.yaml", `
scope:
  site: PLANT-A
escalation_threshold_hours:
  MRB_REVIEW: 24
---
scope:
  site: PLANT-A
  severity: CRITICAL
gated_edges:
  "PENDING_DISPOSITION->MRB":
    request_type: MRB_REVIEW
    approver_role: QualityManager
    value_field: mrb_value
    min_value: 0
`)

	layers, err := NewLoader().LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if len(layers) != 2 {
		t.Fatalf("LoadFile() = %d layers, want 2", len(layers))
	}
	if layers[0].Scope.Key() != "site:PLANT-A" {
		t.Errorf("layers[0].Scope = %s, want site:PLANT-A", layers[0].Scope.Key())
	}
	if layers[0].GatedEdges != nil {
		t.Error("undefined gated_edges should stay nil so it is inherited")
	}
	gate, ok := layers[1].GatedEdges["PENDING_DISPOSITION->MRB"]
	if !ok {
		t.Fatal("gated edge not parsed")
	}
	if gate.MinValue == nil || *gate.MinValue != 0 {
		t.Errorf("MinValue = %v, want 0", gate.MinValue)
	}
}

func TestLoader_LoadFile_invalidYAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "bad.yaml", "scope: [unterminated\n")
	if _, err := NewLoader().LoadFile(path); err == nil {
		t.Fatal("LoadFile() with invalid YAML should return error")
	}
}

func TestLoader_LoadFile_notFound(t *testing.T) {
	if _, err := NewLoader().LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("LoadFile() with missing file should return error")
	}
}

func TestLoader_LoadAll_duplicateScope(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "scope:\n  site: S\n")
	writeFile(t, dir, "b.yml", "scope:\n  site: S\n")

	if _, err := NewLoader().LoadAll([]string{dir}); err == nil {
		t.Fatal("LoadAll() with duplicate scopes should return error")
	}
}

func TestLoader_LoadAll_skipsOtherFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "site.yaml", "scope:\n  site: S\n")
	writeFile(t, dir, "README.md", "# not a layer\n")

	layers, err := NewLoader().LoadAll([]string{dir})
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if len(layers) != 1 {
		t.Errorf("LoadAll() = %d layers, want 1", len(layers))
	}
}

func TestLoader_LoadAll_shippedConfigs(t *testing.T) {
	layers, err := NewLoader().LoadAll([]string{"../../configs/workflows"})
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if len(layers) != 3 {
		t.Fatalf("LoadAll() = %d layers, want 3", len(layers))
	}

	ctx := context.Background()
	r := NewResolver(NewMemoryStore())
	if _, err := r.Seed(ctx, layers, false); err != nil {
		t.Fatalf("Seed() error = %v", err)
	}

	global, _ := r.Resolve(ctx, model.GlobalScope)
	ref := effectiveDefault(t)
	for from, targets := range ref.TransitionMap {
		for _, to := range targets {
			if !global.CanTransition(from, to) {
				t.Errorf("global.yaml is missing edge %s", model.EdgeKey(from, to))
			}
		}
	}
	if len(global.GatedEdges) != len(ref.GatedEdges) {
		t.Errorf("global.yaml gated edges = %d, want %d", len(global.GatedEdges), len(ref.GatedEdges))
	}

	critical, err := r.Resolve(ctx, model.Scope{Site: "PLANT-A", Severity: "CRITICAL"})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	gate, ok := critical.Gate(StatePendingDisposition, StateMRB)
	if !ok {
		t.Fatal("critical PLANT-A scope should gate PENDING_DISPOSITION->MRB")
	}
	if !gate.Applies(model.Case{}) {
		t.Error("critical gate should apply regardless of mrb_value")
	}
	if got := critical.ThresholdHours(RequestTypeMRBReview); got != 4 {
		t.Errorf("ThresholdHours = %d, want 4", got)
	}
}
