package configuration

import (
	"context"
	"testing"

	"github.com/pitabwire/caseflow/model"
)

func effectiveDefault(t *testing.T) model.EffectiveConfiguration {
	t.Helper()
	layers := map[string]model.WorkflowConfiguration{model.GlobalScope.Key(): ReferenceDefault()}
	eff, ok := merge(layers, model.GlobalScope)
	if !ok {
		t.Fatal("merge() of the reference default failed")
	}
	return eff
}

func hasFieldError(errs []model.FieldError, field, code string) bool {
	for _, e := range errs {
		if e.Field == field && e.Code == code {
			return true
		}
	}
	return false
}

func TestValidator_ValidateEffective_referenceDefault(t *testing.T) {
	v := NewValidator()
	if errs := v.ValidateEffective(effectiveDefault(t)); len(errs) != 0 {
		t.Errorf("reference default should be valid, got %v", errs)
	}
}

func TestValidator_ValidateEffective(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name   string
		mutate func(e *model.EffectiveConfiguration)
		field  string
		code   string
	}{
		{
			name:   "initial state not enabled",
			mutate: func(e *model.EffectiveConfiguration) { e.InitialState = "GHOST" },
			field:  model.FieldInitialState,
			code:   CodeUnknownState,
		},
		{
			name:   "missing initial state",
			mutate: func(e *model.EffectiveConfiguration) { e.InitialState = "" },
			field:  model.FieldInitialState,
			code:   CodeRequired,
		},
		{
			name: "transition source not enabled",
			mutate: func(e *model.EffectiveConfiguration) {
				e.TransitionMap["GHOST"] = []string{StateClosed}
			},
			field: model.FieldTransitionMap + ".GHOST",
			code:  CodeUnknownState,
		},
		{
			name: "transition target not enabled",
			mutate: func(e *model.EffectiveConfiguration) {
				e.TransitionMap[StateDraft] = []string{"GHOST"}
			},
			field: model.FieldTransitionMap + "." + StateDraft,
			code:  CodeUnknownState,
		},
		{
			name: "duplicate enabled state",
			mutate: func(e *model.EffectiveConfiguration) {
				e.EnabledStates = append(e.EnabledStates, StateDraft)
			},
			field: model.FieldEnabledStates,
			code:  CodeDuplicate,
		},
		{
			name: "malformed required fields key",
			mutate: func(e *model.EffectiveConfiguration) {
				e.RequiredFields["DRAFT"] = []string{"title"}
			},
			field: model.FieldRequiredFields + ".DRAFT",
			code:  CodeMalformed,
		},
		{
			name: "gate on an edge outside the transition map",
			mutate: func(e *model.EffectiveConfiguration) {
				e.GatedEdges[model.EdgeKey(StateDraft, StateClosed)] = model.GatedEdge{
					RequestType: "X", ApproverRole: "Y",
				}
			},
			field: model.FieldGatedEdges + "." + model.EdgeKey(StateDraft, StateClosed),
			code:  CodeUnknownEdge,
		},
		{
			name: "gate without approver role",
			mutate: func(e *model.EffectiveConfiguration) {
				e.GatedEdges[model.EdgeKey(StateDraft, StateSubmitted)] = model.GatedEdge{RequestType: "X"}
			},
			field: model.FieldGatedEdges + "." + model.EdgeKey(StateDraft, StateSubmitted) + ".approver_role",
			code:  CodeRequired,
		},
		{
			name: "min value without value field",
			mutate: func(e *model.EffectiveConfiguration) {
				zero := 0.0
				e.GatedEdges[model.EdgeKey(StateDraft, StateSubmitted)] = model.GatedEdge{
					RequestType: "X", ApproverRole: "Y", MinValue: &zero,
				}
			},
			field: model.FieldGatedEdges + "." + model.EdgeKey(StateDraft, StateSubmitted) + ".value_field",
			code:  CodeRequired,
		},
		{
			name: "commit target not enabled",
			mutate: func(e *model.EffectiveConfiguration) {
				e.GatedEdges[model.EdgeKey(StateDraft, StateSubmitted)] = model.GatedEdge{
					RequestType: "X", ApproverRole: "Y", CommitTo: "GHOST",
				}
			},
			field: model.FieldGatedEdges + "." + model.EdgeKey(StateDraft, StateSubmitted) + ".commit_to",
			code:  CodeUnknownState,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eff := effectiveDefault(t)
			tt.mutate(&eff)
			errs := v.ValidateEffective(eff)
			if !hasFieldError(errs, tt.field, tt.code) {
				t.Errorf("ValidateEffective() = %v, want %s on %s", errs, tt.code, tt.field)
			}
		})
	}
}

func TestValidator_ValidateLayer(t *testing.T) {
	v := NewValidator()

	errs := v.ValidateLayer(model.WorkflowConfiguration{Scope: model.GlobalScope})
	for _, f := range []string{model.FieldEnabledStates, model.FieldInitialState, model.FieldTransitionMap} {
		if !hasFieldError(errs, f, CodeRequired) {
			t.Errorf("global layer without %s should be rejected", f)
		}
	}

	errs = v.ValidateLayer(model.WorkflowConfiguration{Scope: model.Scope{Site: "S"}})
	if len(errs) != 0 {
		t.Errorf("empty site layer should be valid, got %v", errs)
	}

	errs = v.ValidateLayer(model.WorkflowConfiguration{
		Scope:                    model.Scope{Site: "S"},
		EscalationThresholdHours: map[string]int{"MRB_REVIEW": -1},
	})
	if !hasFieldError(errs, model.FieldEscalationThresholdHours+".MRB_REVIEW", CodeMalformed) {
		t.Errorf("negative threshold should be rejected, got %v", errs)
	}
}

func TestMemoryStore_Put_versioning(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	first, err := s.Put(ctx, ReferenceDefault())
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if first.Version != 1 {
		t.Errorf("Version = %d, want 1", first.Version)
	}

	second, err := s.Put(ctx, first)
	if err != nil {
		t.Fatalf("Put(v1) error = %v", err)
	}
	if second.Version != 2 {
		t.Errorf("Version = %d, want 2", second.Version)
	}

	if _, err := s.Put(ctx, first); !model.HasCode(err, model.ErrConcurrentModification) {
		t.Errorf("Put(stale) error = %v, want CONCURRENT_MODIFICATION", err)
	}

	if _, err := s.Get(ctx, model.Scope{Site: "NOPE"}); !model.HasCode(err, model.ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want NOT_FOUND", err)
	}
}

func TestMemoryStore_List_order(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for _, scope := range []model.Scope{
		{Site: "B", Severity: "LOW"},
		{Site: "A"},
		model.GlobalScope,
		{Site: "B"},
	} {
		if _, err := s.Put(ctx, model.WorkflowConfiguration{Scope: scope}); err != nil {
			t.Fatalf("Put(%s) error = %v", scope.Key(), err)
		}
	}

	layers, _ := s.List(ctx)
	want := []string{"global", "site:A", "site:B", "site:B/severity:LOW"}
	if len(layers) != len(want) {
		t.Fatalf("List() = %d layers, want %d", len(layers), len(want))
	}
	for i, key := range want {
		if got := layers[i].Scope.Key(); got != key {
			t.Errorf("layers[%d] = %s, want %s", i, got, key)
		}
	}
}
