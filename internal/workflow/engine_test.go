package workflow

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/caseflow/internal/approval"
	"github.com/pitabwire/caseflow/internal/audit"
	"github.com/pitabwire/caseflow/internal/configuration"
	"github.com/pitabwire/caseflow/model"
)

// --- Test helpers ---

type harness struct {
	engine    *Engine
	approvals *approval.Engine
	store     CaseStore
	trail     *audit.MemoryTrail
	resolver  *configuration.Resolver
	now       time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithStore(t, NewMemoryCaseStore())
}

func newHarnessWithStore(t *testing.T, store CaseStore) *harness {
	t.Helper()
	ctx := context.Background()
	h := &harness{
		store:    store,
		trail:    audit.NewMemoryTrail(),
		resolver: configuration.NewResolver(configuration.NewMemoryStore()),
		now:      time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return h.now }

	_, err := h.resolver.Seed(ctx, []model.WorkflowConfiguration{
		configuration.ReferenceDefault(),
		{
			Scope: model.Scope{Site: "PLANT-A"},
			EscalationThresholdHours: map[string]int{
				configuration.RequestTypeMRBReview:       24,
				configuration.RequestTypeClosureApproval: 48,
			},
		},
		plantACritical(),
	}, false)
	require.NoError(t, err)

	h.approvals = approval.NewEngine(approval.NewMemoryStore(), h.trail, approval.WithClock(clock))
	h.engine = NewEngine(h.resolver, store, h.trail, h.approvals, WithClock(clock))
	h.approvals.SetWorkflow(h.engine)
	return h
}

// plantACritical gates every MRB disposition regardless of value.
func plantACritical() model.WorkflowConfiguration {
	zero := 0.0
	return model.WorkflowConfiguration{
		Scope: model.Scope{Site: "PLANT-A", Severity: "CRITICAL"},
		GatedEdges: map[string]model.GatedEdge{
			model.EdgeKey(configuration.StatePendingDisposition, configuration.StateMRB): {
				RequestType:  configuration.RequestTypeMRBReview,
				ApproverRole: configuration.RoleQualityManager,
				ValueField:   "mrb_value",
				MinValue:     &zero,
				CommitTo:     configuration.StateCorrectiveAction,
			},
			model.EdgeKey(configuration.StateVerification, configuration.StateClosed): {
				RequestType:  configuration.RequestTypeClosureApproval,
				ApproverRole: configuration.RoleQualityManager,
			},
		},
		EscalationThresholdHours: map[string]int{
			configuration.RequestTypeMRBReview:       4,
			configuration.RequestTypeClosureApproval: 24,
		},
	}
}

func (h *harness) open(t *testing.T, scope model.Scope, fields map[string]any) model.Case {
	t.Helper()
	c, err := h.engine.Open(context.Background(), model.Case{Scope: scope, Fields: fields}, "eng-1")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return c
}

// walk applies a sequence of auto transitions.
func (h *harness) walk(t *testing.T, caseID string, states ...string) model.Case {
	t.Helper()
	var out model.TransitionOutcome
	for _, s := range states {
		var err error
		out, err = h.engine.AttemptTransition(context.Background(), caseID, s, "eng-1", "")
		if err != nil {
			t.Fatalf("AttemptTransition(%s) error = %v", s, err)
		}
		if out.Status != model.OutcomeApplied {
			t.Fatalf("AttemptTransition(%s) status = %s, want applied", s, out.Status)
		}
	}
	return out.Case
}

func investigatedFields() map[string]any {
	return map[string]any{
		"title":                 "Porosity in casting",
		"part_number":           "PN-4471",
		"assigned_investigator": "inv-7",
		"root_cause":            "mould temperature",
	}
}

func toPendingDisposition(t *testing.T, h *harness, scope model.Scope, fields map[string]any) model.Case {
	t.Helper()
	c := h.open(t, scope, fields)
	return h.walk(t, c.ID,
		configuration.StateSubmitted,
		configuration.StateUnderInvestigation,
		configuration.StatePendingDisposition,
	)
}

// closedCase walks a case all the way to CLOSED, approving the closure gate.
func closedCase(t *testing.T, h *harness) model.Case {
	t.Helper()
	ctx := context.Background()
	fields := investigatedFields()
	fields["corrective_action_plan"] = "replace heater"
	c := toPendingDisposition(t, h, model.GlobalScope, fields)
	h.walk(t, c.ID, configuration.StateCorrectiveAction, configuration.StateVerification)

	out, err := h.engine.AttemptTransition(ctx, c.ID, configuration.StateClosed, "eng-1", "")
	if err != nil || out.Status != model.OutcomePendingApproval {
		t.Fatalf("AttemptTransition(CLOSED) = %s, %v, want pending approval", out.Status, err)
	}
	approved, err := h.approvals.Approve(ctx, out.RequestID, "qm-1", "")
	if err != nil {
		t.Fatalf("Approve(closure) error = %v", err)
	}
	return *approved.Case
}

// flakyStore fails the first n updates with a version conflict.
type flakyStore struct {
	*MemoryCaseStore
	mu        sync.Mutex
	conflicts int
}

func (s *flakyStore) Update(ctx context.Context, c model.Case) (model.Case, error) {
	s.mu.Lock()
	if s.conflicts > 0 {
		s.conflicts--
		s.mu.Unlock()
		return model.Case{}, model.NewConcurrentModificationError("case", c.ID, c.Version)
	}
	s.mu.Unlock()
	return s.MemoryCaseStore.Update(ctx, c)
}

func (s *flakyStore) failNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflicts = n
}

// --- Open ---

func TestEngine_Open(t *testing.T) {
	h := newHarness(t)

	c := h.open(t, model.Scope{Site: "PLANT-B"}, map[string]any{"title": "x"})

	if c.ID == "" {
		t.Error("ID should be generated")
	}
	if c.CurrentState != configuration.StateDraft {
		t.Errorf("CurrentState = %q, want DRAFT", c.CurrentState)
	}
	if c.Version != 1 {
		t.Errorf("Version = %d, want 1", c.Version)
	}
	history, _ := h.engine.History(context.Background(), c.ID)
	if len(history) != 1 || history[0].Event != model.EventCaseOpened {
		t.Errorf("History() = %v, want single case_opened entry", history)
	}
}

func TestEngine_Open_withoutConfiguration(t *testing.T) {
	resolver := configuration.NewResolver(configuration.NewMemoryStore())
	e := NewEngine(resolver, NewMemoryCaseStore(), audit.NewMemoryTrail(), nil)

	_, err := e.Open(context.Background(), model.Case{}, "eng-1")
	if !model.HasCode(err, model.ErrConfigurationNotFound) {
		t.Errorf("Open() error = %v, want CONFIGURATION_NOT_FOUND", err)
	}
}

// --- AttemptTransition: legality ---

func TestEngine_AttemptTransition_invalidEdge(t *testing.T) {
	h := newHarness(t)
	c := h.open(t, model.GlobalScope, investigatedFields())

	_, err := h.engine.AttemptTransition(context.Background(), c.ID, configuration.StateClosed, "eng-1", "")

	env, ok := err.(*model.ErrorEnvelope)
	if !ok {
		t.Fatalf("AttemptTransition() error = %v, want *model.ErrorEnvelope", err)
	}
	if env.Code != model.ErrInvalidTransition {
		t.Errorf("Code = %q, want %q", env.Code, model.ErrInvalidTransition)
	}
	if env.Context["current_state"] != configuration.StateDraft {
		t.Errorf("current_state = %v, want DRAFT", env.Context["current_state"])
	}
	if env.Context["attempted_state"] != configuration.StateClosed {
		t.Errorf("attempted_state = %v, want CLOSED", env.Context["attempted_state"])
	}
	allowed, _ := env.Context["allowed_states"].([]string)
	if !slices.Contains(allowed, configuration.StateSubmitted) || !slices.Contains(allowed, configuration.StateCancelled) || len(allowed) != 2 {
		t.Errorf("allowed_states = %v, want [SUBMITTED CANCELLED]", env.Context["allowed_states"])
	}

	stored, _ := h.engine.Get(context.Background(), c.ID)
	if stored.CurrentState != configuration.StateDraft || stored.Version != 1 {
		t.Errorf("stored = %s v%d, want DRAFT v1", stored.CurrentState, stored.Version)
	}
}

func TestEngine_AttemptTransition_missingRequiredFields(t *testing.T) {
	h := newHarness(t)
	c := h.open(t, model.GlobalScope, map[string]any{"title": ""})

	_, err := h.engine.AttemptTransition(context.Background(), c.ID, configuration.StateSubmitted, "eng-1", "")

	env, ok := err.(*model.ErrorEnvelope)
	if !ok {
		t.Fatalf("AttemptTransition() error = %v, want *model.ErrorEnvelope", err)
	}
	if env.Code != model.ErrMissingRequiredField {
		t.Errorf("Code = %q, want %q", env.Code, model.ErrMissingRequiredField)
	}
	fields := make([]string, 0, len(env.Details))
	for _, d := range env.Details {
		fields = append(fields, d.Field)
	}
	if !slices.Equal(fields, []string{"title", "part_number"}) {
		t.Errorf("missing fields = %v, want [title part_number]", fields)
	}
}

func TestEngine_AttemptTransition_terminalState(t *testing.T) {
	h := newHarness(t)
	c := h.open(t, model.GlobalScope, nil)
	h.walk(t, c.ID, configuration.StateCancelled)

	_, err := h.engine.AttemptTransition(context.Background(), c.ID, configuration.StateDraft, "eng-1", "")
	if !model.HasCode(err, model.ErrInvalidTransition) {
		t.Errorf("AttemptTransition(from terminal) error = %v, want INVALID_TRANSITION", err)
	}
}

func TestEngine_AttemptTransition_notFound(t *testing.T) {
	h := newHarness(t)

	_, err := h.engine.AttemptTransition(context.Background(), "missing", configuration.StateSubmitted, "eng-1", "")
	if !model.HasCode(err, model.ErrNotFound) {
		t.Errorf("AttemptTransition() error = %v, want NOT_FOUND", err)
	}
}

func TestEngine_AttemptTransition_autoEdge(t *testing.T) {
	h := newHarness(t)
	c := h.open(t, model.GlobalScope, investigatedFields())

	out, err := h.engine.AttemptTransition(context.Background(), c.ID, configuration.StateSubmitted, "eng-1", "ready")
	if err != nil {
		t.Fatalf("AttemptTransition() error = %v", err)
	}

	if out.Status != model.OutcomeApplied {
		t.Errorf("Status = %s, want applied", out.Status)
	}
	if out.Case.CurrentState != configuration.StateSubmitted {
		t.Errorf("CurrentState = %s, want SUBMITTED", out.Case.CurrentState)
	}
	if out.Case.Version != 2 {
		t.Errorf("Version = %d, want 2", out.Case.Version)
	}
	if out.RequestID != "" {
		t.Errorf("RequestID = %q, want empty", out.RequestID)
	}

	entries, _ := h.trail.QueryByCase(context.Background(), c.ID)
	last := entries[len(entries)-1]
	if last.Event != model.EventTransitionApplied || last.ApprovalRequired || last.Reason != "ready" {
		t.Errorf("last entry = %+v, want unapproved transition_applied with reason", last)
	}
}

func TestEngine_AttemptTransition_concurrentAttemptsOneApplies(t *testing.T) {
	h := newHarness(t)
	c := h.open(t, model.GlobalScope, investigatedFields())

	const n = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.AttemptTransition(context.Background(), c.ID, configuration.StateSubmitted, "eng-1", "")
			if err == nil {
				mu.Lock()
				applied++
				mu.Unlock()
				return
			}
			code := model.CodeOf(err)
			assert.Contains(t, []string{model.ErrConcurrentModification, model.ErrInvalidTransition}, code)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, applied)
	stored, _ := h.engine.Get(context.Background(), c.ID)
	assert.Equal(t, 2, stored.Version)
}

// --- AttemptTransition: gating ---

func TestEngine_AttemptTransition_gatedEdgeHoldsState(t *testing.T) {
	h := newHarness(t)
	fields := investigatedFields()
	fields["mrb_value"] = 25000
	c := toPendingDisposition(t, h, model.GlobalScope, fields)

	out, err := h.engine.AttemptTransition(context.Background(), c.ID, configuration.StateMRB, "eng-1", "high value")
	require.NoError(t, err)

	assert.Equal(t, model.OutcomePendingApproval, out.Status)
	assert.Equal(t, configuration.StatePendingDisposition, out.Case.CurrentState)
	require.NotEmpty(t, out.RequestID)

	stored, _ := h.engine.Get(context.Background(), c.ID)
	assert.Equal(t, c.Version, stored.Version, "version is untouched while pending")

	req, err := h.approvals.Get(context.Background(), out.RequestID)
	require.NoError(t, err)
	assert.Equal(t, configuration.RequestTypeMRBReview, req.RequestType)
	assert.Equal(t, configuration.RoleQualityManager, req.Approver)
	assert.Equal(t, configuration.StateCorrectiveAction, req.ToState)
	assert.Equal(t, h.now.Add(48*time.Hour), req.DueAt)

	entries, _ := h.trail.QueryByCase(context.Background(), c.ID)
	var pending []model.AuditEntry
	for _, e := range entries {
		if e.Event == model.EventTransitionRequested {
			pending = append(pending, e)
		}
	}
	require.Len(t, pending, 1)
	assert.True(t, pending[0].ApprovalRequired)
	assert.Equal(t, out.RequestID, pending[0].RequestID)

	again, err := h.engine.AttemptTransition(context.Background(), c.ID, configuration.StateMRB, "eng-2", "")
	require.NoError(t, err)
	assert.Equal(t, out.RequestID, again.RequestID, "repeat attempts join the open request")
}

func TestEngine_AttemptTransition_gateConditionNotMet(t *testing.T) {
	h := newHarness(t)
	fields := investigatedFields()
	fields["mrb_value"] = 500
	c := toPendingDisposition(t, h, model.GlobalScope, fields)

	out, err := h.engine.AttemptTransition(context.Background(), c.ID, configuration.StateMRB, "eng-1", "")
	if err != nil {
		t.Fatalf("AttemptTransition() error = %v", err)
	}
	if out.Status != model.OutcomeApplied || out.Case.CurrentState != configuration.StateMRB {
		t.Errorf("outcome = %s %s, want applied MRB", out.Status, out.Case.CurrentState)
	}
}

func TestEngine_AttemptTransition_cancelExpiresOpenRequests(t *testing.T) {
	h := newHarness(t)
	fields := investigatedFields()
	fields["mrb_value"] = 25000
	c := toPendingDisposition(t, h, model.GlobalScope, fields)
	out, _ := h.engine.AttemptTransition(context.Background(), c.ID, configuration.StateMRB, "eng-1", "")

	h.walk(t, c.ID, configuration.StateCancelled)

	if req, _ := h.approvals.Get(context.Background(), out.RequestID); req.Status != model.ApprovalExpired {
		t.Errorf("request status = %s, want EXPIRED", req.Status)
	}
	if _, err := h.approvals.Approve(context.Background(), out.RequestID, "qm-1", ""); !model.HasCode(err, model.ErrApprovalAlreadyResolved) {
		t.Errorf("Approve(expired) error = %v, want APPROVAL_ALREADY_RESOLVED", err)
	}
}

func TestEngine_AttemptTransition_leavingSourceStateExpiresRequest(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	fields := investigatedFields()
	fields["mrb_value"] = 25000
	c := toPendingDisposition(t, h, model.GlobalScope, fields)
	out, err := h.engine.AttemptTransition(ctx, c.ID, configuration.StateMRB, "eng-1", "")
	if err != nil || out.Status != model.OutcomePendingApproval {
		t.Fatalf("AttemptTransition(MRB) = %s, %v, want pending approval", out.Status, err)
	}

	h.walk(t, c.ID, configuration.StateCTP)

	req, _ := h.approvals.Get(ctx, out.RequestID)
	if req.Status != model.ApprovalExpired {
		t.Errorf("request status = %s, want EXPIRED", req.Status)
	}
	if _, err := h.approvals.Approve(ctx, out.RequestID, "qm-1", ""); !model.HasCode(err, model.ErrApprovalAlreadyResolved) {
		t.Errorf("Approve(left behind) error = %v, want APPROVAL_ALREADY_RESOLVED", err)
	}
	if stored, _ := h.engine.Get(ctx, c.ID); stored.CurrentState != configuration.StateCTP {
		t.Errorf("CurrentState = %s, want CTP", stored.CurrentState)
	}
}

// --- ApplyGatedTransition ---

func TestEngine_ApplyGatedTransition_stateMismatch(t *testing.T) {
	h := newHarness(t)
	c := h.open(t, model.GlobalScope, nil)

	_, err := h.engine.ApplyGatedTransition(context.Background(), c.ID,
		configuration.StatePendingDisposition, configuration.StateCorrectiveAction, "r1", "qm-1")
	if !model.HasCode(err, model.ErrInvalidTransition) {
		t.Errorf("ApplyGatedTransition() error = %v, want INVALID_TRANSITION", err)
	}
}

func TestEngine_ApplyGatedTransition_idempotent(t *testing.T) {
	h := newHarness(t)
	c := h.open(t, model.GlobalScope, nil)

	first, err := h.engine.ApplyGatedTransition(context.Background(), c.ID,
		configuration.StateDraft, configuration.StateSubmitted, "r1", "qm-1")
	if err != nil {
		t.Fatalf("first ApplyGatedTransition() error = %v", err)
	}
	second, err := h.engine.ApplyGatedTransition(context.Background(), c.ID,
		configuration.StateDraft, configuration.StateSubmitted, "r1", "qm-1")
	if err != nil {
		t.Fatalf("second ApplyGatedTransition() error = %v", err)
	}

	if first.Version != second.Version {
		t.Errorf("Version changed on retry: %d -> %d", first.Version, second.Version)
	}
	entries, _ := h.trail.QueryByRequest(context.Background(), "r1")
	if len(entries) != 1 || entries[0].Event != model.EventGatedTransition {
		t.Errorf("entries = %+v, want one %s", entries, model.EventGatedTransition)
	}
}

func TestEngine_ApplyGatedTransition_retriesVersionConflicts(t *testing.T) {
	store := &flakyStore{MemoryCaseStore: NewMemoryCaseStore()}
	h := newHarnessWithStore(t, store)
	c := h.open(t, model.GlobalScope, nil)

	store.failNext(2)
	updated, err := h.engine.ApplyGatedTransition(context.Background(), c.ID,
		configuration.StateDraft, configuration.StateSubmitted, "r1", "qm-1")
	if err != nil {
		t.Fatalf("ApplyGatedTransition() error = %v", err)
	}
	if updated.CurrentState != configuration.StateSubmitted {
		t.Errorf("CurrentState = %s, want SUBMITTED", updated.CurrentState)
	}

	store.failNext(defaultApplyAttempts)
	_, err = h.engine.ApplyGatedTransition(context.Background(), c.ID,
		configuration.StateSubmitted, configuration.StateUnderInvestigation, "r2", "qm-1")
	if !model.HasCode(err, model.ErrConcurrentModification) {
		t.Errorf("ApplyGatedTransition() after %d conflicts error = %v, want CONCURRENT_MODIFICATION", defaultApplyAttempts, err)
	}
}

// --- Dispositions and fields ---

func TestEngine_SetDisposition(t *testing.T) {
	h := newHarness(t)
	c := h.open(t, model.GlobalScope, nil)

	if _, err := h.engine.SetDisposition(context.Background(), c.ID, "MELT_DOWN", "qm-1"); !model.HasCode(err, model.ErrInvalidDisposition) {
		t.Errorf("SetDisposition(MELT_DOWN) error = %v, want INVALID_DISPOSITION", err)
	}

	updated, err := h.engine.SetDisposition(context.Background(), c.ID, "REWORK", "qm-1")
	if err != nil {
		t.Fatalf("SetDisposition() error = %v", err)
	}
	if updated.Disposition == nil || *updated.Disposition != "REWORK" {
		t.Errorf("Disposition = %v, want REWORK", updated.Disposition)
	}
}

func TestEngine_UpdateFields(t *testing.T) {
	h := newHarness(t)
	c := h.open(t, model.GlobalScope, map[string]any{"title": "x", "obsolete": true})

	updated, err := h.engine.UpdateFields(context.Background(), c.ID,
		map[string]any{"part_number": "PN-1", "obsolete": nil}, c.Version)
	if err != nil {
		t.Fatalf("UpdateFields() error = %v", err)
	}
	if updated.Fields["part_number"] != "PN-1" {
		t.Errorf("part_number = %v, want PN-1", updated.Fields["part_number"])
	}
	if _, ok := updated.Fields["obsolete"]; ok {
		t.Error("obsolete should have been removed")
	}

	_, err = h.engine.UpdateFields(context.Background(), c.ID, map[string]any{"title": "y"}, c.Version)
	if !model.HasCode(err, model.ErrConcurrentModification) {
		t.Errorf("UpdateFields(stale version) error = %v, want CONCURRENT_MODIFICATION", err)
	}
}

func TestEngine_terminalCaseRejectsWrites(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, h *harness) model.Case
		state string
	}{
		{
			name: "cancelled",
			setup: func(t *testing.T, h *harness) model.Case {
				c := h.open(t, model.GlobalScope, investigatedFields())
				return h.walk(t, c.ID, configuration.StateCancelled)
			},
			state: configuration.StateCancelled,
		},
		{
			name:  "closed",
			setup: closedCase,
			state: configuration.StateClosed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t)
			c := tt.setup(t, h)

			_, err := h.engine.SetDisposition(ctx, c.ID, "SCRAP", "qm-1")
			env, ok := err.(*model.ErrorEnvelope)
			if !ok || env.Code != model.ErrCaseClosed {
				t.Fatalf("SetDisposition() error = %v, want CASE_CLOSED", err)
			}
			if env.Context["current_state"] != tt.state {
				t.Errorf("current_state = %v, want %s", env.Context["current_state"], tt.state)
			}

			_, err = h.engine.UpdateFields(ctx, c.ID, map[string]any{"title": "rewritten"}, 0)
			if !model.HasCode(err, model.ErrCaseClosed) {
				t.Errorf("UpdateFields() error = %v, want CASE_CLOSED", err)
			}

			stored, _ := h.engine.Get(ctx, c.ID)
			if stored.Version != c.Version {
				t.Errorf("Version = %d, want %d", stored.Version, c.Version)
			}
			if stored.Fields["title"] != investigatedFields()["title"] {
				t.Errorf("title = %v, want unchanged", stored.Fields["title"])
			}
			if stored.Disposition != nil {
				t.Errorf("Disposition = %v, want nil", *stored.Disposition)
			}
		})
	}
}

func TestEngine_ThresholdHours_followsScope(t *testing.T) {
	h := newHarness(t)
	tests := []struct {
		scope model.Scope
		want  int
	}{
		{model.GlobalScope, 48},
		{model.Scope{Site: "PLANT-A"}, 24},
		{model.Scope{Site: "PLANT-A", Severity: "CRITICAL"}, 4},
		{model.Scope{Site: "PLANT-Z", Severity: "CRITICAL"}, 48},
	}
	for _, tt := range tests {
		c := h.open(t, tt.scope, nil)
		got, err := h.engine.ThresholdHours(context.Background(), c.ID, configuration.RequestTypeMRBReview)
		if err != nil {
			t.Fatalf("ThresholdHours(%s) error = %v", tt.scope.Key(), err)
		}
		if got != tt.want {
			t.Errorf("ThresholdHours(%s) = %d, want %d", tt.scope.Key(), got, tt.want)
		}
	}
}

// --- End to end ---

func TestEngine_criticalCaseThroughMRBToClosure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	critical := model.Scope{Site: "PLANT-A", Severity: "CRITICAL"}

	// No mrb_value at all: the critical layer gates from 0.
	c := toPendingDisposition(t, h, critical, investigatedFields())

	out, err := h.engine.AttemptTransition(ctx, c.ID, configuration.StateMRB, "eng-1", "critical defect")
	require.NoError(t, err)
	require.Equal(t, model.OutcomePendingApproval, out.Status)

	mrb, _ := h.approvals.Get(ctx, out.RequestID)
	assert.Equal(t, h.now.Add(4*time.Hour), mrb.DueAt)

	h.now = h.now.Add(time.Hour)
	approved, err := h.approvals.Approve(ctx, out.RequestID, "qm-1", "rework approved")
	require.NoError(t, err)
	require.NotNil(t, approved.Case)
	assert.Equal(t, configuration.StateCorrectiveAction, approved.Case.CurrentState)

	_, err = h.engine.AttemptTransition(ctx, c.ID, configuration.StateVerification, "eng-1", "")
	require.True(t, model.HasCode(err, model.ErrMissingRequiredField))

	_, err = h.engine.UpdateFields(ctx, c.ID, map[string]any{"corrective_action_plan": "new mould heater"}, 0)
	require.NoError(t, err)
	h.walk(t, c.ID, configuration.StateVerification)

	closeOut, err := h.engine.AttemptTransition(ctx, c.ID, configuration.StateClosed, "eng-1", "")
	require.NoError(t, err)
	require.Equal(t, model.OutcomePendingApproval, closeOut.Status)
	closure, _ := h.approvals.Get(ctx, closeOut.RequestID)
	assert.Equal(t, h.now.Add(24*time.Hour), closure.DueAt)

	closed, err := h.approvals.Approve(ctx, closeOut.RequestID, "qm-1", "")
	require.NoError(t, err)
	assert.Equal(t, configuration.StateClosed, closed.Case.CurrentState)

	_, err = h.engine.AttemptTransition(ctx, c.ID, configuration.StateCancelled, "eng-1", "")
	assert.True(t, model.HasCode(err, model.ErrInvalidTransition), "closed is terminal")

	history, err := h.engine.History(ctx, c.ID)
	require.NoError(t, err)
	var events []string
	for _, e := range history {
		events = append(events, e.Event)
	}
	assert.Equal(t, []string{
		model.EventCaseOpened,
		model.EventTransitionApplied,
		model.EventTransitionApplied,
		model.EventTransitionApplied,
		model.EventApprovalRequested,
		model.EventTransitionRequested,
		model.EventApprovalApproved,
		model.EventGatedTransition,
		model.EventTransitionApplied,
		model.EventApprovalRequested,
		model.EventTransitionRequested,
		model.EventApprovalApproved,
		model.EventGatedTransition,
	}, events)
}
