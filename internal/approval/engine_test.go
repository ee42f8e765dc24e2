package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/caseflow/internal/audit"
	"github.com/pitabwire/caseflow/internal/notification"
	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/model"
)

// fakeWorkflow applies gated transitions to an in-memory case map and
// records them the way the workflow engine does.
type fakeWorkflow struct {
	mu        sync.Mutex
	trail     audit.Trail
	cases     map[string]model.Case
	threshold int
	failWith  error
	applied   []string
}

func newFakeWorkflow(trail audit.Trail) *fakeWorkflow {
	return &fakeWorkflow{
		trail:     trail,
		cases:     map[string]model.Case{"case-1": {ID: "case-1", CurrentState: "PENDING_DISPOSITION"}},
		threshold: 48,
	}
}

func (w *fakeWorkflow) ApplyGatedTransition(ctx context.Context, caseID, fromState, toState, requestID, actor string) (model.Case, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failWith != nil {
		return model.Case{}, w.failWith
	}
	c := w.cases[caseID]
	if c.CurrentState != fromState {
		return model.Case{}, model.NewInvalidTransitionError(caseID, c.CurrentState, toState, nil)
	}
	c.CurrentState = toState
	c.Version++
	w.cases[caseID] = c
	w.applied = append(w.applied, requestID)
	_, _ = w.trail.Record(ctx, model.AuditEntry{
		Kind:      model.AuditKindTransition,
		Event:     model.EventGatedTransition,
		CaseID:    caseID,
		RequestID: requestID,
		Actor:     actor,
		FromValue: fromState,
		ToValue:   toState,
	})
	return c, nil
}

func (w *fakeWorkflow) ThresholdHours(context.Context, string, string) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.threshold, nil
}

func (w *fakeWorkflow) Get(_ context.Context, caseID string) (model.Case, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	c, ok := w.cases[caseID]
	if !ok {
		return model.Case{}, model.NewNotFoundError("case not found")
	}
	return c, nil
}

func (w *fakeWorkflow) state(caseID string) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cases[caseID].CurrentState
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []notification.Message
}

func (n *recordingNotifier) Notify(_ context.Context, msg notification.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
}

type fixture struct {
	engine   *Engine
	store    *MemoryStore
	trail    *audit.MemoryTrail
	workflow *fakeWorkflow
	notifier *recordingNotifier
	metrics  *observability.Metrics
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    NewMemoryStore(),
		trail:    audit.NewMemoryTrail(),
		notifier: &recordingNotifier{},
		metrics:  observability.InitMetrics(prometheus.NewRegistry()),
		now:      time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	f.workflow = newFakeWorkflow(f.trail)
	f.engine = NewEngine(f.store, f.trail,
		WithNotifier(f.notifier),
		WithMetrics(f.metrics),
		WithClock(func() time.Time { return f.now }),
	)
	f.engine.SetWorkflow(f.workflow)
	return f
}

func (f *fixture) mrbRequest() NewRequest {
	return NewRequest{
		CaseID:      "case-1",
		RequestType: "MRB_REVIEW",
		Approver:    "QualityManager",
		FromState:   "PENDING_DISPOSITION",
		ToState:     "CORRECTIVE_ACTION",
		RequestedBy: "eng-1",
		DueInHours:  4,
	}
}

func TestEngine_CreateRequest(t *testing.T) {
	f := newFixture(t)

	req, err := f.engine.CreateRequest(context.Background(), f.mrbRequest())
	if err != nil {
		t.Fatalf("CreateRequest() error = %v", err)
	}

	if req.Status != model.ApprovalPending {
		t.Errorf("Status = %s, want PENDING", req.Status)
	}
	if want := f.now.Add(4 * time.Hour); !req.DueAt.Equal(want) {
		t.Errorf("DueAt = %v, want %v", req.DueAt, want)
	}
	if req.Escalated {
		t.Error("new request should not be escalated")
	}

	entries, _ := f.trail.QueryByRequest(context.Background(), req.ID)
	if len(entries) != 1 || entries[0].Event != model.EventApprovalRequested {
		t.Errorf("audit entries = %+v, want one %s", entries, model.EventApprovalRequested)
	}

	if len(f.notifier.msgs) != 1 {
		t.Fatalf("notifications = %d, want 1", len(f.notifier.msgs))
	}
	if got := f.notifier.msgs[0].Recipient; got != "QualityManager" {
		t.Errorf("Recipient = %q, want QualityManager", got)
	}
	if got := testutil.ToFloat64(f.metrics.ApprovalRequestsCreatedTotal.WithLabelValues("MRB_REVIEW")); got != 1 {
		t.Errorf("requests created = %v, want 1", got)
	}
}

func TestEngine_CreateRequest_requiresFields(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.CreateRequest(context.Background(), NewRequest{CaseID: "case-1"})
	if !model.HasCode(err, model.ErrBadRequest) {
		t.Errorf("CreateRequest() error = %v, want BAD_REQUEST", err)
	}
}

func TestEngine_CreateRequest_defaultThreshold(t *testing.T) {
	f := newFixture(t)
	nr := f.mrbRequest()
	nr.DueInHours = 0

	req, err := f.engine.CreateRequest(context.Background(), nr)
	if err != nil {
		t.Fatalf("CreateRequest() error = %v", err)
	}
	if want := f.now.Add(model.DefaultEscalationThresholdHours * time.Hour); !req.DueAt.Equal(want) {
		t.Errorf("DueAt = %v, want %v", req.DueAt, want)
	}
}

func TestEngine_CreateRequest_concurrentCreatorsConverge(t *testing.T) {
	f := newFixture(t)
	const n = 32

	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, err := f.engine.CreateRequest(context.Background(), f.mrbRequest())
			assert.NoError(t, err)
			ids[i] = req.ID
		}()
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 1, f.store.Len())

	reqs, err := f.engine.ListByCase(context.Background(), "case-1")
	require.NoError(t, err)
	open := 0
	for _, r := range reqs {
		if r.Status == model.ApprovalPending {
			open++
		}
	}
	assert.Equal(t, 1, open)
}

func TestEngine_Approve(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req, _ := f.engine.CreateRequest(ctx, f.mrbRequest())

	out, err := f.engine.Approve(ctx, req.ID, "qm-1", "ok to rework")
	if err != nil {
		t.Fatalf("Approve() error = %v", err)
	}

	if out.Request.Status != model.ApprovalApproved {
		t.Errorf("Status = %s, want APPROVED", out.Request.Status)
	}
	if out.Request.Resolution == nil || out.Request.Resolution.ResolvedBy != "qm-1" {
		t.Errorf("Resolution = %+v, want resolved by qm-1", out.Request.Resolution)
	}
	if out.Case == nil || out.Case.CurrentState != "CORRECTIVE_ACTION" {
		t.Errorf("Case = %+v, want CORRECTIVE_ACTION", out.Case)
	}
	if len(f.workflow.applied) != 1 || f.workflow.applied[0] != req.ID {
		t.Errorf("applied = %v, want [%s]", f.workflow.applied, req.ID)
	}
	if got := testutil.ToFloat64(f.metrics.ApprovalDecisionsTotal.WithLabelValues("approved")); got != 1 {
		t.Errorf("approved decisions = %v, want 1", got)
	}
}

func TestEngine_Approve_alreadyResolved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req, _ := f.engine.CreateRequest(ctx, f.mrbRequest())
	_, _ = f.engine.Reject(ctx, req.ID, "qm-1", "scrap instead")

	_, err := f.engine.Approve(ctx, req.ID, "qm-2", "")
	env, ok := err.(*model.ErrorEnvelope)
	if !ok {
		t.Fatalf("Approve() error = %v, want *model.ErrorEnvelope", err)
	}
	if env.Code != model.ErrApprovalAlreadyResolved {
		t.Errorf("Code = %q, want %q", env.Code, model.ErrApprovalAlreadyResolved)
	}
	if env.Context["current_status"] != string(model.ApprovalRejected) {
		t.Errorf("current_status = %v, want REJECTED", env.Context["current_status"])
	}
	if len(f.workflow.applied) != 0 {
		t.Errorf("applied = %v, want none", f.workflow.applied)
	}
}

func TestEngine_Approve_concurrentDecisionsOneWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req, _ := f.engine.CreateRequest(ctx, f.mrbRequest())

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.engine.Approve(ctx, req.ID, "qm-1", ""); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Len(t, f.workflow.applied, 1)
}

func TestEngine_Approve_reconciliationRequired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req, _ := f.engine.CreateRequest(ctx, f.mrbRequest())
	f.workflow.failWith = model.NewConcurrentModificationError("case", "case-1", 3)

	out, err := f.engine.Approve(ctx, req.ID, "qm-1", "")
	var env *model.ErrorEnvelope
	require.ErrorAs(t, err, &env)
	assert.Equal(t, model.ErrReconciliationRequired, env.Code)
	assert.Equal(t, model.ErrConcurrentModification, env.Context["cause_code"])
	assert.Equal(t, model.ApprovalApproved, out.Request.Status)
	assert.Nil(t, out.Case)

	stored, _ := f.engine.Get(ctx, req.ID)
	assert.Equal(t, model.ApprovalApproved, stored.Status, "the decision stands")
	assert.Equal(t, "PENDING_DISPOSITION", f.workflow.state("case-1"))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ReconciliationRequiredTotal))

	pending, err := f.engine.PendingReconciliation(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, req.ID, pending[0].ID)

	// Retry once the cause is gone.
	f.workflow.failWith = nil
	out, err = f.engine.Reconcile(ctx, req.ID, "ops")
	require.NoError(t, err)
	assert.Equal(t, "CORRECTIVE_ACTION", out.Case.CurrentState)

	out, err = f.engine.Reconcile(ctx, req.ID, "ops")
	require.NoError(t, err, "reconcile is idempotent")
	assert.Equal(t, "CORRECTIVE_ACTION", out.Case.CurrentState)
	assert.Len(t, f.workflow.applied, 1)

	pending, _ = f.engine.PendingReconciliation(ctx, time.Time{})
	assert.Empty(t, pending)
}

func TestEngine_Reconcile_rejectsUnapproved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req, _ := f.engine.CreateRequest(ctx, f.mrbRequest())

	_, err := f.engine.Reconcile(ctx, req.ID, "ops")
	if !model.HasCode(err, model.ErrConflict) {
		t.Errorf("Reconcile(pending) error = %v, want CONFLICT", err)
	}
}

func TestEngine_Reject_leavesCaseUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req, _ := f.engine.CreateRequest(ctx, f.mrbRequest())

	if _, err := f.engine.Reject(ctx, req.ID, "qm-1", ""); !model.HasCode(err, model.ErrBadRequest) {
		t.Errorf("Reject(no reason) error = %v, want BAD_REQUEST", err)
	}

	rejected, err := f.engine.Reject(ctx, req.ID, "qm-1", "insufficient evidence")
	if err != nil {
		t.Fatalf("Reject() error = %v", err)
	}
	if rejected.Status != model.ApprovalRejected {
		t.Errorf("Status = %s, want REJECTED", rejected.Status)
	}
	if got := f.workflow.state("case-1"); got != "PENDING_DISPOSITION" {
		t.Errorf("case state = %s, want PENDING_DISPOSITION", got)
	}
	if len(f.workflow.applied) != 0 {
		t.Errorf("applied = %v, want none", f.workflow.applied)
	}

	entries, _ := f.trail.QueryByRequest(ctx, req.ID)
	last := entries[len(entries)-1]
	if last.Event != model.EventApprovalRejected || last.Reason != "insufficient evidence" {
		t.Errorf("last entry = %s %q, want %s with reason", last.Event, last.Reason, model.EventApprovalRejected)
	}
}

func TestEngine_History(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req, _ := f.engine.CreateRequest(ctx, f.mrbRequest())
	if _, err := f.engine.Reject(ctx, req.ID, "qm-1", "duplicate"); err != nil {
		t.Fatalf("Reject() error = %v", err)
	}

	entries, err := f.engine.History(ctx, req.ID)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("History() = %d entries, want 2", len(entries))
	}
	if entries[0].Event != model.EventApprovalRequested || entries[1].Event != model.EventApprovalRejected {
		t.Errorf("events = [%s %s], want [%s %s]", entries[0].Event, entries[1].Event,
			model.EventApprovalRequested, model.EventApprovalRejected)
	}

	if _, err := f.engine.History(ctx, "missing"); !model.HasCode(err, model.ErrNotFound) {
		t.Errorf("History(missing) error = %v, want NOT_FOUND", err)
	}
}

func TestEngine_Delegate_chain(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	orig, _ := f.engine.CreateRequest(ctx, f.mrbRequest())

	f.now = f.now.Add(3 * time.Hour)
	succ, err := f.engine.Delegate(ctx, orig.ID, "qm-1", "qm-2")
	require.NoError(t, err)

	assert.Equal(t, model.ApprovalPending, succ.Status)
	assert.Equal(t, "qm-2", succ.Approver)
	require.NotNil(t, succ.DelegatedFromRequestID)
	assert.Equal(t, orig.ID, *succ.DelegatedFromRequestID)
	assert.Equal(t, f.now.Add(48*time.Hour), succ.DueAt, "fresh threshold from delegation time")

	stored, _ := f.engine.Get(ctx, orig.ID)
	assert.Equal(t, model.ApprovalDelegated, stored.Status)

	again, err := f.engine.CreateRequest(ctx, f.mrbRequest())
	require.NoError(t, err)
	assert.Equal(t, succ.ID, again.ID, "only the successor counts as open")

	_, err = f.engine.Delegate(ctx, orig.ID, "qm-1", "qm-3")
	assert.True(t, model.HasCode(err, model.ErrApprovalAlreadyResolved))

	out, err := f.engine.Approve(ctx, succ.ID, "qm-2", "")
	require.NoError(t, err)
	assert.Equal(t, "CORRECTIVE_ACTION", out.Case.CurrentState)
}

func TestEngine_Delegate_validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req, _ := f.engine.CreateRequest(ctx, f.mrbRequest())

	if _, err := f.engine.Delegate(ctx, req.ID, "qm-1", ""); !model.HasCode(err, model.ErrBadRequest) {
		t.Errorf("Delegate(empty) error = %v, want BAD_REQUEST", err)
	}
	if _, err := f.engine.Delegate(ctx, req.ID, "qm-1", "QualityManager"); !model.HasCode(err, model.ErrBadRequest) {
		t.Errorf("Delegate(same approver) error = %v, want BAD_REQUEST", err)
	}
	if _, err := f.engine.Delegate(ctx, "missing", "qm-1", "qm-2"); !model.HasCode(err, model.ErrNotFound) {
		t.Errorf("Delegate(missing) error = %v, want NOT_FOUND", err)
	}
}

func TestEngine_ExpireOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mrb, _ := f.engine.CreateRequest(ctx, f.mrbRequest())
	closure := f.mrbRequest()
	closure.RequestType = "CLOSURE_APPROVAL"
	cl, _ := f.engine.CreateRequest(ctx, closure)
	_, _ = f.engine.Reject(ctx, cl.ID, "qm-1", "not yet")

	n, err := f.engine.ExpireOpen(ctx, "case-1", "system")
	if err != nil {
		t.Fatalf("ExpireOpen() error = %v", err)
	}
	if n != 1 {
		t.Errorf("ExpireOpen() = %d, want 1", n)
	}

	if stored, _ := f.engine.Get(ctx, mrb.ID); stored.Status != model.ApprovalExpired {
		t.Errorf("MRB status = %s, want EXPIRED", stored.Status)
	}
	if stored, _ := f.engine.Get(ctx, cl.ID); stored.Status != model.ApprovalRejected {
		t.Errorf("closure status = %s, want REJECTED", stored.Status)
	}

	if n, _ := f.engine.ExpireOpen(ctx, "case-1", "system"); n != 0 {
		t.Errorf("second ExpireOpen() = %d, want 0", n)
	}
}

func TestEngine_ExpireLeftBehind(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mrb, _ := f.engine.CreateRequest(ctx, f.mrbRequest())
	closure := f.mrbRequest()
	closure.RequestType = "CLOSURE_APPROVAL"
	closure.FromState = "VERIFICATION"
	closure.ToState = "CLOSED"
	cl, _ := f.engine.CreateRequest(ctx, closure)

	n, err := f.engine.ExpireLeftBehind(ctx, "case-1", "VERIFICATION", "eng-1")
	if err != nil {
		t.Fatalf("ExpireLeftBehind() error = %v", err)
	}
	if n != 1 {
		t.Errorf("ExpireLeftBehind() = %d, want 1", n)
	}
	if stored, _ := f.engine.Get(ctx, mrb.ID); stored.Status != model.ApprovalExpired {
		t.Errorf("MRB status = %s, want EXPIRED", stored.Status)
	}
	if stored, _ := f.engine.Get(ctx, cl.ID); stored.Status != model.ApprovalPending {
		t.Errorf("closure status = %s, want PENDING", stored.Status)
	}

	entries, _ := f.trail.QueryByRequest(ctx, mrb.ID)
	last := entries[len(entries)-1]
	if last.Event != model.EventApprovalExpired {
		t.Errorf("last event = %s, want %s", last.Event, model.EventApprovalExpired)
	}
	if last.Reason == "" {
		t.Error("expiry entry should carry a reason")
	}

	if _, err := f.engine.Approve(ctx, mrb.ID, "qm-1", ""); !model.HasCode(err, model.ErrApprovalAlreadyResolved) {
		t.Errorf("Approve(expired) error = %v, want APPROVAL_ALREADY_RESOLVED", err)
	}
}

func TestEngine_Approve_withoutWorkflow(t *testing.T) {
	store := NewMemoryStore()
	engine := NewEngine(store, audit.NewMemoryTrail())
	req, _ := engine.CreateRequest(context.Background(), NewRequest{
		CaseID: "c", RequestType: "MRB_REVIEW", Approver: "QualityManager",
	})

	_, err := engine.Approve(context.Background(), req.ID, "qm-1", "")
	if !model.HasCode(err, model.ErrReconciliationRequired) {
		t.Errorf("Approve() error = %v, want RECONCILIATION_REQUIRED", err)
	}
}

func TestMemoryStore_ClaimEscalation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	req, _, _ := store.CreatePending(ctx, model.ApprovalRequest{
		ID: "r1", CaseID: "c1", RequestType: "MRB_REVIEW", DueAt: now.Add(-time.Minute),
	})

	overdue, _ := store.FindOverdue(ctx, now, 0)
	if len(overdue) != 1 || overdue[0].ID != req.ID {
		t.Fatalf("FindOverdue() = %v, want [r1]", overdue)
	}

	won, err := store.ClaimEscalation(ctx, "r1", now)
	if err != nil || !won {
		t.Fatalf("first ClaimEscalation() = %v, %v, want true, nil", won, err)
	}
	won, _ = store.ClaimEscalation(ctx, "r1", now)
	if won {
		t.Error("second ClaimEscalation() = true, want false")
	}

	overdue, _ = store.FindOverdue(ctx, now, 0)
	if len(overdue) != 0 {
		t.Errorf("FindOverdue() after claim = %d, want 0", len(overdue))
	}

	if _, err := store.ClaimEscalation(ctx, "missing", now); !model.HasCode(err, model.ErrNotFound) {
		t.Errorf("ClaimEscalation(missing) error = %v, want NOT_FOUND", err)
	}
}
