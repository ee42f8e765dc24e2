// Package approval owns the lifecycle of approval requests: creation at a
// gated edge, the approve/reject/delegate decisions, cascade expiry and
// reconciliation of approvals whose case mutation did not commit.
package approval

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/audit"
	"github.com/pitabwire/caseflow/internal/notification"
	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/model"
)

// CaseWorkflow is the part of the workflow engine the approval engine calls
// back into once a decision is made.
type CaseWorkflow interface {
	// ApplyGatedTransition commits fromState -> toState on the case on
	// behalf of an approved request.
	ApplyGatedTransition(ctx context.Context, caseID, fromState, toState, requestID, actor string) (model.Case, error)

	// ThresholdHours returns the escalation threshold that currently applies
	// to requestType for the case.
	ThresholdHours(ctx context.Context, caseID, requestType string) (int, error)

	// Get returns the case.
	Get(ctx context.Context, caseID string) (model.Case, error)
}

// Notifier accepts notifications for asynchronous delivery.
type Notifier interface {
	Notify(ctx context.Context, msg notification.Message)
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, notification.Message) {}

// NewRequest describes an approval request to open.
type NewRequest struct {
	CaseID      string
	RequestType string
	Approver    string
	FromState   string
	ToState     string
	RequestedBy string
	Reason      string
	DueInHours  int
}

// Outcome is the result of a decision. Case is set when the decision
// committed a case mutation.
type Outcome struct {
	Request model.ApprovalRequest `json:"request"`
	Case    *model.Case           `json:"case,omitempty"`
}

// Engine runs approval decisions against a Store and records each one in the
// audit trail.
type Engine struct {
	store    Store
	trail    audit.Trail
	workflow CaseWorkflow
	notifier Notifier
	logger   *zap.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithNotifier sets where approver and requester notifications go.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) {
		if n != nil {
			e.notifier = n
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an approval engine. SetWorkflow must be called before
// any decision is made.
func NewEngine(store Store, trail audit.Trail, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		trail:    trail,
		notifier: nopNotifier{},
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetWorkflow wires the workflow engine. The two engines reference each
// other, so this is done after both are constructed.
func (e *Engine) SetWorkflow(wf CaseWorkflow) {
	e.workflow = wf
}

// CreateRequest opens a PENDING request, or returns the one already open for
// the same case and request type.
func (e *Engine) CreateRequest(ctx context.Context, nr NewRequest) (model.ApprovalRequest, error) {
	if nr.CaseID == "" || nr.RequestType == "" || nr.Approver == "" {
		return model.ApprovalRequest{}, model.NewBadRequestError("case id, request type and approver are required")
	}
	hours := nr.DueInHours
	if hours <= 0 {
		hours = model.DefaultEscalationThresholdHours
	}

	now := e.now().UTC()
	req := model.ApprovalRequest{
		ID:          uuid.New().String(),
		CaseID:      nr.CaseID,
		RequestType: nr.RequestType,
		Status:      model.ApprovalPending,
		Approver:    nr.Approver,
		FromState:   nr.FromState,
		ToState:     nr.ToState,
		RequestedBy: nr.RequestedBy,
		RequestedAt: now,
		DueAt:       now.Add(time.Duration(hours) * time.Hour),
	}

	stored, created, err := e.store.CreatePending(ctx, req)
	if err != nil {
		return model.ApprovalRequest{}, err
	}
	if !created {
		e.logger.Debug("approval request already open",
			zap.String("case_id", nr.CaseID),
			zap.String("request_type", nr.RequestType),
			zap.String("request_id", stored.ID),
		)
		return stored, nil
	}

	e.record(ctx, model.AuditEntry{
		Kind:      model.AuditKindApproval,
		Event:     model.EventApprovalRequested,
		CaseID:    stored.CaseID,
		RequestID: stored.ID,
		Actor:     nr.RequestedBy,
		FromValue: stored.FromState,
		ToValue:   stored.ToState,
		Reason:    nr.Reason,
		Data: map[string]any{
			"request_type": stored.RequestType,
			"approver":     stored.Approver,
			"due_at":       stored.DueAt,
		},
	})
	e.metrics.RecordApprovalRequested(stored.RequestType)
	e.notify(ctx, stored.Approver, model.EventApprovalRequested, stored)
	e.logger.Info("approval requested",
		zap.String("case_id", stored.CaseID),
		zap.String("request_id", stored.ID),
		zap.String("request_type", stored.RequestType),
		zap.String("approver", stored.Approver),
	)
	return stored, nil
}

// Approve resolves the request as APPROVED and commits the case mutation it
// authorizes. When the mutation fails the request stays APPROVED and a
// RECONCILIATION_REQUIRED error is returned alongside the outcome.
func (e *Engine) Approve(ctx context.Context, requestID, actor, notes string) (out Outcome, err error) {
	ctx, span := observability.StartSpan(ctx, "approval.approve",
		observability.AttrRequestID.String(requestID),
		observability.AttrSubjectID.String(actor),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	// 1. Compare-and-set PENDING -> APPROVED.
	req, err := e.store.Transition(ctx, requestID, model.ApprovalApproved, e.resolution(actor, notes))
	if err != nil {
		return Outcome{}, err
	}
	span.SetAttributes(observability.AttrCaseID.String(req.CaseID))
	e.metrics.RecordApprovalDecision("approved")

	// 2. Record the decision.
	e.record(ctx, model.AuditEntry{
		Kind:      model.AuditKindApproval,
		Event:     model.EventApprovalApproved,
		CaseID:    req.CaseID,
		RequestID: req.ID,
		Actor:     actor,
		FromValue: string(model.ApprovalPending),
		ToValue:   string(model.ApprovalApproved),
		Reason:    notes,
	})

	// 3. Commit the gated transition.
	c, err := e.applyGated(ctx, req, actor)
	if err != nil {
		return Outcome{Request: req}, e.reconciliationRequired(ctx, req, actor, err)
	}

	e.notify(ctx, req.RequestedBy, model.EventApprovalApproved, req)
	e.logger.Info("approval approved",
		zap.String("case_id", req.CaseID),
		zap.String("request_id", req.ID),
		zap.String("actor", actor),
		zap.String("to_state", c.CurrentState),
	)
	return Outcome{Request: req, Case: &c}, nil
}

// Reject resolves the request as REJECTED. The case is not touched.
func (e *Engine) Reject(ctx context.Context, requestID, actor, reason string) (req model.ApprovalRequest, err error) {
	ctx, span := observability.StartSpan(ctx, "approval.reject",
		observability.AttrRequestID.String(requestID),
		observability.AttrSubjectID.String(actor),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	if reason == "" {
		return model.ApprovalRequest{}, model.NewBadRequestError("a rejection reason is required")
	}

	req, err = e.store.Transition(ctx, requestID, model.ApprovalRejected, e.resolution(actor, reason))
	if err != nil {
		return model.ApprovalRequest{}, err
	}
	e.metrics.RecordApprovalDecision("rejected")
	e.record(ctx, model.AuditEntry{
		Kind:      model.AuditKindApproval,
		Event:     model.EventApprovalRejected,
		CaseID:    req.CaseID,
		RequestID: req.ID,
		Actor:     actor,
		FromValue: string(model.ApprovalPending),
		ToValue:   string(model.ApprovalRejected),
		Reason:    reason,
	})
	e.notify(ctx, req.RequestedBy, model.EventApprovalRejected, req)
	e.logger.Info("approval rejected",
		zap.String("case_id", req.CaseID),
		zap.String("request_id", req.ID),
		zap.String("actor", actor),
	)
	return req, nil
}

// Delegate closes the request as DELEGATED and opens a successor for
// newApprover. The successor's due date is computed from the threshold in
// force now, not from the original due date.
func (e *Engine) Delegate(ctx context.Context, requestID, actor, newApprover string) (successor model.ApprovalRequest, err error) {
	ctx, span := observability.StartSpan(ctx, "approval.delegate",
		observability.AttrRequestID.String(requestID),
		observability.AttrSubjectID.String(actor),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	if newApprover == "" {
		return model.ApprovalRequest{}, model.NewBadRequestError("a new approver is required")
	}

	current, err := e.store.Get(ctx, requestID)
	if err != nil {
		return model.ApprovalRequest{}, err
	}
	if current.Status != model.ApprovalPending {
		return model.ApprovalRequest{}, model.NewApprovalAlreadyResolvedError(requestID, current.Status)
	}
	if newApprover == current.Approver {
		return model.ApprovalRequest{}, model.NewBadRequestError(
			fmt.Sprintf("request %q is already assigned to %q", requestID, newApprover),
		)
	}

	hours := model.DefaultEscalationThresholdHours
	if e.workflow != nil {
		if hours, err = e.workflow.ThresholdHours(ctx, current.CaseID, current.RequestType); err != nil {
			return model.ApprovalRequest{}, err
		}
	}

	now := e.now().UTC()
	origID := current.ID
	next := model.ApprovalRequest{
		ID:                     uuid.New().String(),
		CaseID:                 current.CaseID,
		RequestType:            current.RequestType,
		Status:                 model.ApprovalPending,
		Approver:               newApprover,
		FromState:              current.FromState,
		ToState:                current.ToState,
		RequestedBy:            current.RequestedBy,
		RequestedAt:            now,
		DueAt:                  now.Add(time.Duration(hours) * time.Hour),
		DelegatedFromRequestID: &origID,
	}

	orig, successor, err := e.store.Delegate(ctx, requestID, e.resolution(actor, "delegated to "+newApprover), next)
	if err != nil {
		return model.ApprovalRequest{}, err
	}
	e.metrics.RecordApprovalDecision("delegated")
	e.record(ctx, model.AuditEntry{
		Kind:      model.AuditKindApproval,
		Event:     model.EventApprovalDelegated,
		CaseID:    orig.CaseID,
		RequestID: orig.ID,
		Actor:     actor,
		FromValue: orig.Approver,
		ToValue:   newApprover,
		Data:      map[string]any{"successor_request_id": successor.ID},
	})
	e.record(ctx, model.AuditEntry{
		Kind:      model.AuditKindApproval,
		Event:     model.EventApprovalRequested,
		CaseID:    successor.CaseID,
		RequestID: successor.ID,
		Actor:     actor,
		FromValue: successor.FromState,
		ToValue:   successor.ToState,
		Data: map[string]any{
			"request_type":              successor.RequestType,
			"approver":                  successor.Approver,
			"due_at":                    successor.DueAt,
			"delegated_from_request_id": orig.ID,
		},
	})
	e.notify(ctx, newApprover, model.EventApprovalDelegated, successor)
	e.logger.Info("approval delegated",
		zap.String("case_id", orig.CaseID),
		zap.String("request_id", orig.ID),
		zap.String("successor_request_id", successor.ID),
		zap.String("approver", newApprover),
	)
	return successor, nil
}

// Expire resolves the request as EXPIRED. Timeouts escalate instead; they
// never expire a request.
func (e *Engine) Expire(ctx context.Context, requestID, actor string) (model.ApprovalRequest, error) {
	return e.expire(ctx, requestID, actor, "case reached a terminal state")
}

// ExpireOpen expires every PENDING request of the case and returns how many
// it expired. Requests resolved concurrently are skipped.
func (e *Engine) ExpireOpen(ctx context.Context, caseID, actor string) (int, error) {
	return e.expireWhere(ctx, caseID, actor, "case reached a terminal state", func(model.ApprovalRequest) bool {
		return true
	})
}

// ExpireLeftBehind expires the PENDING requests of the case that were raised
// from a state other than state. Their gated transition can no longer apply
// once the case has moved on.
func (e *Engine) ExpireLeftBehind(ctx context.Context, caseID, state, actor string) (int, error) {
	return e.expireWhere(ctx, caseID, actor, "case left the state the request was raised from", func(req model.ApprovalRequest) bool {
		return req.FromState != state
	})
}

func (e *Engine) expireWhere(ctx context.Context, caseID, actor, note string, match func(model.ApprovalRequest) bool) (int, error) {
	reqs, err := e.store.ListByCase(ctx, caseID)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, req := range reqs {
		if req.Status != model.ApprovalPending || !match(req) {
			continue
		}
		if _, err := e.expire(ctx, req.ID, actor, note); err != nil {
			if model.HasCode(err, model.ErrApprovalAlreadyResolved) {
				continue
			}
			return expired, err
		}
		expired++
	}
	if expired > 0 {
		e.logger.Info("expired open approval requests",
			zap.String("case_id", caseID),
			zap.Int("count", expired),
			zap.String("reason", note),
		)
	}
	return expired, nil
}

func (e *Engine) expire(ctx context.Context, requestID, actor, note string) (model.ApprovalRequest, error) {
	req, err := e.store.Transition(ctx, requestID, model.ApprovalExpired, e.resolution(actor, note))
	if err != nil {
		return model.ApprovalRequest{}, err
	}
	e.metrics.RecordApprovalDecision("expired")
	e.record(ctx, model.AuditEntry{
		Kind:      model.AuditKindApproval,
		Event:     model.EventApprovalExpired,
		CaseID:    req.CaseID,
		RequestID: req.ID,
		Actor:     actor,
		FromValue: string(model.ApprovalPending),
		ToValue:   string(model.ApprovalExpired),
		Reason:    note,
	})
	return req, nil
}

// Get returns a request.
func (e *Engine) Get(ctx context.Context, requestID string) (model.ApprovalRequest, error) {
	return e.store.Get(ctx, requestID)
}

// ListByCase returns every request of a case, oldest first.
func (e *Engine) ListByCase(ctx context.Context, caseID string) ([]model.ApprovalRequest, error) {
	return e.store.ListByCase(ctx, caseID)
}

// History returns the audit entries of a request, oldest first.
func (e *Engine) History(ctx context.Context, requestID string) ([]model.AuditEntry, error) {
	if _, err := e.store.Get(ctx, requestID); err != nil {
		return nil, err
	}
	return e.trail.QueryByRequest(ctx, requestID)
}

// Reconcile re-runs the case mutation of an APPROVED request whose gated
// transition never committed. Calling it on an already reconciled request
// returns the current case without changes.
func (e *Engine) Reconcile(ctx context.Context, requestID, actor string) (out Outcome, err error) {
	ctx, span := observability.StartSpan(ctx, "approval.reconcile",
		observability.AttrRequestID.String(requestID),
	)
	defer func() { observability.EndSpanWithError(span, err) }()

	req, err := e.store.Get(ctx, requestID)
	if err != nil {
		return Outcome{}, err
	}
	if req.Status != model.ApprovalApproved {
		return Outcome{}, model.NewConflictError(
			fmt.Sprintf("approval request %q is %s; only approved requests can be reconciled", requestID, req.Status),
		)
	}

	applied, err := e.applied(ctx, requestID)
	if err != nil {
		return Outcome{}, err
	}
	if applied {
		c, err := e.workflow.Get(ctx, req.CaseID)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Request: req, Case: &c}, nil
	}

	c, err := e.applyGated(ctx, req, actor)
	if err != nil {
		e.logger.Error("reconciliation failed",
			zap.String("case_id", req.CaseID),
			zap.String("request_id", req.ID),
			zap.Error(err),
		)
		return Outcome{Request: req}, model.NewReconciliationRequiredError(req.ID, req.CaseID, err)
	}
	e.record(ctx, model.AuditEntry{
		Kind:      model.AuditKindApproval,
		Event:     model.EventReconciled,
		CaseID:    req.CaseID,
		RequestID: req.ID,
		Actor:     actor,
		ToValue:   c.CurrentState,
	})
	e.logger.Info("approval reconciled",
		zap.String("case_id", req.CaseID),
		zap.String("request_id", req.ID),
	)
	return Outcome{Request: req, Case: &c}, nil
}

// PendingReconciliation lists approved requests flagged for reconciliation
// since the given time that still lack a committed transition.
func (e *Engine) PendingReconciliation(ctx context.Context, since time.Time) ([]model.ApprovalRequest, error) {
	flagged, err := e.trail.QueryByEvent(ctx, model.EventReconciliationRequired, since)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(flagged))
	result := []model.ApprovalRequest{}
	for _, entry := range flagged {
		if seen[entry.RequestID] {
			continue
		}
		seen[entry.RequestID] = true

		applied, err := e.applied(ctx, entry.RequestID)
		if err != nil {
			return nil, err
		}
		if applied {
			continue
		}
		req, err := e.store.Get(ctx, entry.RequestID)
		if err != nil {
			return nil, err
		}
		result = append(result, req)
	}
	return result, nil
}

func (e *Engine) applyGated(ctx context.Context, req model.ApprovalRequest, actor string) (model.Case, error) {
	if e.workflow == nil {
		return model.Case{}, fmt.Errorf("approval engine has no workflow wired")
	}
	return e.workflow.ApplyGatedTransition(ctx, req.CaseID, req.FromState, req.ToState, req.ID, actor)
}

func (e *Engine) applied(ctx context.Context, requestID string) (bool, error) {
	entries, err := e.trail.QueryByRequest(ctx, requestID)
	if err != nil {
		return false, err
	}
	for _, entry := range entries {
		if entry.Event == model.EventGatedTransition || entry.Event == model.EventReconciled {
			return true, nil
		}
	}
	return false, nil
}

func (e *Engine) reconciliationRequired(ctx context.Context, req model.ApprovalRequest, actor string, cause error) error {
	e.metrics.RecordReconciliationRequired()
	e.record(ctx, model.AuditEntry{
		Kind:      model.AuditKindApproval,
		Event:     model.EventReconciliationRequired,
		CaseID:    req.CaseID,
		RequestID: req.ID,
		Actor:     actor,
		FromValue: req.FromState,
		ToValue:   req.ToState,
		Reason:    cause.Error(),
		Data:      map[string]any{"cause_code": model.CodeOf(cause)},
	})
	e.logger.Error("approved request could not be applied to case",
		zap.String("case_id", req.CaseID),
		zap.String("request_id", req.ID),
		zap.Error(cause),
	)
	return model.NewReconciliationRequiredError(req.ID, req.CaseID, cause)
}

func (e *Engine) resolution(actor, notes string) model.Resolution {
	return model.Resolution{Notes: notes, ResolvedBy: actor, ResolvedAt: e.now().UTC()}
}

// record appends to the audit trail. A failed audit write is logged, not
// returned: the decision it describes has already committed.
func (e *Engine) record(ctx context.Context, entry model.AuditEntry) {
	if _, err := e.trail.Record(ctx, entry); err != nil {
		e.logger.Error("audit write failed",
			zap.String("event", entry.Event),
			zap.String("case_id", entry.CaseID),
			zap.String("request_id", entry.RequestID),
			zap.Error(err),
		)
	}
}

func (e *Engine) notify(ctx context.Context, recipient, event string, req model.ApprovalRequest) {
	if recipient == "" {
		return
	}
	e.notifier.Notify(ctx, notification.Message{
		Recipient: recipient,
		EventType: event,
		Payload: map[string]any{
			"request_id":   req.ID,
			"case_id":      req.CaseID,
			"request_type": req.RequestType,
			"status":       string(req.Status),
			"due_at":       req.DueAt,
		},
	})
}
