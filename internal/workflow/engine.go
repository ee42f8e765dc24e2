// Package workflow owns case state. It validates every transition against
// the resolved configuration, commits auto edges with a version
// compare-and-set, and hands gated edges to the approval engine.
package workflow

import (
	"context"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/approval"
	"github.com/pitabwire/caseflow/internal/audit"
	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/model"
)

const defaultApplyAttempts = 3

// ConfigResolver resolves the effective configuration for a scope.
type ConfigResolver interface {
	Resolve(ctx context.Context, scope model.Scope) (model.EffectiveConfiguration, error)
}

// Approvals is the part of the approval engine the workflow engine drives.
type Approvals interface {
	CreateRequest(ctx context.Context, nr approval.NewRequest) (model.ApprovalRequest, error)
	ExpireOpen(ctx context.Context, caseID, actor string) (int, error)
	ExpireLeftBehind(ctx context.Context, caseID, state, actor string) (int, error)
}

// Engine manages the lifecycle of cases.
type Engine struct {
	resolver      ConfigResolver
	store         CaseStore
	trail         audit.Trail
	approvals     Approvals
	logger        *zap.Logger
	metrics       *observability.Metrics
	now           func() time.Time
	applyAttempts int
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

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithApplyAttempts bounds how often ApplyGatedTransition re-reads the case
// after a version conflict.
func WithApplyAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.applyAttempts = n
		}
	}
}

// NewEngine creates a new workflow engine.
func NewEngine(
	resolver ConfigResolver,
	store CaseStore,
	trail audit.Trail,
	approvals Approvals,
	opts ...Option,
) *Engine {
	e := &Engine{
		resolver:      resolver,
		store:         store,
		trail:         trail,
		approvals:     approvals,
		logger:        zap.NewNop(),
		now:           time.Now,
		applyAttempts: defaultApplyAttempts,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Open places a case supplied by the CRUD layer into the initial state of
// its resolved configuration and persists it.
func (e *Engine) Open(ctx context.Context, c model.Case, actor string) (model.Case, error) {
	cfg, err := e.resolver.Resolve(ctx, c.Scope)
	if err != nil {
		return model.Case{}, err
	}

	now := e.now().UTC()
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	c.CurrentState = cfg.InitialState
	c.Disposition = nil
	c.Version = 1
	c.CreatedAt = now
	c.UpdatedAt = now

	if err := e.store.Create(ctx, c); err != nil {
		return model.Case{}, err
	}
	e.record(ctx, model.AuditEntry{
		Kind:    model.AuditKindTransition,
		Event:   model.EventCaseOpened,
		CaseID:  c.ID,
		Actor:   actor,
		ToValue: c.CurrentState,
		Data:    map[string]any{"scope": c.Scope.Key()},
	})
	e.logger.Info("case opened",
		zap.String("case_id", c.ID),
		zap.String("scope", c.Scope.Key()),
		zap.String("state", c.CurrentState),
	)
	return c, nil
}

// AttemptTransition moves the case to toState. Auto edges commit
// immediately; gated edges open an approval request and leave the case in
// its current state.
func (e *Engine) AttemptTransition(
	ctx context.Context,
	caseID, toState, actor, reason string,
) (out model.TransitionOutcome, err error) {
	start := e.now()
	ctx, span := observability.StartSpan(ctx, "workflow.attempt_transition",
		observability.AttrCaseID.String(caseID),
		observability.AttrToState.String(toState),
		observability.AttrSubjectID.String(actor),
	)
	defer func() {
		outcome := out.Status
		if err != nil {
			outcome = "rejected"
		}
		span.SetAttributes(observability.AttrOutcome.String(outcome))
		observability.EndSpanWithError(span, err)
		e.metrics.RecordTransition(outcome, e.now().Sub(start))
	}()

	// 1. Load case and resolve its configuration.
	c, err := e.store.Get(ctx, caseID)
	if err != nil {
		return model.TransitionOutcome{}, err
	}
	cfg, err := e.resolver.Resolve(ctx, c.Scope)
	if err != nil {
		return model.TransitionOutcome{}, err
	}
	from := c.CurrentState
	span.SetAttributes(
		observability.AttrFromState.String(from),
		observability.AttrScope.String(c.Scope.Key()),
	)

	// 2. Edge must exist. Terminal states have none.
	if !cfg.CanTransition(from, toState) {
		return model.TransitionOutcome{}, model.NewInvalidTransitionError(caseID, from, toState, cfg.Allowed(from))
	}

	// 3. Every required field must be present.
	if missing := missingFields(c, cfg.Required(from, toState)); len(missing) > 0 {
		return model.TransitionOutcome{}, model.NewMissingRequiredFieldError(caseID, from, toState, missing)
	}

	// 4. Gated edge: open (or join) the approval request.
	if gate, ok := cfg.Gate(from, toState); ok && gate.Applies(c) {
		return e.requestApproval(ctx, c, cfg, gate, toState, actor, reason)
	}

	// 5. Auto edge: commit with compare-and-set.
	c.CurrentState = toState
	updated, err := e.store.Update(ctx, c)
	if err != nil {
		return model.TransitionOutcome{}, err
	}
	e.record(ctx, model.AuditEntry{
		Kind:      model.AuditKindTransition,
		Event:     model.EventTransitionApplied,
		CaseID:    caseID,
		Actor:     actor,
		FromValue: from,
		ToValue:   toState,
		Reason:    reason,
	})
	e.logger.Info("transition applied",
		zap.String("case_id", caseID),
		zap.String("from_state", from),
		zap.String("to_state", toState),
		zap.String("actor", actor),
	)

	// 6. Requests raised from the state just left can no longer apply.
	e.cascade(ctx, cfg, updated, actor)

	return model.TransitionOutcome{Status: model.OutcomeApplied, Case: updated}, nil
}

func (e *Engine) requestApproval(
	ctx context.Context,
	c model.Case,
	cfg model.EffectiveConfiguration,
	gate model.GatedEdge,
	toState, actor, reason string,
) (model.TransitionOutcome, error) {
	target := gate.Target(toState)
	req, err := e.approvals.CreateRequest(ctx, approval.NewRequest{
		CaseID:      c.ID,
		RequestType: gate.RequestType,
		Approver:    gate.ApproverRole,
		FromState:   c.CurrentState,
		ToState:     target,
		RequestedBy: actor,
		Reason:      reason,
		DueInHours:  cfg.ThresholdHours(gate.RequestType),
	})
	if err != nil {
		return model.TransitionOutcome{}, err
	}

	e.record(ctx, model.AuditEntry{
		Kind:             model.AuditKindTransition,
		Event:            model.EventTransitionRequested,
		CaseID:           c.ID,
		RequestID:        req.ID,
		Actor:            actor,
		FromValue:        c.CurrentState,
		ToValue:          target,
		Reason:           reason,
		ApprovalRequired: true,
		Data:             map[string]any{"request_type": gate.RequestType, "edge": model.EdgeKey(c.CurrentState, toState)},
	})
	e.logger.Info("transition pending approval",
		zap.String("case_id", c.ID),
		zap.String("from_state", c.CurrentState),
		zap.String("to_state", target),
		zap.String("request_id", req.ID),
		zap.String("request_type", gate.RequestType),
	)
	return model.TransitionOutcome{Status: model.OutcomePendingApproval, Case: c, RequestID: req.ID}, nil
}

// ApplyGatedTransition commits fromState -> toState on behalf of an approved
// request. It re-reads and retries on version conflicts. A case already in
// toState is returned unchanged so that retries after a lost response are
// safe.
func (e *Engine) ApplyGatedTransition(
	ctx context.Context,
	caseID, fromState, toState, requestID, actor string,
) (c model.Case, err error) {
	start := e.now()
	ctx, span := observability.StartSpan(ctx, "workflow.apply_gated_transition",
		observability.AttrCaseID.String(caseID),
		observability.AttrRequestID.String(requestID),
		observability.AttrFromState.String(fromState),
		observability.AttrToState.String(toState),
	)
	defer func() {
		observability.EndSpanWithError(span, err)
		if err == nil {
			e.metrics.RecordTransition(model.OutcomeApplied, e.now().Sub(start))
		}
	}()

	for attempt := 1; ; attempt++ {
		current, err := e.store.Get(ctx, caseID)
		if err != nil {
			return model.Case{}, err
		}
		if current.CurrentState == toState {
			e.logger.Debug("gated transition already applied",
				zap.String("case_id", caseID),
				zap.String("request_id", requestID),
			)
			return current, nil
		}
		if current.CurrentState != fromState {
			return model.Case{}, model.NewInvalidTransitionError(caseID, current.CurrentState, toState, nil).
				With("request_id", requestID)
		}
		cfg, err := e.resolver.Resolve(ctx, current.Scope)
		if err != nil {
			return model.Case{}, err
		}

		current.CurrentState = toState
		updated, err := e.store.Update(ctx, current)
		if model.HasCode(err, model.ErrConcurrentModification) && attempt < e.applyAttempts {
			e.logger.Debug("gated transition lost version race, retrying",
				zap.String("case_id", caseID),
				zap.Int("attempt", attempt),
			)
			continue
		}
		if err != nil {
			return model.Case{}, err
		}

		e.record(ctx, model.AuditEntry{
			Kind:             model.AuditKindTransition,
			Event:            model.EventGatedTransition,
			CaseID:           caseID,
			RequestID:        requestID,
			Actor:            actor,
			FromValue:        fromState,
			ToValue:          toState,
			ApprovalRequired: true,
		})
		e.logger.Info("gated transition applied",
			zap.String("case_id", caseID),
			zap.String("from_state", fromState),
			zap.String("to_state", toState),
			zap.String("request_id", requestID),
		)
		e.cascade(ctx, cfg, updated, actor)
		return updated, nil
	}
}

// SetDisposition records the disposition decision on a case.
func (e *Engine) SetDisposition(ctx context.Context, caseID, disposition, actor string) (model.Case, error) {
	c, err := e.store.Get(ctx, caseID)
	if err != nil {
		return model.Case{}, err
	}
	cfg, err := e.resolver.Resolve(ctx, c.Scope)
	if err != nil {
		return model.Case{}, err
	}
	if cfg.IsTerminal(c.CurrentState) {
		return model.Case{}, model.NewCaseClosedError(caseID, c.CurrentState)
	}
	if !cfg.DispositionAllowed(disposition) {
		return model.Case{}, model.NewInvalidDispositionError(caseID, disposition, cfg.AllowedDispositions)
	}

	var previous string
	if c.Disposition != nil {
		previous = *c.Disposition
	}
	c.Disposition = &disposition
	updated, err := e.store.Update(ctx, c)
	if err != nil {
		return model.Case{}, err
	}
	e.record(ctx, model.AuditEntry{
		Kind:      model.AuditKindTransition,
		Event:     model.EventDispositionSet,
		CaseID:    caseID,
		Actor:     actor,
		FromValue: previous,
		ToValue:   disposition,
	})
	return updated, nil
}

// UpdateFields merges business fields into the case. A nil value removes the
// field. A non-zero expectedVersion must match the stored version. Cases in a
// terminal state reject the update.
func (e *Engine) UpdateFields(ctx context.Context, caseID string, fields map[string]any, expectedVersion int) (model.Case, error) {
	c, err := e.store.Get(ctx, caseID)
	if err != nil {
		return model.Case{}, err
	}
	cfg, err := e.resolver.Resolve(ctx, c.Scope)
	if err != nil {
		return model.Case{}, err
	}
	if cfg.IsTerminal(c.CurrentState) {
		return model.Case{}, model.NewCaseClosedError(caseID, c.CurrentState)
	}
	if expectedVersion != 0 && expectedVersion != c.Version {
		return model.Case{}, model.NewConcurrentModificationError("case", caseID, expectedVersion)
	}

	if c.Fields == nil {
		c.Fields = make(map[string]any, len(fields))
	}
	for k, v := range fields {
		if v == nil {
			delete(c.Fields, k)
			continue
		}
		c.Fields[k] = v
	}
	updated, err := e.store.Update(ctx, c)
	if err != nil {
		return model.Case{}, err
	}
	e.logger.Debug("case fields updated",
		zap.String("case_id", caseID),
		zap.Strings("fields", sortedFieldNames(fields)),
	)
	return updated, nil
}

// Get returns a case.
func (e *Engine) Get(ctx context.Context, caseID string) (model.Case, error) {
	return e.store.Get(ctx, caseID)
}

// List returns cases matching filters.
func (e *Engine) List(ctx context.Context, filters CaseFilters) ([]model.Case, error) {
	return e.store.List(ctx, filters)
}

// History returns the audit trail of a case, oldest first.
func (e *Engine) History(ctx context.Context, caseID string) ([]model.AuditEntry, error) {
	if _, err := e.store.Get(ctx, caseID); err != nil {
		return nil, err
	}
	return e.trail.QueryByCase(ctx, caseID)
}

// ThresholdHours returns the escalation threshold that currently applies to
// requestType for the case.
func (e *Engine) ThresholdHours(ctx context.Context, caseID, requestType string) (int, error) {
	c, err := e.store.Get(ctx, caseID)
	if err != nil {
		return 0, err
	}
	cfg, err := e.resolver.Resolve(ctx, c.Scope)
	if err != nil {
		return 0, err
	}
	return cfg.ThresholdHours(requestType), nil
}

// Allowed returns the states the case can move to next.
func (e *Engine) Allowed(ctx context.Context, caseID string) ([]string, error) {
	c, err := e.store.Get(ctx, caseID)
	if err != nil {
		return nil, err
	}
	cfg, err := e.resolver.Resolve(ctx, c.Scope)
	if err != nil {
		return nil, err
	}
	return cfg.Allowed(c.CurrentState), nil
}

// cascade expires requests the committed state has made unreachable: every
// open request once the case is terminal, otherwise those raised from a
// state the case has left.
func (e *Engine) cascade(ctx context.Context, cfg model.EffectiveConfiguration, c model.Case, actor string) {
	var err error
	if cfg.IsTerminal(c.CurrentState) {
		_, err = e.approvals.ExpireOpen(ctx, c.ID, actor)
	} else {
		_, err = e.approvals.ExpireLeftBehind(ctx, c.ID, c.CurrentState, actor)
	}
	if err != nil {
		e.logger.Error("expiring open approval requests failed",
			zap.String("case_id", c.ID),
			zap.String("state", c.CurrentState),
			zap.Error(err),
		)
	}
}

// record appends to the audit trail. The case mutation has already committed,
// so a failed write is logged rather than returned.
func (e *Engine) record(ctx context.Context, entry model.AuditEntry) {
	if _, err := e.trail.Record(ctx, entry); err != nil {
		e.logger.Error("audit write failed",
			zap.String("event", entry.Event),
			zap.String("case_id", entry.CaseID),
			zap.Error(err),
		)
	}
}

func missingFields(c model.Case, required []string) []string {
	var missing []string
	for _, f := range required {
		if !c.HasField(f) {
			missing = append(missing, f)
		}
	}
	return missing
}

func sortedFieldNames(fields map[string]any) []string {
	return slices.Sorted(maps.Keys(fields))
}
