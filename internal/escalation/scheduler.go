// Package escalation raises visibility of approval requests that are past
// due. It never changes a request's status.
package escalation

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/approval"
	"github.com/pitabwire/caseflow/internal/audit"
	"github.com/pitabwire/caseflow/internal/notification"
	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/model"
)

const (
	defaultInterval  = 60 * time.Second
	defaultBatchSize = 500
)

// Scheduler periodically escalates overdue approval requests. Any number of
// replicas may run against the same store: the storage-level claim decides
// which one notifies.
type Scheduler struct {
	store     approval.Store
	trail     audit.Trail
	notifier  approval.Notifier
	interval  time.Duration
	batchSize int
	logger    *zap.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInterval sets the sweep interval.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithBatchSize caps how many overdue requests one sweep handles.
func WithBatchSize(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// NewScheduler creates a scheduler.
func NewScheduler(store approval.Store, trail audit.Trail, notifier approval.Notifier, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:     store,
		trail:     trail,
		notifier:  notifier,
		interval:  defaultInterval,
		batchSize: defaultBatchSize,
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SweepOnce escalates every request that is PENDING, not yet escalated and
// past due. It returns the number of requests this caller escalated.
func (s *Scheduler) SweepOnce(ctx context.Context) (escalated int, err error) {
	start := s.now()
	ctx, span := observability.StartSpan(ctx, "escalation.sweep")
	defer func() {
		observability.EndSpanWithError(span, err)
		s.metrics.RecordEscalationSweep(s.now().Sub(start))
	}()

	now := s.now().UTC()
	overdue, err := s.store.FindOverdue(ctx, now, s.batchSize)
	if err != nil {
		return 0, err
	}

	for _, req := range overdue {
		won, err := s.store.ClaimEscalation(ctx, req.ID, now)
		if err != nil {
			s.logger.Error("escalation claim failed",
				zap.String("request_id", req.ID),
				zap.Error(err),
			)
			continue
		}
		if !won {
			s.metrics.RecordEscalationClaimLost()
			continue
		}

		s.escalate(ctx, req, now)
		escalated++
	}

	if escalated > 0 {
		s.logger.Info("escalation sweep complete",
			zap.Int("overdue", len(overdue)),
			zap.Int("escalated", escalated),
		)
	}
	return escalated, nil
}

func (s *Scheduler) escalate(ctx context.Context, req model.ApprovalRequest, now time.Time) {
	s.notifier.Notify(ctx, notification.Message{
		Recipient: req.Approver,
		EventType: model.EventApprovalEscalated,
		Payload: map[string]any{
			"request_id":   req.ID,
			"case_id":      req.CaseID,
			"request_type": req.RequestType,
			"due_at":       req.DueAt,
			"overdue_by":   now.Sub(req.DueAt).Round(time.Second).String(),
		},
		CreatedAt: now,
	})

	if _, err := s.trail.Record(ctx, model.AuditEntry{
		Kind:      model.AuditKindApproval,
		Event:     model.EventApprovalEscalated,
		CaseID:    req.CaseID,
		RequestID: req.ID,
		Actor:     "system",
		Data: map[string]any{
			"approver": req.Approver,
			"due_at":   req.DueAt,
		},
	}); err != nil {
		s.logger.Error("audit write failed",
			zap.String("event", model.EventApprovalEscalated),
			zap.String("request_id", req.ID),
			zap.Error(err),
		)
	}
	s.metrics.RecordEscalation(req.RequestType)
	s.logger.Warn("approval request escalated",
		zap.String("case_id", req.CaseID),
		zap.String("request_id", req.ID),
		zap.String("request_type", req.RequestType),
		zap.String("approver", req.Approver),
		zap.Time("due_at", req.DueAt),
	)
}

// Run sweeps every interval until ctx is cancelled. Sweep errors are logged
// and the loop continues.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("escalation scheduler started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("escalation scheduler stopped")
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				s.logger.Error("escalation sweep failed", zap.Error(err))
			}
		}
	}
}
