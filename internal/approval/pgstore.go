package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/caseflow/model"
)

// uniqueViolation is the SQLSTATE raised when a second PENDING request for
// the same case and request type hits approval_requests_one_open.
const uniqueViolation = "23505"

// createAttempts bounds the insert/lookup loop in CreatePending. A lookup can
// miss when the colliding request resolves between the insert and the read.
const createAttempts = 3

// PgStore is a PostgreSQL-backed Store. The partial unique index
// approval_requests_one_open on (case_id, request_type) WHERE status =
// 'PENDING' enforces at most one open request per gate.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL approval store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

const selectRequests = `
	SELECT id, case_id, request_type, status, approver, from_state, to_state,
	       requested_by, requested_at, due_at, escalated, escalated_at,
	       resolution_notes, resolved_by, resolved_at, delegated_from
	FROM approval_requests`

const returningRequest = `
	RETURNING id, case_id, request_type, status, approver, from_state, to_state,
	          requested_by, requested_at, due_at, escalated, escalated_at,
	          resolution_notes, resolved_by, resolved_at, delegated_from`

// CreatePending inserts req. A unique violation means another caller won
// the race, so the open request is looked up and returned instead.
func (s *PgStore) CreatePending(ctx context.Context, req model.ApprovalRequest) (model.ApprovalRequest, bool, error) {
	req.Status = model.ApprovalPending

	for range createAttempts {
		err := insertRequest(ctx, s.pool, req)
		if err == nil {
			return req, true, nil
		}
		var pgErr *pgconn.PgError
		if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
			return model.ApprovalRequest{}, false, fmt.Errorf("insert approval request: %w", err)
		}

		open, err := scanRequest(s.pool.QueryRow(ctx, selectRequests+`
			WHERE case_id = $1 AND request_type = $2 AND status = 'PENDING'`,
			req.CaseID, req.RequestType,
		))
		if err == nil {
			return open, false, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return model.ApprovalRequest{}, false, fmt.Errorf("query open approval request: %w", err)
		}
	}
	return model.ApprovalRequest{}, false, model.NewConflictError(
		fmt.Sprintf("could not create approval request for case %q after %d attempts", req.CaseID, createAttempts),
	)
}

// Get returns the request with id.
func (s *PgStore) Get(ctx context.Context, id string) (model.ApprovalRequest, error) {
	req, err := scanRequest(s.pool.QueryRow(ctx, selectRequests+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ApprovalRequest{}, notFound(id)
	}
	if err != nil {
		return model.ApprovalRequest{}, fmt.Errorf("query approval request: %w", err)
	}
	return req, nil
}

// Transition moves a PENDING request to status to in one conditional update.
func (s *PgStore) Transition(ctx context.Context, id string, to model.ApprovalStatus, res model.Resolution) (model.ApprovalRequest, error) {
	req, err := transitionRow(ctx, s.pool, id, to, res)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ApprovalRequest{}, s.resolvedError(ctx, id)
	}
	if err != nil {
		return model.ApprovalRequest{}, fmt.Errorf("update approval request: %w", err)
	}
	return req, nil
}

// Delegate closes the original and inserts successor in one transaction.
func (s *PgStore) Delegate(ctx context.Context, id string, res model.Resolution, successor model.ApprovalRequest) (model.ApprovalRequest, model.ApprovalRequest, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.ApprovalRequest{}, model.ApprovalRequest{}, fmt.Errorf("begin delegation: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	orig, err := transitionRow(ctx, tx, id, model.ApprovalDelegated, res)
	if errors.Is(err, pgx.ErrNoRows) {
		_ = tx.Rollback(ctx)
		return model.ApprovalRequest{}, model.ApprovalRequest{}, s.resolvedError(ctx, id)
	}
	if err != nil {
		return model.ApprovalRequest{}, model.ApprovalRequest{}, fmt.Errorf("update delegated request: %w", err)
	}

	successor.Status = model.ApprovalPending
	if err := insertRequest(ctx, tx, successor); err != nil {
		return model.ApprovalRequest{}, model.ApprovalRequest{}, fmt.Errorf("insert successor request: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return model.ApprovalRequest{}, model.ApprovalRequest{}, fmt.Errorf("commit delegation: %w", err)
	}
	return orig, successor, nil
}

// ListByCase returns the requests of caseID ordered by requested_at.
func (s *PgStore) ListByCase(ctx context.Context, caseID string) ([]model.ApprovalRequest, error) {
	return s.query(ctx, selectRequests+` WHERE case_id = $1 ORDER BY requested_at`, caseID)
}

// FindOverdue returns requests eligible for escalation.
func (s *PgStore) FindOverdue(ctx context.Context, now time.Time, limit int) ([]model.ApprovalRequest, error) {
	q := selectRequests + ` WHERE status = 'PENDING' AND escalated = false AND due_at < $1 ORDER BY due_at`
	if limit > 0 {
		return s.query(ctx, q+` LIMIT $2`, now, limit)
	}
	return s.query(ctx, q, now)
}

// ClaimEscalation flips escalated with a conditional update; exactly one
// concurrent caller sees a row affected.
func (s *PgStore) ClaimEscalation(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE approval_requests SET escalated = true, escalated_at = $2
		WHERE id = $1 AND status = 'PENDING' AND escalated = false`,
		id, at,
	)
	if err != nil {
		return false, fmt.Errorf("claim escalation: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PgStore) resolvedError(ctx context.Context, id string) error {
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return model.NewApprovalAlreadyResolvedError(id, current.Status)
}

func (s *PgStore) query(ctx context.Context, q string, args ...any) ([]model.ApprovalRequest, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query approval requests: %w", err)
	}
	defer rows.Close()

	result := []model.ApprovalRequest{}
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, req)
	}
	return result, rows.Err()
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func insertRequest(ctx context.Context, db execer, req model.ApprovalRequest) error {
	_, err := db.Exec(ctx, `
		INSERT INTO approval_requests (
			id, case_id, request_type, status, approver, from_state, to_state,
			requested_by, requested_at, due_at, escalated, escalated_at, delegated_from
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		req.ID, req.CaseID, req.RequestType, string(req.Status), req.Approver, req.FromState, req.ToState,
		req.RequestedBy, req.RequestedAt, req.DueAt, req.Escalated, req.EscalatedAt, req.DelegatedFromRequestID,
	)
	return err
}

func transitionRow(ctx context.Context, db execer, id string, to model.ApprovalStatus, res model.Resolution) (model.ApprovalRequest, error) {
	return scanRequest(db.QueryRow(ctx, `
		UPDATE approval_requests SET
			status = $2,
			resolution_notes = $3,
			resolved_by = $4,
			resolved_at = $5
		WHERE id = $1 AND status = 'PENDING'`+returningRequest,
		id, string(to), res.Notes, res.ResolvedBy, res.ResolvedAt,
	))
}

func scanRequest(row pgx.Row) (model.ApprovalRequest, error) {
	var (
		req        model.ApprovalRequest
		status     string
		notes      *string
		resolvedBy *string
		resolvedAt *time.Time
	)
	err := row.Scan(
		&req.ID, &req.CaseID, &req.RequestType, &status, &req.Approver, &req.FromState, &req.ToState,
		&req.RequestedBy, &req.RequestedAt, &req.DueAt, &req.Escalated, &req.EscalatedAt,
		&notes, &resolvedBy, &resolvedAt, &req.DelegatedFromRequestID,
	)
	if err != nil {
		return model.ApprovalRequest{}, err
	}
	req.Status = model.ApprovalStatus(status)
	if resolvedAt != nil {
		res := model.Resolution{ResolvedAt: *resolvedAt}
		if notes != nil {
			res.Notes = *notes
		}
		if resolvedBy != nil {
			res.ResolvedBy = *resolvedBy
		}
		req.Resolution = &res
	}
	return req, nil
}
