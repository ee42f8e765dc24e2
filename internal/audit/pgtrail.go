package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/caseflow/model"
)

// PgTrail is a PostgreSQL-backed Trail. The audit_entries table has a
// bigserial seq column that orders entries sharing a timestamp.
type PgTrail struct {
	pool *pgxpool.Pool
}

// NewPgTrail creates a new PostgreSQL audit trail.
func NewPgTrail(pool *pgxpool.Pool) *PgTrail {
	return &PgTrail{pool: pool}
}

const selectEntries = `
	SELECT id, kind, event, case_id, request_id, actor, created_at,
	       from_value, to_value, reason, approval_required, data
	FROM audit_entries`

// Record inserts an entry.
func (t *PgTrail) Record(ctx context.Context, entry model.AuditEntry) (model.AuditEntry, error) {
	entry = prepare(entry)

	dataJSON, err := json.Marshal(entry.Data)
	if err != nil {
		return model.AuditEntry{}, fmt.Errorf("marshal audit data: %w", err)
	}

	_, err = t.pool.Exec(ctx, `
		INSERT INTO audit_entries (
			id, kind, event, case_id, request_id, actor, created_at,
			from_value, to_value, reason, approval_required, data
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		entry.ID, entry.Kind, entry.Event, entry.CaseID, entry.RequestID, entry.Actor, entry.Timestamp,
		entry.FromValue, entry.ToValue, entry.Reason, entry.ApprovalRequired, dataJSON,
	)
	if err != nil {
		return model.AuditEntry{}, fmt.Errorf("insert audit entry: %w", err)
	}
	return entry, nil
}

// QueryByCase returns every entry for caseID.
func (t *PgTrail) QueryByCase(ctx context.Context, caseID string) ([]model.AuditEntry, error) {
	return t.query(ctx, selectEntries+` WHERE case_id = $1 ORDER BY created_at, seq`, caseID)
}

// QueryByRequest returns every entry for requestID.
func (t *PgTrail) QueryByRequest(ctx context.Context, requestID string) ([]model.AuditEntry, error) {
	return t.query(ctx, selectEntries+` WHERE request_id = $1 ORDER BY created_at, seq`, requestID)
}

// QueryByEvent returns entries named event recorded at or after since.
func (t *PgTrail) QueryByEvent(ctx context.Context, event string, since time.Time) ([]model.AuditEntry, error) {
	return t.query(ctx, selectEntries+` WHERE event = $1 AND created_at >= $2 ORDER BY created_at, seq`, event, since)
}

// HealthCheck pings the database.
func (t *PgTrail) HealthCheck(ctx context.Context) error {
	return t.pool.Ping(ctx)
}

func (t *PgTrail) query(ctx context.Context, query string, args ...any) ([]model.AuditEntry, error) {
	rows, err := t.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	entries := make([]model.AuditEntry, 0)
	for rows.Next() {
		var (
			e        model.AuditEntry
			dataJSON []byte
		)
		if err := rows.Scan(
			&e.ID, &e.Kind, &e.Event, &e.CaseID, &e.RequestID, &e.Actor, &e.Timestamp,
			&e.FromValue, &e.ToValue, &e.Reason, &e.ApprovalRequired, &dataJSON,
		); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		if dataJSON != nil {
			_ = json.Unmarshal(dataJSON, &e.Data)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
