package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/caseflow/model"
)

// PgCaseStore is a PostgreSQL-backed CaseStore using pgx/v5.
type PgCaseStore struct {
	pool *pgxpool.Pool
}

// NewPgCaseStore creates a new PostgreSQL case store.
func NewPgCaseStore(pool *pgxpool.Pool) *PgCaseStore {
	return &PgCaseStore{pool: pool}
}

const selectCases = `
	SELECT id, current_state, site, severity, disposition, fields, version,
	       created_at, updated_at
	FROM cases`

// Create inserts a new case.
func (s *PgCaseStore) Create(ctx context.Context, c model.Case) error {
	fieldsJSON, err := json.Marshal(c.Fields)
	if err != nil {
		return fmt.Errorf("marshal fields: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO cases (
			id, current_state, site, severity, disposition, fields, version,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		c.ID, c.CurrentState, c.Scope.Site, c.Scope.Severity, c.Disposition, fieldsJSON, c.Version,
		c.CreatedAt, c.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return model.NewConflictError(fmt.Sprintf("case %q already exists", c.ID))
	}
	if err != nil {
		return fmt.Errorf("insert case: %w", err)
	}
	return nil
}

// Get retrieves a case by ID.
func (s *PgCaseStore) Get(ctx context.Context, caseID string) (model.Case, error) {
	c, err := scanCase(s.pool.QueryRow(ctx, selectCases+` WHERE id = $1`, caseID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Case{}, caseNotFound(caseID)
	}
	if err != nil {
		return model.Case{}, fmt.Errorf("query case: %w", err)
	}
	return c, nil
}

// Update persists c with optimistic locking.
func (s *PgCaseStore) Update(ctx context.Context, c model.Case) (model.Case, error) {
	fieldsJSON, err := json.Marshal(c.Fields)
	if err != nil {
		return model.Case{}, fmt.Errorf("marshal fields: %w", err)
	}

	updated, err := scanCase(s.pool.QueryRow(ctx, `
		UPDATE cases SET
			current_state = $1,
			disposition = $2,
			fields = $3,
			version = version + 1,
			updated_at = $4
		WHERE id = $5 AND version = $6
		RETURNING id, current_state, site, severity, disposition, fields, version,
		          created_at, updated_at`,
		c.CurrentState, c.Disposition, fieldsJSON, time.Now().UTC(),
		c.ID, c.Version,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.Get(ctx, c.ID); getErr != nil {
			return model.Case{}, getErr
		}
		return model.Case{}, model.NewConcurrentModificationError("case", c.ID, c.Version)
	}
	if err != nil {
		return model.Case{}, fmt.Errorf("update case: %w", err)
	}
	return updated, nil
}

// List returns matching cases, most recently updated first.
func (s *PgCaseStore) List(ctx context.Context, filters CaseFilters) ([]model.Case, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filters.State != "" {
		add("current_state = $%d", filters.State)
	}
	if filters.Site != "" {
		add("site = $%d", filters.Site)
	}
	if filters.Severity != "" {
		add("severity = $%d", filters.Severity)
	}

	q := selectCases
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY updated_at DESC, id"
	if filters.Limit > 0 {
		args = append(args, filters.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filters.Offset > 0 {
		args = append(args, filters.Offset)
		q += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query cases: %w", err)
	}
	defer rows.Close()

	result := []model.Case{}
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

// HealthCheck pings the database.
func (s *PgCaseStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func scanCase(row pgx.Row) (model.Case, error) {
	var (
		c          model.Case
		fieldsJSON []byte
	)
	err := row.Scan(
		&c.ID, &c.CurrentState, &c.Scope.Site, &c.Scope.Severity, &c.Disposition, &fieldsJSON, &c.Version,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return model.Case{}, err
	}
	if fieldsJSON != nil {
		if err := json.Unmarshal(fieldsJSON, &c.Fields); err != nil {
			return model.Case{}, fmt.Errorf("unmarshal fields: %w", err)
		}
	}
	return c, nil
}
