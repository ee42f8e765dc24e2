package configuration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/caseflow/model"
)

// PgStore is a PostgreSQL-backed Store. Each layer is a row keyed by scope
// key holding the layer document as JSONB.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL configuration store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// List returns every stored layer.
func (s *PgStore) List(ctx context.Context) ([]model.WorkflowConfiguration, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT document, version, updated_by, updated_at
		FROM workflow_configurations`)
	if err != nil {
		return nil, fmt.Errorf("query workflow configurations: %w", err)
	}
	defer rows.Close()

	var layers []model.WorkflowConfiguration
	for rows.Next() {
		cfg, err := scanLayer(rows)
		if err != nil {
			return nil, err
		}
		layers = append(layers, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortLayers(layers)
	return layers, nil
}

// Get returns the layer for scope.
func (s *PgStore) Get(ctx context.Context, scope model.Scope) (model.WorkflowConfiguration, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT document, version, updated_by, updated_at
		FROM workflow_configurations
		WHERE scope_key = $1`,
		scope.Key(),
	)
	cfg, err := scanLayer(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowConfiguration{}, model.NewNotFoundError(
			fmt.Sprintf("configuration for scope %q not found", scope.Key()),
		)
	}
	return cfg, err
}

// Put upserts the layer. A non-zero Version is checked against the stored
// row in the same statement.
func (s *PgStore) Put(ctx context.Context, cfg model.WorkflowConfiguration) (model.WorkflowConfiguration, error) {
	doc, err := json.Marshal(cfg)
	if err != nil {
		return model.WorkflowConfiguration{}, fmt.Errorf("marshal configuration: %w", err)
	}

	now := time.Now().UTC()
	key := cfg.Scope.Key()

	var version int
	if cfg.Version == 0 {
		err = s.pool.QueryRow(ctx, `
			INSERT INTO workflow_configurations (scope_key, site, severity, document, version, updated_by, updated_at)
			VALUES ($1, $2, $3, $4, 1, $5, $6)
			ON CONFLICT (scope_key) DO UPDATE SET
				document = EXCLUDED.document,
				version = workflow_configurations.version + 1,
				updated_by = EXCLUDED.updated_by,
				updated_at = EXCLUDED.updated_at
			RETURNING version`,
			key, cfg.Scope.Site, cfg.Scope.Severity, doc, cfg.UpdatedBy, now,
		).Scan(&version)
	} else {
		err = s.pool.QueryRow(ctx, `
			UPDATE workflow_configurations SET
				document = $1,
				version = version + 1,
				updated_by = $2,
				updated_at = $3
			WHERE scope_key = $4 AND version = $5
			RETURNING version`,
			doc, cfg.UpdatedBy, now, key, cfg.Version,
		).Scan(&version)
		if errors.Is(err, pgx.ErrNoRows) {
			return model.WorkflowConfiguration{}, model.NewConcurrentModificationError("configuration", key, cfg.Version)
		}
	}
	if err != nil {
		return model.WorkflowConfiguration{}, fmt.Errorf("upsert workflow configuration: %w", err)
	}

	cfg.Version = version
	cfg.UpdatedAt = now
	return cfg, nil
}

// Delete removes the layer for scope.
func (s *PgStore) Delete(ctx context.Context, scope model.Scope) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM workflow_configurations WHERE scope_key = $1`, scope.Key())
	if err != nil {
		return fmt.Errorf("delete workflow configuration: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("configuration for scope %q not found", scope.Key()))
	}
	return nil
}

// HealthCheck pings the database.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func scanLayer(row pgx.Row) (model.WorkflowConfiguration, error) {
	var (
		cfg       model.WorkflowConfiguration
		doc       []byte
		version   int
		updatedBy string
		updatedAt time.Time
	)
	if err := row.Scan(&doc, &version, &updatedBy, &updatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return cfg, err
		}
		return cfg, fmt.Errorf("scan workflow configuration: %w", err)
	}
	if err := json.Unmarshal(doc, &cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal workflow configuration: %w", err)
	}
	cfg.Version = version
	cfg.UpdatedBy = updatedBy
	cfg.UpdatedAt = updatedAt
	return cfg, nil
}
