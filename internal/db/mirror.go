// Package db provides an optional PostgreSQL mirror of run state for fleet
// dashboards. The run directory stays the single source of truth; the mirror
// is write-behind and a mirror failure never blocks a run.
package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Mirror wraps a PostgreSQL connection pool.
type Mirror struct {
	pool *pgxpool.Pool
}

// Connect establishes a connection pool and verifies it.
func Connect(ctx context.Context, databaseURL string) (*Mirror, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Mirror{pool: pool}, nil
}

// Close closes the connection pool.
func (m *Mirror) Close() {
	if m.pool != nil {
		m.pool.Close()
	}
}

// UpsertRun records or refreshes the run's header row.
func (m *Mirror) UpsertRun(ctx context.Context, runID, query, mode, status, stage string, revision int) error {
	_, err := m.pool.Exec(ctx,
		`INSERT INTO research_runs (run_id, query, mode, status, stage, revision)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (run_id) DO UPDATE SET status = $4, stage = $5, revision = $6, updated_at = NOW()`,
		runID, query, mode, status, stage, revision,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert run: %w", err)
	}
	return nil
}

// RecordEvent appends one lifecycle event for the run.
func (m *Mirror) RecordEvent(ctx context.Context, runID, kind, stage, detail string) error {
	_, err := m.pool.Exec(ctx,
		`INSERT INTO research_run_events (run_id, kind, stage, detail)
		 VALUES ($1, $2, $3, $4)`,
		runID, kind, stage, detail,
	)
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// SaveArtifact mirrors one JSON artifact for a run stage.
func (m *Mirror) SaveArtifact(ctx context.Context, runID, stage, name string, content any) error {
	jsonBytes, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("failed to marshal artifact: %w", err)
	}
	_, err = m.pool.Exec(ctx,
		`INSERT INTO research_artifacts (run_id, stage, name, content)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (run_id, stage, name) DO UPDATE SET content = $4, created_at = NOW()`,
		runID, stage, name, jsonBytes,
	)
	if err != nil {
		return fmt.Errorf("failed to save artifact %s/%s: %w", stage, name, err)
	}
	return nil
}
