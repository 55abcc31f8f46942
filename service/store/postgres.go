package store

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresAuditStore persists terminal tasks for history queries that
// outlive the in-memory task table. It is entirely optional: nothing else
// in the service constructs, writes to, or queries it, and the HTTP API
// lists tasks from the scheduler's in-memory table.
type PostgresAuditStore struct {
	pool *pgxpool.Pool
}

// NewPostgresAuditStore wraps an existing connection pool.
func NewPostgresAuditStore(pool *pgxpool.Pool) *PostgresAuditStore {
	return &PostgresAuditStore{pool: pool}
}

// Migrate creates the audit table if it does not already exist.
func (p *PostgresAuditStore) Migrate(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS task_history (
			id         TEXT PRIMARY KEY,
			priority   INT NOT NULL,
			state      TEXT NOT NULL,
			model      TEXT,
			result     TEXT,
			error      TEXT,
			updated_at TIMESTAMPTZ NOT NULL
		)
	`)
	return err
}

// Record upserts a task's terminal snapshot.
func (p *PostgresAuditStore) Record(ctx context.Context, rec TaskRecord) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO task_history (id, priority, state, model, result, error, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			model = EXCLUDED.model,
			result = EXCLUDED.result,
			error = EXCLUDED.error,
			updated_at = EXCLUDED.updated_at
	`, rec.ID, rec.Priority, rec.State, rec.Model, rec.Result, rec.Error, rec.UpdatedAt)
	return err
}

// ListByState returns up to limit task records in a given state, most
// recently updated first.
func (p *PostgresAuditStore) ListByState(ctx context.Context, state string, limit int) ([]TaskRecord, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, priority, state, model, result, error, updated_at
		FROM task_history WHERE state = $1
		ORDER BY updated_at DESC LIMIT $2
	`, state, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		var rec TaskRecord
		if err := rows.Scan(&rec.ID, &rec.Priority, &rec.State, &rec.Model, &rec.Result, &rec.Error, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
