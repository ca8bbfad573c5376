package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps records in a postgres table with a JSONB document
// column.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and applies the schema.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS gantry_runs (
			run_id TEXT PRIMARY KEY,
			pipeline TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ,
			data JSONB NOT NULL
		)`)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Save upserts rec.
func (s *PostgresStore) Save(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO gantry_runs (run_id, pipeline, status, started_at, ended_at, data)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (run_id) DO UPDATE SET
			status = EXCLUDED.status,
			ended_at = EXCLUDED.ended_at,
			data = EXCLUDED.data`,
		rec.RunID, rec.Pipeline, string(rec.Status), rec.StartedAt, rec.EndedAt, data)
	if err != nil {
		return fmt.Errorf("save run %s: %w", rec.RunID, err)
	}
	return nil
}

// Load reads the record for runID.
func (s *PostgresStore) Load(ctx context.Context, runID string) (*Record, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM gantry_runs WHERE run_id = $1`, runID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal ledger: %w", err)
	}
	return &rec, nil
}

// List returns the most recent runs first.
func (s *PostgresStore) List(ctx context.Context, limit int) ([]Summary, error) {
	query := `SELECT run_id, pipeline, status, started_at, ended_at FROM gantry_runs ORDER BY started_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sum Summary
		var status string
		if err := rows.Scan(&sum.RunID, &sum.Pipeline, &status, &sum.StartedAt, &sum.EndedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		sum.Status = Status(status)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
