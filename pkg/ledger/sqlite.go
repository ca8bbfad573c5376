package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore keeps records in a single sqlite table, the document as a
// JSON column.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteStore opens (creating if needed) the database at path and
// applies the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		path = "gantry.db"
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		pipeline TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		ended_at DATETIME,
		data TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("migrate sqlite: %w", err)
	}
	return nil
}

// Save upserts rec.
func (s *SQLiteStore) Save(ctx context.Context, rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, pipeline, status, started_at, ended_at, data)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			status = excluded.status,
			ended_at = excluded.ended_at,
			data = excluded.data`,
		rec.RunID, rec.Pipeline, string(rec.Status),
		rec.StartedAt.UTC().Format(time.RFC3339Nano), rec.EndedAt.UTC().Format(time.RFC3339Nano), string(data))
	if err != nil {
		return fmt.Errorf("save run %s: %w", rec.RunID, err)
	}
	return nil
}

// Load reads the record for runID.
func (s *SQLiteStore) Load(ctx context.Context, runID string) (*Record, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM runs WHERE run_id = ?`, runID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}
	var rec Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal ledger: %w", err)
	}
	return &rec, nil
}

// List returns the most recent runs first.
func (s *SQLiteStore) List(ctx context.Context, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, pipeline, status, started_at, ended_at
		FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sum Summary
		var status, started string
		var ended sql.NullString
		if err := rows.Scan(&sum.RunID, &sum.Pipeline, &status, &started, &ended); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		sum.Status = Status(status)
		sum.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		if ended.Valid {
			sum.EndedAt, _ = time.Parse(time.RFC3339Nano, ended.String)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
