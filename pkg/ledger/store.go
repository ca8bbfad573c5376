package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrNotFound is returned by Store.Load for unknown run IDs.
var ErrNotFound = errors.New("run not found")

// Store persists sealed ledger records.
type Store interface {
	Save(ctx context.Context, rec *Record) error
	Load(ctx context.Context, runID string) (*Record, error)
	List(ctx context.Context, limit int) ([]Summary, error)
	Close() error
}

// Open returns the store for driver: "file" (a directory of JSON
// documents), "sqlite" or "postgres".
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case "", "file":
		return NewFileStore(dsn)
	case "sqlite", "sqlite3":
		return NewSQLiteStore(dsn)
	case "postgres", "pgx":
		return NewPostgresStore(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown ledger store driver %q", driver)
	}
}

func summarize(rec *Record) Summary {
	return Summary{
		RunID:     rec.RunID,
		Pipeline:  rec.Pipeline,
		Status:    rec.Status,
		StartedAt: rec.StartedAt,
		EndedAt:   rec.EndedAt,
	}
}

// FileStore keeps one <run-id>.json document per run in a directory.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		dir = filepath.Join(".gantry", "runs")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(runID string) string {
	return filepath.Join(s.dir, runID+".json")
}

// Save writes rec atomically.
func (s *FileStore) Save(_ context.Context, rec *Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}
	tmp := s.path(rec.RunID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	if err := os.Rename(tmp, s.path(rec.RunID)); err != nil {
		return fmt.Errorf("commit ledger: %w", err)
	}
	return nil
}

// Load reads the record for runID.
func (s *FileStore) Load(_ context.Context, runID string) (*Record, error) {
	data, err := os.ReadFile(s.path(runID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal ledger: %w", err)
	}
	return &rec, nil
}

// List returns the most recent runs first.
func (s *FileStore) List(ctx context.Context, limit int) ([]Summary, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list ledgers: %w", err)
	}
	var out []Summary
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		rec, err := s.Load(ctx, strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			continue
		}
		out = append(out, summarize(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close is a no-op.
func (s *FileStore) Close() error { return nil }
