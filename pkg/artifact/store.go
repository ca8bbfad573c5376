// Package artifact archives step outputs and ingests the reports steps
// produce.
package artifact

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/zeebo/blake3"

	"github.com/ormasoftchile/gantry/pkg/credentials"
	"github.com/ormasoftchile/gantry/pkg/ledger"
)

var (
	ErrNoMatch          = errors.New("no files matched")
	ErrSecretInArtifact = errors.New("artifact content contains a secret value")
	ErrFingerprint      = errors.New("fingerprint mismatch")
)

// permanentMarker flags a run directory that holds permanent artifacts.
const permanentMarker = ".permanent"

// Uploader copies an archived file to remote storage and returns its
// location.
type Uploader interface {
	Upload(ctx context.Context, key, localPath string) (string, error)
}

// Store keeps archived files under <root>/<runID>/<stage path>/.
type Store struct {
	root     string
	log      *slog.Logger
	uploader Uploader
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option { return func(s *Store) { s.log = log } }

// WithUploader mirrors every archived file to u.
func WithUploader(u Uploader) Option { return func(s *Store) { s.uploader = u } }

// NewStore returns a store rooted at root.
func NewStore(root string, opts ...Option) *Store {
	s := &Store{root: root, log: slog.New(slog.DiscardHandler)}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Root returns the store directory.
func (s *Store) Root() string { return s.root }

// ArchiveRequest describes one archive action.
type ArchiveRequest struct {
	RunID     string
	Stage     string
	Workspace string
	Pattern   string

	Fingerprint bool
	AllowEmpty  bool
	Retention   ledger.RetentionClass

	// Redactor holds every secret the run has acquired so far. A file
	// containing any of them is refused.
	Redactor *credentials.Redactor
}

// Match returns the workspace-relative files matching pattern, sorted.
func Match(workspace, pattern string) ([]string, error) {
	pattern = filepath.ToSlash(pattern)
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid pattern %q", pattern)
	}
	matches, err := doublestar.Glob(os.DirFS(workspace), pattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("match %q: %w", pattern, err)
	}
	sort.Strings(matches)
	return matches, nil
}

// Archive copies the files matching req.Pattern into the store. Nothing
// is copied when any matched file fails the secret scan.
func (s *Store) Archive(ctx context.Context, req ArchiveRequest) ([]ledger.ArtifactRecord, error) {
	matches, err := Match(req.Workspace, req.Pattern)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		if !req.AllowEmpty {
			return nil, fmt.Errorf("archive %q: %w", req.Pattern, ErrNoMatch)
		}
		s.log.Info("archive matched nothing", "pattern", req.Pattern, "stage", req.Stage)
		return nil, nil
	}

	if req.Redactor != nil && !req.Redactor.Empty() {
		for _, rel := range matches {
			data, err := os.ReadFile(filepath.Join(req.Workspace, filepath.FromSlash(rel)))
			if err != nil {
				return nil, fmt.Errorf("scan %s: %w", rel, err)
			}
			if req.Redactor.Contains(data) {
				return nil, fmt.Errorf("archive %s: %w", rel, ErrSecretInArtifact)
			}
		}
	}

	retention := req.Retention
	if retention == "" {
		retention = ledger.RetentionRun
	}
	runDir := filepath.Join(s.root, req.RunID)
	records := make([]ledger.ArtifactRecord, 0, len(matches))
	for _, rel := range matches {
		if err := ctx.Err(); err != nil {
			return records, err
		}
		stored := path.Join(req.RunID, req.Stage, rel)
		dst := filepath.Join(s.root, filepath.FromSlash(stored))
		size, sum, err := copyFile(filepath.Join(req.Workspace, filepath.FromSlash(rel)), dst, req.Fingerprint)
		if err != nil {
			return records, fmt.Errorf("archive %s: %w", rel, err)
		}
		rec := ledger.ArtifactRecord{
			Pattern:     req.Pattern,
			Path:        rel,
			StoredAt:    stored,
			Size:        size,
			Fingerprint: sum,
			Retention:   retention,
			Stage:       req.Stage,
		}
		if s.uploader != nil {
			remote, err := s.uploader.Upload(ctx, stored, dst)
			if err != nil {
				s.log.Warn("artifact upload failed", "path", stored, "error", err)
			} else {
				rec.Remote = remote
			}
		}
		records = append(records, rec)
	}
	if retention == ledger.RetentionPermanent {
		if err := os.WriteFile(filepath.Join(runDir, permanentMarker), nil, 0o644); err != nil {
			return records, fmt.Errorf("mark permanent: %w", err)
		}
	}
	s.log.Info("archived artifacts", "pattern", req.Pattern, "stage", req.Stage, "count", len(records))
	return records, nil
}

func copyFile(src, dst string, fingerprint bool) (int64, string, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, "", err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, "", err
	}
	out, err := os.Create(dst)
	if err != nil {
		return 0, "", err
	}

	var w io.Writer = out
	var h *blake3.Hasher
	if fingerprint {
		h = blake3.New()
		w = io.MultiWriter(out, h)
	}
	n, err := io.Copy(w, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, "", err
	}
	if h == nil {
		return n, "", nil
	}
	return n, "blake3:" + hex.EncodeToString(h.Sum(nil)), nil
}

// Fingerprint returns the content fingerprint of the file at p.
func Fingerprint(p string) (string, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return "blake3:" + hex.EncodeToString(h.Sum(nil)), nil
}

// Verify recomputes the fingerprint of an archived file and compares it
// with the recorded one. Records without a fingerprint always verify.
func (s *Store) Verify(rec ledger.ArtifactRecord) error {
	if rec.Fingerprint == "" {
		return nil
	}
	got, err := Fingerprint(filepath.Join(s.root, filepath.FromSlash(rec.StoredAt)))
	if err != nil {
		return err
	}
	if got != rec.Fingerprint {
		return fmt.Errorf("%s: %w (recorded %s, found %s)", rec.StoredAt, ErrFingerprint, rec.Fingerprint, got)
	}
	return nil
}

// Prune removes the oldest run directories so that at most keep remain.
// Runs holding permanent artifacts and the run named current are never
// removed and do not count against keep. keep <= 0 disables pruning.
func (s *Store) Prune(keep int, current string) ([]string, error) {
	if keep <= 0 {
		return nil, nil
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	type run struct {
		id  string
		mod int64
	}
	var runs []run
	for _, e := range entries {
		if !e.IsDir() || e.Name() == current || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.root, e.Name(), permanentMarker)); err == nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		runs = append(runs, run{id: e.Name(), mod: info.ModTime().UnixNano()})
	}
	if current != "" {
		keep--
	}
	if len(runs) <= keep {
		return nil, nil
	}
	slices.SortFunc(runs, func(a, b run) int {
		if a.mod != b.mod {
			if a.mod < b.mod {
				return -1
			}
			return 1
		}
		return strings.Compare(a.id, b.id)
	})

	var pruned []string
	var errs []error
	for _, r := range runs[:len(runs)-max(keep, 0)] {
		if err := os.RemoveAll(filepath.Join(s.root, r.id)); err != nil {
			errs = append(errs, fmt.Errorf("prune %s: %w", r.id, err))
			continue
		}
		pruned = append(pruned, r.id)
	}
	if len(pruned) > 0 {
		s.log.Info("pruned artifact runs", "count", len(pruned))
	}
	return pruned, errors.Join(errs...)
}
