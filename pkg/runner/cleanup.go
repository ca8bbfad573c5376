package runner

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/ormasoftchile/gantry/pkg/artifact"
	"github.com/ormasoftchile/gantry/pkg/ledger"
	"github.com/ormasoftchile/gantry/pkg/trace"
)

const (
	strategyPrimary  = "primary"
	strategyFallback = "fallback"
	logBundleName    = "logs.tar.zst"
)

// cleanup bundles step logs, prunes old artifact runs and tears down the
// workspace. Every failure is recorded; none is returned and none
// changes the verdict.
func (x *run) cleanup() (rec ledger.CleanupRecord) {
	rec.Status = ledger.CleanupComplete
	defer func() {
		if p := recover(); p != nil {
			rec.Errors = append(rec.Errors, fmt.Sprintf("panic during cleanup: %v", p))
		}
		if len(rec.Errors) > 0 && rec.Strategy != strategyFallback {
			rec.Status = ledger.CleanupFailed
		}
		for i, e := range rec.Errors {
			rec.Errors[i] = x.secrets.Redact(e)
		}
		x.trace.Emit(trace.EventCleanup, "", map[string]any{
			"status":   string(rec.Status),
			"strategy": rec.Strategy,
			"errors":   rec.Errors,
		})
		if len(rec.Errors) > 0 {
			x.log.Warn("cleanup finished with errors", "run_id", x.id, "errors", rec.Errors)
		}
	}()

	if sink := x.exec.Sink(); sink != nil {
		dst := filepath.Join(x.store.Root(), x.id, logBundleName)
		ok, err := artifact.BundleLogs(sink.RunDir(x.id), dst)
		switch {
		case err != nil:
			rec.Errors = append(rec.Errors, fmt.Sprintf("log bundle: %v", err))
		case ok:
			rec.LogBundle = path.Join(x.id, logBundleName)
		}
	}

	pruned, err := x.store.Prune(x.graph.Def.Options.Retention, x.id)
	rec.Pruned = pruned
	if err != nil {
		rec.Errors = append(rec.Errors, fmt.Sprintf("retention: %v", err))
	}

	strategy, errs := x.teardown()
	rec.Strategy = strategy
	for _, err := range errs {
		rec.Errors = append(rec.Errors, fmt.Sprintf("workspace: %v", err))
	}
	if strategy == strategyFallback {
		x.ledger.NoteRun("workspace cleanup completed via the fallback path")
	} else if strategy == "" {
		rec.Status = ledger.CleanupFailed
	}
	return rec
}

// teardown removes the workspace. When removal fails it makes the tree
// writable and retries, then moves it aside into a trash directory.
// The returned strategy is empty when every attempt failed.
func (x *run) teardown() (string, []error) {
	err := x.removeAll(x.workspace)
	if err == nil {
		return strategyPrimary, nil
	}
	errs := []error{fmt.Errorf("remove: %w", err)}
	x.log.Warn("workspace removal failed, trying fallback", "workspace", x.workspace, "error", err)

	makeWritable(x.workspace)
	if err := x.removeAll(x.workspace); err == nil {
		return strategyFallback, errs
	} else {
		errs = append(errs, fmt.Errorf("remove after chmod: %w", err))
	}

	trash := filepath.Join(x.workspaceRoot, ".trash")
	if err := os.MkdirAll(trash, 0o755); err != nil {
		return "", append(errs, fmt.Errorf("trash: %w", err))
	}
	if err := os.Rename(x.workspace, filepath.Join(trash, x.id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return "", append(errs, fmt.Errorf("move to trash: %w", err))
	}
	return strategyFallback, errs
}

func makeWritable(root string) {
	filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		mode := os.FileMode(0o644)
		if d.IsDir() {
			mode = 0o755
		}
		os.Chmod(p, mode)
		return nil
	})
}
