package executor

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LogSink stores step output as <root>/<run-id>/<stage-path>/<index>.log.
// Post-action steps use post-<condition>-<index>.log.
type LogSink struct {
	root string
}

// NewLogSink returns a sink rooted at dir.
func NewLogSink(dir string) *LogSink {
	return &LogSink{root: dir}
}

// Root returns the sink directory.
func (s *LogSink) Root() string { return s.root }

// RunDir returns the directory holding every log of runID.
func (s *LogSink) RunDir(runID string) string {
	return filepath.Join(s.root, runID)
}

// Ref returns the sink-relative address of a step log.
func Ref(runID, stagePath string, index int, post string) string {
	name := fmt.Sprintf("%d.log", index)
	if post != "" {
		name = fmt.Sprintf("post-%s-%d.log", post, index)
	}
	parts := append([]string{runID}, strings.Split(stagePath, "/")...)
	return filepath.ToSlash(filepath.Join(append(parts, name)...))
}

// Create opens a new step log and returns it with its ref.
func (s *LogSink) Create(runID, stagePath string, index int, post string) (io.WriteCloser, string, error) {
	ref := Ref(runID, stagePath, index, post)
	path := filepath.Join(s.root, filepath.FromSlash(ref))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, "", fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, "", fmt.Errorf("create step log: %w", err)
	}
	return f, ref, nil
}

// Open returns the log addressed by ref.
func (s *LogSink) Open(ref string) (io.ReadCloser, error) {
	clean := filepath.Clean(filepath.FromSlash(ref))
	if filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return nil, fmt.Errorf("invalid log ref %q", ref)
	}
	return os.Open(filepath.Join(s.root, clean))
}
