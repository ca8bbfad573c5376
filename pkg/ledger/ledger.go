package ledger

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrSealed is returned by any mutation after Seal, including a
	// second Seal.
	ErrSealed = errors.New("ledger is sealed")

	// ErrTerminal is returned when a transition is attempted out of a
	// terminal state.
	ErrTerminal = errors.New("stage already terminal")
)

// Ledger is the authoritative record of one run. All mutation goes
// through its methods; readers take a Snapshot.
type Ledger struct {
	mu     sync.Mutex
	rec    Record
	stages map[string]*StageResult
}

// New creates an open ledger around a pre-built tree of pending stage
// results. The root result stands for the pipeline as a whole.
func New(runID, pipeline string, ctx ContextSnapshot, root *StageResult, now time.Time) *Ledger {
	l := &Ledger{
		rec: Record{
			RunID:     runID,
			Pipeline:  pipeline,
			Context:   ctx,
			Status:    StatusRunning,
			StartedAt: now,
			Root:      root,
			Cleanup:   CleanupRecord{Status: CleanupPending},
		},
		stages: make(map[string]*StageResult),
	}
	root.Walk(func(s *StageResult) {
		l.stages[s.Path] = s
	})
	return l
}

// RunID returns the run identifier.
func (l *Ledger) RunID() string {
	return l.rec.RunID
}

func (l *Ledger) stage(path string) (*StageResult, error) {
	if l.rec.Sealed {
		return nil, ErrSealed
	}
	s, ok := l.stages[path]
	if !ok {
		return nil, fmt.Errorf("unknown stage %q", path)
	}
	return s, nil
}

// validTransition encodes the stage state machine.
func validTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusSkipped || to == StatusFailed
	case StatusRunning:
		return to == StatusAwaitingApproval || to.Terminal()
	case StatusAwaitingApproval:
		return to == StatusRunning || to == StatusFailed
	}
	return false
}

// Transition moves the stage at path to status. Terminal states are
// final.
func (l *Ledger) Transition(path string, status Status, reason Reason, now time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, err := l.stage(path)
	if err != nil {
		return err
	}
	if s.Status.Terminal() {
		return fmt.Errorf("stage %q: %w", path, ErrTerminal)
	}
	if !validTransition(s.Status, status) {
		return fmt.Errorf("stage %q: invalid transition %s -> %s", path, s.Status, status)
	}
	if s.Status == StatusPending && status != StatusPending {
		s.StartedAt = now
	}
	s.Status = status
	if reason != ReasonNone {
		s.Reason = reason
	}
	if status.Terminal() {
		s.EndedAt = now
	}
	return nil
}

// StatusOf returns the current status of the stage at path.
func (l *Ledger) StatusOf(path string) Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.stages[path]; ok {
		return s.Status
	}
	return ""
}

// ReasonOf returns the current reason of the stage at path.
func (l *Ledger) ReasonOf(path string) Reason {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.stages[path]; ok {
		return s.Reason
	}
	return ReasonNone
}

// AppendStep records a finished step of the stage at path.
func (l *Ledger) AppendStep(path string, step StepResult) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, err := l.stage(path)
	if err != nil {
		return err
	}
	if step.Post != "" {
		s.Post = append(s.Post, step)
	} else {
		s.Steps = append(s.Steps, step)
	}
	return nil
}

// AddArtifacts records archived files against the stage at path and
// the run as a whole.
func (l *Ledger) AddArtifacts(path string, records []ArtifactRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, err := l.stage(path)
	if err != nil {
		return err
	}
	s.Artifacts = append(s.Artifacts, records...)
	l.rec.Artifacts = append(l.rec.Artifacts, records...)
	return nil
}

// AddTests folds a test report summary into the stage at path.
func (l *Ledger) AddTests(path string, t TestSummary) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, err := l.stage(path)
	if err != nil {
		return err
	}
	if s.Tests == nil {
		s.Tests = &TestSummary{}
	}
	s.Tests.Reports += t.Reports
	s.Tests.Tests += t.Tests
	s.Tests.Failures += t.Failures
	s.Tests.Errors += t.Errors
	s.Tests.Skipped += t.Skipped
	s.Tests.Cases = append(s.Tests.Cases, t.Cases...)
	return nil
}

// AddScan folds a scan report summary into the stage at path.
func (l *Ledger) AddScan(path string, sc ScanSummary) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, err := l.stage(path)
	if err != nil {
		return err
	}
	if s.Scan == nil {
		s.Scan = &ScanSummary{}
	}
	s.Scan.Tools = append(s.Scan.Tools, sc.Tools...)
	s.Scan.Findings += sc.Findings
	s.Scan.Blocking += sc.Blocking
	s.Scan.Blockers = append(s.Scan.Blockers, sc.Blockers...)
	return nil
}

// Note appends a free-text note to the stage at path.
func (l *Ledger) Note(path, note string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, err := l.stage(path)
	if err != nil {
		return err
	}
	s.Notes = append(s.Notes, note)
	return nil
}

// NoteRun appends a run-level note.
func (l *Ledger) NoteRun(note string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rec.Sealed {
		return ErrSealed
	}
	l.rec.Notes = append(l.rec.Notes, note)
	return nil
}

// FailOutstanding fails every stage still running or awaiting approval,
// and pending ones too when includePending is set. Used when the run is
// torn down before the scheduler reached those stages.
func (l *Ledger) FailOutstanding(reason Reason, includePending bool, now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rec.Sealed {
		return 0
	}
	n := 0
	for _, s := range l.stages {
		if s.Path == l.rec.Root.Path {
			continue
		}
		switch s.Status {
		case StatusRunning, StatusAwaitingApproval:
		case StatusPending:
			if !includePending {
				continue
			}
			s.StartedAt = now
		default:
			continue
		}
		s.Status = StatusFailed
		s.Reason = reason
		s.EndedAt = now
		n++
	}
	return n
}

// FailSubtree fails the stage at path unless it is terminal, and every
// running or waiting stage below it. Pending descendants stay pending.
func (l *Ledger) FailSubtree(path string, reason Reason, now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	top, ok := l.stages[path]
	if l.rec.Sealed || !ok {
		return 0
	}
	n := 0
	top.Walk(func(s *StageResult) {
		switch {
		case s.Status.Terminal():
			return
		case s == top:
			if s.StartedAt.IsZero() {
				s.StartedAt = now
			}
		case s.Status == StatusPending:
			return
		}
		s.Status = StatusFailed
		s.Reason = reason
		s.EndedAt = now
		n++
	})
	return n
}

// Sealed reports whether Seal has completed.
func (l *Ledger) Sealed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rec.Sealed
}

// Seal finalizes the ledger with the run verdict and cleanup outcome.
// It succeeds exactly once; later calls return ErrSealed and change
// nothing.
func (l *Ledger) Seal(status Status, cleanup CleanupRecord, now time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rec.Sealed {
		return ErrSealed
	}
	if !status.Terminal() {
		return fmt.Errorf("seal with non-terminal status %q", status)
	}
	root := l.rec.Root
	if !root.Status.Terminal() {
		root.Status = status
		root.EndedAt = now
		if root.StartedAt.IsZero() {
			root.StartedAt = l.rec.StartedAt
		}
	}
	l.rec.Status = status
	l.rec.EndedAt = now
	l.rec.Cleanup = cleanup
	l.rec.Sealed = true
	return nil
}

// Snapshot returns a deep copy of the current record.
func (l *Ledger) Snapshot() *Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	r := l.rec
	r.Root = l.rec.Root.clone()
	r.Artifacts = append([]ArtifactRecord(nil), l.rec.Artifacts...)
	r.Notes = append([]string(nil), l.rec.Notes...)
	r.Cleanup.Errors = append([]string(nil), l.rec.Cleanup.Errors...)
	r.Cleanup.Pruned = append([]string(nil), l.rec.Cleanup.Pruned...)
	if l.rec.Context.Params != nil {
		r.Context.Params = make(map[string]string, len(l.rec.Context.Params))
		for k, v := range l.rec.Context.Params {
			r.Context.Params[k] = v
		}
	}
	return &r
}
