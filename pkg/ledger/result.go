package ledger

import "time"

// StepResult is the outcome of one step. It is immutable once appended
// to a Ledger.
type StepResult struct {
	Index     int           `json:"index"`
	Name      string        `json:"name"`
	Kind      string        `json:"kind"`
	Status    Status        `json:"status"`
	Reason    Reason        `json:"reason,omitempty"`
	ExitCode  int           `json:"exit_code"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	LogRef    string        `json:"log_ref,omitempty"`
	Error     string        `json:"error,omitempty"`
	// Post names the post condition (always, success, failure) for
	// post-action steps; empty for regular steps.
	Post string `json:"post,omitempty"`
}

// RetentionClass controls how long an archived artifact survives.
type RetentionClass string

const (
	RetentionRun       RetentionClass = "run"
	RetentionPermanent RetentionClass = "permanent"
)

// ArtifactRecord describes one archived file.
type ArtifactRecord struct {
	Pattern     string         `json:"pattern"`
	Path        string         `json:"path"`
	StoredAt    string         `json:"stored_at"`
	Size        int64          `json:"size"`
	Fingerprint string         `json:"fingerprint,omitempty"`
	Retention   RetentionClass `json:"retention"`
	Remote      string         `json:"remote,omitempty"`
	Stage       string         `json:"stage"`
}

// TestSummary folds the counts of every test report ingested by a stage.
// Cases keeps the failed and erroring test cases only.
type TestSummary struct {
	Reports  int              `json:"reports"`
	Tests    int              `json:"tests"`
	Failures int              `json:"failures"`
	Errors   int              `json:"errors"`
	Skipped  int              `json:"skipped"`
	Cases    []TestCaseResult `json:"cases,omitempty"`
}

// Test case outcomes kept in a TestSummary.
const (
	CaseFailed = "failed"
	CaseError  = "error"
)

// TestCaseResult is one failed or erroring test case.
type TestCaseResult struct {
	Report   string        `json:"report"`
	Class    string        `json:"class,omitempty"`
	Name     string        `json:"name"`
	Outcome  string        `json:"outcome"`
	Duration time.Duration `json:"duration"`
	Message  string        `json:"message,omitempty"`
	Output   string        `json:"output,omitempty"`
}

// ID returns class.name, or name when the class is empty.
func (c TestCaseResult) ID() string {
	if c.Class == "" {
		return c.Name
	}
	return c.Class + "." + c.Name
}

// Failed reports whether any failing or erroring test was counted.
func (t *TestSummary) Failed() bool {
	return t != nil && t.Failures+t.Errors > 0
}

// ScanSummary folds the findings of every security scan report ingested
// by a stage.
type ScanSummary struct {
	Tools    []string        `json:"tools"`
	Findings int             `json:"findings"`
	Blocking int             `json:"blocking"`
	Blockers []FindingRecord `json:"blockers,omitempty"`
}

// FindingRecord is one scan finding at or above the blocking threshold.
type FindingRecord struct {
	Tool     string `json:"tool"`
	RuleID   string `json:"rule_id"`
	Severity string `json:"severity"`
	Message  string `json:"message,omitempty"`
	Location string `json:"location,omitempty"`
}

// StageResult aggregates the execution of one stage. Children are kept
// in declaration order; for parallel stages use Child to look them up
// by name.
type StageResult struct {
	Name      string           `json:"name"`
	Path      string           `json:"path"`
	Parallel  bool             `json:"parallel,omitempty"`
	Status    Status           `json:"status"`
	Reason    Reason           `json:"reason,omitempty"`
	StartedAt time.Time        `json:"started_at"`
	EndedAt   time.Time        `json:"ended_at"`
	Steps     []StepResult     `json:"steps,omitempty"`
	Post      []StepResult     `json:"post,omitempty"`
	Children  []*StageResult   `json:"children,omitempty"`
	Artifacts []ArtifactRecord `json:"artifacts,omitempty"`
	Tests     *TestSummary     `json:"tests,omitempty"`
	Scan      *ScanSummary     `json:"scan,omitempty"`
	Notes     []string         `json:"notes,omitempty"`
}

// NewStage creates a pending stage result.
func NewStage(name, path string, parallel bool) *StageResult {
	return &StageResult{Name: name, Path: path, Parallel: parallel, Status: StatusPending}
}

// AddChild appends child and returns it.
func (s *StageResult) AddChild(child *StageResult) *StageResult {
	s.Children = append(s.Children, child)
	return child
}

// Child returns the direct child named name, or nil.
func (s *StageResult) Child(name string) *StageResult {
	for _, c := range s.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// Walk visits s and its descendants depth-first.
func (s *StageResult) Walk(fn func(*StageResult)) {
	fn(s)
	for _, c := range s.Children {
		c.Walk(fn)
	}
}

func (s *StageResult) clone() *StageResult {
	c := *s
	c.Steps = append([]StepResult(nil), s.Steps...)
	c.Post = append([]StepResult(nil), s.Post...)
	c.Artifacts = append([]ArtifactRecord(nil), s.Artifacts...)
	c.Notes = append([]string(nil), s.Notes...)
	if s.Tests != nil {
		t := *s.Tests
		t.Cases = append([]TestCaseResult(nil), s.Tests.Cases...)
		c.Tests = &t
	}
	if s.Scan != nil {
		sc := *s.Scan
		sc.Tools = append([]string(nil), s.Scan.Tools...)
		sc.Blockers = append([]FindingRecord(nil), s.Scan.Blockers...)
		c.Scan = &sc
	}
	c.Children = make([]*StageResult, len(s.Children))
	for i, child := range s.Children {
		c.Children[i] = child.clone()
	}
	if len(c.Children) == 0 {
		c.Children = nil
	}
	return &c
}

// ContextSnapshot is the persisted view of a run context. Environment
// bindings are deliberately absent.
type ContextSnapshot struct {
	BuildNumber   int               `json:"build_number"`
	Branch        string            `json:"branch,omitempty"`
	Tag           string            `json:"tag,omitempty"`
	ChangeRequest bool              `json:"change_request,omitempty"`
	Params        map[string]string `json:"params,omitempty"`
	DryRun        bool              `json:"dry_run,omitempty"`
}

// CleanupStatus is the outcome of the guaranteed-cleanup phase.
type CleanupStatus string

const (
	CleanupPending  CleanupStatus = "pending"
	CleanupComplete CleanupStatus = "complete"
	CleanupFailed   CleanupStatus = "failed"
)

// CleanupRecord reports how teardown went. It never influences the run
// verdict.
type CleanupRecord struct {
	Status    CleanupStatus `json:"status"`
	Strategy  string        `json:"strategy,omitempty"` // primary, fallback
	Errors    []string      `json:"errors,omitempty"`
	LogBundle string        `json:"log_bundle,omitempty"`
	Pruned    []string      `json:"pruned,omitempty"`
}

// Record is a point-in-time copy of a ledger, safe to read and persist.
type Record struct {
	RunID     string           `json:"run_id"`
	Pipeline  string           `json:"pipeline"`
	Context   ContextSnapshot  `json:"context"`
	Status    Status           `json:"status"`
	StartedAt time.Time        `json:"started_at"`
	EndedAt   time.Time        `json:"ended_at"`
	Root      *StageResult     `json:"root"`
	Artifacts []ArtifactRecord `json:"artifacts,omitempty"`
	Cleanup   CleanupRecord    `json:"cleanup"`
	Notes     []string         `json:"notes,omitempty"`
	Sealed    bool             `json:"sealed"`
}

// Stage returns the stage result at path, or nil.
func (r *Record) Stage(path string) *StageResult {
	var found *StageResult
	r.Root.Walk(func(s *StageResult) {
		if found == nil && s.Path == path {
			found = s
		}
	})
	return found
}

// Summary is the list view of a stored run.
type Summary struct {
	RunID     string    `json:"run_id"`
	Pipeline  string    `json:"pipeline"`
	Status    Status    `json:"status"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
}
