// Package ledger records the lifecycle of a pipeline run: per-stage and
// per-step results, archived artifacts, cleanup outcome and the final
// verdict. A Ledger is append-only while the run executes and is sealed
// exactly once.
package ledger

// Status is the lifecycle state of a run, stage or step.
type Status string

const (
	StatusPending          Status = "pending"
	StatusRunning          Status = "running"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusSucceeded        Status = "succeeded"
	StatusUnstable         Status = "unstable"
	StatusSkipped          Status = "skipped"
	StatusFailed           Status = "failed"
	StatusAborted          Status = "aborted"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusUnstable, StatusSkipped, StatusFailed, StatusAborted:
		return true
	}
	return false
}

// severity orders terminal statuses for aggregation:
// aborted > failed > unstable > skipped > succeeded.
func severity(s Status) int {
	switch s {
	case StatusSkipped:
		return 1
	case StatusUnstable:
		return 2
	case StatusFailed:
		return 3
	case StatusAborted:
		return 4
	default:
		return 0
	}
}

// Worst returns the most severe terminal status among statuses.
// Non-terminal entries are ignored; with no terminal entries the result
// is StatusSucceeded.
func Worst(statuses ...Status) Status {
	worst := StatusSucceeded
	for _, s := range statuses {
		if !s.Terminal() {
			continue
		}
		if severity(s) > severity(worst) {
			worst = s
		}
	}
	return worst
}

// Reason qualifies a status, most often a failure.
type Reason string

const (
	ReasonNone            Reason = ""
	ReasonExitCode        Reason = "exit-code"
	ReasonExecError       Reason = "exec-error"
	ReasonTimeout         Reason = "timeout"
	ReasonRunTimeout      Reason = "run-timeout"
	ReasonCancelled       Reason = "cancelled"
	ReasonAborted         Reason = "aborted"
	ReasonRejected        Reason = "rejected"
	ReasonApprovalTimeout Reason = "approval-timeout"
	ReasonCredentials     Reason = "credentials"
	ReasonNoAgent         Reason = "no-agent"
	ReasonGuard           Reason = "guard"
	ReasonTestFailures    Reason = "test-failures"
	ReasonScanFindings    Reason = "scan-findings"
	ReasonArtifact        Reason = "artifact"
	ReasonDryRun          Reason = "dry-run"
	ReasonInternal        Reason = "internal"
)
