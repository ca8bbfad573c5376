package runner

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/ormasoftchile/gantry/pkg/artifact"
	"github.com/ormasoftchile/gantry/pkg/executor"
	"github.com/ormasoftchile/gantry/pkg/ledger"
	"github.com/ormasoftchile/gantry/pkg/pipeline"
	"github.com/ormasoftchile/gantry/pkg/trace"
)

// step runs one step of n and records it. The returned outcome carries
// a stage-level effect of a successful step, such as ingested test
// failures making the stage unstable.
func (x *run) step(ctx context.Context, n *pipeline.Node, index int, s pipeline.Step, f frame, post string) (ledger.StepResult, outcome) {
	var (
		sr     ledger.StepResult
		effect outcome
	)
	switch kind := s.Kind(); kind {
	case pipeline.StepRun, pipeline.StepEcho:
		req, err := x.request(n, index, s, f, post)
		if err != nil {
			sr = ledger.StepResult{
				Index: index, Name: s.DisplayName(), Kind: string(kind), Post: post,
				StartedAt: x.now(), Status: ledger.StatusFailed, Reason: ledger.ReasonInternal,
				ExitCode: -1, Error: err.Error(),
			}
			break
		}
		sr = x.exec.Execute(ctx, req)
	default:
		sr, effect = x.action(ctx, n, index, s, post)
	}

	if err := x.ledger.AppendStep(n.Path, sr); err != nil {
		x.log.Warn("record step", "stage", n.Path, "step", index, "error", err)
	}
	x.metrics.ObserveStep(sr)
	x.trace.Emit(trace.EventStepComplete, n.Path, map[string]any{
		"index":    sr.Index,
		"name":     sr.Name,
		"kind":     sr.Kind,
		"status":   string(sr.Status),
		"reason":   string(sr.Reason),
		"post":     sr.Post,
		"duration": sr.Duration.String(),
		"error":    sr.Error,
	})
	if sr.Status == ledger.StatusFailed {
		x.printf("    ✗ %s: %s\n", sr.Name, sr.Error)
	} else {
		x.printf("    ✓ %s\n", sr.Name)
	}
	return sr, effect
}

func (x *run) request(n *pipeline.Node, index int, s pipeline.Step, f frame, post string) (executor.Request, error) {
	env := f.env
	if len(s.Env) > 0 {
		expanded, err := pipeline.ExpandEnv(s.Env, f.env)
		if err != nil {
			return executor.Request{}, fmt.Errorf("step environment: %w", err)
		}
		env = expanded
	}
	timeout, _ := pipeline.ParseDuration(s.Timeout)
	if timeout == 0 {
		timeout = x.graph.StepTimeout
	}
	return executor.Request{
		RunID:     x.id,
		StagePath: n.Path,
		Index:     index,
		Name:      s.DisplayName(),
		Post:      post,
		Script:    s.Run,
		Message:   s.Echo,
		Env:       env,
		Dir:       x.dir(s),
		Timeout:   timeout,
		Redactor:  x.secrets,
	}, nil
}

func (x *run) dir(s pipeline.Step) string {
	if s.Dir == "" {
		return x.workspace
	}
	if filepath.IsAbs(s.Dir) {
		return s.Dir
	}
	return filepath.Join(x.workspace, s.Dir)
}

// action handles the built-in archive and report steps.
func (x *run) action(ctx context.Context, n *pipeline.Node, index int, s pipeline.Step, post string) (ledger.StepResult, outcome) {
	start := x.now()
	sr := ledger.StepResult{
		Index:     index,
		Name:      s.DisplayName(),
		Kind:      string(s.Kind()),
		StartedAt: start,
		Post:      post,
	}
	var effect outcome
	done := func(status ledger.Status, reason ledger.Reason, err error) (ledger.StepResult, outcome) {
		sr.Status = status
		sr.Reason = reason
		if err != nil {
			sr.Error = x.secrets.Redact(err.Error())
		}
		sr.Duration = x.now().Sub(start)
		return sr, effect
	}

	if x.dryRun {
		return done(ledger.StatusSkipped, ledger.ReasonDryRun, nil)
	}
	if err := ctx.Err(); err != nil {
		return done(ledger.StatusFailed, executor.CancelReason(ctx), context.Cause(ctx))
	}
	ws := x.dir(pipeline.Step{})

	switch {
	case s.Archive != nil:
		retention := ledger.RetentionClass(s.Archive.Retention)
		recs, err := x.store.Archive(ctx, artifact.ArchiveRequest{
			RunID:       x.id,
			Stage:       n.Path,
			Workspace:   ws,
			Pattern:     s.Archive.Pattern,
			Fingerprint: s.Archive.Fingerprint,
			AllowEmpty:  s.Archive.EmptyAllowed(),
			Retention:   retention,
			Redactor:    x.secrets,
		})
		if len(recs) > 0 {
			x.ledger.AddArtifacts(n.Path, recs)
		}
		if err != nil {
			return done(ledger.StatusFailed, ledger.ReasonArtifact, err)
		}

	case s.TestReport != nil:
		sum, err := artifact.IngestTestReports(ws, s.TestReport.Path, s.TestReport.AllowEmpty)
		if err != nil {
			return done(ledger.StatusFailed, ledger.ReasonArtifact, err)
		}
		for i := range sum.Cases {
			sum.Cases[i].Message = x.secrets.Redact(sum.Cases[i].Message)
			sum.Cases[i].Output = x.secrets.Redact(sum.Cases[i].Output)
		}
		x.ledger.AddTests(n.Path, sum)
		if sum.Failed() {
			effect = outcome{status: ledger.StatusUnstable, reason: ledger.ReasonTestFailures}
		}

	case s.ScanReport != nil:
		sum, err := artifact.IngestScanReports(ws, s.ScanReport.Path, s.ScanReport.FailOn)
		if err != nil {
			return done(ledger.StatusFailed, ledger.ReasonArtifact, err)
		}
		for i := range sum.Blockers {
			sum.Blockers[i].Message = x.secrets.Redact(sum.Blockers[i].Message)
		}
		x.ledger.AddScan(n.Path, sum)
		if sum.Blocking > 0 {
			effect = outcome{status: ledger.StatusUnstable, reason: ledger.ReasonScanFindings}
		}
	}
	return done(ledger.StatusSucceeded, ledger.ReasonNone, nil)
}
