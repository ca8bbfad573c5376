package runner

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"

	"github.com/ormasoftchile/gantry/pkg/executor"
	"github.com/ormasoftchile/gantry/pkg/gate"
	"github.com/ormasoftchile/gantry/pkg/ledger"
	"github.com/ormasoftchile/gantry/pkg/pipeline"
	"github.com/ormasoftchile/gantry/pkg/trace"
)

// frame is what a stage inherits from its ancestors. Children get
// copies; nothing a stage adds is visible to its siblings.
type frame struct {
	env   map[string]string
	// agent is the nearest explicit label among the ancestors.
	agent string
	held  map[string]bool
}

func (f frame) holding(label string) frame {
	held := maps.Clone(f.held)
	if held == nil {
		held = make(map[string]bool, 1)
	}
	held[label] = true
	f.held = held
	return f
}

// outcome accumulates a stage's own verdict before children are folded
// in.
type outcome struct {
	status ledger.Status
	reason ledger.Reason
}

func (o *outcome) worsen(status ledger.Status, reason ledger.Reason) {
	if ledger.Worst(o.status, status) != o.status {
		o.status = status
		o.reason = reason
	}
}

// sequence runs the children of n in order. A failed child stops the
// rest unless n continues on error; the rest stay pending.
func (x *run) sequence(ctx context.Context, n *pipeline.Node, f frame) []ledger.Status {
	var statuses []ledger.Status
	for _, c := range n.Children {
		if ctx.Err() != nil {
			break
		}
		st := x.stage(ctx, c, f)
		statuses = append(statuses, st)
		if st == ledger.StatusFailed && !n.Spec.ContinueOnError {
			break
		}
	}
	return statuses
}

// fork runs the branches of a parallel stage concurrently and waits for
// all of them.
func (x *run) fork(ctx context.Context, n *pipeline.Node, f frame) []ledger.Status {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	failFast := n.FailFast(x.graph.Def)

	x.trace.Emit(trace.EventParallelFork, n.Path, map[string]any{"branches": len(n.Children), "fail_fast": failFast})
	statuses := make([]ledger.Status, len(n.Children))
	var wg sync.WaitGroup
	for i, c := range n.Children {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if p := recover(); p != nil {
					x.setFault(fmt.Errorf("panic in stage %s: %v", c.Path, p))
					x.ledger.FailSubtree(c.Path, ledger.ReasonInternal, x.now())
					statuses[i] = ledger.StatusFailed
					cancel(errFailFast)
				}
			}()
			statuses[i] = x.stage(ctx, c, f)
			if failFast && statuses[i] == ledger.StatusFailed {
				cancel(errFailFast)
			}
		}()
	}
	wg.Wait()
	x.trace.Emit(trace.EventParallelMerge, n.Path, map[string]any{"status": string(ledger.Worst(statuses...))})
	return statuses
}

// stage drives one stage through its state machine and returns its
// final status, or StatusPending when it never started.
func (x *run) stage(ctx context.Context, n *pipeline.Node, f frame) ledger.Status {
	if ctx.Err() != nil {
		return ledger.StatusPending
	}
	if x.beforeStage != nil {
		x.beforeStage(n.Path)
	}
	spec := n.Spec

	if spec.When != nil {
		ok, warnings := x.guards.Explain(spec.When, x.rc)
		for _, w := range warnings {
			x.log.Warn("guard evaluation warning", "stage", n.Path, "primitive", w.Primitive, "message", w.Message)
			x.ledger.Note(n.Path, "guard warning: "+w.String())
		}
		if !ok {
			x.transition(n.Path, ledger.StatusSkipped, ledger.ReasonGuard)
			x.trace.Emit(trace.EventStageSkipped, n.Path, map[string]any{"reason": string(ledger.ReasonGuard)})
			x.printf("○ Stage %s skipped (guard)\n", n.Path)
			return ledger.StatusSkipped
		}
	}

	x.transition(n.Path, ledger.StatusRunning, ledger.ReasonNone)
	x.metrics.StageStarted()
	defer x.metrics.StageFinished()
	x.trace.Emit(trace.EventStageStart, n.Path, nil)
	x.printf("▶ Stage %s\n", n.Path)

	stageCtx, cancel := ctx, context.CancelFunc(func() {})
	if n.Timeout > 0 {
		stageCtx, cancel = context.WithTimeoutCause(ctx, n.Timeout, errStageTimeout)
	}
	defer cancel()

	res := outcome{status: ledger.StatusSucceeded}
	status, ran := x.body(stageCtx, n, f, &res)
	if !ran {
		return status
	}
	x.finish(n, status, res.reason)
	x.post(ctx, n, f, status)
	return status
}

// body runs everything between Running and the terminal transition:
// gate, slot, credentials, steps and children. ran is false when the
// stage was already finalized without post actions.
func (x *run) body(ctx context.Context, n *pipeline.Node, f frame, res *outcome) (status ledger.Status, ran bool) {
	spec := n.Spec

	if spec.Input != nil {
		if err := x.await(ctx, n); err != nil {
			res.worsen(ledger.StatusFailed, x.gateReason(ctx, err))
			return res.status, true
		}
	}

	label := spec.Agent
	if label == "" {
		label = f.agent
	}
	if label == "" {
		label = x.graph.Def.Options.Agent
	}
	f.agent = label
	if label != "" && x.pool != nil && !x.pool.Has(label) {
		x.ledger.Note(n.Path, fmt.Sprintf("no execution slot labelled %q", label))
		res.worsen(ledger.StatusFailed, ledger.ReasonNoAgent)
		return res.status, true
	}
	// A stage that only groups children leaves the slot to them, so a
	// gate below it waits without holding one.
	if label != "" && len(spec.Steps) > 0 && !f.held[label] && x.pool != nil {
		slot, err := x.pool.Acquire(ctx, label)
		if err != nil {
			res.worsen(ledger.StatusFailed, executor.CancelReason(ctx))
			return res.status, true
		}
		defer slot.Release()
		f = f.holding(label)
		x.trace.Emit(trace.EventSlotAcquired, n.Path, map[string]any{"label": label})
	}

	env, err := pipeline.ExpandEnv(spec.Environment, f.env)
	if err != nil {
		x.ledger.Note(n.Path, "environment: "+err.Error())
		res.worsen(ledger.StatusFailed, ledger.ReasonInternal)
		return res.status, true
	}
	f.env = env

	if len(spec.Credentials) > 0 {
		scope, err := x.broker.Acquire(ctx, spec.Credentials, spec.CredentialPolicy())
		if err != nil {
			x.ledger.Note(n.Path, x.secrets.Redact(err.Error()))
			if spec.CredentialPolicy() == pipeline.OnMissingSkip {
				x.log.Warn("credential missing, skipping stage", "stage", n.Path, "error", err)
				x.transition(n.Path, ledger.StatusSkipped, ledger.ReasonCredentials)
				x.trace.Emit(trace.EventStageSkipped, n.Path, map[string]any{"reason": string(ledger.ReasonCredentials)})
				x.printf("○ Stage %s skipped (credentials)\n", n.Path)
				return ledger.StatusSkipped, false
			}
			res.worsen(ledger.StatusFailed, ledger.ReasonCredentials)
			return res.status, true
		}
		defer func() {
			if err := scope.Release(); err != nil {
				x.log.Warn("credential release", "stage", n.Path, "error", err)
			}
		}()
		x.secrets.Absorb(scope.Redactor())
		f.env = maps.Clone(f.env)
		maps.Copy(f.env, scope.Env())
		if scope.Degraded() {
			x.ledger.Note(n.Path, fmt.Sprintf("placeholder bound for missing credentials %v", scope.Missing))
			res.worsen(ledger.StatusUnstable, ledger.ReasonCredentials)
		}
	}

	for i, step := range spec.Steps {
		if ctx.Err() != nil {
			res.worsen(ledger.StatusFailed, executor.CancelReason(ctx))
			break
		}
		sr, effect := x.step(ctx, n, i, step, f, "")
		if sr.Status == ledger.StatusFailed {
			if !step.ContinueOnError {
				res.worsen(ledger.StatusFailed, sr.Reason)
				break
			}
			res.worsen(ledger.StatusUnstable, sr.Reason)
		}
		if effect.status != "" {
			res.worsen(effect.status, effect.reason)
		}
	}

	if res.status != ledger.StatusFailed && len(n.Children) > 0 {
		var children []ledger.Status
		if n.Parallel {
			children = x.fork(ctx, n, f)
		} else {
			children = x.sequence(ctx, n, f)
		}
		for i, st := range children {
			// A stage that ran steps of its own is not reported as
			// skipped because some of its children were.
			if st == ledger.StatusSkipped && len(spec.Steps) > 0 {
				continue
			}
			res.worsen(st, x.ledger.ReasonOf(n.Children[i].Path))
		}
	}
	if res.status != ledger.StatusFailed && ctx.Err() != nil {
		res.worsen(ledger.StatusFailed, executor.CancelReason(ctx))
	}
	return res.status, true
}

func (x *run) finish(n *pipeline.Node, status ledger.Status, reason ledger.Reason) {
	x.transition(n.Path, status, reason)
	x.trace.Emit(trace.EventStageComplete, n.Path, map[string]any{"status": string(status), "reason": string(reason)})
	mark := "✓"
	switch status {
	case ledger.StatusFailed:
		mark = "✗"
	case ledger.StatusUnstable:
		mark = "!"
	}
	if reason != ledger.ReasonNone {
		x.printf("  %s Stage %s %s (%s)\n", mark, n.Path, status, reason)
	} else {
		x.printf("  %s Stage %s %s\n", mark, n.Path, status)
	}
}

// await blocks on the gate of n without holding a slot.
func (x *run) await(ctx context.Context, n *pipeline.Node) error {
	in := n.Spec.Input
	if x.dryRun {
		x.ledger.Note(n.Path, "approval assumed in dry run")
		return nil
	}
	timeout, _ := pipeline.ParseDuration(in.Timeout)
	x.transition(n.Path, ledger.StatusAwaitingApproval, ledger.ReasonNone)
	x.trace.Emit(trace.EventApprovalRequested, n.Path, map[string]any{"message": in.Message, "submitters": in.Submitters})
	x.printf("⏸ Stage %s awaiting approval: %s (id %s)\n", n.Path, in.Message, gate.RequestID(x.id, n.Path))

	d, err := x.gates.Await(ctx, gate.Request{
		RunID:      x.id,
		Stage:      n.Path,
		Message:    in.Message,
		Submitters: in.Submitters,
	}, timeout)
	x.trace.Emit(trace.EventApprovalResolved, n.Path, map[string]any{
		"approved": err == nil,
		"approver": d.Approver,
		"comment":  d.Comment,
	})
	if d.Approver != "" {
		verb := "approved"
		if !d.Approved {
			verb = "rejected"
		}
		note := fmt.Sprintf("%s by %s", verb, d.Approver)
		if d.Comment != "" {
			note += ": " + d.Comment
		}
		x.ledger.Note(n.Path, x.secrets.Redact(note))
	}
	if err != nil {
		return err
	}
	x.transition(n.Path, ledger.StatusRunning, ledger.ReasonNone)
	return nil
}

func (x *run) gateReason(ctx context.Context, err error) ledger.Reason {
	switch {
	case errors.Is(err, gate.ErrRejected):
		return ledger.ReasonRejected
	case errors.Is(err, gate.ErrApprovalTimeout):
		return ledger.ReasonApprovalTimeout
	case ctx.Err() != nil:
		return executor.CancelReason(ctx)
	}
	return ledger.ReasonInternal
}

// post runs the post actions matching status in the fixed order always,
// success, failure. Their failures are logged and never change status.
func (x *run) post(ctx context.Context, n *pipeline.Node, f frame, status ledger.Status) {
	if len(n.Spec.Post) == 0 {
		return
	}
	postCtx := ctx
	if ctx.Err() != nil {
		timeout := x.graph.StepTimeout
		if timeout == 0 {
			timeout = DefaultPostTimeout
		}
		var cancel context.CancelFunc
		postCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
	}
	for _, key := range pipeline.PostKeys {
		steps := n.Spec.Post[key]
		if len(steps) == 0 || !postMatches(key, status) {
			continue
		}
		for i, step := range steps {
			sr, _ := x.step(postCtx, n, i, step, f, key)
			if sr.Status == ledger.StatusFailed {
				x.log.Warn("post action failed", "stage", n.Path, "post", key, "step", sr.Name, "error", sr.Error)
				x.ledger.Note(n.Path, fmt.Sprintf("post %s step %q failed: %s", key, sr.Name, sr.Error))
			}
		}
	}
}

func postMatches(key string, status ledger.Status) bool {
	switch key {
	case pipeline.PostAlways:
		return true
	case pipeline.PostSuccess:
		return status == ledger.StatusSucceeded
	case pipeline.PostFailure:
		return status == ledger.StatusFailed || status == ledger.StatusAborted
	}
	return false
}
