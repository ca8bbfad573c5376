// Package runner walks a pipeline graph and records the run in a ledger.
package runner

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ormasoftchile/gantry/pkg/artifact"
	"github.com/ormasoftchile/gantry/pkg/credentials"
	"github.com/ormasoftchile/gantry/pkg/executor"
	"github.com/ormasoftchile/gantry/pkg/gate"
	"github.com/ormasoftchile/gantry/pkg/guard"
	"github.com/ormasoftchile/gantry/pkg/ledger"
	"github.com/ormasoftchile/gantry/pkg/metrics"
	"github.com/ormasoftchile/gantry/pkg/pipeline"
	"github.com/ormasoftchile/gantry/pkg/slots"
	"github.com/ormasoftchile/gantry/pkg/trace"
)

var (
	// ErrRunTimeout is the cancellation cause when options.timeout
	// expires.
	ErrRunTimeout = &executor.Cause{Reason: ledger.ReasonRunTimeout, Msg: "run timed out"}
	// ErrAborted is the cause callers pass to abort a run, e.g. on a
	// signal.
	ErrAborted = &executor.Cause{Reason: ledger.ReasonAborted, Msg: "run aborted"}

	errStageTimeout = &executor.Cause{Reason: ledger.ReasonTimeout, Msg: "stage timed out"}
	errFailFast     = &executor.Cause{Reason: ledger.ReasonCancelled, Msg: "cancelled by failing sibling"}
)

// DefaultPostTimeout bounds post actions of stages whose own context
// is already done.
const DefaultPostTimeout = 5 * time.Minute

// Runner executes runs of one pipeline graph. Each Run gets its own
// RunContext, ledger and workspace; the collaborators are shared.
type Runner struct {
	graph *pipeline.Graph

	exec     *executor.Executor
	guards   *guard.Evaluator
	broker   *credentials.Broker
	pool     *slots.Pool
	gates    *gate.Controller
	store    *artifact.Store
	records  ledger.Store
	metrics  *metrics.Collector
	log      *slog.Logger
	progress io.Writer
	now      func() time.Time

	workspaceRoot string
	dryRun        bool

	// test hooks
	beforeStage func(path string)
	removeAll   func(path string) error
	sealed      func()
}

// Option configures a Runner.
type Option func(*Runner)

// WithExecutor sets the step executor.
func WithExecutor(e *executor.Executor) Option { return func(r *Runner) { r.exec = e } }

// WithBroker sets the credential broker.
func WithBroker(b *credentials.Broker) Option { return func(r *Runner) { r.broker = b } }

// WithSlots constrains stages to the labels and capacities of p. Without
// a pool, agent labels are not enforced.
func WithSlots(p *slots.Pool) Option { return func(r *Runner) { r.pool = p } }

// WithGates sets the approval controller.
func WithGates(c *gate.Controller) Option { return func(r *Runner) { r.gates = c } }

// WithArtifacts sets the artifact store.
func WithArtifacts(s *artifact.Store) Option { return func(r *Runner) { r.store = s } }

// WithLedgerStore persists every sealed ledger to s.
func WithLedgerStore(s ledger.Store) Option { return func(r *Runner) { r.records = s } }

// WithMetrics records run metrics on c.
func WithMetrics(c *metrics.Collector) Option { return func(r *Runner) { r.metrics = c } }

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option { return func(r *Runner) { r.log = log } }

// WithProgress prints human-readable progress lines to w.
func WithProgress(w io.Writer) Option { return func(r *Runner) { r.progress = w } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(r *Runner) { r.now = now } }

// WithWorkspaceRoot sets the directory under which each run gets its
// own workspace.
func WithWorkspaceRoot(dir string) Option { return func(r *Runner) { r.workspaceRoot = dir } }

// WithDryRun evaluates guards and walks the graph without running
// external commands, ingesting reports or waiting for approvals.
func WithDryRun(on bool) Option { return func(r *Runner) { r.dryRun = on } }

// New returns a Runner for g.
func New(g *pipeline.Graph, opts ...Option) *Runner {
	r := &Runner{
		graph:     g,
		log:       slog.New(slog.DiscardHandler),
		progress:  io.Discard,
		now:       time.Now,
		removeAll: os.RemoveAll,
	}
	for _, opt := range opts {
		opt(r)
	}
	base := filepath.Join(os.TempDir(), "gantry")
	if r.workspaceRoot == "" {
		r.workspaceRoot = filepath.Join(base, "workspaces")
	}
	if r.exec == nil {
		r.exec = executor.New(&executor.ShellRunner{}, executor.WithLogger(r.log))
	}
	if r.dryRun {
		r.exec = executor.New(&executor.ScriptedRunner{}, executor.WithLogSink(r.exec.Sink()), executor.WithLogger(r.log))
	}
	if r.guards == nil {
		r.guards = guard.New(r.log)
	}
	if r.broker == nil {
		r.broker = credentials.NewBroker(nil, credentials.WithLogger(r.log))
	}
	if r.gates == nil {
		r.gates = gate.NewController(r.log)
	}
	if r.store == nil {
		r.store = artifact.NewStore(filepath.Join(base, "artifacts"), artifact.WithLogger(r.log))
	}
	return r
}

// NewRunID returns a run identifier in the format YYYYMMDDTHHmmss-xxxx.
func NewRunID(now time.Time) string {
	suffix := make([]byte, 2)
	rand.Read(suffix)
	return fmt.Sprintf("%s-%x", now.UTC().Format("20060102T150405"), suffix)
}

// run is the state of one execution.
type run struct {
	*Runner
	id        string
	rc        *pipeline.RunContext
	ledger    *ledger.Ledger
	trace     *trace.Writer
	workspace string
	// secrets masks every value any stage of the run acquired.
	secrets *credentials.Redactor

	mu    sync.Mutex
	fault error
}

// Run executes the pipeline once. in.RunID defaults to a fresh ID and
// in.Workspace is replaced by the run's own workspace. An error is
// returned only when the run cannot start (e.g. invalid parameters) or
// when persisting the sealed ledger fails; in the latter case the
// record is still returned.
func (r *Runner) Run(ctx context.Context, in pipeline.ContextInput) (*ledger.Record, error) {
	start := r.now()
	if in.RunID == "" {
		in.RunID = NewRunID(start)
	}
	in.Workspace = filepath.Join(r.workspaceRoot, in.RunID)
	rc, err := pipeline.NewRunContext(r.graph.Def, in)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(in.Workspace, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	x := &run{
		Runner:    r,
		id:        in.RunID,
		rc:        rc,
		workspace: in.Workspace,
		secrets:   credentials.NewRedactor(),
	}
	x.ledger = ledger.New(in.RunID, r.graph.Def.Name, ledger.ContextSnapshot{
		BuildNumber:   rc.BuildNumber,
		Branch:        rc.Branch,
		Tag:           rc.Tag,
		ChangeRequest: rc.ChangeRequest,
		Params:        rc.Params(),
		DryRun:        r.dryRun,
	}, newResultTree(r.graph.Root()), start)
	x.openTrace()

	r.log.Info("run started", "run_id", x.id, "pipeline", r.graph.Def.Name, "dry_run", r.dryRun)
	x.printf("▶ Run %s: %s\n", x.id, r.graph.Def.Name)
	x.trace.Emit(trace.EventRunStart, "", map[string]any{
		"pipeline": r.graph.Def.Name,
		"params":   rc.Params(),
		"branch":   rc.Branch,
		"dry_run":  r.dryRun,
	})

	status := x.execute(ctx)
	cleanup := x.cleanup()
	if err := x.seal(status, cleanup); err != nil {
		r.log.Error("seal failed", "run_id", x.id, "error", err)
	}

	rec := x.ledger.Snapshot()
	r.metrics.ObserveRun(rec)
	x.printf("■ Run %s %s\n", x.id, rec.Status)
	if r.records != nil {
		if err := r.records.Save(context.WithoutCancel(ctx), rec); err != nil {
			return rec, fmt.Errorf("persist ledger: %w", err)
		}
	}
	return rec, nil
}

func newResultTree(n *pipeline.Node) *ledger.StageResult {
	res := ledger.NewStage(n.Name(), n.Path, n.Parallel)
	for _, c := range n.Children {
		res.AddChild(newResultTree(c))
	}
	return res
}

func (x *run) openTrace() {
	sink := x.exec.Sink()
	if sink == nil {
		return
	}
	dir := sink.RunDir(x.id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		x.log.Warn("trace unavailable", "error", err)
		return
	}
	tw, err := trace.NewFileWriter(filepath.Join(dir, "trace.jsonl"), x.id)
	if err != nil {
		x.log.Warn("trace unavailable", "error", err)
		return
	}
	tw.SetRedactor(x.secrets)
	x.trace = tw
}

// execute runs the stage tree under the run timeout and returns the
// verdict. It never panics.
func (x *run) execute(ctx context.Context) (status ledger.Status) {
	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if x.graph.RunTimeout > 0 {
		runCtx, cancel = context.WithTimeoutCause(ctx, x.graph.RunTimeout, ErrRunTimeout)
	}
	defer cancel()

	root := x.graph.Root()
	x.transition(root.Path, ledger.StatusRunning, ledger.ReasonNone)

	func() {
		defer func() {
			if p := recover(); p != nil {
				x.setFault(fmt.Errorf("panic: %v", p))
			}
		}()
		x.sequence(runCtx, root, frame{env: x.rc.Env()})
	}()

	now := x.now()
	if err := x.faultErr(); err != nil {
		x.log.Error("internal fault during run", "run_id", x.id, "error", err)
		x.ledger.NoteRun(x.secrets.Redact("internal fault: " + err.Error()))
		x.ledger.FailOutstanding(ledger.ReasonInternal, true, now)
		x.ledger.Transition(root.Path, ledger.StatusFailed, ledger.ReasonInternal, now)
		return ledger.StatusFailed
	}

	snap := x.ledger.Snapshot()
	var children []ledger.Status
	for _, c := range snap.Root.Children {
		children = append(children, c.Status)
	}
	status = ledger.Worst(children...)
	if status == ledger.StatusSkipped {
		status = ledger.StatusSucceeded
	}
	reason := ledger.ReasonNone

	if runCtx.Err() != nil {
		reason = executor.CancelReason(runCtx)
		switch reason {
		case ledger.ReasonAborted:
			x.ledger.FailOutstanding(reason, false, now)
			x.ledger.NoteRun("run aborted")
			status = ledger.StatusAborted
		default:
			x.ledger.FailOutstanding(reason, true, now)
			x.ledger.NoteRun(fmt.Sprintf("run cancelled: %s", context.Cause(runCtx)))
			status = ledger.StatusFailed
		}
	}
	if status == ledger.StatusFailed && reason == ledger.ReasonNone {
		reason = firstFailure(snap.Root)
	}
	x.transition(root.Path, status, reason)
	return status
}

func firstFailure(s *ledger.StageResult) ledger.Reason {
	var reason ledger.Reason
	s.Walk(func(c *ledger.StageResult) {
		if reason == "" && c.Status == ledger.StatusFailed && c.Path != "" {
			reason = c.Reason
		}
	})
	return reason
}

func (x *run) seal(status ledger.Status, cleanup ledger.CleanupRecord) error {
	x.trace.Emit(trace.EventRunComplete, "", map[string]any{
		"status":   string(status),
		"duration": x.now().Sub(x.ledger.Snapshot().StartedAt).String(),
		"cleanup":  string(cleanup.Status),
	})
	if err := x.trace.Close(); err != nil {
		x.log.Warn("close trace", "error", err)
	}
	err := x.ledger.Seal(status, cleanup, x.now())
	if err == nil && x.sealed != nil {
		x.sealed()
	}
	return err
}

func (x *run) setFault(err error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.fault == nil {
		x.fault = err
	}
}

func (x *run) faultErr() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.fault
}

func (x *run) transition(path string, status ledger.Status, reason ledger.Reason) {
	if err := x.ledger.Transition(path, status, reason, x.now()); err != nil && !errors.Is(err, ledger.ErrTerminal) {
		x.log.Warn("ledger transition rejected", "stage", path, "status", status, "error", err)
	}
}

var printMu sync.Mutex

func (x *run) printf(format string, args ...any) {
	printMu.Lock()
	defer printMu.Unlock()
	fmt.Fprint(x.progress, x.secrets.Redact(fmt.Sprintf(format, args...)))
}
