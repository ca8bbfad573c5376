package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/ormasoftchile/gantry/pkg/credentials"
	"github.com/ormasoftchile/gantry/pkg/ledger"
)

// Cause is a cancellation cause that carries the result reason it maps
// to. Pass one to context.WithTimeoutCause or WithCancelCause.
type Cause struct {
	Reason ledger.Reason
	Msg    string
}

func (c *Cause) Error() string { return c.Msg }

// ErrStepTimeout is the cause of a step's own timeout expiring.
var ErrStepTimeout = &Cause{Reason: ledger.ReasonTimeout, Msg: "step timed out"}

// CancelReason maps the cause of a done context to a result reason.
// Causes that are not a *Cause count as cancellation.
func CancelReason(ctx context.Context) ledger.Reason {
	var c *Cause
	if errors.As(context.Cause(ctx), &c) {
		return c.Reason
	}
	return ledger.ReasonCancelled
}

// Request describes one step to execute.
type Request struct {
	RunID     string
	StagePath string
	Index     int
	Name      string
	// Post is the post condition for post-action steps.
	Post string
	// Script is the shell script of a run step.
	Script string
	// Message is written to the log instead of running anything.
	Message string
	Env     map[string]string
	Dir     string
	// Timeout overrides the executor default; zero means the default.
	Timeout time.Duration
	// Redactor masks secrets in output and error text.
	Redactor *credentials.Redactor
}

// Executor runs steps and turns their outcome into ledger.StepResults.
type Executor struct {
	runner  Runner
	sink    *LogSink
	out     io.Writer
	log     *slog.Logger
	timeout time.Duration
	now     func() time.Time
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogSink captures step output into sink.
func WithLogSink(sink *LogSink) Option { return func(e *Executor) { e.sink = sink } }

// WithOutput also streams (redacted) step output to w.
func WithOutput(w io.Writer) Option { return func(e *Executor) { e.out = w } }

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option { return func(e *Executor) { e.log = log } }

// WithDefaultTimeout sets the timeout of steps that declare none.
func WithDefaultTimeout(d time.Duration) Option { return func(e *Executor) { e.timeout = d } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(e *Executor) { e.now = now } }

// New returns an Executor over runner.
func New(runner Runner, opts ...Option) *Executor {
	e := &Executor{runner: runner, log: slog.New(slog.DiscardHandler), now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Runner returns the underlying runner.
func (e *Executor) Runner() Runner { return e.runner }

// Sink returns the log sink, or nil.
func (e *Executor) Sink() *LogSink { return e.sink }

// Execute runs one step. It never returns an error: every outcome,
// including a failure to start, is a StepResult.
func (e *Executor) Execute(ctx context.Context, req Request) ledger.StepResult {
	start := e.now()
	res := ledger.StepResult{
		Index:     req.Index,
		Name:      req.Name,
		Kind:      "run",
		StartedAt: start,
		Post:      req.Post,
	}
	if req.Script == "" {
		res.Kind = "echo"
	}
	redactor := req.Redactor
	if redactor == nil {
		redactor = credentials.NewRedactor()
	}
	finish := func(status ledger.Status, reason ledger.Reason, err error) ledger.StepResult {
		res.Status = status
		res.Reason = reason
		if err != nil {
			res.Error = redactor.Redact(err.Error())
		}
		res.Duration = e.now().Sub(start)
		return res
	}

	if err := ctx.Err(); err != nil {
		res.ExitCode = -1
		return finish(ledger.StatusFailed, CancelReason(ctx), context.Cause(ctx))
	}

	logw, ref, err := e.openLog(req)
	if err != nil {
		e.log.Warn("step log unavailable", "stage", req.StagePath, "step", req.Index, "error", err)
	}
	res.LogRef = ref
	var sinks []io.Writer
	if logw != nil {
		sinks = append(sinks, logw)
	}
	if e.out != nil {
		sinks = append(sinks, e.out)
	}
	w := redactor.Writer(io.MultiWriter(sinks...))
	closeLog := func() {
		w.Close()
		if logw != nil {
			logw.Close()
		}
	}

	if req.Script == "" {
		fmt.Fprintln(w, req.Message)
		closeLog()
		return finish(ledger.StatusSucceeded, ledger.ReasonNone, nil)
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = e.timeout
	}
	stepCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		stepCtx, cancel = context.WithTimeoutCause(ctx, timeout, ErrStepTimeout)
	}
	defer cancel()

	code, runErr := e.runner.Run(stepCtx, Command{
		Script: req.Script,
		Env:    req.Env,
		Dir:    req.Dir,
		Stdout: w,
		Stderr: w,
	})
	closeLog()
	res.ExitCode = code

	switch {
	case stepCtx.Err() != nil:
		res.ExitCode = -1
		cause := context.Cause(stepCtx)
		return finish(ledger.StatusFailed, CancelReason(stepCtx), cause)
	case runErr != nil:
		return finish(ledger.StatusFailed, ledger.ReasonExecError, runErr)
	case code != 0:
		return finish(ledger.StatusFailed, ledger.ReasonExitCode, fmt.Errorf("exit status %d", code))
	}
	return finish(ledger.StatusSucceeded, ledger.ReasonNone, nil)
}

func (e *Executor) openLog(req Request) (io.WriteCloser, string, error) {
	if e.sink == nil {
		return nil, "", nil
	}
	return e.sink.Create(req.RunID, req.StagePath, req.Index, req.Post)
}
