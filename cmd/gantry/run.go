package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ormasoftchile/gantry/pkg/artifact"
	"github.com/ormasoftchile/gantry/pkg/config"
	"github.com/ormasoftchile/gantry/pkg/credentials"
	"github.com/ormasoftchile/gantry/pkg/executor"
	"github.com/ormasoftchile/gantry/pkg/gate"
	"github.com/ormasoftchile/gantry/pkg/ledger"
	"github.com/ormasoftchile/gantry/pkg/metrics"
	"github.com/ormasoftchile/gantry/pkg/pipeline"
	"github.com/ormasoftchile/gantry/pkg/report"
	"github.com/ormasoftchile/gantry/pkg/runner"
	"github.com/ormasoftchile/gantry/pkg/slots"
)

var (
	runParams        []string
	runBranch        string
	runTag           string
	runChangeRequest bool
	runBuildNumber   int
	runDryRun        bool
	runApproveAll    bool
	runApprovalsAddr string
	runJSON          bool
)

var runCmd = &cobra.Command{
	Use:   "run [pipeline.yaml]",
	Short: "Run a pipeline",
	Long: `Validates and runs a pipeline, then prints the sealed run ledger.

Exit code 0 means the run succeeded or was unstable, 1 that it failed or
was aborted, 2 that the definition is invalid.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	g, err := loadGraph(cmd.ErrOrStderr(), args[0])
	if err != nil {
		return err
	}
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("approvals-addr") {
		cfg.Approvals.Addr = runApprovalsAddr
	}
	params, err := parseParams(runParams)
	if err != nil {
		return &exitError{code: exitInvalid, err: err}
	}

	ctx, cancel := context.WithCancelCause(cmd.Context())
	defer cancel(nil)
	stopSignals := abortOnSignal(ctx, cancel, log)
	defer stopSignals()

	out := cmd.OutOrStdout()
	progress := out
	if runJSON {
		progress = cmd.ErrOrStderr()
	}
	e, err := newEngine(ctx, cfg, log, progress)
	if err != nil {
		return err
	}
	defer e.Close()

	r := runner.New(g, e.options(runDryRun)...)
	rec, err := r.Run(ctx, pipeline.ContextInput{
		RunID:         uuid.Must(uuid.NewV7()).String(),
		BuildNumber:   runBuildNumber,
		Branch:        runBranch,
		Tag:           runTag,
		ChangeRequest: runChangeRequest,
		Params:        params,
	})
	if rec == nil {
		return &exitError{code: exitInvalid, err: err}
	}
	if err != nil {
		log.Error("ledger not persisted", "run", rec.RunID, "error", err)
	}

	if err := printRecord(out, rec, runJSON); err != nil {
		return err
	}
	if !runJSON {
		fmt.Fprintln(out, report.Summary(rec))
	}
	return verdictError(rec)
}

// verdictError maps the run verdict to the process exit code.
func verdictError(rec *ledger.Record) error {
	switch rec.Status {
	case ledger.StatusSucceeded, ledger.StatusUnstable:
		return nil
	}
	return &exitError{code: exitFailed, err: fmt.Errorf("run %s %s", rec.RunID, rec.Status)}
}

func printRecord(w io.Writer, rec *ledger.Record, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	}
	fmt.Fprint(w, report.Render(rec, 100))
	return nil
}

// parseParams parses repeated key=value flags.
func parseParams(pairs []string) (map[string]string, error) {
	params := make(map[string]string, len(pairs))
	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid --param %q: expected key=value", kv)
		}
		params[strings.TrimSpace(k)] = v
	}
	return params, nil
}

// abortOnSignal cancels ctx with runner.ErrAborted on SIGINT or SIGTERM.
func abortOnSignal(ctx context.Context, cancel context.CancelCauseFunc, log *slog.Logger) func() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case s := <-sigs:
			log.Warn("signal received, aborting run", "signal", s.String())
			cancel(runner.ErrAborted)
		case <-ctx.Done():
		}
	}()
	return func() { signal.Stop(sigs) }
}

// engine holds the collaborators shared by the runs of one process.
type engine struct {
	cfg      *config.Config
	log      *slog.Logger
	progress io.Writer

	exec    *executor.Executor
	broker  *credentials.Broker
	pool    *slots.Pool
	gates   *gate.Controller
	store   *artifact.Store
	records ledger.Store
	metrics *metrics.Collector
}

func newEngine(ctx context.Context, cfg *config.Config, log *slog.Logger, progress io.Writer) (*engine, error) {
	e := &engine{cfg: cfg, log: log, progress: progress}
	if cfg.Metrics.Enabled {
		e.metrics = metrics.New()
	}

	e.exec = executor.New(&executor.ShellRunner{},
		executor.WithLogSink(executor.NewLogSink(cfg.LogDir())),
		executor.WithOutput(progress),
		executor.WithLogger(log),
	)
	e.broker = credentials.NewBroker(cfg.Providers(), credentials.WithLogger(log))
	if len(cfg.Slots) > 0 {
		e.pool = slots.NewPool(cfg.Slots)
		e.pool.OnWait = e.metrics.ObserveSlotWait
	}

	e.gates = gate.NewController(log)
	e.gates.OnChange = e.metrics.SetPendingGates
	if runApproveAll {
		gate.AutoApprove(e.gates, approverName())
	}
	if cfg.Approvals.Addr != "" {
		handler := gate.NewHandler(e.gates, e.metrics.Handler())
		go func() {
			if err := gate.Serve(ctx, cfg.Approvals.Addr, handler, log); err != nil {
				log.Error("approval API stopped", "addr", cfg.Approvals.Addr, "error", err)
			}
		}()
	}
	if cfg.Approvals.Console && !runApproveAll {
		go func() {
			if err := gate.NewConsole(e.gates, approverName()).Run(ctx); err != nil {
				log.Warn("approval console stopped", "error", err)
			}
		}()
	}

	storeOpts := []artifact.Option{artifact.WithLogger(log)}
	if cfg.ObjectStore.Enabled() {
		up, err := artifact.NewMinioUploader(ctx, cfg.ObjectStore)
		if err != nil {
			return nil, err
		}
		storeOpts = append(storeOpts, artifact.WithUploader(up))
	}
	e.store = artifact.NewStore(cfg.ArtifactDir(), storeOpts...)

	records, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	e.records = records
	return e, nil
}

func (e *engine) options(dryRun bool) []runner.Option {
	return []runner.Option{
		runner.WithExecutor(e.exec),
		runner.WithBroker(e.broker),
		runner.WithSlots(e.pool),
		runner.WithGates(e.gates),
		runner.WithArtifacts(e.store),
		runner.WithLedgerStore(e.records),
		runner.WithMetrics(e.metrics),
		runner.WithLogger(e.log),
		runner.WithProgress(e.progress),
		runner.WithWorkspaceRoot(e.cfg.WorkspaceDir()),
		runner.WithDryRun(dryRun),
	}
}

func (e *engine) Close() error {
	if e.records == nil {
		return nil
	}
	return e.records.Close()
}

func approverName() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "gantry"
}

func init() {
	runCmd.Flags().StringArrayVar(&runParams, "param", nil, "Set a pipeline parameter (key=value), repeatable")
	runCmd.Flags().StringVar(&runBranch, "branch", "", "Branch name of the run")
	runCmd.Flags().StringVar(&runTag, "tag", "", "Tag name of the run")
	runCmd.Flags().BoolVar(&runChangeRequest, "change-request", false, "The run builds a change request")
	runCmd.Flags().IntVar(&runBuildNumber, "build-number", 0, "Build number of the run")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Evaluate guards and walk the graph without running commands")
	runCmd.Flags().BoolVar(&runApproveAll, "approve-all", false, "Approve every gate automatically")
	runCmd.Flags().StringVar(&runApprovalsAddr, "approvals-addr", "", "Serve the approval API on this address (e.g. :8089)")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Print the run ledger as JSON")
}
