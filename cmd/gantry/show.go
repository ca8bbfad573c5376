package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ormasoftchile/gantry/pkg/config"
	"github.com/ormasoftchile/gantry/pkg/ledger"
	"github.com/ormasoftchile/gantry/pkg/report"
)

var (
	showJSON  bool
	runsLimit int
)

var showCmd = &cobra.Command{
	Use:   "show [run-id]",
	Short: "Render a stored run ledger",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

func runShow(cmd *cobra.Command, args []string) error {
	cfg, _, err := setup(cmd)
	if err != nil {
		return err
	}
	store, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	rec, err := store.Load(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if err := printRecord(out, rec, showJSON); err != nil {
		return err
	}
	if !showJSON {
		fmt.Fprint(out, report.StageTable(rec))
		fmt.Fprintln(out, report.Summary(rec))
	}
	return nil
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List stored runs, newest first",
	Args:  cobra.NoArgs,
	RunE:  runRuns,
}

func runRuns(cmd *cobra.Command, args []string) error {
	cfg, _, err := setup(cmd)
	if err != nil {
		return err
	}
	store, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.List(cmd.Context(), runsLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no runs recorded")
		return nil
	}
	fmt.Fprint(cmd.OutOrStdout(), report.RunTable(runs))
	return nil
}

var diffCmd = &cobra.Command{
	Use:   "diff [run-a] [run-b]",
	Short: "Compare stage outcomes of two stored runs",
	Long:  "Compares two runs stage by stage. Exits 1 when any stage status or reason changed.",
	Args:  cobra.ExactArgs(2),
	RunE:  runDiff,
}

func runDiff(cmd *cobra.Command, args []string) error {
	cfg, _, err := setup(cmd)
	if err != nil {
		return err
	}
	store, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	a, err := store.Load(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	b, err := store.Load(cmd.Context(), args[1])
	if err != nil {
		return err
	}
	diffs := report.Diff(a, b)
	fmt.Fprint(cmd.OutOrStdout(), report.DiffTable(a, b, diffs))
	changed := 0
	for _, d := range diffs {
		if d.Changed() {
			changed++
		}
	}
	if changed > 0 {
		return &exitError{code: exitFailed, err: fmt.Errorf("%d stage(s) changed", changed)}
	}
	return nil
}

// openStore opens the configured ledger store.
func openStore(ctx context.Context, cfg *config.Config) (ledger.Store, error) {
	dsn := cfg.LedgerDSN()
	if cfg.Ledger.Driver == "sqlite" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("create ledger dir: %w", err)
		}
	}
	return ledger.Open(ctx, cfg.Ledger.Driver, dsn)
}

func init() {
	showCmd.Flags().BoolVar(&showJSON, "json", false, "Print the ledger as JSON")
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "Maximum number of runs to list")
}
