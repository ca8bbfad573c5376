package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/ormasoftchile/gantry/pkg/ledger"
	"github.com/ormasoftchile/gantry/pkg/pipeline"
	"github.com/ormasoftchile/gantry/pkg/report"
	"github.com/ormasoftchile/gantry/pkg/trace"
)

// --- validate ---

var validateCmd = &cobra.Command{
	Use:   "validate [pipeline.yaml]",
	Short: "Validate a pipeline definition",
	Args:  cobra.ExactArgs(1),
	RunE:  runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	g, err := loadGraph(cmd.ErrOrStderr(), args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ %s is valid (%d stages)\n", g.Def.Name, g.Len())
	return nil
}

// loadGraph validates path and prints every problem found to w.
func loadGraph(w io.Writer, path string) (*pipeline.Graph, error) {
	g, errs := pipeline.ValidateFile(path)
	if len(errs) == 0 {
		return g, nil
	}
	fmt.Fprintf(w, "Validation failed: %d error(s)\n\n", len(errs))
	for i, e := range errs {
		fmt.Fprintf(w, "  %d. [%s] %s\n", i+1, e.Phase, e.Message)
		if e.Path != "" {
			fmt.Fprintf(w, "     at: %s\n", e.Path)
		}
	}
	return nil, &exitError{code: exitInvalid, err: fmt.Errorf("validation failed with %d error(s)", len(errs))}
}

// --- graph ---

var (
	graphFormat string
	graphRun    string
)

var graphCmd = &cobra.Command{
	Use:   "graph [pipeline.yaml]",
	Short: "Draw the stage graph of a pipeline",
	Long:  "Draws the stage graph as a Mermaid flowchart or ASCII tree. With --run, stages are annotated with the statuses recorded for that run.",
	Args:  cobra.ExactArgs(1),
	RunE:  runGraph,
}

func runGraph(cmd *cobra.Command, args []string) error {
	g, err := loadGraph(cmd.ErrOrStderr(), args[0])
	if err != nil {
		return err
	}
	var rec *ledger.Record
	if graphRun != "" {
		cfg, _, err := setup(cmd)
		if err != nil {
			return err
		}
		store, err := openStore(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer store.Close()
		if rec, err = store.Load(cmd.Context(), graphRun); err != nil {
			return err
		}
	}
	out, err := report.Diagram(g, rec, report.Format(graphFormat))
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), out)
	return nil
}

func init() {
	graphCmd.Flags().StringVar(&graphFormat, "format", "mermaid", "Diagram format: mermaid or ascii")
	graphCmd.Flags().StringVar(&graphRun, "run", "", "Annotate stages with the statuses of a stored run")
}

// --- schema export ---

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Schema operations",
}

var schemaExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the pipeline definition JSON Schema to stdout",
	RunE:  runSchemaExport,
}

func runSchemaExport(cmd *cobra.Command, args []string) error {
	data, err := pipeline.GenerateJSONSchema()
	if err != nil {
		return fmt.Errorf("generate schema: %w", err)
	}
	formatted, err := json.MarshalIndent(json.RawMessage(data), "", "  ")
	if err != nil {
		formatted = data
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(formatted))
	return nil
}

// --- trace verify ---

var traceCmd = &cobra.Command{
	Use:   "trace",
	Short: "Trace file operations",
}

var traceVerifyCmd = &cobra.Command{
	Use:   "verify [trace.jsonl]",
	Short: "Verify the hash chain of a run trace",
	Args:  cobra.ExactArgs(1),
	RunE:  runTraceVerify,
}

func runTraceVerify(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	result, err := trace.VerifyFile(args[0])
	if err != nil {
		return err
	}
	if !result.Valid {
		fmt.Fprintf(out, "✗ Chain broken at event %d\n", result.BrokenAt)
		if result.Error != "" {
			fmt.Fprintf(out, "  %s\n", result.Error)
		}
		return fmt.Errorf("chain verification failed")
	}
	fmt.Fprintf(out, "✓ Chain integrity: %d events, no breaks\n", result.EventCount)
	if !result.Complete {
		fmt.Fprintf(out, "⚠ Trace has no run_complete event; the run may not have finished\n")
	}
	return nil
}
