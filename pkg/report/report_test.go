package report

import (
	"strings"
	"testing"
	"time"

	"github.com/mattn/go-runewidth"

	"github.com/ormasoftchile/gantry/pkg/ledger"
	"github.com/ormasoftchile/gantry/pkg/pipeline"
)

func sampleRecord() *ledger.Record {
	start := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	at := func(s int) time.Time { return start.Add(time.Duration(s) * time.Second) }

	root := ledger.NewStage("", "", false)
	checkout := root.AddChild(ledger.NewStage("Checkout", "Checkout", false))
	checkout.Status, checkout.StartedAt, checkout.EndedAt = ledger.StatusSucceeded, at(0), at(2)
	checkout.Steps = []ledger.StepResult{{Name: "git checkout", Status: ledger.StatusSucceeded}}

	checks := root.AddChild(ledger.NewStage("Checks", "Checks", true))
	checks.Status, checks.Reason = ledger.StatusUnstable, ledger.ReasonTestFailures
	unit := checks.AddChild(ledger.NewStage("UnitTests", "Checks/UnitTests", false))
	unit.Status, unit.Reason = ledger.StatusUnstable, ledger.ReasonTestFailures
	unit.Tests = &ledger.TestSummary{Reports: 1, Tests: 10, Failures: 1, Cases: []ledger.TestCaseResult{{
		Report: "reports/unit.xml", Class: "auth", Name: "TestLogin", Outcome: ledger.CaseFailed, Message: "want 200\ngot 500",
	}}}
	unit.Scan = &ledger.ScanSummary{Tools: []string{"semgrep"}, Findings: 3, Blocking: 1, Blockers: []ledger.FindingRecord{{
		Tool: "semgrep", RuleID: "R2", Severity: "high", Location: "db.go:12", Message: "sqli",
	}}}
	lint := checks.AddChild(ledger.NewStage("Lint", "Checks/Lint", false))
	lint.Status = ledger.StatusSucceeded

	push := root.AddChild(ledger.NewStage("Push", "Push", false))
	push.Status, push.Reason = ledger.StatusFailed, ledger.ReasonExitCode
	push.Steps = []ledger.StepResult{{
		Name: "docker push", Status: ledger.StatusFailed, Reason: ledger.ReasonExitCode,
		Error: "exit status 1", LogRef: "r1/Push/000.log",
	}}
	push.Post = []ledger.StepResult{{Name: "logout", Status: ledger.StatusFailed, Reason: ledger.ReasonExitCode, Post: "always"}}
	push.Notes = []string{"post always step \"logout\" failed"}

	return &ledger.Record{
		RunID:     "r1",
		Pipeline:  "release",
		Context:   ledger.ContextSnapshot{Branch: "main", BuildNumber: 7, Params: map[string]string{"TARGET": "prod"}},
		Status:    ledger.StatusFailed,
		StartedAt: start,
		EndedAt:   at(65),
		Root:      root,
		Artifacts: []ledger.ArtifactRecord{{StoredAt: "r1/Build/app.bin", Stage: "Build", Size: 6, Retention: ledger.RetentionRun, Fingerprint: "blake3:abc"}},
		Cleanup:   ledger.CleanupRecord{Status: ledger.CleanupComplete, Strategy: "primary", LogBundle: "r1/logs.tar.zst"},
		Notes:     []string{"run note"},
		Sealed:    true,
	}
}

func TestMarkdown(t *testing.T) {
	md := Markdown(sampleRecord())
	for _, want := range []string{
		"# Run r1: release",
		"**Status:** ✗ FAILED",
		"**Duration:** 1m5s",
		"**Branch:** main",
		"**Build:** 7",
		"- `TARGET` = `prod`",
		"| Checkout | ✓ succeeded |  | 2s | 1 |",
		"| Checks ⫴ | ! unstable | test-failures |",
		"| &nbsp;&nbsp;UnitTests |",
		"- **Push** › docker push: exit-code `exit status 1` log: `r1/Push/000.log`",
		"- **Push** › logout: exit-code (post always)",
		"- **Checks/UnitTests** tests: 10 run, 1 failed",
		"  - ✗ auth.TestLogin: want 200 `reports/unit.xml`",
		"- **Checks/UnitTests** scan (semgrep): 3 findings, 1 blocking",
		"  - [HIGH] R2 (semgrep) at `db.go:12`: sqli",
		"- `r1/Build/app.bin` (Build, 6 bytes, run) blake3:abc",
		"- run note",
		"- **Push:** post always step",
		"## Cleanup\n\ncomplete (primary)",
		"- logs: `r1/logs.tar.zst`",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("markdown missing %q\n%s", want, md)
		}
	}
}

func TestRender_FallsBackOrStyles(t *testing.T) {
	out := Render(sampleRecord(), 100)
	if !strings.Contains(out, "release") || !strings.Contains(out, "UnitTests") {
		t.Errorf("rendered output lost content:\n%s", out)
	}
}

func TestTable_AlignsByDisplayWidth(t *testing.T) {
	out := Table([]string{"NAME", "STATUS"}, [][]string{
		{"✓ build", "ok"},
		{"日本語", "ok"},
		{"x", "failed"},
	})
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("lines = %q", lines)
	}
	col := -1
	for _, l := range lines[1:] {
		i := strings.LastIndex(l, "  ")
		w := runewidth.StringWidth(l[:i+2])
		if col == -1 {
			col = w
		}
		if w != col {
			t.Errorf("column starts at %d, want %d in %q", w, col, l)
		}
	}
}

func TestStageTableAndSummary(t *testing.T) {
	rec := sampleRecord()
	table := StageTable(rec)
	for _, want := range []string{"STAGE", "✓ Checkout", "  ! UnitTests", "exit-code"} {
		if !strings.Contains(table, want) {
			t.Errorf("stage table missing %q\n%s", want, table)
		}
	}
	sum := Summary(rec)
	for _, want := range []string{"FAILED", "release", "r1", "1m5s"} {
		if !strings.Contains(sum, want) {
			t.Errorf("summary missing %q: %s", want, sum)
		}
	}
}

func TestRunTable(t *testing.T) {
	out := RunTable([]ledger.Summary{{RunID: "r2", Pipeline: "release", Status: ledger.StatusSucceeded}})
	if !strings.Contains(out, "r2") || !strings.Contains(out, "✓ succeeded") {
		t.Errorf("run table:\n%s", out)
	}
}

func diagramGraph(t *testing.T) *pipeline.Graph {
	t.Helper()
	g, err := pipeline.Build(&pipeline.Definition{
		APIVersion: pipeline.APIVersion,
		Name:       "release",
		Stages: []pipeline.StageSpec{
			{Name: "Checkout", Steps: []pipeline.Step{{Run: "git checkout"}}},
			{Name: "Checks", Parallel: []pipeline.StageSpec{
				{Name: "Lint", Steps: []pipeline.Step{{Run: "make lint"}}},
				{Name: "UnitTests", Steps: []pipeline.Step{{Run: "make test"}}},
			}},
			{Name: "Approve", Input: &pipeline.Input{Message: "ship?"}},
			{Name: "Push", Agent: "docker", When: &pipeline.Guard{Branch: "main"}, Steps: []pipeline.Step{{Run: "docker push"}}},
		},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return g
}

func TestDiagram(t *testing.T) {
	g := diagramGraph(t)
	tests := []struct {
		format Format
		rec    *ledger.Record
		want   []string
	}{
		{FormatMermaid, nil, []string{
			"flowchart LR",
			`START(["release"])`,
			"START --> s_Checkout",
			`subgraph s_Checks ["Checks"]`,
			`s_Checks__Lint["Lint"]`,
			"s_Checkout --> s_Checks",
			`s_Approve{{"Approve"}}`,
			`s_Approve -->|"when"| s_Push`,
			"s_Push --> END",
		}},
		{FormatMermaid, sampleRecord(), []string{
			`s_Checkout["✓ Checkout"]`,
			"style s_Checkout fill:#0d6",
			"style s_Push fill:#d22",
		}},
		{FormatASCII, nil, []string{
			"║  release  ║",
			"├─ Checkout",
			"├─ Checks [parallel]",
			"│  ├═ Lint",
			"│  └═ UnitTests",
			"├─ Approve [gate]",
			"└─ Push [when, agent=docker]",
		}},
	}
	for _, tt := range tests {
		t.Run(string(tt.format), func(t *testing.T) {
			out, err := Diagram(g, tt.rec, tt.format)
			if err != nil {
				t.Fatal(err)
			}
			for _, want := range tt.want {
				if !strings.Contains(out, want) {
					t.Errorf("diagram missing %q\n%s", want, out)
				}
			}
		})
	}
	if _, err := Diagram(g, nil, "svg"); err == nil {
		t.Error("unsupported format accepted")
	}
}

func TestDiff(t *testing.T) {
	before := sampleRecord()
	after := sampleRecord()
	after.RunID = "r2"
	after.Stage("Push").Status, after.Stage("Push").Reason = ledger.StatusSucceeded, ""
	after.Stage("Checks/UnitTests").Reason = ""
	after.Root.AddChild(ledger.NewStage("Deploy", "Deploy", false)).Status = ledger.StatusSkipped

	diffs := Diff(before, after)
	changed := map[string]bool{}
	for _, d := range diffs {
		if d.Changed() {
			changed[d.Path] = true
		}
	}
	want := map[string]bool{"Push": true, "Checks/UnitTests": true, "Deploy": true}
	if len(changed) != len(want) {
		t.Errorf("changed = %v, want %v", changed, want)
	}
	for p := range want {
		if !changed[p] {
			t.Errorf("%s not reported as changed", p)
		}
	}
	if last := diffs[len(diffs)-1]; last.Path != "Deploy" || last.Before != "" {
		t.Errorf("stage only in the second run = %+v", last)
	}

	out := DiffTable(before, after, diffs)
	for _, want := range []string{"r1", "r2", "≠", "✗ failed (exit-code)", "3 same, 3 changed"} {
		if !strings.Contains(out, want) {
			t.Errorf("diff table missing %q\n%s", want, out)
		}
	}
}
