package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ormasoftchile/gantry/pkg/artifact"
	"github.com/ormasoftchile/gantry/pkg/credentials"
	"github.com/ormasoftchile/gantry/pkg/executor"
	"github.com/ormasoftchile/gantry/pkg/gate"
	"github.com/ormasoftchile/gantry/pkg/ledger"
	"github.com/ormasoftchile/gantry/pkg/pipeline"
	"github.com/ormasoftchile/gantry/pkg/report"
	"github.com/ormasoftchile/gantry/pkg/slots"
	"github.com/ormasoftchile/gantry/pkg/trace"
)

type fixture struct {
	scripts *executor.ScriptedRunner
	sink    *executor.LogSink
	store   *artifact.Store
	root    string
}

// newFixture builds a runner for def whose commands are answered by
// scripts.
func newFixture(t *testing.T, def *pipeline.Definition, scripts map[string]executor.Script, opts ...Option) (*Runner, *fixture) {
	t.Helper()
	if def.APIVersion == "" {
		def.APIVersion = pipeline.APIVersion
	}
	if def.Name == "" {
		def.Name = "test"
	}
	g, err := pipeline.Build(def)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	dir := t.TempDir()
	fx := &fixture{
		scripts: executor.NewScriptedRunner(scripts),
		sink:    executor.NewLogSink(filepath.Join(dir, "logs")),
		store:   artifact.NewStore(filepath.Join(dir, "artifacts")),
		root:    filepath.Join(dir, "workspaces"),
	}
	base := []Option{
		WithExecutor(executor.New(fx.scripts, executor.WithLogSink(fx.sink))),
		WithArtifacts(fx.store),
		WithWorkspaceRoot(fx.root),
	}
	return New(g, append(base, opts...)...), fx
}

func stage(name string, cmds ...string) pipeline.StageSpec {
	s := pipeline.StageSpec{Name: name}
	for _, c := range cmds {
		s.Steps = append(s.Steps, pipeline.Step{Run: c})
	}
	return s
}

func mustRun(t *testing.T, r *Runner, ctx context.Context, in pipeline.ContextInput) *ledger.Record {
	t.Helper()
	rec, err := r.Run(ctx, in)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !rec.Sealed {
		t.Fatal("record not sealed")
	}
	return rec
}

func assertStage(t *testing.T, rec *ledger.Record, path string, status ledger.Status, reason ledger.Reason) {
	t.Helper()
	s := rec.Stage(path)
	if s == nil {
		t.Fatalf("stage %q missing from record", path)
	}
	if s.Status != status || s.Reason != reason {
		t.Errorf("stage %s = %s(%s), want %s(%s)", path, s.Status, s.Reason, status, reason)
	}
}

func TestRun_SequentialFailureStopsLaterStages(t *testing.T) {
	def := &pipeline.Definition{Stages: []pipeline.StageSpec{
		stage("Checkout", "git checkout"),
		stage("Build", "make build"),
		stage("Push", "make push"),
	}}
	r, fx := newFixture(t, def, map[string]executor.Script{"make build": {ExitCode: 2}})
	rec := mustRun(t, r, context.Background(), pipeline.ContextInput{RunID: "run-a"})

	if rec.Status != ledger.StatusFailed {
		t.Errorf("run status = %s, want failed", rec.Status)
	}
	assertStage(t, rec, "Checkout", ledger.StatusSucceeded, ledger.ReasonNone)
	assertStage(t, rec, "Build", ledger.StatusFailed, ledger.ReasonExitCode)
	assertStage(t, rec, "Push", ledger.StatusPending, ledger.ReasonNone)
	if fx.scripts.Ran("make push") {
		t.Error("Push ran after Build failed")
	}
	if got := rec.Stage("Build").Steps[0].ExitCode; got != 2 {
		t.Errorf("Build exit code = %d", got)
	}
	if rec.Cleanup.Status != ledger.CleanupComplete || rec.Cleanup.Strategy != strategyPrimary {
		t.Errorf("cleanup = %+v", rec.Cleanup)
	}
	if _, err := os.Stat(filepath.Join(fx.root, "run-a")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("workspace still present: %v", err)
	}
}

func TestRun_ContinueOnErrorKeepsGoing(t *testing.T) {
	def := &pipeline.Definition{Stages: []pipeline.StageSpec{{
		Name:            "All",
		ContinueOnError: true,
		Stages: []pipeline.StageSpec{
			stage("First", "false"),
			stage("Second", "true"),
		},
	}}}
	r, fx := newFixture(t, def, map[string]executor.Script{"false": {ExitCode: 1}})
	rec := mustRun(t, r, context.Background(), pipeline.ContextInput{})

	if !fx.scripts.Ran("true") {
		t.Error("Second did not run")
	}
	assertStage(t, rec, "All/Second", ledger.StatusSucceeded, ledger.ReasonNone)
	assertStage(t, rec, "All", ledger.StatusFailed, ledger.ReasonExitCode)
}

func TestRun_StepContinueOnErrorIsUnstable(t *testing.T) {
	def := &pipeline.Definition{Stages: []pipeline.StageSpec{{
		Name: "Lint",
		Steps: []pipeline.Step{
			{Run: "lint", ContinueOnError: true},
			{Run: "format"},
		},
	}}}
	r, fx := newFixture(t, def, map[string]executor.Script{"lint": {ExitCode: 1}})
	rec := mustRun(t, r, context.Background(), pipeline.ContextInput{})

	if !fx.scripts.Ran("format") {
		t.Error("second step did not run")
	}
	assertStage(t, rec, "Lint", ledger.StatusUnstable, ledger.ReasonExitCode)
	if rec.Status != ledger.StatusUnstable {
		t.Errorf("run status = %s, want unstable", rec.Status)
	}
}

const failingSuite = `<testsuite name="unit" tests="2" failures="1">
  <testcase name="ok"/>
  <testcase name="broken"><failure message="boom"/></testcase>
</testsuite>`

func TestRun_TestFailuresMakeBranchUnstable(t *testing.T) {
	def := &pipeline.Definition{Stages: []pipeline.StageSpec{{
		Name: "Checks",
		Parallel: []pipeline.StageSpec{
			stage("Lint", "make lint"),
			{Name: "UnitTests", Steps: []pipeline.Step{
				{Run: "make test"},
				{TestReport: &pipeline.TestReportAction{Path: "reports/*.xml"}},
			}},
			stage("SAST", "make sast"),
		},
	}}}
	scripts := map[string]executor.Script{
		"make test": {Do: func(c executor.Command) error {
			if err := os.MkdirAll(filepath.Join(c.Dir, "reports"), 0o755); err != nil {
				return err
			}
			return os.WriteFile(filepath.Join(c.Dir, "reports", "unit.xml"), []byte(failingSuite), 0o644)
		}},
	}
	r, _ := newFixture(t, def, scripts)
	rec := mustRun(t, r, context.Background(), pipeline.ContextInput{})

	assertStage(t, rec, "Checks/UnitTests", ledger.StatusUnstable, ledger.ReasonTestFailures)
	assertStage(t, rec, "Checks/Lint", ledger.StatusSucceeded, ledger.ReasonNone)
	assertStage(t, rec, "Checks/SAST", ledger.StatusSucceeded, ledger.ReasonNone)
	assertStage(t, rec, "Checks", ledger.StatusUnstable, ledger.ReasonTestFailures)
	if rec.Status != ledger.StatusUnstable {
		t.Errorf("run status = %s, want unstable", rec.Status)
	}
	tests := rec.Stage("Checks/UnitTests").Tests
	if tests == nil || tests.Tests != 2 || tests.Failures != 1 {
		t.Fatalf("tests = %+v", tests)
	}
	if len(tests.Cases) != 1 {
		t.Fatalf("cases = %+v, want the failing one", tests.Cases)
	}
	c := tests.Cases[0]
	if c.ID() != "unit.broken" || c.Outcome != ledger.CaseFailed || c.Message != "boom" || c.Report != "reports/unit.xml" {
		t.Errorf("case = %+v", c)
	}
	if md := report.Markdown(rec); !strings.Contains(md, "✗ unit.broken: boom") {
		t.Errorf("markdown lacks the failing case:\n%s", md)
	}
}

func TestRun_GuardSkipsStage(t *testing.T) {
	deploy := stage("Deploy", "make deploy")
	deploy.When = &pipeline.Guard{Branch: "main"}
	def := &pipeline.Definition{Stages: []pipeline.StageSpec{deploy}}
	r, fx := newFixture(t, def, nil)
	rec := mustRun(t, r, context.Background(), pipeline.ContextInput{Branch: "develop"})

	assertStage(t, rec, "Deploy", ledger.StatusSkipped, ledger.ReasonGuard)
	if n := len(rec.Stage("Deploy").Steps); n != 0 {
		t.Errorf("skipped stage recorded %d steps", n)
	}
	if calls := fx.scripts.Calls(); len(calls) != 0 {
		t.Errorf("commands ran: %v", calls)
	}
	if rec.Status != ledger.StatusSucceeded {
		t.Errorf("run status = %s, want succeeded", rec.Status)
	}
}

func TestRun_RunTimeout(t *testing.T) {
	def := &pipeline.Definition{
		Options: pipeline.Options{Timeout: "50ms"},
		Stages: []pipeline.StageSpec{
			stage("Hang", "sleep forever"),
			stage("After", "echo after"),
		},
	}
	r, fx := newFixture(t, def, map[string]executor.Script{"sleep forever": {Block: true}})
	rec := mustRun(t, r, context.Background(), pipeline.ContextInput{RunID: "run-d"})

	if rec.Status != ledger.StatusFailed {
		t.Errorf("run status = %s, want failed", rec.Status)
	}
	assertStage(t, rec, "Hang", ledger.StatusFailed, ledger.ReasonRunTimeout)
	assertStage(t, rec, "After", ledger.StatusFailed, ledger.ReasonRunTimeout)
	if fx.scripts.Ran("echo after") {
		t.Error("stage after the timeout ran")
	}
	if rec.Cleanup.Status != ledger.CleanupComplete {
		t.Errorf("cleanup = %+v", rec.Cleanup)
	}
	res, err := trace.VerifyFile(filepath.Join(fx.sink.RunDir("run-d"), "trace.jsonl"))
	if err != nil {
		t.Fatalf("VerifyFile: %v", err)
	}
	if !res.Valid || !res.Complete {
		t.Errorf("trace = %+v", res)
	}
}

func TestRun_StageTimeout(t *testing.T) {
	slow := stage("Slow", "sleep forever")
	slow.Timeout = "20ms"
	def := &pipeline.Definition{Stages: []pipeline.StageSpec{slow}}
	r, _ := newFixture(t, def, map[string]executor.Script{"sleep forever": {Block: true}})
	rec := mustRun(t, r, context.Background(), pipeline.ContextInput{})

	assertStage(t, rec, "Slow", ledger.StatusFailed, ledger.ReasonTimeout)
}

func TestRun_GateRejectionLeavesParallelSiblings(t *testing.T) {
	approve := pipeline.StageSpec{
		Name:  "Approve",
		Input: &pipeline.Input{Message: "ship it?"},
		Steps: []pipeline.Step{{Run: "make release"}},
	}
	def := &pipeline.Definition{Stages: []pipeline.StageSpec{{
		Name:     "Release",
		Parallel: []pipeline.StageSpec{approve, stage("Build", "make build")},
	}}}
	gates := gate.NewController(nil)
	gates.Subscribe(func(req gate.Request) {
		gates.Reject(req.ID, "alice", "not today")
	})
	r, fx := newFixture(t, def, nil, WithGates(gates))
	rec := mustRun(t, r, context.Background(), pipeline.ContextInput{})

	assertStage(t, rec, "Release/Approve", ledger.StatusFailed, ledger.ReasonRejected)
	assertStage(t, rec, "Release/Build", ledger.StatusSucceeded, ledger.ReasonNone)
	if fx.scripts.Ran("make release") {
		t.Error("rejected stage ran its steps")
	}
	notes := rec.Stage("Release/Approve").Notes
	if !slices.ContainsFunc(notes, func(n string) bool { return strings.Contains(n, "rejected by alice") }) {
		t.Errorf("notes = %v", notes)
	}
	if rec.Status != ledger.StatusFailed {
		t.Errorf("run status = %s", rec.Status)
	}
}

func TestRun_GateApprovalTimeout(t *testing.T) {
	def := &pipeline.Definition{Stages: []pipeline.StageSpec{{
		Name:  "Approve",
		Input: &pipeline.Input{Message: "ok?", Timeout: "20ms"},
	}}}
	r, _ := newFixture(t, def, nil)
	rec := mustRun(t, r, context.Background(), pipeline.ContextInput{})

	assertStage(t, rec, "Approve", ledger.StatusFailed, ledger.ReasonApprovalTimeout)
}

func TestRun_SecretsNeverPersisted(t *testing.T) {
	const secret = "s3cr3t-token-value"
	deploy := pipeline.StageSpec{
		Name:        "Deploy",
		Credentials: []pipeline.CredentialRef{{ID: "deploy-token"}},
		Steps: []pipeline.Step{
			{Run: "deploy --print"},
			{Run: "deploy --fail", ContinueOnError: true},
		},
	}
	def := &pipeline.Definition{Stages: []pipeline.StageSpec{deploy}}
	scripts := map[string]executor.Script{
		"deploy --print": {Stdout: "using token " + secret + "\n"},
		"deploy --fail":  {Err: errors.New("auth with " + secret + " rejected")},
	}
	broker := credentials.NewBroker([]credentials.Provider{
		credentials.NewMemoryProvider(map[string]string{"deploy-token": secret}),
	})
	var progress bytes.Buffer
	r, fx := newFixture(t, def, scripts, WithBroker(broker), WithProgress(&progress))
	rec := mustRun(t, r, context.Background(), pipeline.ContextInput{RunID: "run-s"})

	calls := fx.scripts.Calls()
	if len(calls) == 0 || calls[0].Env["DEPLOY_TOKEN"] != secret {
		t.Fatal("credential not bound into the step environment")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(data, []byte(secret)) {
		t.Error("secret found in the ledger record")
	}
	if !bytes.Contains(data, []byte(credentials.Mask)) {
		t.Error("redacted error text missing from the record")
	}
	if strings.Contains(progress.String(), secret) {
		t.Error("secret found in progress output")
	}
	filepath.WalkDir(fx.sink.Root(), func(p string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		if bytes.Contains(b, []byte(secret)) {
			t.Errorf("secret found in %s", p)
		}
		return nil
	})
	bundle, err := artifact.ReadBundle(filepath.Join(fx.store.Root(), rec.Cleanup.LogBundle))
	if err != nil {
		t.Fatalf("ReadBundle: %v", err)
	}
	if len(bundle) == 0 {
		t.Error("log bundle is empty")
	}
	for name, b := range bundle {
		if bytes.Contains(b, []byte(secret)) {
			t.Errorf("secret found in bundled %s", name)
		}
	}
}

// A secret written to the workspace by one stage stays masked in the
// output of later stages and is never archived by them.
func TestRun_SecretsMaskedAcrossStages(t *testing.T) {
	const secret = "rg-7f3c9a-registry"
	def := &pipeline.Definition{Stages: []pipeline.StageSpec{
		{
			Name:        "Login",
			Credentials: []pipeline.CredentialRef{{ID: "registry-token"}},
			Steps:       []pipeline.Step{{Run: "write config"}},
		},
		{
			Name: "Publish",
			Steps: []pipeline.Step{
				{Run: "cat config.json"},
				{Archive: &pipeline.ArchiveAction{Pattern: "config.json"}},
			},
		},
	}}
	scripts := map[string]executor.Script{
		"write config": {Do: func(c executor.Command) error {
			return os.WriteFile(filepath.Join(c.Dir, "config.json"), []byte(c.Env["REGISTRY_TOKEN"]), 0o600)
		}},
		"cat config.json": {Do: func(c executor.Command) error {
			data, err := os.ReadFile(filepath.Join(c.Dir, "config.json"))
			if err != nil {
				return err
			}
			_, err = c.Stdout.Write(data)
			return err
		}},
	}
	broker := credentials.NewBroker([]credentials.Provider{
		credentials.NewMemoryProvider(map[string]string{"registry-token": secret}),
	})
	var progress bytes.Buffer
	r, fx := newFixture(t, def, scripts, WithBroker(broker), WithProgress(&progress))
	rec := mustRun(t, r, context.Background(), pipeline.ContextInput{RunID: "leak"})

	assertStage(t, rec, "Login", ledger.StatusSucceeded, ledger.ReasonNone)
	assertStage(t, rec, "Publish", ledger.StatusFailed, ledger.ReasonArtifact)
	if len(rec.Artifacts) != 0 {
		t.Errorf("artifacts = %+v, want none", rec.Artifacts)
	}
	if !strings.Contains(rec.Stage("Publish").Steps[1].Error, "secret") {
		t.Errorf("archive error = %q", rec.Stage("Publish").Steps[1].Error)
	}
	if strings.Contains(progress.String(), secret) {
		t.Error("secret found in progress output")
	}
	for _, root := range []string{fx.sink.Root(), fx.store.Root()} {
		filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}
			b, err := os.ReadFile(p)
			if err != nil {
				return err
			}
			if bytes.Contains(b, []byte(secret)) {
				t.Errorf("secret found in %s", p)
			}
			return nil
		})
	}
}

func TestRun_CredentialPolicies(t *testing.T) {
	tests := []struct {
		name        string
		policy      string
		wantStatus  ledger.Status
		wantRun     bool
		wantVerdict ledger.Status
	}{
		{"fail", pipeline.OnMissingFail, ledger.StatusFailed, false, ledger.StatusFailed},
		{"skip", pipeline.OnMissingSkip, ledger.StatusSkipped, false, ledger.StatusSucceeded},
		{"placeholder", pipeline.OnMissingPlaceholder, ledger.StatusUnstable, true, ledger.StatusUnstable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := pipeline.StageSpec{
				Name:                "Publish",
				Credentials:         []pipeline.CredentialRef{{ID: "npm-token"}},
				OnMissingCredential: tt.policy,
				Steps:               []pipeline.Step{{Run: "npm publish"}},
				Post:                map[string][]pipeline.Step{pipeline.PostAlways: {{Run: "notify"}}},
			}
			def := &pipeline.Definition{Stages: []pipeline.StageSpec{s}}
			r, fx := newFixture(t, def, nil)
			rec := mustRun(t, r, context.Background(), pipeline.ContextInput{})

			assertStage(t, rec, "Publish", tt.wantStatus, ledger.ReasonCredentials)
			if got := fx.scripts.Ran("npm publish"); got != tt.wantRun {
				t.Errorf("step ran = %v, want %v", got, tt.wantRun)
			}
			if tt.policy == pipeline.OnMissingSkip && fx.scripts.Ran("notify") {
				t.Error("post action ran for a stage skipped on credentials")
			}
			if tt.wantRun {
				if v, ok := fx.scripts.Calls()[0].Env["NPM_TOKEN"]; !ok || v != "" {
					t.Errorf("placeholder binding = %q, %v", v, ok)
				}
			}
			if rec.Status != tt.wantVerdict {
				t.Errorf("run status = %s, want %s", rec.Status, tt.wantVerdict)
			}
		})
	}
}

func TestRun_FailFastCancelsSiblings(t *testing.T) {
	failFast := true
	def := &pipeline.Definition{Stages: []pipeline.StageSpec{{
		Name:     "Matrix",
		FailFast: &failFast,
		Parallel: []pipeline.StageSpec{
			stage("Quick", "exit 1"),
			stage("Slow", "sleep forever"),
		},
	}}}
	r, _ := newFixture(t, def, map[string]executor.Script{
		"exit 1":        {ExitCode: 1},
		"sleep forever": {Block: true},
	})
	rec := mustRun(t, r, context.Background(), pipeline.ContextInput{})

	assertStage(t, rec, "Matrix/Quick", ledger.StatusFailed, ledger.ReasonExitCode)
	slow := rec.Stage("Matrix/Slow")
	if slow.Status != ledger.StatusFailed && slow.Status != ledger.StatusPending {
		t.Errorf("Slow = %s", slow.Status)
	}
	if slow.Status == ledger.StatusFailed && slow.Reason != ledger.ReasonCancelled {
		t.Errorf("Slow reason = %s, want cancelled", slow.Reason)
	}
	if rec.Status != ledger.StatusFailed {
		t.Errorf("run status = %s", rec.Status)
	}
}

func TestRun_ParallelWithoutFailFastFinishesBranches(t *testing.T) {
	def := &pipeline.Definition{Stages: []pipeline.StageSpec{{
		Name: "Matrix",
		Parallel: []pipeline.StageSpec{
			stage("Quick", "exit 1"),
			stage("Slow", "sleep briefly"),
		},
	}}}
	r, _ := newFixture(t, def, map[string]executor.Script{
		"exit 1":        {ExitCode: 1},
		"sleep briefly": {Delay: 20 * time.Millisecond},
	})
	rec := mustRun(t, r, context.Background(), pipeline.ContextInput{})

	assertStage(t, rec, "Matrix/Slow", ledger.StatusSucceeded, ledger.ReasonNone)
	assertStage(t, rec, "Matrix", ledger.StatusFailed, ledger.ReasonExitCode)
}

func TestRun_PostActions(t *testing.T) {
	post := map[string][]pipeline.Step{
		pipeline.PostFailure: {{Run: "on failure"}},
		pipeline.PostSuccess: {{Run: "on success"}},
		pipeline.PostAlways:  {{Run: "always"}},
	}
	tests := []struct {
		name   string
		script executor.Script
		want   []string
	}{
		{"succeeded", executor.Script{}, []string{"work", "always", "on success"}},
		{"failed", executor.Script{ExitCode: 1}, []string{"work", "always", "on failure"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := stage("Work", "work")
			s.Post = post
			def := &pipeline.Definition{Stages: []pipeline.StageSpec{s}}
			r, fx := newFixture(t, def, map[string]executor.Script{"work": tt.script})
			mustRun(t, r, context.Background(), pipeline.ContextInput{})

			var got []string
			for _, c := range fx.scripts.Calls() {
				got = append(got, c.Script)
			}
			if !slices.Equal(got, tt.want) {
				t.Errorf("commands = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRun_PostFailureDoesNotChangeStatus(t *testing.T) {
	s := stage("Work", "work")
	s.Post = map[string][]pipeline.Step{pipeline.PostAlways: {{Run: "notify"}}}
	def := &pipeline.Definition{Stages: []pipeline.StageSpec{s}}
	r, _ := newFixture(t, def, map[string]executor.Script{"notify": {ExitCode: 3}})
	rec := mustRun(t, r, context.Background(), pipeline.ContextInput{})

	assertStage(t, rec, "Work", ledger.StatusSucceeded, ledger.ReasonNone)
	st := rec.Stage("Work")
	if len(st.Steps) != 1 || len(st.Post) != 1 || st.Post[0].Post != pipeline.PostAlways {
		t.Errorf("steps = %+v, post = %+v", st.Steps, st.Post)
	}
	if len(st.Notes) == 0 || !strings.Contains(st.Notes[0], "post always") {
		t.Errorf("notes = %v", st.Notes)
	}
}

func TestRun_UnknownAgentLabel(t *testing.T) {
	s := stage("Windows", "build.cmd")
	s.Agent = "windows"
	def := &pipeline.Definition{Stages: []pipeline.StageSpec{s, stage("Linux", "make")}}
	r, fx := newFixture(t, def, nil, WithSlots(slots.NewPool(map[string]int{"linux": 1})))
	rec := mustRun(t, r, context.Background(), pipeline.ContextInput{})

	assertStage(t, rec, "Windows", ledger.StatusFailed, ledger.ReasonNoAgent)
	if fx.scripts.Ran("build.cmd") {
		t.Error("stage without a slot ran")
	}
}

func TestRun_SlotHeldByParentIsReused(t *testing.T) {
	def := &pipeline.Definition{
		Options: pipeline.Options{Agent: "linux"},
		Stages: []pipeline.StageSpec{{
			Name:   "Outer",
			Stages: []pipeline.StageSpec{stage("Inner", "make")},
		}},
	}
	// Capacity one: the inner stage would deadlock if it queued for a
	// second slot while its parent holds the only one.
	r, _ := newFixture(t, def, nil, WithSlots(slots.NewPool(map[string]int{"linux": 1})))
	rec := mustRun(t, r, context.Background(), pipeline.ContextInput{})

	assertStage(t, rec, "Outer/Inner", ledger.StatusSucceeded, ledger.ReasonNone)
}

func TestRun_GateUnderGroupHoldsNoSlot(t *testing.T) {
	def := &pipeline.Definition{
		Options: pipeline.Options{Agent: "linux"},
		Stages: []pipeline.StageSpec{{
			Name: "Release",
			Stages: []pipeline.StageSpec{{
				Name:  "Approve",
				Input: &pipeline.Input{Message: "ship it?"},
				Steps: []pipeline.Step{{Run: "make release"}},
			}},
		}},
	}
	pool := slots.NewPool(map[string]int{"linux": 1})
	gates := gate.NewController(nil)
	var heldAtGate atomic.Int32
	gates.Subscribe(func(req gate.Request) {
		inUse, _ := pool.Stats("linux")
		heldAtGate.Store(int32(inUse))
		gates.Approve(req.ID, "alice", "")
	})
	r, fx := newFixture(t, def, nil, WithSlots(pool), WithGates(gates))
	rec := mustRun(t, r, context.Background(), pipeline.ContextInput{})

	assertStage(t, rec, "Release/Approve", ledger.StatusSucceeded, ledger.ReasonNone)
	if n := heldAtGate.Load(); n != 0 {
		t.Errorf("%d slot(s) held while awaiting approval", n)
	}
	if !fx.scripts.Ran("make release") {
		t.Error("approved stage did not run")
	}
}

func TestRun_DryRun(t *testing.T) {
	approve := pipeline.StageSpec{Name: "Approve", Input: &pipeline.Input{Message: "go?"}}
	build := stage("Build", "make build")
	build.Steps = append(build.Steps, pipeline.Step{Archive: &pipeline.ArchiveAction{Pattern: "dist/**"}})
	def := &pipeline.Definition{Stages: []pipeline.StageSpec{approve, build}}
	r, fx := newFixture(t, def, map[string]executor.Script{"make build": {ExitCode: 1}}, WithDryRun(true))
	rec := mustRun(t, r, context.Background(), pipeline.ContextInput{})

	if rec.Status != ledger.StatusSucceeded {
		t.Errorf("run status = %s", rec.Status)
	}
	if !rec.Context.DryRun {
		t.Error("dry run not recorded")
	}
	if len(fx.scripts.Calls()) != 0 {
		t.Error("dry run reached the configured command runner")
	}
	steps := rec.Stage("Build").Steps
	if len(steps) != 2 || steps[1].Status != ledger.StatusSkipped || steps[1].Reason != ledger.ReasonDryRun {
		t.Errorf("steps = %+v", steps)
	}
}

func TestRun_ArchivesArtifacts(t *testing.T) {
	build := pipeline.StageSpec{Name: "Build", Steps: []pipeline.Step{
		{Run: "make dist"},
		{Archive: &pipeline.ArchiveAction{Pattern: "dist/*.bin", Fingerprint: true}},
	}}
	def := &pipeline.Definition{Stages: []pipeline.StageSpec{build}}
	scripts := map[string]executor.Script{"make dist": {Do: func(c executor.Command) error {
		if err := os.MkdirAll(filepath.Join(c.Dir, "dist"), 0o755); err != nil {
			return err
		}
		return os.WriteFile(filepath.Join(c.Dir, "dist", "app.bin"), []byte("binary"), 0o644)
	}}}
	r, fx := newFixture(t, def, scripts)
	rec := mustRun(t, r, context.Background(), pipeline.ContextInput{RunID: "run-art"})

	if len(rec.Artifacts) != 1 {
		t.Fatalf("artifacts = %+v", rec.Artifacts)
	}
	a := rec.Artifacts[0]
	if a.Path != "dist/app.bin" || !strings.HasPrefix(a.Fingerprint, "blake3:") {
		t.Errorf("artifact = %+v", a)
	}
	if err := fx.store.Verify(a); err != nil {
		t.Errorf("Verify: %v", err)
	}
}

func TestRun_ArchiveRequiredButEmpty(t *testing.T) {
	no := false
	build := pipeline.StageSpec{Name: "Build", Steps: []pipeline.Step{
		{Archive: &pipeline.ArchiveAction{Pattern: "dist/*.bin", AllowEmpty: &no}},
	}}
	def := &pipeline.Definition{Stages: []pipeline.StageSpec{build}}
	r, _ := newFixture(t, def, nil)
	rec := mustRun(t, r, context.Background(), pipeline.ContextInput{})

	assertStage(t, rec, "Build", ledger.StatusFailed, ledger.ReasonArtifact)
}

func TestRun_Abort(t *testing.T) {
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	deploy := stage("Deploy", "deploy")
	deploy.Post = map[string][]pipeline.Step{pipeline.PostFailure: {{Run: "rollback"}}}
	def := &pipeline.Definition{Stages: []pipeline.StageSpec{deploy, stage("Verify", "verify")}}
	r, fx := newFixture(t, def, map[string]executor.Script{
		"deploy": {Block: true, Do: func(executor.Command) error {
			cancel(ErrAborted)
			return nil
		}},
	})
	rec := mustRun(t, r, ctx, pipeline.ContextInput{})

	if rec.Status != ledger.StatusAborted {
		t.Errorf("run status = %s, want aborted", rec.Status)
	}
	assertStage(t, rec, "Deploy", ledger.StatusFailed, ledger.ReasonAborted)
	assertStage(t, rec, "Verify", ledger.StatusPending, ledger.ReasonNone)
	if !fx.scripts.Ran("rollback") {
		t.Error("failure post action did not run after abort")
	}
	if !slices.Contains(rec.Notes, "run aborted") {
		t.Errorf("notes = %v", rec.Notes)
	}
}

func TestRun_PanicSealsOnce(t *testing.T) {
	tests := []struct {
		name  string
		def   *pipeline.Definition
		panic string
	}{
		{
			name: "sequential",
			def: &pipeline.Definition{Stages: []pipeline.StageSpec{
				stage("Checkout", "git checkout"),
				stage("Build", "make"),
				stage("Push", "push"),
			}},
			panic: "Build",
		},
		{
			name: "parallel",
			def: &pipeline.Definition{Stages: []pipeline.StageSpec{{
				Name:     "Checks",
				Parallel: []pipeline.StageSpec{stage("Lint", "lint"), stage("Test", "test")},
			}}},
			panic: "Checks/Test",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newFixture(t, tt.def, nil)
			var seals atomic.Int32
			r.sealed = func() { seals.Add(1) }
			r.beforeStage = func(path string) {
				if path == tt.panic {
					panic("injected")
				}
			}
			rec := mustRun(t, r, context.Background(), pipeline.ContextInput{})

			if n := seals.Load(); n != 1 {
				t.Errorf("sealed %d times", n)
			}
			if rec.Status != ledger.StatusFailed {
				t.Errorf("run status = %s", rec.Status)
			}
			assertStage(t, rec, tt.panic, ledger.StatusFailed, ledger.ReasonInternal)
			rec.Root.Walk(func(s *ledger.StageResult) {
				if !s.Status.Terminal() {
					t.Errorf("stage %q left %s", s.Path, s.Status)
				}
			})
			if !slices.ContainsFunc(rec.Notes, func(n string) bool { return strings.Contains(n, "injected") }) {
				t.Errorf("notes = %v", rec.Notes)
			}
		})
	}
}

func TestRun_CleanupFallback(t *testing.T) {
	def := &pipeline.Definition{Stages: []pipeline.StageSpec{stage("Build", "make")}}

	t.Run("retry after chmod", func(t *testing.T) {
		r, fx := newFixture(t, def, nil)
		calls := 0
		r.removeAll = func(p string) error {
			calls++
			if calls == 1 {
				return errors.New("permission denied")
			}
			return os.RemoveAll(p)
		}
		rec := mustRun(t, r, context.Background(), pipeline.ContextInput{RunID: "run-f"})

		c := rec.Cleanup
		if c.Status != ledger.CleanupComplete || c.Strategy != strategyFallback || len(c.Errors) != 1 {
			t.Errorf("cleanup = %+v", c)
		}
		if rec.Status != ledger.StatusSucceeded {
			t.Errorf("run status = %s", rec.Status)
		}
		if _, err := os.Stat(filepath.Join(fx.root, "run-f")); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("workspace still present: %v", err)
		}
	})

	t.Run("move to trash", func(t *testing.T) {
		r, fx := newFixture(t, def, nil)
		r.removeAll = func(string) error { return errors.New("busy") }
		rec := mustRun(t, r, context.Background(), pipeline.ContextInput{RunID: "run-t"})

		if rec.Cleanup.Strategy != strategyFallback || len(rec.Cleanup.Errors) != 2 {
			t.Errorf("cleanup = %+v", rec.Cleanup)
		}
		if _, err := os.Stat(filepath.Join(fx.root, ".trash", "run-t")); err != nil {
			t.Errorf("workspace not moved to trash: %v", err)
		}
		if !slices.ContainsFunc(rec.Notes, func(n string) bool { return strings.Contains(n, "fallback") }) {
			t.Errorf("notes = %v", rec.Notes)
		}
	})
}

func TestRun_InvalidParameter(t *testing.T) {
	def := &pipeline.Definition{
		Parameters: []pipeline.Parameter{{Name: "TARGET", Type: pipeline.ParamChoice, Choices: []string{"staging", "prod"}}},
		Stages:     []pipeline.StageSpec{stage("Deploy", "deploy")},
	}
	r, fx := newFixture(t, def, nil)
	if _, err := r.Run(context.Background(), pipeline.ContextInput{Params: map[string]string{"TARGET": "mars"}}); err == nil {
		t.Fatal("Run accepted an invalid choice")
	}
	if len(fx.scripts.Calls()) != 0 {
		t.Error("commands ran for a run that never started")
	}
}

func TestRun_PersistsToLedgerStore(t *testing.T) {
	store, err := ledger.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	def := &pipeline.Definition{Stages: []pipeline.StageSpec{stage("Build", "make")}}
	r, _ := newFixture(t, def, nil, WithLedgerStore(store))
	rec := mustRun(t, r, context.Background(), pipeline.ContextInput{RunID: "run-p"})

	got, err := store.Load(context.Background(), "run-p")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Status != rec.Status || !got.Sealed {
		t.Errorf("stored = %s sealed=%v", got.Status, got.Sealed)
	}
}

func TestNewRunID(t *testing.T) {
	id := NewRunID(time.Date(2026, 3, 1, 10, 20, 30, 0, time.UTC))
	if !strings.HasPrefix(id, "20260301T102030-") || len(id) != len("20260301T102030-abcd") {
		t.Errorf("NewRunID = %q", id)
	}
}
