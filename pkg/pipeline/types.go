// Package pipeline defines the declarative pipeline document, loads and
// validates it, and builds the immutable stage graph the runner walks.
package pipeline

import (
	"strings"

	"github.com/mattn/go-runewidth"
)

// APIVersion is the only accepted document version.
const APIVersion = "pipeline/v1"

// Definition is the root of a pipeline document. It is never mutated
// after loading.
type Definition struct {
	APIVersion  string            `yaml:"apiVersion"            json:"apiVersion"            jsonschema:"required,enum=pipeline/v1"`
	Name        string            `yaml:"name"                  json:"name"                  jsonschema:"required"`
	Description string            `yaml:"description,omitempty" json:"description,omitempty"`
	Options     Options           `yaml:"options,omitempty"     json:"options,omitempty"`
	Parameters  []Parameter       `yaml:"parameters,omitempty"  json:"parameters,omitempty"`
	Environment map[string]string `yaml:"environment,omitempty" json:"environment,omitempty"`
	Stages      []StageSpec       `yaml:"stages"                json:"stages"                jsonschema:"required,minItems=1"`
}

// Options are run-wide settings.
type Options struct {
	// Timeout bounds the whole run, e.g. "30m".
	Timeout string `yaml:"timeout,omitempty"     json:"timeout,omitempty"     jsonschema:"pattern=^([0-9]+(ms|s|m|h))+$"`
	// StepTimeout is the default for steps without their own timeout.
	StepTimeout string `yaml:"stepTimeout,omitempty" json:"stepTimeout,omitempty" jsonschema:"pattern=^([0-9]+(ms|s|m|h))+$"`
	// Retention is the number of runs whose archived artifacts are kept.
	Retention int `yaml:"retention,omitempty"   json:"retention,omitempty"   jsonschema:"minimum=0"`
	// Agent is the default execution-surface label.
	Agent string `yaml:"agent,omitempty"       json:"agent,omitempty"`
	// FailFast is the default for parallel stages that leave it unset.
	FailFast bool `yaml:"failFast,omitempty"    json:"failFast,omitempty"`
}

// Parameter types.
const (
	ParamBool   = "bool"
	ParamString = "string"
	ParamChoice = "choice"
)

// Parameter declares a named run parameter.
type Parameter struct {
	Name        string   `yaml:"name"                  json:"name"                  jsonschema:"required"`
	Type        string   `yaml:"type"                  json:"type"                  jsonschema:"required,enum=bool,enum=string,enum=choice"`
	Default     any      `yaml:"default,omitempty"     json:"default,omitempty"`
	Choices     []string `yaml:"choices,omitempty"     json:"choices,omitempty"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
}

// Credential policies applied when a declared secret cannot be resolved.
const (
	OnMissingFail        = "fail"
	OnMissingSkip        = "skip"
	OnMissingPlaceholder = "placeholder"
)

// StageSpec is one node of the pipeline tree. A stage nests either
// sequential Stages or concurrent Parallel branches, never both.
type StageSpec struct {
	Name                string            `yaml:"name"                          json:"name"                          jsonschema:"required"`
	Agent               string            `yaml:"agent,omitempty"               json:"agent,omitempty"`
	When                *Guard            `yaml:"when,omitempty"                json:"when,omitempty"`
	Input               *Input            `yaml:"input,omitempty"               json:"input,omitempty"`
	Credentials         []CredentialRef   `yaml:"credentials,omitempty"         json:"credentials,omitempty"`
	OnMissingCredential string            `yaml:"onMissingCredential,omitempty" json:"onMissingCredential,omitempty" jsonschema:"enum=fail,enum=skip,enum=placeholder"`
	Environment         map[string]string `yaml:"environment,omitempty"         json:"environment,omitempty"`
	Timeout             string            `yaml:"timeout,omitempty"             json:"timeout,omitempty"             jsonschema:"pattern=^([0-9]+(ms|s|m|h))+$"`
	ContinueOnError     bool              `yaml:"continueOnError,omitempty"     json:"continueOnError,omitempty"`
	FailFast            *bool             `yaml:"failFast,omitempty"            json:"failFast,omitempty"`
	Steps               []Step            `yaml:"steps,omitempty"               json:"steps,omitempty"`
	Stages              []StageSpec       `yaml:"stages,omitempty"              json:"stages,omitempty"`
	Parallel            []StageSpec       `yaml:"parallel,omitempty"            json:"parallel,omitempty"`
	Post                map[string][]Step `yaml:"post,omitempty"                json:"post,omitempty"`
}

// CredentialPolicy returns the effective onMissingCredential policy.
func (s *StageSpec) CredentialPolicy() string {
	if s.OnMissingCredential == "" {
		return OnMissingFail
	}
	return s.OnMissingCredential
}

// Post-action keys, in execution order.
const (
	PostAlways  = "always"
	PostSuccess = "success"
	PostFailure = "failure"
)

// PostKeys lists the recognized post-action keys.
var PostKeys = []string{PostAlways, PostSuccess, PostFailure}

// Input turns a stage into a gate that waits for external approval.
type Input struct {
	Message    string   `yaml:"message"              json:"message"              jsonschema:"required"`
	Submitters []string `yaml:"submitters,omitempty" json:"submitters,omitempty"`
	Timeout    string   `yaml:"timeout,omitempty"    json:"timeout,omitempty"    jsonschema:"pattern=^([0-9]+(ms|s|m|h))+$"`
}

// Credential binding types.
const (
	BindEnv  = "env"
	BindFile = "file"
)

// CredentialRef names a secret a stage needs and how it is exposed to
// the stage's steps.
type CredentialRef struct {
	ID string `yaml:"id"                 json:"id"                 jsonschema:"required"`
	// Variable receives the value (env) or the path of a file holding
	// it (file). Defaults to the ID upper-cased with '-' and '.' as '_'.
	Variable string `yaml:"variable,omitempty" json:"variable,omitempty"`
	Type     string `yaml:"type,omitempty"     json:"type,omitempty"     jsonschema:"enum=env,enum=file"`
}

// VariableName returns the effective environment variable name.
func (c CredentialRef) VariableName() string {
	if c.Variable != "" {
		return c.Variable
	}
	r := strings.NewReplacer("-", "_", ".", "_", "/", "_")
	return strings.ToUpper(r.Replace(c.ID))
}

// Binding returns the effective binding type.
func (c CredentialRef) Binding() string {
	if c.Type == "" {
		return BindEnv
	}
	return c.Type
}

// StepKind identifies the action a step performs.
type StepKind string

const (
	StepRun        StepKind = "run"
	StepEcho       StepKind = "echo"
	StepArchive    StepKind = "archive"
	StepTestReport StepKind = "testReport"
	StepScanReport StepKind = "scanReport"
)

// Step is one unit of work. Exactly one action field is set.
type Step struct {
	Name            string            `yaml:"name,omitempty"            json:"name,omitempty"`
	Run             string            `yaml:"run,omitempty"             json:"run,omitempty"`
	Echo            string            `yaml:"echo,omitempty"            json:"echo,omitempty"`
	Archive         *ArchiveAction    `yaml:"archive,omitempty"         json:"archive,omitempty"`
	TestReport      *TestReportAction `yaml:"testReport,omitempty"      json:"testReport,omitempty"`
	ScanReport      *ScanReportAction `yaml:"scanReport,omitempty"      json:"scanReport,omitempty"`
	Timeout         string            `yaml:"timeout,omitempty"         json:"timeout,omitempty"         jsonschema:"pattern=^([0-9]+(ms|s|m|h))+$"`
	ContinueOnError bool              `yaml:"continueOnError,omitempty" json:"continueOnError,omitempty"`
	Env             map[string]string `yaml:"env,omitempty"             json:"env,omitempty"`
	Dir             string            `yaml:"dir,omitempty"             json:"dir,omitempty"`
}

// kinds returns every action set on the step.
func (s *Step) kinds() []StepKind {
	var k []StepKind
	if s.Run != "" {
		k = append(k, StepRun)
	}
	if s.Echo != "" {
		k = append(k, StepEcho)
	}
	if s.Archive != nil {
		k = append(k, StepArchive)
	}
	if s.TestReport != nil {
		k = append(k, StepTestReport)
	}
	if s.ScanReport != nil {
		k = append(k, StepScanReport)
	}
	return k
}

// Kind returns the step's action, or "" when none or several are set.
func (s *Step) Kind() StepKind {
	k := s.kinds()
	if len(k) != 1 {
		return ""
	}
	return k[0]
}

// DisplayName returns Name, or a name derived from the action.
func (s *Step) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	switch s.Kind() {
	case StepRun:
		line, _, _ := strings.Cut(strings.TrimSpace(s.Run), "\n")
		return runewidth.Truncate(line, 60, "...")
	case StepEcho:
		return "echo"
	case StepArchive:
		return "archive " + s.Archive.Pattern
	case StepTestReport:
		return "test report " + s.TestReport.Path
	case StepScanReport:
		return "scan report " + s.ScanReport.Path
	}
	return "step"
}

// ArchiveAction archives workspace files matching Pattern.
type ArchiveAction struct {
	Pattern     string `yaml:"pattern"               json:"pattern"               jsonschema:"required"`
	Fingerprint bool   `yaml:"fingerprint,omitempty" json:"fingerprint,omitempty"`
	// AllowEmpty defaults to true; set false to fail on zero matches.
	AllowEmpty *bool  `yaml:"allowEmpty,omitempty"  json:"allowEmpty,omitempty"`
	Retention  string `yaml:"retention,omitempty"   json:"retention,omitempty"   jsonschema:"enum=run,enum=permanent"`
}

// EmptyAllowed reports the effective allowEmpty setting.
func (a *ArchiveAction) EmptyAllowed() bool {
	return a.AllowEmpty == nil || *a.AllowEmpty
}

// TestReportAction ingests JUnit-style XML reports.
type TestReportAction struct {
	Path       string `yaml:"path"                 json:"path"                 jsonschema:"required"`
	AllowEmpty bool   `yaml:"allowEmpty,omitempty" json:"allowEmpty,omitempty"`
}

// ScanReportAction ingests security scan reports.
type ScanReportAction struct {
	Path string `yaml:"path"             json:"path"             jsonschema:"required"`
	// FailOn is the lowest severity that marks the stage unstable.
	// Defaults to "high"; "none" never does.
	FailOn string `yaml:"failOn,omitempty" json:"failOn,omitempty" jsonschema:"enum=none,enum=low,enum=medium,enum=high,enum=critical"`
}

// Guard is a boolean condition over the run context. Primitives set on
// the same node combine as allOf, in field order.
type Guard struct {
	Branch        string      `yaml:"branch,omitempty"        json:"branch,omitempty"`
	BranchPattern string      `yaml:"branchPattern,omitempty" json:"branchPattern,omitempty"`
	Tag           string      `yaml:"tag,omitempty"           json:"tag,omitempty"`
	ChangeRequest *bool       `yaml:"changeRequest,omitempty" json:"changeRequest,omitempty"`
	Param         *ParamGuard `yaml:"param,omitempty"         json:"param,omitempty"`
	Expr          string      `yaml:"expr,omitempty"          json:"expr,omitempty"`
	AllOf         []Guard     `yaml:"allOf,omitempty"         json:"allOf,omitempty"`
	AnyOf         []Guard     `yaml:"anyOf,omitempty"         json:"anyOf,omitempty"`
	Not           *Guard      `yaml:"not,omitempty"           json:"not,omitempty"`
}

// ParamGuard compares a run parameter.
type ParamGuard struct {
	Name   string  `yaml:"name"             json:"name"             jsonschema:"required"`
	Equals *string `yaml:"equals,omitempty" json:"equals,omitempty"`
	IsTrue *bool   `yaml:"isTrue,omitempty" json:"isTrue,omitempty"`
}
