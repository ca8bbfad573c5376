package pipeline

import (
	"errors"
	"fmt"
	"iter"
	"maps"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/expr-lang/expr"
)

// DefinitionError reports a malformed definition. Stage is the path of
// the offending stage, empty for document-level problems.
type DefinitionError struct {
	Stage   string
	Message string
}

func (e *DefinitionError) Error() string {
	if e.Stage == "" {
		return "definition: " + e.Message
	}
	return fmt.Sprintf("stage %q: %s", e.Stage, e.Message)
}

// Node is one stage in a built Graph. Nodes are read-only.
type Node struct {
	Spec     *StageSpec
	Path     string
	Depth    int
	Parent   *Node
	Children []*Node
	// Parallel is true when Children run concurrently.
	Parallel bool
	// Timeout is the parsed stage timeout, zero when unset.
	Timeout time.Duration
}

// Name returns the stage name.
func (n *Node) Name() string { return n.Spec.Name }

// Agent returns the execution-surface label the stage declares.
func (n *Node) Agent() string { return n.Spec.Agent }

// FailFast reports whether a failing branch of this parallel stage
// cancels its siblings.
func (n *Node) FailFast(def *Definition) bool {
	if n.Spec.FailFast != nil {
		return *n.Spec.FailFast
	}
	return def.Options.FailFast
}

// IsRoot reports whether n stands for the pipeline as a whole.
func (n *Node) IsRoot() bool { return n.Parent == nil }

// Graph is the validated, immutable stage tree of a definition.
type Graph struct {
	Def *Definition
	// RunTimeout and StepTimeout are the parsed run-wide options.
	RunTimeout  time.Duration
	StepTimeout time.Duration

	root   *Node
	byPath map[string]*Node
}

// Root returns the node standing for the pipeline; its children are
// the top-level stages.
func (g *Graph) Root() *Node { return g.root }

// Lookup returns the node at path, or nil.
func (g *Graph) Lookup(path string) *Node { return g.byPath[path] }

// Len returns the number of stages, excluding the root.
func (g *Graph) Len() int { return len(g.byPath) - 1 }

// Stages yields every stage depth-first in declaration order, parents
// before children. The root is not yielded.
func (g *Graph) Stages() iter.Seq[*Node] {
	return func(yield func(*Node) bool) {
		var walk func(n *Node) bool
		walk = func(n *Node) bool {
			for _, c := range n.Children {
				if !yield(c) || !walk(c) {
					return false
				}
			}
			return true
		}
		walk(g.root)
	}
}

// ParallelGroups yields each parallel stage together with all of its
// branches, so they can be dispatched at once.
func (g *Graph) ParallelGroups() iter.Seq2[*Node, []*Node] {
	return func(yield func(*Node, []*Node) bool) {
		for n := range g.Stages() {
			if n.Parallel && !yield(n, n.Children) {
				return
			}
		}
	}
}

// Build validates def and constructs its Graph. Every problem found is
// reported; the returned error joins one *DefinitionError per problem.
func Build(def *Definition) (*Graph, error) {
	b := &builder{}
	g := &Graph{Def: def, byPath: make(map[string]*Node)}

	if def.APIVersion != APIVersion {
		b.fail("", "unsupported apiVersion %q, expected %q", def.APIVersion, APIVersion)
	}
	if strings.TrimSpace(def.Name) == "" {
		b.fail("", "name is required")
	}
	if len(def.Stages) == 0 {
		b.fail("", "at least one stage is required")
	}
	g.RunTimeout = b.duration("", "options.timeout", def.Options.Timeout)
	g.StepTimeout = b.duration("", "options.stepTimeout", def.Options.StepTimeout)
	if def.Options.Retention < 0 {
		b.fail("", "options.retention must not be negative")
	}
	b.parameters(def.Parameters)

	g.root = &Node{Spec: &StageSpec{Name: def.Name, Stages: def.Stages}}
	g.byPath[""] = g.root
	b.children(g, g.root, def.Stages)

	if err := errors.Join(b.errs...); err != nil {
		return nil, err
	}
	return g, nil
}

type builder struct {
	errs []error
}

func (b *builder) fail(stage, format string, args ...any) {
	b.errs = append(b.errs, &DefinitionError{Stage: stage, Message: fmt.Sprintf(format, args...)})
}

func (b *builder) duration(stage, field, s string) time.Duration {
	d, err := ParseDuration(s)
	if err != nil {
		b.fail(stage, "%s: %v", field, err)
	}
	return d
}

// ParseDuration parses a definition duration; empty means zero.
func ParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

func (b *builder) parameters(params []Parameter) {
	seen := map[string]bool{}
	for i, p := range params {
		where := fmt.Sprintf("parameters[%d]", i)
		if p.Name == "" {
			b.fail("", "%s: name is required", where)
			continue
		}
		if seen[p.Name] {
			b.fail("", "duplicate parameter %q", p.Name)
		}
		seen[p.Name] = true
		switch p.Type {
		case ParamBool, ParamString:
		case ParamChoice:
			if len(p.Choices) == 0 {
				b.fail("", "parameter %q: choice requires choices", p.Name)
			}
		default:
			b.fail("", "parameter %q: unknown type %q", p.Name, p.Type)
			continue
		}
		if p.Default != nil {
			if _, err := coerceParam(p, fmt.Sprint(p.Default)); err != nil {
				b.fail("", "parameter %q: default: %v", p.Name, err)
			}
		}
	}
}

func (b *builder) children(g *Graph, parent *Node, specs []StageSpec) {
	seen := map[string]bool{}
	for i := range specs {
		spec := &specs[i]
		path := spec.Name
		if parent.Path != "" {
			path = parent.Path + "/" + spec.Name
		}
		if spec.Name == "" {
			b.fail(parent.Path, "child %d: name is required", i)
			continue
		}
		if strings.Contains(spec.Name, "/") {
			b.fail(path, "name must not contain '/'")
			continue
		}
		if spec.Name == "." || spec.Name == ".." {
			b.fail(path, "name %q is reserved", spec.Name)
			continue
		}
		if seen[spec.Name] {
			b.fail(path, "duplicate stage name in %s", scopeName(parent))
			continue
		}
		seen[spec.Name] = true

		n := &Node{Spec: spec, Path: path, Depth: parent.Depth + 1, Parent: parent}
		parent.Children = append(parent.Children, n)
		g.byPath[path] = n
		b.stage(g, n)
	}
}

func scopeName(n *Node) string {
	if n.IsRoot() {
		return "pipeline"
	}
	return fmt.Sprintf("stage %q", n.Path)
}

func (b *builder) stage(g *Graph, n *Node) {
	spec := n.Spec
	n.Timeout = b.duration(n.Path, "timeout", spec.Timeout)

	switch {
	case spec.Stages != nil && spec.Parallel != nil:
		b.fail(n.Path, "stages and parallel are mutually exclusive")
	case spec.Parallel != nil && len(spec.Parallel) == 0:
		b.fail(n.Path, "parallel block must have at least one branch")
	case len(spec.Steps) == 0 && len(spec.Stages) == 0 && len(spec.Parallel) == 0 && spec.Input == nil:
		b.fail(n.Path, "stage has no steps, stages or parallel branches")
	}
	if spec.FailFast != nil && spec.Parallel == nil {
		b.fail(n.Path, "failFast applies to parallel stages only")
	}
	switch spec.CredentialPolicy() {
	case OnMissingFail, OnMissingSkip, OnMissingPlaceholder:
	default:
		b.fail(n.Path, "unknown onMissingCredential %q", spec.OnMissingCredential)
	}
	vars := map[string]bool{}
	for i, c := range spec.Credentials {
		if c.ID == "" {
			b.fail(n.Path, "credentials[%d]: id is required", i)
			continue
		}
		if c.Binding() != BindEnv && c.Binding() != BindFile {
			b.fail(n.Path, "credentials[%d]: unknown type %q", i, c.Type)
		}
		if vars[c.VariableName()] {
			b.fail(n.Path, "credentials[%d]: variable %s bound twice", i, c.VariableName())
		}
		vars[c.VariableName()] = true
	}
	if spec.Input != nil {
		if strings.TrimSpace(spec.Input.Message) == "" {
			b.fail(n.Path, "input.message is required")
		}
		b.duration(n.Path, "input.timeout", spec.Input.Timeout)
	}
	if spec.When != nil {
		b.guard(n.Path, spec.When)
	}
	for i := range spec.Steps {
		b.step(n.Path, fmt.Sprintf("steps[%d]", i), &spec.Steps[i])
	}
	for _, key := range slices.Sorted(maps.Keys(spec.Post)) {
		steps := spec.Post[key]
		if !slices.Contains(PostKeys, key) {
			b.fail(n.Path, "unknown post condition %q (want always, success or failure)", key)
			continue
		}
		for i := range steps {
			b.step(n.Path, fmt.Sprintf("post.%s[%d]", key, i), &steps[i])
		}
	}

	if len(spec.Parallel) > 0 {
		n.Parallel = true
		b.children(g, n, spec.Parallel)
	} else {
		b.children(g, n, spec.Stages)
	}
}

func (b *builder) step(stage, where string, s *Step) {
	switch len(s.kinds()) {
	case 0:
		b.fail(stage, "%s: no action (want one of run, echo, archive, testReport, scanReport)", where)
	case 1:
	default:
		b.fail(stage, "%s: more than one action", where)
	}
	b.duration(stage, where+".timeout", s.Timeout)
	if s.Archive != nil {
		if s.Archive.Pattern == "" {
			b.fail(stage, "%s: archive.pattern is required", where)
		}
		switch s.Archive.Retention {
		case "", "run", "permanent":
		default:
			b.fail(stage, "%s: unknown retention %q", where, s.Archive.Retention)
		}
	}
	if s.TestReport != nil && s.TestReport.Path == "" {
		b.fail(stage, "%s: testReport.path is required", where)
	}
	if s.ScanReport != nil {
		if s.ScanReport.Path == "" {
			b.fail(stage, "%s: scanReport.path is required", where)
		}
		switch s.ScanReport.FailOn {
		case "", "none", "low", "medium", "high", "critical":
		default:
			b.fail(stage, "%s: unknown failOn severity %q", where, s.ScanReport.FailOn)
		}
	}
}

// guard compiles every regex and expression so evaluation cannot fail
// on syntax at run time.
func (b *builder) guard(stage string, g *Guard) {
	if g.BranchPattern != "" {
		if _, err := regexp.Compile(g.BranchPattern); err != nil {
			b.fail(stage, "when.branchPattern: %v", err)
		}
	}
	if g.Tag != "" {
		if _, err := regexp.Compile(g.Tag); err != nil {
			b.fail(stage, "when.tag: %v", err)
		}
	}
	if g.Param != nil {
		if g.Param.Name == "" {
			b.fail(stage, "when.param: name is required")
		}
		if (g.Param.Equals == nil) == (g.Param.IsTrue == nil) {
			b.fail(stage, "when.param: exactly one of equals or isTrue is required")
		}
	}
	if g.Expr != "" {
		if _, err := expr.Compile(g.Expr, expr.Env(GuardEnv{}), expr.AsBool()); err != nil {
			b.fail(stage, "when.expr: %v", err)
		}
	}
	for i := range g.AllOf {
		b.guard(stage, &g.AllOf[i])
	}
	for i := range g.AnyOf {
		b.guard(stage, &g.AnyOf[i])
	}
	if g.Not != nil {
		b.guard(stage, g.Not)
	}
}

// GuardEnv is the environment visible to expr guards.
type GuardEnv struct {
	Branch        string            `expr:"branch"`
	Tag           string            `expr:"tag"`
	ChangeRequest bool              `expr:"changeRequest"`
	BuildNumber   int               `expr:"buildNumber"`
	Params        map[string]string `expr:"params"`
	Env           map[string]string `expr:"env"`
}

func coerceParam(p Parameter, v string) (string, error) {
	switch p.Type {
	case ParamBool:
		b, err := strconv.ParseBool(v)
		if err != nil {
			return "", fmt.Errorf("%q is not a boolean", v)
		}
		return strconv.FormatBool(b), nil
	case ParamChoice:
		if !slices.Contains(p.Choices, v) {
			return "", fmt.Errorf("%q is not one of %s", v, strings.Join(p.Choices, ", "))
		}
	}
	return v, nil
}
