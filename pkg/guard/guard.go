// Package guard decides whether a stage runs, from its when-condition
// and the run context.
package guard

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/ormasoftchile/gantry/pkg/pipeline"
)

// Warning describes a guard primitive that could not be evaluated
// against the run context and therefore counted as false.
type Warning struct {
	Primitive string
	Message   string
}

func (w Warning) String() string {
	return w.Primitive + ": " + w.Message
}

// Evaluator evaluates guards. Compiled patterns and programs are cached,
// so one Evaluator should be shared by a run. Safe for concurrent use.
type Evaluator struct {
	log *slog.Logger

	mu       sync.Mutex
	patterns map[string]*regexp.Regexp
	programs map[string]*vm.Program

	// visit is called for every guard node evaluated.
	visit func(*pipeline.Guard)
}

// New returns an Evaluator. A nil logger discards warnings.
func New(log *slog.Logger) *Evaluator {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Evaluator{
		log:      log,
		patterns: make(map[string]*regexp.Regexp),
		programs: make(map[string]*vm.Program),
	}
}

// Evaluate reports whether g holds for rc. A nil guard holds. Problems
// such as an undefined parameter make the primitive false and are
// logged as warnings; they never abort the run.
func (e *Evaluator) Evaluate(g *pipeline.Guard, rc *pipeline.RunContext) bool {
	ok, warnings := e.Explain(g, rc)
	for _, w := range warnings {
		e.log.Warn("guard evaluation warning", "primitive", w.Primitive, "message", w.Message)
	}
	return ok
}

// Explain is Evaluate returning the warnings instead of logging them.
func (e *Evaluator) Explain(g *pipeline.Guard, rc *pipeline.RunContext) (bool, []Warning) {
	if g == nil {
		return true, nil
	}
	ev := &evaluation{e: e, rc: rc}
	return ev.eval(g), ev.warnings
}

type evaluation struct {
	e        *Evaluator
	rc       *pipeline.RunContext
	warnings []Warning
}

func (ev *evaluation) warn(primitive, format string, args ...any) {
	ev.warnings = append(ev.warnings, Warning{Primitive: primitive, Message: fmt.Sprintf(format, args...)})
}

// eval checks the primitives of one node in a fixed order and stops at
// the first that is false.
func (ev *evaluation) eval(g *pipeline.Guard) bool {
	if ev.e.visit != nil {
		ev.e.visit(g)
	}
	rc := ev.rc

	if g.Branch != "" && rc.Branch != g.Branch {
		return false
	}
	if g.BranchPattern != "" && !ev.match("branchPattern", g.BranchPattern, rc.Branch) {
		return false
	}
	if g.Tag != "" && !ev.match("tag", g.Tag, rc.Tag) {
		return false
	}
	if g.ChangeRequest != nil && rc.ChangeRequest != *g.ChangeRequest {
		return false
	}
	if g.Param != nil && !ev.param(g.Param) {
		return false
	}
	if g.Expr != "" && !ev.expr(g.Expr) {
		return false
	}
	for i := range g.AllOf {
		if !ev.eval(&g.AllOf[i]) {
			return false
		}
	}
	if len(g.AnyOf) > 0 {
		matched := false
		for i := range g.AnyOf {
			if ev.eval(&g.AnyOf[i]) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if g.Not != nil && ev.eval(g.Not) {
		return false
	}
	return true
}

// match is an unanchored regexp search; an absent value never matches.
func (ev *evaluation) match(primitive, pattern, value string) bool {
	if value == "" {
		return false
	}
	re, err := ev.e.pattern(pattern)
	if err != nil {
		ev.warn(primitive, "invalid pattern %q: %v", pattern, err)
		return false
	}
	return re.MatchString(value)
}

func (ev *evaluation) param(p *pipeline.ParamGuard) bool {
	v, ok := ev.rc.Param(p.Name)
	if !ok {
		ev.warn("param", "undefined parameter %q", p.Name)
		return false
	}
	if p.Equals != nil {
		return v == *p.Equals
	}
	if p.IsTrue != nil {
		b, err := strconv.ParseBool(v)
		if err != nil {
			ev.warn("param", "parameter %q value %q is not a boolean", p.Name, v)
			return false
		}
		return b == *p.IsTrue
	}
	return false
}

func (ev *evaluation) expr(src string) bool {
	prog, err := ev.e.program(src)
	if err != nil {
		ev.warn("expr", "compile %q: %v", src, err)
		return false
	}
	out, err := expr.Run(prog, ev.rc.GuardEnv())
	if err != nil {
		ev.warn("expr", "evaluate %q: %v", src, err)
		return false
	}
	b, ok := out.(bool)
	if !ok {
		ev.warn("expr", "%q returned %T, not bool", src, out)
		return false
	}
	return b
}

func (e *Evaluator) pattern(src string) (*regexp.Regexp, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if re, ok := e.patterns[src]; ok {
		return re, nil
	}
	re, err := regexp.Compile(src)
	if err != nil {
		return nil, err
	}
	e.patterns[src] = re
	return re, nil
}

func (e *Evaluator) program(src string) (*vm.Program, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.programs[src]; ok {
		return p, nil
	}
	p, err := expr.Compile(src, expr.Env(pipeline.GuardEnv{}), expr.AsBool())
	if err != nil {
		return nil, err
	}
	e.programs[src] = p
	return p, nil
}
