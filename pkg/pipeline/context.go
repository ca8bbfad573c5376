package pipeline

import (
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

// Builtin environment variable names.
const (
	EnvRunID         = "RUN_ID"
	EnvBuildNumber   = "BUILD_NUMBER"
	EnvBranchName    = "BRANCH_NAME"
	EnvTagName       = "TAG_NAME"
	EnvChangeRequest = "CHANGE_REQUEST"
	EnvWorkspace     = "WORKSPACE"
)

// ContextInput carries the facts about a run known before it starts.
type ContextInput struct {
	RunID         string
	BuildNumber   int
	Branch        string
	Tag           string
	ChangeRequest bool
	Workspace     string
	// Params are caller-supplied parameter values; they override
	// declared defaults.
	Params map[string]string
}

// RunContext is the resolved context of one run. It is built once
// before the first guard and only read afterwards; stage and step
// additions go into copies returned by Overlay.
type RunContext struct {
	RunID         string
	BuildNumber   int
	Branch        string
	Tag           string
	ChangeRequest bool
	Workspace     string

	params map[string]string
	env    map[string]string
}

// NewRunContext resolves parameters and the definition environment.
func NewRunContext(def *Definition, in ContextInput) (*RunContext, error) {
	params, err := ResolveParams(def.Parameters, in.Params)
	if err != nil {
		return nil, err
	}
	rc := &RunContext{
		RunID:         in.RunID,
		BuildNumber:   in.BuildNumber,
		Branch:        in.Branch,
		Tag:           in.Tag,
		ChangeRequest: in.ChangeRequest,
		Workspace:     in.Workspace,
		params:        params,
	}
	base := rc.builtins()
	for k, v := range params {
		base[k] = v
	}
	rc.env, err = ExpandEnv(def.Environment, base)
	if err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}
	return rc, nil
}

func (rc *RunContext) builtins() map[string]string {
	return map[string]string{
		EnvRunID:         rc.RunID,
		EnvBuildNumber:   strconv.Itoa(rc.BuildNumber),
		EnvBranchName:    rc.Branch,
		EnvTagName:       rc.Tag,
		EnvChangeRequest: strconv.FormatBool(rc.ChangeRequest),
		EnvWorkspace:     rc.Workspace,
	}
}

// Param returns a resolved parameter value.
func (rc *RunContext) Param(name string) (string, bool) {
	v, ok := rc.params[name]
	return v, ok
}

// Params returns a copy of the resolved parameters.
func (rc *RunContext) Params() map[string]string {
	return maps.Clone(rc.params)
}

// Env returns a copy of the run environment: builtins, parameters and
// the resolved definition environment.
func (rc *RunContext) Env() map[string]string {
	return maps.Clone(rc.env)
}

// Overlay expands values against the run environment and returns the
// merged copy. The RunContext itself is not modified.
func (rc *RunContext) Overlay(values map[string]string) (map[string]string, error) {
	return ExpandEnv(values, rc.env)
}

// GuardEnv returns the view of the context visible to expr guards.
func (rc *RunContext) GuardEnv() GuardEnv {
	return GuardEnv{
		Branch:        rc.Branch,
		Tag:           rc.Tag,
		ChangeRequest: rc.ChangeRequest,
		BuildNumber:   rc.BuildNumber,
		Params:        rc.Params(),
		Env:           rc.Env(),
	}
}

// ResolveParams merges declared defaults with caller overrides, in that
// order of priority, and checks every value against its declared type.
// Unset bools resolve to "false", unset choices to the first choice.
func ResolveParams(decls []Parameter, overrides map[string]string) (map[string]string, error) {
	byName := make(map[string]Parameter, len(decls))
	resolved := make(map[string]string, len(decls))
	for _, p := range decls {
		byName[p.Name] = p
		switch {
		case p.Default != nil:
			resolved[p.Name] = fmt.Sprint(p.Default)
		case p.Type == ParamBool:
			resolved[p.Name] = "false"
		case p.Type == ParamChoice && len(p.Choices) > 0:
			resolved[p.Name] = p.Choices[0]
		default:
			resolved[p.Name] = ""
		}
	}
	for name, v := range overrides {
		if _, ok := byName[name]; !ok {
			return nil, fmt.Errorf("unknown parameter %q", name)
		}
		resolved[name] = v
	}
	for name, v := range resolved {
		coerced, err := coerceParam(byName[name], v)
		if err != nil {
			return nil, fmt.Errorf("parameter %s: %w", name, err)
		}
		resolved[name] = coerced
	}
	return resolved, nil
}

// variablePattern matches ${NAME}; bare $NAME is left for the shell.
var variablePattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ExpandEnv resolves ${NAME} references in values against base and
// against the other entries of values, and returns base overlaid with
// the result. A self reference reads the base value. Unknown names are
// left as written. A reference cycle is an error.
func ExpandEnv(values, base map[string]string) (map[string]string, error) {
	out := maps.Clone(base)
	if out == nil {
		out = make(map[string]string, len(values))
	}
	const (
		visiting = 1
		done     = 2
	)
	state := make(map[string]int, len(values))
	resolved := make(map[string]string, len(values))

	var resolve func(name string, chain []string) error
	resolve = func(name string, chain []string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("variable reference cycle: %s", strings.Join(append(chain, name), " -> "))
		}
		state[name] = visiting
		chain = append(chain, name)
		var err error
		v := variablePattern.ReplaceAllStringFunc(values[name], func(match string) string {
			ref := match[2 : len(match)-1]
			if _, local := values[ref]; local && ref != name {
				if rerr := resolve(ref, chain); rerr != nil && err == nil {
					err = rerr
				}
				return resolved[ref]
			}
			if bv, ok := base[ref]; ok {
				return bv
			}
			return match
		})
		if err != nil {
			return err
		}
		resolved[name] = v
		state[name] = done
		return nil
	}

	for _, name := range slices.Sorted(maps.Keys(values)) {
		if err := resolve(name, nil); err != nil {
			return nil, err
		}
		out[name] = resolved[name]
	}
	return out, nil
}
