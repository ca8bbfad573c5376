package executor

import (
	"context"
	"io"
	"maps"
	"strings"
	"sync"
	"time"
)

// Script is the canned behaviour of one command under ScriptedRunner.
type Script struct {
	ExitCode int
	Stdout   string
	Stderr   string
	// Delay is slept before exiting, cut short by cancellation.
	Delay time.Duration
	// Block waits for cancellation and never exits on its own.
	Block bool
	Err   error
	// Do, when set, runs before the canned output, e.g. to create
	// files in the workspace.
	Do func(Command) error
}

// ScriptedRunner is a Runner that never starts a process. Commands are
// matched against Scripts by exact text, then by prefix; anything else
// gets Default. The zero value succeeds silently for every command,
// which is what dry runs use.
type ScriptedRunner struct {
	Scripts map[string]Script
	Default Script

	mu    sync.Mutex
	calls []Command
}

// NewScriptedRunner returns a runner with the given scripts.
func NewScriptedRunner(scripts map[string]Script) *ScriptedRunner {
	return &ScriptedRunner{Scripts: scripts}
}

func (r *ScriptedRunner) lookup(cmd string) Script {
	if s, ok := r.Scripts[cmd]; ok {
		return s
	}
	best := ""
	for prefix := range r.Scripts {
		if strings.HasPrefix(cmd, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best != "" {
		return r.Scripts[best]
	}
	return r.Default
}

func (r *ScriptedRunner) Run(ctx context.Context, c Command) (int, error) {
	recorded := c
	recorded.Env = maps.Clone(c.Env)
	r.mu.Lock()
	r.calls = append(r.calls, recorded)
	s := r.lookup(c.Script)
	r.mu.Unlock()

	if s.Do != nil {
		if err := s.Do(c); err != nil {
			return -1, err
		}
	}
	if s.Stdout != "" && c.Stdout != nil {
		io.WriteString(c.Stdout, s.Stdout)
	}
	if s.Stderr != "" && c.Stderr != nil {
		io.WriteString(c.Stderr, s.Stderr)
	}
	switch {
	case s.Block:
		<-ctx.Done()
		return -1, context.Cause(ctx)
	case s.Delay > 0:
		t := time.NewTimer(s.Delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return -1, context.Cause(ctx)
		}
	}
	if s.Err != nil {
		return -1, s.Err
	}
	return s.ExitCode, nil
}

// Calls returns every command run so far, in order.
func (r *ScriptedRunner) Calls() []Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Command(nil), r.calls...)
}

// Ran reports whether a command with exactly this script was run.
func (r *ScriptedRunner) Ran(script string) bool {
	for _, c := range r.Calls() {
		if c.Script == script {
			return true
		}
	}
	return false
}
