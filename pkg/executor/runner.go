// Package executor runs individual pipeline steps: external commands
// with a timeout, their output captured to a per-step log.
package executor

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"
)

// Command is one external invocation.
type Command struct {
	Script string
	// Env is overlaid on the process environment.
	Env    map[string]string
	Dir    string
	Stdout io.Writer
	Stderr io.Writer
}

// Runner is the external-process interface. It returns the exit code of
// a process that ran; err is non-nil only when the process could not be
// started or was killed.
type Runner interface {
	Run(ctx context.Context, cmd Command) (exitCode int, err error)
}

// ShellRunner runs scripts with sh -c in their own process group. On
// cancellation the group receives SIGTERM, then SIGKILL after
// GracePeriod.
type ShellRunner struct {
	Shell       string
	GracePeriod time.Duration
}

// DefaultGracePeriod is used when ShellRunner.GracePeriod is zero.
const DefaultGracePeriod = 5 * time.Second

func (r *ShellRunner) Run(ctx context.Context, c Command) (int, error) {
	shell := r.Shell
	if shell == "" {
		shell = "sh"
	}
	grace := r.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	cmd := exec.CommandContext(ctx, shell, "-c", c.Script)
	cmd.Dir = c.Dir
	cmd.Stdout = c.Stdout
	cmd.Stderr = c.Stderr
	cmd.Env = mergeEnv(os.Environ(), c.Env)
	// Output pipes may be held open by orphaned grandchildren.
	cmd.WaitDelay = grace + time.Second
	setProcessGroup(cmd, grace)

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && ctx.Err() == nil {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

// mergeEnv overlays env on base, a KEY=VALUE list.
func mergeEnv(base []string, env map[string]string) []string {
	out := make([]string, 0, len(base)+len(env))
	for _, kv := range base {
		k, _, _ := strings.Cut(kv, "=")
		if _, override := env[k]; !override {
			out = append(out, kv)
		}
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
