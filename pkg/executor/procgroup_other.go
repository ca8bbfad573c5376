//go:build !unix

package executor

import (
	"os/exec"
	"time"
)

// setProcessGroup keeps exec's default of killing the process itself.
func setProcessGroup(*exec.Cmd, time.Duration) {}
