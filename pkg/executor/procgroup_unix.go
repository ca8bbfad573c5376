//go:build unix

package executor

import (
	"os/exec"
	"syscall"
	"time"
)

// setProcessGroup puts cmd in its own process group so cancellation
// reaches the shell and everything it spawned.
func setProcessGroup(cmd *exec.Cmd, grace time.Duration) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		pgid := -cmd.Process.Pid
		if err := syscall.Kill(pgid, syscall.SIGTERM); err != nil {
			return syscall.Kill(pgid, syscall.SIGKILL)
		}
		go func() {
			time.Sleep(grace)
			// ESRCH once the group is gone is harmless.
			_ = syscall.Kill(pgid, syscall.SIGKILL)
		}()
		return nil
	}
}
