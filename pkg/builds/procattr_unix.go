//go:build unix

package builds

import (
	"os/exec"
	"syscall"
)

// setProcessGroup puts the tool in its own process group so a timeout kills
// everything it spawned, not only the direct child.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
