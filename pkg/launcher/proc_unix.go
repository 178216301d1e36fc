//go:build unix

package launcher

import (
	"os/exec"
	"syscall"
)

const (
	sigTerm = syscall.SIGTERM
	sigKill = syscall.SIGKILL
)

// setProcAttrs puts the child in its own process group so Stop can signal the
// whole tree, not just the shell.
func setProcAttrs(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup signals the process group; falls back to the single pid when
// the group is already gone.
func signalGroup(pid int, sig syscall.Signal) error {
	if err := syscall.Kill(-pid, sig); err == nil || err == syscall.ESRCH {
		if err == syscall.ESRCH {
			return syscall.Kill(pid, sig)
		}
		return nil
	}
	return syscall.Kill(pid, sig)
}
