//go:build !unix

package launcher

import (
	"errors"
	"os/exec"
	"syscall"
)

const (
	sigTerm = syscall.Signal(0xf)
	sigKill = syscall.Signal(0x9)
)

func setProcAttrs(*exec.Cmd) {}

func signalGroup(int, syscall.Signal) error {
	return errors.New("process group signaling is not supported on this platform")
}
