//go:build linux

package common

import (
	"os/exec"
	"syscall"
)

// killAfterParent makes the kernel kill the browser when this process dies,
// so an abrupt exit does not leak browsers.
func killAfterParent(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Pdeathsig: syscall.SIGKILL,
	}
}
