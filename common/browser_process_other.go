//go:build !linux

package common

import "os/exec"

// killAfterParent is a no-op on platforms without parent-death signals.
func killAfterParent(_ *exec.Cmd) {}
