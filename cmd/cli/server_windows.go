//go:build windows

package main

import (
	"os/exec"
	"syscall"
)

// setSysProcAttr puts the launched server in its own process group so a
// Ctrl-C in this console does not reach it
func setSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}
