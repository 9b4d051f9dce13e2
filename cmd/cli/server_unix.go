//go:build !windows

package main

import (
	"os/exec"
	"syscall"
)

// setSysProcAttr puts the launched server in its own process group so a
// Ctrl-C in this terminal does not reach it
func setSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
