//go:build !windows

package main

import (
	"os/exec"
	"syscall"
)

// setDetachedProcess starts cmd in its own session, so it survives the
// parent's terminal hangup — the same detachment the retrieved
// background-server-launch example uses for its re-exec'd child.
func setDetachedProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
