//go:build unix

package mcp

import (
	"os/exec"
	"syscall"
)

func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killProcGroup(pid int) {
	syscall.Kill(-pid, syscall.SIGKILL)
}
