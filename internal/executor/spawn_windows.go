//go:build windows

package executor

import (
	"os/exec"
	"strconv"
	"syscall"
)

// shellCommand builds the child process for a job command. HideWindow
// keeps scheduled commands from flashing console windows on desktops.
func shellCommand(command, workingDir string) *exec.Cmd {
	cmd := exec.Command("cmd", "/c", command)
	cmd.Dir = workingDir
	cmd.SysProcAttr = &syscall.SysProcAttr{HideWindow: true}
	return cmd
}

// killTree kills the child and its descendants. taskkill walks the tree;
// failures (already-exited race) fall back to a direct kill and are
// otherwise swallowed.
func killTree(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	kill := exec.Command("taskkill", "/T", "/F", "/PID", strconv.Itoa(cmd.Process.Pid))
	kill.SysProcAttr = &syscall.SysProcAttr{HideWindow: true}
	if err := kill.Run(); err != nil {
		_ = cmd.Process.Kill()
	}
}
