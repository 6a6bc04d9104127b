//go:build !windows

package executor

import (
	"os/exec"
	"syscall"
)

// shellCommand builds the child process for a job command. The child gets
// its own process group so a timeout kill reaches the whole tree.
func shellCommand(command, workingDir string) *exec.Cmd {
	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = workingDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd
}

// killTree kills the child's entire process group. Killing an already
// exited process is swallowed: the exit race is expected.
func killTree(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if pgid, err := syscall.Getpgid(cmd.Process.Pid); err == nil {
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
		return
	}
	_ = cmd.Process.Kill()
}
