//go:build unix && !linux

package process

import (
	"errors"
	"os/exec"
	"syscall"
)

// setProcessGroup puts the child in its own process group so signals
// aimed at the agent tree never reach the supervisor. Pdeathsig is
// Linux-only; on other unixes orphan cleanup relies on Stop.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// interrupt sends SIGINT to the whole process group, matching what the
// agent CLI expects from a user Ctrl+C.
func (h *Handle) interrupt() error {
	pid := h.Pid()
	if pid == 0 {
		return errors.New("process not started")
	}
	return syscall.Kill(-pid, syscall.SIGINT)
}

// killProcessGroup force-kills the entire process group.
func killProcessGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGKILL)
}

// exitSignal extracts the terminating signal name, if any.
func exitSignal(exitErr *exec.ExitError) string {
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok || !status.Signaled() {
		return ""
	}
	return status.Signal().String()
}
