//go:build windows

package process

import (
	"errors"
	"fmt"
	"os/exec"
	"syscall"
)

// setProcessGroup isolates the child in its own console process group.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}

// interrupt asks the process tree to close. Without /F taskkill sends
// WM_CLOSE, the closest Windows equivalent of SIGINT.
func (h *Handle) interrupt() error {
	pid := h.Pid()
	if pid == 0 {
		return errors.New("process not started")
	}
	return exec.Command("taskkill", "/T", "/PID", fmt.Sprintf("%d", pid)).Run()
}

// killProcessGroup force-kills the entire process tree.
func killProcessGroup(pid int) error {
	return exec.Command("taskkill", "/F", "/T", "/PID", fmt.Sprintf("%d", pid)).Run()
}

// exitSignal has no meaning on Windows.
func exitSignal(*exec.ExitError) string { return "" }
