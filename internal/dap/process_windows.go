//go:build windows

package dap

import (
	"os"
	"os/exec"
	"syscall"
)

// setProcAttr sets platform-specific process attributes.
// On Windows, we create a new process group so we can potentially signal child processes.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
}

// signalGroup kills the process. Windows has no graceful group signal, so
// both phases of Terminate end in the same kill.
func signalGroup(pid int, _ bool) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	if err := p.Kill(); err != nil && err != os.ErrProcessDone {
		return err
	}
	return nil
}

func exitSignal(*os.ProcessState) string {
	return ""
}
