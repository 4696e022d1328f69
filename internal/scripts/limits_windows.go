//go:build windows

package scripts

import (
	"os/exec"
	"syscall"
)

// setProcessGroup is a no-op on Windows. Job Objects could be used for full
// process tree management but are deferred to a future enhancement.
func setProcessGroup(cmd *exec.Cmd) {}

// killProcessGroup kills the process directly on Windows.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

// signalProcessGroup has no process-group concept on Windows; it signals the
// process directly. syscall.Signal is unused on this platform other than to
// satisfy the shared call signature.
func signalProcessGroup(cmd *exec.Cmd, _ syscall.Signal) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
