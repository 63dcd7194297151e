//go:build !linux

// Package procattr configures worker subprocesses so the whole process tree
// can be signalled and does not outlive the bridge.
package procattr

import (
	"os/exec"
	"syscall"
)

// Set puts the child in its own process group. Pdeathsig is Linux only.
func Set(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}

// SetSession starts the child in a new session (and process group) with tty
// as its controlling terminal when setCTTY is true.
func SetSession(cmd *exec.Cmd, setCTTY bool) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid:  true,
		Setctty: setCTTY,
	}
}
