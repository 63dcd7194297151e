package procattr

import (
	"errors"
	"os"
	"syscall"
)

// SignalGroup sends sig to every process in p's group. A group that already
// exited is not an error.
func SignalGroup(p *os.Process, sig syscall.Signal) error {
	if p == nil {
		return nil
	}
	if err := syscall.Kill(-p.Pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return err
	}
	return nil
}

// KillGroup sends SIGKILL to p's group.
func KillGroup(p *os.Process) error {
	return SignalGroup(p, syscall.SIGKILL)
}
