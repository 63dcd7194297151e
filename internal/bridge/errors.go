package bridge

import (
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"strings"
)

// ErrInvalidConfig is wrapped by every validation failure of Start and History.
var ErrInvalidConfig = errors.New("invalid bridge config")

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// SpawnError reports a worker subprocess that could not be started.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string { return fmt.Sprintf("spawn %s: %v", e.Command, e.Err) }

func (e *SpawnError) Unwrap() error { return e.Err }

// ConnectError reports a worker that could not be reached over RPC.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string { return fmt.Sprintf("connect %s: %v", e.Addr, e.Err) }

func (e *ConnectError) Unwrap() error { return e.Err }

// ExitError reports a worker subprocess that exited unsuccessfully after its
// output had started streaming. Stderr holds the tail of its error output.
type ExitError struct {
	Code   int
	Stderr string
	Err    error
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("worker exited with status %d", e.Code)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

func (e *ExitError) Unwrap() error { return e.Err }

// HistoryError is an error object printed by a history script.
type HistoryError struct {
	Code    string
	Message string
}

func (e *HistoryError) Error() string {
	if e.Code == "" {
		return "history: " + e.Message
	}
	return fmt.Sprintf("history: %s: %s", e.Code, e.Message)
}

// IsNotFound reports whether err means the worker executable does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist)
}
