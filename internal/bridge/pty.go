package bridge

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"

	"github.com/antonkrylov/streambridge/internal/procattr"
)

// Wide enough that workers which format for the terminal do not wrap lines.
var ptySize = &pty.Winsize{Cols: 512, Rows: 50}

func startPTY(cmd *exec.Cmd, setCTTY bool) (*os.File, error) {
	ptyFile, ttyFile, err := pty.Open()
	if err != nil {
		return nil, err
	}
	defer func() { _ = ttyFile.Close() }()

	_ = pty.Setsize(ptyFile, ptySize)

	cmd.Stdin = ttyFile
	cmd.Stdout = ttyFile
	cmd.Stderr = ttyFile

	procattr.SetSession(cmd, setCTTY)
	if setCTTY {
		// Ctty is a descriptor number in the child; stdin is the tty.
		cmd.SysProcAttr.Ctty = 0
	}

	if err := cmd.Start(); err != nil {
		_ = ptyFile.Close()
		return nil, err
	}
	return ptyFile, nil
}

// ptyReader reports the EIO a pty master returns after the last tty
// descriptor closed as io.EOF.
type ptyReader struct {
	f *os.File
}

func (r ptyReader) Read(p []byte) (int, error) {
	n, err := r.f.Read(p)
	if err != nil && errors.Is(err, syscall.EIO) {
		return n, io.EOF
	}
	return n, err
}

func (r ptyReader) Close() error { return r.f.Close() }
