package attachments

import (
	"errors"
	"os"
	"os/exec"
	"runtime"
)

// Open hands path to the desktop's default application and returns without
// waiting for it.
func Open(path string) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}
	cmd, err := openCommand(runtime.GOOS, path)
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	go func() { _ = cmd.Wait() }()
	return nil
}

func openCommand(goos, path string) (*exec.Cmd, error) {
	switch goos {
	case "windows":
		return exec.Command("cmd", "/C", "start", "", path), nil
	case "darwin":
		return exec.Command("open", path), nil
	case "linux", "freebsd", "openbsd", "netbsd":
		return exec.Command("xdg-open", path), nil
	default:
		return nil, errors.New("opening files is not supported on " + goos)
	}
}
