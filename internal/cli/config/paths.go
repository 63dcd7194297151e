package config

import (
	"os"
	"path/filepath"
)

func DefaultConfigDir() string {
	if v := os.Getenv("STREAMBRIDGE_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".streambridge")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config")
}

// DefaultDataDir holds uploaded inputs and worker attachments.
func DefaultDataDir() string {
	return filepath.Join(DefaultConfigDir(), "data")
}
