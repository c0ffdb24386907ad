package config

import (
	"os"
	"path/filepath"
)

// DefaultConfigDir is $RUNBOX_HOME, falling back to ~/.runbox.
func DefaultConfigDir() string {
	if v := os.Getenv("RUNBOX_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".runbox")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config")
}
