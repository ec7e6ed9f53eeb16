// Package xdg resolves the korgalore config and data directories following
// the XDG base directory convention.
package xdg

import (
	"os"
	"path/filepath"
)

const appDir = "korgalore"

// ConfigDir returns the korgalore config directory, creating it if needed.
// Honors XDG_CONFIG_HOME, falling back to ~/.config.
func ConfigDir() (string, error) {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	dir := filepath.Join(base, appDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// DataDir returns the korgalore data directory, creating it if needed.
// Honors XDG_DATA_HOME, falling back to ~/.local/share.
func DataDir() (string, error) {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".local", "share")
	}
	dir := filepath.Join(base, appDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}
