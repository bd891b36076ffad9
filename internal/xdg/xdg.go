// Package xdg resolves XDG Base Directory paths for tagrouter.
// Config holds config.toml, Data holds the knowledge index database and
// State holds anything the router writes at runtime.
package xdg

import (
	"os"
	"path/filepath"
)

const appName = "tagrouter"

// ConfigDir returns the XDG config directory for tagrouter.
// It falls back to ~/.config/tagrouter when XDG_CONFIG_HOME is unset.
func ConfigDir() (string, error) {
	return resolve("XDG_CONFIG_HOME", ".config")
}

// DataDir returns the XDG data directory, ~/.local/share/tagrouter by default.
func DataDir() (string, error) {
	return resolve("XDG_DATA_HOME", filepath.Join(".local", "share"))
}

// StateDir returns the XDG state directory, ~/.local/state/tagrouter by default.
func StateDir() (string, error) {
	return resolve("XDG_STATE_HOME", filepath.Join(".local", "state"))
}

// resolve builds <base>/tagrouter and creates it with private permissions (0700).
func resolve(env, homeRel string) (string, error) {
	base := os.Getenv(env)
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, homeRel)
	}
	dir := filepath.Join(base, appName)
	if err := os.MkdirAll(dir, 0o700); err != nil { // private dir
		return "", err
	}
	return dir, nil
}
