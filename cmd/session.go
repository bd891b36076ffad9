// Copyright (c) 2025 Seedfast
// Licensed under the MIT License. See LICENSE file in the project root for details.

package cmd

import (
	"os"
	"path/filepath"
	"strings"

	"tagrouter/cli/internal/xdg"
)

const lastSessionFile = "last_session"

// lastSessionPath is replaced in tests.
var lastSessionPath = func() (string, error) {
	dir, err := xdg.StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, lastSessionFile), nil
}

// saveLastSession records the interactive session id so --resume can pick it up.
func saveLastSession(id string) error {
	p, err := lastSessionPath()
	if err != nil {
		return err
	}
	return os.WriteFile(p, []byte(id+"\n"), 0o600)
}

// loadLastSession returns "" when no session was recorded.
func loadLastSession() (string, error) {
	p, err := lastSessionPath()
	if err != nil {
		return "", err
	}
	b, err := os.ReadFile(p)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}
