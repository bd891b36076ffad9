package cmd

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLastSession(t *testing.T) {
	p := filepath.Join(t.TempDir(), lastSessionFile)
	orig := lastSessionPath
	lastSessionPath = func() (string, error) { return p, nil }
	t.Cleanup(func() { lastSessionPath = orig })

	got, err := loadLastSession()
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, saveLastSession("3f2c9a"))
	got, err = loadLastSession()
	require.NoError(t, err)
	assert.Equal(t, "3f2c9a", got)
}
