package creds

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedFixture(t *testing.T) string {
	t.Helper()
	root := t.TempDir()

	seedDir := filepath.Join(root, TargetClaudeSeed)
	require.NoError(t, os.MkdirAll(seedDir, 0700))
	require.NoError(t, os.WriteFile(filepath.Join(seedDir, "credentials.json"), []byte(`{"token":"x"}`), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(seedDir, "settings.json"), []byte(`{}`), 0600))

	seedJSON := filepath.Join(root, TargetClaudeJSON)
	require.NoError(t, os.MkdirAll(filepath.Dir(seedJSON), 0700))
	require.NoError(t, os.WriteFile(seedJSON, []byte(`{"legacy":true}`), 0600))

	return root
}

func TestRestoreSeeds(t *testing.T) {
	root := seedFixture(t)

	require.NoError(t, RestoreSeeds(root))

	data, err := os.ReadFile(filepath.Join(root, LiveClaudeDir, "credentials.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"token":"x"}`, string(data))

	data, err = os.ReadFile(filepath.Join(root, LiveClaudeJSON))
	require.NoError(t, err)
	assert.Equal(t, `{"legacy":true}`, string(data))
}

func TestRestoreSeedsSkipsAbsent(t *testing.T) {
	// No seeds at all: nothing to restore, no error.
	root := t.TempDir()
	require.NoError(t, RestoreSeeds(root))

	_, err := os.Stat(filepath.Join(root, LiveClaudeDir))
	assert.True(t, os.IsNotExist(err))
}

func TestEvictLive(t *testing.T) {
	root := seedFixture(t)
	require.NoError(t, RestoreSeeds(root))

	require.NoError(t, EvictLive(root))

	_, err := os.Stat(filepath.Join(root, LiveClaudeDir))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(root, LiveClaudeJSON))
	assert.True(t, os.IsNotExist(err))

	// Seeds survive so a restore can undo the eviction.
	_, err = os.Stat(filepath.Join(root, TargetClaudeSeed, "credentials.json"))
	assert.NoError(t, err)

	require.NoError(t, RestoreSeeds(root))
	_, err = os.Stat(filepath.Join(root, LiveClaudeDir, "credentials.json"))
	assert.NoError(t, err)
}

func TestEvictLiveIdempotent(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, EvictLive(root))
	require.NoError(t, EvictLive(root))
}
