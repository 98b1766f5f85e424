package session

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStoreAt(filepath.Join(t.TempDir(), "sessions"))
	require.NoError(t, err)
	return store
}

func TestStoreSaveLoadDelete(t *testing.T) {
	store := newTestStore(t)

	sess := &Session{
		ID:          "proj-12345678",
		Backend:     "podman",
		Workspace:   "/home/user/proj",
		Restriction: RestrictionDefault,
		State:       StateCreated,
		CreatedAt:   time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.Save(sess))

	loaded, err := store.Load("proj-12345678")
	require.NoError(t, err)
	assert.Equal(t, sess, loaded)

	require.NoError(t, store.Delete("proj-12345678"))
	_, err = store.Load("proj-12345678")
	assert.ErrorContains(t, err, "session not found")

	// Delete is idempotent.
	assert.NoError(t, store.Delete("proj-12345678"))
}

func TestStoreList(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Save(&Session{ID: "a-11111111", Backend: "podman", State: StateCreated}))
	require.NoError(t, store.Save(&Session{ID: "b-22222222", Backend: "kube", State: StateRunning}))

	// Junk in the directory is skipped.
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), "garbage.json"), []byte("{"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), "notes.txt"), []byte("x"), 0600))

	sessions, err := store.List()
	require.NoError(t, err)
	assert.Len(t, sessions, 2)
}

func TestFind(t *testing.T) {
	store := newTestStore(t)

	// Missing record is nil, not an error.
	found, err := store.Find("proj-12345678")
	require.NoError(t, err)
	assert.Nil(t, found)

	require.NoError(t, store.Save(&Session{ID: "proj-12345678", Backend: "podman", State: StateCreated}))
	found, err = store.Find("proj-12345678")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "podman", found.Backend)
}

func TestFindByWorkspace(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Save(&Session{
		ID: "proj-11111111", Backend: "podman", Workspace: "/w/proj", State: StateRunning,
	}))
	require.NoError(t, store.Save(&Session{
		ID: "proj-22222222", Backend: "kube", Workspace: "/w/proj", State: StateStopped,
	}))
	require.NoError(t, store.Save(&Session{
		ID: "old-33333333", Backend: "podman", Workspace: "/w/old", State: StateDeleted,
	}))

	found, err := store.FindByWorkspace("podman", "/w/proj")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "proj-11111111", found.ID)

	// Same workspace, other backend, is a distinct session.
	found, err = store.FindByWorkspace("kube", "/w/proj")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "proj-22222222", found.ID)

	// Deleted sessions do not own their workspace.
	found, err = store.FindByWorkspace("podman", "/w/old")
	require.NoError(t, err)
	assert.Nil(t, found)

	found, err = store.FindByWorkspace("podman", "/w/none")
	require.NoError(t, err)
	assert.Nil(t, found)
}

func TestDeriveName(t *testing.T) {
	tests := []struct {
		name      string
		workspace string
		prefix    string
	}{
		{"simple dir", "/home/user/myproject", "myproject-"},
		{"uppercase lowered", "/home/user/MyProject", "myproject-"},
		{"special chars replaced", "/home/user/my_cool.project", "my-cool-project-"},
		{"long name truncated", "/home/user/averyveryverylongprojectdirectoryname", "averyveryverylongpro-"},
		{"dot dir", "/home/user/...", "session-"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DeriveName(tt.workspace)
			assert.True(t, len(got) <= 29, "name too long: %s", got)
			if tt.name == "long name truncated" {
				assert.Len(t, got, 29)
				return
			}
			assert.Contains(t, got, tt.prefix)
		})
	}

	t.Run("stable and path-distinct", func(t *testing.T) {
		a := DeriveName("/home/a/proj")
		b := DeriveName("/home/b/proj")
		assert.Equal(t, a, DeriveName("/home/a/proj"))
		assert.NotEqual(t, a, b)
		assert.Contains(t, a, "proj-")
		assert.Contains(t, b, "proj-")
	})
}
