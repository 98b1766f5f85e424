package session

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionSerialization(t *testing.T) {
	now := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	stopped := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

	t.Run("serializes all fields", func(t *testing.T) {
		s := Session{
			ID:          "myproj-a1b2c3d4",
			Backend:     "kube",
			Workspace:   "/home/user/myproj",
			Restriction: RestrictionCustom,
			Allowlist:   []string{"npm", "github"},
			State:       StateStopped,
			Image:       "quay.io/paude/paude:latest",
			CreatedAt:   now,
			StoppedAt:   &stopped,
		}

		data, err := json.Marshal(s)
		require.NoError(t, err)

		var m map[string]any
		require.NoError(t, json.Unmarshal(data, &m))

		assert.Equal(t, "myproj-a1b2c3d4", m["id"])
		assert.Equal(t, "kube", m["backend"])
		assert.Equal(t, "custom", m["restriction"])
		assert.Equal(t, "stopped", m["state"])
		assert.NotEmpty(t, m["stopped_at"])
	})

	t.Run("omitempty omits unset optional fields", func(t *testing.T) {
		s := Session{
			ID:          "myproj-a1b2c3d4",
			Backend:     "podman",
			Workspace:   "/tmp/proj",
			Restriction: RestrictionDefault,
			State:       StateCreated,
			CreatedAt:   now,
		}

		data, err := json.Marshal(s)
		require.NoError(t, err)

		var m map[string]any
		require.NoError(t, json.Unmarshal(data, &m))

		assert.NotContains(t, m, "allowlist")
		assert.NotContains(t, m, "started_at")
		assert.NotContains(t, m, "stopped_at")
		assert.NotContains(t, m, "last_activity")
	})
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateCreated, StateRunning, true},
		{StateCreated, StateDeleted, true},
		{StateCreated, StateStopped, false},
		{StateRunning, StateStopped, true},
		{StateRunning, StateDeleted, true},
		{StateRunning, StateRunning, false},
		{StateStopped, StateRunning, true},
		{StateStopped, StateDeleted, true},
		{StateDeleted, StateRunning, false},
		{StateDeleted, StateDeleted, false},
	}
	for _, tt := range tests {
		got := CanTransition(tt.from, tt.to)
		if got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}
