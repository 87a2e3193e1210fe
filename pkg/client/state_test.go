package client

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestState(t *testing.T) *State {
	t.Helper()
	state, err := OpenState(filepath.Join(t.TempDir(), "nested", "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { state.Close() })
	return state
}

func TestStateReadPosition(t *testing.T) {
	state := openTestState(t)

	pos, err := state.GetReadPosition("c1")
	require.NoError(t, err)
	assert.Empty(t, pos)

	require.NoError(t, state.UpdateReadPosition("c1", "m1"))
	require.NoError(t, state.UpdateReadPosition("c1", "m2"))
	require.NoError(t, state.UpdateReadPosition("c2", "x"))

	pos, err = state.GetReadPosition("c1")
	require.NoError(t, err)
	assert.Equal(t, "m2", pos)
}

func TestStateConfig(t *testing.T) {
	state := openTestState(t)

	v, err := state.GetConfig("missing")
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, state.SetConfig("theme", "dark"))
	v, err = state.GetConfig("theme")
	require.NoError(t, err)
	assert.Equal(t, "dark", v)
}

func TestStateLastSeen(t *testing.T) {
	state := openTestState(t)

	assert.Zero(t, state.GetLastSeenTimestamp())
	require.NoError(t, state.UpdateLastSeenTimestamp())
	assert.Positive(t, state.GetLastSeenTimestamp())
}

func TestStateReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")

	state, err := OpenState(path)
	require.NoError(t, err)
	require.NoError(t, state.UpdateReadPosition("c1", "m9"))
	require.NoError(t, state.Close())

	state, err = OpenState(path)
	require.NoError(t, err)
	defer state.Close()

	pos, err := state.GetReadPosition("c1")
	require.NoError(t, err)
	assert.Equal(t, "m9", pos)
	assert.Equal(t, filepath.Dir(path), state.GetStateDir())
}
