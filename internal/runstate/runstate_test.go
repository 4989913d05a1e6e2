package runstate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLifecycle(t *testing.T) {
	m := NewMachine(nil)
	assert.Equal(t, Idle, m.State())

	require.True(t, m.Start("go"))
	assert.Equal(t, Running, m.State())

	require.True(t, m.Complete("converged"))
	assert.Equal(t, Completed, m.State())

	// Restartable from every terminal state.
	require.True(t, m.Start("again"))
	require.True(t, m.Stop("halt"))
	assert.Equal(t, Stopped, m.State())

	require.True(t, m.Start("again"))
	require.True(t, m.Fail("broker gone"))
	assert.Equal(t, Error, m.State())
	require.True(t, m.Start("recovered"))
}

func TestStartWhileRunningIsNoOp(t *testing.T) {
	m := NewMachine(nil)
	require.True(t, m.Start("go"))
	assert.False(t, m.Start("duplicate"))
	assert.Equal(t, Running, m.State())
}

func TestStopOutsideRunningIsNoOp(t *testing.T) {
	m := NewMachine(nil)
	assert.False(t, m.Stop("nothing to stop"))
	assert.Equal(t, Idle, m.State())

	require.True(t, m.Start("go"))
	require.True(t, m.Stop("halt"))
	assert.False(t, m.Stop("twice"))
	assert.Equal(t, Stopped, m.State())
}

func TestHookObservesTransitions(t *testing.T) {
	var seen []Transition
	m := NewMachine(func(tr Transition) { seen = append(seen, tr) })

	m.Start("go")
	m.Stop("halt")
	m.Stop("ignored")

	require.Len(t, seen, 2, "rejected transitions must not fire the hook")
	assert.Equal(t, Idle, seen[0].From)
	assert.Equal(t, Running, seen[0].To)
	assert.Equal(t, "go", seen[0].Reason)
	assert.Equal(t, Stopped, seen[1].To)
	assert.False(t, seen[1].At.IsZero())
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "running", Running.String())
	assert.Equal(t, "completed", Completed.String())
	assert.Equal(t, "stopped", Stopped.String())
	assert.Equal(t, "error", Error.String())
}
