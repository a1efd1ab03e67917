package leech

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidTransitionForwardChain(t *testing.T) {
	t.Parallel()

	chain := []State{StateQueued, StateResolving, StateDownloading, StateProcessing, StateUploading, StateCompleted}
	for i := 0; i < len(chain)-1; i++ {
		require.True(t, validTransition(chain[i], chain[i+1]), "%s -> %s", chain[i], chain[i+1])
	}

	// No forward skips.
	require.False(t, validTransition(StateQueued, StateDownloading))
	require.False(t, validTransition(StateResolving, StateUploading))
	require.False(t, validTransition(StateDownloading, StateCompleted))

	// No going backwards.
	require.False(t, validTransition(StateUploading, StateDownloading))
	require.False(t, validTransition(StateResolving, StateQueued))
}

func TestValidTransitionTerminalStates(t *testing.T) {
	t.Parallel()

	nonTerminal := []State{StateQueued, StateResolving, StateDownloading, StateProcessing, StateUploading}
	for _, from := range nonTerminal {
		require.True(t, validTransition(from, StateCancelled), "%s -> Cancelled", from)
		require.True(t, validTransition(from, StateFailed), "%s -> Failed", from)
	}

	terminal := []State{StateCompleted, StateCancelled, StateFailed}
	for _, from := range terminal {
		for to := StateQueued; to <= StateFailed; to++ {
			require.False(t, validTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestTaskTransitionRecordsTerminalTime(t *testing.T) {
	t.Parallel()

	task := &Task{}
	require.NoError(t, task.transition(StateResolving))
	require.True(t, task.snapshot().TerminalAt.IsZero())

	require.NoError(t, task.transition(StateCancelled))
	snap := task.snapshot()
	require.Equal(t, StateCancelled, snap.State)
	require.False(t, snap.TerminalAt.IsZero())

	require.Error(t, task.transition(StateFailed), "terminal states are final")
}

func TestUpdateProgressDropsBackwardSamples(t *testing.T) {
	t.Parallel()

	task := &Task{}
	require.True(t, task.updateProgress("a.bin", 0, 100, 1000))
	require.False(t, task.updateProgress("a.bin", 0, 50, 1000), "backward byte sample within the same item must be dropped")
	require.EqualValues(t, 100, task.snapshot().Progress.Bytes)

	// A new item legitimately restarts the byte counter.
	require.True(t, task.updateProgress("b.bin", 1, 10, 1000))
	require.EqualValues(t, 10, task.snapshot().Progress.Bytes)
}
