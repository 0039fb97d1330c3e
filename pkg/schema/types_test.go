package schema

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeState_Classification(t *testing.T) {
	for _, s := range []NodeState{StateSucceeded, StateFailed, StateCancelled} {
		assert.True(t, s.IsTerminal(), s.String())
		assert.False(t, s.IsActive(), s.String())
	}
	for _, s := range []NodeState{StateRunnable, StateQueued, StateRunning} {
		assert.True(t, s.IsActive(), s.String())
		assert.False(t, s.IsTerminal(), s.String())
	}
	assert.False(t, StateWaitingDeps.IsTerminal())
	assert.False(t, StateWaitingDeps.IsActive())
}

func TestValidNodeTransitions(t *testing.T) {
	// Terminal states are absorbing.
	for _, from := range []NodeState{StateSucceeded, StateFailed, StateCancelled} {
		for to := StateWaitingDeps; to <= StateCancelled; to++ {
			assert.False(t, IsValidTransition(from, to), "%s -> %s", from, to)
		}
	}

	assert.True(t, IsValidTransition(StateRunnable, StateQueued))
	assert.True(t, IsValidTransition(StateQueued, StateRunning))
	assert.True(t, IsValidTransition(StateRunnable, StateRunning))
	assert.True(t, IsValidTransition(StateRunning, StateSucceeded))
	assert.True(t, IsValidTransition(StateQueued, StateSucceeded))
	assert.True(t, IsValidTransition(StateRunnable, StateFailed))

	// Cancellation is allowed from any non-terminal state.
	for _, from := range []NodeState{StateWaitingDeps, StateRunnable, StateQueued, StateRunning} {
		assert.True(t, IsValidTransition(from, StateCancelled), from.String())
	}

	assert.False(t, IsValidTransition(StateWaitingDeps, StateQueued))
	assert.False(t, IsValidTransition(StateWaitingDeps, StateSucceeded))
	assert.False(t, IsValidTransition(StateQueued, StateWaitingDeps))
}

func TestResourceForType(t *testing.T) {
	assert.Equal(t, ResourceIO, ResourceForType(NodeLoadPDF))
	assert.Equal(t, ResourceCPU, ResourceForType(NodeChunk))
	assert.Equal(t, ResourceEmbed, ResourceForType(NodeEmbed))
	assert.Equal(t, ResourceCPU, ResourceForType(NodeSimilaritySearch))
	assert.Equal(t, ResourceLLM, ResourceForType(NodeExtractEvidence))
	assert.Equal(t, ResourceLLM, ResourceForType(NodePlan))
	assert.Equal(t, ResourceCPU, ResourceForType(NodeAggregate))
	assert.Equal(t, ResourceLLM, ResourceForType(NodeDecideNext))
}

func TestAttemptKey(t *testing.T) {
	assert.Equal(t, uint64(1)<<32|7, AttemptKey(1, 7))
	assert.NotEqual(t, AttemptKey(1, 2), AttemptKey(2, 1))
}

func TestParsePolicy(t *testing.T) {
	for _, name := range []string{"fifo_cheapest", "dag_cheapest", "dag_escalation", "full"} {
		p, err := ParsePolicy(name)
		require.NoError(t, err)
		assert.Equal(t, Policy(name), p)
	}

	_, err := ParsePolicy("greedy")
	require.Error(t, err)
	var simErr *SimError
	require.True(t, errors.As(err, &simErr))
	assert.Equal(t, ErrCodeValidation, simErr.Code)
}

func TestSimError(t *testing.T) {
	cause := errors.New("boom")
	err := NewErrorf(ErrCodeInvalidTransition, "bad move").
		WithNode(3, 9).
		WithCause(cause).
		WithDetails(map[string]any{"from": "Queued"})

	assert.Contains(t, err.Error(), "INVALID_TRANSITION")
	assert.Contains(t, err.Error(), "wf 3 node 9")
	assert.Equal(t, cause, errors.Unwrap(err))
	assert.Equal(t, "Queued", err.Details["from"])
}
