package lifecycle

import (
	"testing"

	"github.com/golem-project/worker-executor/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLegalTransitionSequence(t *testing.T) {
	m := NewMachine()
	assert.Equal(t, types.WorkerStatusIdle, m.Status())

	require.NoError(t, m.Transition(types.WorkerStatusRunning))
	require.NoError(t, m.Transition(types.WorkerStatusSuspended))
	require.NoError(t, m.Transition(types.WorkerStatusRunning))
	require.NoError(t, m.Transition(types.WorkerStatusExited))

	assert.True(t, IsTerminal(m.Status()))
}

func TestIllegalTransitionRejected(t *testing.T) {
	m := NewMachine()
	err := m.Transition(types.WorkerStatusExited)
	require.Error(t, err)

	var illegal *ErrIllegalTransition
	assert.ErrorAs(t, err, &illegal)
	assert.Equal(t, types.WorkerStatusIdle, illegal.From)
	assert.Equal(t, types.WorkerStatusExited, illegal.To)
}

func TestTerminalStatesHaveNoOutgoingEdges(t *testing.T) {
	m := NewMachine()
	require.NoError(t, m.Transition(types.WorkerStatusRunning))
	require.NoError(t, m.Transition(types.WorkerStatusFailed))

	assert.Error(t, m.Transition(types.WorkerStatusRunning))
}

func TestRestoreMachineStartsAtGivenStatus(t *testing.T) {
	m := RestoreMachine(types.WorkerStatusRunning)
	assert.Equal(t, types.WorkerStatusRunning, m.Status())
}
