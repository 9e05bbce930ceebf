package process

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestModelRegister(t *testing.T) {
	m := NewModel(nil)

	require.NoError(t, m.Register("p-1"))

	state, err := m.GetState("p-1")
	require.NoError(t, err)
	require.Equal(t, StateCreated, state)

	require.Error(t, m.Register("p-1"))
}

func TestModelSetState(t *testing.T) {
	m := NewModel(nil)
	require.NoError(t, m.Register("p-1"))

	require.NoError(t, m.SetState("p-1", StateRunning))
	require.NoError(t, m.SetState("p-1", StateNegotiated))
	require.NoError(t, m.SetState("p-1", StateCompleted))

	state, err := m.GetState("p-1")
	require.NoError(t, err)
	require.Equal(t, StateCompleted, state)
}

func TestModelSetState_IllegalTransition(t *testing.T) {
	m := NewModel(nil)
	require.NoError(t, m.Register("p-1"))

	err := m.SetState("p-1", StateCompleted)
	require.ErrorIs(t, err, ErrInvalidState)

	state, err := m.GetState("p-1")
	require.NoError(t, err)
	require.Equal(t, StateCreated, state)
}

func TestModelSetState_SameStateIsNoOp(t *testing.T) {
	m := NewModel(nil)
	require.NoError(t, m.Register("p-1"))
	require.NoError(t, m.SetState("p-1", StateRunning))
	require.NoError(t, m.SetState("p-1", StateRunning))
}

func TestModelSetState_UnknownProcess(t *testing.T) {
	m := NewModel(nil)
	require.ErrorIs(t, m.SetState("nope", StateRunning), ErrNotFound)
}

func TestModelSignalTerminate_FromAnyNonTerminalState(t *testing.T) {
	pathTo := map[State][]State{
		StateCreated:    {},
		StateRunning:    {StateRunning},
		StateNegotiated: {StateRunning, StateNegotiated},
	}

	for from, path := range pathTo {
		t.Run(string(from), func(t *testing.T) {
			m := NewModel(nil)
			require.NoError(t, m.Register("p-1"))
			for _, step := range path {
				require.NoError(t, m.SetState("p-1", step))
			}

			require.NoError(t, m.SignalTerminate("p-1"))
			require.True(t, m.Aborted("p-1"))

			state, err := m.GetState("p-1")
			require.NoError(t, err)
			require.Equal(t, StateTerminated, state)
		})
	}
}

func TestModelSignalTerminate_TerminalIsNoOp(t *testing.T) {
	m := NewModel(nil)
	require.NoError(t, m.Register("p-1"))
	require.NoError(t, m.SetState("p-1", StateRunning))
	require.NoError(t, m.SetState("p-1", StateFailed))

	require.NoError(t, m.SignalTerminate("p-1"))

	state, err := m.GetState("p-1")
	require.NoError(t, err)
	require.Equal(t, StateFailed, state)
	require.False(t, m.Aborted("p-1"))
}

func TestModelAborted_UnknownProcessReadsAborted(t *testing.T) {
	m := NewModel(nil)
	require.True(t, m.Aborted("nope"))
}

func TestModelAttach_OneDriverPerKind(t *testing.T) {
	m := NewModel(nil)
	require.NoError(t, m.Register("p-1"))

	release, err := m.Attach("p-1", DriverNegotiation)
	require.NoError(t, err)

	_, err = m.Attach("p-1", DriverNegotiation)
	require.Error(t, err)

	// a different kind is a separate slot
	releaseTransfer, err := m.Attach("p-1", DriverTransfer)
	require.NoError(t, err)
	releaseTransfer()

	release()
	release() // idempotent

	_, err = m.Attach("p-1", DriverNegotiation)
	require.NoError(t, err)
}

func TestModelAttach_UnknownProcess(t *testing.T) {
	m := NewModel(nil)
	_, err := m.Attach("nope", DriverNegotiation)
	require.ErrorIs(t, err, ErrNotFound)
}
