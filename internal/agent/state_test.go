package agent

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_state_machine_initial_state_is_connecting(t *testing.T) {
	sm := newStateMachine()
	require.Equal(t, StateConnecting, sm.get())
}

func Test_state_machine_notifies_subscribers_on_change(t *testing.T) {
	sm := newStateMachine()
	var seen []State
	sm.subscribe(func(s State) { seen = append(seen, s) })

	sm.set(StateConnected)
	sm.set(StateConnected) // no-op transition: must not notify twice
	sm.set(StateReconnecting)

	require.Equal(t, []State{StateConnected, StateReconnecting}, seen)
}

func Test_terminal_states(t *testing.T) {
	require.True(t, StateDisconnected.terminal())
	require.True(t, StateExpired.terminal())
	require.False(t, StateConnecting.terminal())
	require.False(t, StateConnected.terminal())
	require.False(t, StateReconnecting.terminal())
}
