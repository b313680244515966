package agent

import "sync"

// State is the agent's connection lifecycle.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateDisconnected State = "disconnected"
	StateExpired      State = "expired"
)

// stateMachine tracks the agent's connection state and notifies
// subscribers (the TTY renderer, the inspection sidecar) of transitions
// across the full five-state connection lifecycle.
type stateMachine struct {
	mu        sync.Mutex
	current   State
	observers []func(State)
}

func newStateMachine() *stateMachine {
	return &stateMachine{current: StateConnecting}
}

func (sm *stateMachine) set(s State) {
	sm.mu.Lock()
	prev := sm.current
	sm.current = s
	obs := append([]func(State){}, sm.observers...)
	sm.mu.Unlock()

	if prev == s {
		return
	}
	for _, fn := range obs {
		fn(s)
	}
}

func (sm *stateMachine) get() State {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.current
}

// subscribe registers fn to be called (not necessarily synchronously with
// set) on every state transition.
func (sm *stateMachine) subscribe(fn func(State)) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.observers = append(sm.observers, fn)
}

// terminal reports whether no further reconnect should be attempted from
// this state (disconnected: user-requested stop; expired: TTL fired).
func (s State) terminal() bool {
	return s == StateDisconnected || s == StateExpired
}
