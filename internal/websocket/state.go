package websocket

import (
	"fmt"
	"sync"

	marketchat_errors "marketchat/pkg/errors"
)

// State is the lifecycle stage of one connection.
type State int

const (
	StateConnecting State = iota
	StateAuthenticating
	StateEstablished
	StateJoined
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateEstablished:
		return "established"
	case StateJoined:
		return "joined"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// validTransitions lists the states reachable from each state. Joined covers
// one or more conversation groups; leaving the last one returns to Established.
var validTransitions = map[State][]State{
	StateConnecting:     {StateAuthenticating, StateClosed},
	StateAuthenticating: {StateEstablished, StateClosed},
	StateEstablished:    {StateJoined, StateClosed},
	StateJoined:         {StateJoined, StateEstablished, StateClosed},
	StateClosed:         {},
}

func (s State) CanTransitionTo(next State) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// StateMachine guards a connection's State.
type StateMachine struct {
	mu    sync.Mutex
	state State
}

func NewStateMachine() *StateMachine {
	return &StateMachine{state: StateConnecting}
}

func (m *StateMachine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transition moves to next or returns ErrInvalidTransition and stays put.
func (m *StateMachine) Transition(next State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.state.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", marketchat_errors.ErrInvalidTransition, m.state, next)
	}
	m.state = next
	return nil
}
