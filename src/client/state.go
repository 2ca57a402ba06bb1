package client

import (
	"sync"
	"time"
)

// ConnectionState is the lifecycle state of a single physical connection.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateAuthenticated
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Transport signals that put a connection into the error path.
const (
	SignalChannelError = "CHANNEL_ERROR"
	SignalTimedOut     = "TIMED_OUT"
	SignalClosed       = "CLOSED"
)

var validTransitions = map[ConnectionState][]ConnectionState{
	StateDisconnected:  {StateConnecting},
	StateConnecting:    {StateConnected, StateError, StateDisconnected},
	StateConnected:     {StateAuthenticated, StateError, StateDisconnected},
	StateAuthenticated: {StateError, StateDisconnected},
	StateError:         {StateConnecting, StateDisconnected},
}

// stateMachine tracks one connection's lifecycle and owns its reconnect
// timer. At most one timer is pending at any time; scheduling a new one
// cancels the previous.
type stateMachine struct {
	mu       sync.Mutex
	state    ConnectionState
	timer    *time.Timer
	onChange func(ConnectionState)
}

func newStateMachine(onChange func(ConnectionState)) *stateMachine {
	return &stateMachine{state: StateDisconnected, onChange: onChange}
}

// current returns the state at the time of the call.
func (m *stateMachine) current() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// to attempts the transition and reports whether it was legal. Illegal
// transitions leave the state untouched.
func (m *stateMachine) to(next ConnectionState) bool {
	m.mu.Lock()
	if m.state == next {
		m.mu.Unlock()
		return false
	}
	legal := false
	for _, s := range validTransitions[m.state] {
		if s == next {
			legal = true
			break
		}
	}
	if !legal {
		m.mu.Unlock()
		return false
	}
	m.state = next
	cb := m.onChange
	m.mu.Unlock()

	if cb != nil {
		cb(next)
	}
	return true
}

// scheduleReconnect arms the reconnect timer, cancelling any pending one.
func (m *stateMachine) scheduleReconnect(d time.Duration, fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(d, func() {
		m.mu.Lock()
		m.timer = nil
		m.mu.Unlock()
		fn()
	})
}

// cancelReconnect stops any pending reconnect timer.
func (m *stateMachine) cancelReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// reconnectPending reports whether a timer is armed. Test hook.
func (m *stateMachine) reconnectPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timer != nil
}
