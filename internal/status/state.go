package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/ridelink/ridelink/internal/bus"
)

// State represents a connection lifecycle state.
type State string

const (
	Disconnected   State = "DISCONNECTED"
	Connecting     State = "CONNECTING"
	Authenticating State = "AUTHENTICATING"
	Connected      State = "CONNECTED"
	Reconnecting   State = "RECONNECTING"
	// Closed is terminal: a closed connection never reopens, a new
	// manager instance is required.
	Closed State = "CLOSED"
)

// validTransitions defines allowed state transitions. Closed is
// reachable from everywhere and has no outgoing edges.
var validTransitions = map[State][]State{
	Disconnected:   {Connecting, Closed},
	Connecting:     {Authenticating, Reconnecting, Closed},
	Authenticating: {Connected, Reconnecting, Closed},
	Connected:      {Reconnecting, Closed},
	Reconnecting:   {Connecting, Closed},
	Closed:         {},
}

// Machine tracks and enforces connection state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Disconnected state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Disconnected,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		from := m.current
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	from := m.current
	m.current = to
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      "conn.status_changed",
			Timestamp: time.Now(),
			Payload: StatusChange{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
