// Package status exposes backend connectivity as an injected observable
// with an explicit subscribe/unsubscribe lifecycle, so components observe
// it without sharing module-level global state.
package status

import "sync"

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StatePolling      State = "polling"
)

type Monitor struct {
	mu        sync.Mutex
	state     State
	listeners map[int]chan State
	nextID    int
}

func NewMonitor() *Monitor {
	return &Monitor{
		state:     StateDisconnected,
		listeners: make(map[int]chan State),
	}
}

func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Set transitions the state and notifies subscribers. Setting the current
// state again is a no-op.
func (m *Monitor) Set(state State) {
	m.mu.Lock()
	if m.state == state {
		m.mu.Unlock()
		return
	}
	m.state = state
	for _, ch := range m.listeners {
		select {
		case ch <- state:
		default:
		}
	}
	m.mu.Unlock()
}

// Subscribe registers a listener. The returned cancel func must be called
// to release it; notifications coalesce when the listener lags.
func (m *Monitor) Subscribe() (<-chan State, func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	ch := make(chan State, 4)
	m.listeners[id] = ch
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		if c, ok := m.listeners[id]; ok {
			delete(m.listeners, id)
			close(c)
		}
		m.mu.Unlock()
	}
	return ch, cancel
}
