// Package connectivity tracks whether the client believes it is online and
// notifies subscribers when that belief changes.
package connectivity

import (
	"log/slog"
	"sync"
)

// Monitor holds the process-wide online flag. Only signal sources call
// Update; consumers read Online or Subscribe.
type Monitor struct {
	mu        sync.Mutex
	online    bool
	nextID    uint64
	listeners []listener
}

type listener struct {
	id uint64
	fn func(online bool)
}

// NewMonitor returns a Monitor with the given initial state.
func NewMonitor(initial bool) *Monitor {
	return &Monitor{online: initial}
}

// Online reports the current state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe registers fn for state transitions and returns a function that
// removes it. Calling the returned function more than once is harmless.
func (m *Monitor) Subscribe(fn func(online bool)) func() {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.listeners = append(m.listeners, listener{id: id, fn: fn})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { m.remove(id) })
	}
}

func (m *Monitor) remove(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, l := range m.listeners {
		if l.id == id {
			m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
			return
		}
	}
}

// Update records a reachability signal. Listeners run synchronously, in
// subscription order, only when the state actually changes.
func (m *Monitor) Update(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	snapshot := make([]listener, len(m.listeners))
	copy(snapshot, m.listeners)
	m.mu.Unlock()

	slog.Info("connectivity changed",
		"component", "connectivity",
		"online", online,
	)

	for _, l := range snapshot {
		l.fn(online)
	}
}
