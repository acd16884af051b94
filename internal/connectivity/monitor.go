// Package connectivity tracks whether the remote store is worth trying.
//
// A Monitor combines two inputs: the verdict of a reachability probe and an
// operator override ("airplane mode") driven by a marker file. The device
// is online only when the probe succeeds and no override is active.
package connectivity

import (
	"sync"
)

// Signal is the read side of a Monitor consumed by every write path.
type Signal interface {
	Online() bool
}

// Monitor holds the current connectivity state and notifies subscribers on
// transitions.
type Monitor struct {
	mu      sync.Mutex
	probed  bool
	forced  bool
	subs    map[int]func(bool)
	nextSub int
}

// NewMonitor returns a monitor whose probe verdict starts at online.
func NewMonitor(online bool) *Monitor {
	return &Monitor{
		probed: online,
		subs:   make(map[int]func(bool)),
	}
}

// Online reports the effective state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.probed && !m.forced
}

// Set records the probe verdict.
func (m *Monitor) Set(online bool) {
	m.update(func() { m.probed = online })
}

// ForceOffline enables or disables the offline override.
func (m *Monitor) ForceOffline(forced bool) {
	m.update(func() { m.forced = forced })
}

// Forced reports whether the offline override is active.
func (m *Monitor) Forced() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.forced
}

func (m *Monitor) update(change func()) {
	m.mu.Lock()
	before := m.probed && !m.forced
	change()
	after := m.probed && !m.forced
	var fns []func(bool)
	if before != after {
		fns = make([]func(bool), 0, len(m.subs))
		for _, fn := range m.subs {
			fns = append(fns, fn)
		}
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(after)
	}
}

// Subscribe registers fn for transitions. It is not called with the current
// state. The returned function unsubscribes.
func (m *Monitor) Subscribe(fn func(online bool)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// Static is a Signal with a fixed value.
type Static bool

// Online returns the fixed value.
func (s Static) Online() bool { return bool(s) }
