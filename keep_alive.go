package nestmq

import (
	"sync"
	"time"
)

// keepAliveGraceFactor is the multiplier on the negotiated interval
// before a silent connection is considered dead.
const keepAliveGraceFactor = 1.5

// KeepAliveMonitor tracks per-connection liveness. A connection that
// stays silent for 1.5x its negotiated keep-alive interval is treated
// as dead: the broker closes the transport and fires the will as an
// abnormal termination.
type KeepAliveMonitor struct {
	mu       sync.RWMutex
	entries  map[string]*keepAliveEntry
	override uint16 // server-enforced interval, 0 = use client value
	now      func() time.Time
}

type keepAliveEntry struct {
	interval uint16
	deadline time.Time
}

// NewKeepAliveMonitor creates a keep-alive monitor.
func NewKeepAliveMonitor() *KeepAliveMonitor {
	return &KeepAliveMonitor{
		entries: make(map[string]*keepAliveEntry),
		now:     time.Now,
	}
}

// SetOverride forces all connections to the given keep-alive interval
// instead of their requested one. Zero disables the override.
func (m *KeepAliveMonitor) SetOverride(seconds uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.override = seconds
}

// Override returns the server keep-alive override.
func (m *KeepAliveMonitor) Override() uint16 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.override
}

// Register starts tracking a connection and returns the effective
// keep-alive interval. A zero interval disables the timeout.
func (m *KeepAliveMonitor) Register(clientID string, requested uint16) uint16 {
	m.mu.Lock()
	defer m.mu.Unlock()

	interval := requested
	if m.override > 0 {
		interval = m.override
	}

	entry := &keepAliveEntry{interval: interval}
	if interval > 0 {
		entry.deadline = m.now().Add(m.timeout(interval))
	}
	m.entries[clientID] = entry

	return interval
}

// Unregister stops tracking a connection.
func (m *KeepAliveMonitor) Unregister(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, clientID)
}

// Touch records inbound activity (any packet, including pings) and
// pushes the deadline out.
func (m *KeepAliveMonitor) Touch(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[clientID]
	if !ok {
		return
	}
	if entry.interval > 0 {
		entry.deadline = m.now().Add(m.timeout(entry.interval))
	}
}

// Deadline returns the current deadline for a connection. The zero
// time means no timeout applies.
func (m *KeepAliveMonitor) Deadline(clientID string) (time.Time, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.entries[clientID]
	if !ok {
		return time.Time{}, false
	}
	return entry.deadline, true
}

// IsExpired reports whether a connection has exceeded its deadline.
func (m *KeepAliveMonitor) IsExpired(clientID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.entries[clientID]
	if !ok || entry.interval == 0 {
		return false
	}
	return m.now().After(entry.deadline)
}

// Expired returns every connection past its deadline.
func (m *KeepAliveMonitor) Expired() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	var expired []string
	for clientID, entry := range m.entries {
		if entry.interval > 0 && now.After(entry.deadline) {
			expired = append(expired, clientID)
		}
	}
	return expired
}

// Interval returns the effective keep-alive interval for a connection.
func (m *KeepAliveMonitor) Interval(clientID string) (uint16, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.entries[clientID]
	if !ok {
		return 0, false
	}
	return entry.interval, true
}

// Count returns the number of tracked connections.
func (m *KeepAliveMonitor) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *KeepAliveMonitor) timeout(interval uint16) time.Duration {
	return time.Duration(float64(interval) * keepAliveGraceFactor * float64(time.Second))
}
