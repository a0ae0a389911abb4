package nestmq

import (
	"sync"
	"time"
)

// WillEntry is a will scheduled for publication.
type WillEntry struct {
	ClientID string
	Will     *WillMessage

	// PublishAt is when the will fires (termination time plus delay).
	PublishAt time.Time

	// SessionExpiry is the session's own deadline. The will must fire
	// no later than this, delay or not.
	SessionExpiry time.Time
}

// WillManager arms wills at CONNECT, disarms them on graceful
// DISCONNECT, and schedules firing on abnormal termination.
//
// Arm, Disarm, Trigger and CancelPending are serialized on one lock so
// the race between a pending fire and a reconnect resolves
// deterministically: whichever wins, the will fires at most once.
type WillManager struct {
	mu      sync.RWMutex
	armed   map[string]*WillMessage // armed while the connection lives
	pending map[string]*WillEntry   // scheduled after abnormal termination
	now     func() time.Time
}

// NewWillManager creates a will manager.
func NewWillManager() *WillManager {
	return &WillManager{
		armed:   make(map[string]*WillMessage),
		pending: make(map[string]*WillEntry),
		now:     time.Now,
	}
}

// Arm registers a will for a client. A reconnect arms the new will and
// cancels any fire still pending from the previous connection.
func (m *WillManager) Arm(clientID string, will *WillMessage) {
	if will == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.armed[clientID] = will
	delete(m.pending, clientID)
}

// Disarm clears the will on graceful disconnect. The will is never
// published.
func (m *WillManager) Disarm(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.armed, clientID)
	delete(m.pending, clientID)
}

// Trigger moves an armed will to pending on abnormal termination.
// Returns nil when no will is armed. The caller publishes entries that
// are already ready; delayed entries fire from the sweep loop unless a
// reconnect cancels them first.
func (m *WillManager) Trigger(clientID string, sessionExpiry time.Duration) *WillEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	will, ok := m.armed[clientID]
	if !ok {
		return nil
	}
	delete(m.armed, clientID)

	now := m.now()
	publishAt := now
	if will.DelayInterval > 0 {
		publishAt = now.Add(time.Duration(will.DelayInterval) * time.Second)
	}

	var expiry time.Time
	if sessionExpiry > 0 {
		expiry = now.Add(sessionExpiry)
		// The will fires no later than session expiry.
		if publishAt.After(expiry) {
			publishAt = expiry
		}
	} else {
		// The session dies with the connection; any delay collapses.
		publishAt = now
	}

	entry := &WillEntry{
		ClientID:      clientID,
		Will:          will,
		PublishAt:     publishAt,
		SessionExpiry: expiry,
	}
	m.pending[clientID] = entry
	return entry
}

// CancelPending cancels a scheduled will because the client
// reconnected during the delay window.
func (m *WillManager) CancelPending(clientID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.pending[clientID]; !ok {
		return false
	}
	delete(m.pending, clientID)
	return true
}

// TakeReady removes and returns every pending will whose publish time
// has arrived.
func (m *WillManager) TakeReady() []*WillEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var ready []*WillEntry
	for clientID, entry := range m.pending {
		if !now.Before(entry.PublishAt) {
			ready = append(ready, entry)
			delete(m.pending, clientID)
		}
	}
	return ready
}

// TakePending removes and returns the pending will for one client, if
// any. Used when session expiry consumes the will ahead of its delay.
func (m *WillManager) TakePending(clientID string) *WillEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.pending[clientID]
	if !ok {
		return nil
	}
	delete(m.pending, clientID)
	return entry
}

// IsArmed reports whether a client has an armed will.
func (m *WillManager) IsArmed(clientID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.armed[clientID]
	return ok
}

// HasPending reports whether a client has a scheduled will.
func (m *WillManager) HasPending(clientID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.pending[clientID]
	return ok
}

// ArmedCount returns the number of armed wills.
func (m *WillManager) ArmedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.armed)
}

// PendingCount returns the number of scheduled wills.
func (m *WillManager) PendingCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pending)
}
