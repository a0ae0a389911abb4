package nestmq

import (
	"sync"
	"time"
)

// DefaultMaxQueuedMessages bounds the offline queue of a persistent
// session. Beyond it, Enqueue returns ErrQuotaExceeded.
const DefaultMaxQueuedMessages = 1000

// MemorySession is the in-memory implementation of Session.
type MemorySession struct {
	mu             sync.RWMutex
	clientID       string
	subscriptions  map[string]Subscription
	inflight       [2]map[uint16]*InflightMessage // indexed by direction
	queue          []*Message
	maxQueued      int
	packetID       uint16
	expiryInterval uint32
	deadline       time.Time
	createdAt      time.Time
}

// NewMemorySession creates an in-memory session.
func NewMemorySession(clientID string) *MemorySession {
	s := &MemorySession{
		clientID:      clientID,
		subscriptions: make(map[string]Subscription),
		maxQueued:     DefaultMaxQueuedMessages,
		createdAt:     time.Now(),
	}
	s.inflight[DirectionOutbound] = make(map[uint16]*InflightMessage)
	s.inflight[DirectionInbound] = make(map[uint16]*InflightMessage)
	return s
}

// SetMaxQueuedMessages overrides the offline queue limit.
func (s *MemorySession) SetMaxQueuedMessages(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxQueued = n
}

func (s *MemorySession) ClientID() string {
	return s.clientID
}

func (s *MemorySession) Subscriptions() []Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()

	subs := make([]Subscription, 0, len(s.subscriptions))
	for _, sub := range s.subscriptions {
		subs = append(subs, sub)
	}
	return subs
}

func (s *MemorySession) AddSubscription(sub Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[sub.TopicFilter] = sub
}

func (s *MemorySession) RemoveSubscription(filter string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subscriptions[filter]; !ok {
		return false
	}
	delete(s.subscriptions, filter)
	return true
}

// NextPacketID allocates sequentially with wraparound, skipping IDs
// still in flight in the outbound direction.
func (s *MemorySession) NextPacketID() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := 0; i < 65535; i++ {
		s.packetID++
		if s.packetID == 0 {
			s.packetID = 1
		}
		if _, inUse := s.inflight[DirectionOutbound][s.packetID]; !inUse {
			return s.packetID
		}
	}

	// Entire ID space in flight. Flow control makes this unreachable in
	// practice; zero tells the caller to reject the publish.
	return 0
}

func (s *MemorySession) PutInflight(msg *InflightMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight[msg.Direction][msg.PacketID] = msg
}

func (s *MemorySession) GetInflight(dir InflightDirection, packetID uint16) (*InflightMessage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.inflight[dir][packetID]
	return msg, ok
}

func (s *MemorySession) RemoveInflight(dir InflightDirection, packetID uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.inflight[dir][packetID]; !ok {
		return false
	}
	delete(s.inflight[dir], packetID)
	return true
}

func (s *MemorySession) Inflight(dir InflightDirection) []*InflightMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := make([]*InflightMessage, 0, len(s.inflight[dir]))
	for _, msg := range s.inflight[dir] {
		msgs = append(msgs, msg)
	}
	return msgs
}

func (s *MemorySession) Enqueue(msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.maxQueued > 0 && len(s.queue) >= s.maxQueued {
		return ErrQuotaExceeded
	}
	s.queue = append(s.queue, msg)
	return nil
}

func (s *MemorySession) DequeueAll() []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	queued := s.queue
	s.queue = nil
	return queued
}

func (s *MemorySession) QueueLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.queue)
}

func (s *MemorySession) ExpiryInterval() uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expiryInterval
}

func (s *MemorySession) SetExpiryInterval(seconds uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expiryInterval = seconds
}

func (s *MemorySession) Deadline() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deadline
}

func (s *MemorySession) SetDeadline(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadline = t
}

func (s *MemorySession) IsExpired() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.deadline.IsZero() {
		return false
	}
	return time.Now().After(s.deadline)
}

func (s *MemorySession) CreatedAt() time.Time {
	return s.createdAt
}

// MemorySessionStore is the in-memory implementation of SessionStore.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

// NewMemorySessionStore creates an empty in-memory session store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string]Session),
	}
}

// Create stores a new session.
func (s *MemorySessionStore) Create(session Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[session.ClientID()]; ok {
		return ErrSessionExists
	}
	s.sessions[session.ClientID()] = session
	return nil
}

// Get retrieves a session by client ID.
func (s *MemorySessionStore) Get(clientID string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[clientID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session, nil
}

// Update is a no-op for the memory store: sessions mutate in place.
func (s *MemorySessionStore) Update(session Session) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.sessions[session.ClientID()]; !ok {
		return ErrSessionNotFound
	}
	return nil
}

// Delete destroys a session by client ID.
func (s *MemorySessionStore) Delete(clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[clientID]; !ok {
		return ErrSessionNotFound
	}
	delete(s.sessions, clientID)
	return nil
}

// List returns all sessions.
func (s *MemorySessionStore) List() []Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions := make([]Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, session)
	}
	return sessions
}

// ExpireSweep destroys sessions past their deadline and returns their
// client IDs.
func (s *MemorySessionStore) ExpireSweep(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []string
	for clientID, session := range s.sessions {
		deadline := session.Deadline()
		if !deadline.IsZero() && now.After(deadline) {
			expired = append(expired, clientID)
			delete(s.sessions, clientID)
		}
	}
	return expired
}

// Count returns the number of stored sessions.
func (s *MemorySessionStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
