package nestmq

import (
	"errors"
	"time"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExists   = errors.New("session already exists")
)

// InflightDirection distinguishes the two packet ID scopes of a
// session. IDs are unique per session and direction at any instant.
type InflightDirection byte

const (
	// DirectionOutbound covers messages the broker sends to the client.
	DirectionOutbound InflightDirection = 0
	// DirectionInbound covers messages the client sends to the broker.
	DirectionInbound InflightDirection = 1
)

// InflightState is the durable state machine position of an in-flight
// message. QoS 2 positions must survive a reconnect when the session is
// persistent.
type InflightState byte

const (
	// InflightPending awaits PUBACK (QoS 1) or PUBREC (QoS 2, sender).
	InflightPending InflightState = 0
	// InflightReceived holds a QoS 2 payload awaiting PUBREL (receiver).
	InflightReceived InflightState = 1
	// InflightReleased awaits PUBCOMP (QoS 2, sender); the payload copy
	// is already discarded.
	InflightReleased InflightState = 2
)

// InflightMessage is one entry in a session's in-flight table.
type InflightMessage struct {
	PacketID  uint16
	Message   *Message // nil once the state no longer needs the payload
	QoS       byte
	Direction InflightDirection
	State     InflightState
}

// Session is the durable per-client state that may outlive a single
// network connection.
type Session interface {
	// ClientID returns the client identifier, the session's primary key.
	ClientID() string

	// Subscriptions returns a copy of all subscriptions.
	Subscriptions() []Subscription

	// AddSubscription adds or replaces a subscription.
	AddSubscription(sub Subscription)

	// RemoveSubscription removes a subscription by filter.
	RemoveSubscription(filter string) bool

	// NextPacketID allocates an outbound packet ID, skipping IDs still
	// in flight. Returns zero when the ID space is exhausted.
	NextPacketID() uint16

	// PutInflight stores or updates an in-flight entry.
	PutInflight(msg *InflightMessage)

	// GetInflight retrieves an in-flight entry.
	GetInflight(dir InflightDirection, packetID uint16) (*InflightMessage, bool)

	// RemoveInflight removes an in-flight entry, freeing its packet ID
	// for reuse.
	RemoveInflight(dir InflightDirection, packetID uint16) bool

	// Inflight returns all in-flight entries for one direction.
	Inflight(dir InflightDirection) []*InflightMessage

	// Enqueue appends a message to the offline queue. Returns
	// ErrQuotaExceeded once the configured queue limit is reached.
	Enqueue(msg *Message) error

	// DequeueAll drains the offline queue in FIFO order.
	DequeueAll() []*Message

	// QueueLen returns the offline queue depth.
	QueueLen() int

	// ExpiryInterval returns the session expiry interval in seconds.
	ExpiryInterval() uint32

	// SetExpiryInterval sets the session expiry interval.
	SetExpiryInterval(seconds uint32)

	// Deadline returns the absolute expiry deadline. The zero time
	// means no deadline is armed (the session has a live connection).
	Deadline() time.Time

	// SetDeadline arms or clears the expiry deadline.
	SetDeadline(t time.Time)

	// IsExpired reports whether the deadline has elapsed.
	IsExpired() bool

	// CreatedAt returns when the session was created.
	CreatedAt() time.Time
}

// SessionStore persists sessions beyond a single connection. The
// backing implementation is pluggable: memory, embedded KV, or an
// external database.
type SessionStore interface {
	// Create stores a new session.
	Create(session Session) error

	// Get retrieves a session by client ID.
	Get(clientID string) (Session, error)

	// Update persists session mutations.
	Update(session Session) error

	// Delete destroys a session by client ID.
	Delete(clientID string) error

	// List returns all sessions.
	List() []Session

	// ExpireSweep destroys every session whose deadline elapsed before
	// now and returns their client IDs.
	ExpireSweep(now time.Time) []string
}

// SessionFactory creates Session instances for a store.
type SessionFactory func(clientID string) Session

// DefaultSessionFactory creates MemorySession instances.
func DefaultSessionFactory() SessionFactory {
	return func(clientID string) Session {
		return NewMemorySession(clientID)
	}
}

// ResumeOrCreate implements CONNECT session semantics. With clean set,
// any persisted session is discarded and a fresh one created; the
// returned bool is false. Otherwise an existing session is resumed and
// the bool reports whether one was present.
func ResumeOrCreate(store SessionStore, factory SessionFactory, clientID string, clean bool) (Session, bool, error) {
	if clean {
		if err := store.Delete(clientID); err != nil && !errors.Is(err, ErrSessionNotFound) {
			return nil, false, err
		}
		session := factory(clientID)
		if err := store.Create(session); err != nil {
			return nil, false, err
		}
		return session, false, nil
	}

	if existing, err := store.Get(clientID); err == nil {
		// Binding a connection clears the armed expiry deadline.
		existing.SetDeadline(time.Time{})
		return existing, true, nil
	} else if !errors.Is(err, ErrSessionNotFound) {
		return nil, false, err
	}

	session := factory(clientID)
	if err := store.Create(session); err != nil {
		return nil, false, err
	}
	return session, false, nil
}
