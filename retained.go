package nestmq

import "time"

// RetainedMessage is the last retained publish for one exact topic.
type RetainedMessage struct {
	Topic   string
	Payload []byte
	QoS     byte

	// StoredAt is when the message was retained.
	StoredAt time.Time

	// ExpiresAt is when the entry becomes eligible for eviction.
	// Zero means it never expires.
	ExpiresAt time.Time
}

// IsExpired returns true if the entry's message expiry has elapsed.
func (m *RetainedMessage) IsExpired() bool {
	if m.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().After(m.ExpiresAt)
}

// RemainingExpiry returns the seconds left before the entry expires,
// for forwarding as the message expiry on delivery. Zero means no
// expiry.
func (m *RetainedMessage) RemainingExpiry() uint32 {
	if m.ExpiresAt.IsZero() {
		return 0
	}
	left := time.Until(m.ExpiresAt)
	if left <= 0 {
		return 0
	}
	return uint32(left / time.Second)
}

// RetainedStore holds at most one retained message per exact topic.
//
// Set followed by a matching Get or Match must observe the new value:
// implementations may not reorder or cache over per-topic updates.
type RetainedStore interface {
	// Set stores or replaces the retained message for its topic.
	// An empty payload deletes the entry.
	Set(msg *RetainedMessage) error

	// Get retrieves the retained message for an exact topic.
	Get(topic string) (*RetainedMessage, bool)

	// Delete removes the entry for a topic.
	Delete(topic string) bool

	// Match returns all retained messages whose topic matches the
	// filter, in unspecified order. Used when a subscription is
	// installed.
	Match(filter string) []*RetainedMessage

	// Clear removes all retained messages.
	Clear()

	// Count returns the number of retained messages.
	Count() int

	// Topics returns all topics holding a retained message.
	Topics() []string
}
