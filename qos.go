package nestmq

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrPacketIDExhausted = errors.New("no available packet IDs")
	ErrPacketIDNotFound  = errors.New("packet ID not found")
)

// PacketIDManager allocates packet IDs (1-65535) for one session and
// one direction. An ID must not be reused until its prior flow reaches
// ACKED or COMPLETE; allocation is sequential with wraparound, skipping
// IDs still in flight.
type PacketIDManager struct {
	mu   sync.Mutex
	used map[uint16]struct{}
	next uint16
}

// NewPacketIDManager creates a new packet ID manager.
func NewPacketIDManager() *PacketIDManager {
	return &PacketIDManager{
		used: make(map[uint16]struct{}),
		next: 1,
	}
}

// Allocate returns the next free packet ID.
func (m *PacketIDManager) Allocate() (uint16, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.used) >= 65535 {
		return 0, ErrPacketIDExhausted
	}

	start := m.next
	for {
		if _, inUse := m.used[m.next]; !inUse {
			id := m.next
			m.used[id] = struct{}{}
			m.advance()
			return id, nil
		}
		m.advance()
		if m.next == start {
			return 0, ErrPacketIDExhausted
		}
	}
}

func (m *PacketIDManager) advance() {
	m.next++
	if m.next == 0 {
		m.next = 1
	}
}

// Release frees a packet ID once its flow completed.
func (m *PacketIDManager) Release(id uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.used[id]; !ok {
		return ErrPacketIDNotFound
	}
	delete(m.used, id)
	return nil
}

// Reserve marks an ID as in use, for flows restored from a persisted
// session.
func (m *PacketIDManager) Reserve(id uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.used[id] = struct{}{}
}

// IsUsed reports whether the ID is currently in flight.
func (m *PacketIDManager) IsUsed(id uint16) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.used[id]
	return ok
}

// InUse returns the count of IDs currently in flight.
func (m *PacketIDManager) InUse() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.used)
}

// QoS1State is the position of a QoS 1 flow.
type QoS1State int

const (
	// QoS1Pending awaits a PUBACK.
	QoS1Pending QoS1State = iota
	// QoS1Acked is terminal; the entry is removed on reaching it.
	QoS1Acked
)

// QoS1Flow is one in-flight QoS 1 message on the sender side.
type QoS1Flow struct {
	PacketID     uint16
	Message      *Message
	State        QoS1State
	SentAt       time.Time
	RetryCount   int
	RetryTimeout time.Duration
}

// QoS1Tracker tracks QoS 1 messages awaiting acknowledgment.
// The now function is the injected time source; retry behavior is
// testable without a real clock.
type QoS1Tracker struct {
	mu           sync.RWMutex
	flows        map[uint16]*QoS1Flow
	retryTimeout time.Duration
	maxRetries   int
	now          func() time.Time
}

// NewQoS1Tracker creates a QoS 1 tracker.
func NewQoS1Tracker(retryTimeout time.Duration, maxRetries int) *QoS1Tracker {
	return &QoS1Tracker{
		flows:        make(map[uint16]*QoS1Flow),
		retryTimeout: retryTimeout,
		maxRetries:   maxRetries,
		now:          time.Now,
	}
}

// Track starts tracking a sent QoS 1 message as PENDING.
func (t *QoS1Tracker) Track(packetID uint16, msg *Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.flows[packetID] = &QoS1Flow{
		PacketID:     packetID,
		Message:      msg,
		State:        QoS1Pending,
		SentAt:       t.now(),
		RetryTimeout: t.retryTimeout,
	}
}

// Acknowledge transitions PENDING -> ACKED on PUBACK and removes the
// flow. Returns false if the packet ID was unknown; a duplicate PUBACK
// is not an error, the caller just ignores it.
func (t *QoS1Tracker) Acknowledge(packetID uint16) (*QoS1Flow, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	flow, ok := t.flows[packetID]
	if !ok {
		return nil, false
	}
	flow.State = QoS1Acked
	delete(t.flows, packetID)
	return flow, true
}

// Get returns a tracked flow.
func (t *QoS1Tracker) Get(packetID uint16) (*QoS1Flow, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	flow, ok := t.flows[packetID]
	return flow, ok
}

// PendingRetries returns flows past their retransmit timeout and bumps
// their retry bookkeeping. Each returned flow should be resent with
// the DUP flag set and the packet ID unchanged.
func (t *QoS1Tracker) PendingRetries() []*QoS1Flow {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var pending []*QoS1Flow
	for _, flow := range t.flows {
		if flow.State != QoS1Pending || flow.RetryCount >= t.maxRetries {
			continue
		}
		if now.Sub(flow.SentAt) > flow.RetryTimeout {
			flow.RetryCount++
			flow.SentAt = now
			pending = append(pending, flow)
		}
	}
	return pending
}

// Remove drops a flow without acknowledging it.
func (t *QoS1Tracker) Remove(packetID uint16) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.flows[packetID]; !ok {
		return false
	}
	delete(t.flows, packetID)
	return true
}

// Count returns the number of tracked flows.
func (t *QoS1Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.flows)
}

// RetryTimeout returns the configured retransmit timeout.
func (t *QoS1Tracker) RetryTimeout() time.Duration {
	return t.retryTimeout
}

// QoS2State is the position of a QoS 2 flow.
type QoS2State int

const (
	// Sender side: PENDING, awaiting PUBREC.
	QoS2AwaitingPubrec QoS2State = iota
	// Sender side: RELEASED, PUBREL sent, awaiting PUBCOMP. The payload
	// copy is no longer needed once this state is reached.
	QoS2AwaitingPubcomp

	// Receiver side: RECEIVED, PUBREC sent, awaiting PUBREL. The payload
	// is held here and delivered exactly once on PUBREL.
	QoS2AwaitingPubrel

	// Terminal on both sides.
	QoS2Complete
)

// QoS2Flow is one in-flight QoS 2 message.
type QoS2Flow struct {
	PacketID     uint16
	Message      *Message
	State        QoS2State
	SentAt       time.Time
	RetryCount   int
	RetryTimeout time.Duration
	Sender       bool
}

// QoS2Tracker drives the 4-step QoS 2 handshake for one session and
// direction. Every step is idempotent: retransmitted control packets
// never cause a second application delivery as long as the flow state
// survives.
type QoS2Tracker struct {
	mu           sync.RWMutex
	flows        map[uint16]*QoS2Flow
	completed    map[uint16]time.Time // answered PUBREL retransmits after completion
	retryTimeout time.Duration
	maxRetries   int
	now          func() time.Time
}

// NewQoS2Tracker creates a QoS 2 tracker.
func NewQoS2Tracker(retryTimeout time.Duration, maxRetries int) *QoS2Tracker {
	return &QoS2Tracker{
		flows:        make(map[uint16]*QoS2Flow),
		completed:    make(map[uint16]time.Time),
		retryTimeout: retryTimeout,
		maxRetries:   maxRetries,
		now:          time.Now,
	}
}

// TrackSend starts a sender-side flow: PENDING, PUBLISH transmitted.
func (t *QoS2Tracker) TrackSend(packetID uint16, msg *Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.flows[packetID] = &QoS2Flow{
		PacketID:     packetID,
		Message:      msg,
		State:        QoS2AwaitingPubrec,
		SentAt:       t.now(),
		RetryTimeout: t.retryTimeout,
		Sender:       true,
	}
}

// TrackReceive starts a receiver-side flow: RECEIVED, payload held for
// delivery on PUBREL. A duplicate PUBLISH with a known packet ID is a
// no-op so the payload is never double-stored; the caller still answers
// with PUBREC.
func (t *QoS2Tracker) TrackReceive(packetID uint16, msg *Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, dup := t.flows[packetID]; dup {
		return false
	}
	if _, done := t.completed[packetID]; done {
		return false
	}

	t.flows[packetID] = &QoS2Flow{
		PacketID:     packetID,
		Message:      msg,
		State:        QoS2AwaitingPubrel,
		SentAt:       t.now(),
		RetryTimeout: t.retryTimeout,
		Sender:       false,
	}
	return true
}

// TrackRelease restores a sender flow that was already past PUBREC
// when the session was persisted: RELEASED, awaiting PUBCOMP.
func (t *QoS2Tracker) TrackRelease(packetID uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.flows[packetID] = &QoS2Flow{
		PacketID:     packetID,
		State:        QoS2AwaitingPubcomp,
		SentAt:       t.now(),
		RetryTimeout: t.retryTimeout,
		Sender:       true,
	}
}

// HandlePubrec advances a sender flow to RELEASED on PUBREC. The payload
// copy is discarded; only the packet ID is needed for PUBREL/PUBCOMP.
func (t *QoS2Tracker) HandlePubrec(packetID uint16) (*QoS2Flow, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	flow, ok := t.flows[packetID]
	if !ok || flow.State != QoS2AwaitingPubrec {
		return nil, false
	}
	flow.State = QoS2AwaitingPubcomp
	flow.Message = nil
	flow.SentAt = t.now()
	flow.RetryCount = 0
	return flow, true
}

// HandlePubrel completes a receiver flow. The first PUBREL for a flow
// returns the held message for exactly-once delivery; any retransmitted
// PUBREL returns (nil, true) so the caller re-answers with PUBCOMP
// without redelivering.
func (t *QoS2Tracker) HandlePubrel(packetID uint16) (*Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, done := t.completed[packetID]; done {
		t.completed[packetID] = t.now()
		return nil, true
	}

	flow, ok := t.flows[packetID]
	if !ok || flow.State != QoS2AwaitingPubrel {
		return nil, false
	}

	msg := flow.Message
	flow.State = QoS2Complete
	delete(t.flows, packetID)
	t.completed[packetID] = t.now()
	return msg, true
}

// HandlePubcomp finishes a sender flow on PUBCOMP.
func (t *QoS2Tracker) HandlePubcomp(packetID uint16) (*QoS2Flow, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	flow, ok := t.flows[packetID]
	if !ok || flow.State != QoS2AwaitingPubcomp {
		return nil, false
	}
	flow.State = QoS2Complete
	delete(t.flows, packetID)
	return flow, true
}

// Get returns a tracked flow.
func (t *QoS2Tracker) Get(packetID uint16) (*QoS2Flow, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	flow, ok := t.flows[packetID]
	return flow, ok
}

// PendingRetries returns flows past their retransmit timeout and bumps
// their retry bookkeeping. The caller retransmits the last outbound
// control packet for each: PUBLISH with DUP while awaiting PUBREC,
// PUBREL while awaiting PUBCOMP, PUBREC while awaiting PUBREL.
func (t *QoS2Tracker) PendingRetries() []*QoS2Flow {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var pending []*QoS2Flow
	for _, flow := range t.flows {
		if flow.RetryCount >= t.maxRetries {
			continue
		}
		if now.Sub(flow.SentAt) > flow.RetryTimeout {
			flow.RetryCount++
			flow.SentAt = now
			pending = append(pending, flow)
		}
	}
	return pending
}

// Remove drops a flow without completing it.
func (t *QoS2Tracker) Remove(packetID uint16) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.flows[packetID]; !ok {
		return false
	}
	delete(t.flows, packetID)
	return true
}

// Count returns the number of tracked flows.
func (t *QoS2Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.flows)
}

// CleanupCompleted forgets completed packet IDs old enough that no
// PUBREL retransmit can still arrive. A sender retransmits PUBREL up to
// maxRetries times, one retryTimeout apart, so the marker is held for
// the full retry schedule plus one interval of slack for a retransmit
// still in flight. Returns the number removed.
func (t *QoS2Tracker) CleanupCompleted() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	retention := t.retryTimeout * time.Duration(t.maxRetries+1)

	count := 0
	now := t.now()
	for packetID, completedAt := range t.completed {
		if now.Sub(completedAt) > retention {
			delete(t.completed, packetID)
			count++
		}
	}
	return count
}

// RetryTimeout returns the configured retransmit timeout.
func (t *QoS2Tracker) RetryTimeout() time.Duration {
	return t.retryTimeout
}
