package nestmq

import (
	"sync"
	"sync/atomic"
)

// Client is one bound connection on the broker side: the packet
// connection plus the per-connection delivery state. The session it
// references may outlive it; the trackers and flow controllers do not.
type Client struct {
	conn     PacketConn
	clientID string
	username string

	keepAlive      uint16
	expiryInterval uint32

	session   Session
	sessionMu sync.RWMutex

	// Outbound QoS state, broker acting as sender.
	qos1 *QoS1Tracker
	qos2 *QoS2Tracker

	// Inbound QoS 2 state, broker acting as receiver.
	recvQoS2 *QoS2Tracker

	// outFlow enforces the client's Receive Maximum on deliveries to it;
	// inFlow enforces the broker's on publishes from it.
	outFlow *FlowController
	inFlow  *FlowController

	// writeMu serializes packet writes so interleaved deliveries and
	// acks never corrupt per-recipient ordering.
	writeMu sync.Mutex

	connected atomic.Bool
	graceful  atomic.Bool
	takenOver atomic.Bool
	closeOnce sync.Once
}

// ClientID returns the client identifier the connection is bound to.
func (c *Client) ClientID() string {
	return c.clientID
}

// Username returns the username presented at connect, if any.
func (c *Client) Username() string {
	return c.username
}

// KeepAlive returns the effective keep-alive interval in seconds.
func (c *Client) KeepAlive() uint16 {
	return c.keepAlive
}

// ExpiryInterval returns the session expiry interval in seconds.
func (c *Client) ExpiryInterval() uint32 {
	return c.expiryInterval
}

// Session returns the session bound to this connection.
func (c *Client) Session() Session {
	c.sessionMu.RLock()
	defer c.sessionMu.RUnlock()
	return c.session
}

// IsConnected reports whether the connection is still live.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Send delivers an application message to the client, driving the
// outbound QoS machinery. QoS 1 and 2 messages consume a flow-control
// slot and a packet ID, and are recorded in the session before the
// write so a crash between the two never loses an in-flight message.
func (c *Client) Send(msg *Message) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}

	if msg.QoS == QoS0 {
		return c.writePacket(&PublishPacket{
			Topic:         msg.Topic,
			Payload:       msg.Payload,
			QoS:           QoS0,
			Retain:        msg.Retain,
			MessageExpiry: msg.MessageExpiry,
		})
	}

	if !c.outFlow.TryAcquire() {
		return ErrQuotaExceeded
	}

	session := c.Session()
	packetID := session.NextPacketID()
	if packetID == 0 {
		c.outFlow.Release()
		return ErrPacketIDExhausted
	}

	session.PutInflight(&InflightMessage{
		PacketID:  packetID,
		Message:   msg,
		QoS:       msg.QoS,
		Direction: DirectionOutbound,
		State:     InflightPending,
	})

	switch msg.QoS {
	case QoS1:
		c.qos1.Track(packetID, msg)
	case QoS2:
		c.qos2.TrackSend(packetID, msg)
	}

	pkt := &PublishPacket{
		PacketID:      packetID,
		Topic:         msg.Topic,
		Payload:       msg.Payload,
		QoS:           msg.QoS,
		Retain:        msg.Retain,
		MessageExpiry: msg.MessageExpiry,
	}
	if err := c.writePacket(pkt); err != nil {
		switch msg.QoS {
		case QoS1:
			c.qos1.Remove(packetID)
		case QoS2:
			c.qos2.Remove(packetID)
		}
		session.RemoveInflight(DirectionOutbound, packetID)
		c.outFlow.Release()
		return err
	}
	return nil
}

// resendInflight retransmits a persisted outbound flow after a session
// resume: a PUBLISH with DUP for PENDING flows, a PUBREL for flows
// already past PUBREC.
func (c *Client) resendInflight(inflight *InflightMessage) error {
	if !c.outFlow.TryAcquire() {
		return ErrQuotaExceeded
	}

	if inflight.State == InflightReleased {
		c.qos2.TrackRelease(inflight.PacketID)
		return c.writePacket(&PubrelPacket{PacketID: inflight.PacketID})
	}

	msg := inflight.Message
	switch inflight.QoS {
	case QoS1:
		c.qos1.Track(inflight.PacketID, msg)
	case QoS2:
		c.qos2.TrackSend(inflight.PacketID, msg)
	}
	return c.writePacket(&PublishPacket{
		PacketID:      inflight.PacketID,
		Topic:         msg.Topic,
		Payload:       msg.Payload,
		QoS:           inflight.QoS,
		Retain:        msg.Retain,
		DUP:           true,
		MessageExpiry: msg.MessageExpiry,
	})
}

func (c *Client) writePacket(pkt Packet) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WritePacket(pkt)
}

// Disconnect sends a DISCONNECT with the given reason and closes the
// connection. Write errors are ignored; the close is what matters.
func (c *Client) Disconnect(code ReasonCode) {
	if c.connected.Load() {
		_ = c.writePacket(&DisconnectPacket{ReasonCode: code})
	}
	c.Close()
}

// Close tears down the connection without a DISCONNECT packet.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.connected.Store(false)
		_ = c.conn.Close()
	})
}
