package nestmq

import "errors"

var (
	ErrInvalidQoS   = errors.New("invalid QoS level")
	ErrNotConnected = errors.New("client not connected")
)

// QoS levels.
const (
	// QoS0 is at most once delivery.
	QoS0 byte = 0
	// QoS1 is at least once delivery.
	QoS1 byte = 1
	// QoS2 is exactly once delivery.
	QoS2 byte = 2
)

// PacketType identifies a control packet.
type PacketType byte

const (
	PacketCONNECT     PacketType = 1
	PacketCONNACK     PacketType = 2
	PacketPUBLISH     PacketType = 3
	PacketPUBACK      PacketType = 4
	PacketPUBREC      PacketType = 5
	PacketPUBREL      PacketType = 6
	PacketPUBCOMP     PacketType = 7
	PacketSUBSCRIBE   PacketType = 8
	PacketSUBACK      PacketType = 9
	PacketUNSUBSCRIBE PacketType = 10
	PacketUNSUBACK    PacketType = 11
	PacketPINGREQ     PacketType = 12
	PacketPINGRESP    PacketType = 13
	PacketDISCONNECT  PacketType = 14
)

// String returns the packet type name.
func (t PacketType) String() string {
	switch t {
	case PacketCONNECT:
		return "CONNECT"
	case PacketCONNACK:
		return "CONNACK"
	case PacketPUBLISH:
		return "PUBLISH"
	case PacketPUBACK:
		return "PUBACK"
	case PacketPUBREC:
		return "PUBREC"
	case PacketPUBREL:
		return "PUBREL"
	case PacketPUBCOMP:
		return "PUBCOMP"
	case PacketSUBSCRIBE:
		return "SUBSCRIBE"
	case PacketSUBACK:
		return "SUBACK"
	case PacketUNSUBSCRIBE:
		return "UNSUBSCRIBE"
	case PacketUNSUBACK:
		return "UNSUBACK"
	case PacketPINGREQ:
		return "PINGREQ"
	case PacketPINGRESP:
		return "PINGRESP"
	case PacketDISCONNECT:
		return "DISCONNECT"
	default:
		return "UNKNOWN"
	}
}

// Packet is a control packet already parsed by an external codec.
// The engine never sees wire bytes; framing and encoding live behind
// the PacketConn interface.
type Packet interface {
	// Type returns the packet type.
	Type() PacketType
}

// ConnectPacket opens or resumes a session.
type ConnectPacket struct {
	ClientID string

	// CleanStart discards any persisted session for this client ID.
	CleanStart bool

	// KeepAlive is the negotiated keep-alive interval in seconds.
	// Zero disables the keep-alive timeout.
	KeepAlive uint16

	// SessionExpiryInterval is how long, in seconds, the session outlives
	// the connection. Zero destroys the session on disconnect.
	SessionExpiryInterval uint32

	// ReceiveMaximum limits the number of unacknowledged QoS 1/2
	// publishes the broker may have outstanding toward this client.
	// Zero means the protocol default of 65535.
	ReceiveMaximum uint16

	// Username carries the identity for the external authorizer.
	Username string

	// Will, if non-nil, is armed for the lifetime of the connection.
	Will *WillMessage
}

func (p *ConnectPacket) Type() PacketType { return PacketCONNECT }

// ConnackPacket acknowledges a CONNECT.
type ConnackPacket struct {
	SessionPresent bool
	ReasonCode     ReasonCode

	// AssignedClientID is set when the client connected with an empty
	// client ID and the broker generated one.
	AssignedClientID string

	// ServerKeepAlive is the keep-alive the broker enforces when it
	// overrides the client's requested value. Zero means no override.
	ServerKeepAlive uint16

	// ReceiveMaximum is the broker's inbound quota for this client.
	ReceiveMaximum uint16
}

func (p *ConnackPacket) Type() PacketType { return PacketCONNACK }

// PublishPacket carries an application message in either direction.
type PublishPacket struct {
	// PacketID is set for QoS 1 and 2 only.
	PacketID uint16

	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool

	// DUP marks a retransmission of an earlier PUBLISH with the same
	// packet ID.
	DUP bool

	// MessageExpiry is the message lifetime in seconds. Zero means no
	// expiry.
	MessageExpiry uint32
}

func (p *PublishPacket) Type() PacketType { return PacketPUBLISH }

// ToMessage converts the packet into an application message.
func (p *PublishPacket) ToMessage() *Message {
	return &Message{
		Topic:         p.Topic,
		Payload:       p.Payload,
		QoS:           p.QoS,
		Retain:        p.Retain,
		MessageExpiry: p.MessageExpiry,
	}
}

// PubackPacket acknowledges a QoS 1 PUBLISH.
type PubackPacket struct {
	PacketID   uint16
	ReasonCode ReasonCode
}

func (p *PubackPacket) Type() PacketType { return PacketPUBACK }

// PubrecPacket is the first acknowledgment of a QoS 2 PUBLISH.
type PubrecPacket struct {
	PacketID   uint16
	ReasonCode ReasonCode
}

func (p *PubrecPacket) Type() PacketType { return PacketPUBREC }

// PubrelPacket releases a QoS 2 flow for delivery.
type PubrelPacket struct {
	PacketID   uint16
	ReasonCode ReasonCode
}

func (p *PubrelPacket) Type() PacketType { return PacketPUBREL }

// PubcompPacket completes a QoS 2 flow.
type PubcompPacket struct {
	PacketID   uint16
	ReasonCode ReasonCode
}

func (p *PubcompPacket) Type() PacketType { return PacketPUBCOMP }

// SubscribePacket installs one or more subscriptions.
type SubscribePacket struct {
	PacketID      uint16
	Subscriptions []Subscription
}

func (p *SubscribePacket) Type() PacketType { return PacketSUBSCRIBE }

// SubackPacket reports the granted QoS, or a failure code, per filter.
type SubackPacket struct {
	PacketID    uint16
	ReasonCodes []ReasonCode
}

func (p *SubackPacket) Type() PacketType { return PacketSUBACK }

// UnsubscribePacket removes subscriptions by filter.
type UnsubscribePacket struct {
	PacketID     uint16
	TopicFilters []string
}

func (p *UnsubscribePacket) Type() PacketType { return PacketUNSUBSCRIBE }

// UnsubackPacket reports the result per removed filter.
type UnsubackPacket struct {
	PacketID    uint16
	ReasonCodes []ReasonCode
}

func (p *UnsubackPacket) Type() PacketType { return PacketUNSUBACK }

// PingreqPacket is a keep-alive probe.
type PingreqPacket struct{}

func (p *PingreqPacket) Type() PacketType { return PacketPINGREQ }

// PingrespPacket answers a PINGREQ.
type PingrespPacket struct{}

func (p *PingrespPacket) Type() PacketType { return PacketPINGRESP }

// DisconnectPacket ends a connection. A client-sent DISCONNECT is a
// graceful termination and disarms the will.
type DisconnectPacket struct {
	ReasonCode ReasonCode
}

func (p *DisconnectPacket) Type() PacketType { return PacketDISCONNECT }

// Message represents an application message as it moves through the
// delivery engine.
type Message struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool

	// MessageExpiry is the message lifetime in seconds. Zero means no
	// expiry.
	MessageExpiry uint32
}

// Clone creates a deep copy of the message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}

	clone := &Message{
		Topic:         m.Topic,
		QoS:           m.QoS,
		Retain:        m.Retain,
		MessageExpiry: m.MessageExpiry,
	}

	if m.Payload != nil {
		clone.Payload = make([]byte, len(m.Payload))
		copy(clone.Payload, m.Payload)
	}

	return clone
}
