package nestmq

// WillMessage is the last-will message attached to a session at
// CONNECT time. It is consumed at most once, on abnormal termination.
type WillMessage struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool

	// DelayInterval postpones publication by this many seconds after
	// the abnormal termination. A reconnect during the delay cancels
	// the publication.
	DelayInterval uint32

	// MessageExpiry is the lifetime of the published will in seconds.
	MessageExpiry uint32
}

// ToMessage converts the will into an ordinary message. The will is
// routed through the normal publish path: topic matching, retained
// store update and QoS delivery all apply.
func (w *WillMessage) ToMessage() *Message {
	return &Message{
		Topic:         w.Topic,
		Payload:       w.Payload,
		QoS:           w.QoS,
		Retain:        w.Retain,
		MessageExpiry: w.MessageExpiry,
	}
}

// Validate checks the will topic and QoS before the session arms it.
func (w *WillMessage) Validate() error {
	if err := ValidateTopicName(w.Topic); err != nil {
		return err
	}
	if IsReservedTopic(w.Topic) {
		return ErrInvalidTopicName
	}
	if w.QoS > QoS2 {
		return ErrInvalidQoS
	}
	return nil
}
