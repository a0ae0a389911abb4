package nestmq

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// dial connects a pipe to the broker and completes the CONNECT
// handshake.
func dial(t *testing.T, b *Broker, connect *ConnectPacket) (*PipeConn, *ConnackPacket) {
	t.Helper()

	client, server := NewPipe()
	go func() { _ = b.ServeConn(server) }()

	require.NoError(t, client.WritePacket(connect))
	pkt, err := client.ReadPacket()
	require.NoError(t, err)
	connack, ok := pkt.(*ConnackPacket)
	require.True(t, ok, "expected CONNACK, got %T", pkt)
	return client, connack
}

func dialOK(t *testing.T, b *Broker, connect *ConnectPacket) *PipeConn {
	t.Helper()
	conn, connack := dial(t, b, connect)
	require.Equal(t, ReasonSuccess, connack.ReasonCode)
	return conn
}

func subscribe(t *testing.T, conn *PipeConn, packetID uint16, subs ...Subscription) *SubackPacket {
	t.Helper()
	require.NoError(t, conn.WritePacket(&SubscribePacket{PacketID: packetID, Subscriptions: subs}))
	pkt, err := conn.ReadPacket()
	require.NoError(t, err)
	suback, ok := pkt.(*SubackPacket)
	require.True(t, ok, "expected SUBACK, got %T", pkt)
	return suback
}

func readPublish(t *testing.T, conn *PipeConn) *PublishPacket {
	t.Helper()
	pkt, err := conn.ReadPacket()
	require.NoError(t, err)
	pub, ok := pkt.(*PublishPacket)
	require.True(t, ok, "expected PUBLISH, got %T", pkt)
	return pub
}

func waitDisconnected(t *testing.T, b *Broker, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return b.ConnectedClients() == want
	}, time.Second, 5*time.Millisecond)
}

func TestBrokerConnect(t *testing.T) {
	t.Run("clean start has no session present", func(t *testing.T) {
		b := NewBroker()
		_, connack := dial(t, b, &ConnectPacket{ClientID: "c1", CleanStart: true})
		assert.Equal(t, ReasonSuccess, connack.ReasonCode)
		assert.False(t, connack.SessionPresent)
	})

	t.Run("empty client id gets an assigned one", func(t *testing.T) {
		b := NewBroker()
		_, connack := dial(t, b, &ConnectPacket{CleanStart: true})
		assert.NotEmpty(t, connack.AssignedClientID)
	})

	t.Run("persistent session is resumed", func(t *testing.T) {
		b := NewBroker()
		conn := dialOK(t, b, &ConnectPacket{ClientID: "c1", SessionExpiryInterval: 300})
		require.NoError(t, conn.WritePacket(&DisconnectPacket{ReasonCode: ReasonSuccess}))
		waitDisconnected(t, b, 0)

		_, connack := dial(t, b, &ConnectPacket{ClientID: "c1", SessionExpiryInterval: 300})
		assert.True(t, connack.SessionPresent)
	})

	t.Run("zero expiry destroys the session on disconnect", func(t *testing.T) {
		b := NewBroker()
		conn := dialOK(t, b, &ConnectPacket{ClientID: "c1"})
		subscribe(t, conn, 1, Subscription{TopicFilter: "a/+", QoS: 1})
		require.NoError(t, conn.WritePacket(&DisconnectPacket{ReasonCode: ReasonSuccess}))
		require.Eventually(t, func() bool {
			return b.SessionCount() == 0 && b.subs.Count() == 0
		}, time.Second, 5*time.Millisecond)

		_, connack := dial(t, b, &ConnectPacket{ClientID: "c1"})
		assert.False(t, connack.SessionPresent)
	})

	t.Run("first packet must be connect", func(t *testing.T) {
		b := NewBroker()
		client, server := NewPipe()
		errCh := make(chan error, 1)
		go func() { errCh <- b.ServeConn(server) }()

		require.NoError(t, client.WritePacket(&PingreqPacket{}))
		assert.Error(t, <-errCh)
	})

	t.Run("keep alive override echoed", func(t *testing.T) {
		b := NewBroker(WithKeepAliveOverride(30))
		_, connack := dial(t, b, &ConnectPacket{ClientID: "c1", KeepAlive: 300})
		assert.Equal(t, uint16(30), connack.ServerKeepAlive)
	})

	t.Run("connection limit", func(t *testing.T) {
		b := NewBroker(WithMaxConnections(1))
		dialOK(t, b, &ConnectPacket{ClientID: "c1"})

		_, connack := dial(t, b, &ConnectPacket{ClientID: "c2"})
		assert.Equal(t, ReasonServerBusy, connack.ReasonCode)
	})

	t.Run("connect rate limit", func(t *testing.T) {
		b := NewBroker(WithConnectRateLimit(0.001, 1))
		dialOK(t, b, &ConnectPacket{ClientID: "c1"})

		_, connack := dial(t, b, &ConnectPacket{ClientID: "c2"})
		assert.Equal(t, ReasonConnectionRateExceeded, connack.ReasonCode)
	})
}

func TestBrokerPublishSubscribe(t *testing.T) {
	t.Run("qos0 fan-out", func(t *testing.T) {
		b := NewBroker()
		sub := dialOK(t, b, &ConnectPacket{ClientID: "sub"})
		suback := subscribe(t, sub, 1, Subscription{TopicFilter: "sensor/+", QoS: 0})
		assert.Equal(t, []ReasonCode{ReasonSuccess}, suback.ReasonCodes)

		pub := dialOK(t, b, &ConnectPacket{ClientID: "pub"})
		require.NoError(t, pub.WritePacket(&PublishPacket{Topic: "sensor/temp", Payload: []byte("21.5")}))

		got := readPublish(t, sub)
		assert.Equal(t, "sensor/temp", got.Topic)
		assert.Equal(t, []byte("21.5"), got.Payload)
		assert.Equal(t, QoS0, got.QoS)
	})

	t.Run("delivery qos is min of publish and subscription", func(t *testing.T) {
		b := NewBroker()
		sub := dialOK(t, b, &ConnectPacket{ClientID: "sub"})
		suback := subscribe(t, sub, 1, Subscription{TopicFilter: "a/+", QoS: 1})
		assert.Equal(t, []ReasonCode{ReasonGrantedQoS1}, suback.ReasonCodes)

		pub := dialOK(t, b, &ConnectPacket{ClientID: "pub"})
		require.NoError(t, pub.WritePacket(&PublishPacket{PacketID: 9, Topic: "a/b", Payload: []byte("x"), QoS: 2}))

		got := readPublish(t, sub)
		assert.Equal(t, QoS1, got.QoS)
	})

	t.Run("qos1 publisher is acknowledged", func(t *testing.T) {
		b := NewBroker()
		pub := dialOK(t, b, &ConnectPacket{ClientID: "pub"})
		require.NoError(t, pub.WritePacket(&PublishPacket{PacketID: 7, Topic: "a/b", Payload: []byte("x"), QoS: 1}))

		pkt, err := pub.ReadPacket()
		require.NoError(t, err)
		puback, ok := pkt.(*PubackPacket)
		require.True(t, ok)
		assert.Equal(t, uint16(7), puback.PacketID)
		assert.Equal(t, ReasonNoMatchingSubscribers, puback.ReasonCode)
	})

	t.Run("reserved topic publish rejected", func(t *testing.T) {
		b := NewBroker()
		pub := dialOK(t, b, &ConnectPacket{ClientID: "pub"})
		require.NoError(t, pub.WritePacket(&PublishPacket{PacketID: 1, Topic: "$SYS/x", Payload: []byte("x"), QoS: 1}))

		pkt, err := pub.ReadPacket()
		require.NoError(t, err)
		puback := pkt.(*PubackPacket)
		assert.Equal(t, ReasonNotAuthorized, puback.ReasonCode)
	})

	t.Run("unsubscribe stops delivery", func(t *testing.T) {
		b := NewBroker()
		sub := dialOK(t, b, &ConnectPacket{ClientID: "sub"})
		subscribe(t, sub, 1, Subscription{TopicFilter: "a/+", QoS: 0})

		require.NoError(t, sub.WritePacket(&UnsubscribePacket{PacketID: 2, TopicFilters: []string{"a/+", "never"}}))
		pkt, err := sub.ReadPacket()
		require.NoError(t, err)
		unsuback := pkt.(*UnsubackPacket)
		assert.Equal(t, []ReasonCode{ReasonSuccess, ReasonNoSubscriptionExisted}, unsuback.ReasonCodes)
		assert.Equal(t, 0, b.subs.Count())
	})

	t.Run("ping", func(t *testing.T) {
		b := NewBroker()
		conn := dialOK(t, b, &ConnectPacket{ClientID: "c1"})
		require.NoError(t, conn.WritePacket(&PingreqPacket{}))

		pkt, err := conn.ReadPacket()
		require.NoError(t, err)
		assert.IsType(t, &PingrespPacket{}, pkt)
	})
}

func TestBrokerQoS2ExactlyOnce(t *testing.T) {
	b := NewBroker()
	sub := dialOK(t, b, &ConnectPacket{ClientID: "sub"})
	subscribe(t, sub, 1, Subscription{TopicFilter: "orders/+", QoS: 0})

	pub := dialOK(t, b, &ConnectPacket{ClientID: "pub"})

	// PUBLISH is held, not delivered.
	require.NoError(t, pub.WritePacket(&PublishPacket{PacketID: 5, Topic: "orders/1", Payload: []byte("buy"), QoS: 2}))
	pkt, err := pub.ReadPacket()
	require.NoError(t, err)
	pubrec := pkt.(*PubrecPacket)
	assert.Equal(t, ReasonSuccess, pubrec.ReasonCode)

	// Retransmitted PUBLISH: answered again, still not delivered.
	require.NoError(t, pub.WritePacket(&PublishPacket{PacketID: 5, Topic: "orders/1", Payload: []byte("buy"), QoS: 2, DUP: true}))
	pkt, err = pub.ReadPacket()
	require.NoError(t, err)
	assert.IsType(t, &PubrecPacket{}, pkt)

	// PUBREL releases the message exactly once.
	require.NoError(t, pub.WritePacket(&PubrelPacket{PacketID: 5}))
	pkt, err = pub.ReadPacket()
	require.NoError(t, err)
	assert.IsType(t, &PubcompPacket{}, pkt)

	got := readPublish(t, sub)
	assert.Equal(t, []byte("buy"), got.Payload)

	// Retransmitted PUBREL: acknowledged, no second delivery.
	require.NoError(t, pub.WritePacket(&PubrelPacket{PacketID: 5}))
	pkt, err = pub.ReadPacket()
	require.NoError(t, err)
	assert.IsType(t, &PubcompPacket{}, pkt)

	require.NoError(t, pub.WritePacket(&PublishPacket{Topic: "orders/done", Payload: []byte("end")}))
	final := readPublish(t, sub)
	assert.Equal(t, "orders/done", final.Topic, "only the marker follows the single delivery")
}

func TestBrokerRetained(t *testing.T) {
	t.Run("delivered on subscribe", func(t *testing.T) {
		b := NewBroker()
		pub := dialOK(t, b, &ConnectPacket{ClientID: "pub"})
		require.NoError(t, pub.WritePacket(&PublishPacket{Topic: "config/rate", Payload: []byte("50"), Retain: true}))

		require.Eventually(t, func() bool { return b.retained.Count() == 1 }, time.Second, 5*time.Millisecond)

		sub := dialOK(t, b, &ConnectPacket{ClientID: "sub"})
		subscribe(t, sub, 1, Subscription{TopicFilter: "config/+", QoS: 0})

		got := readPublish(t, sub)
		assert.Equal(t, []byte("50"), got.Payload)
		assert.True(t, got.Retain)
	})

	t.Run("empty payload clears", func(t *testing.T) {
		b := NewBroker()
		pub := dialOK(t, b, &ConnectPacket{ClientID: "pub"})
		require.NoError(t, pub.WritePacket(&PublishPacket{PacketID: 1, Topic: "config/rate", Payload: []byte("50"), Retain: true, QoS: 1}))
		_, err := pub.ReadPacket() // PUBACK
		require.NoError(t, err)

		require.NoError(t, pub.WritePacket(&PublishPacket{PacketID: 2, Topic: "config/rate", Retain: true, QoS: 1}))
		_, err = pub.ReadPacket()
		require.NoError(t, err)

		assert.Equal(t, 0, b.retained.Count())
	})

	t.Run("retain handling 2 suppresses", func(t *testing.T) {
		b := NewBroker()
		require.NoError(t, b.Publish(&Message{Topic: "config/rate", Payload: []byte("50"), Retain: true}))

		sub := dialOK(t, b, &ConnectPacket{ClientID: "sub"})
		subscribe(t, sub, 1, Subscription{TopicFilter: "config/+", RetainHandling: 2})

		require.NoError(t, sub.WritePacket(&PingreqPacket{}))
		pkt, err := sub.ReadPacket()
		require.NoError(t, err)
		assert.IsType(t, &PingrespPacket{}, pkt, "no retained message before the ping response")
	})
}

func TestBrokerOfflineQueueRedelivery(t *testing.T) {
	b := NewBroker()

	sensor := dialOK(t, b, &ConnectPacket{ClientID: "sensor1", SessionExpiryInterval: 300})
	subscribe(t, sensor, 1, Subscription{TopicFilter: "data/+", QoS: 1})
	require.NoError(t, sensor.WritePacket(&DisconnectPacket{ReasonCode: ReasonSuccess}))
	waitDisconnected(t, b, 0)

	// Published while sensor1 is offline: queued against its session.
	require.NoError(t, b.Publish(&Message{Topic: "data/temp", Payload: []byte("20"), QoS: 1}))
	require.NoError(t, b.Publish(&Message{Topic: "data/hum", Payload: []byte("60"), QoS: 1}))

	session, err := b.sessions.Get("sensor1")
	require.NoError(t, err)
	require.Equal(t, 2, session.QueueLen())

	// Reconnect drains the queue in order, after the CONNACK.
	sensor2, connack := dial(t, b, &ConnectPacket{ClientID: "sensor1", SessionExpiryInterval: 300})
	require.True(t, connack.SessionPresent)

	first := readPublish(t, sensor2)
	assert.Equal(t, "data/temp", first.Topic)
	assert.Equal(t, QoS1, first.QoS)
	second := readPublish(t, sensor2)
	assert.Equal(t, "data/hum", second.Topic)
}

func TestBrokerInflightRedelivery(t *testing.T) {
	b := NewBroker()

	sub := dialOK(t, b, &ConnectPacket{ClientID: "sub", SessionExpiryInterval: 300})
	subscribe(t, sub, 1, Subscription{TopicFilter: "a/+", QoS: 1})

	require.NoError(t, b.Publish(&Message{Topic: "a/b", Payload: []byte("x"), QoS: 1}))
	original := readPublish(t, sub)
	assert.False(t, original.DUP)

	// Drop the connection without acknowledging.
	sub.Close()
	waitDisconnected(t, b, 0)

	resumed := dialOK(t, b, &ConnectPacket{ClientID: "sub", SessionExpiryInterval: 300})
	redelivered := readPublish(t, resumed)
	assert.True(t, redelivered.DUP)
	assert.Equal(t, original.PacketID, redelivered.PacketID)
	assert.Equal(t, []byte("x"), redelivered.Payload)
}

func TestBrokerWill(t *testing.T) {
	t.Run("abnormal disconnect publishes the will", func(t *testing.T) {
		b := NewBroker()
		watcher := dialOK(t, b, &ConnectPacket{ClientID: "watcher"})
		subscribe(t, watcher, 1, Subscription{TopicFilter: "status/+", QoS: 0})

		device := dialOK(t, b, &ConnectPacket{
			ClientID: "device",
			Will:     &WillMessage{Topic: "status/device", Payload: []byte("offline")},
		})
		device.Close()

		got := readPublish(t, watcher)
		assert.Equal(t, "status/device", got.Topic)
		assert.Equal(t, []byte("offline"), got.Payload)
	})

	t.Run("graceful disconnect suppresses the will", func(t *testing.T) {
		b := NewBroker()
		watcher := dialOK(t, b, &ConnectPacket{ClientID: "watcher"})
		subscribe(t, watcher, 1, Subscription{TopicFilter: "status/+", QoS: 0})

		device := dialOK(t, b, &ConnectPacket{
			ClientID: "device",
			Will:     &WillMessage{Topic: "status/device", Payload: []byte("offline")},
		})
		require.NoError(t, device.WritePacket(&DisconnectPacket{ReasonCode: ReasonSuccess}))
		waitDisconnected(t, b, 1)

		require.NoError(t, b.Publish(&Message{Topic: "status/marker", Payload: []byte("m")}))
		got := readPublish(t, watcher)
		assert.Equal(t, "status/marker", got.Topic, "will must not precede the marker")
	})

	t.Run("invalid will topic refused at connect", func(t *testing.T) {
		b := NewBroker()
		_, connack := dial(t, b, &ConnectPacket{
			ClientID: "device",
			Will:     &WillMessage{Topic: "$SYS/bad"},
		})
		assert.Equal(t, ReasonTopicNameInvalid, connack.ReasonCode)
	})
}

func TestBrokerTakeover(t *testing.T) {
	b := NewBroker()
	first := dialOK(t, b, &ConnectPacket{ClientID: "c1", SessionExpiryInterval: 300})

	second := dialOK(t, b, &ConnectPacket{ClientID: "c1", SessionExpiryInterval: 300})

	pkt, err := first.ReadPacket()
	require.NoError(t, err)
	disconnect, ok := pkt.(*DisconnectPacket)
	require.True(t, ok)
	assert.Equal(t, ReasonSessionTakenOver, disconnect.ReasonCode)

	// The new connection is live.
	require.NoError(t, second.WritePacket(&PingreqPacket{}))
	pkt, err = second.ReadPacket()
	require.NoError(t, err)
	assert.IsType(t, &PingrespPacket{}, pkt)
	assert.Equal(t, 1, b.ConnectedClients())
}

func TestBrokerCleanStartDropsSubscriptions(t *testing.T) {
	t.Run("after graceful disconnect", func(t *testing.T) {
		b := NewBroker()
		conn := dialOK(t, b, &ConnectPacket{ClientID: "c1", SessionExpiryInterval: 300})
		subscribe(t, conn, 1, Subscription{TopicFilter: "a/+", QoS: 0})
		require.NoError(t, conn.WritePacket(&DisconnectPacket{ReasonCode: ReasonSuccess}))
		waitDisconnected(t, b, 0)

		conn = dialOK(t, b, &ConnectPacket{ClientID: "c1", CleanStart: true})
		assert.Equal(t, 0, b.subs.Count())

		// The old session's filter must not route to the clean one.
		require.NoError(t, b.Publish(&Message{Topic: "a/b", Payload: []byte("stale")}))
		require.NoError(t, conn.WritePacket(&PingreqPacket{}))
		pkt, err := conn.ReadPacket()
		require.NoError(t, err)
		assert.IsType(t, &PingrespPacket{}, pkt)
	})

	t.Run("on takeover", func(t *testing.T) {
		b := NewBroker()
		first := dialOK(t, b, &ConnectPacket{ClientID: "c1", SessionExpiryInterval: 300})
		subscribe(t, first, 1, Subscription{TopicFilter: "a/+", QoS: 0})

		second := dialOK(t, b, &ConnectPacket{ClientID: "c1", CleanStart: true})
		assert.Equal(t, 0, b.subs.Count())

		require.NoError(t, b.Publish(&Message{Topic: "a/b", Payload: []byte("stale")}))
		require.NoError(t, second.WritePacket(&PingreqPacket{}))
		pkt, err := second.ReadPacket()
		require.NoError(t, err)
		assert.IsType(t, &PingrespPacket{}, pkt)
	})
}

func TestBrokerConcurrentTakeover(t *testing.T) {
	b := NewBroker()

	const dials = 8
	var takeovers atomic.Int32
	for i := 0; i < dials; i++ {
		client, server := NewPipe()
		go func() { _ = b.ServeConn(server) }()
		go func(c *PipeConn) {
			if err := c.WritePacket(&ConnectPacket{ClientID: "c1", CleanStart: true}); err != nil {
				return
			}
			for {
				pkt, err := c.ReadPacket()
				if err != nil {
					return
				}
				if d, ok := pkt.(*DisconnectPacket); ok && d.ReasonCode == ReasonSessionTakenOver {
					takeovers.Add(1)
					return
				}
			}
		}(client)
	}

	// The racing connections bind one at a time; every one but the
	// survivor is told the session moved.
	require.Eventually(t, func() bool {
		return b.ConnectedClients() == 1 && takeovers.Load() == dials-1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestBrokerSharedSubscription(t *testing.T) {
	b := NewBroker()

	w1 := dialOK(t, b, &ConnectPacket{ClientID: "w1"})
	subscribe(t, w1, 1, Subscription{TopicFilter: "$share/pool/jobs/+", QoS: 0})
	w2 := dialOK(t, b, &ConnectPacket{ClientID: "w2"})
	subscribe(t, w2, 1, Subscription{TopicFilter: "$share/pool/jobs/+", QoS: 0})

	for i := 0; i < 4; i++ {
		require.NoError(t, b.Publish(&Message{Topic: "jobs/build", Payload: []byte{byte(i)}}))
	}

	// Round-robin over ClientID order: w1 gets 0 and 2, w2 gets 1 and 3.
	got1a := readPublish(t, w1)
	got1b := readPublish(t, w1)
	got2a := readPublish(t, w2)
	got2b := readPublish(t, w2)

	assert.Equal(t, []byte{0}, got1a.Payload)
	assert.Equal(t, []byte{2}, got1b.Payload)
	assert.Equal(t, []byte{1}, got2a.Payload)
	assert.Equal(t, []byte{3}, got2b.Payload)
}

func TestBrokerFlowControl(t *testing.T) {
	b := NewBroker(WithReceiveMaximum(1))
	pub := dialOK(t, b, &ConnectPacket{ClientID: "pub"})

	require.NoError(t, pub.WritePacket(&PublishPacket{PacketID: 1, Topic: "a/b", Payload: []byte("x"), QoS: 2}))
	pkt, err := pub.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, ReasonSuccess, pkt.(*PubrecPacket).ReasonCode)

	// Second QoS 2 publish while the first flow is still open.
	require.NoError(t, pub.WritePacket(&PublishPacket{PacketID: 2, Topic: "a/b", Payload: []byte("y"), QoS: 2}))
	pkt, err = pub.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, ReasonQuotaExceeded, pkt.(*PubrecPacket).ReasonCode)

	// Completing the first flow frees the slot.
	require.NoError(t, pub.WritePacket(&PubrelPacket{PacketID: 1}))
	_, err = pub.ReadPacket() // PUBCOMP
	require.NoError(t, err)

	require.NoError(t, pub.WritePacket(&PublishPacket{PacketID: 3, Topic: "a/b", Payload: []byte("z"), QoS: 2}))
	pkt, err = pub.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, ReasonSuccess, pkt.(*PubrecPacket).ReasonCode)
}

func TestBrokerAuthorizer(t *testing.T) {
	deny := AuthorizerFunc(func(_ context.Context, req *AuthzRequest) (*AuthzResult, error) {
		if req.Topic == "secret/x" || req.Topic == "secret/#" {
			return &AuthzResult{Allowed: false, ReasonCode: ReasonNotAuthorized}, nil
		}
		return &AuthzResult{Allowed: true}, nil
	})

	b := NewBroker(WithAuthorizer(deny))
	conn := dialOK(t, b, &ConnectPacket{ClientID: "c1", Username: "alice"})

	require.NoError(t, conn.WritePacket(&PublishPacket{PacketID: 1, Topic: "secret/x", Payload: []byte("s"), QoS: 1}))
	pkt, err := conn.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, ReasonNotAuthorized, pkt.(*PubackPacket).ReasonCode)

	suback := subscribe(t, conn, 2, Subscription{TopicFilter: "secret/#"}, Subscription{TopicFilter: "open/#"})
	assert.Equal(t, []ReasonCode{ReasonNotAuthorized, ReasonSuccess}, suback.ReasonCodes)
}

func TestBrokerKeepAliveTimeout(t *testing.T) {
	b := NewBroker()
	start := time.Now()
	b.alive.now = func() time.Time { return start }

	conn := dialOK(t, b, &ConnectPacket{ClientID: "c1", KeepAlive: 10})
	require.Equal(t, 1, b.ConnectedClients())

	// Nothing to reap before 1.5x the interval.
	b.sweepKeepAlive()
	require.Equal(t, 1, b.ConnectedClients())

	b.alive.now = func() time.Time { return start.Add(16 * time.Second) }
	b.sweepKeepAlive()

	pkt, err := conn.ReadPacket()
	if err == nil {
		disconnect, ok := pkt.(*DisconnectPacket)
		require.True(t, ok)
		assert.Equal(t, ReasonKeepAliveTimeout, disconnect.ReasonCode)
	}
	waitDisconnected(t, b, 0)
}
