package nestmq

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Broker default tuning.
const (
	// DefaultReceiveMaximum is the number of unacknowledged QoS 1/2
	// publishes the broker accepts from one client.
	DefaultReceiveMaximum uint16 = 1024

	// DefaultRetryTimeout is how long an unacknowledged QoS flow waits
	// before the last control packet is retransmitted.
	DefaultRetryTimeout = 20 * time.Second

	// DefaultMaxRetries bounds retransmissions per flow.
	DefaultMaxRetries = 5

	protocolMaxReceive uint16 = 65535
)

var (
	ErrBrokerClosed   = errors.New("broker closed")
	ErrFirstPacket    = errors.New("first packet must be CONNECT")
	ErrInvalidConnect = errors.New("invalid CONNECT packet")
)

// Broker is the delivery engine: it binds packet connections to
// sessions, routes publishes through the subscription tree, drives the
// QoS state machines, and runs the keep-alive, will, retry and session
// expiry housekeeping loops.
type Broker struct {
	mu      sync.RWMutex
	clients map[string]*Client
	binds   map[string]*bindLock

	subs     *SubscriptionManager
	balancer *SharedBalancer
	wills    *WillManager
	alive    *KeepAliveMonitor

	sessions       SessionStore
	sessionFactory SessionFactory
	retained       RetainedStore
	authz          Authorizer

	logger  Logger
	metrics Metrics

	receiveMaximum    uint16
	retryTimeout      time.Duration
	maxRetries        int
	maxConnections    int
	maxQueuedMessages int
	connectLimiter    *rate.Limiter

	onConnect    func(clientID string)
	onDisconnect func(clientID string, graceful bool)

	done      chan struct{}
	wg        sync.WaitGroup
	running   atomic.Bool
	closeOnce sync.Once
}

// NewBroker creates a broker with in-memory stores unless options say
// otherwise.
func NewBroker(opts ...BrokerOption) *Broker {
	b := &Broker{
		clients:           make(map[string]*Client),
		binds:             make(map[string]*bindLock),
		subs:              NewSubscriptionManager(),
		balancer:          NewSharedBalancer(),
		wills:             NewWillManager(),
		alive:             NewKeepAliveMonitor(),
		sessions:          NewMemorySessionStore(),
		sessionFactory:    DefaultSessionFactory(),
		retained:          NewMemoryRetainedStore(),
		authz:             &AllowAllAuthorizer{},
		logger:            NewNoOpLogger(),
		metrics:           &NoOpMetrics{},
		receiveMaximum:    DefaultReceiveMaximum,
		retryTimeout:      DefaultRetryTimeout,
		maxRetries:        DefaultMaxRetries,
		maxQueuedMessages: DefaultMaxQueuedMessages,
		done:              make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start launches the housekeeping loops. The broker accepts
// connections via Serve or ServeConn once started.
func (b *Broker) Start() error {
	if !b.running.CompareAndSwap(false, true) {
		return errors.New("broker already started")
	}

	b.wg.Add(4)
	go b.keepAliveLoop()
	go b.willLoop()
	go b.retryLoop()
	go b.expiryLoop()

	b.logger.Info("broker started", nil)
	return nil
}

// Close stops the loops and disconnects every client with
// ServerShuttingDown.
func (b *Broker) Close() error {
	b.closeOnce.Do(func() {
		close(b.done)

		b.mu.Lock()
		clients := make([]*Client, 0, len(b.clients))
		for _, c := range b.clients {
			clients = append(clients, c)
		}
		b.mu.Unlock()

		for _, c := range clients {
			c.graceful.Store(true)
			c.Disconnect(ReasonServerShuttingDown)
		}

		b.wg.Wait()
		b.running.Store(false)
		b.logger.Info("broker stopped", nil)
	})
	return nil
}

// Serve accepts connections from the listener until it fails or the
// broker closes.
func (b *Broker) Serve(l Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-b.done:
				return ErrBrokerClosed
			default:
				return fmt.Errorf("accept: %w", err)
			}
		}
		go func() {
			if err := b.ServeConn(conn); err != nil && !errors.Is(err, ErrConnClosed) {
				b.logger.Debug("connection ended", LogFields{LogFieldError: err.Error()})
			}
		}()
	}
}

// ServeConn runs the connection lifecycle: CONNECT handshake, packet
// dispatch, and disconnect handling. It returns when the connection is
// gone.
func (b *Broker) ServeConn(conn PacketConn) error {
	client, err := b.handleConnect(conn)
	if err != nil {
		_ = conn.Close()
		return err
	}
	return b.readLoop(client)
}

func (b *Broker) handleConnect(conn PacketConn) (*Client, error) {
	pkt, err := conn.ReadPacket()
	if err != nil {
		return nil, fmt.Errorf("read connect: %w", err)
	}
	connect, ok := pkt.(*ConnectPacket)
	if !ok {
		return nil, ErrFirstPacket
	}

	if b.connectLimiter != nil && !b.connectLimiter.Allow() {
		b.rejectConnect(conn, ReasonConnectionRateExceeded)
		return nil, fmt.Errorf("connect rate exceeded")
	}

	if b.maxConnections > 0 && b.ConnectedClients() >= b.maxConnections {
		b.rejectConnect(conn, ReasonServerBusy)
		return nil, fmt.Errorf("connection limit reached")
	}

	clientID := connect.ClientID
	assignedID := ""
	if clientID == "" {
		assignedID = uuid.NewString()
		clientID = assignedID
	}

	if connect.Will != nil {
		if err := connect.Will.Validate(); err != nil {
			b.rejectConnect(conn, ReasonTopicNameInvalid)
			return nil, fmt.Errorf("will message: %w", err)
		}
	}

	// Concurrent CONNECTs for one client ID serialize here, so the
	// takeover lookup below and the registration further down are one
	// atomic step: of two racing connections, exactly one ends up
	// bound and the other is disconnected with SessionTakenOver.
	bind := b.lockBind(clientID)
	defer b.unlockBind(clientID, bind)

	// Take over any live connection bound to the same client ID. The
	// old connection terminates abnormally: its will is triggered, then
	// immediately canceled below because the same client is back.
	b.mu.Lock()
	old := b.clients[clientID]
	delete(b.clients, clientID)
	b.mu.Unlock()

	if old != nil {
		old.takenOver.Store(true)
		old.Disconnect(ReasonSessionTakenOver)
		b.alive.Unregister(clientID)
		b.wills.Trigger(clientID, time.Duration(old.ExpiryInterval())*time.Second)
		b.fireReadyWills()
		b.metrics.Counter(MetricSessionTakeovers, nil).Inc()
		b.logger.Info("session taken over", LogFields{LogFieldClientID: clientID})
	}

	// A reconnect during the will delay window cancels the pending
	// publication, takeover included.
	b.wills.CancelPending(clientID)
	if connect.Will != nil {
		b.wills.Arm(clientID, connect.Will)
	} else {
		b.wills.Disarm(clientID)
	}

	session, resumed, err := ResumeOrCreate(b.sessions, b.sessionFactory, clientID, connect.CleanStart)
	if err != nil {
		b.rejectConnect(conn, ReasonServerUnavailable)
		return nil, fmt.Errorf("session store: %w", err)
	}
	if connect.CleanStart {
		// The discarded session's subscription tree entries go with it.
		b.dropSubscriptions(clientID)
	}
	session.SetExpiryInterval(connect.SessionExpiryInterval)
	if q, ok := session.(interface{ SetMaxQueuedMessages(int) }); ok && b.maxQueuedMessages > 0 {
		q.SetMaxQueuedMessages(b.maxQueuedMessages)
	}

	effectiveKeepAlive := b.alive.Register(clientID, connect.KeepAlive)
	serverKeepAlive := uint16(0)
	if effectiveKeepAlive != connect.KeepAlive {
		serverKeepAlive = effectiveKeepAlive
	}

	clientMax := connect.ReceiveMaximum
	if clientMax == 0 {
		clientMax = protocolMaxReceive
	}

	client := &Client{
		conn:           conn,
		clientID:       clientID,
		username:       connect.Username,
		keepAlive:      effectiveKeepAlive,
		expiryInterval: connect.SessionExpiryInterval,
		session:        session,
		qos1:           NewQoS1Tracker(b.retryTimeout, b.maxRetries),
		qos2:           NewQoS2Tracker(b.retryTimeout, b.maxRetries),
		recvQoS2:       NewQoS2Tracker(b.retryTimeout, b.maxRetries),
		outFlow:        NewFlowController(clientMax),
		inFlow:         NewFlowController(b.receiveMaximum),
	}
	client.connected.Store(true)

	b.mu.Lock()
	b.clients[clientID] = client
	b.mu.Unlock()

	// Resumed sessions re-enter the subscription tree before any
	// packet from the new connection is processed.
	for _, sub := range session.Subscriptions() {
		if err := b.subs.Subscribe(clientID, sub); err != nil {
			b.logger.Warn("restore subscription", LogFields{
				LogFieldClientID: clientID,
				LogFieldTopic:    sub.TopicFilter,
				LogFieldError:    err.Error(),
			})
		}
	}

	connack := &ConnackPacket{
		SessionPresent:   resumed && !connect.CleanStart,
		ReasonCode:       ReasonSuccess,
		AssignedClientID: assignedID,
		ServerKeepAlive:  serverKeepAlive,
		ReceiveMaximum:   b.receiveMaximum,
	}
	if err := client.writePacket(connack); err != nil {
		b.removeClient(client)
		return nil, fmt.Errorf("write connack: %w", err)
	}

	b.redeliverInflight(client)
	b.drainQueue(client)

	b.metrics.Gauge(MetricConnections, nil).Inc()
	b.metrics.Counter(MetricConnectionsTotal, nil).Inc()
	b.logger.Info("client connected", LogFields{
		LogFieldClientID: clientID,
		"clean_start":    connect.CleanStart,
		"resumed":        resumed,
	})
	if b.onConnect != nil {
		b.onConnect(clientID)
	}
	return client, nil
}

func (b *Broker) rejectConnect(conn PacketConn, code ReasonCode) {
	_ = conn.WritePacket(&ConnackPacket{ReasonCode: code})
	_ = conn.Close()
}

// redeliverInflight retransmits persisted outbound flows ahead of any
// new traffic, in packet ID order, DUP set. Inbound QoS 2 flows that
// were past PUBREC are restored so a retransmitted PUBREL completes
// instead of being rejected.
func (b *Broker) redeliverInflight(client *Client) {
	session := client.Session()

	outbound := session.Inflight(DirectionOutbound)
	sort.Slice(outbound, func(i, j int) bool {
		return outbound[i].PacketID < outbound[j].PacketID
	})
	for _, inflight := range outbound {
		if err := client.resendInflight(inflight); err != nil {
			b.logger.Warn("redeliver in-flight", LogFields{
				LogFieldClientID: client.ClientID(),
				LogFieldPacketID: inflight.PacketID,
				LogFieldError:    err.Error(),
			})
			return
		}
	}

	for _, inflight := range session.Inflight(DirectionInbound) {
		if inflight.State == InflightReceived {
			client.recvQoS2.TrackReceive(inflight.PacketID, inflight.Message)
			client.inFlow.TryAcquire()
		}
	}
}

func (b *Broker) drainQueue(client *Client) {
	session := client.Session()
	for _, msg := range session.DequeueAll() {
		if err := client.Send(msg); err != nil {
			b.metrics.Counter(MetricMessagesDropped, qosLabels(msg.QoS)).Inc()
			b.logger.Warn("deliver queued message", LogFields{
				LogFieldClientID: client.ClientID(),
				LogFieldError:    err.Error(),
			})
		}
	}
	b.persist(client)
}

func (b *Broker) readLoop(client *Client) error {
	defer b.teardown(client)

	for {
		pkt, err := client.conn.ReadPacket()
		if err != nil {
			return err
		}
		b.alive.Touch(client.ClientID())

		switch p := pkt.(type) {
		case *PublishPacket:
			if err := b.handlePublish(client, p); err != nil {
				return err
			}
		case *PubackPacket:
			b.handlePuback(client, p)
		case *PubrecPacket:
			b.handlePubrec(client, p)
		case *PubrelPacket:
			b.handlePubrel(client, p)
		case *PubcompPacket:
			b.handlePubcomp(client, p)
		case *SubscribePacket:
			b.handleSubscribe(client, p)
		case *UnsubscribePacket:
			b.handleUnsubscribe(client, p)
		case *PingreqPacket:
			_ = client.writePacket(&PingrespPacket{})
		case *DisconnectPacket:
			b.handleDisconnect(client, p)
			return nil
		case *ConnectPacket:
			// A second CONNECT on a live connection is a protocol error.
			client.Disconnect(ReasonProtocolError)
			return ErrInvalidConnect
		default:
			client.Disconnect(ReasonProtocolError)
			return fmt.Errorf("unexpected %s packet", pkt.Type())
		}
	}
}

// handleDisconnect processes a graceful DISCONNECT: the will is
// discarded and never published.
func (b *Broker) handleDisconnect(client *Client, pkt *DisconnectPacket) {
	client.graceful.Store(true)
	b.wills.Disarm(client.ClientID())
	b.logger.Info("client disconnected", LogFields{
		LogFieldClientID:   client.ClientID(),
		LogFieldReasonCode: pkt.ReasonCode.String(),
	})
	client.Close()
}

// teardown runs exactly once per connection, for every exit path.
func (b *Broker) teardown(client *Client) {
	clientID := client.ClientID()
	client.Close()

	graceful := client.graceful.Load()
	takenOver := client.takenOver.Load()
	b.removeClient(client)

	b.metrics.Gauge(MetricConnections, nil).Dec()

	// The new owner of a taken-over client ID holds the session, the
	// keep-alive entry and the subscription tree entries now; its will
	// handling happened during the takeover.
	if takenOver {
		if b.onDisconnect != nil {
			b.onDisconnect(clientID, false)
		}
		return
	}

	b.alive.Unregister(clientID)

	expiry := time.Duration(client.ExpiryInterval()) * time.Second
	if !graceful {
		b.wills.Trigger(clientID, expiry)
		b.fireReadyWills()
	}

	session := client.Session()
	if client.ExpiryInterval() == 0 {
		// Session dies with the connection.
		b.dropSubscriptions(clientID)
		if err := b.sessions.Delete(clientID); err != nil && !errors.Is(err, ErrSessionNotFound) {
			b.logger.Error("delete session", LogFields{
				LogFieldClientID: clientID,
				LogFieldError:    err.Error(),
			})
		}
	} else {
		session.SetDeadline(time.Now().Add(expiry))
		if err := b.sessions.Update(session); err != nil {
			b.logger.Error("persist session", LogFields{
				LogFieldClientID: clientID,
				LogFieldError:    err.Error(),
			})
		}
	}

	if b.onDisconnect != nil {
		b.onDisconnect(clientID, graceful)
	}
	b.logger.Debug("connection torn down", LogFields{
		LogFieldClientID: clientID,
		"graceful":       graceful,
	})
}

func (b *Broker) handlePublish(client *Client, pkt *PublishPacket) error {
	if err := ValidateTopicName(pkt.Topic); err != nil {
		client.Disconnect(ReasonTopicNameInvalid)
		return fmt.Errorf("publish topic: %w", err)
	}
	if IsReservedTopic(pkt.Topic) {
		b.rejectPublish(client, pkt, ReasonNotAuthorized)
		return nil
	}

	if code := b.authorize(client, AuthzActionPublish, pkt.Topic, pkt.QoS, pkt.Retain); code != ReasonSuccess {
		b.rejectPublish(client, pkt, code)
		return nil
	}

	b.metrics.Counter(MetricMessagesPublished, qosLabels(pkt.QoS)).Inc()

	switch pkt.QoS {
	case QoS0:
		b.route(client.ClientID(), pkt.ToMessage())

	case QoS1:
		if !client.inFlow.TryAcquire() {
			_ = client.writePacket(&PubackPacket{PacketID: pkt.PacketID, ReasonCode: ReasonQuotaExceeded})
			return nil
		}
		code := b.route(client.ClientID(), pkt.ToMessage())
		client.inFlow.Release()
		_ = client.writePacket(&PubackPacket{PacketID: pkt.PacketID, ReasonCode: code})

	case QoS2:
		if _, held := client.recvQoS2.Get(pkt.PacketID); held {
			// Retransmission of a flow already held: re-answer, never
			// re-store the payload.
			_ = client.writePacket(&PubrecPacket{PacketID: pkt.PacketID, ReasonCode: ReasonSuccess})
			return nil
		}

		if !client.inFlow.TryAcquire() {
			_ = client.writePacket(&PubrecPacket{PacketID: pkt.PacketID, ReasonCode: ReasonQuotaExceeded})
			return nil
		}
		if !client.recvQoS2.TrackReceive(pkt.PacketID, pkt.ToMessage()) {
			// Completed earlier; the sender never saw our PUBCOMP.
			client.inFlow.Release()
			_ = client.writePacket(&PubrecPacket{PacketID: pkt.PacketID, ReasonCode: ReasonSuccess})
			return nil
		}
		b.storeInboundFlow(client, pkt)
		_ = client.writePacket(&PubrecPacket{PacketID: pkt.PacketID, ReasonCode: ReasonSuccess})

	default:
		client.Disconnect(ReasonMalformedPacket)
		return ErrInvalidQoS
	}
	return nil
}

func (b *Broker) storeInboundFlow(client *Client, pkt *PublishPacket) {
	client.Session().PutInflight(&InflightMessage{
		PacketID:  pkt.PacketID,
		Message:   pkt.ToMessage(),
		QoS:       QoS2,
		Direction: DirectionInbound,
		State:     InflightReceived,
	})
	b.persist(client)
}

func (b *Broker) rejectPublish(client *Client, pkt *PublishPacket, code ReasonCode) {
	switch pkt.QoS {
	case QoS1:
		_ = client.writePacket(&PubackPacket{PacketID: pkt.PacketID, ReasonCode: code})
	case QoS2:
		_ = client.writePacket(&PubrecPacket{PacketID: pkt.PacketID, ReasonCode: code})
	}
	b.metrics.Counter(MetricMessagesDropped, qosLabels(pkt.QoS)).Inc()
	b.logger.Debug("publish rejected", LogFields{
		LogFieldClientID:   client.ClientID(),
		LogFieldTopic:      pkt.Topic,
		LogFieldReasonCode: code.String(),
	})
}

func (b *Broker) handlePuback(client *Client, pkt *PubackPacket) {
	if _, ok := client.qos1.Acknowledge(pkt.PacketID); !ok {
		return
	}
	client.Session().RemoveInflight(DirectionOutbound, pkt.PacketID)
	client.outFlow.Release()
	b.persist(client)
}

func (b *Broker) handlePubrec(client *Client, pkt *PubrecPacket) {
	if pkt.ReasonCode.IsError() {
		// Receiver refused the publish; abandon the flow.
		if client.qos2.Remove(pkt.PacketID) {
			client.Session().RemoveInflight(DirectionOutbound, pkt.PacketID)
			client.outFlow.Release()
			b.persist(client)
		}
		return
	}

	if _, ok := client.qos2.HandlePubrec(pkt.PacketID); !ok {
		_ = client.writePacket(&PubrelPacket{PacketID: pkt.PacketID, ReasonCode: ReasonPacketIDNotFound})
		return
	}
	// Past PUBREC the payload is no longer needed; only the released
	// marker survives a restart.
	client.Session().PutInflight(&InflightMessage{
		PacketID:  pkt.PacketID,
		QoS:       QoS2,
		Direction: DirectionOutbound,
		State:     InflightReleased,
	})
	b.persist(client)
	_ = client.writePacket(&PubrelPacket{PacketID: pkt.PacketID})
}

func (b *Broker) handlePubrel(client *Client, pkt *PubrelPacket) {
	msg, ok := client.recvQoS2.HandlePubrel(pkt.PacketID)
	if !ok {
		_ = client.writePacket(&PubcompPacket{PacketID: pkt.PacketID, ReasonCode: ReasonPacketIDNotFound})
		return
	}
	if msg != nil {
		// First PUBREL for this flow: the held message enters the
		// routing fabric exactly once.
		b.route(client.ClientID(), msg)
		client.Session().RemoveInflight(DirectionInbound, pkt.PacketID)
		client.inFlow.Release()
		b.persist(client)
	}
	_ = client.writePacket(&PubcompPacket{PacketID: pkt.PacketID})
}

func (b *Broker) handlePubcomp(client *Client, pkt *PubcompPacket) {
	if _, ok := client.qos2.HandlePubcomp(pkt.PacketID); !ok {
		return
	}
	client.Session().RemoveInflight(DirectionOutbound, pkt.PacketID)
	client.outFlow.Release()
	b.persist(client)
}

func (b *Broker) handleSubscribe(client *Client, pkt *SubscribePacket) {
	clientID := client.ClientID()
	session := client.Session()
	codes := make([]ReasonCode, len(pkt.Subscriptions))

	for i, sub := range pkt.Subscriptions {
		if err := ValidateTopicFilter(effectiveFilter(sub.TopicFilter)); err != nil {
			codes[i] = ReasonTopicFilterInvalid
			continue
		}
		if code := b.authorize(client, AuthzActionSubscribe, sub.TopicFilter, sub.QoS, false); code != ReasonSuccess {
			codes[i] = code
			continue
		}

		isNew := !b.subs.HasSubscription(clientID, sub.TopicFilter)
		if err := b.subs.Subscribe(clientID, sub); err != nil {
			codes[i] = ReasonTopicFilterInvalid
			continue
		}
		session.AddSubscription(sub)
		codes[i] = grantedCode(sub.QoS)

		b.sendRetained(client, sub, isNew)
	}

	b.persist(client)
	b.metrics.Gauge(MetricSubscriptions, nil).Set(float64(b.subs.Count()))
	_ = client.writePacket(&SubackPacket{PacketID: pkt.PacketID, ReasonCodes: codes})
}

// sendRetained delivers matching retained messages for a fresh
// subscription. Shared subscriptions never receive retained messages.
func (b *Broker) sendRetained(client *Client, sub Subscription, isNew bool) {
	if isSharedSubscription(sub.TopicFilter) {
		return
	}
	if !ShouldSendRetained(sub.RetainHandling, isNew) {
		return
	}

	for _, retained := range b.retained.Match(sub.TopicFilter) {
		msg := &Message{
			Topic:         retained.Topic,
			Payload:       retained.Payload,
			QoS:           minQoS(retained.QoS, sub.QoS),
			Retain:        true,
			MessageExpiry: retained.RemainingExpiry(),
		}
		if err := client.Send(msg); err != nil {
			b.logger.Warn("deliver retained", LogFields{
				LogFieldClientID: client.ClientID(),
				LogFieldTopic:    retained.Topic,
				LogFieldError:    err.Error(),
			})
		}
	}
}

func (b *Broker) handleUnsubscribe(client *Client, pkt *UnsubscribePacket) {
	clientID := client.ClientID()
	session := client.Session()
	codes := make([]ReasonCode, len(pkt.TopicFilters))

	for i, filter := range pkt.TopicFilters {
		if b.subs.Unsubscribe(clientID, filter) {
			codes[i] = ReasonSuccess
			if shared, err := ParseSharedSubscription(filter); err == nil && shared != nil {
				key := sharedGroupKey(shared.Group, shared.TopicFilter)
				if b.subs.SharedGroupSize(key) == 0 {
					b.balancer.Forget(key)
				}
			}
		} else {
			codes[i] = ReasonNoSubscriptionExisted
		}
		session.RemoveSubscription(filter)
	}

	b.persist(client)
	b.metrics.Gauge(MetricSubscriptions, nil).Set(float64(b.subs.Count()))
	_ = client.writePacket(&UnsubackPacket{PacketID: pkt.PacketID, ReasonCodes: codes})
}

// Publish injects a broker-originated message (wills, bridges, tests)
// into the routing fabric.
func (b *Broker) Publish(msg *Message) error {
	if err := ValidateTopicName(msg.Topic); err != nil {
		return err
	}
	if msg.QoS > QoS2 {
		return ErrInvalidQoS
	}
	b.route("", msg)
	return nil
}

// route is the fan-out heart: retained handling, subscription match,
// shared-group balancing, and per-recipient delivery.
func (b *Broker) route(publisherID string, msg *Message) ReasonCode {
	start := time.Now()

	if msg.Retain {
		b.updateRetained(msg)
	}

	direct, shared := b.subs.MatchForDelivery(msg.Topic, publisherID)

	delivered := 0
	for _, entry := range direct {
		if b.deliverTo(entry, msg) {
			delivered++
		}
	}
	for groupKey, members := range shared {
		entry, connected, ok := b.balancer.Pick(groupKey, members, b.isOnline)
		if !ok {
			continue
		}
		if connected {
			if b.deliverTo(entry, msg) {
				delivered++
			}
			continue
		}
		// Every group member is offline: queue for the balanced pick's
		// persistent session so the message survives, or drop QoS 0.
		if b.queueOffline(entry, msg) {
			delivered++
		}
	}

	b.metrics.Histogram(MetricPublishLatency, nil).ObserveDuration(time.Since(start))

	if delivered == 0 && len(direct) == 0 && len(shared) == 0 {
		return ReasonNoMatchingSubscribers
	}
	return ReasonSuccess
}

func (b *Broker) updateRetained(msg *Message) {
	if len(msg.Payload) == 0 {
		b.retained.Delete(msg.Topic)
	} else {
		retained := &RetainedMessage{
			Topic:    msg.Topic,
			Payload:  msg.Payload,
			QoS:      msg.QoS,
			StoredAt: time.Now(),
		}
		if msg.MessageExpiry > 0 {
			retained.ExpiresAt = time.Now().Add(time.Duration(msg.MessageExpiry) * time.Second)
		}
		if err := b.retained.Set(retained); err != nil {
			b.logger.Error("store retained", LogFields{
				LogFieldTopic: msg.Topic,
				LogFieldError: err.Error(),
			})
		}
	}
	b.metrics.Gauge(MetricRetainedMessages, nil).Set(float64(b.retained.Count()))
}

// deliverTo sends one message to one subscriber, online or offline.
// Reports whether the message was delivered or queued.
func (b *Broker) deliverTo(entry SubscriptionEntry, msg *Message) bool {
	delivery := msg.Clone()
	delivery.QoS = minQoS(msg.QoS, entry.Subscription.QoS)
	delivery.Retain = DeliveryRetain(entry.Subscription, msg.Retain)

	client, online := b.client(entry.ClientID)
	if online {
		if err := client.Send(delivery); err != nil {
			b.metrics.Counter(MetricMessagesDropped, qosLabels(delivery.QoS)).Inc()
			b.logger.Debug("delivery failed", LogFields{
				LogFieldClientID: entry.ClientID,
				LogFieldTopic:    msg.Topic,
				LogFieldError:    err.Error(),
			})
			return false
		}
		b.metrics.Counter(MetricMessagesDelivered, qosLabels(delivery.QoS)).Inc()
		return true
	}

	return b.queueOffline(entry, msg)
}

// queueOffline stores a message for an offline persistent session.
// QoS 0 messages are dropped, not queued.
func (b *Broker) queueOffline(entry SubscriptionEntry, msg *Message) bool {
	delivery := msg.Clone()
	delivery.QoS = minQoS(msg.QoS, entry.Subscription.QoS)
	delivery.Retain = DeliveryRetain(entry.Subscription, msg.Retain)

	if delivery.QoS == QoS0 {
		b.metrics.Counter(MetricMessagesDropped, qosLabels(QoS0)).Inc()
		return false
	}

	session, err := b.sessions.Get(entry.ClientID)
	if err != nil {
		b.metrics.Counter(MetricMessagesDropped, qosLabels(delivery.QoS)).Inc()
		return false
	}
	if err := session.Enqueue(delivery); err != nil {
		b.metrics.Counter(MetricMessagesDropped, qosLabels(delivery.QoS)).Inc()
		b.logger.Debug("offline queue full", LogFields{
			LogFieldClientID: entry.ClientID,
			LogFieldTopic:    msg.Topic,
		})
		return false
	}
	if err := b.sessions.Update(session); err != nil {
		b.logger.Error("persist session", LogFields{
			LogFieldClientID: entry.ClientID,
			LogFieldError:    err.Error(),
		})
	}
	b.metrics.Counter(MetricMessagesQueued, qosLabels(delivery.QoS)).Inc()
	return true
}

func (b *Broker) authorize(client *Client, action AuthzAction, topic string, qos byte, retain bool) ReasonCode {
	res, err := b.authz.Authorize(context.Background(), &AuthzRequest{
		ClientID: client.ClientID(),
		Username: client.Username(),
		Topic:    topic,
		Action:   action,
		QoS:      qos,
		Retain:   retain,
	})
	if err != nil {
		b.logger.Error("authorizer", LogFields{
			LogFieldClientID: client.ClientID(),
			LogFieldError:    err.Error(),
		})
		return ReasonUnspecifiedError
	}
	if !res.Allowed {
		if res.ReasonCode != 0 {
			return res.ReasonCode
		}
		return ReasonNotAuthorized
	}
	return ReasonSuccess
}

// persist pushes the client's session to the store. A store failure on
// a persistent backend is surfaced by disconnecting the client rather
// than silently diverging from disk.
func (b *Broker) persist(client *Client) {
	if err := b.sessions.Update(client.Session()); err != nil {
		b.logger.Error("persist session", LogFields{
			LogFieldClientID: client.ClientID(),
			LogFieldError:    err.Error(),
		})
		client.Disconnect(ReasonServerUnavailable)
	}
}

// dropSubscriptions removes every subscription a client owns and
// releases balancer state for shared groups it emptied.
func (b *Broker) dropSubscriptions(clientID string) {
	groups := b.subs.SharedGroups(clientID)
	b.subs.UnsubscribeAll(clientID)
	for _, key := range groups {
		if b.subs.SharedGroupSize(key) == 0 {
			b.balancer.Forget(key)
		}
	}
}

// bindLock serializes CONNECT handling per client ID so a takeover is
// one indivisible lookup-signal-register sequence. Entries are
// reference counted and removed once the last waiter releases.
type bindLock struct {
	mu   sync.Mutex
	refs int
}

func (b *Broker) lockBind(clientID string) *bindLock {
	b.mu.Lock()
	l := b.binds[clientID]
	if l == nil {
		l = &bindLock{}
		b.binds[clientID] = l
	}
	l.refs++
	b.mu.Unlock()

	l.mu.Lock()
	return l
}

func (b *Broker) unlockBind(clientID string, l *bindLock) {
	l.mu.Unlock()

	b.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(b.binds, clientID)
	}
	b.mu.Unlock()
}

func (b *Broker) client(clientID string) (*Client, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, ok := b.clients[clientID]
	if !ok || !c.IsConnected() {
		return nil, false
	}
	return c, true
}

func (b *Broker) isOnline(clientID string) bool {
	_, ok := b.client(clientID)
	return ok
}

func (b *Broker) removeClient(client *Client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.clients[client.ClientID()] == client {
		delete(b.clients, client.ClientID())
	}
}

// ConnectedClients returns the number of live connections.
func (b *Broker) ConnectedClients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// SessionCount returns the number of sessions in the store, connected
// or not.
func (b *Broker) SessionCount() int {
	return len(b.sessions.List())
}

func (b *Broker) keepAliveLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			b.sweepKeepAlive()
		}
	}
}

func (b *Broker) sweepKeepAlive() {
	for _, clientID := range b.alive.Expired() {
		client, ok := b.client(clientID)
		if !ok {
			b.alive.Unregister(clientID)
			continue
		}
		b.logger.Info("keep-alive timeout", LogFields{LogFieldClientID: clientID})
		client.Disconnect(ReasonKeepAliveTimeout)
	}
}

func (b *Broker) willLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			b.fireReadyWills()
		}
	}
}

func (b *Broker) fireReadyWills() {
	for _, entry := range b.wills.TakeReady() {
		if err := b.Publish(entry.Will.ToMessage()); err != nil {
			b.logger.Error("publish will", LogFields{
				LogFieldClientID: entry.ClientID,
				LogFieldTopic:    entry.Will.Topic,
				LogFieldError:    err.Error(),
			})
			continue
		}
		b.metrics.Counter(MetricWillsFired, nil).Inc()
		b.logger.Info("will published", LogFields{
			LogFieldClientID: entry.ClientID,
			LogFieldTopic:    entry.Will.Topic,
		})
	}
}

func (b *Broker) retryLoop() {
	defer b.wg.Done()
	interval := b.retryTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			b.retryPending()
		}
	}
}

func (b *Broker) retryPending() {
	b.mu.RLock()
	clients := make([]*Client, 0, len(b.clients))
	for _, c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	for _, client := range clients {
		if !client.IsConnected() {
			continue
		}

		for _, flow := range client.qos1.PendingRetries() {
			_ = client.writePacket(&PublishPacket{
				PacketID:      flow.PacketID,
				Topic:         flow.Message.Topic,
				Payload:       flow.Message.Payload,
				QoS:           QoS1,
				Retain:        flow.Message.Retain,
				DUP:           true,
				MessageExpiry: flow.Message.MessageExpiry,
			})
		}

		for _, flow := range client.qos2.PendingRetries() {
			switch flow.State {
			case QoS2AwaitingPubrec:
				_ = client.writePacket(&PublishPacket{
					PacketID:      flow.PacketID,
					Topic:         flow.Message.Topic,
					Payload:       flow.Message.Payload,
					QoS:           QoS2,
					Retain:        flow.Message.Retain,
					DUP:           true,
					MessageExpiry: flow.Message.MessageExpiry,
				})
			case QoS2AwaitingPubcomp:
				_ = client.writePacket(&PubrelPacket{PacketID: flow.PacketID})
			}
		}

		for _, flow := range client.recvQoS2.PendingRetries() {
			if flow.State == QoS2AwaitingPubrel {
				_ = client.writePacket(&PubrecPacket{PacketID: flow.PacketID})
			}
		}

		client.qos2.CleanupCompleted()
		client.recvQoS2.CleanupCompleted()
	}
}

func (b *Broker) expiryLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			b.sweepExpired(time.Now())
		}
	}
}

// sweepExpired destroys sessions past their deadline. A will still
// pending for a destroyed session fires now: it must not outlive the
// session.
func (b *Broker) sweepExpired(now time.Time) {
	if cleaner, ok := b.retained.(interface{ Cleanup() int }); ok {
		if purged := cleaner.Cleanup(); purged > 0 {
			b.metrics.Gauge(MetricRetainedMessages, nil).Set(float64(b.retained.Count()))
		}
	}

	for _, clientID := range b.sessions.ExpireSweep(now) {
		b.dropSubscriptions(clientID)

		if entry := b.wills.TakePending(clientID); entry != nil {
			if err := b.Publish(entry.Will.ToMessage()); err == nil {
				b.metrics.Counter(MetricWillsFired, nil).Inc()
			}
		}
		b.wills.Disarm(clientID)

		b.metrics.Counter(MetricSessionsExpired, nil).Inc()
		b.logger.Info("session expired", LogFields{LogFieldClientID: clientID})
	}
	b.metrics.Gauge(MetricSubscriptions, nil).Set(float64(b.subs.Count()))
}

func grantedCode(qos byte) ReasonCode {
	switch qos {
	case QoS1:
		return ReasonGrantedQoS1
	case QoS2:
		return ReasonGrantedQoS2
	default:
		return ReasonSuccess
	}
}

func minQoS(a, b byte) byte {
	if a < b {
		return a
	}
	return b
}

// effectiveFilter strips the $share prefix for validation; the inner
// filter is what must be a valid topic filter.
func effectiveFilter(filter string) string {
	if shared, err := ParseSharedSubscription(filter); err == nil && shared != nil {
		return shared.TopicFilter
	}
	return filter
}
