package nestmq

import (
	"time"

	"golang.org/x/time/rate"
)

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithSessionStore replaces the in-memory session store.
func WithSessionStore(store SessionStore) BrokerOption {
	return func(b *Broker) {
		if store != nil {
			b.sessions = store
		}
	}
}

// WithSessionFactory replaces the session constructor used for new
// client IDs.
func WithSessionFactory(factory SessionFactory) BrokerOption {
	return func(b *Broker) {
		if factory != nil {
			b.sessionFactory = factory
		}
	}
}

// WithRetainedStore replaces the in-memory retained message store.
func WithRetainedStore(store RetainedStore) BrokerOption {
	return func(b *Broker) {
		if store != nil {
			b.retained = store
		}
	}
}

// WithAuthorizer installs the external authorization collaborator.
func WithAuthorizer(authz Authorizer) BrokerOption {
	return func(b *Broker) {
		if authz != nil {
			b.authz = authz
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger Logger) BrokerOption {
	return func(b *Broker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics Metrics) BrokerOption {
	return func(b *Broker) {
		if metrics != nil {
			b.metrics = metrics
		}
	}
}

// WithKeepAliveOverride forces every connection onto this keep-alive
// interval regardless of what the client requested. The override is
// echoed in the CONNACK.
func WithKeepAliveOverride(seconds uint16) BrokerOption {
	return func(b *Broker) {
		b.alive.SetOverride(seconds)
	}
}

// WithReceiveMaximum sets how many unacknowledged QoS 1/2 publishes
// the broker accepts from each client.
func WithReceiveMaximum(n uint16) BrokerOption {
	return func(b *Broker) {
		if n > 0 {
			b.receiveMaximum = n
		}
	}
}

// WithMaxConnections caps concurrent connections. Zero means no cap.
func WithMaxConnections(n int) BrokerOption {
	return func(b *Broker) {
		b.maxConnections = n
	}
}

// WithMaxQueuedMessages caps per-session offline queues.
func WithMaxQueuedMessages(n int) BrokerOption {
	return func(b *Broker) {
		b.maxQueuedMessages = n
	}
}

// WithConnectRateLimit bounds how fast connections are accepted.
// Excess CONNECTs are refused with ConnectionRateExceeded.
func WithConnectRateLimit(perSecond float64, burst int) BrokerOption {
	return func(b *Broker) {
		b.connectLimiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithRetry tunes QoS retransmission: how long a flow waits for its
// acknowledgment and how often it is retried before being abandoned.
func WithRetry(timeout time.Duration, maxRetries int) BrokerOption {
	return func(b *Broker) {
		if timeout > 0 {
			b.retryTimeout = timeout
		}
		if maxRetries > 0 {
			b.maxRetries = maxRetries
		}
	}
}

// WithOnConnect registers a hook invoked after a successful CONNECT.
func WithOnConnect(fn func(clientID string)) BrokerOption {
	return func(b *Broker) {
		b.onConnect = fn
	}
}

// WithOnDisconnect registers a hook invoked after a connection is torn
// down.
func WithOnDisconnect(fn func(clientID string, graceful bool)) BrokerOption {
	return func(b *Broker) {
		b.onDisconnect = fn
	}
}
