package nestmq

import "time"

// MetricLabels are key-value pairs attached to a metric.
type MetricLabels map[string]string

// Metrics is the instrumentation interface the broker records into.
type Metrics interface {
	// Counter returns a monotonically increasing counter.
	Counter(name string, labels MetricLabels) Counter

	// Gauge returns a value that can go up and down.
	Gauge(name string, labels MetricLabels) Gauge

	// Histogram returns a distribution of observed values.
	Histogram(name string, labels MetricLabels) Histogram
}

// Counter is a monotonically increasing counter.
type Counter interface {
	Inc()
	Add(delta float64)
	Value() float64
}

// Gauge is a value that can go up and down.
type Gauge interface {
	Set(value float64)
	Inc()
	Dec()
	Value() float64
}

// Histogram tracks a distribution of values.
type Histogram interface {
	Observe(value float64)
	ObserveDuration(d time.Duration)
	Count() uint64
	Sum() float64
}

// NoOpMetrics discards all observations.
type NoOpMetrics struct{}

func (n *NoOpMetrics) Counter(_ string, _ MetricLabels) Counter     { return &noOpCounter{} }
func (n *NoOpMetrics) Gauge(_ string, _ MetricLabels) Gauge         { return &noOpGauge{} }
func (n *NoOpMetrics) Histogram(_ string, _ MetricLabels) Histogram { return &noOpHistogram{} }

type noOpCounter struct{}

func (n *noOpCounter) Inc()           {}
func (n *noOpCounter) Add(_ float64)  {}
func (n *noOpCounter) Value() float64 { return 0 }

type noOpGauge struct{}

func (n *noOpGauge) Set(_ float64)  {}
func (n *noOpGauge) Inc()           {}
func (n *noOpGauge) Dec()           {}
func (n *noOpGauge) Value() float64 { return 0 }

type noOpHistogram struct{}

func (n *noOpHistogram) Observe(_ float64)               {}
func (n *noOpHistogram) ObserveDuration(_ time.Duration) {}
func (n *noOpHistogram) Count() uint64                   { return 0 }
func (n *noOpHistogram) Sum() float64                    { return 0 }

// Metric names recorded by the delivery engine.
const (
	// MetricConnections is the current number of bound connections.
	MetricConnections = "nestmq_connections"

	// MetricConnectionsTotal counts connections ever accepted.
	MetricConnectionsTotal = "nestmq_connections_total"

	// MetricMessagesPublished counts inbound application messages.
	MetricMessagesPublished = "nestmq_messages_published_total"

	// MetricMessagesDelivered counts outbound deliveries to subscribers.
	MetricMessagesDelivered = "nestmq_messages_delivered_total"

	// MetricMessagesQueued counts messages queued for offline sessions.
	MetricMessagesQueued = "nestmq_messages_queued_total"

	// MetricMessagesDropped counts messages dropped (quota, offline QoS 0).
	MetricMessagesDropped = "nestmq_messages_dropped_total"

	// MetricSubscriptions is the current number of subscriptions.
	MetricSubscriptions = "nestmq_subscriptions"

	// MetricRetainedMessages is the current number of retained messages.
	MetricRetainedMessages = "nestmq_retained_messages"

	// MetricSessionTakeovers counts session take-overs.
	MetricSessionTakeovers = "nestmq_session_takeovers_total"

	// MetricWillsFired counts published will messages.
	MetricWillsFired = "nestmq_wills_fired_total"

	// MetricSessionsExpired counts sessions destroyed by the expiry sweep.
	MetricSessionsExpired = "nestmq_sessions_expired_total"

	// MetricPublishLatency is the publish fan-out latency.
	MetricPublishLatency = "nestmq_publish_latency_seconds"
)

// Metric label names.
const (
	LabelQoS = "qos"
)

func qosLabels(qos byte) MetricLabels {
	return MetricLabels{LabelQoS: string('0' + rune(qos))}
}
