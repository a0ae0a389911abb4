package nestmq

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetrics adapts the Metrics interface onto a prometheus
// registry. Collectors are created lazily the first time a name is
// used and registered on the given registerer.
type PrometheusMetrics struct {
	mu         sync.Mutex
	reg        prometheus.Registerer
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// NewPrometheusMetrics creates a prometheus-backed Metrics. A nil
// registerer uses the default registry.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &PrometheusMetrics{
		reg:        reg,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

func labelNames(labels MetricLabels) []string {
	names := make([]string, 0, len(labels))
	for name := range labels {
		names = append(names, name)
	}
	return names
}

// Counter returns the counter registered under name and labels.
func (p *PrometheusMetrics) Counter(name string, labels MetricLabels) Counter {
	p.mu.Lock()
	vec, ok := p.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: name},
			labelNames(labels),
		)
		p.reg.MustRegister(vec)
		p.counters[name] = vec
	}
	p.mu.Unlock()

	return &promCounter{c: vec.With(prometheus.Labels(labels))}
}

// Gauge returns the gauge registered under name and labels.
func (p *PrometheusMetrics) Gauge(name string, labels MetricLabels) Gauge {
	p.mu.Lock()
	vec, ok := p.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Name: name},
			labelNames(labels),
		)
		p.reg.MustRegister(vec)
		p.gauges[name] = vec
	}
	p.mu.Unlock()

	return &promGauge{g: vec.With(prometheus.Labels(labels))}
}

// Histogram returns the histogram registered under name and labels.
func (p *PrometheusMetrics) Histogram(name string, labels MetricLabels) Histogram {
	p.mu.Lock()
	vec, ok := p.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    name,
				Buckets: prometheus.DefBuckets,
			},
			labelNames(labels),
		)
		p.reg.MustRegister(vec)
		p.histograms[name] = vec
	}
	p.mu.Unlock()

	return &promHistogram{h: vec.With(prometheus.Labels(labels))}
}

type promCounter struct {
	c prometheus.Counter
}

func (c *promCounter) Inc()              { c.c.Inc() }
func (c *promCounter) Add(delta float64) { c.c.Add(delta) }

// Value is not readable from a prometheus counter; scrape the registry
// instead. Returns zero.
func (c *promCounter) Value() float64 { return 0 }

type promGauge struct {
	g prometheus.Gauge
}

func (g *promGauge) Set(value float64) { g.g.Set(value) }
func (g *promGauge) Inc()              { g.g.Inc() }
func (g *promGauge) Dec()              { g.g.Dec() }

// Value is not readable from a prometheus gauge. Returns zero.
func (g *promGauge) Value() float64 { return 0 }

type promHistogram struct {
	h prometheus.Observer
}

func (h *promHistogram) Observe(value float64) { h.h.Observe(value) }

func (h *promHistogram) ObserveDuration(d time.Duration) { h.h.Observe(d.Seconds()) }

// Count is not readable from a prometheus histogram. Returns zero.
func (h *promHistogram) Count() uint64 { return 0 }

// Sum is not readable from a prometheus histogram. Returns zero.
func (h *promHistogram) Sum() float64 { return 0 }
