package nestmq

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryMetrics is an in-memory Metrics implementation, primarily for
// tests and embedded use.
type MemoryMetrics struct {
	mu         sync.Mutex
	counters   map[string]*memoryCounter
	gauges     map[string]*memoryGauge
	histograms map[string]*memoryHistogram
}

// NewMemoryMetrics creates an in-memory metrics registry.
func NewMemoryMetrics() *MemoryMetrics {
	return &MemoryMetrics{
		counters:   make(map[string]*memoryCounter),
		gauges:     make(map[string]*memoryGauge),
		histograms: make(map[string]*memoryHistogram),
	}
}

func metricKey(name string, labels MetricLabels) string {
	if len(labels) == 0 {
		return name
	}
	key := name
	for k, v := range labels {
		key += "|" + k + "=" + v
	}
	return key
}

// Counter returns the counter registered under name and labels.
func (m *MemoryMetrics) Counter(name string, labels MetricLabels) Counter {
	key := metricKey(name, labels)

	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.counters[key]; ok {
		return c
	}
	c := &memoryCounter{}
	m.counters[key] = c
	return c
}

// Gauge returns the gauge registered under name and labels.
func (m *MemoryMetrics) Gauge(name string, labels MetricLabels) Gauge {
	key := metricKey(name, labels)

	m.mu.Lock()
	defer m.mu.Unlock()

	if g, ok := m.gauges[key]; ok {
		return g
	}
	g := &memoryGauge{}
	m.gauges[key] = g
	return g
}

// Histogram returns the histogram registered under name and labels.
func (m *MemoryMetrics) Histogram(name string, labels MetricLabels) Histogram {
	key := metricKey(name, labels)

	m.mu.Lock()
	defer m.mu.Unlock()

	if h, ok := m.histograms[key]; ok {
		return h
	}
	h := &memoryHistogram{}
	m.histograms[key] = h
	return h
}

type memoryCounter struct {
	bits atomic.Uint64
}

func (c *memoryCounter) Inc() { c.Add(1) }

func (c *memoryCounter) Add(delta float64) {
	for {
		old := c.bits.Load()
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if c.bits.CompareAndSwap(old, next) {
			return
		}
	}
}

func (c *memoryCounter) Value() float64 {
	return math.Float64frombits(c.bits.Load())
}

type memoryGauge struct {
	bits atomic.Uint64
}

func (g *memoryGauge) Set(value float64) {
	g.bits.Store(math.Float64bits(value))
}

func (g *memoryGauge) Inc() { g.add(1) }
func (g *memoryGauge) Dec() { g.add(-1) }

func (g *memoryGauge) add(delta float64) {
	for {
		old := g.bits.Load()
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if g.bits.CompareAndSwap(old, next) {
			return
		}
	}
}

func (g *memoryGauge) Value() float64 {
	return math.Float64frombits(g.bits.Load())
}

type memoryHistogram struct {
	mu    sync.Mutex
	count uint64
	sum   float64
}

func (h *memoryHistogram) Observe(value float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += value
}

func (h *memoryHistogram) ObserveDuration(d time.Duration) {
	h.Observe(d.Seconds())
}

func (h *memoryHistogram) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

func (h *memoryHistogram) Sum() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sum
}
