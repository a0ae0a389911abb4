package nestmq

import (
	"errors"
	"sync"
)

var ErrQuotaExceeded = errors.New("receive quota exceeded")

// FlowController enforces a receive-maximum: the number of QoS 1/2
// publishes that may be outstanding (sent but unacknowledged) toward
// one peer. Exceeding the quota is a recoverable, per-publish condition
// rather than a session fault.
type FlowController struct {
	mu       sync.Mutex
	limit    uint16
	inFlight uint16
}

// NewFlowController creates a flow controller. A zero limit means the
// protocol default of 65535.
func NewFlowController(limit uint16) *FlowController {
	if limit == 0 {
		limit = 65535
	}
	return &FlowController{limit: limit}
}

// Limit returns the configured receive maximum.
func (f *FlowController) Limit() uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.limit
}

// InFlight returns the current number of outstanding sends.
func (f *FlowController) InFlight() uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inFlight
}

// Available returns the remaining quota.
func (f *FlowController) Available() uint16 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inFlight >= f.limit {
		return 0
	}
	return f.limit - f.inFlight
}

// TryAcquire claims one quota slot. Returns false when the quota is
// exhausted; the caller rejects that specific publish.
func (f *FlowController) TryAcquire() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.inFlight >= f.limit {
		return false
	}
	f.inFlight++
	return true
}

// Acquire claims one quota slot or returns ErrQuotaExceeded.
func (f *FlowController) Acquire() error {
	if !f.TryAcquire() {
		return ErrQuotaExceeded
	}
	return nil
}

// Release returns one quota slot after an acknowledgment.
func (f *FlowController) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.inFlight > 0 {
		f.inFlight--
	}
}

// Reset clears the outstanding count, e.g. on reconnect.
func (f *FlowController) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inFlight = 0
}
