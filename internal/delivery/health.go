package delivery

import (
	"sync"
	"time"

	"tajpoint/internal/metrics"
	"tajpoint/internal/model"
)

// Health tracks the realtime channel lifecycle. The poll fallback reads
// Joined; nothing else writes it.
type Health struct {
	m   *metrics.Metrics
	now func() time.Time

	mu      sync.RWMutex
	status  model.ChannelStatus
	since   time.Time
	lastErr error
}

func NewHealth(m *metrics.Metrics) *Health {
	return &Health{m: m, now: time.Now, status: model.StatusClosed}
}

// Observe records a lifecycle status.
func (h *Health) Observe(st model.ChannelStatus, err error) {
	h.mu.Lock()
	if st != h.status {
		h.since = h.now()
	}
	h.status = st
	h.lastErr = err
	h.mu.Unlock()
	h.m.RealtimeStatus(string(st), st == model.StatusSubscribed)
}

// Joined reports whether the channel is currently subscribed.
func (h *Health) Joined() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status == model.StatusSubscribed
}

// Status returns the last status, when it started and the last error.
func (h *Health) Status() (model.ChannelStatus, time.Time, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.status, h.since, h.lastErr
}
