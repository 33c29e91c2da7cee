// Package coordinator is the single gate every delivery path passes before a
// notification is rendered.
//
// TryClaim grants at most one caller per event id: an in-memory processing
// claim absorbs same-tick races inside one execution context, and the
// ledger reservation (written before rendering) absorbs races with the
// other context.
package coordinator

import (
	"context"
	"strings"
	"sync"
	"time"

	"tajpoint/internal/ledger"
	"tajpoint/internal/metrics"
	logx "tajpoint/pkg/logx"
)

const DefaultGrace = 2 * time.Second

// Ledger is the subset of *ledger.Ledger the coordinator needs.
type Ledger interface {
	HasBeenShown(ctx context.Context, id string) bool
	Reserve(ctx context.Context, id string) (bool, error)
}

var _ Ledger = (*ledger.Ledger)(nil)

// Coordinator owns the processing claims of one execution context.
type Coordinator struct {
	ledger Ledger
	grace  time.Duration
	log    logx.Logger
	m      *metrics.Metrics

	mu     sync.Mutex
	claims map[string]*time.Timer
	closed bool
}

// New builds a coordinator. grace <= 0 uses DefaultGrace.
func New(l Ledger, grace time.Duration, log logx.Logger, m *metrics.Metrics) *Coordinator {
	if grace <= 0 {
		grace = DefaultGrace
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Coordinator{
		ledger: l,
		grace:  grace,
		log:    log,
		m:      m,
		claims: map[string]*time.Timer{},
	}
}

// TryClaim reports whether the caller may render the notification for
// eventID. When it returns true the ledger already records the event.
func (c *Coordinator) TryClaim(ctx context.Context, eventID string) bool {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return false
	}

	if c.held(eventID) {
		c.m.ClaimDenied("in_flight")
		return false
	}
	if c.ledger.HasBeenShown(ctx, eventID) {
		c.m.ClaimDenied("already_shown")
		return false
	}
	if !c.acquire(eventID) {
		c.m.ClaimDenied("in_flight")
		return false
	}

	// Another context may have written between the check and the acquire.
	if c.ledger.HasBeenShown(ctx, eventID) {
		c.releaseLater(eventID)
		c.m.ClaimDenied("already_shown")
		return false
	}
	ok, err := c.ledger.Reserve(ctx, eventID)
	if err != nil {
		c.log.Debug("ledger reserve degraded", logx.String("id", eventID), logx.Err(err))
	}
	c.releaseLater(eventID)
	if !ok {
		c.m.ClaimDenied("already_shown")
		return false
	}
	c.m.ClaimGranted()
	return true
}

// Held reports whether a processing claim for eventID is live.
func (c *Coordinator) Held(eventID string) bool { return c.held(eventID) }

func (c *Coordinator) held(id string) bool {
	c.mu.Lock()
	_, ok := c.claims[id]
	c.mu.Unlock()
	return ok
}

func (c *Coordinator) acquire(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	if _, ok := c.claims[id]; ok {
		return false
	}
	c.claims[id] = nil
	return true
}

// releaseLater drops the claim after the grace window so near-simultaneous
// callers still see it.
func (c *Coordinator) releaseLater(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		delete(c.claims, id)
		return
	}
	var t *time.Timer
	t = time.AfterFunc(c.grace, func() {
		c.mu.Lock()
		if cur, ok := c.claims[id]; ok && cur == t {
			delete(c.claims, id)
		}
		c.mu.Unlock()
	})
	c.claims[id] = t
}

// Close stops pending release timers and rejects further claims.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for id, t := range c.claims {
		if t != nil {
			t.Stop()
		}
		delete(c.claims, id)
	}
}
