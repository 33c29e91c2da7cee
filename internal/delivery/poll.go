package delivery

import (
	"context"
	"sync"
	"time"

	"tajpoint/internal/metrics"
	"tajpoint/internal/runtime/supervisor"
	logx "tajpoint/pkg/logx"
)

type PollConfig struct {
	Interval time.Duration // default 15s
	// SafetyNet forces one fetch after this long without any, even while the
	// realtime channel reports joined. 0 disables it.
	SafetyNet    time.Duration
	FetchTimeout time.Duration // default 10s
}

// Poll is the fallback path. While the realtime channel is joined it stays
// quiet (apart from the optional safety net).
type Poll struct {
	cfg    PollConfig
	src    EventSource
	del    *Deliverer
	health *Health
	log    logx.Logger
	m      *metrics.Metrics
	now    func() time.Time

	mu        sync.Mutex
	lastSeen  string
	lastFetch time.Time
}

func NewPoll(cfg PollConfig, src EventSource, del *Deliverer, health *Health, log logx.Logger, m *metrics.Metrics) *Poll {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.SafetyNet < 0 {
		cfg.SafetyNet = 0
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Poll{cfg: cfg, src: src, del: del, health: health, log: log, m: m, now: time.Now}
	p.lastFetch = p.now()
	return p
}

// Tick runs one poll step and reports whether it fetched.
func (p *Poll) Tick(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if p.health != nil && p.health.Joined() {
		if p.cfg.SafetyNet <= 0 || now.Sub(p.lastFetch) < p.cfg.SafetyNet {
			return false
		}
	}
	p.lastFetch = now
	p.m.PollFetch()

	fctx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
	items, err := p.src.RecentSent(fctx, 1)
	cancel()
	if err != nil {
		p.log.Debug("poll fetch failed", logx.Err(err))
		return true
	}
	if len(items) == 0 || items[0].ID == "" || items[0].ID == p.lastSeen {
		return true
	}
	p.lastSeen = items[0].ID
	p.del.Deliver(ctx, PathPoll, items[0])
	return true
}

// LastSeen returns the newest id the loop has observed.
func (p *Poll) LastSeen() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSeen
}

// Run ticks every Interval until ctx ends.
func (p *Poll) Run(ctx context.Context) error {
	t := time.NewTicker(p.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			_ = supervisor.Safe(p.log, "poll.tick", func() error {
				p.Tick(ctx)
				return nil
			})
		}
	}
}
