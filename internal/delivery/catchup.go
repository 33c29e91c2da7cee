package delivery

import (
	"context"
	"time"

	"tajpoint/internal/eventbus"
	"tajpoint/internal/runtime/supervisor"
	logx "tajpoint/pkg/logx"
)

type CatchUpConfig struct {
	Limit        int           // default 5
	Window       time.Duration // default 5m
	FetchTimeout time.Duration // default 10s
}

// CatchUp rescans the newest sent announcements whenever the page becomes
// visible again. Items older than Window are left alone.
type CatchUp struct {
	cfg CatchUpConfig
	src EventSource
	del *Deliverer
	log logx.Logger
	now func() time.Time
}

func NewCatchUp(cfg CatchUpConfig, src EventSource, del *Deliverer, log logx.Logger) *CatchUp {
	if cfg.Limit <= 0 {
		cfg.Limit = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = 5 * time.Minute
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &CatchUp{cfg: cfg, src: src, del: del, log: log, now: time.Now}
}

// Scan runs one catch-up pass and returns how many notifications it rendered.
func (c *CatchUp) Scan(ctx context.Context) int {
	fctx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
	items, err := c.src.RecentSent(fctx, c.cfg.Limit)
	cancel()
	if err != nil {
		c.log.Debug("catch-up fetch failed", logx.Err(err))
		return 0
	}
	cutoff := c.now().Add(-c.cfg.Window)
	n := 0
	for _, a := range items {
		if !a.Eligible() || a.SentAt.Before(cutoff) {
			continue
		}
		if c.del.Deliver(ctx, PathCatchUp, a) {
			n++
		}
	}
	return n
}

// Run scans on every page-visible event until ctx ends.
func (c *CatchUp) Run(ctx context.Context, bus eventbus.Bus) error {
	if bus == nil {
		<-ctx.Done()
		return nil
	}
	ch, unsub := bus.Subscribe(8, eventbus.PageVisible)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-ch:
			if !ok {
				return nil
			}
			_ = supervisor.Safe(c.log, "catchup.scan", func() error {
				c.Scan(ctx)
				return nil
			})
		}
	}
}
