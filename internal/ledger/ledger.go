// Package ledger records which notification-worthy event ids were already
// shown to the user on this device.
//
// Entries are add-only inside a retention window (24h by default). A hot
// in-memory cache answers positive lookups; the persistent store is the
// authority and is shared with the other execution context, so a miss in
// the cache always falls back to a full (pruning) read of the store.
package ledger

import (
	"context"
	"strings"
	"sync"
	"time"

	"tajpoint/internal/storage"
	logx "tajpoint/pkg/logx"
)

const DefaultRetention = 24 * time.Hour

// Config controls retention and per-call storage timeouts.
type Config struct {
	Retention    time.Duration
	StoreTimeout time.Duration
}

// Ledger is safe for concurrent use. One Ledger exists per execution
// context; several Ledgers may share one storage.Store.
type Ledger struct {
	cfg   Config
	store storage.Store
	log   logx.Logger
	now   func() time.Time

	mu  sync.Mutex
	hot map[string]time.Time // id -> first seen
}

type Option func(*Ledger)

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// New builds a ledger over store. A nil store keeps the ledger memory-only.
func New(cfg Config, store storage.Store, log logx.Logger, opts ...Option) *Ledger {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 500 * time.Millisecond
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	l := &Ledger{
		cfg:   cfg,
		store: store,
		log:   log,
		now:   time.Now,
		hot:   map[string]time.Time{},
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Warm populates the hot cache from the persistent store (startup).
func (l *Ledger) Warm(ctx context.Context) {
	l.readAll(ctx)
}

// Retention returns the configured retention window.
func (l *Ledger) Retention() time.Duration { return l.cfg.Retention }

func (l *Ledger) cutoff() time.Time { return l.now().Add(-l.cfg.Retention) }

// HasBeenShown reports whether id has an unexpired entry.
func (l *Ledger) HasBeenShown(ctx context.Context, id string) bool {
	id = strings.TrimSpace(id)
	if id == "" {
		return false
	}
	cutoff := l.cutoff()

	l.mu.Lock()
	at, ok := l.hot[id]
	if ok && at.Before(cutoff) {
		delete(l.hot, id)
		ok = false
	}
	l.mu.Unlock()
	if ok {
		return true
	}

	// The other context may have written since we warmed.
	all := l.readAll(ctx)
	at, ok = all[id]
	return ok && !at.Before(cutoff)
}

// MarkShown records id as shown. Calling it again for a live id is a no-op.
func (l *Ledger) MarkShown(ctx context.Context, id string) error {
	_, err := l.Reserve(ctx, id)
	return err
}

// Reserve atomically adds id unless a live entry already exists, and reports
// whether this call created it. On storage failure the hot cache is still
// updated and (true, err) is returned: the caller may proceed, at the cost
// of a possible re-show from the other context.
func (l *Ledger) Reserve(ctx context.Context, id string) (bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return false, nil
	}
	now := l.now()
	cutoff := now.Add(-l.cfg.Retention)

	l.mu.Lock()
	if at, ok := l.hot[id]; ok && !at.Before(cutoff) {
		l.mu.Unlock()
		return false, nil
	}
	l.hot[id] = now
	l.mu.Unlock()

	if l.store == nil {
		return true, nil
	}
	sctx, cancel := l.storeCtx(ctx)
	defer cancel()
	added, err := l.store.AddLedger(sctx, id, now, cutoff)
	if err != nil {
		l.log.Warn("ledger write skipped", logx.String("id", id), logx.Err(err))
		return true, err
	}
	if !added {
		// Someone else holds a live entry; keep our cache positive.
		return false, nil
	}
	return true, nil
}

// Len returns the number of live entries in the hot cache.
func (l *Ledger) Len() int {
	cutoff := l.cutoff()
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, at := range l.hot {
		if !at.Before(cutoff) {
			n++
		}
	}
	return n
}

// Forget drops the hot cache. Call it after the store was cleared so the
// process stops treating old ids as shown.
func (l *Ledger) Forget() {
	l.mu.Lock()
	clear(l.hot)
	l.mu.Unlock()
}

// readAll performs the full, pruning read and refreshes the hot cache.
// Storage errors degrade to "nothing found".
func (l *Ledger) readAll(ctx context.Context) map[string]time.Time {
	cutoff := l.cutoff()
	if l.store == nil {
		l.mu.Lock()
		defer l.mu.Unlock()
		out := make(map[string]time.Time, len(l.hot))
		for id, at := range l.hot {
			if at.Before(cutoff) {
				delete(l.hot, id)
				continue
			}
			out[id] = at
		}
		return out
	}

	sctx, cancel := l.storeCtx(ctx)
	defer cancel()
	all, err := l.store.LoadLedger(sctx, cutoff)
	if err != nil {
		l.log.Warn("ledger read failed", logx.Err(err))
		return nil
	}

	l.mu.Lock()
	for id, at := range l.hot {
		if at.Before(cutoff) {
			delete(l.hot, id)
		}
	}
	for id, at := range all {
		l.hot[id] = at
	}
	l.mu.Unlock()
	return all
}

func (l *Ledger) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, l.cfg.StoreTimeout)
}
