package delivery

import (
	"context"
	"errors"
	"time"

	"tajpoint/internal/model"
	logx "tajpoint/pkg/logx"
)

var ErrGaveUp = errors.New("delivery: realtime reconnect attempts exhausted")

type statusEvent struct {
	status model.ChannelStatus
	err    error
}

// Realtime keeps the announcements subscription alive. Terminal statuses
// trigger reconnects on the Backoff schedule; a SUBSCRIBED status resets the
// attempt counter. Once MaxRetries reconnects fail in a row the path parks
// until Revive is called (or ctx ends) and the poll fallback carries
// delivery meanwhile.
type Realtime struct {
	src     EventSource
	del     *Deliverer
	health  *Health
	backoff Backoff
	log     logx.Logger
	sleep   func(ctx context.Context, d time.Duration) error

	revive chan struct{}
}

type RealtimeOption func(*Realtime)

// WithSleep replaces the reconnect wait (tests record delays instead).
func WithSleep(fn func(ctx context.Context, d time.Duration) error) RealtimeOption {
	return func(r *Realtime) {
		if fn != nil {
			r.sleep = fn
		}
	}
}

func NewRealtime(src EventSource, del *Deliverer, health *Health, b Backoff, log logx.Logger, opts ...RealtimeOption) *Realtime {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Realtime{
		src:     src,
		del:     del,
		health:  health,
		backoff: b.withDefaults(),
		log:     log,
		sleep:   sleepCtx,
		revive:  make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Revive restarts a parked path with a fresh retry budget.
func (r *Realtime) Revive() {
	select {
	case r.revive <- struct{}{}:
	default:
	}
}

// Run blocks until ctx ends.
func (r *Realtime) Run(ctx context.Context) error {
	for {
		if err := r.runUntilExhausted(ctx); err != nil {
			r.log.Warn("realtime unavailable; poll fallback only", logx.Err(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-r.revive:
			r.log.Info("realtime revived")
		}
	}
}

// runUntilExhausted returns nil when ctx ends and ErrGaveUp when the retry
// budget is spent.
func (r *Realtime) runUntilExhausted(ctx context.Context) error {
	attempt := 0
	for {
		st, err := r.session(ctx, func() { attempt = 0 })
		if ctx.Err() != nil {
			return nil
		}
		attempt++
		if attempt > r.backoff.MaxRetries {
			return ErrGaveUp
		}
		delay := r.backoff.Delay(attempt)
		r.log.Info("realtime reconnecting",
			logx.String("status", string(st)),
			logx.Int("attempt", attempt),
			logx.Duration("delay", delay),
			logx.Err(err))
		if err := r.sleep(ctx, delay); err != nil {
			return nil
		}
	}
}

// session runs one subscription until it reports a terminal status.
func (r *Realtime) session(ctx context.Context, onJoined func()) (model.ChannelStatus, error) {
	statuses := make(chan statusEvent, 4)
	onStatus := func(st model.ChannelStatus, err error) {
		r.health.Observe(st, err)
		select {
		case statuses <- statusEvent{status: st, err: err}:
		default:
		}
	}
	onInsert := func(a model.Announcement) {
		r.del.Deliver(ctx, PathRealtime, a)
	}

	sub, err := r.src.Subscribe(ctx, onInsert, onStatus)
	if err != nil {
		r.health.Observe(model.StatusChannelError, err)
		return model.StatusChannelError, err
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return model.StatusClosed, nil
		case ev := <-statuses:
			if !ev.status.Terminal() {
				onJoined()
				r.log.Debug("realtime subscribed")
				continue
			}
			return ev.status, ev.err
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
