// Package scheduler fires reminder notifications at a future time from the
// background worker context, independent of the page's lifetime.
//
// Entries live in memory only. They are lost on restart, which is fine: the
// reminder planner recomputes and re-registers the next reminder on every
// activation.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"tajpoint/internal/metrics"
	"tajpoint/internal/notify"
	"tajpoint/internal/runtime/supervisor"
	logx "tajpoint/pkg/logx"
)

// MinDelay keeps a reminder from firing the instant the app starts.
const MinDelay = 2 * time.Minute

// DelayFor picks when to remind about an occurrence: almost immediately when
// it is under 2 minutes away, 1h before when it is within 24h, 24h before
// otherwise. The result is never below MinDelay.
func DelayFor(now, occurrence time.Time) time.Duration {
	until := occurrence.Sub(now)
	var d time.Duration
	switch {
	case until < MinDelay:
		d = MinDelay
	case until <= 24*time.Hour:
		d = until - time.Hour
	default:
		d = until - 24*time.Hour
	}
	if d < MinDelay {
		d = MinDelay
	}
	return d
}

// Shower renders a payload (notify.Renderer).
type Shower interface {
	Show(ctx context.Context, p notify.Payload) (string, error)
}

// Entry is one pending reminder.
type Entry struct {
	EventID string
	Title   string
	Body    string
	DueAt   time.Time
	Data    map[string]any
}

type pending struct {
	Entry
	timer *time.Timer
	ver   uint64
}

// Scheduler is safe for concurrent use.
type Scheduler struct {
	show Shower
	log  logx.Logger
	m    *metrics.Metrics
	now  func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	entries map[string]*pending
	ver     uint64
	fired   chan Entry // optional, tests
}

func New(show Shower, log logx.Logger, m *metrics.Metrics) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		show:    show,
		log:     log,
		m:       m,
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
		entries: map[string]*pending{},
	}
}

// Schedule registers a reminder delay from now, replacing any pending entry
// for the same eventID.
func (s *Scheduler) Schedule(eventID, title, body string, delay time.Duration, data map[string]any) Entry {
	if delay < 0 {
		delay = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.entries[eventID]; ok {
		old.timer.Stop()
	}
	s.ver++
	p := &pending{
		Entry: Entry{EventID: eventID, Title: title, Body: body, DueAt: s.now().Add(delay), Data: data},
		ver:   s.ver,
	}
	ver := p.ver
	p.timer = time.AfterFunc(delay, func() { s.fire(eventID, ver) })
	s.entries[eventID] = p
	s.m.Scheduled(len(s.entries))
	s.log.Debug("reminder scheduled", logx.String("event", eventID), logx.Duration("delay", delay))
	return p.Entry
}

// Cancel drops the pending reminder for eventID.
func (s *Scheduler) Cancel(eventID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.entries[eventID]
	if !ok {
		return false
	}
	p.timer.Stop()
	delete(s.entries, eventID)
	s.m.Scheduled(len(s.entries))
	return true
}

// CancelAll drops every pending reminder and returns how many there were.
func (s *Scheduler) CancelAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.entries)
	for id, p := range s.entries {
		p.timer.Stop()
		delete(s.entries, id)
	}
	s.m.Scheduled(0)
	if n > 0 {
		s.log.Info("reminders cancelled", logx.Int("count", n))
	}
	return n
}

// Pending returns the pending reminders ordered by due time.
func (s *Scheduler) Pending() []Entry {
	s.mu.Lock()
	out := make([]Entry, 0, len(s.entries))
	for _, p := range s.entries {
		out = append(out, p.Entry)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DueAt.Before(out[j].DueAt) })
	return out
}

// Close cancels everything and aborts in-flight renders.
func (s *Scheduler) Close() {
	s.CancelAll()
	s.cancel()
}

func (s *Scheduler) fire(eventID string, ver uint64) {
	s.mu.Lock()
	p, ok := s.entries[eventID]
	if !ok || p.ver != ver {
		s.mu.Unlock()
		return
	}
	delete(s.entries, eventID)
	s.m.Scheduled(len(s.entries))
	fired := s.fired
	s.mu.Unlock()

	e := p.Entry
	_ = supervisor.Safe(s.log, "scheduler.fire", func() error {
		if s.show == nil {
			return nil
		}
		ctx, cancel := context.WithTimeout(s.ctx, 30*time.Second)
		defer cancel()
		sink, err := s.show.Show(ctx, notify.Reminder(e.EventID, e.Title, e.Body, e.Data))
		if err != nil {
			s.log.Warn("reminder render failed", logx.String("event", e.EventID), logx.Err(err))
			return nil
		}
		s.log.Info("reminder shown", logx.String("event", e.EventID), logx.String("sink", sink))
		return nil
	})
	if fired != nil {
		select {
		case fired <- e:
		default:
		}
	}
}
