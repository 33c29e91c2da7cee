// Package reminder derives the next calendar reminder from backend events
// and hands it to the background worker as a SCHEDULE_NOTIFICATION.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"tajpoint/internal/eventbus"
	"tajpoint/internal/model"
	"tajpoint/internal/runtime/supervisor"
	"tajpoint/internal/scheduler"
	logx "tajpoint/pkg/logx"
)

var ErrNoUpcoming = errors.New("reminder: no upcoming event")

// EventLoader reads the calendar (backend.Client).
type EventLoader interface {
	Events(ctx context.Context) ([]model.CalendarEvent, error)
}

type Config struct {
	Timezone     string        // recurrence evaluation; empty means Local
	FetchTimeout time.Duration // default 10s
}

// Plan is the reminder chosen on one activation.
type Plan struct {
	Event      model.CalendarEvent
	Occurrence time.Time
	Delay      time.Duration
}

type Planner struct {
	cfg    Config
	loader EventLoader
	bus    eventbus.Bus
	log    logx.Logger
	now    func() time.Time
	parser cron.Parser
	loc    *time.Location
}

func New(cfg Config, loader EventLoader, bus eventbus.Bus, log logx.Logger) *Planner {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		} else {
			log.Warn("invalid timezone; using local", logx.String("tz", tz), logx.Err(err))
		}
	}
	return &Planner{
		cfg:    cfg,
		loader: loader,
		bus:    bus,
		log:    log,
		now:    time.Now,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		loc:    loc,
	}
}

// NextOccurrence returns the event's next occurrence strictly after now.
func (p *Planner) NextOccurrence(ev model.CalendarEvent, now time.Time) (time.Time, bool) {
	if ev.Recurrence != "" {
		sched, err := p.parser.Parse(ev.Recurrence)
		if err != nil {
			p.log.Debug("bad recurrence", logx.String("event", ev.ID), logx.String("recurrence", ev.Recurrence), logx.Err(err))
			return time.Time{}, false
		}
		next := sched.Next(now.In(p.loc))
		return next, !next.IsZero()
	}
	if ev.Date.IsZero() || !ev.Date.After(now) {
		return time.Time{}, false
	}
	return ev.Date, true
}

// Nearest picks the soonest upcoming event.
func (p *Planner) Nearest(events []model.CalendarEvent, now time.Time) (Plan, error) {
	var best Plan
	found := false
	for _, ev := range events {
		if ev.ID == "" {
			continue
		}
		occ, ok := p.NextOccurrence(ev, now)
		if !ok {
			continue
		}
		if !found || occ.Before(best.Occurrence) {
			best = Plan{Event: ev, Occurrence: occ}
			found = true
		}
	}
	if !found {
		return Plan{}, ErrNoUpcoming
	}
	best.Delay = scheduler.DelayFor(now, best.Occurrence)
	return best, nil
}

// Activate loads the calendar and posts the nearest reminder.
func (p *Planner) Activate(ctx context.Context) (Plan, error) {
	fctx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
	events, err := p.loader.Events(fctx)
	cancel()
	if err != nil {
		return Plan{}, fmt.Errorf("reminder: load events: %w", err)
	}
	plan, err := p.Nearest(events, p.now())
	if err != nil {
		return Plan{}, err
	}
	eventbus.Post(p.bus, eventbus.CmdScheduleNotification, eventbus.ScheduleNotification{
		Title: plan.Event.Title,
		Body:  body(plan),
		Delay: plan.Delay.Milliseconds(),
		Data: map[string]any{
			"eventId":    "event-" + plan.Event.ID,
			"occurrence": plan.Occurrence.Format(time.RFC3339),
			"url":        "/calendar",
		},
	})
	p.log.Info("reminder planned",
		logx.String("event", plan.Event.ID),
		logx.Time("occurrence", plan.Occurrence),
		logx.Duration("delay", plan.Delay))
	return plan, nil
}

func body(plan Plan) string {
	when := plan.Occurrence.Format("Mon 02 Jan 15:04")
	if plan.Event.Description != "" {
		return plan.Event.Description + " (" + when + ")"
	}
	return when
}

// Run activates once on start and again on every SYNC_EVENTS.
func (p *Planner) Run(ctx context.Context) error {
	var ch <-chan eventbus.Event
	if p.bus != nil {
		c, unsub := p.bus.Subscribe(4, eventbus.MsgSyncEvents)
		defer unsub()
		ch = c
	}
	activate := func() {
		_ = supervisor.Safe(p.log, "reminder.activate", func() error {
			if _, err := p.Activate(ctx); err != nil && !errors.Is(err, ErrNoUpcoming) {
				p.log.Debug("reminder activation failed", logx.Err(err))
			}
			return nil
		})
	}
	activate()
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-ch:
			if !ok {
				return nil
			}
			activate()
		}
	}
}
