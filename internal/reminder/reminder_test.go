package reminder

import (
	"context"
	"errors"
	"testing"
	"time"

	"tajpoint/internal/eventbus"
	"tajpoint/internal/model"
	logx "tajpoint/pkg/logx"
)

type staticLoader struct {
	events []model.CalendarEvent
	err    error
}

func (l staticLoader) Events(context.Context) ([]model.CalendarEvent, error) { return l.events, l.err }

func TestNearestPicksSoonest(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC) // Monday
	p := New(Config{Timezone: "UTC"}, nil, nil, logx.Nop())

	events := []model.CalendarEvent{
		{ID: "past", Title: "Old Urs", Date: now.Add(-time.Hour)},
		{ID: "far", Title: "Wiladat", Date: now.Add(72 * time.Hour)},
		{ID: "weekly", Title: "Weekly Majlis", Recurrence: "0 20 * * 4"}, // Thursday 20:00
		{ID: "broken", Title: "Bad", Recurrence: "not cron"},
		{Title: "no id", Date: now.Add(time.Minute)},
	}
	plan, err := p.Nearest(events, now)
	if err != nil {
		t.Fatalf("Nearest: %v", err)
	}
	wantOcc := time.Date(2026, 3, 5, 20, 0, 0, 0, time.UTC)
	// Thursday 20:00 is 80h away, Wiladat 72h: Wiladat wins.
	if plan.Event.ID != "far" || !plan.Occurrence.Equal(now.Add(72*time.Hour)) {
		t.Fatalf("plan = %+v", plan)
	}
	if plan.Delay != 48*time.Hour {
		t.Fatalf("Delay = %s, want 48h", plan.Delay)
	}

	occ, ok := p.NextOccurrence(events[2], now)
	if !ok || !occ.Equal(wantOcc) {
		t.Fatalf("weekly next = %s, %v", occ, ok)
	}

	if _, err := p.Nearest(events[:1], now); !errors.Is(err, ErrNoUpcoming) {
		t.Fatalf("err = %v, want ErrNoUpcoming", err)
	}
}

func TestActivatePostsSchedule(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(2, eventbus.CmdScheduleNotification)
	defer unsub()

	loader := staticLoader{events: []model.CalendarEvent{{ID: "7", Title: "Urs Mubarak", Description: "Dargah", Date: now.Add(3 * time.Hour)}}}
	p := New(Config{Timezone: "UTC"}, loader, bus, logx.Nop())
	p.now = func() time.Time { return now }

	plan, err := p.Activate(context.Background())
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if plan.Delay != 2*time.Hour {
		t.Fatalf("Delay = %s", plan.Delay)
	}
	select {
	case e := <-ch:
		sn, ok := e.Data.(eventbus.ScheduleNotification)
		if !ok {
			t.Fatalf("payload = %#v", e.Data)
		}
		if sn.Title != "Urs Mubarak" || sn.Delay != (2*time.Hour).Milliseconds() || sn.Data["eventId"] != "event-7" {
			t.Fatalf("schedule = %+v", sn)
		}
	case <-time.After(time.Second):
		t.Fatal("SCHEDULE_NOTIFICATION not posted")
	}
}

func TestActivateLoaderError(t *testing.T) {
	t.Parallel()
	p := New(Config{}, staticLoader{err: errors.New("offline")}, nil, logx.Nop())
	if _, err := p.Activate(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}
