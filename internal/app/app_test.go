package app

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"tajpoint/internal/config"
	"tajpoint/internal/eventbus"
	"tajpoint/internal/storage"
	logx "tajpoint/pkg/logx"
)

type auditor interface {
	Audit() []storage.AuditEntry
}

func quietConfig() *config.Config {
	off := false
	return &config.Config{
		Logging:  config.LoggingConfig{Level: "error"},
		Realtime: config.RealtimeConfig{Enabled: &off},
	}
}

func TestResolveDefaultsAndErrors(t *testing.T) {
	t.Parallel()
	set, err := resolve(&config.Config{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if set.ledger.Retention != 24*time.Hour || set.poll.Interval != 15*time.Second || set.poll.SafetyNet != 5*time.Minute {
		t.Fatalf("defaults: ledger=%+v poll=%+v", set.ledger, set.poll)
	}
	if !set.enabled || !set.realtime || set.hasStorage || set.telegram != nil {
		t.Fatalf("defaults: %+v", set)
	}

	bad := []*config.Config{
		{Poll: config.PollConfig{Interval: "often"}},
		{Storage: &config.StorageConfig{Driver: "sqlite"}},
		{Storage: &config.StorageConfig{Driver: "redis"}},
		{Reminders: config.RemindersConfig{Timezone: "Mars/Olympus"}},
		{Notifications: config.NotificationsConfig{Telegram: &config.TelegramConfig{Token: "t"}}},
		{Realtime: config.RealtimeConfig{MaxRetries: -1}},
	}
	for i, c := range bad {
		if _, err := resolve(c); err == nil {
			t.Fatalf("case %d accepted", i)
		}
	}
}

func TestApplyConfigTogglesNotifications(t *testing.T) {
	t.Parallel()
	cfg := quietConfig()
	a, err := build(nil, cfg, WithStore(storage.NewMemory()))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer a.worker.scheduler.Close()

	a.worker.scheduler.Schedule("urs", "Urs", "", time.Hour, nil)
	a.worker.scheduler.Schedule("majlis", "Majlis", "", 2*time.Hour, nil)

	off := false
	next := *cfg
	next.Notifications.Enabled = &off
	a.applyConfig(&next, cfg)

	if a.renderer.Enabled() {
		t.Fatal("renderer still enabled")
	}
	if n := len(a.worker.scheduler.Pending()); n != 0 {
		t.Fatalf("pending reminders = %d, want 0", n)
	}

	ch, unsub := a.bus.Subscribe(2, eventbus.MsgSubscribeNotifications)
	defer unsub()
	on := true
	again := next
	again.Notifications.Enabled = &on
	a.applyConfig(&again, &next)
	if !a.renderer.Enabled() {
		t.Fatal("renderer not re-enabled")
	}
	select {
	case e := <-ch:
		sub, ok := e.Data.(eventbus.SubscribeNotifications)
		if !ok || sub.Reason != "enabled" || !strings.HasPrefix(sub.Endpoint, "page:") {
			t.Fatalf("subscribe = %#v", e.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("no SUBSCRIBE_NOTIFICATIONS after re-enable")
	}
}

func TestClearDataForgetsShownIDs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := storage.NewMemory()
	a, err := build(nil, quietConfig(), WithStore(store))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer a.worker.scheduler.Close()

	if err := a.page.ledger.MarkShown(ctx, "A1"); err != nil {
		t.Fatalf("MarkShown: %v", err)
	}
	if !a.worker.ledger.HasBeenShown(ctx, "A1") {
		t.Fatal("worker ledger does not see the page entry")
	}
	a.worker.scheduler.Schedule("event-7", "Majlis", "", time.Hour, nil)

	if err := a.ClearData(ctx); err != nil {
		t.Fatalf("ClearData: %v", err)
	}
	if a.page.ledger.HasBeenShown(ctx, "A1") || a.worker.ledger.HasBeenShown(ctx, "A1") {
		t.Fatal("A1 still shown after clear")
	}
	if n := len(a.worker.scheduler.Pending()); n != 0 {
		t.Fatalf("pending = %d after clear", n)
	}
}

func TestStartDisabledSchedulesNoReminders(t *testing.T) {
	t.Parallel()
	planned := make(chan struct{}, 4)
	when := time.Now().Add(72 * time.Hour).UTC().Format(time.RFC3339)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if strings.HasSuffix(r.URL.Path, "/events") {
			fmt.Fprintf(w, `[{"id":"7","title":"Urs","date":%q}]`, when)
			select {
			case planned <- struct{}{}:
			default:
			}
			return
		}
		_, _ = io.WriteString(w, `[]`)
	}))
	defer srv.Close()

	off := false
	cfg := quietConfig()
	cfg.Backend = config.BackendConfig{URL: srv.URL, APIKey: "anon"}
	cfg.Notifications.Enabled = &off
	a, err := build(nil, cfg, WithStore(storage.NewMemory()), WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		stopCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		_ = a.Stop(stopCtx)
	}()

	select {
	case <-planned:
	case <-time.After(3 * time.Second):
		t.Fatal("reminder planner never loaded events")
	}
	eventbus.Post(a.Bus(), eventbus.MsgSyncEvents, nil)
	time.Sleep(300 * time.Millisecond)
	if p := a.worker.scheduler.Pending(); len(p) != 0 {
		t.Fatalf("pending reminders while disabled: %+v", p)
	}
}

type lockedBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (l *lockedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.Write(p)
}

func (l *lockedBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.String()
}

func TestBridgeInAndOut(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	in, unsub := bus.Subscribe(4, eventbus.NotificationClick, eventbus.PageVisible)
	defer unsub()

	pr, pw := io.Pipe()
	out := &lockedBuffer{}
	done := make(chan error, 1)
	go func() { done <- Bridge(context.Background(), bus, pr, out, logx.Nop()) }()

	_, _ = io.WriteString(pw, "not json\n")
	_, _ = io.WriteString(pw, `{"type":"NOTIFICATION_CLICK","data":{"action":"open","data":{"url":"/kalam/9"}}}`+"\n")
	_, _ = io.WriteString(pw, `{"type":"page.visible"}`+"\n")

	for _, want := range []string{eventbus.NotificationClick, eventbus.PageVisible} {
		select {
		case e := <-in:
			if e.Type != want {
				t.Fatalf("got %s, want %s", e.Type, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("%s not published", want)
		}
	}

	eventbus.Post(bus, eventbus.MsgNavigate, eventbus.Navigate{URL: "/kalam/9"})
	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(out.String(), `"url":"/kalam/9"`) {
		if time.Now().After(deadline) {
			t.Fatalf("bridge output = %q", out.String())
		}
		time.Sleep(5 * time.Millisecond)
	}

	_ = pw.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Bridge: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Bridge did not return after EOF")
	}
}

// One announcement reaches the page through the poll fallback and again
// through a worker push: it must render exactly once.
func TestPollAndPushRenderOnce(t *testing.T) {
	t.Parallel()
	sent := time.Now().UTC().Format(time.RFC3339)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/announcements"):
			fmt.Fprintf(w, `[{"id":"A1","type":"new_kalam","title":"Naat","sent_at":%q}]`, sent)
		default:
			_, _ = io.WriteString(w, `[]`)
		}
	}))
	defer srv.Close()

	cfg := quietConfig()
	cfg.Backend = config.BackendConfig{URL: srv.URL, APIKey: "anon"}
	cfg.Poll.Interval = "20ms"
	store := storage.NewMemory()
	a, err := build(nil, cfg, WithStore(store), WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		stopCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		_ = a.Stop(stopCtx)
	}()

	rendered := func() int {
		n := 0
		for _, e := range store.(auditor).Audit() {
			if e.EventID == "A1" && e.Outcome == "rendered" {
				n++
			}
		}
		return n
	}
	deadline := time.Now().Add(3 * time.Second)
	for rendered() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("poll never delivered A1")
		}
		time.Sleep(10 * time.Millisecond)
	}

	eventbus.Post(a.Bus(), eventbus.Push, []byte(`{"data":{"id":"A1","title":"Naat"}}`))
	time.Sleep(200 * time.Millisecond)
	if n := rendered(); n != 1 {
		t.Fatalf("A1 rendered %d times, want 1", n)
	}
	if !a.worker.ledger.HasBeenShown(ctx, "A1") {
		t.Fatal("worker ledger does not see A1")
	}
}
