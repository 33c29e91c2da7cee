package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"tajpoint/internal/eventbus"
	"tajpoint/internal/model"
	logx "tajpoint/pkg/logx"
)

type fakeSink struct {
	name string

	mu    sync.Mutex
	errs  []error // consumed one per call; nil entries succeed
	shown []Payload
	calls int
}

func (s *fakeSink) Name() string { return s.name }

func (s *fakeSink) Show(ctx context.Context, p Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return err
		}
	}
	s.shown = append(s.shown, p)
	return nil
}

func (s *fakeSink) count() (calls, shown int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls, len(s.shown)
}

func TestTemplatesByType(t *testing.T) {
	t.Parallel()
	tpl := DefaultTemplates()
	tests := []struct {
		typ     string
		title   string
		tag     string
		require bool
	}{
		{typ: model.TypeNewKalam, title: "New Kalam", tag: "tajpoint-new-kalam"},
		{typ: model.TypeEvent, title: "Upcoming event", tag: "tajpoint-event", require: true},
		{typ: model.TypeAnnouncement, title: "Announcement", tag: "tajpoint-announcement"},
		{typ: model.TypeUpdate, title: "Update available", tag: "tajpoint-update"},
		{typ: "mystery", title: "TajPoint", tag: "tajpoint-mystery"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.typ, func(t *testing.T) {
			p := tpl.For(model.Announcement{ID: "A1", Type: tt.typ, Body: "b"})
			if p.Title != tt.title || p.Tag != tt.tag || p.RequireInteraction != tt.require {
				t.Fatalf("payload = %+v", p)
			}
			if p.Icon != DefaultIcon || p.Badge != DefaultBadge || len(p.Actions) == 0 {
				t.Fatalf("missing defaults: %+v", p)
			}
		})
	}

	p := tpl.For(model.Announcement{ID: "A2", Type: model.TypeNewKalam, Title: "Naat Sharif", URL: "/kalam/9"})
	if p.Title != "Naat Sharif" || p.URL() != "/kalam/9" {
		t.Fatalf("row fields not used: %+v", p)
	}
	if other := tpl.For(model.Announcement{ID: "A3", Type: model.TypeNewKalam}); other.Tag != p.Tag {
		t.Fatalf("tags differ within one category: %q vs %q", other.Tag, p.Tag)
	}
	if r := Reminder("event-7", "Urs", "", nil); r.Tag != "tajpoint-reminder-event-7" {
		t.Fatalf("reminder tag = %q", r.Tag)
	}
}

func TestRendererFallsBackToPage(t *testing.T) {
	t.Parallel()
	worker := &fakeSink{name: "worker", errs: []error{errors.New("bot offline")}}
	page := &fakeSink{name: "page"}
	var bell bytes.Buffer
	r := NewRenderer(RendererDeps{Worker: worker, Page: page, Cue: &BellCue{W: &bell}})

	sink, err := r.Render(context.Background(), model.Announcement{ID: "A1", Type: model.TypeAnnouncement})
	if err != nil || sink != "page" {
		t.Fatalf("Render = %q, %v", sink, err)
	}
	if _, shown := page.count(); shown != 1 {
		t.Fatalf("page shown = %d", shown)
	}
	if bell.String() != "\a" {
		t.Fatalf("cue = %q", bell.String())
	}

	sink, err = r.Render(context.Background(), model.Announcement{ID: "A2"})
	if err != nil || sink != "worker" {
		t.Fatalf("second Render = %q, %v", sink, err)
	}
}

func TestRendererPermissionPromptOnce(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4, eventbus.PermissionPrompt)
	defer unsub()

	page := &fakeSink{name: "page", errs: []error{ErrPermissionDenied, ErrPermissionDenied}}
	r := NewRenderer(RendererDeps{Page: page, Bus: bus})
	ctx := context.Background()

	if _, err := r.Render(ctx, model.Announcement{ID: "A1"}); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("err = %v", err)
	}
	if _, err := r.Render(ctx, model.Announcement{ID: "A2"}); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("err = %v", err)
	}
	if calls, _ := page.count(); calls != 1 {
		t.Fatalf("sink calls while denied = %d, want 1", calls)
	}

	r.SetEnabled(true)
	if _, err := r.Render(ctx, model.Announcement{ID: "A3"}); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("err after re-enable = %v", err)
	}

	prompts := 0
	for {
		select {
		case <-ch:
			prompts++
			continue
		case <-time.After(50 * time.Millisecond):
		}
		break
	}
	if prompts != 1 {
		t.Fatalf("prompts = %d, want 1", prompts)
	}
}

func TestRendererDisabled(t *testing.T) {
	t.Parallel()
	page := &fakeSink{name: "page"}
	r := NewRenderer(RendererDeps{Page: page})
	r.SetEnabled(false)
	if _, err := r.Show(context.Background(), Reminder("ev1", "Urs", "tomorrow", nil)); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v", err)
	}
	if calls, _ := page.count(); calls != 0 {
		t.Fatal("disabled renderer reached a sink")
	}
}

func TestServiceRetries(t *testing.T) {
	t.Parallel()
	sink := &fakeSink{name: "worker", errs: []error{errors.New("502"), errors.New("timeout")}}
	s := NewService(ServiceConfig{RatePerSec: 100, RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond}, sink, logx.Nop())
	if err := s.Show(context.Background(), Payload{Title: "x"}); err != nil {
		t.Fatalf("Show: %v", err)
	}
	if calls, shown := sink.count(); calls != 3 || shown != 1 {
		t.Fatalf("calls=%d shown=%d", calls, shown)
	}
}

func TestServiceDoesNotRetryDenied(t *testing.T) {
	t.Parallel()
	sink := &fakeSink{name: "worker", errs: []error{ErrPermissionDenied}}
	s := NewService(ServiceConfig{RatePerSec: 100, RetryMax: 3, RetryBase: time.Millisecond}, sink, logx.Nop())
	if err := s.Show(context.Background(), Payload{Title: "x"}); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("err = %v", err)
	}
	if calls, _ := sink.count(); calls != 1 {
		t.Fatalf("calls = %d", calls)
	}
}

func TestServiceHonorsThrottle(t *testing.T) {
	t.Parallel()
	sink := &fakeSink{name: "worker", errs: []error{Throttled(errors.New("429"), 20*time.Millisecond)}}
	s := NewService(ServiceConfig{RatePerSec: 100, RetryMax: 1, RetryBase: time.Hour, RetryMaxDelay: time.Hour}, sink, logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	start := time.Now()
	if err := s.Show(ctx, Payload{Title: "x"}); err != nil {
		t.Fatalf("Show: %v", err)
	}
	if el := time.Since(start); el < 20*time.Millisecond {
		t.Fatalf("retried after %s, before the throttle window", el)
	}
}

func TestRetryDelayCapped(t *testing.T) {
	t.Parallel()
	cfg := ServiceConfig{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 10; attempt++ {
		d := retryDelay(cfg, attempt)
		if d <= 0 || d > time.Second {
			t.Fatalf("attempt %d delay %s out of range", attempt, d)
		}
	}
}

func TestTelegramSink(t *testing.T) {
	t.Parallel()
	var (
		mu   sync.Mutex
		body string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		body = string(b)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		if strings.HasPrefix(r.URL.Path, "/botflood/") {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 3","parameters":{"retry_after":3}}`))
			return
		}
		if strings.HasPrefix(r.URL.Path, "/botblocked/") {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":42,"type":"private"},"text":"ok"}}`))
	}))
	defer srv.Close()

	s, err := NewTelegramSink(TelegramConfig{Token: "good", ChatID: 42, APIURL: srv.URL})
	if err != nil {
		t.Fatalf("NewTelegramSink: %v", err)
	}
	if err := s.Show(context.Background(), Payload{Title: "Urs <Mubarak>", Body: "Tonight", Data: map[string]any{"url": "/calendar"}}); err != nil {
		t.Fatalf("Show: %v", err)
	}
	mu.Lock()
	got := body
	mu.Unlock()
	var params map[string]any
	if err := json.Unmarshal([]byte(got), &params); err != nil {
		t.Fatalf("request body %q: %v", got, err)
	}
	text, _ := params["text"].(string)
	if !strings.HasPrefix(text, "<b>Urs &lt;Mubarak&gt;</b>") || !strings.Contains(text, "/calendar") {
		t.Fatalf("text = %q", text)
	}
	if fmt.Sprint(params["chat_id"]) != "42" {
		t.Fatalf("chat_id = %v", params["chat_id"])
	}

	blocked, err := NewTelegramSink(TelegramConfig{Token: "blocked", ChatID: 42, APIURL: srv.URL})
	if err != nil {
		t.Fatalf("NewTelegramSink: %v", err)
	}
	if err := blocked.Show(context.Background(), Payload{Title: "x"}); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("err = %v, want permission denied", err)
	}

	flooded, err := NewTelegramSink(TelegramConfig{Token: "flood", ChatID: 42, APIURL: srv.URL})
	if err != nil {
		t.Fatalf("NewTelegramSink: %v", err)
	}
	var th *ThrottledError
	if err := flooded.Show(context.Background(), Payload{Title: "x"}); !errors.As(err, &th) || th.Wait != 3*time.Second {
		t.Fatalf("err = %v, want throttled for 3s", err)
	}
}

func TestOpenButton(t *testing.T) {
	t.Parallel()
	p := Payload{Data: map[string]any{"url": "/kalam/9"}, Actions: []Action{{Action: "dismiss", Title: "Later"}, {Action: "open", Title: "Read now"}}}
	if openButton(p, "") != nil {
		t.Fatal("button without site url")
	}
	rm := openButton(p, "https://taj.example/")
	if rm == nil {
		t.Fatal("no open button")
	}
	if b := rm.InlineKeyboard[0][0]; b.Text != "Read now" || b.URL != "https://taj.example/kalam/9" {
		t.Fatalf("button = %+v", b)
	}
	if openButton(Payload{Data: p.Data}, "https://taj.example") != nil {
		t.Fatal("button without open action")
	}
}

func TestNewTelegramSinkValidates(t *testing.T) {
	t.Parallel()
	if _, err := NewTelegramSink(TelegramConfig{ChatID: 1}); err == nil {
		t.Fatal("empty token accepted")
	}
	if _, err := NewTelegramSink(TelegramConfig{Token: "x"}); err == nil {
		t.Fatal("empty chat accepted")
	}
}
