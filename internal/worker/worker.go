// Package worker is the background execution context: it owns the reminder
// scheduler, handles push payloads and notification clicks, and talks to
// the page context only through the bus.
package worker

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"tajpoint/internal/delivery"
	"tajpoint/internal/eventbus"
	"tajpoint/internal/model"
	"tajpoint/internal/runtime/supervisor"
	"tajpoint/internal/scheduler"
	logx "tajpoint/pkg/logx"
)

// UpdateChecker runs one version check (version.Monitor).
type UpdateChecker interface {
	CheckForUpdate(ctx context.Context) bool
}

type Config struct {
	SyncInterval time.Duration // periodic SYNC_EVENTS; default 12h, <0 disables
}

type Deps struct {
	Bus       eventbus.Bus
	Scheduler *scheduler.Scheduler
	Deliverer *delivery.Deliverer
	Checker   UpdateChecker
	// SkipWaiting activates a waiting update (SKIP_WAITING).
	SkipWaiting func(ctx context.Context)
	// Enabled gates reminder scheduling; nil means always on.
	Enabled func() bool
	Log     logx.Logger
}

type Worker struct {
	cfg  Config
	d    Deps
	log  logx.Logger
	id   string
	now  func() time.Time
	subs []string
}

func New(cfg Config, d Deps) *Worker {
	if cfg.SyncInterval == 0 {
		cfg.SyncInterval = 12 * time.Hour
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	id := uuid.NewString()
	return &Worker{
		cfg: cfg,
		d:   d,
		log: d.Log.With(logx.String("worker_id", id)),
		id:  id,
		now: time.Now,
		subs: []string{
			eventbus.CmdScheduleNotification,
			eventbus.CmdCheckForUpdates,
			eventbus.CmdSkipWaiting,
			eventbus.Push,
			eventbus.NotificationClick,
		},
	}
}

// ID identifies this worker instance (logs, subscription endpoint).
func (w *Worker) ID() string { return w.id }

// Run announces activation and serves bus commands until ctx ends.
func (w *Worker) Run(ctx context.Context) error {
	if w.d.Bus == nil {
		<-ctx.Done()
		return nil
	}
	ch, unsub := w.d.Bus.Subscribe(32, w.subs...)
	defer unsub()

	eventbus.Post(w.d.Bus, eventbus.MsgWorkerActivated, nil)
	w.log.Info("worker activated")

	var tick <-chan time.Time
	if w.cfg.SyncInterval > 0 {
		t := time.NewTicker(w.cfg.SyncInterval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick:
			eventbus.Post(w.d.Bus, eventbus.MsgSyncEvents, nil)
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			_ = supervisor.Safe(w.log, "worker."+e.Type, func() error {
				w.handle(ctx, e)
				return nil
			})
		}
	}
}

func (w *Worker) handle(ctx context.Context, e eventbus.Event) {
	switch e.Type {
	case eventbus.CmdScheduleNotification:
		sn, ok := e.Data.(eventbus.ScheduleNotification)
		if !ok {
			w.log.Debug("schedule command without payload")
			return
		}
		w.ScheduleNotification(sn)
	case eventbus.CmdCheckForUpdates:
		if w.d.Checker != nil {
			w.d.Checker.CheckForUpdate(ctx)
		}
	case eventbus.CmdSkipWaiting:
		if w.d.SkipWaiting != nil {
			w.d.SkipWaiting(ctx)
		}
	case eventbus.Push:
		w.HandlePush(ctx, rawBytes(e.Data))
	case eventbus.NotificationClick:
		c, _ := e.Data.(eventbus.Click)
		w.HandleClick(c)
	}
}

// ScheduleNotification registers a reminder. data.eventId keys the entry so
// a newer schedule for the same event supersedes the older one. Nothing is
// scheduled while notifications are disabled.
func (w *Worker) ScheduleNotification(sn eventbus.ScheduleNotification) {
	if w.d.Scheduler == nil {
		return
	}
	if w.d.Enabled != nil && !w.d.Enabled() {
		w.log.Debug("reminder dropped; notifications disabled", logx.String("title", sn.Title))
		return
	}
	id := stringField(sn.Data, "eventId")
	if id == "" {
		id = stringField(sn.Data, "id")
	}
	if id == "" {
		id = "local-" + uuid.NewString()
	}
	delay := time.Duration(sn.Delay) * time.Millisecond
	w.d.Scheduler.Schedule(id, sn.Title, sn.Body, delay, sn.Data)
}

// HandlePush parses a push payload defensively and routes it through the
// coordinator. Malformed input never escapes this call.
func (w *Worker) HandlePush(ctx context.Context, raw []byte) bool {
	a := ParsePush(raw, w.now())
	if w.d.Deliverer == nil {
		return false
	}
	return w.d.Deliverer.Deliver(ctx, delivery.PathPush, a)
}

// ParsePush accepts a bare announcement row, {"data": row} or
// {"notification": row}. Missing fields get defaults; a missing id is
// derived from the content so repeated pushes still collapse.
func ParsePush(raw []byte, now time.Time) model.Announcement {
	var envelope struct {
		Data         json.RawMessage `json:"data"`
		Notification json.RawMessage `json:"notification"`
	}
	body := raw
	if err := json.Unmarshal(raw, &envelope); err == nil {
		switch {
		case isObject(envelope.Data):
			body = envelope.Data
		case isObject(envelope.Notification):
			body = envelope.Notification
		}
	}

	var a model.Announcement
	_ = json.Unmarshal(body, &a)
	if a.Title == "" && a.Body == "" {
		a.Body = strings.TrimSpace(string(raw))
		if !isPrintable(a.Body) || strings.HasPrefix(a.Body, "{") || strings.HasPrefix(a.Body, "[") {
			a.Body = ""
		}
	}
	if a.Type == "" {
		a.Type = model.TypeAnnouncement
	}
	if a.ID == "" {
		h := fnv.New64a()
		_, _ = h.Write([]byte(a.Type + "|" + a.Title + "|" + a.Body + "|" + a.URL))
		a.ID = fmt.Sprintf("push-%x", h.Sum64())
	}
	if a.SentAt == nil {
		t := now
		a.SentAt = &t
	}
	return a
}

// HandleClick opens the notification target unless it was dismissed.
func (w *Worker) HandleClick(c eventbus.Click) {
	if c.Action == "dismiss" {
		return
	}
	url := stringField(c.Data, "url")
	if url == "" {
		url = "/"
	}
	eventbus.Post(w.d.Bus, eventbus.MsgNavigate, eventbus.Navigate{URL: url})
}

// SubscriptionChanged tells the page to re-register push delivery.
func (w *Worker) SubscriptionChanged(endpoint, reason string) {
	eventbus.Post(w.d.Bus, eventbus.MsgSubscribeNotifications, eventbus.SubscribeNotifications{Endpoint: endpoint, Reason: reason})
}

func stringField(m map[string]any, k string) string {
	if m == nil {
		return ""
	}
	switch v := m[k].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return fmt.Sprintf("%.0f", v)
	case json.Number:
		return v.String()
	}
	return ""
}

func rawBytes(v any) []byte {
	switch b := v.(type) {
	case []byte:
		return b
	case json.RawMessage:
		return b
	case string:
		return []byte(b)
	case nil:
		return nil
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return out
}

func isObject(b json.RawMessage) bool {
	s := strings.TrimSpace(string(b))
	return strings.HasPrefix(s, "{")
}

func isPrintable(s string) bool {
	for _, r := range s {
		if r < 0x20 && r != '\n' && r != '\t' {
			return false
		}
	}
	return true
}
