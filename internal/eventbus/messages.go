package eventbus

import (
	"errors"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Commands posted by the page to the background worker.
const (
	CmdScheduleNotification = "SCHEDULE_NOTIFICATION"
	CmdCheckForUpdates      = "CHECK_FOR_UPDATES"
	CmdSkipWaiting          = "SKIP_WAITING"
)

// Messages posted by the background worker to the page.
const (
	MsgAppUpdateAvailable     = "APP_UPDATE_AVAILABLE"
	MsgWorkerActivated        = "SERVICE_WORKER_ACTIVATED"
	MsgNavigate               = "NAVIGATE"
	MsgSubscribeNotifications = "SUBSCRIBE_NOTIFICATIONS"
	MsgSyncEvents             = "SYNC_EVENTS"
)

// Inbound from outside the process (push service, OS notification clicks).
const (
	Push              = "PUSH"
	NotificationClick = "NOTIFICATION_CLICK"
)

// Page lifecycle and local signals.
const (
	PageVisible      = "page.visible"
	PageFocus        = "page.focus"
	PermissionPrompt = "notifications.permission_prompt"
	Delivered        = "notification.delivered"
	UpdateAccept     = "update.accept"
	UpdateDismiss    = "update.dismiss"
)

// ScheduleNotification asks the worker to show a notification after Delay
// milliseconds.
type ScheduleNotification struct {
	Title string         `json:"title"`
	Body  string         `json:"body"`
	Delay int64          `json:"delay"`
	Data  map[string]any `json:"data,omitempty"`
}

// UpdateAvailable carries the descriptor that differs from the stored one.
type UpdateAvailable struct {
	Version   string `json:"version"`
	BuildTime int64  `json:"buildTime"`
	BuildHash string `json:"buildHash"`
}

type Navigate struct {
	URL string `json:"url"`
}

type SubscribeNotifications struct {
	Endpoint string `json:"endpoint"`
	Reason   string `json:"reason,omitempty"`
}

// Click is a user action on a shown notification.
type Click struct {
	Action string         `json:"action"`
	Data   map[string]any `json:"data,omitempty"`
}

type DeliveredEvent struct {
	EventID string `json:"event_id"`
	Path    string `json:"path"`
	Sink    string `json:"sink"`
}

var ErrEmptyMessage = errors.New("eventbus: message without type")

type wireMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Encode serializes an event the way it crosses the page/worker boundary.
func Encode(e Event) ([]byte, error) {
	if strings.TrimSpace(e.Type) == "" {
		return nil, ErrEmptyMessage
	}
	var raw json.RawMessage
	if e.Data != nil {
		b, err := json.Marshal(e.Data)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(wireMessage{Type: e.Type, Data: raw})
}

// Decode parses a boundary message. Known types get their typed payload;
// unknown types keep the raw JSON so handlers can ignore them.
func Decode(b []byte) (Event, error) {
	var w wireMessage
	if err := json.Unmarshal(b, &w); err != nil {
		return Event{}, err
	}
	if strings.TrimSpace(w.Type) == "" {
		return Event{}, ErrEmptyMessage
	}
	e := Event{Type: w.Type, Time: time.Now()}
	var target any
	switch w.Type {
	case CmdScheduleNotification:
		target = &ScheduleNotification{}
	case MsgAppUpdateAvailable:
		target = &UpdateAvailable{}
	case MsgNavigate:
		target = &Navigate{}
	case MsgSubscribeNotifications:
		target = &SubscribeNotifications{}
	case NotificationClick:
		target = &Click{}
	}
	if target == nil || len(w.Data) == 0 || string(w.Data) == "null" {
		if len(w.Data) > 0 {
			e.Data = w.Data
		}
		return e, nil
	}
	if err := json.Unmarshal(w.Data, target); err != nil {
		return Event{}, err
	}
	switch v := target.(type) {
	case *ScheduleNotification:
		e.Data = *v
	case *UpdateAvailable:
		e.Data = *v
	case *Navigate:
		e.Data = *v
	case *SubscribeNotifications:
		e.Data = *v
	case *Click:
		e.Data = *v
	}
	return e, nil
}
