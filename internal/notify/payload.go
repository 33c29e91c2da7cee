// Package notify turns announcements and reminders into notification
// payloads and renders them through the available sinks.
package notify

import (
	"strings"

	"tajpoint/internal/model"
)

const (
	DefaultIcon  = "/icons/icon-192x192.png"
	DefaultBadge = "/icons/badge-72x72.png"
)

type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

// Payload is the notification contract shared by every sink. Tag doubles as
// a coarse system-level dedup key: one per announcement category, one per
// calendar event for reminders.
type Payload struct {
	Title              string         `json:"title"`
	Body               string         `json:"body"`
	Icon               string         `json:"icon"`
	Badge              string         `json:"badge"`
	Tag                string         `json:"tag"`
	Data               map[string]any `json:"data,omitempty"`
	RequireInteraction bool           `json:"requireInteraction"`
	Vibrate            []int          `json:"vibrate,omitempty"`
	Actions            []Action       `json:"actions,omitempty"`
}

// URL returns data.url when present.
func (p Payload) URL() string {
	if p.Data == nil {
		return ""
	}
	s, _ := p.Data["url"].(string)
	return s
}

// Template builds the payload for one announcement category.
type Template func(a model.Announcement) Payload

// Templates maps announcement types to templates. Unknown types use the
// "default" entry.
type Templates map[string]Template

var openDismiss = []Action{{Action: "open", Title: "Open"}, {Action: "dismiss", Title: "Dismiss"}}

// DefaultTemplates covers every announcement type the backend emits.
func DefaultTemplates() Templates {
	return Templates{
		model.TypeNewKalam: func(a model.Announcement) Payload {
			p := base(a, "New Kalam", "/")
			p.Vibrate = []int{200, 100, 200}
			p.Actions = []Action{{Action: "open", Title: "Read now"}, {Action: "dismiss", Title: "Later"}}
			return p
		},
		model.TypeEvent: func(a model.Announcement) Payload {
			p := base(a, "Upcoming event", "/calendar")
			p.RequireInteraction = true
			p.Vibrate = []int{300, 100, 300}
			return p
		},
		model.TypeUpdate: func(a model.Announcement) Payload {
			p := base(a, "Update available", "/")
			p.Actions = []Action{{Action: "open", Title: "Reload"}, {Action: "dismiss", Title: "Dismiss"}}
			return p
		},
		model.TypeAnnouncement: func(a model.Announcement) Payload {
			return base(a, "Announcement", "/")
		},
		"default": func(a model.Announcement) Payload {
			return base(a, "TajPoint", "/")
		},
	}
}

// For resolves the template for a.Type.
func (t Templates) For(a model.Announcement) Payload {
	typ := strings.ToLower(strings.TrimSpace(a.Type))
	if tpl, ok := t[typ]; ok && tpl != nil {
		return tpl(a)
	}
	if tpl, ok := t["default"]; ok && tpl != nil {
		return tpl(a)
	}
	return base(a, "TajPoint", "/")
}

func base(a model.Announcement, fallbackTitle, fallbackURL string) Payload {
	title := a.Title
	if title == "" {
		title = fallbackTitle
	}
	url := a.URL
	if url == "" {
		url = fallbackURL
	}
	typ := a.Type
	if typ == "" {
		typ = model.TypeAnnouncement
	}
	p := Payload{
		Title:   title,
		Body:    a.Body,
		Icon:    DefaultIcon,
		Badge:   DefaultBadge,
		Tag:     tag(typ, ""),
		Data:    map[string]any{"url": url, "id": a.ID, "type": typ},
		Actions: openDismiss,
	}
	if a.Image != "" {
		p.Icon = a.Image
	}
	return p
}

// Reminder builds the payload for a scheduled calendar reminder.
func Reminder(eventID, title, body string, data map[string]any) Payload {
	if title == "" {
		title = "Reminder"
	}
	d := map[string]any{"url": "/calendar", "id": eventID, "type": "reminder"}
	for k, v := range data {
		d[k] = v
	}
	return Payload{
		Title:              title,
		Body:               body,
		Icon:               DefaultIcon,
		Badge:              DefaultBadge,
		Tag:                tag("reminder", eventID),
		Data:               d,
		RequireInteraction: true,
		Vibrate:            []int{300, 100, 300},
		Actions:            openDismiss,
	}
}

func tag(category, id string) string {
	category = strings.ReplaceAll(strings.ToLower(category), "_", "-")
	if id == "" {
		return "tajpoint-" + category
	}
	return "tajpoint-" + category + "-" + id
}
