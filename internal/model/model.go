// Package model holds the backend rows the notification subsystem consumes.
//
// Rows come from the hosted backend and from push payloads, neither of which
// is trusted: decoding never fails on a bad field, it falls back to the zero
// value (or a sensible default) for that field instead.
package model

import (
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

// Announcement types. Unknown types render with the default template.
const (
	TypeAnnouncement = "announcement"
	TypeNewKalam     = "new_kalam"
	TypeEvent        = "event"
	TypeUpdate       = "update"
)

// Announcement is a row of the announcements collection. It becomes
// eligible for notification once SentAt is set.
type Announcement struct {
	ID        string
	Type      string
	Title     string
	Body      string
	URL       string
	Image     string
	SentAt    *time.Time
	CreatedAt time.Time
}

// Eligible reports whether the row has been sent.
func (a Announcement) Eligible() bool { return a.ID != "" && a.SentAt != nil && !a.SentAt.IsZero() }

// UnmarshalJSON decodes defensively: ids may be numbers or strings, "message"
// is accepted for the body, and unparseable timestamps read as unset.
func (a *Announcement) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		*a = Announcement{}
		return nil
	}
	out := Announcement{
		ID:    rawID(raw["id"]),
		Type:  rawString(raw["type"]),
		Title: rawString(raw["title"]),
		Body:  rawString(raw["body"]),
		URL:   rawString(raw["url"]),
		Image: rawString(raw["image_url"]),
	}
	if out.Body == "" {
		out.Body = rawString(raw["message"])
	}
	if out.URL == "" {
		out.URL = rawString(raw["link"])
	}
	if out.Type == "" {
		out.Type = TypeAnnouncement
	}
	if t, ok := rawTime(raw["sent_at"]); ok {
		out.SentAt = &t
	}
	if t, ok := rawTime(raw["created_at"]); ok {
		out.CreatedAt = t
	}
	*a = out
	return nil
}

// CalendarEvent is a row of the events collection (Urs, Majlis, Wiladat...).
type CalendarEvent struct {
	ID          string
	Title       string
	Description string
	Date        time.Time // single occurrence; zero when Recurrence is set
	Recurrence  string    // optional cron expression for repeating events
}

func (e *CalendarEvent) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		*e = CalendarEvent{}
		return nil
	}
	out := CalendarEvent{
		ID:          rawID(raw["id"]),
		Title:       rawString(raw["title"]),
		Description: rawString(raw["description"]),
		Recurrence:  strings.TrimSpace(rawString(raw["recurrence"])),
	}
	if out.Title == "" {
		out.Title = rawString(raw["name"])
	}
	if t, ok := rawTime(raw["event_date"]); ok {
		out.Date = t
	} else if t, ok := rawTime(raw["date"]); ok {
		out.Date = t
	}
	*e = out
	return nil
}

// ChannelStatus is a realtime subscription lifecycle status.
type ChannelStatus string

const (
	StatusSubscribed   ChannelStatus = "SUBSCRIBED"
	StatusChannelError ChannelStatus = "CHANNEL_ERROR"
	StatusTimedOut     ChannelStatus = "TIMED_OUT"
	StatusClosed       ChannelStatus = "CLOSED"
)

// Terminal reports whether the subscription is over after this status.
func (s ChannelStatus) Terminal() bool { return s != StatusSubscribed }

func rawString(b json.RawMessage) string {
	if len(b) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

func rawID(b json.RawMessage) string {
	if len(b) == 0 {
		return ""
	}
	if s := rawString(b); s != "" {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return ""
	}
	return n.String()
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999-07",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func rawTime(b json.RawMessage) (time.Time, bool) {
	if len(b) == 0 || string(b) == "null" {
		return time.Time{}, false
	}
	if s := rawString(b); s != "" {
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, true
			}
		}
		return time.Time{}, false
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(n.String(), 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}
