// Package backend talks to the hosted backend: REST reads of the
// announcements and events collections, and the realtime channel that
// pushes announcement inserts.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"tajpoint/internal/model"
	logx "tajpoint/pkg/logx"
)

var (
	ErrNotConfigured = errors.New("backend: base url not configured")
	ErrStatus        = errors.New("backend: unexpected status")
)

// Config describes the hosted project.
type Config struct {
	BaseURL            string
	APIKey             string
	AnnouncementsTable string
	EventsTable        string
	Channel            string
	RequestTimeout     time.Duration
	JoinTimeout        time.Duration
	HeartbeatInterval  time.Duration
	BreakerFailures    uint32
	BreakerOpenTimeout time.Duration
}

func (c Config) withDefaults() Config {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.AnnouncementsTable == "" {
		c.AnnouncementsTable = "announcements"
	}
	if c.EventsTable == "" {
		c.EventsTable = "events"
	}
	if c.Channel == "" {
		c.Channel = "public:" + c.AnnouncementsTable
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = 10 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerOpenTimeout <= 0 {
		c.BreakerOpenTimeout = 30 * time.Second
	}
	return c
}

type cachedResponse struct {
	etag string
	body []byte
}

// Client is safe for concurrent use.
type Client struct {
	cfg  Config
	http *http.Client
	log  logx.Logger
	cb   *gobreaker.CircuitBreaker[[]byte]
	rt   *Realtime

	cacheMu sync.Mutex
	cache   map[string]cachedResponse
}

func New(cfg Config, hc *http.Client, log logx.Logger) *Client {
	cfg = cfg.withDefaults()
	if hc == nil {
		hc = &http.Client{Timeout: cfg.RequestTimeout}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Client{cfg: cfg, http: hc, log: log, cache: map[string]cachedResponse{}}
	c.cb = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:    "backend.rest",
		Timeout: cfg.BreakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed", logx.String("name", name), logx.String("from", from.String()), logx.String("to", to.String()))
		},
	})
	c.rt = NewRealtime(cfg, log.With(logx.Component("realtime")))
	return c
}

// Realtime returns the realtime channel client.
func (c *Client) Realtime() *Realtime { return c.rt }

// BreakerState reports the REST circuit breaker state ("closed", "open", ...).
func (c *Client) BreakerState() string { return c.cb.State().String() }

// RecentSent returns up to limit announcements with sent_at set, newest first.
func (c *Client) RecentSent(ctx context.Context, limit int) ([]model.Announcement, error) {
	if limit <= 0 {
		limit = 1
	}
	q := url.Values{}
	q.Set("select", "*")
	q.Set("sent_at", "not.is.null")
	q.Set("order", "sent_at.desc")
	q.Set("limit", strconv.Itoa(limit))
	body, err := c.get(ctx, "/rest/v1/"+c.cfg.AnnouncementsTable, q)
	if err != nil {
		return nil, err
	}
	var out []model.Announcement
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("backend: decode announcements: %w", err)
	}
	return out, nil
}

// Events returns the calendar events, soonest first.
func (c *Client) Events(ctx context.Context) ([]model.CalendarEvent, error) {
	q := url.Values{}
	q.Set("select", "*")
	q.Set("order", "event_date.asc")
	body, err := c.get(ctx, "/rest/v1/"+c.cfg.EventsTable, q)
	if err != nil {
		return nil, err
	}
	var out []model.CalendarEvent
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("backend: decode events: %w", err)
	}
	return out, nil
}

// Subscribe opens the shared announcements channel.
func (c *Client) Subscribe(ctx context.Context, onInsert func(model.Announcement), onStatus func(model.ChannelStatus, error)) (io.Closer, error) {
	return c.rt.Subscribe(ctx, onInsert, onStatus)
}

// ClearCache drops every cached response (used before a reload).
func (c *Client) ClearCache(ctx context.Context) error {
	_ = ctx
	c.cacheMu.Lock()
	c.cache = map[string]cachedResponse{}
	c.cacheMu.Unlock()
	return nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values) ([]byte, error) {
	if c.cfg.BaseURL == "" {
		return nil, ErrNotConfigured
	}
	u := c.cfg.BaseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return c.cb.Execute(func() ([]byte, error) {
		return c.doGet(ctx, u)
	})
}

func (c *Client) doGet(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("apikey", c.cfg.APIKey)
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")

	c.cacheMu.Lock()
	cached, hasCached := c.cache[u]
	c.cacheMu.Unlock()
	if hasCached && cached.etag != "" {
		req.Header.Set("If-None-Match", cached.etag)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified && hasCached:
		return cached.body, nil
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: %d", ErrStatus, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if etag := resp.Header.Get("ETag"); etag != "" {
		c.cacheMu.Lock()
		c.cache[u] = cachedResponse{etag: etag, body: body}
		c.cacheMu.Unlock()
	}
	return body, nil
}
