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
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"tajpoint/internal/model"
	"tajpoint/internal/runtime/supervisor"
	logx "tajpoint/pkg/logx"
)

var (
	ErrJoinTimeout  = errors.New("realtime: join timed out")
	ErrJoinRejected = errors.New("realtime: join rejected")
	ErrChannel      = errors.New("realtime: channel error")
)

// Phoenix channel frame.
type frame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     *string         `json:"ref"`
	JoinRef *string         `json:"join_ref,omitempty"`
}

type joinReply struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type changePayload struct {
	Data struct {
		Type   string          `json:"type"`
		Record json.RawMessage `json:"record"`
	} `json:"data"`
	// legacy shape
	Type   string          `json:"type"`
	Record json.RawMessage `json:"record"`
}

// Realtime opens subscriptions on the shared announcements channel.
type Realtime struct {
	cfg    Config
	log    logx.Logger
	dialer *websocket.Dialer
}

func NewRealtime(cfg Config, log logx.Logger) *Realtime {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Realtime{
		cfg: cfg,
		log: log,
		dialer: &websocket.Dialer{
			HandshakeTimeout:  10 * time.Second,
			EnableCompression: true,
		},
	}
}

// Topic is the channel topic every client joins.
func (r *Realtime) Topic() string { return "realtime:" + r.cfg.Channel }

func (r *Realtime) endpoint() (string, error) {
	if r.cfg.BaseURL == "" {
		return "", ErrNotConfigured
	}
	u, err := url.Parse(r.cfg.BaseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/realtime/v1/websocket"
	q := url.Values{}
	q.Set("apikey", r.cfg.APIKey)
	q.Set("vsn", "1.0.0")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Subscribe dials the realtime endpoint and joins the channel. Lifecycle
// statuses are reported through onStatus: SUBSCRIBED once the join is
// acknowledged, then exactly one terminal status after which the
// subscription is dead and a new one must be opened.
func (r *Realtime) Subscribe(ctx context.Context, onInsert func(model.Announcement), onStatus func(model.ChannelStatus, error)) (io.Closer, error) {
	wsURL, err := r.endpoint()
	if err != nil {
		return nil, err
	}
	conn, resp, err := r.dialer.DialContext(ctx, wsURL, http.Header{})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("realtime dial failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("realtime dial failed: %w", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	s := &subscription{
		conn:     conn,
		log:      r.log,
		topic:    r.Topic(),
		joinRef:  uuid.NewString(),
		onInsert: onInsert,
		onStatus: onStatus,
		done:     make(chan struct{}),
		joinedCh: make(chan struct{}),
		inserts:  make(chan model.Announcement, insertQueue),
		readWait: 2 * r.cfg.HeartbeatInterval,
	}
	if err := s.join(r.cfg); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("realtime join send failed: %w", err)
	}

	go s.awaitJoin(r.cfg.JoinTimeout)
	go s.dispatch()
	go s.listen()
	go s.heartbeat(r.cfg.HeartbeatInterval)
	go func() {
		select {
		case <-ctx.Done():
			s.finish(model.StatusClosed, nil)
		case <-s.done:
		}
	}()
	return s, nil
}

// insertQueue bounds inserts waiting for onInsert; a full queue applies
// backpressure to the read loop.
const insertQueue = 64

type subscription struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	log     logx.Logger

	topic      string
	joinRef    string
	joinMsgRef string
	ref        atomic.Int64

	onInsert func(model.Announcement)
	onStatus func(model.ChannelStatus, error)

	joined   atomic.Bool
	joinedCh chan struct{} // closed on the join ack
	inserts  chan model.Announcement
	readWait time.Duration

	finishOnce sync.Once
	done       chan struct{}
}

func (s *subscription) nextRef() string { return strconv.FormatInt(s.ref.Add(1), 10) }

func (s *subscription) send(topic, event string, payload any, joinRef *string) (string, error) {
	p, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	ref := s.nextRef()
	b, err := json.Marshal(frame{Topic: topic, Event: event, Payload: p, Ref: &ref, JoinRef: joinRef})
	if err != nil {
		return "", err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return ref, s.conn.WriteMessage(websocket.TextMessage, b)
}

func (s *subscription) join(cfg Config) error {
	payload := map[string]any{
		"config": map[string]any{
			"broadcast": map[string]any{"self": false},
			"presence":  map[string]any{"key": ""},
			"postgres_changes": []map[string]string{
				{"event": "INSERT", "schema": "public", "table": cfg.AnnouncementsTable},
			},
		},
		"access_token": cfg.APIKey,
	}
	ref, err := s.send(s.topic, "phx_join", payload, &s.joinRef)
	s.joinMsgRef = ref
	return err
}

func (s *subscription) listen() {
	for {
		if s.readWait > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.readWait))
		}
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.finish(model.StatusClosed, nil)
				return
			}
			s.finish(model.StatusChannelError, fmt.Errorf("%w: %v", ErrChannel, err))
			return
		}
		s.handle(data)
	}
}

func (s *subscription) handle(data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		s.log.Debug("realtime frame dropped", logx.Err(err))
		return
	}
	if f.Topic != s.topic {
		return
	}
	switch f.Event {
	case "phx_reply":
		if f.JoinRef == nil || *f.JoinRef != s.joinRef || f.Ref == nil || *f.Ref != s.joinMsgRef {
			return
		}
		var rep joinReply
		_ = json.Unmarshal(f.Payload, &rep)
		if rep.Status == "ok" {
			if s.joined.CompareAndSwap(false, true) {
				close(s.joinedCh)
				s.status(model.StatusSubscribed, nil)
			}
			return
		}
		s.finish(model.StatusChannelError, fmt.Errorf("%w: %s", ErrJoinRejected, string(rep.Response)))
	case "phx_error":
		s.finish(model.StatusChannelError, ErrChannel)
	case "phx_close":
		s.finish(model.StatusClosed, nil)
	case "postgres_changes", "INSERT":
		var p changePayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return
		}
		typ, rec := p.Data.Type, p.Data.Record
		if len(rec) == 0 {
			typ, rec = p.Type, p.Record
		}
		if f.Event == "INSERT" && typ == "" {
			typ = "INSERT"
		}
		if typ != "INSERT" || len(rec) == 0 {
			return
		}
		var a model.Announcement
		_ = json.Unmarshal(rec, &a)
		if s.onInsert == nil {
			return
		}
		select {
		case s.inserts <- a:
		case <-s.done:
		}
	}
}

// awaitJoin ends the subscription as TIMED_OUT when no join ack arrives
// within d.
func (s *subscription) awaitJoin(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		if !s.joined.Load() {
			s.finish(model.StatusTimedOut, ErrJoinTimeout)
		}
	case <-s.joinedCh:
	case <-s.done:
	}
}

// dispatch runs onInsert off the read loop so a slow render cannot starve
// the read deadline.
func (s *subscription) dispatch() {
	for {
		select {
		case <-s.done:
			return
		case a := <-s.inserts:
			_ = supervisor.Safe(s.log, "realtime.insert", func() error {
				s.onInsert(a)
				return nil
			})
		}
	}
}

func (s *subscription) heartbeat(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-t.C:
			if _, err := s.send("phoenix", "heartbeat", map[string]any{}, nil); err != nil {
				s.finish(model.StatusChannelError, fmt.Errorf("%w: heartbeat: %v", ErrChannel, err))
				return
			}
		}
	}
}

func (s *subscription) status(st model.ChannelStatus, err error) {
	if s.onStatus == nil {
		return
	}
	_ = supervisor.Safe(s.log, "realtime.status", func() error {
		s.onStatus(st, err)
		return nil
	})
}

// finish reports the terminal status once and tears the connection down.
func (s *subscription) finish(st model.ChannelStatus, err error) {
	s.finishOnce.Do(func() {
		close(s.done)
		if st == model.StatusClosed {
			s.writeMu.Lock()
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			s.writeMu.Unlock()
		}
		_ = s.conn.Close()
		s.status(st, err)
	})
}

// Close leaves the channel; onStatus receives CLOSED unless another
// terminal status was already reported.
func (s *subscription) Close() error {
	s.finish(model.StatusClosed, nil)
	return nil
}
