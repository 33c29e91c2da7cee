package backend

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"tajpoint/internal/model"
	logx "tajpoint/pkg/logx"
)

type statusEvent struct {
	status model.ChannelStatus
	err    error
}

// mockRealtime answers the join according to reply ("ok", "error" or "" for
// no reply) and then runs script against the connection.
func mockRealtime(t *testing.T, reply string, script func(conn *websocket.Conn, topic string)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/realtime/v1/websocket" || r.URL.Query().Get("apikey") != "anon" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var join frame
		if err := conn.ReadJSON(&join); err != nil || join.Event != "phx_join" {
			return
		}
		if !strings.Contains(string(join.Payload), `"table":"announcements"`) {
			return
		}
		if reply != "" {
			payload := `{"status":"` + reply + `","response":{}}`
			_ = conn.WriteJSON(frame{Topic: join.Topic, Event: "phx_reply", Payload: json.RawMessage(payload), Ref: join.Ref, JoinRef: join.JoinRef})
		}
		if script != nil {
			script(conn, join.Topic)
		}
		// Drain until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func collect(onStatus chan statusEvent) func(model.ChannelStatus, error) {
	return func(s model.ChannelStatus, err error) { onStatus <- statusEvent{s, err} }
}

func waitStatus(t *testing.T, ch chan statusEvent) statusEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("no status reported")
		return statusEvent{}
	}
}

func TestRealtimeJoinAndInsert(t *testing.T) {
	t.Parallel()
	srv := mockRealtime(t, "ok", func(conn *websocket.Conn, topic string) {
		change := `{"data":{"type":"INSERT","record":{"id":"A1","type":"new_kalam","sent_at":"2026-03-01T12:00:00Z"}}}`
		_ = conn.WriteJSON(frame{Topic: topic, Event: "postgres_changes", Payload: json.RawMessage(change)})
		legacy := `{"type":"INSERT","record":{"id":"A2","sent_at":null}}`
		_ = conn.WriteJSON(frame{Topic: topic, Event: "INSERT", Payload: json.RawMessage(legacy)})
		update := `{"data":{"type":"UPDATE","record":{"id":"A3"}}}`
		_ = conn.WriteJSON(frame{Topic: topic, Event: "postgres_changes", Payload: json.RawMessage(update)})
	})
	defer srv.Close()

	rt := NewRealtime(Config{BaseURL: srv.URL, APIKey: "anon"}, logx.Nop())
	if rt.Topic() != "realtime:public:announcements" {
		t.Fatalf("topic = %s", rt.Topic())
	}
	statuses := make(chan statusEvent, 4)
	inserts := make(chan model.Announcement, 4)
	sub, err := rt.Subscribe(context.Background(), func(a model.Announcement) { inserts <- a }, collect(statuses))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if ev := waitStatus(t, statuses); ev.status != model.StatusSubscribed {
		t.Fatalf("first status = %s (%v)", ev.status, ev.err)
	}

	var got []model.Announcement
	for len(got) < 2 {
		select {
		case a := <-inserts:
			got = append(got, a)
		case <-time.After(3 * time.Second):
			t.Fatalf("inserts = %+v", got)
		}
	}
	if got[0].ID != "A1" || !got[0].Eligible() || got[1].ID != "A2" || got[1].Eligible() {
		t.Fatalf("inserts = %+v", got)
	}

	_ = sub.Close()
	if ev := waitStatus(t, statuses); ev.status != model.StatusClosed {
		t.Fatalf("status after Close = %s", ev.status)
	}
	select {
	case a := <-inserts:
		t.Fatalf("unexpected insert %+v", a)
	default:
	}
}

func TestRealtimeJoinRejected(t *testing.T) {
	t.Parallel()
	srv := mockRealtime(t, "error", nil)
	defer srv.Close()

	statuses := make(chan statusEvent, 2)
	rt := NewRealtime(Config{BaseURL: srv.URL, APIKey: "anon"}, logx.Nop())
	sub, err := rt.Subscribe(context.Background(), nil, collect(statuses))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()
	ev := waitStatus(t, statuses)
	if ev.status != model.StatusChannelError || !errors.Is(ev.err, ErrJoinRejected) {
		t.Fatalf("status = %s err = %v", ev.status, ev.err)
	}
}

func TestRealtimeJoinTimeout(t *testing.T) {
	t.Parallel()
	srv := mockRealtime(t, "", nil)
	defer srv.Close()

	statuses := make(chan statusEvent, 2)
	rt := NewRealtime(Config{BaseURL: srv.URL, APIKey: "anon", JoinTimeout: 100 * time.Millisecond}, logx.Nop())
	sub, err := rt.Subscribe(context.Background(), nil, collect(statuses))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()
	if ev := waitStatus(t, statuses); ev.status != model.StatusTimedOut {
		t.Fatalf("status = %s", ev.status)
	}
	select {
	case ev := <-statuses:
		t.Fatalf("second terminal status %s", ev.status)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRealtimeSlowInsertDoesNotBlockReads(t *testing.T) {
	t.Parallel()
	srv := mockRealtime(t, "ok", func(conn *websocket.Conn, topic string) {
		change := `{"data":{"type":"INSERT","record":{"id":"A1","sent_at":"2026-03-01T12:00:00Z"}}}`
		_ = conn.WriteJSON(frame{Topic: topic, Event: "postgres_changes", Payload: json.RawMessage(change)})
		time.Sleep(50 * time.Millisecond)
		_ = conn.WriteJSON(frame{Topic: topic, Event: "phx_close", Payload: json.RawMessage(`{}`)})
	})
	defer srv.Close()

	release := make(chan struct{})
	defer close(release)
	started := make(chan string, 1)
	statuses := make(chan statusEvent, 4)
	rt := NewRealtime(Config{BaseURL: srv.URL, APIKey: "anon"}, logx.Nop())
	sub, err := rt.Subscribe(context.Background(), func(a model.Announcement) {
		started <- a.ID
		<-release
	}, collect(statuses))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	if ev := waitStatus(t, statuses); ev.status != model.StatusSubscribed {
		t.Fatalf("status = %s", ev.status)
	}
	select {
	case id := <-started:
		if id != "A1" {
			t.Fatalf("insert = %s", id)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("insert never dispatched")
	}
	// The render is still blocked; the close frame must get through anyway.
	if ev := waitStatus(t, statuses); ev.status != model.StatusClosed {
		t.Fatalf("status = %s", ev.status)
	}
}

func TestRealtimeServerErrorAndDrop(t *testing.T) {
	t.Parallel()
	srv := mockRealtime(t, "ok", func(conn *websocket.Conn, topic string) {
		_ = conn.WriteJSON(frame{Topic: topic, Event: "phx_error", Payload: json.RawMessage(`{}`)})
	})
	defer srv.Close()

	statuses := make(chan statusEvent, 4)
	rt := NewRealtime(Config{BaseURL: srv.URL, APIKey: "anon"}, logx.Nop())
	if _, err := rt.Subscribe(context.Background(), nil, collect(statuses)); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if ev := waitStatus(t, statuses); ev.status != model.StatusSubscribed {
		t.Fatalf("status = %s", ev.status)
	}
	if ev := waitStatus(t, statuses); ev.status != model.StatusChannelError {
		t.Fatalf("status = %s", ev.status)
	}
}

func TestRealtimeDialFailure(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	rt := NewRealtime(Config{BaseURL: srv.URL, APIKey: "anon"}, logx.Nop())
	if _, err := rt.Subscribe(context.Background(), nil, nil); err == nil {
		t.Fatal("expected dial error")
	}
}
