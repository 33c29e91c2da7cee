package version

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"tajpoint/internal/eventbus"
	"tajpoint/internal/storage"
	logx "tajpoint/pkg/logx"
)

func TestChanged(t *testing.T) {
	t.Parallel()
	stored := Descriptor{Version: "1.0.0", BuildTime: 100, BuildHash: "a"}
	tests := []struct {
		name    string
		current Descriptor
		want    bool
	}{
		{name: "identical", current: Descriptor{Version: "1.0.0", BuildTime: 100, BuildHash: "a"}, want: false},
		{name: "newer build time", current: Descriptor{Version: "1.0.0", BuildTime: 200, BuildHash: "a"}, want: true},
		{name: "version differs, older build", current: Descriptor{Version: "1.0.1", BuildTime: 50, BuildHash: "a"}, want: true},
		{name: "hash differs", current: Descriptor{Version: "1.0.0", BuildTime: 100, BuildHash: "b"}, want: true},
		{name: "hash missing", current: Descriptor{Version: "1.0.0", BuildTime: 100}, want: false},
		{name: "older build only", current: Descriptor{Version: "1.0.0", BuildTime: 90, BuildHash: "a"}, want: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := Changed(stored, tt.current); got != tt.want {
				t.Fatalf("Changed(%+v, %+v) = %v, want %v", stored, tt.current, got, tt.want)
			}
		})
	}
}

type stubSource struct {
	d   atomic.Value // Descriptor
	err error
	n   atomic.Int32
}

func (s *stubSource) Fetch(ctx context.Context) (Descriptor, error) {
	s.n.Add(1)
	if s.err != nil {
		return Descriptor{}, s.err
	}
	return s.d.Load().(Descriptor), nil
}

func newStub(d Descriptor) *stubSource {
	s := &stubSource{}
	s.d.Store(d)
	return s
}

type stubCache struct{ cleared atomic.Int32 }

func (c *stubCache) ClearCache(context.Context) error {
	c.cleared.Add(1)
	return nil
}

func TestFirstRunIsSilent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4, eventbus.MsgAppUpdateAvailable)
	defer unsub()

	m := NewMonitor(Config{}, Deps{Source: newStub(Descriptor{Version: "1.0.0", BuildTime: 100, BuildHash: "a"}), Store: st, Bus: bus})
	if m.CheckForUpdate(ctx) {
		t.Fatal("first check reported an update")
	}
	if m.UpdateAvailable() {
		t.Fatal("flag set on first run")
	}
	if _, ok, _ := st.GetRecord(ctx, storage.RecordVersion); !ok {
		t.Fatal("first descriptor not stored")
	}
	select {
	case e := <-ch:
		t.Fatalf("unexpected %s on first run", e.Type)
	default:
	}
}

func TestChangeSurfacesAndAccept(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4, eventbus.MsgAppUpdateAvailable)
	defer unsub()

	src := newStub(Descriptor{Version: "1.0.0", BuildTime: 100, BuildHash: "a"})
	cache := &stubCache{}
	var reloaded atomic.Int32
	m := NewMonitor(Config{}, Deps{Source: src, Store: st, Bus: bus, Cache: cache, Reload: func() { reloaded.Add(1) }})
	m.CheckForUpdate(ctx)

	src.d.Store(Descriptor{Version: "1.0.1", BuildTime: 200, BuildHash: "b"})
	if !m.CheckForUpdate(ctx) {
		t.Fatal("changed descriptor not detected")
	}
	select {
	case e := <-ch:
		if ua, ok := e.Data.(eventbus.UpdateAvailable); !ok || ua.Version != "1.0.1" {
			t.Fatalf("payload = %#v", e.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("APP_UPDATE_AVAILABLE not published")
	}

	if err := m.Accept(ctx); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if cache.cleared.Load() != 1 || reloaded.Load() != 1 {
		t.Fatalf("cleared=%d reloaded=%d, want 1/1", cache.cleared.Load(), reloaded.Load())
	}
	if m.UpdateAvailable() {
		t.Fatal("flag still set after Accept")
	}
	if m.CheckForUpdate(ctx) {
		t.Fatal("accepted version prompted again")
	}
}

func TestDismissPersistsWithoutReload(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	src := newStub(Descriptor{Version: "1.0.0", BuildTime: 100})
	var reloaded atomic.Int32
	m := NewMonitor(Config{}, Deps{Source: src, Store: storage.NewMemory(), Reload: func() { reloaded.Add(1) }})
	m.CheckForUpdate(ctx)
	src.d.Store(Descriptor{Version: "2.0.0", BuildTime: 300})
	m.CheckForUpdate(ctx)

	if err := m.Dismiss(ctx); err != nil {
		t.Fatalf("Dismiss: %v", err)
	}
	if reloaded.Load() != 0 {
		t.Fatal("Dismiss reloaded")
	}
	if m.CheckForUpdate(ctx) {
		t.Fatal("dismissed version prompted again")
	}
}

func TestFetchFailureIsSilent(t *testing.T) {
	t.Parallel()
	m := NewMonitor(Config{}, Deps{Source: &stubSource{err: errors.New("offline")}, Store: storage.NewMemory(), Log: logx.Nop()})
	if m.CheckForUpdate(context.Background()) {
		t.Fatal("failed fetch reported an update")
	}
}

func TestHTTPSourceCacheBusts(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/version.json" || r.URL.Query().Get("t") == "" {
			http.Error(w, "missing cache buster", http.StatusBadRequest)
			return
		}
		if r.Header.Get("Cache-Control") == "" {
			http.Error(w, "missing no-cache", http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"version":"3.1.0","buildTime":1700000000000,"buildHash":"abc123"}`))
	}))
	defer srv.Close()

	d, err := NewHTTPSource(srv.URL+"/version.json", srv.Client()).Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if d.Version != "3.1.0" || d.BuildTime != 1700000000000 || d.BuildHash != "abc123" {
		t.Fatalf("descriptor = %+v", d)
	}
}

func TestRunChecksOnVisibility(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	src := newStub(Descriptor{Version: "1.0.0"})
	m := NewMonitor(Config{Interval: time.Hour, InitialDelay: time.Hour}, Deps{Source: src, Store: storage.NewMemory(), Bus: bus})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.Now().Add(2 * time.Second)
	for src.n.Load() == 0 {
		eventbus.Post(bus, eventbus.PageVisible, nil)
		if time.Now().After(deadline) {
			t.Fatal("visibility did not trigger a check")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
