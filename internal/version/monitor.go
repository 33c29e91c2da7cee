package version

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"tajpoint/internal/eventbus"
	"tajpoint/internal/metrics"
	"tajpoint/internal/runtime/supervisor"
	"tajpoint/internal/storage"
	logx "tajpoint/pkg/logx"
)

// Config controls check triggers.
type Config struct {
	Interval     time.Duration // periodic check; default 5m
	InitialDelay time.Duration // first check after start; default 30s
	FetchTimeout time.Duration // per-check bound; default 10s
}

// CacheClearer drops cached network responses before a reload.
type CacheClearer interface {
	ClearCache(ctx context.Context) error
}

// ReloadFunc restarts the client with fresh code.
type ReloadFunc func()

// Monitor owns the stored version record and the update-available flag.
type Monitor struct {
	cfg    Config
	src    Source
	store  storage.Store
	bus    eventbus.Bus
	log    logx.Logger
	m      *metrics.Metrics
	cache  CacheClearer
	reload ReloadFunc

	checkMu sync.Mutex // one check at a time

	mu        sync.Mutex
	pending   Descriptor
	available atomic.Bool

	trigger chan struct{}
}

type Deps struct {
	Source  Source
	Store   storage.Store
	Bus     eventbus.Bus
	Log     logx.Logger
	Metrics *metrics.Metrics
	Cache   CacheClearer
	Reload  ReloadFunc
}

func NewMonitor(cfg Config, d Deps) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 30 * time.Second
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	return &Monitor{
		cfg:     cfg,
		src:     d.Source,
		store:   d.Store,
		bus:     d.Bus,
		log:     d.Log,
		m:       d.Metrics,
		cache:   d.Cache,
		reload:  d.Reload,
		trigger: make(chan struct{}, 1),
	}
}

// UpdateAvailable is the observable flag the UI layer reads.
func (m *Monitor) UpdateAvailable() bool { return m.available.Load() }

// Pending returns the descriptor that triggered the update flag.
func (m *Monitor) Pending() (Descriptor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending, m.available.Load()
}

// Trigger requests a check without blocking.
func (m *Monitor) Trigger() {
	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

// CheckForUpdate runs one check and reports whether an update is available.
// Failures are logged at debug level and reported as "no update".
func (m *Monitor) CheckForUpdate(ctx context.Context) bool {
	m.checkMu.Lock()
	defer m.checkMu.Unlock()

	if m.src == nil {
		return false
	}
	fctx, cancel := context.WithTimeout(ctx, m.cfg.FetchTimeout)
	current, err := m.src.Fetch(fctx)
	cancel()
	if err != nil {
		m.m.VersionCheck("error")
		m.log.Debug("version fetch failed", logx.Err(err))
		return false
	}

	stored, ok := m.loadStored(ctx)
	if !ok {
		// First run: remember silently.
		m.persist(ctx, current)
		m.m.VersionCheck("first_run")
		return false
	}
	if !Changed(stored, current) {
		m.m.VersionCheck("unchanged")
		return false
	}

	m.m.VersionCheck("changed")
	m.mu.Lock()
	m.pending = current
	m.mu.Unlock()
	if !m.available.Swap(true) {
		m.log.Info("update available",
			logx.String("stored", stored.Version),
			logx.String("current", current.Version),
			logx.String("hash", current.BuildHash))
	}
	eventbus.Post(m.bus, eventbus.MsgAppUpdateAvailable, eventbus.UpdateAvailable{
		Version:   current.Version,
		BuildTime: current.BuildTime,
		BuildHash: current.BuildHash,
	})
	return true
}

// Accept clears cached responses, stores the pending descriptor and reloads.
func (m *Monitor) Accept(ctx context.Context) error {
	d, ok := m.Pending()
	if !ok {
		return nil
	}
	if m.cache != nil {
		if err := m.cache.ClearCache(ctx); err != nil {
			m.log.Debug("cache clear failed", logx.Err(err))
		}
	}
	m.persist(ctx, d)
	m.available.Store(false)
	m.log.Info("update accepted; reloading", logx.String("version", d.Version))
	if m.reload != nil {
		m.reload()
	}
	return nil
}

// Dismiss stores the pending descriptor so it is not prompted again.
func (m *Monitor) Dismiss(ctx context.Context) error {
	d, ok := m.Pending()
	if !ok {
		return nil
	}
	m.persist(ctx, d)
	m.available.Store(false)
	m.log.Info("update dismissed", logx.String("version", d.Version))
	return nil
}

// Run drives the checks until ctx ends: once after InitialDelay, every
// Interval, and on Trigger / page visibility / focus. CHECK_FOR_UPDATES
// belongs to the worker context, which calls CheckForUpdate itself.
func (m *Monitor) Run(ctx context.Context) error {
	var events <-chan eventbus.Event
	if m.bus != nil {
		ch, unsub := m.bus.Subscribe(8, eventbus.PageVisible, eventbus.PageFocus)
		defer unsub()
		events = ch
	}

	initial := time.NewTimer(m.cfg.InitialDelay)
	defer initial.Stop()
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	check := func() {
		_ = supervisor.Safe(m.log, "version.check", func() error {
			m.CheckForUpdate(ctx)
			return nil
		})
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-initial.C:
			check()
		case <-ticker.C:
			check()
		case <-m.trigger:
			check()
		case _, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			check()
		}
	}
}

func (m *Monitor) loadStored(ctx context.Context) (Descriptor, bool) {
	if m.store == nil {
		return Descriptor{}, false
	}
	b, ok, err := m.store.GetRecord(ctx, storage.RecordVersion)
	if err != nil {
		m.log.Debug("stored version read failed", logx.Err(err))
		return Descriptor{}, false
	}
	if !ok {
		return Descriptor{}, false
	}
	var d Descriptor
	if err := json.Unmarshal(b, &d); err != nil || d.IsZero() {
		return Descriptor{}, false
	}
	return d, true
}

func (m *Monitor) persist(ctx context.Context, d Descriptor) {
	if m.store == nil {
		return
	}
	b, err := json.Marshal(d)
	if err != nil {
		return
	}
	if err := m.store.PutRecord(ctx, storage.RecordVersion, b); err != nil {
		m.log.Debug("stored version write failed", logx.Err(err))
	}
}
