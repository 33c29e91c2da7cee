// Package app wires the agent: one shared store, bus, backend client and
// renderer, plus two execution contexts (page and background worker) that
// each own a ledger and a coordinator over that store.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"tajpoint/internal/backend"
	"tajpoint/internal/config"
	"tajpoint/internal/coordinator"
	"tajpoint/internal/delivery"
	"tajpoint/internal/eventbus"
	"tajpoint/internal/ledger"
	"tajpoint/internal/metrics"
	"tajpoint/internal/notify"
	"tajpoint/internal/observability"
	"tajpoint/internal/reminder"
	"tajpoint/internal/runtime/supervisor"
	"tajpoint/internal/scheduler"
	"tajpoint/internal/storage"
	"tajpoint/internal/version"
	"tajpoint/internal/worker"
	logx "tajpoint/pkg/logx"
)

// pageContext is the foreground execution context.
type pageContext struct {
	ledger    *ledger.Ledger
	coord     *coordinator.Coordinator
	deliverer *delivery.Deliverer
	health    *delivery.Health
	realtime  *delivery.Realtime
	catchUp   *delivery.CatchUp
	poll      *delivery.Poll
}

// workerContext is the background execution context.
type workerContext struct {
	ledger    *ledger.Ledger
	coord     *coordinator.Coordinator
	deliverer *delivery.Deliverer
	scheduler *scheduler.Scheduler
	worker    *worker.Worker
	planner   *reminder.Planner
}

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor
	set  settings

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	m     *metrics.Metrics

	backend  *backend.Client
	renderer *notify.Renderer
	sender   *notify.Service // nil without a worker sink
	version  *version.Monitor

	page   pageContext
	worker workerContext

	ops     *observability.Server
	reload  chan struct{}
	stopped atomic.Bool
}

// Option customizes NewApp (tests swap the store or the HTTP client).
type Option func(*options)

type options struct {
	store storage.Store
	http  *http.Client
	bus   eventbus.Bus
}

func WithStore(s storage.Store) Option { return func(o *options) { o.store = s } }
func WithHTTPClient(c *http.Client) Option { return func(o *options) { o.http = c } }
func WithBus(b eventbus.Bus) Option { return func(o *options) { o.bus = b } }

func NewApp(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return build(cfgm, cfg, opts...)
}

func build(cfgm *config.Manager, cfg *config.Config, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	set, err := resolve(cfg)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(set.log)
	appLog := log.With(logx.Component("app"))

	store := o.store
	if store == nil && set.hasStorage {
		st, err := storage.Open(set.storage, log.With(logx.Component("storage")))
		if err != nil {
			return nil, err
		}
		store = st
		appLog.Info("storage enabled", logx.String("driver", set.storage.Driver))
	}
	if store == nil {
		store = storage.NewMemory()
		appLog.Warn("storage not configured; dedup state is in-memory only")
	}

	bus := o.bus
	if bus == nil {
		bus = eventbus.New()
	}
	m := metrics.New()
	be := backend.New(set.backend, o.http, log.With(logx.Component("backend")))

	var sender *notify.Service
	var workerSink notify.Sink
	if set.telegram != nil {
		tg, err := notify.NewTelegramSink(*set.telegram)
		if err != nil {
			return nil, fmt.Errorf("notifications.telegram: %w", err)
		}
		sender = notify.NewService(set.notify, tg, log.With(logx.Component("notify")))
		workerSink = sender
	}
	var cue notify.Cue
	if set.bell {
		cue = &notify.BellCue{W: os.Stderr}
	}
	rend := notify.NewRenderer(notify.RendererDeps{
		Worker:  workerSink,
		Page:    notify.NewLogSink(log.With(logx.Component("page.sink"))),
		Cue:     cue,
		Bus:     bus,
		Log:     log.With(logx.Component("renderer")),
		Metrics: m,
	})
	rend.SetEnabled(set.enabled)

	a := &App{
		cfgm:     cfgm,
		set:      set,
		log:      appLog,
		logs:     logSvc,
		bus:      bus,
		store:    store,
		m:        m,
		backend:  be,
		renderer: rend,
		sender:   sender,
		reload:   make(chan struct{}, 1),
	}

	if set.versionURL != "" {
		a.version = version.NewMonitor(set.version, version.Deps{
			Source:  version.NewHTTPSource(set.versionURL, o.http),
			Store:   store,
			Bus:     bus,
			Log:     log.With(logx.Component("version")),
			Metrics: m,
			Cache:   be,
			Reload:  a.requestReload,
		})
	}

	a.page = a.buildPage(log)
	a.worker = a.buildWorker(log)
	return a, nil
}

func (a *App) buildPage(log logx.Logger) pageContext {
	plog := log.With(logx.String("ctx", "page"))
	l := ledger.New(a.set.ledger, a.store, plog.With(logx.Component("ledger")))
	c := coordinator.New(l, a.set.claimGrace, plog.With(logx.Component("coordinator")), a.m)
	d := delivery.NewDeliverer(c, a.renderer, a.store, a.bus, plog.With(logx.Component("deliverer")))
	h := delivery.NewHealth(a.m)
	return pageContext{
		ledger:    l,
		coord:     c,
		deliverer: d,
		health:    h,
		realtime:  delivery.NewRealtime(a.backend, d, h, a.set.backoff, plog.With(logx.Component("realtime"))),
		catchUp:   delivery.NewCatchUp(a.set.catchUp, a.backend, d, plog.With(logx.Component("catchup"))),
		poll:      delivery.NewPoll(a.set.poll, a.backend, d, h, plog.With(logx.Component("poll")), a.m),
	}
}

func (a *App) buildWorker(log logx.Logger) workerContext {
	wlog := log.With(logx.String("ctx", "worker"))
	l := ledger.New(a.set.ledger, a.store, wlog.With(logx.Component("ledger")))
	c := coordinator.New(l, a.set.claimGrace, wlog.With(logx.Component("coordinator")), a.m)
	d := delivery.NewDeliverer(c, a.renderer, a.store, a.bus, wlog.With(logx.Component("deliverer")))
	s := scheduler.New(a.renderer, wlog.With(logx.Component("scheduler")), a.m)

	deps := worker.Deps{
		Bus:       a.bus,
		Scheduler: s,
		Deliverer: d,
		Enabled:   a.renderer.Enabled,
		Log:       wlog.With(logx.Component("worker")),
	}
	if a.version != nil {
		deps.Checker = a.version
		deps.SkipWaiting = func(ctx context.Context) { _ = a.version.Accept(ctx) }
	}
	return workerContext{
		ledger:    l,
		coord:     c,
		deliverer: d,
		scheduler: s,
		worker:    worker.New(a.set.worker, deps),
		planner:   reminder.New(a.set.reminder, a.backend, a.bus, wlog.With(logx.Component("reminder"))),
	}
}

func (a *App) Bus() eventbus.Bus { return a.bus }

func (a *App) Store() storage.Store { return a.store }

func (a *App) Metrics() *metrics.Metrics { return a.m }

// ReloadRequested fires when an accepted update asks for a restart with
// fresh code.
func (a *App) ReloadRequested() <-chan struct{} { return a.reload }

func (a *App) requestReload() {
	select {
	case a.reload <- struct{}{}:
	default:
	}
}

// Done is closed when the supervisor context ends.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// ClearData wipes the ledger, stored records and audit history, and drops
// every pending reminder.
func (a *App) ClearData(ctx context.Context) error {
	n := a.worker.scheduler.CancelAll()
	if err := a.store.Clear(ctx); err != nil {
		return fmt.Errorf("clear data: %w", err)
	}
	a.page.ledger.Forget()
	a.worker.ledger.Forget()
	a.log.Info("local data cleared", logx.Int("reminders_cancelled", n))
	return nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.Component("supervisor"))))
	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.Component("config")))
		a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
			_, err := resolve(cfg)
			return err
		})
	}

	// Warm both ledgers before any path can claim.
	a.page.ledger.Warm(a.sup.Context())
	a.worker.ledger.Warm(a.sup.Context())

	// Worker context.
	a.sup.GoRestart("worker", a.worker.worker.Run)
	a.sup.GoRestart("reminder", a.worker.planner.Run)

	// Page context.
	if a.set.realtime {
		a.sup.GoRestart("page.realtime", a.page.realtime.Run)
	} else {
		a.log.Info("realtime disabled; poll fallback only")
	}
	a.sup.GoRestart("page.poll", a.page.poll.Run)
	a.sup.GoRestart("page.catchup", func(c context.Context) error {
		return a.page.catchUp.Run(c, a.bus)
	})
	if a.version != nil {
		a.sup.GoRestart("page.version", a.version.Run)
	}
	a.sup.GoRestart("page.signals", a.pageSignals)

	if a.set.ops.Addr != "" {
		a.ops = observability.New(a.set.ops, a.m.Handler(), a.healthLine, a.log.With(logx.Component("ops")))
		a.sup.GoRestart("ops.http", a.ops.Run)
	}

	if a.cfgm != nil {
		sub := a.cfgm.Subscribe(8)
		a.sup.Go0("config.reload", func(c context.Context) {
			defer a.cfgm.Unsubscribe(sub)
			a.reloadLoop(c, sub)
		})
		a.sup.Go("config.watch", a.cfgm.Watch)
	}

	a.log.Info("app started",
		logx.Bool("realtime", a.set.realtime),
		logx.Bool("notifications", a.set.enabled),
		logx.Bool("worker_sink", a.sender != nil),
		logx.Bool("version_monitor", a.version != nil))
	return nil
}

// pageSignals reacts to page lifecycle and user decisions on the bus.
func (a *App) pageSignals(ctx context.Context) error {
	ch, unsub := a.bus.Subscribe(16,
		eventbus.PageVisible,
		eventbus.PermissionPrompt,
		eventbus.UpdateAccept,
		eventbus.UpdateDismiss,
		eventbus.MsgAppUpdateAvailable,
	)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			switch e.Type {
			case eventbus.PageVisible:
				a.page.realtime.Revive()
			case eventbus.PermissionPrompt:
				a.log.Warn("notification permission denied; rendering paused until re-enabled")
			case eventbus.MsgAppUpdateAvailable:
				a.log.Info("update available", logx.Any("version", e.Data))
			case eventbus.UpdateAccept:
				if a.version != nil {
					_ = a.version.Accept(ctx)
				}
			case eventbus.UpdateDismiss:
				if a.version != nil {
					_ = a.version.Dismiss(ctx)
				}
			}
		}
	}
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(newCfg, last)
			last = newCfg
		}
	}
}

// applyConfig applies what can change live: logging, the notifications
// switch and the send pipeline. Everything else needs a restart.
func (a *App) applyConfig(newCfg, oldCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	set, err := resolve(newCfg)
	if err != nil {
		a.log.Warn("invalid config; keeping previous", logx.Err(err))
		return
	}

	a.logs.Apply(set.log)

	if set.enabled != a.set.enabled {
		a.renderer.SetEnabled(set.enabled)
		if set.enabled {
			a.log.Info("notifications enabled via config")
			a.worker.worker.SubscriptionChanged(a.subscriptionEndpoint(), "enabled")
			eventbus.Post(a.bus, eventbus.MsgSyncEvents, nil)
		} else {
			n := a.worker.scheduler.CancelAll()
			a.log.Info("notifications disabled via config", logx.Int("reminders_cancelled", n))
		}
	}
	if a.sender != nil {
		a.sender.Apply(set.notify)
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(restart, ",")))
	}
	a.set.log = set.log
	a.set.enabled = set.enabled
	a.set.notify = set.notify

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) subscriptionEndpoint() string {
	if a.sender != nil {
		return "telegram:" + a.worker.worker.ID()
	}
	return "page:" + a.worker.worker.ID()
}

func (a *App) healthLine() string {
	st, since, err := a.page.health.Status()
	line := fmt.Sprintf("realtime=%s since=%s breaker=%s notifications=%t",
		st, since.Format(time.RFC3339), a.backend.BreakerState(), a.renderer.Enabled())
	if err != nil {
		line += " err=" + err.Error()
	}
	return line
}

// Stop cancels every loop and releases resources within ctx.
func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil || !a.stopped.CompareAndSwap(false, true) {
		return nil
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		if err := supervisor.Safe(a.log, "stop."+name, func() error { return fn(stepCtx) }); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
	}

	step("ops", time.Second, func(c context.Context) error {
		if a.ops != nil {
			return a.ops.Shutdown(c)
		}
		return nil
	})
	step("scheduler", time.Second, func(context.Context) error { a.worker.scheduler.Close(); return nil })
	step("coordinators", time.Second, func(context.Context) error {
		a.page.coord.Close()
		a.worker.coord.Close()
		return nil
	})
	step("supervisor", 3*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
