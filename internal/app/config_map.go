package app

import (
	"fmt"
	"strings"
	"time"

	"tajpoint/internal/backend"
	"tajpoint/internal/config"
	"tajpoint/internal/delivery"
	"tajpoint/internal/ledger"
	"tajpoint/internal/notify"
	"tajpoint/internal/observability"
	"tajpoint/internal/reminder"
	"tajpoint/internal/storage"
	"tajpoint/internal/version"
	"tajpoint/internal/worker"
	logx "tajpoint/pkg/logx"
)

// settings is the parsed, typed view of config.Config.
type settings struct {
	log        logx.Config
	storage    storage.Config
	hasStorage bool
	backend    backend.Config
	version    version.Config
	versionURL string
	ledger     ledger.Config
	claimGrace time.Duration
	realtime   bool
	backoff    delivery.Backoff
	catchUp    delivery.CatchUpConfig
	poll       delivery.PollConfig
	reminder   reminder.Config
	worker     worker.Config
	notify     notify.ServiceConfig
	telegram   *notify.TelegramConfig
	enabled    bool
	bell       bool
	ops        observability.Config
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "memory", "mem":
		return storage.Config{Driver: "memory"}, true, nil
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// resolve parses every duration and bound. It is also the reload validator.
func resolve(cfg *config.Config) (settings, error) {
	if cfg == nil {
		cfg = &config.Config{}
	}
	var (
		s   settings
		err error
	)
	dur := func(key, raw string, def time.Duration) time.Duration {
		if err != nil {
			return 0
		}
		var d time.Duration
		d, err = config.ParseDurationOrDefault(key, raw, def)
		return d
	}

	s.log = mapLogConfig(cfg)
	if s.storage, s.hasStorage, err = mapStorageConfig(cfg); err != nil {
		return settings{}, err
	}

	b := cfg.Backend
	if b.BreakerFailures < 0 {
		return settings{}, fmt.Errorf("backend.breaker_failures must be >= 0")
	}
	s.backend = backend.Config{
		BaseURL:            b.URL,
		APIKey:             b.APIKey,
		AnnouncementsTable: b.AnnouncementsTable,
		EventsTable:        b.EventsTable,
		Channel:            b.Channel,
		RequestTimeout:     dur("backend.request_timeout", b.RequestTimeout, 10*time.Second),
		BreakerFailures:    uint32(b.BreakerFailures),
		BreakerOpenTimeout: dur("backend.breaker_open_timeout", b.BreakerOpenTimeout, 30*time.Second),
		JoinTimeout:        dur("realtime.join_timeout", cfg.Realtime.JoinTimeout, 10*time.Second),
		HeartbeatInterval:  dur("realtime.heartbeat", cfg.Realtime.Heartbeat, 30*time.Second),
	}

	s.versionURL = strings.TrimSpace(cfg.Version.Endpoint)
	s.version = version.Config{
		Interval:     dur("version.interval", cfg.Version.Interval, 5*time.Minute),
		InitialDelay: dur("version.initial_delay", cfg.Version.InitialDelay, 30*time.Second),
		FetchTimeout: dur("version.fetch_timeout", cfg.Version.FetchTimeout, 10*time.Second),
	}

	s.ledger = ledger.Config{
		Retention:    dur("ledger.retention", cfg.Ledger.Retention, 24*time.Hour),
		StoreTimeout: dur("ledger.store_timeout", cfg.Ledger.StoreTimeout, 2*time.Second),
	}
	s.claimGrace = dur("ledger.claim_grace", cfg.Ledger.ClaimGrace, 0)

	s.realtime = cfg.RealtimeEnabled()
	if cfg.Realtime.MaxRetries < 0 {
		return settings{}, fmt.Errorf("realtime.max_retries must be >= 0")
	}
	def := delivery.DefaultBackoff()
	s.backoff = delivery.Backoff{
		Base:       dur("realtime.backoff_base", cfg.Realtime.BackoffBase, def.Base),
		Cap:        dur("realtime.backoff_cap", cfg.Realtime.BackoffCap, def.Cap),
		MaxRetries: cfg.Realtime.MaxRetries,
	}

	if cfg.CatchUp.Limit < 0 {
		return settings{}, fmt.Errorf("catch_up.limit must be >= 0")
	}
	s.catchUp = delivery.CatchUpConfig{
		Limit:        cfg.CatchUp.Limit,
		Window:       dur("catch_up.window", cfg.CatchUp.Window, 5*time.Minute),
		FetchTimeout: dur("catch_up.fetch_timeout", cfg.CatchUp.FetchTimeout, 10*time.Second),
	}

	s.poll = delivery.PollConfig{
		Interval:     dur("poll.interval", cfg.Poll.Interval, 15*time.Second),
		FetchTimeout: dur("poll.fetch_timeout", cfg.Poll.FetchTimeout, 10*time.Second),
	}
	if err == nil {
		s.poll.SafetyNet, err = config.ParseOptionalDuration("poll.safety_net", cfg.Poll.SafetyNet, 5*time.Minute)
	}

	if tz := strings.TrimSpace(cfg.Reminders.Timezone); tz != "" {
		if _, lerr := time.LoadLocation(tz); lerr != nil {
			return settings{}, fmt.Errorf("reminders.timezone: invalid %q: %w", tz, lerr)
		}
	}
	s.reminder = reminder.Config{
		Timezone:     cfg.Reminders.Timezone,
		FetchTimeout: dur("reminders.fetch_timeout", cfg.Reminders.FetchTimeout, 10*time.Second),
	}
	s.worker = worker.Config{SyncInterval: dur("reminders.sync_interval", cfg.Reminders.SyncInterval, 12*time.Hour)}

	n := cfg.Notifications
	if n.RatePerSec < 0 {
		return settings{}, fmt.Errorf("notifications.rate_per_sec must be >= 0")
	}
	if n.RetryMax < 0 {
		return settings{}, fmt.Errorf("notifications.retry_max must be >= 0")
	}
	s.notify = notify.ServiceConfig{
		RatePerSec:    n.RatePerSec,
		RetryMax:      n.RetryMax,
		RetryBase:     dur("notifications.retry_base", n.RetryBase, 500*time.Millisecond),
		RetryMaxDelay: dur("notifications.retry_max_delay", n.RetryMaxDelay, 10*time.Second),
		SendTimeout:   dur("notifications.send_timeout", n.SendTimeout, 10*time.Second),
	}
	if s.notify.RatePerSec == 0 {
		s.notify.RatePerSec = 3
	}
	if s.notify.RetryMax == 0 {
		s.notify.RetryMax = 3
	}
	if tg := n.Telegram; tg != nil {
		if strings.TrimSpace(tg.Token) == "" || tg.ChatID == 0 {
			return settings{}, fmt.Errorf("notifications.telegram requires token and chat_id")
		}
		s.telegram = &notify.TelegramConfig{
			Token:     tg.Token,
			ChatID:    tg.ChatID,
			ThreadID:  tg.ThreadID,
			APIURL:    tg.APIURL,
			ParseMode: tg.ParseMode,
			Timeout:   dur("notifications.telegram.timeout", tg.Timeout, 10*time.Second),
			SiteURL:   tg.SiteURL,
		}
	}
	s.enabled = cfg.NotificationsEnabled()
	s.bell = n.Bell
	s.ops = observability.Config{
		Addr:          strings.TrimSpace(cfg.Metrics.Addr),
		Token:         cfg.Metrics.Token,
		AllowInsecure: cfg.Metrics.AllowInsecure,
		Pprof:         cfg.Metrics.Pprof,
		ReadTimeout:   dur("metrics.read_timeout", cfg.Metrics.ReadTimeout, 10*time.Second),
		IdleTimeout:   dur("metrics.idle_timeout", cfg.Metrics.IdleTimeout, time.Minute),
	}
	if s.ops.Addr != "" && !s.ops.AllowInsecure && s.ops.Token == "" && !observability.IsLoopback(s.ops.Addr) {
		return settings{}, observability.ErrInsecureBind
	}

	if err != nil {
		return settings{}, err
	}
	return s, nil
}
