package config

// Config is the on-disk agent configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "5m").
// Omitted or zero values fall back to the component defaults.
type Config struct {
	Logging       LoggingConfig       `json:"logging"`
	Storage       *StorageConfig      `json:"storage,omitempty"`
	Backend       BackendConfig       `json:"backend"`
	Version       VersionConfig       `json:"version"`
	Ledger        LedgerConfig        `json:"ledger"`
	Realtime      RealtimeConfig      `json:"realtime"`
	CatchUp       CatchUpConfig       `json:"catch_up"`
	Poll          PollConfig          `json:"poll"`
	Reminders     RemindersConfig     `json:"reminders"`
	Notifications NotificationsConfig `json:"notifications"`
	Metrics       MetricsConfig       `json:"metrics"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the persistence layer shared by both contexts.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./tajpoint.db" }
//
// If the section is omitted the agent keeps state in memory only.
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// BackendConfig points at the hosted database (REST + realtime).
type BackendConfig struct {
	URL                string `json:"url"`
	APIKey             string `json:"api_key"` // do not log
	AnnouncementsTable string `json:"announcements_table,omitempty"`
	EventsTable        string `json:"events_table,omitempty"`
	Channel            string `json:"channel,omitempty"`
	RequestTimeout     string `json:"request_timeout,omitempty"`
	BreakerFailures    int    `json:"breaker_failures,omitempty"`
	BreakerOpenTimeout string `json:"breaker_open_timeout,omitempty"`
}

// VersionConfig controls stale-client detection. An empty endpoint disables it.
type VersionConfig struct {
	Endpoint     string `json:"endpoint"`
	Interval     string `json:"interval,omitempty"`
	InitialDelay string `json:"initial_delay,omitempty"`
	FetchTimeout string `json:"fetch_timeout,omitempty"`
}

type LedgerConfig struct {
	Retention    string `json:"retention,omitempty"`     // default 24h
	StoreTimeout string `json:"store_timeout,omitempty"` // default 2s
	ClaimGrace   string `json:"claim_grace,omitempty"`
}

// RealtimeConfig controls the push channel and its reconnect policy.
//
// Enabled is a pointer so an omitted section means "on".
type RealtimeConfig struct {
	Enabled     *bool  `json:"enabled,omitempty"`
	JoinTimeout string `json:"join_timeout,omitempty"`
	Heartbeat   string `json:"heartbeat,omitempty"`
	BackoffBase string `json:"backoff_base,omitempty"`
	BackoffCap  string `json:"backoff_cap,omitempty"`
	MaxRetries  int    `json:"max_retries,omitempty"`
}

type CatchUpConfig struct {
	Limit        int    `json:"limit,omitempty"`
	Window       string `json:"window,omitempty"`
	FetchTimeout string `json:"fetch_timeout,omitempty"`
}

// PollConfig controls the fallback poll. safety_net "0s" disables the
// periodic fetch that runs even while the channel is joined.
type PollConfig struct {
	Interval     string  `json:"interval,omitempty"`
	SafetyNet    *string `json:"safety_net,omitempty"`
	FetchTimeout string  `json:"fetch_timeout,omitempty"`
}

type RemindersConfig struct {
	Timezone     string `json:"timezone,omitempty"`
	SyncInterval string `json:"sync_interval,omitempty"`
	FetchTimeout string `json:"fetch_timeout,omitempty"`
}

// NotificationsConfig controls rendering. Enabled is the user-facing
// switch and can be flipped by hot reload; turning it off also cancels
// every pending reminder.
type NotificationsConfig struct {
	Enabled       *bool           `json:"enabled,omitempty"`
	Bell          bool            `json:"bell,omitempty"`
	RatePerSec    int             `json:"rate_per_sec,omitempty"`
	RetryMax      int             `json:"retry_max,omitempty"`
	RetryBase     string          `json:"retry_base,omitempty"`
	RetryMaxDelay string          `json:"retry_max_delay,omitempty"`
	SendTimeout   string          `json:"send_timeout,omitempty"`
	Telegram      *TelegramConfig `json:"telegram,omitempty"`
}

// TelegramConfig sends worker-context notifications to a chat.
type TelegramConfig struct {
	Token     string `json:"token"` // do not log
	ChatID    int64  `json:"chat_id"`
	ThreadID  int    `json:"thread_id,omitempty"`
	APIURL    string `json:"api_url,omitempty"`
	ParseMode string `json:"parse_mode,omitempty"`
	Timeout   string `json:"timeout,omitempty"`
	SiteURL   string `json:"site_url,omitempty"` // adds an "open" button
}

// MetricsConfig exposes /metrics and /healthz when Addr is set
// (e.g. "127.0.0.1:9464"). A non-loopback Addr needs a token or an
// explicit allow_insecure.
type MetricsConfig struct {
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // do not log
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty"`
	IdleTimeout   string `json:"idle_timeout,omitempty"`
}

// NotificationsEnabled defaults to true when omitted.
func (c *Config) NotificationsEnabled() bool {
	if c == nil || c.Notifications.Enabled == nil {
		return true
	}
	return *c.Notifications.Enabled
}

// RealtimeEnabled defaults to true when omitted.
func (c *Config) RealtimeEnabled() bool {
	if c == nil || c.Realtime.Enabled == nil {
		return true
	}
	return *c.Realtime.Enabled
}
