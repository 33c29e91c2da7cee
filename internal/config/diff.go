package config

import (
	"reflect"

	logx "tajpoint/pkg/logx"
)

// SummarizeChange lists the sections that differ between two configs and
// safe log fields describing the new values. Secrets are never included.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 8)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
	}
	if oldCfg.Backend != newCfg.Backend {
		changed = append(changed, "backend")
		attrs = append(attrs,
			logx.String("backend.url", newCfg.Backend.URL),
			logx.Bool("backend.api_key_set", newCfg.Backend.APIKey != ""),
		)
	}
	if oldCfg.Version != newCfg.Version {
		changed = append(changed, "version")
	}
	if oldCfg.Ledger != newCfg.Ledger {
		changed = append(changed, "ledger")
	}
	if !reflect.DeepEqual(oldCfg.Realtime, newCfg.Realtime) {
		changed = append(changed, "realtime")
	}
	if oldCfg.CatchUp != newCfg.CatchUp {
		changed = append(changed, "catch_up")
	}
	if !reflect.DeepEqual(oldCfg.Poll, newCfg.Poll) {
		changed = append(changed, "poll")
	}
	if oldCfg.Reminders != newCfg.Reminders {
		changed = append(changed, "reminders")
	}
	if !reflect.DeepEqual(oldCfg.Notifications, newCfg.Notifications) {
		changed = append(changed, "notifications")
		attrs = append(attrs,
			logx.Bool("notifications.enabled", newCfg.NotificationsEnabled()),
			logx.Bool("notifications.telegram", newCfg.Notifications.Telegram != nil),
		)
		if !reflect.DeepEqual(oldCfg.Notifications.Telegram, newCfg.Notifications.Telegram) {
			changed = append(changed, "notifications.telegram")
		}
	}
	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
	}
	return changed, attrs
}

// RestartRequired reports sections that only take effect on restart.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "logging", "notifications":
		default:
			out = append(out, s)
		}
	}
	return out
}
