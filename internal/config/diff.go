package config

import (
	"reflect"
	"strings"

	logx "remindbot/pkg/logx"
)

// SummarizeChange lists the sections that differ between two configs and
// returns log fields describing the new values. Secrets (token, password,
// dsn) are never included, only whether they are set.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		fields  []logx.Field
	)

	if !reflect.DeepEqual(oldCfg.Telegram, newCfg.Telegram) {
		changed = append(changed, "telegram")
		fields = append(fields,
			logx.String("telegram.poll_timeout", strings.TrimSpace(newCfg.Telegram.PollTimeout)),
			logx.Bool("telegram.log_chat_set", strings.TrimSpace(newCfg.Telegram.LogChat) != ""),
			logx.Bool("telegram.token_changed", oldCfg.Telegram.Token != newCfg.Telegram.Token),
		)
	}
	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		fields = append(fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram", newCfg.Logging.Telegram.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		fields = append(fields,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.Bool("storage.dsn_set", newCfg.Storage.DSN != ""),
		)
	}
	if !reflect.DeepEqual(oldCfg.Reminders, newCfg.Reminders) {
		changed = append(changed, "reminders")
		fields = append(fields,
			logx.String("reminders.tick", newCfg.Reminders.Tick),
			logx.String("reminders.timezone", newCfg.Reminders.Timezone),
		)
	}
	if oldCfg.Notifier != newCfg.Notifier {
		changed = append(changed, "notifier")
		fields = append(fields, logx.Int("notifier.rate_per_sec", newCfg.Notifier.RatePerSec))
	}
	if oldCfg.Maintenance != newCfg.Maintenance {
		changed = append(changed, "maintenance")
		fields = append(fields,
			logx.Bool("maintenance.enabled", newCfg.Maintenance.Enabled),
			logx.String("maintenance.schedule", newCfg.Maintenance.Schedule),
		)
	}
	if oldCfg.Metrics != newCfg.Metrics {
		changed = append(changed, "metrics")
		fields = append(fields, logx.Bool("metrics.enabled", newCfg.Metrics.Enabled))
	}
	return changed, fields
}

// RestartRequired reports sections whose changes only apply after a restart.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		switch s {
		case "storage", "metrics", "telegram":
			out = append(out, s)
		}
	}
	return out
}
