package app

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"remindbot/internal/config"
	"remindbot/internal/maintenance"
	"remindbot/internal/notifier"
	"remindbot/internal/observability"
	"remindbot/internal/scheduler"
	"remindbot/internal/storage"
	telegram "remindbot/internal/transport/telegram/adapter"
	logx "remindbot/pkg/logx"
)

// settings is the typed form of config.Config. Building it is also the
// validation a reloaded file must pass.
type settings struct {
	telegram    telegram.Config
	logging     logx.Config
	storage     storage.Config
	scheduler   scheduler.Config
	notifier    notifier.Config
	maintenance maintenance.Config
	metrics     observability.Config
}

func mapSettings(cfg *config.Config) (settings, error) {
	var (
		s   settings
		err error
	)
	if cfg == nil {
		return s, fmt.Errorf("config is empty")
	}

	s.telegram.Token = strings.TrimSpace(cfg.Telegram.Token)
	if s.telegram.Token == "" {
		return s, fmt.Errorf("telegram.token is required")
	}
	if s.telegram.PollTimeout, err = config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second); err != nil {
		return s, err
	}

	if s.logging, err = mapLogging(cfg); err != nil {
		return s, err
	}
	if s.storage, err = mapStorage(cfg.Storage); err != nil {
		return s, err
	}
	if s.scheduler, err = mapScheduler(cfg.Reminders); err != nil {
		return s, err
	}

	if cfg.Notifier.RatePerSec < 0 || cfg.Notifier.Burst < 0 {
		return s, fmt.Errorf("notifier.rate_per_sec and notifier.burst must be >= 0")
	}
	s.notifier = notifier.Config{RatePerSec: float64(cfg.Notifier.RatePerSec), Burst: cfg.Notifier.Burst}

	mc := cfg.Maintenance
	s.maintenance = maintenance.Config{Enabled: mc.Enabled, Schedule: strings.TrimSpace(mc.Schedule), Location: s.scheduler.Location}
	if s.maintenance.Retention, err = config.ParseDurationField("maintenance.retention", mc.Retention); err != nil {
		return s, err
	}
	if s.maintenance.Schedule != "" {
		if err := maintenance.ValidateSchedule(s.maintenance.Schedule); err != nil {
			return s, err
		}
	}

	s.metrics = observability.Config{
		Enabled: cfg.Metrics.Enabled,
		Addr:    strings.TrimSpace(cfg.Metrics.Addr),
		Pprof:   cfg.Metrics.Pprof,
		Token:   strings.TrimSpace(cfg.Metrics.Token),
	}
	return s, nil
}

func mapLogging(cfg *config.Config) (logx.Config, error) {
	lc := cfg.Logging
	out := logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		File:    logx.FileConfig{Enabled: lc.File.Enabled, Path: lc.File.Path},
		Chat: logx.ChatConfig{
			Enabled:    lc.Telegram.Enabled,
			ThreadID:   lc.Telegram.ThreadID,
			MinLevel:   lc.Telegram.MinLevel,
			RatePerSec: lc.Telegram.RatePerSec,
		},
	}
	if raw := strings.TrimSpace(cfg.Telegram.LogChat); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return out, fmt.Errorf("telegram.log_chat: invalid chat id %q", raw)
		}
		out.Chat.ChatID = id
	}
	if out.Chat.Enabled && out.Chat.ChatID == 0 {
		return out, fmt.Errorf("logging.telegram.enabled requires telegram.log_chat")
	}
	return out, nil
}

func mapStorage(sc config.StorageConfig) (storage.Config, error) {
	out := storage.Config{
		Driver:    strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:      strings.TrimSpace(sc.Path),
		DSN:       strings.TrimSpace(sc.DSN),
		Addr:      strings.TrimSpace(sc.Addr),
		Password:  sc.Password,
		DB:        sc.DB,
		KeyPrefix: sc.KeyPrefix,
	}
	var err error
	switch out.Driver {
	case "", "file", "memory", "mem":
	case "sqlite", "sqlite3":
		if out.Path == "" {
			return out, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		if out.BusyTimeout, err = config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second); err != nil {
			return out, err
		}
	case "redis":
		if out.Addr == "" {
			return out, fmt.Errorf("storage.addr is required when storage.driver=redis")
		}
	case "postgres", "postgresql", "pg":
		if out.DSN == "" {
			return out, fmt.Errorf("storage.dsn is required when storage.driver=postgres")
		}
	default:
		return out, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	return out, nil
}

func mapScheduler(rc config.RemindersConfig) (scheduler.Config, error) {
	out := scheduler.Config{RetryMax: 3, MaxTextLen: rc.MaxTextLen}
	if rc.RetryMax != nil {
		if *rc.RetryMax < 0 {
			return out, fmt.Errorf("reminders.retry_max must be >= 0")
		}
		out.RetryMax = *rc.RetryMax
	}
	if rc.MaxTextLen < 0 {
		return out, fmt.Errorf("reminders.max_text_len must be >= 0")
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"reminders.tick", rc.Tick, &out.Tick},
		{"reminders.retry_interval", rc.RetryInterval, &out.RetryInterval},
		{"reminders.deliver_timeout", rc.DeliverTimeout, &out.DeliverTimeout},
		{"reminders.store_timeout", rc.StoreTimeout, &out.StoreTimeout},
		{"reminders.min_delay", rc.MinDelay, &out.MinDelay},
		{"reminders.max_delay", rc.MaxDelay, &out.MaxDelay},
	}
	for _, d := range durations {
		v, err := config.ParseDurationField(d.key, d.raw)
		if err != nil {
			return out, err
		}
		*d.dst = v
	}
	if out.MinDelay > 0 && out.MaxDelay > 0 && out.MinDelay > out.MaxDelay {
		return out, fmt.Errorf("reminders.min_delay must not exceed reminders.max_delay")
	}

	out.Location = time.UTC
	if tz := strings.TrimSpace(rc.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return out, fmt.Errorf("reminders.timezone: invalid %q: %w", tz, err)
		}
		out.Location = loc
	}
	return out, nil
}
