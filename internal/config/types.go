package config

// Config is the on-disk configuration (JSON or YAML). Unknown keys are
// rejected. Durations are Go duration strings ("500ms", "10s", "1h").
type Config struct {
	Telegram    TelegramConfig    `json:"telegram"`
	Logging     LoggingConfig     `json:"logging"`
	Storage     StorageConfig     `json:"storage"`
	Reminders   RemindersConfig   `json:"reminders"`
	Notifier    NotifierConfig    `json:"notifier"`
	Maintenance MaintenanceConfig `json:"maintenance"`
	Metrics     MetricsConfig     `json:"metrics"`
}

type TelegramConfig struct {
	Token       string `json:"token"`
	PollTimeout string `json:"poll_timeout,omitempty"`
	// LogChat is the chat id receiving mirrored warnings (logging.telegram).
	LogChat string `json:"log_chat,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StorageConfig selects the reminder store.
//
//	"storage": { "driver": "sqlite", "path": "./data/reminders.db" }
//
// Drivers: file (default), sqlite, redis, postgres, memory.
type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	Addr        string `json:"addr,omitempty"`
	Password    string `json:"password,omitempty"`
	DB          int    `json:"db,omitempty"`
	KeyPrefix   string `json:"key_prefix,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// RemindersConfig tunes the scheduler and the request limits.
//
// Defaults (when omitted):
//   - tick: "1s" (retry cadence and deferred-write flush period)
//   - retry_max: 3
//   - retry_interval: tick
//   - deliver_timeout: "10s"
//   - store_timeout: "2s"
//   - max_text_len: 2000
//   - min_delay: "1m", max_delay: "8760h"
//   - timezone: "UTC" (monthly recurrence)
type RemindersConfig struct {
	Tick           string `json:"tick,omitempty"`
	RetryMax       *int   `json:"retry_max,omitempty"`
	RetryInterval  string `json:"retry_interval,omitempty"`
	DeliverTimeout string `json:"deliver_timeout,omitempty"`
	StoreTimeout   string `json:"store_timeout,omitempty"`
	MaxTextLen     int    `json:"max_text_len,omitempty"`
	MinDelay       string `json:"min_delay,omitempty"`
	MaxDelay       string `json:"max_delay,omitempty"`
	Timezone       string `json:"timezone,omitempty"`
}

type NotifierConfig struct {
	RatePerSec int `json:"rate_per_sec,omitempty"`
	Burst      int `json:"burst,omitempty"`
}

// MaintenanceConfig controls garbage collection of long-terminal records.
// A zero retention disables it.
type MaintenanceConfig struct {
	Enabled   bool   `json:"enabled"`
	Schedule  string `json:"schedule,omitempty"`  // cron spec, default "@daily"
	Retention string `json:"retention,omitempty"` // e.g. "720h"
}

// MetricsConfig exposes /metrics and /healthz. A non-loopback addr needs
// a token.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:9464"
	Pprof   bool   `json:"pprof,omitempty"`
	Token   string `json:"token,omitempty"`
}
