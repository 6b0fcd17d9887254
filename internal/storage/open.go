package storage

import (
	"errors"
	"strings"

	logx "remindbot/pkg/logx"
)

const defaultPath = "./data/reminders"

// Open initializes the configured store. Reminders always need a store, so
// an empty driver selects the file backend.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	if driver == "" {
		driver = "file"
	}
	if driver == "file" && strings.TrimSpace(cfg.Path) == "" {
		cfg.Path = defaultPath
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "redis":
		return openRedis(cfg, log)
	case "postgres", "postgresql", "pg":
		return openPostgres(cfg, log)
	case "memory", "mem":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
