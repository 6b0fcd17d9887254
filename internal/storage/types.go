package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"remindbot/internal/reminder"
)

var ErrNotFound = errors.New("reminder not found")

// StorageError wraps an I/O failure of a store backend.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

// IsStorageError reports whether err (or anything it wraps) is a *StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || IsStorageError(err) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// Store is the durable mapping from reminder id to record.
//
// Operations are atomic per record. The scheduler is the only writer, so no
// multi-record transactions are offered.
type Store interface {
	Get(ctx context.Context, id string) (reminder.Record, error)
	Upsert(ctx context.Context, rec reminder.Record) error
	// List returns matching records ordered by due time, then creation time.
	List(ctx context.Context, f Filter) ([]reminder.Record, error)
	// Prune physically deletes terminal records last updated before the cutoff.
	Prune(ctx context.Context, before time.Time) (int, error)
	Close() error
}

// Filter restricts List. Zero values match everything; a non-nil
// CommunityID pointing to "" matches private records only.
type Filter struct {
	Status      reminder.Status
	OwnerID     string
	CommunityID *string
}

func (f Filter) Match(r reminder.Record) bool {
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.OwnerID != "" && r.OwnerID != f.OwnerID {
		return false
	}
	if f.CommunityID != nil && r.CommunityID != *f.CommunityID {
		return false
	}
	return true
}

// Config configures storage.
//
// Driver values:
//   - "file": snapshot + JSON Lines journal (default)
//   - "sqlite": SQLite database file
//   - "redis": Redis server at Addr
//   - "postgres": PostgreSQL at DSN
//   - "memory": non-durable, for development and tests
type Config struct {
	Driver      string
	Path        string
	DSN         string
	Addr        string
	Password    string
	DB          int
	KeyPrefix   string
	BusyTimeout time.Duration // sqlite only; 0 means default
}
