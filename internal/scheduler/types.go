package scheduler

import (
	"time"

	"remindbot/internal/reminder"
)

// Config tunes the scheduler. Zero durations fall back to defaults.
type Config struct {
	Tick           time.Duration // wake granularity while writes are pending, default 1s
	RetryMax       int           // retries after a failed delivery; 0 disables
	RetryInterval  time.Duration // default Tick
	DeliverTimeout time.Duration // default 10s
	StoreTimeout   time.Duration // default 2s

	MaxTextLen int           // default 2000 runes
	MinDelay   time.Duration // default 1m
	MaxDelay   time.Duration // default one year

	// Location is the calendar used for monthly recurrence (UTC when nil).
	Location *time.Location
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{RetryMax: 3}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = time.Second
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = c.Tick
	}
	if c.DeliverTimeout <= 0 {
		c.DeliverTimeout = 10 * time.Second
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = 2 * time.Second
	}
	if c.MaxTextLen <= 0 {
		c.MaxTextLen = 2000
	}
	if c.MinDelay <= 0 {
		c.MinDelay = time.Minute
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 365 * 24 * time.Hour
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	return c
}

func (c Config) calendar() reminder.Calendar {
	return reminder.Calendar{Location: c.Location}
}

// CreateRequest is a user request for a new reminder.
type CreateRequest struct {
	OwnerID       string
	CommunityID   string // empty for private contexts
	DestinationID string // empty delivers to the owner
	Text          string
	Delay         time.Duration
	Private       bool
	Recurrence    reminder.Recurrence
}

// Snapshot is a point-in-time view for health output.
type Snapshot struct {
	Running  bool      `json:"running"`
	Indexed  int       `json:"indexed"`
	InFlight int       `json:"in_flight"`
	Deferred int       `json:"deferred_writes"`
	NextWake time.Time `json:"next_wake,omitempty"`
}

// Event is the payload of reminder.* bus events.
type Event struct {
	ID      string    `json:"id"`
	OwnerID string    `json:"owner_id"`
	DueAt   time.Time `json:"due_at"`
	Attempt int       `json:"attempt,omitempty"`
	Error   string    `json:"error,omitempty"`
}

const (
	EventFired       = "reminder.fired"
	EventFailed      = "reminder.failed"
	EventRescheduled = "reminder.rescheduled"
	EventCompleted   = "reminder.completed"
	EventCancelled   = "reminder.cancelled"
)
