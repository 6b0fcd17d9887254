package reminder

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidRequest is returned (wrapped) for malformed create requests.
// Requests failing validation never touch the store.
var ErrInvalidRequest = errors.New("invalid reminder request")

type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

type Recurrence string

const (
	RecurNone    Recurrence = "none"
	RecurDaily   Recurrence = "daily"
	RecurWeekly  Recurrence = "weekly"
	RecurMonthly Recurrence = "monthly"
)

// ParseRecurrence accepts none|daily|weekly|monthly (case-insensitive).
// Empty input means none.
func ParseRecurrence(s string) (Recurrence, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "once":
		return RecurNone, nil
	case "daily", "day":
		return RecurDaily, nil
	case "weekly", "week":
		return RecurWeekly, nil
	case "monthly", "month":
		return RecurMonthly, nil
	default:
		return "", fmt.Errorf("%w: unknown recurrence %q", ErrInvalidRequest, s)
	}
}

func (r Recurrence) Recurring() bool { return r != RecurNone && r != "" }

// Record is the durable unit describing one scheduled or recurring reminder.
//
// Empty CommunityID means a private context; empty DestinationID means direct
// delivery to the owner.
type Record struct {
	ID            string
	CommunityID   string
	DestinationID string
	OwnerID       string
	Text          string
	DueAt         time.Time
	Private       bool
	Recurrence    Recurrence
	OriginalDelay time.Duration
	CreatedAt     time.Time
	UpdatedAt     time.Time
	Status        Status
}

// Validate checks the structural invariants of a stored record.
func (r Record) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("%w: id required", ErrInvalidRequest)
	}
	if strings.TrimSpace(r.OwnerID) == "" {
		return fmt.Errorf("%w: owner required", ErrInvalidRequest)
	}
	if strings.TrimSpace(r.Text) == "" {
		return fmt.Errorf("%w: text required", ErrInvalidRequest)
	}
	if r.DueAt.IsZero() {
		return fmt.Errorf("%w: due time required", ErrInvalidRequest)
	}
	switch r.Recurrence {
	case RecurNone, RecurDaily, RecurWeekly, RecurMonthly:
	default:
		return fmt.Errorf("%w: unknown recurrence %q", ErrInvalidRequest, r.Recurrence)
	}
	if !r.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, r.Status)
	}
	return nil
}

// Trimmed returns r with surrounding whitespace removed from its
// identifiers. Stores and the scheduler key records by the trimmed id.
func (r Record) Trimmed() Record {
	r.ID = strings.TrimSpace(r.ID)
	r.OwnerID = strings.TrimSpace(r.OwnerID)
	r.CommunityID = strings.TrimSpace(r.CommunityID)
	r.DestinationID = strings.TrimSpace(r.DestinationID)
	return r
}

// Less orders records by due time, then creation time, then id.
func Less(a, b Record) bool {
	if !a.DueAt.Equal(b.DueAt) {
		return a.DueAt.Before(b.DueAt)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// Millis truncates t to millisecond precision, the resolution records are
// persisted with.
func Millis(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return time.UnixMilli(t.UnixMilli())
}
