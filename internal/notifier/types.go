package notifier

import (
	"context"
	"errors"
)

// ErrDelivery wraps every failure returned by Deliver.
var ErrDelivery = errors.New("reminder delivery failed")

// Delivery is one notification attempt for a fired reminder.
type Delivery struct {
	ReminderID    string
	DestinationID string // "<chat_id>" or "<chat_id>:<thread_id>"; empty means the owner
	Private       bool
	OwnerID       string
	Text          string
}

// Notifier sends a reminder to its recipient. Implementations must honour
// ctx cancellation.
type Notifier interface {
	Deliver(ctx context.Context, d Delivery) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, d Delivery) error

func (f NotifierFunc) Deliver(ctx context.Context, d Delivery) error { return f(ctx, d) }

// Config controls delivery throttling.
type Config struct {
	RatePerSec float64 // default 20
	Burst      int     // default max(1, RatePerSec)
}

// Permanent marks err as one that retrying will not fix.
//
//	return notifier.Permanent(fmt.Errorf("%w: bad destination", ErrDelivery))
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err is wrapped with Permanent.
func IsPermanent(err error) bool {
	var e permanentError
	return errors.As(err, &e)
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }
