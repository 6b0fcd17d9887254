package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"remindbot/internal/notifier"
	"remindbot/internal/reminder"
	logx "remindbot/pkg/logx"
)

// dispatch delivers one popped entry and applies the outcome.
func (s *Scheduler) dispatch(ctx context.Context, e *entry) {
	rec := e.rec
	cfg := s.config()
	if e.attempts == 0 {
		s.metrics.Lag.Observe(max(0, s.now().Sub(rec.DueAt)).Seconds())
	}

	dctx, cancel := context.WithTimeout(ctx, cfg.DeliverTimeout)
	err := s.deliver(dctx, rec)
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, rec.ID)
	defer s.observeLocked()
	now := s.now()

	if err == nil {
		s.metrics.Fired.Inc()
		s.emit(EventFired, rec, e.attempts+1, nil)
		s.log.Info("reminder fired", logx.Reminder(rec.ID), logx.String("owner", rec.OwnerID), logx.Duration("lag", now.Sub(rec.DueAt)))
		s.advanceLocked(ctx, rec, now)
		return
	}

	if ctx.Err() != nil {
		// Shutting down: the attempt does not count and the record stays
		// active in the store for the next start.
		s.idx.put(rec, e.wakeAt, e.attempts)
		return
	}

	attempt := e.attempts + 1
	permanent := notifier.IsPermanent(err)
	kind := "transient"
	if permanent {
		kind = "permanent"
	}
	s.metrics.Failed.WithLabelValues(kind).Inc()
	s.emit(EventFailed, rec, attempt, err)

	if !permanent && attempt <= cfg.RetryMax {
		retryAt := now.Add(cfg.RetryInterval)
		s.idx.put(rec, retryAt, attempt)
		s.log.Warn("reminder delivery failed; will retry",
			logx.Reminder(rec.ID), logx.Int("attempt", attempt), logx.Int("retry_max", cfg.RetryMax),
			logx.Time("retry_at", retryAt), logx.Err(err))
		return
	}
	s.log.Error("reminder delivery given up",
		logx.Reminder(rec.ID), logx.Int("attempts", attempt), logx.Bool("permanent", permanent), logx.Err(err))
	s.advanceLocked(ctx, rec, now)
}

// deliver calls the notifier, turning a panic into an error.
func (s *Scheduler) deliver(ctx context.Context, rec reminder.Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", notifier.ErrDelivery, r)
			s.log.Error("notifier panic", logx.Reminder(rec.ID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return s.notifier.Deliver(ctx, notifier.Delivery{
		ReminderID:    rec.ID,
		DestinationID: rec.DestinationID,
		Private:       rec.Private,
		OwnerID:       rec.OwnerID,
		Text:          rec.Text,
	})
}

// advanceLocked moves a handled record to its next state: the next slot for
// a recurring reminder, completed otherwise.
func (s *Scheduler) advanceLocked(ctx context.Context, rec reminder.Record, now time.Time) {
	rec.UpdatedAt = reminder.Millis(now)
	if rec.Recurrence.Recurring() {
		next, err := rec.Next(s.cfg.calendar(), now)
		if err == nil {
			prev := rec.DueAt
			rec.DueAt = reminder.Millis(next)
			s.persistLocked(ctx, rec, "reschedule")
			s.idx.put(rec, rec.DueAt, 0)
			s.metrics.Rescheduled.Inc()
			s.emit(EventRescheduled, rec, 0, nil)
			s.log.Debug("reminder rescheduled", logx.Reminder(rec.ID), logx.Time("from", prev), logx.Time("to", rec.DueAt))
			return
		}
		s.log.Error("next occurrence failed; completing reminder", logx.Reminder(rec.ID), logx.Err(err))
	}
	rec.Status = reminder.StatusCompleted
	s.persistLocked(ctx, rec, "complete")
	s.metrics.Completed.Inc()
	s.emit(EventCompleted, rec, 0, nil)
}
