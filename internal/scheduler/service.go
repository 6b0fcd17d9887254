package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"remindbot/internal/reminder"
	"remindbot/internal/storage"
	logx "remindbot/pkg/logx"
)

// CreateReminder validates req and schedules a new reminder due after
// req.Delay. Invalid requests fail with reminder.ErrInvalidRequest before
// anything is written.
func (s *Scheduler) CreateReminder(ctx context.Context, req CreateRequest) (reminder.Record, error) {
	cfg := s.config()
	if err := validateRequest(cfg, req); err != nil {
		return reminder.Record{}, err
	}
	rec := req.Recurrence
	if rec == "" {
		rec = reminder.RecurNone
	}

	now := reminder.Millis(s.now())
	r := reminder.Record{
		ID:            uuid.NewString(),
		CommunityID:   strings.TrimSpace(req.CommunityID),
		DestinationID: strings.TrimSpace(req.DestinationID),
		OwnerID:       strings.TrimSpace(req.OwnerID),
		Text:          strings.TrimSpace(req.Text),
		DueAt:         reminder.Millis(now.Add(req.Delay)),
		Private:       req.Private,
		Recurrence:    rec,
		OriginalDelay: req.Delay,
		CreatedAt:     now,
		UpdatedAt:     now,
		Status:        reminder.StatusActive,
	}
	if err := s.Schedule(ctx, r); err != nil {
		return reminder.Record{}, err
	}
	s.log.Info("reminder created", logx.Reminder(r.ID), logx.String("owner", r.OwnerID),
		logx.Time("due_at", r.DueAt), logx.String("recurrence", string(r.Recurrence)))
	return r, nil
}

func validateRequest(cfg Config, req CreateRequest) error {
	switch {
	case strings.TrimSpace(req.OwnerID) == "":
		return fmt.Errorf("%w: owner required", reminder.ErrInvalidRequest)
	case strings.TrimSpace(req.Text) == "":
		return fmt.Errorf("%w: text required", reminder.ErrInvalidRequest)
	case utf8.RuneCountInString(strings.TrimSpace(req.Text)) > cfg.MaxTextLen:
		return fmt.Errorf("%w: text longer than %d characters", reminder.ErrInvalidRequest, cfg.MaxTextLen)
	case req.Delay <= 0:
		return fmt.Errorf("%w: delay must be positive", reminder.ErrInvalidRequest)
	case req.Delay < cfg.MinDelay:
		return fmt.Errorf("%w: delay shorter than %s", reminder.ErrInvalidRequest, cfg.MinDelay)
	case req.Delay > cfg.MaxDelay:
		return fmt.Errorf("%w: delay longer than %s", reminder.ErrInvalidRequest, cfg.MaxDelay)
	}
	switch req.Recurrence {
	case "", reminder.RecurNone, reminder.RecurDaily, reminder.RecurWeekly, reminder.RecurMonthly:
		return nil
	default:
		return fmt.Errorf("%w: unknown recurrence %q", reminder.ErrInvalidRequest, req.Recurrence)
	}
}

// CancelReminder cancels one reminder and reports whether it was active.
func (s *Scheduler) CancelReminder(ctx context.Context, id string) bool {
	ok, err := s.Cancel(ctx, id)
	if err != nil {
		s.log.Warn("cancel persisted later", logx.Reminder(id), logx.Err(err))
	}
	return ok
}

// CancelAllForUser cancels every indexed reminder owned by ownerID. A
// non-nil communityID restricts it to that community ("" = private).
// Reminders being delivered are skipped. It returns how many were cancelled.
func (s *Scheduler) CancelAllForUser(ctx context.Context, ownerID string, communityID *string) int {
	f, ok := ownerFilter(ownerID, communityID)
	if !ok {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, e := range s.idx.byID {
		if f.Match(e.rec) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	n := 0
	for _, id := range ids {
		ok, err := s.cancelLocked(ctx, id)
		if ok {
			n++
		}
		if err != nil {
			s.log.Warn("cancel persisted later", logx.Reminder(id), logx.Err(err))
		}
	}
	s.observeLocked()
	if n > 0 {
		s.log.Info("reminders cancelled for user", logx.String("owner", f.OwnerID), logx.Int("count", n))
	}
	return n
}

// Get returns the newest known state of a reminder: the scheduler's own copy
// when it holds one, the store otherwise.
func (s *Scheduler) Get(ctx context.Context, id string) (reminder.Record, error) {
	id = strings.TrimSpace(id)
	s.mu.Lock()
	if r, ok := s.deferred[id]; ok {
		s.mu.Unlock()
		return r, nil
	}
	if r, ok := s.inflight[id]; ok {
		s.mu.Unlock()
		return r, nil
	}
	if e, ok := s.idx.get(id); ok {
		r := e.rec
		s.mu.Unlock()
		return r, nil
	}
	timeout := s.cfg.StoreTimeout
	s.mu.Unlock()

	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	r, err := s.store.Get(sctx, id)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return reminder.Record{}, fmt.Errorf("get reminder %s: %w", id, err)
	}
	return r, err
}

// ListForUser returns the owner's active reminders ordered by due time. A
// non-nil communityID restricts the result like CancelAllForUser.
func (s *Scheduler) ListForUser(ownerID string, communityID *string) []reminder.Record {
	f, ok := ownerFilter(ownerID, communityID)
	if !ok {
		return nil
	}
	all := s.Active()
	out := all[:0]
	for _, r := range all {
		if f.Match(r) {
			out = append(out, r)
		}
	}
	return out
}

// ownerFilter trims the ids the same way CreateReminder does before storing
// them. ok is false for an empty owner.
func ownerFilter(ownerID string, communityID *string) (storage.Filter, bool) {
	f := storage.Filter{OwnerID: strings.TrimSpace(ownerID)}
	if communityID != nil {
		c := strings.TrimSpace(*communityID)
		f.CommunityID = &c
	}
	return f, f.OwnerID != ""
}
