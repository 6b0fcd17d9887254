package notifier

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"remindbot/internal/eventbus"
	kit "remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

var errBadDestination = errors.New("bad destination")

// Service delivers reminders through a chat transport.
//
// It is safe for concurrent use.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	log    logx.Logger
	sender kit.Sender
	bus    eventbus.Bus
}

func New(cfg Config, sender kit.Sender, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{sender: sender, log: log, bus: bus}
	s.Apply(cfg)
	return s
}

// Apply swaps the rate limit. Callers blocked in Deliver keep the old bucket.
func (s *Service) Apply(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 20
	}
	if cfg.Burst <= 0 {
		cfg.Burst = max(1, int(cfg.RatePerSec))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.limiter != nil && s.cfg == cfg {
		return
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)
}

func (s *Service) currentLimiter() *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limiter
}

func (s *Service) Deliver(ctx context.Context, d Delivery) error {
	to, err := resolveTarget(d)
	if err != nil {
		return Permanent(fmt.Errorf("%w: reminder %s: %w", ErrDelivery, d.ReminderID, err))
	}
	if err := s.currentLimiter().Wait(ctx); err != nil {
		return fmt.Errorf("%w: reminder %s: %w", ErrDelivery, d.ReminderID, err)
	}

	_, err = s.sender.SendText(ctx, to, formatReminder(d), &kit.SendOptions{DisablePreview: true})
	if err != nil {
		err = fmt.Errorf("%w: reminder %s: %w", ErrDelivery, d.ReminderID, err)
		if errors.Is(err, kit.ErrRecipientUnavailable) {
			s.log.Warn("reminder recipient unavailable", logx.Reminder(d.ReminderID), logx.Int64("chat_id", to.ChatID), logx.Err(err))
			return Permanent(err)
		}
		return err
	}
	s.log.Debug("reminder delivered", logx.Reminder(d.ReminderID), logx.Int64("chat_id", to.ChatID), logx.Int("thread_id", to.ThreadID))
	eventbus.Emit(s.bus, "notify.sent", map[string]any{
		"reminder_id": d.ReminderID,
		"chat_id":     to.ChatID,
		"thread_id":   to.ThreadID,
	})
	return nil
}

// resolveTarget picks the owner's private chat for private reminders and
// reminders without a destination, otherwise the destination chat.
func resolveTarget(d Delivery) (kit.ChatTarget, error) {
	if d.Private || strings.TrimSpace(d.DestinationID) == "" {
		id, err := strconv.ParseInt(strings.TrimSpace(d.OwnerID), 10, 64)
		if err != nil {
			return kit.ChatTarget{}, fmt.Errorf("%w: owner %q", errBadDestination, d.OwnerID)
		}
		return kit.ChatTarget{ChatID: id}, nil
	}
	return ParseDestination(d.DestinationID)
}

// ParseDestination parses "<chat_id>" or "<chat_id>:<thread_id>".
func ParseDestination(s string) (kit.ChatTarget, error) {
	chat, thread, hasThread := strings.Cut(strings.TrimSpace(s), ":")
	id, err := strconv.ParseInt(chat, 10, 64)
	if err != nil || id == 0 {
		return kit.ChatTarget{}, fmt.Errorf("%w: %q", errBadDestination, s)
	}
	t := kit.ChatTarget{ChatID: id}
	if hasThread {
		n, err := strconv.Atoi(thread)
		if err != nil || n < 0 {
			return kit.ChatTarget{}, fmt.Errorf("%w: %q", errBadDestination, s)
		}
		t.ThreadID = n
	}
	return t, nil
}

// FormatDestination is the inverse of ParseDestination.
func FormatDestination(t kit.ChatTarget) string {
	if t.ThreadID > 0 {
		return strconv.FormatInt(t.ChatID, 10) + ":" + strconv.Itoa(t.ThreadID)
	}
	return strconv.FormatInt(t.ChatID, 10)
}

func formatReminder(d Delivery) string {
	return "⏰ Reminder: " + d.Text
}
