package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"remindbot/internal/notifier"
	"remindbot/internal/reminder"
	"remindbot/internal/scheduler"
	"remindbot/internal/storage"
	logx "remindbot/pkg/logx"
)

// Reminders is the request surface the commands drive.
type Reminders interface {
	CreateReminder(ctx context.Context, req scheduler.CreateRequest) (reminder.Record, error)
	CancelReminder(ctx context.Context, id string) bool
	CancelAllForUser(ctx context.Context, ownerID string, communityID *string) int
	Get(ctx context.Context, id string) (reminder.Record, error)
	ListForUser(ownerID string, communityID *string) []reminder.Record
}

// ReminderCommands builds the reminder command set.
func ReminderCommands(svc Reminders, now func() time.Time) []Command {
	if now == nil {
		now = time.Now
	}
	h := &reminderHandlers{svc: svc, now: now}
	return []Command{
		{
			Name:        "remind",
			Description: "remind this chat after a delay",
			Usage:       "/remind <delay> [daily|weekly|monthly] <text>",
			Handle:      h.remind(false),
		},
		{
			Name:        "remindme",
			Description: "remind me privately after a delay",
			Usage:       "/remindme <delay> [daily|weekly|monthly] <text>",
			Handle:      h.remind(true),
		},
		{
			Name:        "reminders",
			Aliases:     []string{"list"},
			Description: "list your active reminders here",
			Usage:       "/reminders",
			Handle:      h.list,
		},
		{
			Name:        "forget",
			Description: "cancel one of your reminders",
			Usage:       "/forget <id>",
			Handle:      h.forget,
		},
		{
			Name:        "forgetall",
			Description: "cancel all your reminders here",
			Usage:       "/forgetall",
			Handle:      h.forgetAll,
		},
	}
}

type reminderHandlers struct {
	svc Reminders
	now func() time.Time
}

func (h *reminderHandlers) remind(private bool) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		args, err := parseRemind(req.Rest)
		if err != nil {
			return req.Reply(ctx, userError(err)+"\nusage: /"+req.Command+" <delay> [daily|weekly|monthly] <text>")
		}
		cr := scheduler.CreateRequest{
			OwnerID:     req.Owner(),
			CommunityID: req.Scope(),
			Text:        args.Text,
			Delay:       args.Delay,
			Private:     private || req.Message.Private,
			Recurrence:  args.Recurrence,
		}
		if !cr.Private {
			cr.DestinationID = notifier.FormatDestination(req.Chat)
		}
		rec, err := h.svc.CreateReminder(ctx, cr)
		if err != nil {
			if errors.Is(err, reminder.ErrInvalidRequest) {
				return req.Reply(ctx, userError(err))
			}
			_ = req.Reply(ctx, "could not save the reminder, try again later")
			return err
		}
		req.Logger.Info("reminder requested", logx.Reminder(rec.ID), logx.Bool("private", rec.Private))

		msg := fmt.Sprintf("ok, I'll remind %s in %s", target(rec), humanDuration(args.Delay))
		if rec.Recurrence.Recurring() {
			msg += ", then " + string(rec.Recurrence)
		}
		return req.Reply(ctx, msg+".\nid: "+rec.ID)
	}
}

func target(rec reminder.Record) string {
	if rec.Private || rec.DestinationID == "" {
		return "you privately"
	}
	return "this chat"
}

func (h *reminderHandlers) list(ctx context.Context, req *Request) error {
	scope := req.Scope()
	recs := h.svc.ListForUser(req.Owner(), &scope)
	if len(recs) == 0 {
		return req.Reply(ctx, "you have no active reminders here")
	}
	now := h.now()
	var b strings.Builder
	fmt.Fprintf(&b, "your reminders (%d):\n", len(recs))
	for _, r := range recs {
		fmt.Fprintf(&b, "\n%s\nin %s", r.ID, humanDuration(r.DueAt.Sub(now)))
		if r.Recurrence.Recurring() {
			b.WriteString(", " + string(r.Recurrence))
		}
		if r.Private && scope != "" {
			b.WriteString(", private")
		}
		b.WriteString(": " + preview(r.Text, 80) + "\n")
	}
	return req.Reply(ctx, b.String())
}

func (h *reminderHandlers) forget(ctx context.Context, req *Request) error {
	if len(req.Args) != 1 {
		return req.Reply(ctx, "usage: /forget <id>")
	}
	id, ok := h.resolveID(req, req.Args[0])
	if !ok {
		return req.Reply(ctx, "no such reminder")
	}
	rec, err := h.svc.Get(ctx, id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return req.Reply(ctx, "no such reminder")
	case err != nil:
		_ = req.Reply(ctx, "could not look up the reminder, try again later")
		return err
	case rec.OwnerID != req.Owner():
		// Other users' ids are not confirmed to exist.
		return req.Reply(ctx, "no such reminder")
	case rec.Status.Terminal():
		return req.Reply(ctx, "that reminder is already "+string(rec.Status))
	}
	if !h.svc.CancelReminder(ctx, id) {
		return req.Reply(ctx, "too late, that reminder is being sent right now")
	}
	return req.Reply(ctx, "reminder cancelled")
}

// resolveID accepts a full id or an unambiguous prefix of one of the user's
// reminders in this scope.
func (h *reminderHandlers) resolveID(req *Request, arg string) (string, bool) {
	arg = strings.TrimSpace(arg)
	if len(arg) >= 36 {
		return arg, true
	}
	if len(arg) < 4 {
		return "", false
	}
	scope := req.Scope()
	match := ""
	for _, r := range h.svc.ListForUser(req.Owner(), &scope) {
		if strings.HasPrefix(r.ID, arg) {
			if match != "" {
				return "", false
			}
			match = r.ID
		}
	}
	return match, match != ""
}

func (h *reminderHandlers) forgetAll(ctx context.Context, req *Request) error {
	scope := req.Scope()
	n := h.svc.CancelAllForUser(ctx, req.Owner(), &scope)
	switch n {
	case 0:
		return req.Reply(ctx, "you have no active reminders here")
	case 1:
		return req.Reply(ctx, "cancelled 1 reminder")
	default:
		return req.Reply(ctx, fmt.Sprintf("cancelled %d reminders", n))
	}
}

func userError(err error) string {
	msg := err.Error()
	if i := strings.Index(msg, ": "); i >= 0 && errors.Is(err, reminder.ErrInvalidRequest) {
		msg = msg[i+2:]
	}
	return msg
}

func preview(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-1]) + "…"
}
