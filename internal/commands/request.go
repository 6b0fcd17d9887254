package commands

import (
	"context"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	kit "remindbot/internal/transport"
	logx "remindbot/pkg/logx"
)

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Timeout     time.Duration // optional per-command override
	Handle      HandlerFunc
}

type Request struct {
	Message kit.Message
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	Args    []string // whitespace-separated arguments
	Rest    string   // everything after the command word, spacing preserved
	ReqID   string
	Logger  logx.Logger

	sender kit.Sender
}

func (r *Request) logger(fallback logx.Logger) logx.Logger {
	if r == nil || r.Logger.IsZero() {
		return fallback
	}
	return r.Logger
}

// Reply sends text to the chat the command came from, as a reply to it.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.sender.SendText(ctx, r.Chat, text, &kit.SendOptions{DisablePreview: true, ReplyTo: r.Message.ID})
	return err
}

// Owner is the requesting user's id as stored on reminders.
func (r *Request) Owner() string { return strconv.FormatInt(r.FromID, 10) }

// Scope is the community a command acts in: "" in a private chat, the chat id
// otherwise.
func (r *Request) Scope() string {
	if r.Message.Private {
		return ""
	}
	return strconv.FormatInt(r.Chat.ChatID, 10)
}

var ridSeq atomic.Uint64

func newReqID() string {
	n := ridSeq.Add(1)
	return strconv.FormatInt(time.Now().UnixMilli(), 36) + "-" + strconv.FormatUint(n, 36)
}

// splitCommand separates "/cmd@bot args..." into the command word and the
// raw remainder.
func splitCommand(text string) (word, rest string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	word, rest = nextToken(text)
	word = strings.ToLower(strings.TrimPrefix(word, "/"))
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	if word == "" {
		return "", "", false
	}
	return word, rest, true
}

// nextToken returns the first whitespace-delimited token of s and the rest
// with leading space removed.
func nextToken(s string) (tok, rest string) {
	s = strings.TrimLeft(s, " \t\r\n")
	i := strings.IndexAny(s, " \t\r\n")
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimLeft(s[i:], " \t\r\n")
}
