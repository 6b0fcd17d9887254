package transport

import (
	"context"
	"errors"
)

// ErrRecipientUnavailable is returned (wrapped) by SendText when the
// platform reports the target can never be reached: the bot was blocked,
// removed, or the chat does not exist.
var ErrRecipientUnavailable = errors.New("recipient unavailable")

type Update struct {
	Message *Message
}

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // forum topic (0 if none)
	FromID       int64
	FromUsername string
	Text         string
	Private      bool // one-to-one chat with the bot
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	ReplyTo        int // message id to reply to (0 = none)
}

// Adapter is a chat platform connection.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// Sender is the send-only part of Adapter.
type Sender interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is implemented by adapters that can publish the
// command list to the platform's menu.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
