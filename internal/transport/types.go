package transport

import (
	"context"
	"strconv"
)

type Message struct {
	ID           int
	ChatID       int64
	ThreadID     int // telegram forum topic thread id (0 if none)
	FromID       int64
	FromUsername string
	FromName     string
	Text         string
	IsGroup      bool
}

// Sender is the display label used in captions and logs.
func (m Message) Sender() string {
	if m.FromUsername != "" {
		return "@" + m.FromUsername
	}
	if m.FromName != "" {
		return m.FromName
	}
	return "user " + strconv.FormatInt(m.FromID, 10)
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
	// ReplyTo threads the message under an earlier one; 0 means none.
	ReplyTo int
}

// Photo is an image delivered by URL with an optional caption.
type Photo struct {
	URL     string
	Caption string
}

// Adapter is the chat transport. Start delivers inbound command messages to
// out until ctx is cancelled or Stop is called.
type Adapter interface {
	Start(ctx context.Context, out chan<- Message) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	SendPhoto(ctx context.Context, to ChatTarget, photo Photo) (MessageRef, error)
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface that adapters can implement
// to update platform-specific bot command menus.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
