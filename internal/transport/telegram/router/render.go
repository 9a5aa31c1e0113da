package router

import (
	"context"

	kit "imgdraw/internal/transport"
	"imgdraw/pkg/tgui"
)

// Sender is the outbound half of the adapter.
type Sender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
	SendPhoto(ctx context.Context, to kit.ChatTarget, photo kit.Photo) (kit.MessageRef, error)
}

// HTMLSender posts plain bot text as Telegram HTML: `backtick` spans become
// code and the rest is escaped. Text that already names a parse mode passes
// through. Photo captions are cut to the caption limit.
type HTMLSender struct {
	Next Sender
}

func (s HTMLSender) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	o := kit.SendOptions{}
	if opt != nil {
		o = *opt
	}
	if o.ParseMode == "" {
		text = tgui.Inline(text).String()
		o.ParseMode = tgui.ParseModeHTML
	}
	return s.Next.SendText(ctx, to, text, &o)
}

func (s HTMLSender) SendPhoto(ctx context.Context, to kit.ChatTarget, photo kit.Photo) (kit.MessageRef, error) {
	photo.Caption = tgui.TruncRunes(photo.Caption, tgui.CaptionLimit)
	return s.Next.SendPhoto(ctx, to, photo)
}

// SendPre posts text as monospace blocks, one message per chunk. Only the
// first chunk replies to replyTo.
func SendPre(ctx context.Context, out Sender, to kit.ChatTarget, text string, replyTo int) error {
	for i, chunk := range tgui.PreChunks(text, tgui.TextLimit) {
		opt := &kit.SendOptions{ParseMode: tgui.ParseModeHTML, DisablePreview: true}
		if i == 0 {
			opt.ReplyTo = replyTo
		}
		if _, err := out.SendText(ctx, to, chunk.String(), opt); err != nil {
			return err
		}
	}
	return nil
}

// MenuCommands is the Telegram command menu for trigger.
func MenuCommands(trigger string) []kit.BotCommand {
	return []kit.BotCommand{
		{Command: trigger, Description: "Draw an image: /" + trigger + " [category ...]"},
		{Command: "status", Description: "Unseen and total images per category"},
		{Command: "timer", Description: "Schedule draws: /timer <interval> <count|duration> [category]"},
		{Command: "cron", Description: "Schedule draws: /cron \"<expression>\" <duration> [category]"},
		{Command: "random", Description: "Schedule draws: /random <count> <duration> [category]"},
		{Command: "reset", Description: "Start a category over: /reset <category>"},
		{Command: "rescan", Description: "Reconcile every category with storage"},
		{Command: "history", Description: "Recent draws in this chat: /history [count]"},
		{Command: "help", Description: "List categories and commands"},
	}
}
