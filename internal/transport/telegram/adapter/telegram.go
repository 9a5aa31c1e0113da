// Package adapter connects the bot to Telegram with telebot: inbound command
// messages are filtered and forwarded on a channel, outbound text and photos
// go through a shared rate limiter.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	rtsup "imgdraw/internal/runtime/supervisor"
	"imgdraw/internal/storage"
	kit "imgdraw/internal/transport"
	logx "imgdraw/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration

	// Trigger is the draw command word ("img" answers /img and !img).
	Trigger string
	// Commands are further words forwarded with their prefix kept
	// ("status" answers /status and !status).
	Commands []string
	// AllowedChats limits inbound chats; empty allows all.
	AllowedChats []int64
	// RatePerSec bounds outbound API calls.
	RatePerSec int

	// Dedup drops updates Telegram re-delivers after a restart; nil disables.
	Dedup    storage.Store
	DedupTTL time.Duration
}

type Adapter struct {
	cfg Config
	log logx.Logger

	bot     *tele.Bot
	filter  *commandFilter
	allowed map[int64]struct{}
	limiter *rate.Limiter

	out     atomic.Value // stores (chan<- kit.Message)
	runMu   sync.Mutex
	running bool

	// sup owns adapter goroutines (poll loop, drop logger, stop watcher).
	// It is created on Start() and cancelled on Stop().
	sup *rtsup.Supervisor

	// droppedUpdates counts messages dropped because the consumer was slower
	// than the poll loop. It is logged periodically to avoid per-update spam.
	droppedUpdates uint64

	menuMu   sync.Mutex
	menuHash uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 20
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 10 * time.Minute
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{
		cfg:     cfg,
		log:     log,
		bot:     b,
		filter:  newCommandFilter(cfg.Trigger, cfg.Commands, b.Me.Username),
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
	}
	if len(cfg.AllowedChats) > 0 {
		a.allowed = make(map[int64]struct{}, len(cfg.AllowedChats))
		for _, id := range cfg.AllowedChats {
			a.allowed[id] = struct{}{}
		}
	}
	// Ensure atomic.Value is initialized with a stable dynamic type.
	var nilOut chan<- kit.Message
	a.out.Store(nilOut)
	a.bot.Handle(tele.OnText, a.onText)
	a.log.Info("telegram bot ready", logx.String("username", b.Me.Username))
	return a, nil
}

// Username is the bot's own @name, without the @.
func (a *Adapter) Username() string { return a.bot.Me.Username }

func (a *Adapter) onText(c tele.Context) error {
	m := c.Message()
	if m == nil || m.Sender == nil || m.Sender.IsBot {
		return nil
	}
	if a.allowed != nil {
		if _, ok := a.allowed[m.Chat.ID]; !ok {
			return nil
		}
	}
	private := m.Chat.Type == tele.ChatPrivate
	text, ok := a.filter.Extract(m.Text, private)
	if !ok {
		return nil
	}

	key := "tg:" + strconv.FormatInt(m.Chat.ID, 10) + ":" + strconv.Itoa(m.ID)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	dup, err := storage.Seen(ctx, a.cfg.Dedup, key, a.cfg.DedupTTL)
	cancel()
	if err != nil {
		a.log.Debug("dedup check failed", logx.Err(err))
	}
	if dup {
		a.log.Debug("duplicate update dropped", logx.String("key", key))
		return nil
	}

	name := strings.TrimSpace(m.Sender.FirstName + " " + m.Sender.LastName)
	a.deliver(kit.Message{
		ID:           m.ID,
		ChatID:       m.Chat.ID,
		ThreadID:     m.ThreadID,
		FromID:       m.Sender.ID,
		FromUsername: m.Sender.Username,
		FromName:     name,
		Text:         text,
		IsGroup:      !private,
	})
	return nil
}

func (a *Adapter) deliver(msg kit.Message) {
	out, _ := a.out.Load().(chan<- kit.Message)
	if out == nil {
		return
	}
	select {
	case out <- msg:
	default:
		atomic.AddUint64(&a.droppedUpdates, 1)
	}
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Message) error {
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.out.Store(out)
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "telegram.adapter"))),
		// adapter errors should not take down the whole app
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	report := func() {
		if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
			a.log.Warn("incoming messages dropped (channel full)", logx.Uint64("count", n), logx.Int("chan_cap", cap(out)))
		}
	}
	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				report()
				return
			case <-ticker.C:
				report()
			}
		}
	})

	sup.Go0("telebot.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		a.bot.Stop()
	})

	// telebot's Start blocks until Stop; restart it if it returns early.
	sup.GoRestart("telebot.poll", func(c context.Context) error {
		a.log.Info("polling started")
		a.bot.Start()
		a.log.Info("polling stopped")
		return nil
	},
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	var nilOut chan<- kit.Message
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning || sup == nil {
		return nil
	}
	a.log.Info("stopping")
	sup.Cancel()

	// keep shutdown snappy even if getUpdates is still long-polling
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		grace = max(min(grace, time.Until(dl)), 0)
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("telegram stop timed out", logx.Err(err))
			return nil
		}
		a.log.Debug("telegram stopped with supervisor error", logx.Err(err))
	}
	return nil
}

// send waits for the limiter and retries once when Telegram asks to back off.
func (a *Adapter) send(ctx context.Context, to tele.Recipient, what any, opt *tele.SendOptions) (*tele.Message, error) {
	for attempt := 0; ; attempt++ {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		msg, err := a.bot.Send(to, what, opt)
		var flood tele.FloodError
		if err == nil || attempt > 0 || !errors.As(err, &flood) {
			return msg, err
		}
		wait := time.Duration(flood.RetryAfter) * time.Second
		a.log.Warn("telegram flood control", logx.Duration("retry_after", wait))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (a *Adapter) sendOptions(to kit.ChatTarget, parseMode string, noPreview bool, replyTo int) *tele.SendOptions {
	opt := &tele.SendOptions{
		ParseMode:             parseMode,
		DisableWebPagePreview: noPreview,
		ThreadID:              to.ThreadID,
	}
	if replyTo != 0 {
		opt.ReplyTo = &tele.Message{ID: replyTo, Chat: &tele.Chat{ID: to.ChatID}}
		opt.AllowWithoutReply = true
	}
	return opt
}

// SendText posts text, split into several messages when it is too long.
// Only the first part is threaded under opt.ReplyTo.
func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chunks := splitTelegramText(text, telegramTextLimit, opt.ParseMode)
	chat := &tele.Chat{ID: to.ChatID}

	var first kit.MessageRef
	for i, chunk := range chunks {
		replyTo := 0
		if i == 0 {
			replyTo = opt.ReplyTo
		}
		msg, err := a.send(ctx, chat, chunk, a.sendOptions(to, opt.ParseMode, opt.DisablePreview, replyTo))
		if err != nil {
			return first, fmt.Errorf("telegram send: %w", err)
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

// SendPhoto posts a photo by URL; Telegram fetches it.
func (a *Adapter) SendPhoto(ctx context.Context, to kit.ChatTarget, photo kit.Photo) (kit.MessageRef, error) {
	p := &tele.Photo{File: tele.FromURL(photo.URL), Caption: photo.Caption}
	msg, err := a.send(ctx, &tele.Chat{ID: to.ChatID}, p, a.sendOptions(to, "", false, 0))
	if err != nil {
		return kit.MessageRef{}, fmt.Errorf("telegram send photo: %w", err)
	}
	return kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}, nil
}

// UpdateMenuCommands sets the bot's command menu. It only calls Telegram
// when the list changed since the last successful update.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	a.menuMu.Lock()
	defer a.menuMu.Unlock()

	h := fnv.New64a()
	list := make([]tele.Command, 0, len(cmds))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		d := c.Description
		if d == "" {
			d = c.Command
		}
		list = append(list, tele.Command{Text: c.Command, Description: d})
		h.Write([]byte(c.Command))
		h.Write([]byte{0})
		h.Write([]byte(d))
		h.Write([]byte{0})
	}
	sum := h.Sum64()
	if sum == a.menuHash {
		return nil
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	if err := a.bot.SetCommands(list); err != nil {
		return fmt.Errorf("telegram setMyCommands: %w", err)
	}
	a.menuHash = sum
	a.log.Info("menu commands updated", logx.Int("count", len(list)))
	return nil
}
