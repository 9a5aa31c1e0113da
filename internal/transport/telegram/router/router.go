// Package router turns inbound chat messages into dispatcher commands: it
// checks access, runs each request on a bounded worker pool behind the
// middleware chain and renders the reply back into the chat.
package router

import (
	"context"
	"runtime"
	"runtime/debug"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"imgdraw/internal/command"
	"imgdraw/internal/dispatch"
	rtsup "imgdraw/internal/runtime/supervisor"
	kit "imgdraw/internal/transport"
	logx "imgdraw/pkg/logx"
)

const (
	msgDenied = "Sorry. Only the bot owners can do that."
	msgFailed = "Sorry. Something went wrong handling that request. Please try again."
	msgBusy   = "Busy right now. Please try again in a moment."
)

// Handler answers one command.
type Handler interface {
	HandleCommand(ctx context.Context, req dispatch.Request) (dispatch.Reply, error)
}

type Request struct {
	Message kit.Message
	Chat    kit.ChatTarget
	Command command.Command
	ReqID   string
	Logger  logx.Logger
}

type Config struct {
	// Owners may run the owner-only commands; empty allows everyone.
	Owners []int64
	// Workers bounds concurrent requests; 0 means NumCPU (at least 2).
	Workers int
	// QueueSize is the pending request buffer; 0 means 256.
	QueueSize int
	// Timeout bounds one request; 0 means none.
	Timeout time.Duration
}

// ownerOnly lists the commands that change shared state for every chat.
var ownerOnly = []command.Kind{command.Reset, command.Rescan}

type Router struct {
	handler Handler
	out     Sender
	log     logx.Logger
	timeout time.Duration
	workers int
	size    int

	mu     sync.RWMutex
	owners []int64

	runMu   sync.Mutex
	running bool
	jobs    chan func()
}

func New(h Handler, out Sender, cfg Config, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = max(runtime.NumCPU(), 2)
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = 256
	}
	return &Router{
		handler: h,
		out:     out,
		log:     log,
		timeout: cfg.Timeout,
		workers: workers,
		size:    size,
		owners:  append([]int64(nil), cfg.Owners...),
	}
}

// SetOwners replaces the owner list. Safe to call during hot-reload.
func (r *Router) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	r.mu.Lock()
	r.owners = cp
	r.mu.Unlock()
}

func (r *Router) allowed(kind command.Kind, from int64) bool {
	if !slices.Contains(ownerOnly, kind) {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.owners) == 0 || slices.Contains(r.owners, from)
}

// tryEnqueue is a panic-safe enqueue helper (handles the jobs channel being closed).
func (r *Router) tryEnqueue(fn func()) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			ok = false
		}
	}()
	r.runMu.Lock()
	jobs := r.jobs
	r.runMu.Unlock()
	if jobs == nil {
		return false
	}
	select {
	case jobs <- fn:
		return true
	default:
		return false
	}
}

// DispatchLoop routes messages until ctx is done or updates is closed.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan kit.Message) error {
	r.runMu.Lock()
	if r.running {
		r.runMu.Unlock()
		return nil
	}
	r.running = true
	jobs := make(chan func(), r.size)
	r.jobs = jobs
	r.runMu.Unlock()

	sup := rtsup.New(ctx,
		rtsup.WithLogger(r.log.With(logx.String("comp", "telegram.router"))),
		rtsup.WithCancelOnError(false),
	)
	r.log.Info("command dispatcher started", logx.Int("workers", r.workers), logx.Int("job_queue_cap", cap(jobs)))

	for i := 0; i < r.workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-jobs:
					if !ok {
						return nil
					}
					func() {
						defer func() {
							if rec := recover(); rec != nil {
								r.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithStopOnCleanExit(true),
		)
	}

	defer func() {
		r.runMu.Lock()
		r.running = false
		r.jobs = nil
		close(jobs)
		r.runMu.Unlock()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-updates:
			if !ok {
				return nil
			}
			r.route(ctx, msg)
		}
	}
}

func (r *Router) route(ctx context.Context, msg kit.Message) {
	req := r.newRequest(msg)
	if !r.allowed(req.Command.Kind, msg.FromID) {
		req.Logger.Info("owner-only command refused")
		r.replyText(ctx, req, msgDenied)
		return
	}
	final := Chain(r.handle,
		MWPanicRecover(r.log),
		MWRequestLog(r.log),
		MWTimeout(r.timeout),
	)
	if !r.tryEnqueue(func() { _ = final(ctx, req) }) {
		r.replyText(ctx, req, msgBusy)
	}
}

func (r *Router) newRequest(msg kit.Message) *Request {
	cmd := command.Parse(msg.Text)
	rid := uuid.NewString()[:8]
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	return &Request{
		Message: msg,
		Chat:    chat,
		Command: cmd,
		ReqID:   rid,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.Int64("from_id", msg.FromID),
			logx.String("cmd", cmd.Kind.String()),
		),
	}
}

// Handle runs one message through the chain synchronously.
func (r *Router) Handle(ctx context.Context, msg kit.Message) error {
	req := r.newRequest(msg)
	if !r.allowed(req.Command.Kind, msg.FromID) {
		r.replyText(ctx, req, msgDenied)
		return nil
	}
	return Chain(r.handle, MWPanicRecover(r.log), MWRequestLog(r.log), MWTimeout(r.timeout))(ctx, req)
}

func (r *Router) handle(ctx context.Context, req *Request) error {
	reply, err := r.handler.HandleCommand(ctx, dispatch.Request{
		Text:      req.Message.Text,
		Chat:      req.Chat,
		MessageID: req.Message.ID,
		Requester: req.Message.Sender(),
	})
	if err != nil {
		r.replyText(ctx, req, msgFailed)
		return err
	}
	if reply.Text == "" {
		return nil
	}
	if reply.Pre {
		return SendPre(ctx, r.out, req.Chat, reply.Text, req.Message.ID)
	}
	_, err = r.out.SendText(ctx, req.Chat, reply.Text, &kit.SendOptions{DisablePreview: true, ReplyTo: req.Message.ID})
	return err
}

func (r *Router) replyText(ctx context.Context, req *Request, text string) {
	if _, err := r.out.SendText(ctx, req.Chat, text, &kit.SendOptions{ReplyTo: req.Message.ID}); err != nil {
		req.Logger.Warn("reply failed", logx.Err(err))
	}
}
