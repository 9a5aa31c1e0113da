// Package app wires the bot together: config, logging, stores, the Telegram
// adapter, the command router, the work-queue consumer and the periodic jobs.
package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"imgdraw/internal/command"
	"imgdraw/internal/config"
	"imgdraw/internal/queue"
	rtsup "imgdraw/internal/runtime/supervisor"
	kit "imgdraw/internal/transport"
	telegram "imgdraw/internal/transport/telegram/adapter"
	"imgdraw/internal/transport/telegram/router"
	logx "imgdraw/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	cfg  atomic.Pointer[config.Config]

	log  logx.Logger
	logs *logx.Service

	core     *Core
	adapter  *telegram.Adapter
	out      router.Sender
	router   *router.Router
	consumer *queue.Consumer
	jobs     *cron.Cron

	sup     *rtsup.Supervisor
	updates chan kit.Message
}

func NewApp(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// the chat sink gets its sender once the adapter exists
	logs, log := logx.New(cfg.Log(), nil)
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	core, err := OpenCore(ctx, cfg, nil, log)
	if err != nil {
		logs.Close()
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:        cfg.Telegram.Token,
		PollTimeout:  cfg.PollTimeout(),
		Trigger:      cfg.Telegram.Trigger,
		Commands:     command.Words(),
		AllowedChats: cfg.Telegram.AllowedChats,
		RatePerSec:   cfg.Telegram.RatePerSec,
		Dedup:        core.History,
		DedupTTL:     cfg.DedupWindow(),
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		_ = core.Close()
		logs.Close()
		return nil, fmt.Errorf("telegram: %w", err)
	}
	logs.SetSender(ad)

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logs,
		core:    core,
		adapter: ad,
		updates: make(chan kit.Message, 256),
	}
	a.cfg.Store(cfg)
	a.wire(router.HTMLSender{Next: ad})
	return a, nil
}

// wire connects the dispatcher, router and consumer to out.
func (a *App) wire(out router.Sender) {
	cfg := a.current()
	a.out = out
	a.core.Dispatcher.Sender = out
	a.router = router.New(a.core.Dispatcher, out, router.Config{
		Owners:  cfg.Telegram.OwnerUserIDs,
		Timeout: cfg.Worker().HandleTimeout,
	}, a.log.With(logx.String("comp", "router")))
	a.consumer = queue.NewConsumer(a.core.Queue, a.core.Dispatcher.HandleWorkItem, cfg.Worker(), a.log.With(logx.String("comp", "consumer")))
	a.consumer.OnDrop(a.core.Dispatcher.Abandon)
}

func (a *App) current() *config.Config { return a.cfg.Load() }

// Done is closed when the app's run context ends, including on a fatal
// component error.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		return nil
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log.With(logx.String("comp", "app"))), rtsup.WithCancelOnError(true))
	cfg := a.current()

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.updates)
	})
	a.consumer.Start(a.sup.Context())

	jobs, err := a.newJobs(a.sup.Context(), cfg)
	if err != nil {
		return err
	}
	a.jobs = jobs
	a.jobs.Start()

	// a failing watcher is retried a few times before it takes the app down
	a.sup.GoRestart("config.watch", a.cfgm.Watch,
		rtsup.WithRestartBackoff(time.Second, 30*time.Second),
		rtsup.WithMaxRestarts(5),
	)
	sub := a.cfgm.Subscribe(4)
	a.sup.Go0("config.apply", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(next)
			}
		}
	})

	a.sup.Go0("telegram.menu.update", func(c context.Context) {
		mctx, cancel := context.WithTimeout(c, 5*time.Second)
		defer cancel()
		if err := a.adapter.UpdateMenuCommands(mctx, router.MenuCommands(cfg.Telegram.Trigger)); err != nil {
			a.log.Warn("menu commands not updated", logx.Err(err))
		}
	})
	a.sup.Go0("systemd.watchdog", a.watchdog)

	a.log.Info("started",
		logx.String("version", Version),
		logx.String("status", cfg.StatusStore().Driver),
		logx.String("objects", cfg.ObjectStore().Driver),
		logx.String("queue", cfg.WorkQueue().Driver),
	)
	sdNotify(a.log, sdReady)
	return nil
}

// applyConfig logs what a reload changed and applies the live parts:
// logging and the owner list. Anything else waits for a restart.
func (a *App) applyConfig(next *config.Config) {
	prev := a.cfg.Swap(next)
	changed, attrs := config.SummarizeConfigChange(prev, next)
	if len(changed) == 0 {
		return
	}
	a.log.Info("config changed", append(attrs, logx.Strings("sections", changed))...)
	if slices.Contains(changed, "logging") {
		a.logs.Apply(next.Log())
	}
	if slices.Contains(changed, "telegram") {
		a.router.SetOwners(next.Telegram.OwnerUserIDs)
	}
	if config.NeedsRestart(changed) {
		a.log.Warn("some config changes need a restart to take effect", logx.Strings("sections", changed))
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		_ = a.core.Close()
		a.logs.Close()
		return nil
	}
	sdNotify(a.log, sdStopping)
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// unwind background loops first
	a.sup.Cancel()

	a.step(ctx, "jobs", 2*time.Second, func(c context.Context) error {
		if a.jobs == nil {
			return nil
		}
		select {
		case <-a.jobs.Stop().Done():
			return nil
		case <-c.Done():
			return c.Err()
		}
	})
	a.step(ctx, "consumer", 5*time.Second, a.consumer.Stop)
	if a.adapter != nil {
		a.step(ctx, "adapter", 2*time.Second, a.adapter.Stop)
	}
	a.step(ctx, "supervisor", 3*time.Second, a.sup.Wait)
	a.step(ctx, "stores", 2*time.Second, func(context.Context) error { return a.core.Close() })

	c := a.sup.Counters()
	a.log.Info("stopped",
		logx.Uint64("goroutines", c.Started),
		logx.Int64("still_running", c.Active),
	)
	a.logs.Close()
	return nil
}

// step runs one shutdown step with an upper bound so one component can't
// stall the whole stop. fn must honor its context.
func (a *App) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

	// respect the caller's deadline; never extend it
	if dl, ok := ctx.Deadline(); ok {
		limit = min(limit, max(time.Until(dl), 0))
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			took := time.Since(start)
			if err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			} else {
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
			}
		}()
	}
}
