package app

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"

	"imgdraw/internal/catalog"
	"imgdraw/internal/config"
	"imgdraw/internal/dispatch"
	"imgdraw/internal/objstore"
	"imgdraw/internal/queue"
	"imgdraw/internal/sampler"
	"imgdraw/internal/schedule"
	"imgdraw/internal/statusstore"
	"imgdraw/internal/storage"
	logx "imgdraw/pkg/logx"
)

// Version is stamped at build time with -ldflags "-X imgdraw/internal/app.Version=...".
var Version = "dev"

// Core is the chat-independent half of the bot: the stores, the category
// index, the sampler and the dispatcher. The CLI uses it on its own; App
// adds the Telegram side.
type Core struct {
	Config *config.Config
	Log    logx.Logger

	Status  statusstore.VersionedStore
	Objects objstore.Store
	Queue   queue.Queue
	// History is nil when the storage section is omitted.
	History storage.Store

	Index      *catalog.Index
	Sampler    *sampler.Sampler
	Dispatcher *dispatch.Dispatcher
}

// OpenCore opens every store named by cfg. sender may be nil for offline
// use; work items then cannot be delivered.
func OpenCore(ctx context.Context, cfg *config.Config, sender dispatch.Sender, log logx.Logger) (_ *Core, err error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Core{Config: cfg, Log: log}
	defer func() {
		if err != nil {
			_ = c.Close()
		}
	}()

	if c.Status, err = statusstore.Open(ctx, cfg.StatusStore(), log.With(logx.String("comp", "status"))); err != nil {
		return nil, fmt.Errorf("open status store: %w", err)
	}
	if c.Objects, err = objstore.Open(ctx, cfg.ObjectStore(), log.With(logx.String("comp", "objects"))); err != nil {
		return nil, fmt.Errorf("open object store: %w", err)
	}
	if c.Queue, err = queue.Open(ctx, cfg.WorkQueue(), log.With(logx.String("comp", "queue"))); err != nil {
		return nil, fmt.Errorf("open work queue: %w", err)
	}
	if c.History, err = storage.Open(cfg.History(), log.With(logx.String("comp", "storage"))); err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	c.assemble(sender)
	return c, nil
}

// assemble builds the index, sampler and dispatcher over the opened stores.
func (c *Core) assemble(sender dispatch.Sender) {
	c.Index = catalog.New(c.Objects, c.Status, c.Log.With(logx.String("comp", "catalog")),
		catalog.WithCountTTL(c.Config.CountTTL()),
	)
	c.Sampler = sampler.New(c.Index, c.Status, c.Objects, c.Log.With(logx.String("comp", "sampler")),
		sampler.WithLease(c.Config.Lease()),
	)
	c.Dispatcher = dispatch.New(dispatch.Deps{
		Index:             c.Index,
		Sampler:           c.Sampler,
		Status:            c.Status,
		Objects:           c.Objects,
		Queue:             c.Queue,
		History:           c.History,
		Sender:            sender,
		Planner:           schedule.NewPlanner(nil),
		Log:               c.Log.With(logx.String("comp", "dispatch")),
		Version:           Version,
		RescanConcurrency: c.Config.Rescan.Concurrency,
		LinkTTL:           c.Config.LinkTTL(),
	})
}

// Close closes every opened store and reports all failures.
func (c *Core) Close() error {
	var errs *multierror.Error
	closeOne := func(name string, fn func() error) {
		if err := fn(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	if c.History != nil {
		closeOne("storage", c.History.Close)
	}
	if c.Queue != nil {
		closeOne("queue", c.Queue.Close)
	}
	if c.Objects != nil {
		closeOne("objects", c.Objects.Close)
	}
	if c.Status != nil {
		closeOne("status", c.Status.Close)
	}
	return errs.ErrorOrNil()
}
