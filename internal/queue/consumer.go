package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	rtsup "imgdraw/internal/runtime/supervisor"
	logx "imgdraw/pkg/logx"
)

// Handler processes one work item. Returning an error wrapped with
// Retryable leaves the item for redelivery; any other error drops it.
type Handler func(ctx context.Context, item WorkItem) error

// ConsumerConfig controls the worker pool.
type ConsumerConfig struct {
	Workers      int
	Batch        int
	PollInterval time.Duration

	// MaxDeliveries drops an item after that many failed receives.
	MaxDeliveries int

	// Redelivery backoff for retryable failures without a RetryAfter hint.
	RetryBase     time.Duration
	RetryMaxDelay time.Duration

	// HandleTimeout bounds one handler call; 0 disables it.
	HandleTimeout time.Duration
}

func (c ConsumerConfig) withDefaults() ConsumerConfig {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.Batch <= 0 {
		c.Batch = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.MaxDeliveries <= 0 {
		c.MaxDeliveries = 5
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 5 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 2 * time.Minute
	}
	return c
}

// Stats are best-effort counters.
type Stats struct {
	Acked   uint64
	Retried uint64
	Dropped uint64
}

// Consumer polls a Queue with a fixed pool of workers.
type Consumer struct {
	q   Queue
	h   Handler
	cfg ConsumerConfig
	log logx.Logger

	mu     sync.Mutex
	sup    *rtsup.Supervisor
	onDrop func(ctx context.Context, item WorkItem, err error)

	acked   atomic.Uint64
	retried atomic.Uint64
	dropped atomic.Uint64
}

func NewConsumer(q Queue, h Handler, cfg ConsumerConfig, log logx.Logger) *Consumer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Consumer{q: q, h: h, cfg: cfg.withDefaults(), log: log}
}

// OnDrop registers fn to run when a retryable item is given up on.
func (c *Consumer) OnDrop(fn func(ctx context.Context, item WorkItem, err error)) {
	c.mu.Lock()
	c.onDrop = fn
	c.mu.Unlock()
}

func (c *Consumer) Stats() Stats {
	return Stats{Acked: c.acked.Load(), Retried: c.retried.Load(), Dropped: c.dropped.Load()}
}

// Start launches the workers. It is a no-op when already running.
func (c *Consumer) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sup != nil {
		return
	}
	c.sup = rtsup.New(ctx, rtsup.WithLogger(c.log))
	for i := 0; i < c.cfg.Workers; i++ {
		c.sup.GoRestart(fmt.Sprintf("queue.worker.%d", i), c.poll, rtsup.WithStopOnCleanExit(true))
	}
	c.log.Info("queue consumer started", logx.Int("workers", c.cfg.Workers))
}

// Stop cancels the workers and waits for in-flight items.
func (c *Consumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	sup := c.sup
	c.sup = nil
	c.mu.Unlock()
	if sup == nil {
		return nil
	}
	err := sup.Stop(ctx)
	c.log.Info("queue consumer stopped",
		logx.Uint64("acked", c.acked.Load()),
		logx.Uint64("retried", c.retried.Load()),
		logx.Uint64("dropped", c.dropped.Load()),
	)
	return err
}

func (c *Consumer) poll(ctx context.Context) error {
	for {
		n, err := c.ProcessOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrClosed) {
			return nil
		}
		if err != nil {
			c.log.Warn("queue receive failed", logx.Err(err))
		}
		if err != nil || n == 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.cfg.PollInterval):
			}
		}
	}
}

// ProcessOnce receives one batch and settles every delivery in it.
func (c *Consumer) ProcessOnce(ctx context.Context) (int, error) {
	ds, err := c.q.Receive(ctx, c.cfg.Batch)
	if err != nil {
		return 0, err
	}
	for _, d := range ds {
		c.settle(ctx, d, c.handle(ctx, d))
	}
	return len(ds), nil
}

func (c *Consumer) handle(ctx context.Context, d Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("work item handler panicked", logx.String("id", d.Item.ID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if c.cfg.HandleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.HandleTimeout)
		defer cancel()
	}
	return c.h(ctx, d.Item)
}

func (c *Consumer) settle(ctx context.Context, d Delivery, herr error) {
	log := c.log.With(logx.String("id", d.Item.ID), logx.String("category", d.Item.Category), logx.Int("attempt", d.Attempt))
	// Settlement must survive shutdown so a finished item is not redelivered.
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	switch {
	case herr == nil:
		c.acked.Add(1)
		if err := c.q.Ack(sctx, d); err != nil {
			log.Warn("ack failed", logx.Err(err))
		}
	case IsRetryable(herr) && d.Attempt < c.cfg.MaxDeliveries:
		c.retried.Add(1)
		wait := c.backoff(d.Attempt, herr)
		log.Info("work item will be redelivered", logx.Duration("after", wait), logx.Err(herr))
		if err := c.q.Nack(sctx, d, wait); err != nil {
			log.Warn("nack failed", logx.Err(err))
		}
	default:
		c.dropped.Add(1)
		if IsRetryable(herr) {
			log.Error("work item dropped after max deliveries", logx.Int("max_deliveries", c.cfg.MaxDeliveries), logx.Err(herr))
			c.mu.Lock()
			fn := c.onDrop
			c.mu.Unlock()
			if fn != nil {
				fn(sctx, d.Item, herr)
			}
		} else {
			log.Warn("work item failed", logx.Err(herr))
		}
		if err := c.q.Ack(sctx, d); err != nil {
			log.Warn("ack failed", logx.Err(err))
		}
	}
}

func (c *Consumer) backoff(attempt int, err error) time.Duration {
	if d, ok := RetryDelay(err); ok {
		return min(d, c.cfg.RetryMaxDelay)
	}
	d := c.cfg.RetryBase
	for i := 1; i < attempt && d < c.cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	return min(d, c.cfg.RetryMaxDelay)
}
