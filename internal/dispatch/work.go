package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"imgdraw/internal/catalog"
	"imgdraw/internal/queue"
	"imgdraw/internal/sampler"
	"imgdraw/internal/statusstore"
	"imgdraw/internal/storage"
	"imgdraw/internal/transport"
	logx "imgdraw/pkg/logx"
)

const (
	msgItemGone       = "Sorry. That image no longer exists."
	msgInvalidSpec    = "This is not a valid category. Please try again."
	msgDeliveryGaveUp = "Sorry. Something went wrong fetching your image and it was not delivered."
)

// Delivered is one drawn item with its link.
type Delivered struct {
	sampler.Result
	URL string
}

// Draw runs the sampler and signs a link for the drawn item.
func (d *Dispatcher) Draw(ctx context.Context, spec string) (Delivered, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		spec = catalog.Wildcard
	}
	res, err := d.Sampler.Draw(ctx, spec)
	if err != nil {
		return Delivered{}, err
	}
	url, err := d.Objects.SignedURL(ctx, res.Item, d.LinkTTL)
	if err != nil {
		return Delivered{Result: res}, fmt.Errorf("sign %s: %w", res.Item, err)
	}
	return Delivered{Result: res, URL: url}, nil
}

// HandleWorkItem draws for item and posts the result. User errors are
// posted and swallowed; transient failures come back wrapped with
// queue.Retryable so the item is redelivered.
func (d *Dispatcher) HandleWorkItem(ctx context.Context, item queue.WorkItem) error {
	if d.Sender == nil {
		return errors.New("dispatch: no sender configured")
	}
	to, err := target(item)
	if err != nil {
		return err
	}
	spec := strings.TrimSpace(item.Category)
	if spec == "" {
		spec = catalog.Wildcard
	}
	log := d.Log.With(logx.String("id", item.ID), logx.String("spec", spec), logx.String("requester", item.Requester))
	start := time.Now()
	entry := storage.DrawEntry{
		WorkID:    item.ID,
		Chat:      item.Channel,
		Thread:    item.Thread,
		Requester: item.Requester,
		Spec:      spec,
		Label:     item.Label,
	}

	got, err := d.Draw(ctx, spec)
	if err != nil {
		if transient(ctx, err) {
			log.Info("draw deferred", logx.Err(err))
			return queue.Retryable(err)
		}
		entry.Error = err.Error()
		d.record(ctx, entry, start)
		log.Info("draw refused", logx.Err(err))
		return d.postText(ctx, to, item, userMessage(err))
	}

	entry.Category, entry.Item = got.Category, got.Item
	caption := fmt.Sprintf("Request: '%s' (%s)\nResponse: %s", spec, item.Requester, got.Item)
	if _, err := d.Sender.SendPhoto(ctx, to, transport.Photo{URL: got.URL, Caption: caption}); err != nil {
		return queue.Retryable(fmt.Errorf("post photo: %w", err))
	}
	d.record(ctx, entry, start)
	log.Info("image delivered",
		logx.String("item", got.Item),
		logx.String("category", got.Category),
		logx.Float64("weight", got.Weight),
		logx.Int("healed", got.Healed),
	)
	return nil
}

// Abandon tells the requester that item will not be delivered. It is the
// queue consumer's drop hook.
func (d *Dispatcher) Abandon(ctx context.Context, item queue.WorkItem, cause error) {
	if d.Sender == nil {
		return
	}
	to, err := target(item)
	if err != nil {
		return
	}
	if err := d.postText(ctx, to, item, msgDeliveryGaveUp); err != nil {
		d.Log.Warn("abandon notice failed", logx.String("id", item.ID), logx.Err(err))
	}
	d.record(ctx, storage.DrawEntry{
		WorkID:    item.ID,
		Chat:      item.Channel,
		Thread:    item.Thread,
		Requester: item.Requester,
		Spec:      item.Category,
		Label:     item.Label,
		Error:     cause.Error(),
	}, time.Now())
}

func userMessage(err error) string {
	var ex *sampler.ExhaustedError
	switch {
	case errors.Is(err, sampler.ErrItemGone):
		return msgItemGone
	case errors.As(err, &ex):
		if len(ex.Categories) == 1 {
			c := ex.Categories[0]
			return fmt.Sprintf("Every image in `%s` has been seen. Say `!reset %s` to start over.", c, c)
		}
		return fmt.Sprintf("Every image in `%s` has been seen. Use `!reset <category>` to start one over.", strings.Join(ex.Categories, "`, `"))
	case errors.Is(err, sampler.ErrNoMatchingCategory), errors.Is(err, sampler.ErrCategoryNotFound):
		return msgInvalidSpec
	default:
		return fmt.Sprintf("Sorry. Could not fetch an image: %v", err)
	}
}

// transient reports failures worth a redelivery: lease contention,
// cancellation and collaborator I/O.
func transient(ctx context.Context, err error) bool {
	if statusstore.IsTransient(err) || ctx.Err() != nil {
		return true
	}
	switch {
	case errors.Is(err, sampler.ErrItemGone),
		errors.Is(err, sampler.ErrPoolExhausted),
		errors.Is(err, sampler.ErrNoMatchingCategory),
		errors.Is(err, sampler.ErrCategoryNotFound):
		return false
	}
	return true
}

func (d *Dispatcher) postText(ctx context.Context, to transport.ChatTarget, item queue.WorkItem, text string) error {
	opt := &transport.SendOptions{DisablePreview: true}
	if n, err := strconv.Atoi(item.ResponseTarget); err == nil {
		opt.ReplyTo = n
	}
	if _, err := d.Sender.SendText(ctx, to, text, opt); err != nil {
		return queue.Retryable(fmt.Errorf("post message: %w", err))
	}
	return nil
}

func (d *Dispatcher) record(ctx context.Context, e storage.DrawEntry, start time.Time) {
	if d.History == nil {
		return
	}
	e.At = d.Now()
	e.TookMS = time.Since(start).Milliseconds()
	if err := d.History.AppendDraw(context.WithoutCancel(ctx), e); err != nil {
		d.Log.Warn("draw history append failed", logx.Err(err))
	}
}

func target(item queue.WorkItem) (transport.ChatTarget, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(item.Channel), 10, 64)
	if err != nil {
		return transport.ChatTarget{}, fmt.Errorf("work item %s: bad channel %q: %w", item.ID, item.Channel, err)
	}
	return transport.ChatTarget{ChatID: id, ThreadID: item.Thread}, nil
}
