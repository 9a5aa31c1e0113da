// Package dispatch answers parsed chat commands and deferred work items by
// wiring the category index, status store, reconciler and sampler together.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"imgdraw/internal/catalog"
	"imgdraw/internal/command"
	"imgdraw/internal/objstore"
	"imgdraw/internal/queue"
	"imgdraw/internal/sampler"
	"imgdraw/internal/schedule"
	"imgdraw/internal/statusstore"
	"imgdraw/internal/storage"
	"imgdraw/internal/transport"
	logx "imgdraw/pkg/logx"
)

// Sender is the outbound half of the chat transport.
type Sender interface {
	SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error)
	SendPhoto(ctx context.Context, to transport.ChatTarget, photo transport.Photo) (transport.MessageRef, error)
}

// Deps are the collaborators of a Dispatcher. History and Sender may be nil
// for offline use (CLI); HandleWorkItem requires a Sender.
type Deps struct {
	Index   *catalog.Index
	Sampler *sampler.Sampler
	Status  statusstore.VersionedStore
	Objects objstore.Store
	Queue   queue.Queue
	History storage.Store
	Sender  Sender
	Planner *schedule.Planner
	Log     logx.Logger

	Version string
	// RescanConcurrency bounds parallel categories in a sweep; 0 means 4.
	RescanConcurrency int
	// LinkTTL is the lifetime of delivered item links; 0 means objstore.LinkTTL.
	LinkTTL time.Duration
	Now     func() time.Time
}

type Dispatcher struct {
	Deps
}

func New(d Deps) *Dispatcher {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Planner == nil {
		d.Planner = schedule.NewPlanner(nil)
	}
	if d.RescanConcurrency <= 0 {
		d.RescanConcurrency = 4
	}
	if d.LinkTTL <= 0 {
		d.LinkTTL = objstore.LinkTTL
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Dispatcher{Deps: d}
}

// Request is one inbound chat command.
type Request struct {
	Text      string
	Chat      transport.ChatTarget
	MessageID int
	Requester string
}

// Reply is the immediate answer to a command. An empty Text means nothing
// is posted back; Pre asks for monospace rendering.
type Reply struct {
	Text string
	Pre  bool
}

// HandleCommand answers one command. User mistakes come back as a Reply;
// the error is reserved for collaborator failures.
func (d *Dispatcher) HandleCommand(ctx context.Context, req Request) (Reply, error) {
	cmd := command.Parse(req.Text)
	log := d.Log.With(logx.String("cmd", cmd.Kind.String()), logx.String("requester", req.Requester))
	log.Debug("command received", logx.String("text", cmd.Raw))

	switch cmd.Kind {
	case command.Help:
		text, err := d.Help(ctx)
		return Reply{Text: text}, err

	case command.Status:
		text, err := d.StatusTable(ctx)
		if err != nil {
			return Reply{}, err
		}
		return Reply{Text: text, Pre: true}, nil

	case command.Reset:
		return d.reset(ctx, cmd.Arg)

	case command.History:
		limit := storage.DefaultHistoryLimit
		if cmd.Arg != "" {
			n, err := strconv.Atoi(cmd.Arg)
			if err != nil || n < 1 || n > MaxHistory {
				return Reply{Text: fmt.Sprintf("Usage: `!history [count]` with a count from 1 to %d.", MaxHistory)}, nil
			}
			limit = n
		}
		text, err := d.RecentDraws(ctx, strconv.FormatInt(req.Chat.ChatID, 10), limit)
		if err != nil {
			return Reply{}, err
		}
		return Reply{Text: text, Pre: true}, nil

	case command.Rescan:
		rep := d.Rescan(ctx)
		if rep.Err != nil {
			log.Warn("rescan finished with errors", logx.Err(rep.Err))
		}
		return Reply{Text: rep.String(), Pre: true}, nil

	case command.Timer, command.Cron, command.Random:
		return d.schedule(ctx, req, cmd)

	case command.Draw:
		item := d.workItem(req, cmd.Arg, "", "")
		if err := d.Queue.Enqueue(ctx, item, 0); err != nil {
			return Reply{}, fmt.Errorf("enqueue draw: %w", err)
		}
		log.Info("draw queued", logx.String("id", item.ID), logx.String("spec", cmd.Arg))
		return Reply{}, nil
	}
	return Reply{}, fmt.Errorf("unhandled command kind %s", cmd.Kind)
}

func (d *Dispatcher) reset(ctx context.Context, category string) (Reply, error) {
	category = strings.TrimSpace(category)
	if category == "" {
		return Reply{Text: "Usage: `!reset <category>`"}, nil
	}
	deleted, err := d.Status.Delete(ctx, category)
	if errors.Is(err, statusstore.ErrLocked) {
		return Reply{Text: fmt.Sprintf("`%s` is busy right now. Please try again in a minute.", category)}, nil
	}
	if err != nil {
		return Reply{}, fmt.Errorf("reset %s: %w", category, err)
	}
	d.Index.Invalidate(category)
	if !deleted {
		return Reply{Text: fmt.Sprintf("`%s` has no status to reset.", category)}, nil
	}
	d.Log.Info("category reset", logx.String("category", category))
	return Reply{Text: fmt.Sprintf("Reset `%s`. Every image is unseen again.", category)}, nil
}

func (d *Dispatcher) schedule(ctx context.Context, req Request, cmd command.Command) (Reply, error) {
	mode, _ := cmd.Mode()
	var ve *schedule.ValidationError

	spec, err := schedule.Parse(mode, cmd.Args)
	if errors.As(err, &ve) {
		return Reply{Text: ve.Msg}, nil
	}
	if err != nil {
		return Reply{}, err
	}
	plan, err := d.Planner.Plan(spec, d.Now())
	if errors.As(err, &ve) {
		return Reply{Text: ve.Msg}, nil
	}
	if err != nil {
		return Reply{}, err
	}

	items := plan.Items()
	for i, it := range items {
		wi := d.workItem(req, plan.Category, mode.String(), it.Label)
		if err := d.Queue.Enqueue(ctx, wi, it.Delay); err != nil {
			return Reply{}, fmt.Errorf("enqueue %s %s (%d already queued): %w", mode, it.Label, i, err)
		}
	}
	d.Log.Info("schedule queued",
		logx.String("mode", mode.String()),
		logx.String("category", plan.Category),
		logx.Int("items", len(items)),
		logx.Duration("span", plan.Span()),
	)
	return Reply{Text: scheduleSummary(req.Requester, spec, plan)}, nil
}

func scheduleSummary(requester string, spec schedule.Spec, plan schedule.Plan) string {
	cat := plan.Category
	if cat == "" {
		cat = catalog.Wildcard
	}
	n := len(plan.Delays)
	switch plan.Mode {
	case schedule.ModeInterval:
		return fmt.Sprintf("%s has scheduled %d images for the '%s' category every %s for the next %s.",
			requester, n, cat, spec.Interval, plan.Span())
	case schedule.ModeCron:
		return fmt.Sprintf("%s has scheduled %d images for the '%s' category on `%s` for the next %s.",
			requester, n, cat, spec.Cron, spec.Duration)
	default:
		return fmt.Sprintf("%s has scheduled %d images for the '%s' category at random times over the next %s.",
			requester, n, cat, spec.Duration)
	}
}

func (d *Dispatcher) workItem(req Request, category, mode, label string) queue.WorkItem {
	requester := req.Requester
	if mode != "" {
		requester = fmt.Sprintf("%s, %s %s", req.Requester, mode, label)
	}
	w := queue.WorkItem{
		ID:        uuid.NewString(),
		Category:  category,
		Channel:   strconv.FormatInt(req.Chat.ChatID, 10),
		Thread:    req.Chat.ThreadID,
		Requester: requester,
		Label:     label,
	}
	if req.MessageID != 0 {
		w.ResponseTarget = strconv.Itoa(req.MessageID)
	}
	return w
}
