package dispatch

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"imgdraw/internal/status"
	"imgdraw/internal/statusstore"
	"imgdraw/internal/storage"
	logx "imgdraw/pkg/logx"
)

// Help is the usage text plus the current category list.
func (d *Dispatcher) Help(ctx context.Context) (string, error) {
	cats, err := d.Index.Categories(ctx, false)
	if err != nil {
		return "", fmt.Errorf("list categories: %w", err)
	}
	version := d.Version
	if version == "" {
		version = "dev"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "imgdraw %s\n\n", version)
	b.WriteString("Ask for a category, or leave it blank to draw from `all` (a category is picked by how many unseen images it has left).\n")
	b.WriteString("Several categories or a prefix work too: `cats dogs`, `cat`.\n")
	b.WriteString("To request a specific file, use that file's full name as returned by a previous message.\n")
	b.WriteString("`status` shows how many images have been seen. `!reset <category>` starts a category over. `!rescan` picks up added and removed files.\n")
	b.WriteString("`history` lists the last draws in this chat; `!history 20` shows more.\n\n")
	b.WriteString("Scheduling:\n")
	b.WriteString("`!timer <interval> <count|duration> [category]` e.g. `!timer 00:10:00 6 cats`\n")
	b.WriteString("`!cron \"<expression>\" <duration> [category]` e.g. `!cron \"0 */2 * * *\" 1d dogs`\n")
	b.WriteString("`!random <count> <duration> [category]` e.g. `!random 5 3h`\n\n")
	if len(cats) == 0 {
		b.WriteString("No categories are available yet.")
	} else {
		b.WriteString("Available categories: `" + strings.Join(cats, "`, `") + "`")
	}
	return b.String(), nil
}

// MaxHistory caps the count a chat can ask RecentDraws for.
const MaxHistory = 50

// RecentDraws renders the latest draws answered in chat, newest first.
func (d *Dispatcher) RecentDraws(ctx context.Context, chat string, limit int) (string, error) {
	if d.History == nil {
		return "Draw history is not enabled.", nil
	}
	entries, err := d.History.RecentDraws(ctx, storage.DrawQuery{Chat: chat, Limit: limit})
	if err != nil {
		return "", fmt.Errorf("read draw history: %w", err)
	}
	if len(entries) == 0 {
		return "Nothing has been drawn here yet.", nil
	}
	var b strings.Builder
	for _, e := range entries {
		outcome := e.Item
		if !e.Delivered() {
			outcome = "failed: " + e.Error
		}
		fmt.Fprintf(&b, "%s  %-12s  %s  (%s)\n", e.At.UTC().Format(time.DateTime), e.Spec, outcome, e.Requester)
	}
	return b.String(), nil
}

// StatusTable renders seen/unseen counts for every category.
func (d *Dispatcher) StatusTable(ctx context.Context) (string, error) {
	cats, err := d.Index.Categories(ctx, false)
	if err != nil {
		return "", fmt.Errorf("list categories: %w", err)
	}
	width := len("CATEGORY")
	for _, c := range append(cats, "TOTAL") {
		width = max(width, len(c))
	}

	var (
		b     strings.Builder
		total status.Counts
	)
	row := func(name string, c status.Counts) {
		fmt.Fprintf(&b, "%-*s  %4d  %6d  %5d  %13.2f%%\n", width, name, c.Seen, c.Unseen, c.Total(), 100*c.Viewed())
	}
	fmt.Fprintf(&b, "%-*s  SEEN  UNSEEN  TOTAL  PERCENT VIEWED\n", width, "CATEGORY")
	for _, cat := range cats {
		st, err := d.Status.Read(ctx, cat)
		if errors.Is(err, statusstore.ErrNotFound) {
			fmt.Fprintf(&b, "%-*s      NOT YET QUERIED\n", width, cat)
			continue
		}
		if err != nil {
			fmt.Fprintf(&b, "%-*s      UNAVAILABLE\n", width, cat)
			d.Log.Warn("status read failed", logx.String("category", cat), logx.Err(err))
			continue
		}
		c := st.Counts()
		total.Seen += c.Seen
		total.Unseen += c.Unseen
		row(cat, c)
	}
	row("TOTAL", total)
	return b.String(), nil
}

// RescanRow is one category's outcome. Message is set instead of counts for
// created records and failures.
type RescanRow struct {
	Category  string
	Removals  int
	Additions int
	Message   string
}

// RescanReport lists categories that changed. Err aggregates per-category
// failures; it never stops the sweep.
type RescanReport struct {
	Rows []RescanRow
	Err  error
}

func (r RescanReport) String() string {
	if len(r.Rows) == 0 {
		if r.Err != nil {
			return "Rescan failed: " + r.Err.Error()
		}
		return "Rescan found no changes."
	}
	width := len("CATEGORY")
	for _, row := range r.Rows {
		width = max(width, len(row.Category))
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-*s  REMOVALS  ADDITIONS\n", width, "CATEGORY")
	for _, row := range r.Rows {
		if row.Message != "" {
			fmt.Fprintf(&b, "%-*s  %s\n", width, row.Category, row.Message)
			continue
		}
		fmt.Fprintf(&b, "%-*s  %8d  %9d\n", width, row.Category, row.Removals, row.Additions)
	}
	return b.String()
}

// Rescan reconciles every category's record against its live listing.
func (d *Dispatcher) Rescan(ctx context.Context) RescanReport {
	cats, err := d.Index.Categories(ctx, true)
	if err != nil {
		return RescanReport{Err: fmt.Errorf("list categories: %w", err)}
	}

	var (
		mu   sync.Mutex
		rows []RescanRow
		errs *multierror.Error
	)
	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	g.SetLimit(d.RescanConcurrency)
	for _, cat := range cats {
		g.Go(func() error {
			row, changed, err := d.rescanOne(gctx, cat)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = multierror.Append(errs, fmt.Errorf("%s: %w", cat, err))
				row = RescanRow{Category: cat, Message: "Failed: " + err.Error()}
				changed = true
			}
			if changed {
				rows = append(rows, row)
			}
			return nil
		})
	}
	_ = g.Wait()

	slices.SortFunc(rows, func(a, b RescanRow) int { return strings.Compare(a.Category, b.Category) })
	rep := RescanReport{Rows: rows, Err: errs.ErrorOrNil()}
	d.Log.Info("rescan finished", logx.Int("categories", len(cats)), logx.Int("changed", len(rows)), logx.Bool("errors", rep.Err != nil))
	return rep
}

func (d *Dispatcher) rescanOne(ctx context.Context, cat string) (RescanRow, bool, error) {
	live, err := d.Objects.ListItems(ctx, cat)
	if err != nil {
		return RescanRow{}, false, fmt.Errorf("list items: %w", err)
	}

	st, tok, err := d.Status.AcquireAndRead(ctx, cat, statusstore.LeaseDuration)
	if errors.Is(err, statusstore.ErrNotFound) {
		seeded := status.Reconcile(live, nil).Apply(nil)
		if err := d.Status.Create(ctx, cat, seeded); err != nil {
			return RescanRow{}, false, fmt.Errorf("create record: %w", err)
		}
		d.Index.SetUnseenCount(cat, seeded.Unseen.Cardinality())
		d.Log.Info("status record created", logx.String("category", cat), logx.Int("items", len(live)))
		return RescanRow{Category: cat, Message: "Created status record"}, true, nil
	}
	if err != nil {
		return RescanRow{}, false, err
	}
	defer func() {
		if rerr := d.Status.Release(context.WithoutCancel(ctx), cat, tok); rerr != nil {
			d.Log.Debug("lease release failed", logx.String("category", cat), logx.Err(rerr))
		}
	}()

	p := status.Reconcile(live, st)
	if p.Empty() {
		return RescanRow{}, false, nil
	}
	next := p.Apply(st)
	if err := d.Status.Write(ctx, cat, next, tok); err != nil {
		return RescanRow{}, false, fmt.Errorf("write record: %w", err)
	}
	d.Index.SetUnseenCount(cat, next.Unseen.Cardinality())
	return RescanRow{Category: cat, Removals: p.Removals(), Additions: p.Additions()}, true, nil
}
