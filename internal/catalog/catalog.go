// Package catalog owns the category index and the unseen-count cache used to
// weight wildcard draws. Both are values held by the dispatcher and passed by
// reference; there is no package-level state.
package catalog

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/jellydator/ttlcache/v3"

	"imgdraw/internal/objstore"
	"imgdraw/internal/statusstore"
	logx "imgdraw/pkg/logx"
)

// Wildcard selects every category.
const Wildcard = "all"

// DefaultCountTTL bounds how stale a cached unseen count may be.
const DefaultCountTTL = 15 * time.Minute

var ErrNoMatchingCategory = errors.New("no category matches")

type Option func(*Index)

func WithCountTTL(d time.Duration) Option {
	return func(x *Index) {
		if d > 0 {
			x.countTTL = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(x *Index) {
		if now != nil {
			x.now = now
		}
	}
}

// Index lists categories from the object store. The list is built once and
// kept until a forced refresh.
type Index struct {
	objects objstore.Store
	status  statusstore.VersionedStore
	log     logx.Logger
	now     func() time.Time

	mu          sync.RWMutex
	names       []string
	known       mapset.Set[string]
	refreshedAt time.Time

	countTTL time.Duration
	counts   *ttlcache.Cache[string, int]
}

func New(objects objstore.Store, status statusstore.VersionedStore, log logx.Logger, opts ...Option) *Index {
	if log.IsZero() {
		log = logx.Nop()
	}
	x := &Index{
		objects:  objects,
		status:   status,
		log:      log.With(logx.String("comp", "catalog")),
		now:      time.Now,
		countTTL: DefaultCountTTL,
	}
	for _, o := range opts {
		o(x)
	}
	x.counts = ttlcache.New[string, int](
		ttlcache.WithTTL[string, int](x.countTTL),
		ttlcache.WithDisableTouchOnHit[string, int](),
	)
	return x
}

// Categories returns the sorted category names. force rebuilds the list from
// the object store.
func (x *Index) Categories(ctx context.Context, force bool) ([]string, error) {
	if !force {
		x.mu.RLock()
		if x.known != nil {
			out := append([]string(nil), x.names...)
			x.mu.RUnlock()
			return out, nil
		}
		x.mu.RUnlock()
	}

	names, err := x.objects.ListCategories(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(names)

	x.mu.Lock()
	x.names = names
	x.known = mapset.NewThreadUnsafeSet(names...)
	x.refreshedAt = x.now()
	x.mu.Unlock()

	x.log.Debug("category index refreshed", logx.Int("categories", len(names)), logx.Bool("force", force))
	return append([]string(nil), names...), nil
}

// RefreshedAt is the time of the last rebuild; zero before the first one.
func (x *Index) RefreshedAt() time.Time {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.refreshedAt
}

func (x *Index) Has(ctx context.Context, name string) (bool, error) {
	if _, err := x.Categories(ctx, false); err != nil {
		return false, err
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.known.Contains(name), nil
}

// Resolve expands a category spec into candidate categories. Blank or "all"
// selects every category; otherwise each space separated token matches a
// category exactly or as a prefix, and the results are unioned.
func (x *Index) Resolve(ctx context.Context, spec string) ([]string, error) {
	names, err := x.Categories(ctx, false)
	if err != nil {
		return nil, err
	}
	tokens := strings.Fields(spec)
	if len(tokens) == 0 || (len(tokens) == 1 && tokens[0] == Wildcard) {
		if len(names) == 0 {
			return nil, ErrNoMatchingCategory
		}
		return names, nil
	}

	out := mapset.NewThreadUnsafeSet[string]()
	for _, tok := range tokens {
		if tok == Wildcard {
			out.Append(names...)
			continue
		}
		for _, n := range names {
			if strings.HasPrefix(n, tok) {
				out.Add(n)
			}
		}
	}
	if out.Cardinality() == 0 {
		return nil, ErrNoMatchingCategory
	}
	res := out.ToSlice()
	sort.Strings(res)
	return res, nil
}

// UnseenCounts returns a best-effort unseen count per category. A category
// without a status record counts its live items. Load failures count as 0
// and are not cached.
func (x *Index) UnseenCounts(ctx context.Context, categories []string) map[string]int {
	loader := ttlcache.LoaderFunc[string, int](
		func(c *ttlcache.Cache[string, int], key string) *ttlcache.Item[string, int] {
			n, err := x.loadUnseen(ctx, key)
			if err != nil {
				x.log.Warn("unseen count load failed", logx.String("category", key), logx.Err(err))
				return nil
			}
			return c.Set(key, n, ttlcache.DefaultTTL)
		},
	)
	out := make(map[string]int, len(categories))
	for _, cat := range categories {
		if it := x.counts.Get(cat, ttlcache.WithLoader[string, int](loader)); it != nil {
			out[cat] = it.Value()
		} else {
			out[cat] = 0
		}
	}
	return out
}

func (x *Index) loadUnseen(ctx context.Context, category string) (int, error) {
	st, err := x.status.Read(ctx, category)
	if err == nil {
		return st.Unseen.Cardinality(), nil
	}
	if !errors.Is(err, statusstore.ErrNotFound) {
		return 0, err
	}
	items, err := x.objects.ListItems(ctx, category)
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

// SetUnseenCount stores a count observed by a writer.
func (x *Index) SetUnseenCount(category string, n int) {
	x.counts.Set(category, n, ttlcache.DefaultTTL)
}

// Invalidate drops one cached count.
func (x *Index) Invalidate(category string) {
	x.counts.Delete(category)
}
