// Package sampler draws one unseen item for a category spec: a category is
// chosen in proportion to its unseen count, then an item is taken from it
// uniformly and without replacement under a status lease.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"time"

	"imgdraw/internal/catalog"
	"imgdraw/internal/objstore"
	"imgdraw/internal/status"
	"imgdraw/internal/statusstore"
	logx "imgdraw/pkg/logx"
)

var (
	ErrCategoryNotFound   = errors.New("category not found")
	ErrPoolExhausted      = errors.New("no unseen items left")
	ErrNoMatchingCategory = catalog.ErrNoMatchingCategory
	ErrItemGone           = errors.New("item no longer exists")
)

// ExhaustedError names the categories that ran dry. It matches
// ErrPoolExhausted with errors.Is.
type ExhaustedError struct {
	Categories []string
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s in %s", ErrPoolExhausted, strings.Join(e.Categories, ", "))
}

func (e *ExhaustedError) Unwrap() error { return ErrPoolExhausted }

func exhausted(categories ...string) error {
	return &ExhaustedError{Categories: categories}
}

// Result is one successful draw.
type Result struct {
	Item     string
	Category string
	// Weight is the chosen category's share of the candidates' unseen total.
	Weight  float64
	Literal bool
	// Healed counts vanished items dropped while drawing.
	Healed int
}

type Option func(*Sampler)

// WithRand replaces the random source.
func WithRand(r *rand.Rand) Option {
	return func(s *Sampler) {
		if r != nil {
			s.rng = r
		}
	}
}

func WithLease(d time.Duration) Option {
	return func(s *Sampler) {
		if d > 0 {
			s.lease = d
		}
	}
}

type Sampler struct {
	index   *catalog.Index
	store   statusstore.VersionedStore
	objects objstore.Store
	log     logx.Logger
	lease   time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

func New(index *catalog.Index, store statusstore.VersionedStore, objects objstore.Store, log logx.Logger, opts ...Option) *Sampler {
	if log.IsZero() {
		log = logx.Nop()
	}
	now := uint64(time.Now().UnixNano())
	s := &Sampler{
		index:   index,
		store:   store,
		objects: objects,
		log:     log.With(logx.String("comp", "sampler")),
		lease:   statusstore.LeaseDuration,
		rng:     rand.New(rand.NewPCG(now, now>>1|1)),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Sampler) intn(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.IntN(n)
}

// Draw resolves spec and draws one item.
//
// Resolution order: a spec containing "/" is a literal item path; an exact
// category name is drawn from directly; "all", several tokens or a prefix
// select candidates weighted by unseen count.
func (s *Sampler) Draw(ctx context.Context, spec string) (Result, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		spec = catalog.Wildcard
	}

	if strings.Contains(spec, "/") {
		return s.literal(ctx, spec)
	}

	if spec != catalog.Wildcard && !strings.ContainsAny(spec, " \t") {
		exact, err := s.store.Exists(ctx, spec)
		if err != nil {
			return Result{}, err
		}
		if !exact {
			if exact, err = s.index.Has(ctx, spec); err != nil {
				return Result{}, err
			}
		}
		if exact {
			return s.drawFrom(ctx, spec, 1)
		}
	}

	candidates, err := s.index.Resolve(ctx, spec)
	if err != nil {
		return Result{}, err
	}
	cat, weight, err := s.pickCategory(candidates, s.index.UnseenCounts(ctx, candidates))
	if err != nil {
		return Result{}, err
	}
	s.log.Debug("category picked",
		logx.String("spec", spec),
		logx.String("category", cat),
		logx.Float64("weight", weight),
		logx.Int("candidates", len(candidates)),
	)
	return s.drawFrom(ctx, cat, weight)
}

func (s *Sampler) literal(ctx context.Context, id string) (Result, error) {
	id = strings.TrimPrefix(id, "/")
	if !objstore.ValidID(id) {
		return Result{}, fmt.Errorf("%w: %s", ErrItemGone, id)
	}
	ok, err := s.objects.ItemExists(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrItemGone, id)
	}
	return Result{Item: id, Category: objstore.CategoryOf(id), Weight: 1, Literal: true}, nil
}

// pickCategory chooses among candidates with probability proportional to
// their counts. Candidates are expected sorted for reproducible picks.
func (s *Sampler) pickCategory(candidates []string, counts map[string]int) (string, float64, error) {
	total := 0
	for _, c := range candidates {
		if n := counts[c]; n > 0 {
			total += n
		}
	}
	if total == 0 {
		return "", 0, exhausted(candidates...)
	}
	r := s.intn(total)
	for _, c := range candidates {
		n := counts[c]
		if n <= 0 {
			continue
		}
		if r < n {
			return c, float64(n) / float64(total), nil
		}
		r -= n
	}
	// unreachable while total is the sum of the positive counts
	return "", 0, exhausted(candidates...)
}

func (s *Sampler) drawFrom(ctx context.Context, category string, weight float64) (Result, error) {
	log := s.log.With(logx.String("category", category))

	st, token, err := s.store.AcquireAndRead(ctx, category, s.lease)
	if errors.Is(err, statusstore.ErrNotFound) {
		return s.seedAndDraw(ctx, category, weight)
	}
	if err != nil {
		return Result{}, err
	}
	defer func() {
		if err := s.store.Release(context.WithoutCancel(ctx), category, token); err != nil {
			log.Warn("lease release failed", logx.Err(err))
		}
	}()

	if st.Unseen.Cardinality() == 0 {
		s.index.SetUnseenCount(category, 0)
		return Result{}, exhausted(category)
	}

	item, healed, pickErr := s.pick(ctx, st)
	if pickErr != nil && !errors.Is(pickErr, ErrPoolExhausted) {
		return Result{}, pickErr
	}
	if err := s.store.Write(ctx, category, st, token); err != nil {
		return Result{}, err
	}
	s.index.SetUnseenCount(category, st.Unseen.Cardinality())
	if healed > 0 {
		log.Info("dropped vanished items", logx.Int("healed", healed))
	}
	if pickErr != nil {
		return Result{}, exhausted(category)
	}
	return Result{Item: item, Category: category, Weight: weight, Healed: healed}, nil
}

// seedAndDraw handles a category without a record: the record is seeded
// from the live listing, drawn from locally and then created. Losing the
// create race is reported as ErrLocked so the caller retries against the
// winner's record.
func (s *Sampler) seedAndDraw(ctx context.Context, category string, weight float64) (Result, error) {
	items, err := s.objects.ListItems(ctx, category)
	if err != nil {
		return Result{}, err
	}
	if len(items) == 0 {
		// the index may be stale; a category that vanished upstream is not found
		names, err := s.index.Categories(ctx, true)
		if err != nil {
			return Result{}, err
		}
		if !slices.Contains(names, category) {
			return Result{}, fmt.Errorf("%w: %s", ErrCategoryNotFound, category)
		}
		return Result{}, exhausted(category)
	}

	st := status.Seeded(items)
	item, healed, pickErr := s.pick(ctx, st)
	if pickErr != nil && !errors.Is(pickErr, ErrPoolExhausted) {
		return Result{}, pickErr
	}
	if err := s.store.Create(ctx, category, st); err != nil {
		if errors.Is(err, statusstore.ErrAlreadyExists) {
			return Result{}, fmt.Errorf("%w: %s was seeded concurrently", statusstore.ErrLocked, category)
		}
		return Result{}, err
	}
	s.index.SetUnseenCount(category, st.Unseen.Cardinality())
	s.log.Info("status record seeded", logx.String("category", category), logx.Int("items", len(items)))
	if pickErr != nil {
		return Result{}, exhausted(category)
	}
	return Result{Item: item, Category: category, Weight: weight, Healed: healed}, nil
}

// pick moves one random unseen item to seen and confirms it still exists.
// Vanished items are dropped from both sets and the pick is retried; the
// unseen set shrinks every round so the loop ends.
func (s *Sampler) pick(ctx context.Context, st *status.DirectoryStatus) (string, int, error) {
	healed := 0
	for st.Unseen.Cardinality() > 0 {
		items := st.UnseenItems()
		id := items[s.intn(len(items))]
		st.MarkSeen(id)

		ok, err := s.objects.ItemExists(ctx, id)
		if err != nil {
			return "", healed, fmt.Errorf("check %s: %w", id, err)
		}
		if ok {
			return id, healed, nil
		}
		st.Forget(id)
		healed++
	}
	return "", healed, ErrPoolExhausted
}
