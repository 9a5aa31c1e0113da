// Package schedule turns cadence commands (fixed interval, cron expression,
// random jitter) into a validated list of delays. It never enqueues; every
// delay becomes one deferred work item at the caller.
package schedule

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"time"
)

const (
	MinGap       = 30 * time.Second
	MaxGap       = 24 * time.Hour
	MaxSpan      = 7 * 24 * time.Hour
	MinCount     = 2
	// MaxCount bounds an explicit !timer count only; duration-derived and cron
	// plans are bounded by MaxSpan and their gap limits.
	MaxCount     = 49
	MinRandomGap = 5 * time.Minute
)

// Plan is an accepted schedule. Delays are ascending and start at 0.
type Plan struct {
	Mode     Mode
	Category string
	Delays   []time.Duration
}

// Item is one planned draw.
type Item struct {
	Delay time.Duration
	// Label is the ordinal "k/count".
	Label string
}

func (p Plan) Items() []Item {
	out := make([]Item, len(p.Delays))
	for i, d := range p.Delays {
		out[i] = Item{Delay: d, Label: fmt.Sprintf("%d/%d", i+1, len(p.Delays))}
	}
	return out
}

// Span is the delay of the last item.
func (p Plan) Span() time.Duration {
	if len(p.Delays) == 0 {
		return 0
	}
	return p.Delays[len(p.Delays)-1]
}

// Planner computes plans. The random source is only used by random mode.
type Planner struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewPlanner(rng *rand.Rand) *Planner {
	if rng == nil {
		now := uint64(time.Now().UnixNano())
		rng = rand.New(rand.NewPCG(now, now>>3|1))
	}
	return &Planner{rng: rng}
}

var defaultPlanner = NewPlanner(nil)

// Build plans spec with the package planner.
func Build(spec Spec, now time.Time) (Plan, error) {
	return defaultPlanner.Plan(spec, now)
}

// Plan validates spec and computes its delays. A validation failure is a
// *ValidationError and no partial plan is returned.
func (p *Planner) Plan(spec Spec, now time.Time) (Plan, error) {
	var (
		delays []time.Duration
		err    error
	)
	switch spec.Mode {
	case ModeInterval:
		delays, err = planInterval(spec)
	case ModeCron:
		delays, err = planCron(spec, now)
	case ModeRandom:
		delays, err = p.planRandom(spec)
	default:
		err = invalid("unknown schedule mode %d", spec.Mode)
	}
	if err != nil {
		return Plan{}, err
	}
	return Plan{Mode: spec.Mode, Category: spec.Category, Delays: delays}, nil
}

func planInterval(spec Spec) ([]time.Duration, error) {
	every := spec.Interval
	if every < MinGap || every > MaxGap {
		return nil, invalid("Interval must be between 30 seconds and 24 hours.")
	}
	count := spec.Count
	if spec.Duration > 0 {
		if spec.Duration > MaxSpan {
			return nil, invalid("Duration cannot be more than 7 days. (Is currently `%s`)", spec.Duration)
		}
		count = int(spec.Duration/every) + 1
		if count < MinCount {
			return nil, invalid("Duration `%s` is shorter than the interval `%s`.", spec.Duration, every)
		}
	} else if count < MinCount || count > MaxCount {
		return nil, invalid("Count must be greater than 1 and less than 50. (Is currently `%d`)", count)
	}
	if span := time.Duration(count-1) * every; span > MaxSpan {
		return nil, invalid("Count with interval cannot last more than 7 days. (Is currently `%s`)", span)
	}
	out := make([]time.Duration, count)
	for i := range out {
		out[i] = time.Duration(i) * every
	}
	return out, nil
}

func planCron(spec Spec, now time.Time) ([]time.Duration, error) {
	if spec.schedule == nil {
		sched, err := cronParser.Parse(spec.Cron)
		if err != nil {
			return nil, invalid("`%s` is not a valid cron expression: %v", spec.Cron, err)
		}
		spec.schedule = sched
	}
	if spec.Duration <= 0 || spec.Duration > MaxSpan {
		return nil, invalid("Duration must be more than 0 and at most 7 days. (Is currently `%s`)", spec.Duration)
	}

	end := now.Add(spec.Duration)
	out := []time.Duration{0}
	for t := spec.schedule.Next(now); !t.IsZero() && !t.After(end); t = spec.schedule.Next(t) {
		d := t.Sub(now)
		if gap := d - out[len(out)-1]; gap < MinGap || gap > MaxGap {
			return nil, invalid("Cron occurrences must be between 30 seconds and 24 hours apart. (`%s` produced a gap of `%s`)", spec.Cron, gap)
		}
		out = append(out, d)
	}
	if len(out) < MinCount {
		return nil, invalid("`%s` does not fire within `%s`.", spec.Cron, spec.Duration)
	}
	return out, nil
}

func (p *Planner) planRandom(spec Spec) ([]time.Duration, error) {
	if spec.Count < MinCount {
		return nil, invalid("Count must be at least %d.", MinCount)
	}
	if spec.Duration <= 0 || spec.Duration > MaxSpan {
		return nil, invalid("Duration must be more than 0 and at most 7 days. (Is currently `%s`)", spec.Duration)
	}
	if avg := spec.Duration / time.Duration(spec.Count); avg <= MinRandomGap {
		return nil, invalid("Random draws must average more than 5 minutes apart. (Is currently `%s`)", avg)
	}

	out := make([]time.Duration, spec.Count)
	p.mu.Lock()
	for i := 1; i < len(out); i++ {
		out[i] = time.Duration(p.rng.Int64N(int64(spec.Duration) + 1))
	}
	p.mu.Unlock()
	slices.Sort(out)
	return out, nil
}
