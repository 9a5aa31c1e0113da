package schedule

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Mode selects a cadence grammar.
type Mode int

const (
	ModeInterval Mode = iota
	ModeCron
	ModeRandom
)

func (m Mode) String() string {
	switch m {
	case ModeInterval:
		return "timer"
	case ModeCron:
		return "cron"
	case ModeRandom:
		return "random"
	default:
		return "unknown"
	}
}

// Spec is a parsed, not yet validated cadence.
type Spec struct {
	Mode Mode

	// interval mode: Count or Duration is set
	Interval time.Duration
	Count    int
	Duration time.Duration

	// cron mode
	Cron     string
	schedule cron.Schedule

	// Category is the draw spec carried by every planned item; blank means all.
	Category string
}

// ValidationError carries a message meant for the requester.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func invalid(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Parse parses the arguments that follow a cadence command word.
func Parse(mode Mode, args []string) (Spec, error) {
	switch mode {
	case ModeInterval:
		return parseInterval(args)
	case ModeCron:
		return parseCron(args)
	case ModeRandom:
		return parseRandom(args)
	default:
		return Spec{}, invalid("unknown schedule mode %d", mode)
	}
}

// !timer <interval> <count|duration> [category...]
func parseInterval(args []string) (Spec, error) {
	if len(args) < 2 {
		return Spec{}, invalid("You did not have the right number of arguments to `!timer`. Usage: `!timer <interval> <count|duration> [category]`")
	}
	every, err := ParseSpan(args[0])
	if err != nil {
		return Spec{}, invalid("`%s` was not a valid interval.", args[0])
	}
	sp := Spec{Mode: ModeInterval, Interval: every, Category: strings.Join(args[2:], " ")}
	if n, err := strconv.Atoi(args[1]); err == nil {
		sp.Count = n
		return sp, nil
	}
	d, err := ParseSpan(args[1])
	if err != nil {
		return Spec{}, invalid("`%s` was not a valid count or duration.", args[1])
	}
	sp.Duration = d
	return sp, nil
}

// !cron "<expr>" <duration> [category...]; the expression may also be given
// unquoted as 5 or 6 fields, or as a descriptor like @hourly.
func parseCron(args []string) (Spec, error) {
	usage := "Usage: `!cron \"<expression>\" <duration> [category]`"
	if len(args) < 2 {
		return Spec{}, invalid("You did not have the right number of arguments to `!cron`. %s", usage)
	}

	try := func(n int) (Spec, bool) {
		if len(args) <= n {
			return Spec{}, false
		}
		expr := strings.Join(args[:n], " ")
		sched, err := cronParser.Parse(expr)
		if err != nil {
			return Spec{}, false
		}
		d, err := ParseSpan(args[n])
		if err != nil {
			return Spec{}, false
		}
		return Spec{
			Mode:     ModeCron,
			Cron:     expr,
			schedule: sched,
			Duration: d,
			Category: strings.Join(args[n+1:], " "),
		}, true
	}

	if strings.ContainsAny(args[0], " \t") || strings.HasPrefix(args[0], "@") {
		expr := strings.TrimSpace(args[0])
		sched, err := cronParser.Parse(expr)
		if err != nil {
			return Spec{}, invalid("`%s` is not a valid cron expression: %v", expr, err)
		}
		d, err := ParseSpan(args[1])
		if err != nil {
			return Spec{}, invalid("`%s` was not a valid duration. %s", args[1], usage)
		}
		return Spec{
			Mode:     ModeCron,
			Cron:     expr,
			schedule: sched,
			Duration: d,
			Category: strings.Join(args[2:], " "),
		}, nil
	}
	for _, n := range []int{6, 5} {
		if sp, ok := try(n); ok {
			return sp, nil
		}
	}
	return Spec{}, invalid("Could not find a valid cron expression followed by a duration. %s", usage)
}

// !random <count> <duration> [category...]
func parseRandom(args []string) (Spec, error) {
	if len(args) < 2 {
		return Spec{}, invalid("You did not have the right number of arguments to `!random`. Usage: `!random <count> <duration> [category]`")
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return Spec{}, invalid("`%s` was not a valid count.", args[0])
	}
	d, err := ParseSpan(args[1])
	if err != nil {
		return Spec{}, invalid("`%s` was not a valid duration.", args[1])
	}
	return Spec{Mode: ModeRandom, Count: n, Duration: d, Category: strings.Join(args[2:], " ")}, nil
}

var (
	reHHMMSS = regexp.MustCompile(`^(\d{1,3}):(\d{2}):(\d{2})$`)
	reHHMM   = regexp.MustCompile(`^(\d{1,3}):(\d{2})$`)
	reDays   = regexp.MustCompile(`^(\d{1,2})d$`)
)

// ParseSpan accepts a Go duration ("90s", "2h30m"), "HH:MM:SS", "HH:MM",
// whole days ("2d") or bare seconds ("45").
func ParseSpan(raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, fmt.Errorf("duration required")
	}
	if m := reHHMMSS.FindStringSubmatch(s); m != nil {
		return clock(m[1], m[2], m[3])
	}
	if m := reHHMM.FindStringSubmatch(s); m != nil {
		return clock(m[1], m[2], "0")
	}
	if m := reDays.FindStringSubmatch(s); m != nil {
		n, _ := strconv.Atoi(m[1])
		return positive(time.Duration(n) * 24 * time.Hour)
	}
	if n, err := strconv.Atoi(s); err == nil {
		return positive(time.Duration(n) * time.Second)
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q (use HH:MM:SS, seconds or a duration like '5m')", raw)
	}
	return positive(d)
}

func clock(hh, mm, ss string) (time.Duration, error) {
	h, _ := strconv.Atoi(hh)
	m, _ := strconv.Atoi(mm)
	sec, _ := strconv.Atoi(ss)
	if m > 59 || sec > 59 {
		return 0, fmt.Errorf("invalid clock duration %s:%s:%s", hh, mm, ss)
	}
	return positive(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(sec)*time.Second)
}

func positive(d time.Duration) (time.Duration, error) {
	if d <= 0 {
		return 0, fmt.Errorf("duration must be > 0")
	}
	return d, nil
}
