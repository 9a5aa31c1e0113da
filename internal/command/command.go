// Package command parses chat text into a tagged command. Parsing happens
// once at the transport boundary; the dispatcher switches over Kind.
package command

import (
	"slices"
	"strings"

	"imgdraw/internal/schedule"
)

type Kind int

const (
	Draw Kind = iota
	Help
	Status
	Reset
	Rescan
	Timer
	Cron
	Random
	History
)

func (k Kind) String() string {
	switch k {
	case Draw:
		return "draw"
	case Help:
		return "help"
	case Status:
		return "status"
	case Reset:
		return "reset"
	case Rescan:
		return "rescan"
	case Timer:
		return "timer"
	case Cron:
		return "cron"
	case Random:
		return "random"
	case History:
		return "history"
	default:
		return "unknown"
	}
}

// Command is one parsed request.
//
// Draw and Reset carry their target in Arg, History its optional count. Timer, Cron and Random carry
// the tokens after the command word in Args.
type Command struct {
	Kind Kind
	Arg  string
	Args []string
	Raw  string
}

// Mode maps a cadence command to its schedule mode.
func (c Command) Mode() (schedule.Mode, bool) {
	switch c.Kind {
	case Timer:
		return schedule.ModeInterval, true
	case Cron:
		return schedule.ModeCron, true
	case Random:
		return schedule.ModeRandom, true
	default:
		return 0, false
	}
}

var words = map[string]Kind{
	"help":    Help,
	"status":  Status,
	"reset":   Reset,
	"rescan":  Rescan,
	"timer":   Timer,
	"cron":    Cron,
	"random":  Random,
	"history": History,
}

// Words returns the command words, sorted.
func Words() []string {
	out := make([]string, 0, len(words))
	for w := range words {
		out = append(out, w)
	}
	slices.Sort(out)
	return out
}

// Parse never fails: text that is not a command word is a draw spec, and
// empty text draws from every category.
func Parse(text string) Command {
	raw := strings.TrimSpace(text)
	toks := Tokenize(raw)
	if len(toks) == 0 {
		return Command{Kind: Draw, Arg: "all", Raw: raw}
	}

	head := strings.ToLower(toks[0])
	bang := strings.HasPrefix(head, "!") || strings.HasPrefix(head, "/")
	word := strings.TrimLeft(head, "!/")
	if k, ok := words[word]; ok {
		// Bare words only count for the argument-less commands, so a category
		// named "random" can still be drawn by name.
		switch {
		case bang, len(toks) == 1 && (k == Help || k == Status || k == History):
			return build(k, toks[1:], raw)
		}
	}
	return Command{Kind: Draw, Arg: strings.Join(toks, " "), Raw: raw}
}

func build(k Kind, rest []string, raw string) Command {
	c := Command{Kind: k, Raw: raw}
	switch k {
	case Reset, History:
		c.Arg = strings.Join(rest, " ")
	case Timer, Cron, Random:
		c.Args = rest
	}
	return c
}

// Tokenize splits text on whitespace, keeping quoted runs together.
//
//	!cron "*/15 * * * *" 2h cats
func Tokenize(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var (
		out   []string
		buf   strings.Builder
		inQ   bool
		qChar rune
		esc   bool
		quote bool
	)
	flush := func() {
		if buf.Len() > 0 || quote {
			out = append(out, buf.String())
			buf.Reset()
		}
		quote = false
	}
	for _, ch := range s {
		if esc {
			buf.WriteRune(ch)
			esc = false
			continue
		}
		if ch == '\\' {
			esc = true
			continue
		}
		if inQ {
			if ch == qChar {
				inQ = false
				continue
			}
			buf.WriteRune(ch)
			continue
		}
		switch ch {
		// Chat clients substitute typographic quotes.
		case '"', '\'', '“', '”':
			inQ = true
			quote = true
			qChar = ch
			if ch == '“' {
				qChar = '”'
			}
		case ' ', '\t', '\n', '\r':
			flush()
		default:
			buf.WriteRune(ch)
		}
	}
	flush()
	return out
}
