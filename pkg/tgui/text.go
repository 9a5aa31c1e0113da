package tgui

import (
	"html"
	"strings"
	"unicode/utf8"
)

const (
	// TextLimit leaves headroom under Telegram's 4096 rune message limit.
	TextLimit = 4000
	// CaptionLimit is Telegram's photo caption limit.
	CaptionLimit = 1024

	ParseModeHTML = "HTML"
)

// TruncRunes returns s truncated to at most n runes.
// It appends an ellipsis "…" when truncated.
func TruncRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	count := 0
	cut := 0
	for i, r := range s {
		count++
		if count == n {
			cut = i + utf8.RuneLen(r)
			continue
		}
		if count > n {
			if cut <= 0 {
				cut = i
			}
			return s[:cut] + "…"
		}
	}
	return s
}

// PreChunks splits s on line boundaries into <pre> blocks that each fit in
// limit runes once escaped, so every message has balanced tags. A single
// line longer than the limit is truncated.
func PreChunks(s string, limit int) []H {
	if limit <= 0 {
		limit = TextLimit
	}
	const overhead = len("<pre></pre>")
	budget := limit - overhead

	var (
		out  []H
		cur  []string
		size int
	)
	flush := func() {
		if len(cur) > 0 {
			out = append(out, Pre(strings.Join(cur, "\n")))
		}
		cur, size = nil, 0
	}
	for _, line := range strings.Split(strings.TrimRight(s, "\n"), "\n") {
		n := utf8.RuneCountInString(html.EscapeString(line)) + 1
		if n > budget {
			// escaping may grow the line; trim until it fits
			for n > budget && line != "" {
				line = TruncRunes(line, utf8.RuneCountInString(line)*budget/n-1)
				n = utf8.RuneCountInString(html.EscapeString(line)) + 1
			}
		}
		if size+n > budget {
			flush()
		}
		cur = append(cur, line)
		size += n
	}
	flush()
	return out
}
