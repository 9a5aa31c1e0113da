package tgui

import (
	"fmt"
	"html"
	"strings"
)

// H represents HTML that is safe to pass to Telegram when ParseMode="HTML".
// Values of type H should be treated as already-escaped.
type H string

func (h H) String() string { return string(h) }

// Esc escapes text for Telegram HTML parse mode.
func Esc(s string) H { return H(html.EscapeString(s)) }

func wrap(tag string, inner H) H { return H("<" + tag + ">" + inner.String() + "</" + tag + ">") }

func B(s string) H    { return wrap("b", Esc(s)) }
func I(s string) H    { return wrap("i", Esc(s)) }
func Code(s string) H { return wrap("code", Esc(s)) }

// Pre renders a preformatted block. Keep s under TextLimit; see PreChunks.
func Pre(s string) H {
	return H("<pre>" + html.EscapeString(s) + "</pre>")
}

// Link builds an HTML link.
func Link(text, url string) H {
	return H(fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(url), html.EscapeString(text)))
}

// Inline renders chat text where `backtick` spans become <code>. An
// unmatched backtick is kept literally.
func Inline(s string) H {
	parts := strings.Split(s, "`")
	if len(parts)%2 == 0 {
		// odd number of backticks: leave the last one as text
		last := len(parts) - 1
		parts[last-1] += "`" + parts[last]
		parts = parts[:last]
	}
	var b strings.Builder
	for i, p := range parts {
		if i%2 == 1 {
			b.WriteString(Code(p).String())
			continue
		}
		b.WriteString(html.EscapeString(p))
	}
	return H(b.String())
}

// JoinH joins safe HTML parts with sep, skipping blank ones.
func JoinH(sep string, parts ...H) H {
	ss := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p.String()) == "" {
			continue
		}
		ss = append(ss, p.String())
	}
	return H(strings.Join(ss, sep))
}
