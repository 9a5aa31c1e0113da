package adapter

import "strings"

const telegramTextLimit = 4000

// splitTelegramText splits long messages into chunks Telegram accepts. It
// prefers newline boundaries and, in HTML mode, avoids cutting inside a tag.
func splitTelegramText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	html := strings.EqualFold(parseMode, "HTML")
	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))

		if end < len(rs) {
			// newline near the end of the window, but not a tiny chunk
			for i := end - 1; i-start >= limit/3; i-- {
				if rs[i] == '\n' {
					end = i + 1
					break
				}
			}
		}
		if html && end < len(rs) {
			lastOpen, lastClose := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					lastOpen = i
				case '>':
					lastClose = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				end = lastOpen
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}
