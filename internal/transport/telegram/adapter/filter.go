package adapter

import "strings"

// commandFilter decides which chat texts are meant for the bot.
//
//	/img cats            -> "cats"
//	/img@mybot cats      -> "cats"
//	!img                 -> ""
//	/status              -> "/status"
//	!timer 10m 6 cats    -> "!timer 10m 6 cats"
//	cats (private chat)  -> "cats"
type commandFilter struct {
	trigger  string
	words    map[string]struct{}
	username string
}

func newCommandFilter(trigger string, words []string, username string) *commandFilter {
	f := &commandFilter{
		trigger:  strings.ToLower(strings.TrimSpace(trigger)),
		words:    make(map[string]struct{}, len(words)),
		username: strings.ToLower(strings.TrimPrefix(username, "@")),
	}
	for _, w := range words {
		f.words[strings.ToLower(strings.TrimSpace(w))] = struct{}{}
	}
	return f
}

// Extract returns the text handed to the command parser and whether the
// message is addressed to the bot at all.
func (f *commandFilter) Extract(text string, private bool) (string, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", false
	}
	if text[0] != '/' && text[0] != '!' {
		if !private {
			return "", false
		}
		return text, true
	}

	head, rest, _ := strings.Cut(text, " ")
	rest = strings.TrimSpace(rest)
	word := strings.ToLower(head[1:])
	if at := strings.IndexByte(word, '@'); at >= 0 {
		if word[at+1:] != f.username {
			return "", false
		}
		word = word[:at]
		head = head[:at+1]
	}

	if f.trigger != "" && word == f.trigger {
		return rest, true
	}
	if _, ok := f.words[word]; ok {
		if rest == "" {
			return head, true
		}
		return head + " " + rest, true
	}
	return "", false
}
