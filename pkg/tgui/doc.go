// Package tgui renders bot replies for Telegram's HTML parse mode:
// escaping, inline code spans, preformatted tables split to fit the
// message limit, and rune-safe truncation for captions.
package tgui
