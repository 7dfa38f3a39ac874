package telegram

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// telegramMessageLimit is Telegram's hard cap on message text length.
const telegramMessageLimit = 4096

// fenceReserve leaves room to close a code fence at a split.
const fenceReserve = 8

// splitMessage breaks text into pieces that each fit within limit. Cuts
// prefer paragraph breaks, then line breaks, then word boundaries, with a
// hard cut as the last resort. A cut inside a fenced code block closes the
// fence and reopens it in the next piece, so every piece renders on its own.
func splitMessage(text string, limit int) []string {
	if limit <= 0 {
		limit = telegramMessageLimit
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= limit {
		return []string{text}
	}

	var pieces []string
	rest := text
	for len(rest) > 0 {
		if len(rest) <= limit {
			pieces = append(pieces, rest)
			break
		}
		cut := breakPoint(rest, max(1, limit-fenceReserve))
		piece := strings.TrimRightFunc(rest[:cut], unicode.IsSpace)
		rest = strings.TrimLeftFunc(rest[cut:], unicode.IsSpace)
		if fence, open := openFence(piece); open {
			piece += "\n```"
			rest = fence + "\n" + rest
		}
		if piece != "" {
			pieces = append(pieces, piece)
		}
	}
	return pieces
}

// breakPoint picks the cut position within limit, latest boundary first.
func breakPoint(text string, limit int) int {
	if len(text) <= limit {
		return len(text)
	}
	window := text[:limit]
	if idx := strings.LastIndex(window, "\n\n"); idx > 0 {
		return idx
	}
	if idx := strings.LastIndex(window, "\n"); idx > 0 {
		return idx
	}
	if idx := strings.LastIndexFunc(window, unicode.IsSpace); idx > 0 {
		return idx
	}
	// Hard cut, kept on a rune boundary.
	cut := limit
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return cut
}

// openFence reports whether s ends inside a fenced code block and returns
// the opening fence line so the next piece can restore it.
func openFence(s string) (string, bool) {
	open := false
	fence := ""
	for _, line := range strings.Split(s, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "```") {
			continue
		}
		if open {
			open = false
			continue
		}
		open = true
		fence = trimmed
	}
	return fence, open
}

// clampText truncates text to limit bytes on a rune boundary, marking the
// cut with an ellipsis. Used for in-place stream edits, where splitting is
// not an option.
func clampText(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	cut := limit - len("…")
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "…"
}
