package speech

import (
	"strings"
	"unicode/utf8"
)

// segments splits text into sentence-like spans for incremental synthesis.
// Spans shorter than minRunes merge into the following span so very short
// fragments ("Sure.") do not become unnaturally clipped audio.
func segments(text string, minRunes int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if minRunes <= 0 {
		minRunes = 1
	}

	var raw []string
	var b strings.Builder
	for _, r := range text {
		b.WriteRune(r)
		if sentenceEnd(r) {
			if s := strings.TrimSpace(b.String()); s != "" {
				raw = append(raw, s)
			}
			b.Reset()
		}
	}
	if s := strings.TrimSpace(b.String()); s != "" {
		raw = append(raw, s)
	}

	var out []string
	carry := ""
	for _, span := range raw {
		if carry != "" {
			span = carry + " " + span
			carry = ""
		}
		if utf8.RuneCountInString(span) < minRunes {
			carry = span
			continue
		}
		out = append(out, span)
	}
	if carry != "" {
		// A trailing short span merges backward instead.
		if len(out) > 0 {
			out[len(out)-1] += " " + carry
		} else {
			out = []string{carry}
		}
	}
	return out
}

func sentenceEnd(r rune) bool {
	switch r {
	case '.', '!', '?', '\n', '…':
		return true
	}
	return false
}
