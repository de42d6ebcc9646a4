package channel

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// SplitMessage splits text into parts of at most limit runes each,
// breaking only at whitespace. Newlines are preferred over spaces so
// paragraphs survive intact. A single word longer than the limit is
// hard-cut. limit <= 0 means the transport has no cap and the text is
// returned whole.
func SplitMessage(text string, limit int) []string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	var parts []string
	rest := text
	for utf8.RuneCountInString(rest) > limit {
		cut := byteOffsetOfRune(rest, limit)
		window := rest[:cut]

		i := strings.LastIndexByte(window, '\n')
		if i < 0 {
			i = strings.LastIndexFunc(window, unicode.IsSpace)
		}
		if i < 0 {
			// One unbroken word spans the whole window.
			parts = append(parts, window)
			rest = rest[cut:]
			continue
		}

		_, size := utf8.DecodeRuneInString(rest[i:])
		if i == 0 {
			// Leading whitespace; drop it rather than emit an empty part.
			rest = rest[size:]
			continue
		}
		parts = append(parts, rest[:i])
		rest = rest[i+size:]
	}
	if rest != "" {
		parts = append(parts, rest)
	}
	return parts
}

// byteOffsetOfRune returns the byte index of the nth rune in s. The
// caller guarantees s holds at least n runes.
func byteOffsetOfRune(s string, n int) int {
	count := 0
	for i := range s {
		if count == n {
			return i
		}
		count++
	}
	return len(s)
}
