package tools

import (
	"regexp"
	"strings"
)

var urlPattern = regexp.MustCompile(`(?m)https?://(www\.)?[-a-zA-Z0-9@:%._\+~#=]{1,256}\.[a-zA-Z0-9()]{1,6}\b([-a-zA-Z0-9()@:%_\+.~#?&//=]*)`)

// ExtractURLs returns every http(s) URL in text, in order of
// appearance.
func ExtractURLs(text string) []string {
	return urlPattern.FindAllString(text, -1)
}

// ChunkWords splits text into chunks of at most size
// whitespace-separated words. Whitespace runs collapse to single
// spaces; empty input yields no chunks.
func ChunkWords(text string, size int) []string {
	words := strings.Fields(text)
	if len(words) == 0 || size <= 0 {
		return nil
	}
	chunks := make([]string, 0, (len(words)+size-1)/size)
	for start := 0; start < len(words); start += size {
		end := min(start+size, len(words))
		chunks = append(chunks, strings.Join(words[start:end], " "))
	}
	return chunks
}
