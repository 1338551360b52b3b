// Package textutil holds the small pure-text transforms shared by the
// formatters and senders: platform-aware chunking, URL defanging, and message
// URL construction.
package textutil

import "strings"

// Chunk splits text into pieces of at most maxLen bytes, preferring to split
// at the last newline inside the window so message structure survives. When no
// newline fits, it hard-breaks at maxLen. Leading newlines are stripped from
// non-first chunks, so joining the chunks reproduces the input modulo that
// stripping.
func Chunk(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}

	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}

		cut := strings.LastIndex(text[:maxLen], "\n")
		if cut == -1 {
			cut = maxLen
		}
		chunks = append(chunks, text[:cut])
		text = strings.TrimLeft(text[cut:], "\n")
	}
	return chunks
}
