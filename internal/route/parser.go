package route

import (
	"fmt"
	"strings"

	"watchtower/internal/domain"
)

const removedPlaceholder = "*[Message content removed by parser]*"

// ApplyParser applies a rule's transform and returns a new envelope; the input
// envelope is never mutated, so other destinations see the pre-parse text.
// A zero spec or empty text passes through unchanged.
func ApplyParser(env *domain.Envelope, spec domain.ParserSpec) *domain.Envelope {
	if spec.IsZero() || env.Text == "" {
		return env
	}

	lines := strings.Split(env.Text, "\n")

	if spec.KeepFirst > 0 {
		if len(lines) <= spec.KeepFirst {
			return env
		}
		omitted := len(lines) - spec.KeepFirst
		kept := append([]string{}, lines[:spec.KeepFirst]...)
		kept = append(kept, fmt.Sprintf("*[%d line(s) omitted]*", omitted))
		return env.WithText(strings.Join(kept, "\n"))
	}

	if spec.TrimFront >= len(lines) {
		lines = nil
	} else {
		lines = lines[spec.TrimFront:]
	}
	if spec.TrimBack >= len(lines) {
		lines = nil
	} else {
		lines = lines[:len(lines)-spec.TrimBack]
	}

	text := strings.Join(lines, "\n")
	if text == "" {
		text = removedPlaceholder
	}
	return env.WithText(text)
}
