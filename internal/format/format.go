// Package format renders envelopes into wire-ready strings. Variants differ
// only in markup: markdown for webhook destinations, an HTML subset for
// telegram destinations. Formatters know nothing about platform length
// limits; chunking is the senders' concern.
package format

import (
	"watchtower/internal/domain"
)

// Input is everything a formatter needs for one (envelope, destination)
// render.
type Input struct {
	Env     *domain.Envelope
	Matched []string // keywords that routed the envelope, if any

	// MediaFiltered is set when the envelope carried media that this
	// destination does not receive (restricted mode); the formatter appends a
	// note so the reader knows content was withheld.
	MediaFiltered bool
}

// Formatter renders one envelope for one destination kind.
type Formatter interface {
	Format(in Input) string
}

// ForKind returns the formatter for a destination kind.
func ForKind(kind domain.DestKind) Formatter {
	if kind == domain.DestTelegram {
		return HTML{}
	}
	return Markdown{}
}

const timeLayout = "2006-01-02 15:04:05 UTC"
