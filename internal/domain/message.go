package domain

import "time"

// SourceKind identifies where an envelope originated.
type SourceKind string

const (
	SourceTelegram SourceKind = "telegram"
	SourceRSS      SourceKind = "rss"
)

// MediaKind is a coarse classification of an attached media object.
type MediaKind string

const (
	MediaNone     MediaKind = ""
	MediaPhoto    MediaKind = "Photo"
	MediaDocument MediaKind = "Document"
	MediaOther    MediaKind = "Other"
)

// ReplyContext describes the message an envelope is replying to.
type ReplyContext struct {
	Author    string
	Time      time.Time
	Text      string // truncated to 200 chars by the source
	MediaKind MediaKind
	HasMedia  bool
}

// Envelope is the source-agnostic unit of work flowing through the pipeline.
//
// An envelope is created by a source and is logically immutable afterwards,
// except for the preprocessing-populated fields (MediaPath, OCRText, Metadata),
// which the orchestrator fills in before routing. Parsers never mutate an
// envelope; they return a copy with new text.
type Envelope struct {
	Source      SourceKind
	ChannelID   string // @handle or signed numeric id for telegram, feed URL for rss
	ChannelName string // display name; "Unresolved:<id>" until resolved
	Author      string
	Timestamp   time.Time

	Text string

	HasMedia  bool
	MediaKind MediaKind
	MediaPath string // local path once downloaded; owned by the orchestrator

	OCRText string

	Reply *ReplyContext

	// Original is the source-native message handle, used only to trigger a
	// media download. Nil for feed envelopes.
	Original *ChatMessage

	Metadata map[string]string
}

// Meta returns the metadata value for key, or "" when absent.
func (e *Envelope) Meta(key string) string {
	if e.Metadata == nil {
		return ""
	}
	return e.Metadata[key]
}

// SetMeta records a metadata value, allocating the map on first use.
func (e *Envelope) SetMeta(key, value string) {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
}

// WithText returns a copy of the envelope carrying new primary text. The
// original is left untouched so other destinations see the pre-parse text.
func (e *Envelope) WithText(text string) *Envelope {
	clone := *e
	clone.Text = text
	return &clone
}

// MetaDefangedURL is the metadata key holding the defanged source URL for
// telegram envelopes.
const MetaDefangedURL = "src_url_defanged"
