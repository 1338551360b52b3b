package domain

// DestKind identifies the wire protocol of a destination.
type DestKind string

const (
	DestWebhook  DestKind = "webhook"
	DestSlack    DestKind = "slack"
	DestTelegram DestKind = "telegram"
)

// ParserSpec is a per-rule text transform. Exactly one of the two shapes is
// active: line trimming (TrimFront/TrimBack) or head truncation (KeepFirst).
// The zero value is a pass-through.
type ParserSpec struct {
	TrimFront int
	TrimBack  int
	KeepFirst int
}

// IsZero reports whether the spec is a pass-through.
func (p ParserSpec) IsZero() bool {
	return p.TrimFront == 0 && p.TrimBack == 0 && p.KeepFirst == 0
}

// Rule is the fully-populated filtering and transformation contract for one
// (channel or feed, destination) pair. Defaults are fixed at config load so
// routing never sees a nil option.
type Rule struct {
	// ChannelID is the configured channel id (telegram) or feed URL (rss).
	ChannelID string

	// Keywords is the resolved keyword list; empty means match-all.
	Keywords []string

	Parser ParserSpec

	// Telegram-only policies.
	OCR              bool
	RestrictedMode   bool
	CheckAttachments bool
}

// Destination is a delivery target with its resolved endpoint and the rules
// keyed by source channel.
type Destination struct {
	Name     string
	Kind     DestKind
	Endpoint string // webhook URL or telegram chat spec, resolved from env

	// Channels maps telegram channel ids to rules, Feeds maps feed URLs.
	Channels []Rule
	Feeds    []Rule
}
