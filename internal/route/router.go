// Package route selects destinations for an envelope by channel and keyword,
// and applies per-rule text transforms.
package route

import (
	"log/slog"
	"strconv"
	"strings"

	"watchtower/internal/domain"
)

// Match is one routing decision: a destination, the rule that matched, and
// which keywords hit (empty for match-all rules).
type Match struct {
	Dest    *domain.Destination
	Rule    domain.Rule
	Matched []string
}

// Router evaluates envelopes against the loaded destination set. The
// destination list is immutable after construction.
type Router struct {
	dests  []*domain.Destination
	logger *slog.Logger
}

func New(dests []*domain.Destination, logger *slog.Logger) *Router {
	return &Router{dests: dests, logger: logger}
}

// Destinations returns every destination whose rule accepts the envelope.
// attachText is invoked at most once, and only when some candidate rule scans
// attachments; it should return the text content of the envelope's attachment
// or "".
func (r *Router) Destinations(env *domain.Envelope, attachText func() string) []Match {
	var (
		matches      []Match
		attachCached string
		attachLoaded bool
	)
	attachment := func() string {
		if !attachLoaded {
			attachLoaded = true
			if attachText != nil {
				attachCached = attachText()
			}
		}
		return attachCached
	}

	for _, dest := range r.dests {
		rule, ok := r.ruleFor(dest, env)
		if !ok {
			continue
		}

		if len(rule.Keywords) == 0 {
			matches = append(matches, Match{Dest: dest, Rule: rule})
			continue
		}

		search := env.Text
		if rule.OCR && env.OCRText != "" {
			search += "\n" + env.OCRText
		}
		if rule.CheckAttachments && env.HasMedia {
			if at := attachment(); at != "" {
				search += "\n" + at
			}
		}

		if matched := matchKeywords(rule.Keywords, search); len(matched) > 0 {
			matches = append(matches, Match{Dest: dest, Rule: rule, Matched: matched})
		}
	}

	if len(matches) == 0 {
		r.logger.Info("no destinations for message",
			"channel", env.ChannelName, "channel_id", env.ChannelID)
	}
	return matches
}

// ruleFor finds the rule of dest that covers the envelope's channel, if any.
func (r *Router) ruleFor(dest *domain.Destination, env *domain.Envelope) (domain.Rule, bool) {
	rules := dest.Channels
	if env.Source == domain.SourceRSS {
		rules = dest.Feeds
	}
	for _, rule := range rules {
		if channelMatches(env.ChannelID, rule.ChannelID) {
			return rule, true
		}
	}
	return domain.Rule{}, false
}

// NeedsOCR reports whether any destination wants OCR for this channel.
func (r *Router) NeedsOCR(channelID string) bool {
	return r.anyChannelRule(channelID, func(rule domain.Rule) bool { return rule.OCR })
}

// NeedsAttachmentScan reports whether any destination scans attachments for
// this channel.
func (r *Router) NeedsAttachmentScan(channelID string) bool {
	return r.anyChannelRule(channelID, func(rule domain.Rule) bool { return rule.CheckAttachments })
}

// IsRestricted reports whether any destination restricts media for this
// channel.
func (r *Router) IsRestricted(channelID string) bool {
	return r.anyChannelRule(channelID, func(rule domain.Rule) bool { return rule.RestrictedMode })
}

func (r *Router) anyChannelRule(channelID string, pred func(domain.Rule) bool) bool {
	for _, dest := range r.dests {
		for _, rule := range dest.Channels {
			if channelMatches(channelID, rule.ChannelID) && pred(rule) {
				return true
			}
		}
	}
	return false
}

// channelMatches compares an envelope channel id against a configured rule
// key: exact string match, or numeric equality after stripping an optional
// -100 supergroup prefix from either side. Feed URLs only ever hit the exact
// branch.
func channelMatches(envID, ruleID string) bool {
	if envID == ruleID {
		return true
	}
	a, ok := channelInt(envID)
	if !ok {
		return false
	}
	b, ok := channelInt(ruleID)
	if !ok {
		return false
	}
	return a == b
}

func channelInt(s string) (int64, bool) {
	s = strings.TrimPrefix(s, "-100")
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// matchKeywords returns the keywords appearing case-insensitively in text, in
// rule order. Duplicate keywords simply match twice.
func matchKeywords(keywords []string, text string) []string {
	lower := strings.ToLower(text)
	var matched []string
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(kw)) {
			matched = append(matched, kw)
		}
	}
	return matched
}
