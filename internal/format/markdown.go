package format

import (
	"fmt"
	"strings"

	"watchtower/internal/domain"
)

// Markdown renders envelopes with Discord/Slack-compatible markdown. User
// text is interpolated as-is after the bold field labels; it is not escaped,
// so markdown inside user text renders as markdown.
type Markdown struct{}

func (Markdown) Format(in Input) string {
	env := in.Env
	lines := []string{
		fmt.Sprintf("**New message from:** %s", env.ChannelName),
		fmt.Sprintf("**By:** %s", env.Author),
		fmt.Sprintf("**Time:** %s", env.Timestamp.UTC().Format(timeLayout)),
	}

	if src := env.Meta(domain.MetaDefangedURL); src != "" {
		lines = append(lines, fmt.Sprintf("**Source:** %s", src))
	}
	if env.HasMedia {
		lines = append(lines, fmt.Sprintf("**Content:** %s", env.MediaKind))
	}
	if len(in.Matched) > 0 {
		quoted := make([]string, len(in.Matched))
		for i, kw := range in.Matched {
			quoted[i] = "`" + kw + "`"
		}
		lines = append(lines, fmt.Sprintf("**Matched:** %s", strings.Join(quoted, ", ")))
	}
	if env.Reply != nil {
		lines = append(lines, markdownReply(env.Reply))
	}
	if env.Text != "" {
		lines = append(lines, fmt.Sprintf("**Message:**\n%s", env.Text))
	}
	if env.OCRText != "" {
		var quoted []string
		for _, l := range strings.Split(env.OCRText, "\n") {
			quoted = append(quoted, "> "+l)
		}
		lines = append(lines, fmt.Sprintf("**OCR:**\n%s", strings.Join(quoted, "\n")))
	}
	if in.MediaFiltered {
		lines = append(lines, "*[Media attachment filtered due to restricted mode]*")
	}

	return strings.Join(lines, "\n")
}

func markdownReply(rc *domain.ReplyContext) string {
	parts := []string{
		fmt.Sprintf("**  Replying to:** %s (%s)", rc.Author, rc.Time.UTC().Format(timeLayout)),
	}
	if rc.HasMedia {
		parts = append(parts, fmt.Sprintf("**  Original content:** %s", rc.MediaKind))
	}
	switch {
	case rc.Text != "":
		parts = append(parts, fmt.Sprintf("**  Original message:** %s", rc.Text))
	case rc.HasMedia:
		parts = append(parts, "**  Original message:** [Attachment only, no caption]")
	}
	return strings.Join(parts, "\n")
}
