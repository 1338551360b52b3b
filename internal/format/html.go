package format

import (
	"fmt"
	"html"
	"strings"

	"watchtower/internal/domain"
)

// HTML renders envelopes with the telegram HTML subset. Every interpolated
// user value is escaped.
type HTML struct{}

func (HTML) Format(in Input) string {
	env := in.Env
	esc := html.EscapeString

	lines := []string{
		fmt.Sprintf("<b>New message from:</b> %s", esc(env.ChannelName)),
		fmt.Sprintf("<b>By:</b> %s", esc(env.Author)),
		fmt.Sprintf("<b>Time:</b> %s", env.Timestamp.UTC().Format(timeLayout)),
	}

	if src := env.Meta(domain.MetaDefangedURL); src != "" {
		lines = append(lines, fmt.Sprintf("<b>Source:</b> %s", esc(src)))
	}
	if env.HasMedia {
		lines = append(lines, fmt.Sprintf("<b>Content:</b> %s", esc(string(env.MediaKind))))
	}
	if len(in.Matched) > 0 {
		quoted := make([]string, len(in.Matched))
		for i, kw := range in.Matched {
			quoted[i] = "<code>" + esc(kw) + "</code>"
		}
		lines = append(lines, fmt.Sprintf("<b>Matched:</b> %s", strings.Join(quoted, ", ")))
	}
	if env.Reply != nil {
		lines = append(lines, htmlReply(env.Reply))
	}
	if env.Text != "" {
		lines = append(lines, fmt.Sprintf("<b>Message:</b>\n%s", esc(env.Text)))
	}
	if env.OCRText != "" {
		lines = append(lines, fmt.Sprintf("<b>OCR:</b>\n<blockquote>%s</blockquote>", esc(env.OCRText)))
	}
	if in.MediaFiltered {
		lines = append(lines, "<i>[Media attachment filtered due to restricted mode]</i>")
	}

	return strings.Join(lines, "\n")
}

func htmlReply(rc *domain.ReplyContext) string {
	esc := html.EscapeString
	parts := []string{
		fmt.Sprintf("<b>  Replying to:</b> %s (%s)", esc(rc.Author), rc.Time.UTC().Format(timeLayout)),
	}
	if rc.HasMedia {
		parts = append(parts, fmt.Sprintf("<b>  Original content:</b> %s", esc(string(rc.MediaKind))))
	}
	switch {
	case rc.Text != "":
		parts = append(parts, fmt.Sprintf("<b>  Original message:</b> %s", esc(rc.Text)))
	case rc.HasMedia:
		parts = append(parts, "<b>  Original message:</b> [Attachment only, no caption]")
	}
	return strings.Join(parts, "\n")
}
