package format

import (
	"strings"
	"testing"
	"time"

	"watchtower/internal/domain"
)

func sampleEnvelope() *domain.Envelope {
	env := &domain.Envelope{
		Source:      domain.SourceTelegram,
		ChannelID:   "@leaks",
		ChannelName: "@leaks",
		Author:      "@poster",
		Timestamp:   time.Date(2025, 3, 14, 15, 9, 26, 0, time.UTC),
		Text:        "fresh dump available",
		HasMedia:    true,
		MediaKind:   domain.MediaDocument,
	}
	env.SetMeta(domain.MetaDefangedURL, "hxxps://t[.]me/leaks/42")
	return env
}

func TestMarkdown_AllFields(t *testing.T) {
	env := sampleEnvelope()
	env.OCRText = "text in image"
	env.Reply = &domain.ReplyContext{
		Author:   "@original",
		Time:     time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC),
		Text:     "earlier post",
		HasMedia: true, MediaKind: domain.MediaPhoto,
	}

	out := Markdown{}.Format(Input{Env: env, Matched: []string{"dump"}})

	for _, want := range []string{
		"**New message from:** @leaks",
		"**By:** @poster",
		"**Time:** 2025-03-14 15:09:26 UTC",
		"**Source:** hxxps://t[.]me/leaks/42",
		"**Content:** Document",
		"**Matched:** `dump`",
		"**  Replying to:** @original",
		"**  Original content:** Photo",
		"**  Original message:** earlier post",
		"**Message:**\nfresh dump available",
		"**OCR:**\n> text in image",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
}

func TestMarkdown_MediaFilteredNote(t *testing.T) {
	out := Markdown{}.Format(Input{Env: sampleEnvelope(), MediaFiltered: true})
	if !strings.Contains(out, "*[Media attachment filtered due to restricted mode]*") {
		t.Error("filtered note missing")
	}
}

func TestMarkdown_NoNoteWithoutMedia(t *testing.T) {
	env := sampleEnvelope()
	env.HasMedia = false
	env.MediaKind = domain.MediaNone
	out := Markdown{}.Format(Input{Env: env})
	if strings.Contains(out, "filtered") {
		t.Error("text-only envelope must not carry a filter note")
	}
	if strings.Contains(out, "**Content:**") {
		t.Error("no media line without media")
	}
}

func TestMarkdown_MultilineOCRQuoted(t *testing.T) {
	env := sampleEnvelope()
	env.OCRText = "line1\nline2"
	out := Markdown{}.Format(Input{Env: env})
	if !strings.Contains(out, "> line1\n> line2") {
		t.Errorf("every OCR line should be quoted:\n%s", out)
	}
}

func TestHTML_EscapesUserText(t *testing.T) {
	env := sampleEnvelope()
	env.Text = `<script>alert("x")</script> & more`
	env.ChannelName = "<b>chan</b>"

	out := HTML{}.Format(Input{Env: env, Matched: []string{"<kw>"}})

	if strings.Contains(out, "<script>") {
		t.Error("script tag must be escaped")
	}
	if !strings.Contains(out, "&lt;script&gt;") {
		t.Error("escaped text missing")
	}
	if !strings.Contains(out, "&lt;b&gt;chan&lt;/b&gt;") {
		t.Error("channel name must be escaped")
	}
	if !strings.Contains(out, "<code>&lt;kw&gt;</code>") {
		t.Error("keywords must be escaped inside code tags")
	}
}

func TestHTML_StructureTags(t *testing.T) {
	env := sampleEnvelope()
	env.OCRText = "ocr text"
	out := HTML{}.Format(Input{Env: env})

	for _, want := range []string{
		"<b>New message from:</b>",
		"<b>Message:</b>",
		"<blockquote>ocr text</blockquote>",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
}

func TestForKind(t *testing.T) {
	if _, ok := ForKind(domain.DestTelegram).(HTML); !ok {
		t.Error("telegram should format as HTML")
	}
	if _, ok := ForKind(domain.DestWebhook).(Markdown); !ok {
		t.Error("webhook should format as markdown")
	}
	if _, ok := ForKind(domain.DestSlack).(Markdown); !ok {
		t.Error("slack should format as markdown")
	}
}
