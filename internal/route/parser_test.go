package route

import (
	"strings"
	"testing"

	"watchtower/internal/domain"
)

func TestApplyParser_PassThrough(t *testing.T) {
	env := tgEnvelope("@c", "a\nb\nc")
	out := ApplyParser(env, domain.ParserSpec{})
	if out != env {
		t.Error("zero spec should return the same envelope")
	}
}

func TestApplyParser_TrimFrontBack(t *testing.T) {
	env := tgEnvelope("@c", "ad banner\nreal content\nmore content\nfooter")
	out := ApplyParser(env, domain.ParserSpec{TrimFront: 1, TrimBack: 1})
	if out.Text != "real content\nmore content" {
		t.Errorf("got %q", out.Text)
	}
	if env.Text != "ad banner\nreal content\nmore content\nfooter" {
		t.Error("original envelope must not be mutated")
	}
}

func TestApplyParser_TrimAllYieldsPlaceholder(t *testing.T) {
	env := tgEnvelope("@c", "one\ntwo")
	out := ApplyParser(env, domain.ParserSpec{TrimFront: 5})
	if out.Text != removedPlaceholder {
		t.Errorf("got %q", out.Text)
	}
	out = ApplyParser(env, domain.ParserSpec{TrimFront: 1, TrimBack: 1})
	if out.Text != removedPlaceholder {
		t.Errorf("got %q", out.Text)
	}
}

func TestApplyParser_KeepFirst(t *testing.T) {
	env := tgEnvelope("@c", "1\n2\n3\n4\n5")
	out := ApplyParser(env, domain.ParserSpec{KeepFirst: 2})
	lines := strings.Split(out.Text, "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 2 kept + 1 trailer, got %v", lines)
	}
	if lines[0] != "1" || lines[1] != "2" {
		t.Errorf("kept lines wrong: %v", lines)
	}
	if !strings.Contains(lines[2], "3") || !strings.Contains(lines[2], "omitted") {
		t.Errorf("trailer should state 3 omitted lines: %q", lines[2])
	}
}

func TestApplyParser_KeepFirstNoTruncation(t *testing.T) {
	env := tgEnvelope("@c", "1\n2")
	out := ApplyParser(env, domain.ParserSpec{KeepFirst: 5})
	if out.Text != "1\n2" {
		t.Errorf("no trailer when nothing omitted, got %q", out.Text)
	}
}

func TestApplyParser_EmptyTextUnchanged(t *testing.T) {
	env := tgEnvelope("@c", "")
	out := ApplyParser(env, domain.ParserSpec{TrimFront: 1})
	if out.Text != "" {
		t.Errorf("empty text should pass through, got %q", out.Text)
	}
}

func TestApplyParser_PreservesIdentity(t *testing.T) {
	env := tgEnvelope("@c", "a\nb")
	env.HasMedia = true
	env.MediaKind = domain.MediaPhoto
	env.SetMeta(domain.MetaDefangedURL, "hxxps://t[.]me/c/1/2")

	out := ApplyParser(env, domain.ParserSpec{TrimFront: 1})
	if out.ChannelID != env.ChannelID || !out.HasMedia || out.MediaKind != domain.MediaPhoto {
		t.Error("non-text fields must be preserved")
	}
	if out.Meta(domain.MetaDefangedURL) == "" {
		t.Error("metadata must be preserved")
	}
}
