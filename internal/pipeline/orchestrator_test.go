package pipeline

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"watchtower/internal/config"
	"watchtower/internal/domain"
	"watchtower/internal/metrics"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeChat implements domain.ChatClient for pipeline tests: it records sends
// and materializes downloads as real temp files.
type fakeChat struct {
	dir     string
	files   []fileSend
	texts   []textSend
	content []byte
}

type fileSend struct {
	chat, path, caption string
}

type textSend struct {
	chat, text string
}

func (f *fakeChat) Run(ctx context.Context) error { <-ctx.Done(); return nil }
func (f *fakeChat) Ready() <-chan struct{} { ch := make(chan struct{}); close(ch); return ch }
func (f *fakeChat) Updates() <-chan domain.ChatMessage { return nil }
func (f *fakeChat) Resolve(ctx context.Context, ref string) (domain.ChatInfo, error) {
	return domain.ChatInfo{}, nil
}
func (f *fakeChat) Latest(ctx context.Context, chat domain.ChatInfo) (*domain.ChatMessage, error) {
	return nil, nil
}
func (f *fakeChat) After(ctx context.Context, chat domain.ChatInfo, minID int) ([]domain.ChatMessage, error) {
	return nil, nil
}
func (f *fakeChat) Dialogs(ctx context.Context) ([]domain.ChatInfo, error) { return nil, nil }

func (f *fakeChat) SendMessage(ctx context.Context, chat, text string) error {
	f.texts = append(f.texts, textSend{chat: chat, text: text})
	return nil
}

func (f *fakeChat) SendFile(ctx context.Context, chat, path, caption string) error {
	f.files = append(f.files, fileSend{chat: chat, path: path, caption: caption})
	return nil
}

func (f *fakeChat) Download(ctx context.Context, msg *domain.ChatMessage, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	name := msg.FileName
	if name == "" {
		name = "media.bin"
	}
	path := filepath.Join(dir, name)
	content := f.content
	if content == nil {
		content = []byte("media bytes")
	}
	return path, os.WriteFile(path, content, 0o644)
}

func testConfig(t *testing.T, dests ...*domain.Destination) *config.Config {
	t.Helper()
	return &config.Config{
		Destinations: dests,
		StateDir:     t.TempDir(),
	}
}

func telegramEnvelope(channelID, text string, media domain.MediaKind, filename, mime string) *domain.Envelope {
	msg := &domain.ChatMessage{
		ID:       42,
		Sender:   "@poster",
		Time:     time.Now().UTC(),
		Text:     text,
		Media:    media,
		FileName: filename,
		MimeType: mime,
	}
	return &domain.Envelope{
		Source:      domain.SourceTelegram,
		ChannelID:   channelID,
		ChannelName: channelID,
		Author:      "@poster",
		Timestamp:   msg.Time,
		Text:        text,
		HasMedia:    media != domain.MediaNone,
		MediaKind:   media,
		Original:    msg,
	}
}

func newCollector(t *testing.T) *metrics.Collector {
	return metrics.New(filepath.Join(t.TempDir(), "m.json"), testLogger())
}

func TestHandle_CaptionOverflow(t *testing.T) {
	fc := &fakeChat{}
	dest := &domain.Destination{
		Name: "tg-out", Kind: domain.DestTelegram, Endpoint: "-100999",
		Channels: []domain.Rule{{ChannelID: "@src", CheckAttachments: true}},
	}
	cfg := testConfig(t, dest)
	c := newCollector(t)
	o := New(cfg, fc, c, testLogger())

	body := strings.Repeat("intel line\n", 640) // formatted body far beyond 1024
	env := telegramEnvelope("@src", body, domain.MediaDocument, "dump.txt", "text/plain")

	ok := o.Handle(context.Background(), env)
	if !ok {
		t.Fatal("handle should report success")
	}

	if len(fc.files) != 1 {
		t.Fatalf("expected exactly one media send, got %d", len(fc.files))
	}
	if fc.files[0].caption != "" {
		t.Error("overflowing caption must be dropped from the media send")
	}
	if len(fc.texts) == 0 {
		t.Fatal("body must follow as text chunks")
	}
	for _, ts := range fc.texts {
		if len(ts.text) > 4096 || len(ts.text) == 0 {
			t.Errorf("chunk size %d out of range", len(ts.text))
		}
	}
	if c.Get(metrics.SentTelegram) != 1 {
		t.Errorf("sent_telegram = %d", c.Get(metrics.SentTelegram))
	}

	// Cleanup removed the downloaded file.
	entries, _ := os.ReadDir(cfg.AttachmentsDir())
	if len(entries) != 0 {
		t.Errorf("media file should be deleted after handling, found %d", len(entries))
	}
}

func TestHandle_KeywordFanOutSharedFeed(t *testing.T) {
	var hitsA, hitsB int
	srvA := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hitsA++
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srvA.Close()
	srvB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hitsB++
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srvB.Close()

	feedURL := "https://feeds.example/nvd.xml"
	cfg := testConfig(t,
		&domain.Destination{
			Name: "cve", Kind: domain.DestWebhook, Endpoint: srvA.URL,
			Feeds: []domain.Rule{{ChannelID: feedURL, Keywords: []string{"CVE"}}},
		},
		&domain.Destination{
			Name: "all", Kind: domain.DestWebhook, Endpoint: srvB.URL,
			Feeds: []domain.Rule{{ChannelID: feedURL}},
		},
	)
	c := newCollector(t)
	o := New(cfg, nil, c, testLogger())

	cveEnv := &domain.Envelope{
		Source: domain.SourceRSS, ChannelID: feedURL, ChannelName: "NVD",
		Author: "RSS", Timestamp: time.Now().UTC(),
		Text: "CVE-2024-0001 critical",
	}
	if !o.Handle(context.Background(), cveEnv) {
		t.Fatal("CVE entry should deliver")
	}
	if hitsA != 1 || hitsB != 1 {
		t.Fatalf("CVE entry should reach both destinations: a=%d b=%d", hitsA, hitsB)
	}

	fooEnv := &domain.Envelope{
		Source: domain.SourceRSS, ChannelID: feedURL, ChannelName: "NVD",
		Author: "RSS", Timestamp: time.Now().UTC(),
		Text: "foo item",
	}
	if !o.Handle(context.Background(), fooEnv) {
		t.Fatal("foo entry should deliver to the match-all destination")
	}
	if hitsA != 1 || hitsB != 2 {
		t.Fatalf("foo entry should reach only the empty-keyword destination: a=%d b=%d", hitsA, hitsB)
	}
}

func TestHandle_RestrictedModePreFilter(t *testing.T) {
	var payloads []string
	var sawMultipart bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
			sawMultipart = true
		}
		buf, _ := io.ReadAll(r.Body)
		payloads = append(payloads, string(buf))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := testConfig(t, &domain.Destination{
		Name: "restricted", Kind: domain.DestWebhook, Endpoint: srv.URL,
		Channels: []domain.Rule{{ChannelID: "@src", RestrictedMode: true, CheckAttachments: true}},
	})
	c := newCollector(t)
	fc := &fakeChat{}
	o := New(cfg, fc, c, testLogger())

	// Executable with a spoofed text MIME: extension check kills it.
	env := telegramEnvelope("@src", "grab this tool", domain.MediaDocument, "malware.exe", "text/csv")
	if !o.Handle(context.Background(), env) {
		t.Fatal("text should still deliver")
	}

	if sawMultipart {
		t.Error("restricted destination must not receive the file")
	}
	if len(payloads) != 1 {
		t.Fatalf("expected one text delivery, got %d", len(payloads))
	}
	if !strings.Contains(payloads[0], "filtered") {
		t.Error("formatter should note the filtered media")
	}
	if len(fc.files) != 0 {
		t.Error("no chat sends expected")
	}
}

func TestHandle_RestrictedAllowsSafeDocument(t *testing.T) {
	var sawMultipart bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
			sawMultipart = true
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := testConfig(t, &domain.Destination{
		Name: "restricted", Kind: domain.DestWebhook, Endpoint: srv.URL,
		Channels: []domain.Rule{{ChannelID: "@src", RestrictedMode: true, CheckAttachments: true}},
	})
	o := New(cfg, &fakeChat{content: []byte("a,b,c")}, newCollector(t), testLogger())

	env := telegramEnvelope("@src", "fresh leak", domain.MediaDocument, "leak.csv", "text/csv")
	if !o.Handle(context.Background(), env) {
		t.Fatal("delivery should succeed")
	}
	if !sawMultipart {
		t.Error("safe document should be forwarded to the restricted destination")
	}
}

func TestHandle_NoDestination(t *testing.T) {
	cfg := testConfig(t, &domain.Destination{
		Name: "a", Kind: domain.DestWebhook, Endpoint: "https://hooks.example/1",
		Channels: []domain.Rule{{ChannelID: "@other"}},
	})
	c := newCollector(t)
	o := New(cfg, nil, c, testLogger())

	env := telegramEnvelope("@unrelated", "hello", domain.MediaNone, "", "")
	if o.Handle(context.Background(), env) {
		t.Fatal("no destination should mean no success")
	}
	if c.Get(metrics.NoDestination) != 1 {
		t.Errorf("no_destination = %d", c.Get(metrics.NoDestination))
	}
	if c.Get(metrics.RoutedFailed) != 0 {
		t.Error("unrouted is not a failure")
	}
}

func TestHandle_FailureQueuesRetry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testConfig(t, &domain.Destination{
		Name: "down", Kind: domain.DestWebhook, Endpoint: srv.URL,
		Channels: []domain.Rule{{ChannelID: "@src"}},
	})
	c := newCollector(t)
	o := New(cfg, nil, c, testLogger())

	env := telegramEnvelope("@src", "payload", domain.MediaNone, "", "")
	if o.Handle(context.Background(), env) {
		t.Fatal("all-failed delivery should not count as success")
	}
	if c.Get(metrics.QueuedRetry) != 1 {
		t.Errorf("queued_retry = %d", c.Get(metrics.QueuedRetry))
	}
	if c.Get(metrics.RoutedFailed) != 1 {
		t.Errorf("routed_failed = %d", c.Get(metrics.RoutedFailed))
	}
	if o.Queue().Size() != 1 {
		t.Errorf("queue size = %d", o.Queue().Size())
	}
}

func TestHandle_DefangedSourceURL(t *testing.T) {
	var payload string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf, _ := io.ReadAll(r.Body)
		payload = string(buf)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := testConfig(t, &domain.Destination{
		Name: "a", Kind: domain.DestWebhook, Endpoint: srv.URL,
		Channels: []domain.Rule{{ChannelID: "@leaks"}},
	})
	o := New(cfg, nil, newCollector(t), testLogger())

	env := telegramEnvelope("@leaks", "hello", domain.MediaNone, "", "")
	o.Handle(context.Background(), env)

	if !strings.Contains(payload, `hxxps://t[.]me/leaks/42`) {
		t.Errorf("payload should carry the defanged source URL: %s", payload)
	}
}

func TestHandle_AttachmentKeywordRouting(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := testConfig(t, &domain.Destination{
		Name: "a", Kind: domain.DestWebhook, Endpoint: srv.URL,
		Channels: []domain.Rule{{ChannelID: "@src", Keywords: []string{"password"}, CheckAttachments: true}},
	})
	fc := &fakeChat{content: []byte("login,password\nroot,hunter2")}
	o := New(cfg, fc, newCollector(t), testLogger())

	// Keyword appears only inside the attachment.
	env := telegramEnvelope("@src", "combo drop", domain.MediaDocument, "combo.csv", "text/csv")
	if !o.Handle(context.Background(), env) {
		t.Fatal("attachment keyword should route the message")
	}
	if hits == 0 {
		t.Error("no delivery happened")
	}
}
