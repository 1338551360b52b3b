package send

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"watchtower/internal/domain"
	"watchtower/internal/textutil"
)

const (
	webhookMaxLen   = 2000
	webhookUsername = "Watchtower"

	// Fallback cooldown when a 429 body cannot be parsed.
	webhookRetryFallback = time.Second
)

// Webhook delivers formatted payloads to Discord-style webhook endpoints.
// Long bodies are chunked; media is attached to the first chunk only.
type Webhook struct {
	client  *http.Client
	limiter *RateLimiter
	logger  *slog.Logger
}

func NewWebhook(limiter *RateLimiter, logger *slog.Logger) *Webhook {
	return &Webhook{
		client:  &http.Client{Timeout: 15 * time.Second},
		limiter: limiter,
		logger:  logger,
	}
}

// Send posts body (and optional media) to the endpoint. Chunk delivery is
// strictly ordered; the first failing chunk aborts the rest.
func (w *Webhook) Send(ctx context.Context, endpoint, body, mediaPath string) domain.SendResult {
	key := string(domain.DestWebhook) + ":" + endpoint
	w.limiter.Reserve(ctx, key)

	chunks := textutil.Chunk(body, webhookMaxLen)
	start := 0

	if mediaPath != "" {
		if _, err := os.Stat(mediaPath); err == nil {
			if res := w.postMultipart(ctx, endpoint, chunks[0], mediaPath); !res.OK() {
				w.noteRateLimit(key, res)
				return res
			}
			start = 1
		} else {
			w.logger.Warn("attachment vanished before send", "path", mediaPath, "err", err)
		}
	}

	for i, chunk := range chunks[start:] {
		if res := w.postJSON(ctx, endpoint, chunk); !res.OK() {
			w.logger.Error("webhook chunk failed",
				"chunk", start+i+1, "total", len(chunks), "outcome", res.Outcome)
			w.noteRateLimit(key, res)
			return res
		}
	}
	return domain.SendResult{Outcome: domain.SendOK}
}

func (w *Webhook) noteRateLimit(key string, res domain.SendResult) {
	if res.Outcome == domain.SendRateLimited {
		w.limiter.Register(key, res.RetryAfter)
	}
}

func (w *Webhook) postJSON(ctx context.Context, endpoint, content string) domain.SendResult {
	payload, err := json.Marshal(map[string]string{
		"username": webhookUsername,
		"content":  content,
	})
	if err != nil {
		return domain.SendResult{Outcome: domain.SendFailed}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return domain.SendResult{Outcome: domain.SendFailed}
	}
	req.Header.Set("Content-Type", "application/json")

	return w.do(req)
}

func (w *Webhook) postMultipart(ctx context.Context, endpoint, content, mediaPath string) domain.SendResult {
	f, err := os.Open(mediaPath)
	if err != nil {
		w.logger.Error("attachment open failed", "path", mediaPath, "err", err)
		return domain.SendResult{Outcome: domain.SendFailed}
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("username", webhookUsername); err != nil {
		return domain.SendResult{Outcome: domain.SendFailed}
	}
	if err := mw.WriteField("content", content); err != nil {
		return domain.SendResult{Outcome: domain.SendFailed}
	}
	fw, err := mw.CreateFormFile("file", filepath.Base(mediaPath))
	if err != nil {
		return domain.SendResult{Outcome: domain.SendFailed}
	}
	if _, err := io.Copy(fw, f); err != nil {
		return domain.SendResult{Outcome: domain.SendFailed}
	}
	if err := mw.Close(); err != nil {
		return domain.SendResult{Outcome: domain.SendFailed}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &buf)
	if err != nil {
		return domain.SendResult{Outcome: domain.SendFailed}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	return w.do(req)
}

func (w *Webhook) do(req *http.Request) domain.SendResult {
	resp, err := w.client.Do(req)
	if err != nil {
		w.logger.Error("webhook request failed", "err", err)
		return domain.SendResult{Outcome: domain.SendFailed}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return domain.SendResult{
			Outcome:    domain.SendRateLimited,
			RetryAfter: parseRetryAfter(resp.Body),
		}
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return domain.SendResult{Outcome: domain.SendOK}
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		w.logger.Error("webhook returned error status",
			"status", resp.StatusCode, "body", string(body))
		return domain.SendResult{Outcome: domain.SendFailed}
	}
}

// parseRetryAfter reads a Discord 429 body ({"retry_after": seconds}) and
// falls back to one second when the body is unparseable.
func parseRetryAfter(r io.Reader) time.Duration {
	var body struct {
		RetryAfter float64 `json:"retry_after"`
	}
	if err := json.NewDecoder(io.LimitReader(r, 4096)).Decode(&body); err != nil || body.RetryAfter <= 0 {
		return webhookRetryFallback
	}
	return time.Duration(body.RetryAfter * float64(time.Second))
}
