package send

import (
	"context"
	"errors"
	"log/slog"

	"watchtower/internal/domain"
	"watchtower/internal/textutil"
)

const (
	telegramBodyMax    = 4096
	telegramCaptionMax = 1024
)

// Telegram delivers formatted payloads to telegram chats through the chat
// binding. Bodies longer than the caption limit are never truncated: the
// media goes out captionless and the full body follows as ordered text
// chunks.
type Telegram struct {
	client  domain.ChatClient
	limiter *RateLimiter
	logger  *slog.Logger
}

func NewTelegram(client domain.ChatClient, limiter *RateLimiter, logger *slog.Logger) *Telegram {
	return &Telegram{client: client, limiter: limiter, logger: logger}
}

// Send delivers body (and optional media) to chat.
func (t *Telegram) Send(ctx context.Context, chat, body, mediaPath string) domain.SendResult {
	key := string(domain.DestTelegram) + ":" + chat
	t.limiter.Reserve(ctx, key)

	if mediaPath == "" {
		return t.finish(key, t.sendChunks(ctx, chat, body))
	}

	if len(body) <= telegramCaptionMax {
		return t.finish(key, t.client.SendFile(ctx, chat, mediaPath, body))
	}

	// Caption overflow: captionless media first, then the full body.
	if err := t.client.SendFile(ctx, chat, mediaPath, ""); err != nil {
		return t.finish(key, err)
	}
	return t.finish(key, t.sendChunks(ctx, chat, body))
}

func (t *Telegram) sendChunks(ctx context.Context, chat, body string) error {
	for _, chunk := range textutil.Chunk(body, telegramBodyMax) {
		if err := t.client.SendMessage(ctx, chat, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (t *Telegram) finish(key string, err error) domain.SendResult {
	if err == nil {
		return domain.SendResult{Outcome: domain.SendOK}
	}

	var flood *domain.FloodWaitError
	if errors.As(err, &flood) {
		t.limiter.Register(key, flood.Duration)
		return domain.SendResult{Outcome: domain.SendRateLimited, RetryAfter: flood.Duration}
	}
	t.logger.Error("telegram send failed", "err", err)
	return domain.SendResult{Outcome: domain.SendFailed}
}
