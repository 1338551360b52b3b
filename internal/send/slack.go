package send

import (
	"context"
	"errors"
	"log/slog"

	"github.com/slack-go/slack"

	"watchtower/internal/domain"
	"watchtower/internal/textutil"
)

const slackMaxLen = 3000

// Slack delivers formatted payloads to Slack incoming webhooks. Slack
// webhooks carry no file attachments; when media would have been sent, a note
// is appended instead.
type Slack struct {
	limiter *RateLimiter
	logger  *slog.Logger
}

func NewSlack(limiter *RateLimiter, logger *slog.Logger) *Slack {
	return &Slack{limiter: limiter, logger: logger}
}

// Send posts body to the webhook in ordered chunks.
func (s *Slack) Send(ctx context.Context, endpoint, body, mediaPath string) domain.SendResult {
	key := string(domain.DestSlack) + ":" + endpoint
	s.limiter.Reserve(ctx, key)

	if mediaPath != "" {
		body += "\n\n*[attachments not supported by webhook]*"
	}

	for _, chunk := range textutil.Chunk(body, slackMaxLen) {
		err := slack.PostWebhookContext(ctx, endpoint, &slack.WebhookMessage{
			Username: webhookUsername,
			Text:     chunk,
		})
		if err == nil {
			continue
		}

		var rle *slack.RateLimitedError
		if errors.As(err, &rle) {
			s.limiter.Register(key, rle.RetryAfter)
			return domain.SendResult{Outcome: domain.SendRateLimited, RetryAfter: rle.RetryAfter}
		}
		s.logger.Error("slack webhook failed", "err", err)
		return domain.SendResult{Outcome: domain.SendFailed}
	}
	return domain.SendResult{Outcome: domain.SendOK}
}
