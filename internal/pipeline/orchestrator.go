// Package pipeline wires sources to destinations: per-envelope
// preprocessing, routing, per-destination parse/format/send, retry handoff,
// and the media file lifecycle. The orchestrator owns every piece of shared
// state (rate limits, retry queue, metrics), so nothing here is a global.
package pipeline

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"watchtower/internal/attach"
	"watchtower/internal/config"
	"watchtower/internal/domain"
	"watchtower/internal/format"
	"watchtower/internal/metrics"
	"watchtower/internal/ocr"
	"watchtower/internal/route"
	"watchtower/internal/send"
	"watchtower/internal/textutil"
)

// Orchestrator coordinates the pipeline for every envelope.
type Orchestrator struct {
	cfg       *config.Config
	router    *route.Router
	collector *metrics.Collector
	queue     *send.RetryQueue
	webhook   *send.Webhook
	slack     *send.Slack
	telegram  *send.Telegram
	ocr       *ocr.Adapter
	client    domain.ChatClient
	logger    *slog.Logger
}

// New wires the orchestrator. client may be nil when the chat source is
// disabled; telegram destinations then fail their sends and retries like any
// other delivery error.
func New(cfg *config.Config, client domain.ChatClient, collector *metrics.Collector, logger *slog.Logger) *Orchestrator {
	limiter := send.NewRateLimiter(logger)

	o := &Orchestrator{
		cfg:       cfg,
		router:    route.New(cfg.Destinations, logger),
		collector: collector,
		webhook:   send.NewWebhook(limiter, logger),
		slack:     send.NewSlack(limiter, logger),
		ocr:       ocr.New(logger),
		client:    client,
		logger:    logger,
	}
	if client != nil {
		o.telegram = send.NewTelegram(client, limiter, logger)
	}
	o.queue = send.NewRetryQueue(o, collector, logger)
	return o
}

// Router exposes routing policy queries to the sources.
func (o *Orchestrator) Router() *route.Router { return o.router }

// Queue exposes the retry queue loop for the runner.
func (o *Orchestrator) Queue() *send.RetryQueue { return o.queue }

// PurgeAttachments clears stragglers left by a previous crash and recreates
// the directory.
func (o *Orchestrator) PurgeAttachments() {
	dir := o.cfg.AttachmentsDir()
	entries, err := os.ReadDir(dir)
	if err == nil {
		for _, e := range entries {
			if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
				o.logger.Warn("stale attachment removal failed", "file", e.Name(), "err", err)
			}
		}
		if len(entries) > 0 {
			o.logger.Info("purged stale attachments", "count", len(entries))
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		o.logger.Error("cannot create attachments dir", "dir", dir, "err", err)
	}
}

// Handle runs one envelope through the pipeline and reports whether at least
// one destination accepted it. It never propagates an error: partial
// failures are logged, counted, and survived.
func (o *Orchestrator) Handle(ctx context.Context, env *domain.Envelope) bool {
	switch env.Source {
	case domain.SourceTelegram:
		o.collector.Inc(metrics.ReceivedTelegram)
	case domain.SourceRSS:
		o.collector.Inc(metrics.ReceivedRSS)
	}

	o.preprocess(ctx, env)
	defer o.cleanup(env)

	matches := o.router.Destinations(env, func() string { return o.attachmentText(ctx, env) })
	if len(matches) == 0 {
		o.collector.Inc(metrics.NoDestination)
		return false
	}

	// Restricted destinations only ever receive documents whose name and
	// MIME type are both on the safe list; images and everything else are
	// dropped for them unconditionally.
	restrictedSafe := false
	if env.HasMedia && env.MediaKind == domain.MediaDocument && env.Original != nil {
		restrictedSafe = attach.IsSafe(env.Original.FileName, env.Original.MimeType)
	}

	// Download once if any selected destination receives the file.
	for _, m := range matches {
		if env.HasMedia && (!m.Rule.RestrictedMode || restrictedSafe) {
			o.ensureMedia(ctx, env)
			break
		}
	}

	delivered := 0
	for _, m := range matches {
		includeMedia := env.HasMedia && env.MediaPath != "" &&
			(!m.Rule.RestrictedMode || restrictedSafe)

		parsed := route.ApplyParser(env, m.Rule.Parser)
		payload := format.ForKind(m.Dest.Kind).Format(format.Input{
			Env:           parsed,
			Matched:       m.Matched,
			MediaFiltered: env.HasMedia && m.Rule.RestrictedMode && !restrictedSafe,
		})

		mediaPath := ""
		if includeMedia {
			mediaPath = env.MediaPath
		}

		res := o.Deliver(ctx, m.Dest, payload, mediaPath)
		if res.OK() {
			delivered++
			o.countSent(m.Dest.Kind)
			o.logger.Info("message delivered",
				"channel", env.ChannelName, "destination", m.Dest.Name)
			continue
		}

		o.queue.Enqueue(m.Dest, payload, mediaPath, res.Outcome.String())
		o.collector.Inc(metrics.QueuedRetry)
	}

	if delivered > 0 {
		o.collector.Inc(metrics.RoutedSuccess)
		return true
	}
	o.collector.Inc(metrics.RoutedFailed)
	return false
}

// Deliver dispatches one payload to a destination by kind. Also the retry
// queue's dispatcher.
func (o *Orchestrator) Deliver(ctx context.Context, dest *domain.Destination, payload, mediaPath string) domain.SendResult {
	switch dest.Kind {
	case domain.DestWebhook:
		return o.webhook.Send(ctx, dest.Endpoint, payload, mediaPath)
	case domain.DestSlack:
		return o.slack.Send(ctx, dest.Endpoint, payload, mediaPath)
	case domain.DestTelegram:
		if o.telegram == nil {
			o.logger.Error("telegram destination with no chat client", "destination", dest.Name)
			return domain.SendResult{Outcome: domain.SendFailed}
		}
		return o.telegram.Send(ctx, dest.Endpoint, payload, mediaPath)
	default:
		o.logger.Error("unknown destination kind", "kind", dest.Kind)
		return domain.SendResult{Outcome: domain.SendFailed}
	}
}

func (o *Orchestrator) countSent(kind domain.DestKind) {
	switch kind {
	case domain.DestWebhook:
		o.collector.Inc(metrics.SentDiscord)
	case domain.DestSlack:
		o.collector.Inc(metrics.SentSlack)
	case domain.DestTelegram:
		o.collector.Inc(metrics.SentTelegram)
	}
}

// preprocess fills the envelope's derived fields: the defanged source URL
// and, when some destination wants it, OCR text. Failures leave the envelope
// partially enriched and never block routing.
func (o *Orchestrator) preprocess(ctx context.Context, env *domain.Envelope) {
	if env.Source != domain.SourceTelegram || env.Original == nil {
		return
	}

	url := textutil.MessageURL(env.ChannelID, env.Original.ID)
	env.SetMeta(domain.MetaDefangedURL, textutil.Defang(url))

	if env.HasMedia && env.MediaKind == domain.MediaPhoto && o.router.NeedsOCR(env.ChannelID) {
		o.ensureMedia(ctx, env)
		if env.MediaPath == "" || !o.ocr.Available() {
			return
		}
		if text := o.ocr.Extract(env.MediaPath); text != "" {
			env.OCRText = text
			o.collector.Inc(metrics.OCRProcessed)
		}
	}
}

// attachmentText downloads the envelope's media if needed and reads it for
// keyword search. Called lazily (and at most once) by the router.
func (o *Orchestrator) attachmentText(ctx context.Context, env *domain.Envelope) string {
	if !env.HasMedia || env.MediaKind != domain.MediaDocument || env.Original == nil {
		return ""
	}
	if !attach.IsSafe(env.Original.FileName, env.Original.MimeType) {
		return ""
	}
	o.ensureMedia(ctx, env)
	if env.MediaPath == "" {
		return ""
	}
	text, ok := attach.ReadText(env.MediaPath, env.Original.FileName, env.Original.MimeType, o.logger)
	if !ok {
		return ""
	}
	return text
}

// ensureMedia downloads the envelope's media exactly once. The path is owned
// by Handle's cleanup; senders only read it.
func (o *Orchestrator) ensureMedia(ctx context.Context, env *domain.Envelope) {
	if env.MediaPath != "" || !env.HasMedia || env.Original == nil || o.client == nil {
		return
	}
	path, err := o.client.Download(ctx, env.Original, o.cfg.AttachmentsDir())
	if err != nil {
		o.logger.Warn("media download failed",
			"channel", env.ChannelName, "tg_id", env.Original.ID, "err", err)
		return
	}
	env.MediaPath = path
}

// cleanup removes the downloaded media file after every destination has been
// handled. Errors are logged and swallowed.
func (o *Orchestrator) cleanup(env *domain.Envelope) {
	if env.MediaPath == "" {
		return
	}
	if err := os.Remove(env.MediaPath); err != nil && !os.IsNotExist(err) {
		o.logger.Warn("media cleanup failed", "path", env.MediaPath, "err", err)
	}
	env.MediaPath = ""
}
