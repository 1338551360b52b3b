package source

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"watchtower/internal/domain"
	"watchtower/internal/metrics"
)

const (
	chatPollInterval = 5 * time.Minute
	replyTextLimit   = 200
)

// monitoredChannel is one configured telegram channel with its resolved
// entity and cursor. The cursor mutex serializes cursor reads and writes from
// the event path and the gap-recovery poller, so the cursor file has one
// writer at a time.
type monitoredChannel struct {
	ref  string // configured reference (@handle or numeric id)
	info domain.ChatInfo

	mu     sync.Mutex
	cursor int
}

// ChatSource subscribes to telegram channels, translates events into
// envelopes, and periodically polls each channel for messages missed by the
// subscription (ids greater than the last-seen cursor).
type ChatSource struct {
	client    domain.ChatClient
	refs      []string
	logDir    string
	interval  time.Duration
	handler   Handler
	collector *metrics.Collector
	logger    *slog.Logger

	channels map[int64]*monitoredChannel
}

func NewChatSource(client domain.ChatClient, refs []string, logDir string, handler Handler, collector *metrics.Collector, logger *slog.Logger) *ChatSource {
	return &ChatSource{
		client:    client,
		refs:      refs,
		logDir:    logDir,
		interval:  chatPollInterval,
		handler:   handler,
		collector: collector,
		logger:    logger,
		channels:  make(map[int64]*monitoredChannel),
	}
}

// Run resolves the configured channels, proves connectivity, and processes
// events and gap-recovery polls until ctx is cancelled. Cursor files are
// removed on the way out so the next run re-anchors at the then-latest
// message instead of backfilling a long outage.
func (s *ChatSource) Run(ctx context.Context) error {
	for _, ref := range s.refs {
		info, err := s.client.Resolve(ctx, ref)
		if err != nil {
			s.logger.Warn("channel resolution failed", "channel", ref, "err", err)
			continue
		}
		s.channels[info.ID] = &monitoredChannel{ref: ref, info: info}
		s.logger.Info("channel resolved", "channel", ref, "id", info.ID, "name", info.DisplayName())
	}
	s.logger.Info("channels resolved", "configured", len(s.refs), "resolved", len(s.channels))

	for _, ch := range s.channels {
		s.connectionProof(ctx, ch)
	}

	var wg sync.WaitGroup
	for _, ch := range s.channels {
		wg.Add(1)
		go func(ch *monitoredChannel) {
			defer wg.Done()
			s.pollLoop(ctx, ch)
		}(ch)
	}

	s.eventLoop(ctx)
	wg.Wait()

	if err := clearChatCursors(s.logDir); err != nil {
		s.logger.Warn("cursor cleanup failed", "err", err)
	}
	return nil
}

// connectionProof fetches the newest message of a channel, logs it, and
// anchors the cursor there.
func (s *ChatSource) connectionProof(ctx context.Context, ch *monitoredChannel) {
	latest, err := s.client.Latest(ctx, ch.info)
	if err != nil {
		s.logger.Error("connection proof failed", "channel", ch.ref, "err", err)
		return
	}
	if latest == nil {
		s.logger.Info("connection established", "channel", ch.info.DisplayName(), "empty", true)
		return
	}

	s.logger.Info("connection established",
		"channel", ch.info.DisplayName(),
		"latest_by", latest.Sender,
		"time", latest.Time.UTC().Format("2006-01-02 15:04:05 UTC"),
	)
	s.setCursor(ch, latest.ID)
}

// eventLoop drains the subscription until ctx is cancelled.
func (s *ChatSource) eventLoop(ctx context.Context) {
	updates := s.client.Updates()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-updates:
			if !ok {
				return
			}
			ch, monitored := s.channels[msg.Chat.ID]
			if !monitored {
				continue
			}
			s.logger.Info("message received",
				"tg_id", msg.ID, "channel", ch.info.DisplayName())
			s.submit(ctx, ch, &msg)
		}
	}
}

// pollLoop is the gap-recovery path: every interval it asks for messages
// newer than the cursor, so events lost by the subscription are still
// delivered, in ascending id order.
func (s *ChatSource) pollLoop(ctx context.Context, ch *monitoredChannel) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollOnce(ctx, ch)
		}
	}
}

func (s *ChatSource) pollOnce(ctx context.Context, ch *monitoredChannel) {
	ch.mu.Lock()
	cursor := ch.cursor
	ch.mu.Unlock()

	missed, err := s.client.After(ctx, ch.info, cursor)
	if err != nil {
		s.logger.Warn("gap recovery poll failed", "channel", ch.ref, "err", err)
		return
	}
	if len(missed) == 0 {
		return
	}

	s.logger.Info("gap recovery caught missed messages",
		"channel", ch.info.DisplayName(), "count", len(missed))
	for i := range missed {
		s.submit(ctx, ch, &missed[i])
		s.collector.Inc(metrics.MissedCaught)
	}
}

// submit builds an envelope, runs the pipeline handler, and advances the
// cursor. Polled and event-path messages take the identical route so
// downstream processing cannot tell them apart.
func (s *ChatSource) submit(ctx context.Context, ch *monitoredChannel, msg *domain.ChatMessage) {
	env := s.envelope(ch, msg)
	s.handler(ctx, env)
	s.setCursor(ch, msg.ID)
}

func (s *ChatSource) setCursor(ch *monitoredChannel, id int) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if id <= ch.cursor {
		return
	}
	ch.cursor = id
	if err := saveChatCursor(s.logDir, ch.ref, ch.info.DisplayName(), id); err != nil {
		s.logger.Warn("cursor write failed", "channel", ch.ref, "err", err)
	}
}

func (s *ChatSource) envelope(ch *monitoredChannel, msg *domain.ChatMessage) *domain.Envelope {
	reply := msg.Reply
	if reply != nil {
		if runes := []rune(reply.Text); len(runes) > replyTextLimit {
			trimmed := *reply
			trimmed.Text = string(runes[:replyTextLimit]) + " ..."
			reply = &trimmed
		}
	}

	name := ch.info.DisplayName()
	if name == "" {
		name = "Unresolved:" + ch.ref
	}

	return &domain.Envelope{
		Source:      domain.SourceTelegram,
		ChannelID:   ch.ref,
		ChannelName: name,
		Author:      msg.Sender,
		Timestamp:   msg.Time.UTC(),
		Text:        msg.Text,
		HasMedia:    msg.HasMedia(),
		MediaKind:   msg.Media,
		Reply:       reply,
		Original:    msg,
	}
}
