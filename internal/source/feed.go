package source

import (
	"context"
	"html"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/mmcdole/gofeed"

	"watchtower/internal/domain"
)

const (
	feedPollInterval = 5 * time.Minute
	maxEntryAge      = 48 * time.Hour
	maxSummaryLen    = 1000
)

// Handler processes one envelope through the pipeline and reports whether at
// least one destination accepted it.
type Handler func(ctx context.Context, env *domain.Envelope) bool

// Feed is one unique feed to poll.
type Feed struct {
	URL  string
	Name string
}

// FeedSource polls syndication feeds and emits envelopes for new entries.
// One polling loop runs per unique URL regardless of how many destinations
// subscribe; the router fans matching entries out.
type FeedSource struct {
	feeds    []Feed
	logDir   string
	interval time.Duration
	handler  Handler
	logger   *slog.Logger

	// fetch is swappable for tests; defaults to gofeed over HTTP.
	fetch func(ctx context.Context, url string) (*gofeed.Feed, error)

	stripper *bluemonday.Policy
}

func NewFeedSource(feeds []Feed, logDir string, handler Handler, logger *slog.Logger) *FeedSource {
	parser := gofeed.NewParser()
	return &FeedSource{
		feeds:    feeds,
		logDir:   logDir,
		interval: feedPollInterval,
		handler:  handler,
		logger:   logger,
		fetch: func(ctx context.Context, url string) (*gofeed.Feed, error) {
			return parser.ParseURLWithContext(url, ctx)
		},
		stripper: bluemonday.StrictPolicy(),
	}
}

// Run polls every feed until ctx is cancelled.
func (f *FeedSource) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, feed := range f.feeds {
		wg.Add(1)
		go func(feed Feed) {
			defer wg.Done()
			f.runFeed(ctx, feed)
		}(feed)
	}
	wg.Wait()
}

func (f *FeedSource) runFeed(ctx context.Context, feed Feed) {
	lastSeen, ok := loadFeedCursor(f.logDir, feed.Name)
	firstRun := !ok

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		lastSeen = f.pollOnce(ctx, feed, lastSeen, firstRun)
		firstRun = false

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// pollOnce fetches the feed, emits entries that pass the age and cursor
// gates in ascending timestamp order, and returns the advanced cursor. On
// the first run for a feed the cursor is anchored at now and nothing is
// emitted, so a newly added feed cannot flood its destinations.
func (f *FeedSource) pollOnce(ctx context.Context, feed Feed, lastSeen time.Time, firstRun bool) time.Time {
	if firstRun {
		now := time.Now().UTC()
		if err := saveFeedCursor(f.logDir, feed.Name, now); err != nil {
			f.logger.Warn("feed cursor init failed", "feed", feed.Name, "err", err)
		}
		f.logger.Info("feed initialized", "feed", feed.Name)
		return now
	}

	parsed, err := f.fetch(ctx, feed.URL)
	if err != nil {
		f.logger.Warn("feed fetch failed", "feed", feed.Name, "err", err)
		return lastSeen
	}

	cutoff := time.Now().Add(-maxEntryAge)

	type dated struct {
		item *gofeed.Item
		ts   time.Time
	}
	var fresh []dated
	tooOld := 0
	for _, item := range parsed.Items {
		ts := entryTime(item)
		if ts == nil {
			continue
		}
		if ts.Before(cutoff) {
			tooOld++
			continue
		}
		if !ts.After(lastSeen) {
			continue
		}
		fresh = append(fresh, dated{item: item, ts: *ts})
	}
	sort.Slice(fresh, func(i, j int) bool { return fresh[i].ts.Before(fresh[j].ts) })

	routed := 0
	newest := lastSeen
	for _, d := range fresh {
		env := f.envelope(feed, d.item, d.ts)
		if f.handler(ctx, env) {
			routed++
		}
		if d.ts.After(newest) {
			newest = d.ts
		}
	}

	if newest.After(lastSeen) {
		if err := saveFeedCursor(f.logDir, feed.Name, newest); err != nil {
			f.logger.Warn("feed cursor save failed", "feed", feed.Name, "err", err)
		}
	}

	if tooOld > 0 {
		f.logger.Info("feed polled", "feed", feed.Name, "new", len(fresh), "routed", routed, "too_old", tooOld)
	} else {
		f.logger.Info("feed polled", "feed", feed.Name, "new", len(fresh), "routed", routed)
	}
	return newest
}

// entryTime prefers the entry's update time over its publication time.
func entryTime(item *gofeed.Item) *time.Time {
	if item.UpdatedParsed != nil {
		return item.UpdatedParsed
	}
	return item.PublishedParsed
}

func (f *FeedSource) envelope(feed Feed, item *gofeed.Item, ts time.Time) *domain.Envelope {
	title := f.stripHTML(item.Title)
	summary := f.stripHTML(item.Description)
	if runes := []rune(summary); len(runes) > maxSummaryLen {
		summary = string(runes[:maxSummaryLen]) + " ..."
	}

	var parts []string
	for _, s := range []string{title, item.Link, summary} {
		if s != "" {
			parts = append(parts, s)
		}
	}

	return &domain.Envelope{
		Source:      domain.SourceRSS,
		ChannelID:   feed.URL,
		ChannelName: feed.Name,
		Author:      "RSS",
		Timestamp:   ts.UTC(),
		Text:        strings.Join(parts, "\n"),
	}
}

var wsRun = regexp.MustCompile(`[ \t]+`)

// stripHTML removes every tag and decodes entities, leaving plain text.
func (f *FeedSource) stripHTML(s string) string {
	s = f.stripper.Sanitize(s)
	s = html.UnescapeString(s)
	return strings.TrimSpace(wsRun.ReplaceAllString(s, " "))
}
