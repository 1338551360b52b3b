// Package metrics provides an in-memory session counter collector with a
// periodic JSON snapshot. Counters reset on every startup; the snapshot file
// is best-effort and never required for correctness.
package metrics

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Counter names used across the pipeline.
const (
	ReceivedTelegram  = "messages_received_telegram"
	ReceivedRSS       = "messages_received_rss"
	SentTelegram      = "messages_sent_telegram"
	SentDiscord       = "messages_sent_discord"
	SentSlack         = "messages_sent_slack"
	NoDestination     = "total_msgs_no_destination"
	RoutedSuccess     = "total_msgs_routed_success"
	RoutedFailed      = "total_msgs_routed_failed"
	MissedCaught      = "telegram_missed_messages_caught"
	QueuedRetry       = "messages_queued_retry"
	RetrySucceeded    = "messages_retry_succeeded"
	RetryFailed       = "messages_retry_failed"
	OCRProcessed      = "ocr_processed"
	SecondsRan        = "seconds_ran"
)

const saveInterval = 60 * time.Second

// Collector aggregates session counters. All methods are safe for concurrent
// use.
type Collector struct {
	path   string
	logger *slog.Logger
	start  time.Time

	mu       sync.Mutex
	counters map[string]int64
	dirty    bool
}

// New creates a collector persisting snapshots to path. Counters start fresh;
// an existing snapshot is never loaded.
func New(path string, logger *slog.Logger) *Collector {
	return &Collector{
		path:     path,
		logger:   logger,
		start:    time.Now(),
		counters: make(map[string]int64),
	}
}

// Inc increments a counter by 1.
func (c *Collector) Inc(name string) { c.Add(name, 1) }

// Add increments a counter by n.
func (c *Collector) Add(name string, n int64) {
	c.mu.Lock()
	c.counters[name] += n
	c.dirty = true
	c.mu.Unlock()
}

// Set overwrites a counter.
func (c *Collector) Set(name string, v int64) {
	c.mu.Lock()
	c.counters[name] = v
	c.dirty = true
	c.mu.Unlock()
}

// Get returns the current value of a counter (0 when never touched).
func (c *Collector) Get(name string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters[name]
}

// Snapshot returns a copy of all counters.
func (c *Collector) Snapshot() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int64, len(c.counters))
	for k, v := range c.counters {
		out[k] = v
	}
	return out
}

// Run periodically writes snapshots until ctx is cancelled, then forces a
// final save.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(saveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.ForceSave()
			return
		case <-ticker.C:
			c.maybeSave()
		}
	}
}

// ForceSave writes a snapshot regardless of the dirty flag, recording the
// session duration first. Safe to call repeatedly; used at shutdown.
func (c *Collector) ForceSave() {
	c.Set(SecondsRan, int64(time.Since(c.start).Seconds()))
	if err := c.save(); err != nil {
		c.logger.Error("metrics save failed", "path", c.path, "err", err)
	}
}

func (c *Collector) maybeSave() {
	c.mu.Lock()
	dirty := c.dirty
	c.mu.Unlock()
	if !dirty {
		return
	}
	c.Set(SecondsRan, int64(time.Since(c.start).Seconds()))
	if err := c.save(); err != nil {
		c.logger.Error("metrics save failed", "path", c.path, "err", err)
	}
}

func (c *Collector) save() error {
	c.mu.Lock()
	snapshot := make(map[string]int64, len(c.counters))
	for k, v := range c.counters {
		snapshot[k] = v
	}
	c.dirty = false
	c.mu.Unlock()

	// MarshalIndent emits map keys sorted, keeping snapshots diffable.
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0o644)
}
