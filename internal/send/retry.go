package send

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"watchtower/internal/domain"
	"watchtower/internal/metrics"
)

const (
	maxAttempts    = 3
	initialBackoff = 5 * time.Second
	retryTick      = 2 * time.Second
)

// Dispatcher routes a retry back to the kind-appropriate sender.
type Dispatcher interface {
	Deliver(ctx context.Context, dest *domain.Destination, payload, mediaPath string) domain.SendResult
}

type retryItem struct {
	dest      *domain.Destination
	payload   string
	mediaPath string
	attempt   int
	nextReady time.Time
}

// RetryQueue holds failed deliveries and retries them with bounded
// exponential backoff (5 s, 10 s, 20 s). After the third failed attempt an
// item is dropped; nothing is persisted across restarts.
type RetryQueue struct {
	dispatcher Dispatcher
	collector  *metrics.Collector
	logger     *slog.Logger

	tick    time.Duration
	backoff time.Duration
	now     func() time.Time

	mu    sync.Mutex
	items []*retryItem
}

func NewRetryQueue(dispatcher Dispatcher, collector *metrics.Collector, logger *slog.Logger) *RetryQueue {
	return &RetryQueue{
		dispatcher: dispatcher,
		collector:  collector,
		logger:     logger,
		tick:       retryTick,
		backoff:    initialBackoff,
		now:        time.Now,
	}
}

// Enqueue schedules a failed delivery for its first retry, 5 seconds out.
// Safe for concurrent producers.
func (q *RetryQueue) Enqueue(dest *domain.Destination, payload, mediaPath, reason string) {
	item := &retryItem{
		dest:      dest,
		payload:   payload,
		mediaPath: mediaPath,
		attempt:   1,
		nextReady: q.now().Add(q.backoff),
	}
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()

	q.logger.Info("enqueued message for retry",
		"destination", dest.Name, "reason", reason)
}

// Size returns the number of queued items.
func (q *RetryQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Run ticks until ctx is cancelled, retrying every due item.
func (q *RetryQueue) Run(ctx context.Context) {
	q.logger.Info("retry queue processor started", "tick", q.tick)
	ticker := time.NewTicker(q.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if n := q.Size(); n > 0 {
				q.logger.Info("dropping unsent retries at shutdown", "count", n)
			}
			return
		case <-ticker.C:
			q.processDue(ctx)
		}
	}
}

// processDue retries every item whose schedule has arrived. The queue is
// snapshotted at tick start so concurrent enqueues are safe.
func (q *RetryQueue) processDue(ctx context.Context) {
	now := q.now()

	q.mu.Lock()
	snapshot := make([]*retryItem, len(q.items))
	copy(snapshot, q.items)
	q.mu.Unlock()

	for _, item := range snapshot {
		if now.Before(item.nextReady) {
			continue
		}
		if item.attempt > maxAttempts {
			q.drop(item)
			continue
		}

		res := q.dispatcher.Deliver(ctx, item.dest, item.payload, item.mediaPath)
		if res.OK() {
			q.remove(item)
			q.collector.Inc(metrics.RetrySucceeded)
			q.logger.Info("retry succeeded",
				"destination", item.dest.Name, "attempt", item.attempt)
			continue
		}

		item.attempt++
		if item.attempt > maxAttempts {
			q.drop(item)
			continue
		}
		delay := q.backoff << (item.attempt - 1)
		item.nextReady = q.now().Add(delay)
		q.logger.Info("retry failed, rescheduled",
			"destination", item.dest.Name,
			"attempt", item.attempt, "of", maxAttempts, "next_in", delay)
	}
}

func (q *RetryQueue) drop(item *retryItem) {
	q.remove(item)
	q.collector.Inc(metrics.RetryFailed)
	q.logger.Error("message dropped after retries exhausted",
		"destination", item.dest.Name, "attempts", maxAttempts)
}

func (q *RetryQueue) remove(item *retryItem) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, it := range q.items {
		if it == item {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return
		}
	}
}
