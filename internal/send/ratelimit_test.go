package send

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestRateLimiter_NoCooldownReturnsImmediately(t *testing.T) {
	l := NewRateLimiter(testLogger())
	start := time.Now()
	l.Reserve(context.Background(), "webhook:https://x")
	if time.Since(start) > 50*time.Millisecond {
		t.Error("reserve without cooldown should not block")
	}
}

func TestRateLimiter_BlocksUntilDeadline(t *testing.T) {
	l := NewRateLimiter(testLogger())
	l.Register("webhook:https://x", 500*time.Millisecond)

	start := time.Now()
	l.Reserve(context.Background(), "webhook:https://x")
	elapsed := time.Since(start)

	// Register rounds up to whole seconds.
	if elapsed < 900*time.Millisecond {
		t.Errorf("reserve returned after %v, want ~1s", elapsed)
	}

	// The entry is cleared after one reserve.
	start = time.Now()
	l.Reserve(context.Background(), "webhook:https://x")
	if time.Since(start) > 50*time.Millisecond {
		t.Error("second reserve should not block")
	}
}

func TestRateLimiter_KeysIndependent(t *testing.T) {
	l := NewRateLimiter(testLogger())
	l.Register("telegram:123", 2*time.Second)

	start := time.Now()
	l.Reserve(context.Background(), "webhook:123")
	if time.Since(start) > 50*time.Millisecond {
		t.Error("kind-qualified keys must be tracked independently")
	}
}

func TestRateLimiter_CancelledContext(t *testing.T) {
	l := NewRateLimiter(testLogger())
	l.Register("webhook:https://x", 5*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	l.Reserve(ctx, "webhook:https://x")
	if time.Since(start) > 100*time.Millisecond {
		t.Error("cancelled context should unblock reserve")
	}
}
