package call

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	// defaultRatePerMinute is the process-wide LLM call floor.
	defaultRatePerMinute = 60

	// retryAttempts is the per-provider retry count shared by all adapters.
	retryAttempts = 3

	// retryBaseBackoff doubles per attempt, capped at retryMaxBackoff.
	retryBaseBackoff = 100 * time.Millisecond
	retryMaxBackoff  = 2 * time.Second
)

// RateLimiter is a fixed-window per-minute limiter. Excess calls wait for
// the next minute boundary. Safe for concurrent use.
type RateLimiter struct {
	mu          sync.Mutex
	limit       int
	windowStart time.Time
	count       int

	now func() time.Time
}

// NewRateLimiter returns a limiter allowing perMinute calls per wall-clock
// minute; perMinute <= 0 takes the default.
func NewRateLimiter(perMinute int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = defaultRatePerMinute
	}
	return &RateLimiter{limit: perMinute, now: time.Now}
}

// TryAcquire consumes one slot if the current window has capacity.
func (l *RateLimiter) TryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollWindowLocked()
	if l.count >= l.limit {
		return false
	}
	l.count++
	return true
}

// Wait blocks until a slot is available or ctx is cancelled.
func (l *RateLimiter) Wait(ctx context.Context) error {
	for {
		l.mu.Lock()
		l.rollWindowLocked()
		if l.count < l.limit {
			l.count++
			l.mu.Unlock()
			return nil
		}
		next := l.windowStart.Add(time.Minute)
		wait := next.Sub(l.now())
		l.mu.Unlock()

		if wait < 10*time.Millisecond {
			wait = 10 * time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *RateLimiter) rollWindowLocked() {
	window := l.now().Truncate(time.Minute)
	if !window.Equal(l.windowStart) {
		l.windowStart = window
		l.count = 0
	}
}

// withRetries runs op up to retryAttempts times with exponential backoff.
// Exhaustion wraps the last error as an upstream failure of the given stage.
func withRetries(ctx context.Context, log *slog.Logger, stage Stage, op func() error) error {
	var lastErr error
	backoff := retryBaseBackoff
	for attempt := 1; attempt <= retryAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if attempt == retryAttempts {
			break
		}
		log.Warn("provider call failed, retrying",
			"stage", string(stage), "attempt", attempt, "backoff_ms", backoff.Milliseconds(), "err", lastErr)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
		if backoff > retryMaxBackoff {
			backoff = retryMaxBackoff
		}
	}
	return NewUpstreamError(stage, lastErr)
}
