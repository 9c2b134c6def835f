package resilience

import (
	"context"
	"sync"
	"time"
)

// TokenBucket is a refill-on-acquire rate limiter. A rate <= 0 disables the
// limiter entirely.
type TokenBucket struct {
	mu         sync.Mutex
	rate       float64 // tokens per second
	capacity   float64
	tokens     float64
	lastRefill time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewTokenBucket creates a bucket that refills at rate tokens/second up to
// capacity. The bucket starts full.
func NewTokenBucket(rate, capacity float64) *TokenBucket {
	tb := &TokenBucket{
		rate:     rate,
		capacity: capacity,
		tokens:   capacity,
		now:      time.Now,
		sleep:    sleepCtx,
	}
	tb.lastRefill = tb.now()
	return tb
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Acquire blocks until n tokens are available and returns the time waited.
// When the bucket has a deficit, the wait is the minimum time needed to
// accumulate it at the configured rate.
func (tb *TokenBucket) Acquire(ctx context.Context, n float64) (time.Duration, error) {
	if tb.rate <= 0 {
		return 0, nil
	}
	wait := tb.reserve(n)
	if wait <= 0 {
		return 0, nil
	}
	if err := tb.sleep(ctx, wait); err != nil {
		return 0, err
	}
	return wait, nil
}

// reserve consumes n tokens, going negative when the bucket is short, and
// returns the wait needed to cover the deficit.
func (tb *TokenBucket) reserve(n float64) time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed > 0 {
		tb.tokens += elapsed * tb.rate
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}

	// The balance goes negative on a deficit so that tokens refilled while a
	// waiter sleeps are already owed to it and cannot be handed out again.
	tb.tokens -= n
	if tb.tokens >= 0 {
		return 0
	}
	return time.Duration(-tb.tokens / tb.rate * float64(time.Second))
}

// Tokens reports the currently available tokens without refilling. For tests.
func (tb *TokenBucket) Tokens() float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.tokens
}

// WithClock overrides the time source and sleeper. For tests.
func (tb *TokenBucket) WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) *TokenBucket {
	tb.now = now
	tb.sleep = sleep
	tb.lastRefill = now()
	return tb
}
