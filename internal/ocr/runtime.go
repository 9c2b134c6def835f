package ocr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/docpipe/internal/domain"
	"github.com/fairyhunter13/docpipe/internal/observability"
	"github.com/fairyhunter13/docpipe/internal/resilience"
)

const (
	defaultMaxRetries = 3
	defaultMaxSleep   = 30 * time.Second
	retryBase         = time.Second
)

// RuntimeOptions tunes the execution wrapper.
type RuntimeOptions struct {
	MaxPages   int
	MaxRetries int
	MaxSleep   time.Duration
	// TPS maps provider name to its token rate; unlisted providers run
	// unthrottled.
	TPS map[string]float64
	// BreakerRecovery is the open-state recovery timeout per breaker.
	BreakerRecovery time.Duration
}

// Runtime executes provider calls under a per-provider token bucket and
// circuit breaker, retrying throttled calls with capped backoff.
type Runtime struct {
	registry *Registry
	renderer domain.PageRenderer
	opts     RuntimeOptions
	buckets  map[string]*resilience.TokenBucket
	breakers map[string]*resilience.Breaker
	logger   *slog.Logger

	sleep func(context.Context, time.Duration) error
}

// NewRuntime builds a Runtime for the registered providers.
func NewRuntime(registry *Registry, renderer domain.PageRenderer, opts RuntimeOptions, logger *slog.Logger) *Runtime {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.MaxSleep <= 0 {
		opts.MaxSleep = defaultMaxSleep
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = 200
	}
	r := &Runtime{
		registry: registry,
		renderer: renderer,
		opts:     opts,
		buckets:  map[string]*resilience.TokenBucket{},
		breakers: map[string]*resilience.Breaker{},
		logger:   logger,
		sleep: func(ctx context.Context, d time.Duration) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
				return nil
			}
		},
	}
	for name := range registry.providers {
		rate := opts.TPS[name]
		r.buckets[name] = resilience.NewTokenBucket(rate, rate)
		r.breakers[name] = resilience.NewBreaker("ocr_"+name, 5, opts.BreakerRecovery, 2)
	}
	return r
}

// Breaker exposes a provider's breaker for health reporting.
func (r *Runtime) Breaker(provider string) *resilience.Breaker { return r.breakers[provider] }

// Extract resolves the named provider (with fallback), preflights the page
// count, and runs the call under the provider's bucket and breaker. Throttled
// calls sleep for max(retry-after, exponential backoff) capped at MaxSleep
// and retry up to MaxRetries times.
func (r *Runtime) Extract(ctx context.Context, providerName, docPath string, timeout time.Duration) ([]Cell, string, error) {
	provider, err := r.registry.Resolve(providerName)
	if err != nil {
		return nil, "", err
	}
	name := provider.Name()

	pages, err := r.renderer.PageCount(ctx, docPath)
	if err != nil {
		return nil, name, fmt.Errorf("op=ocr.Extract: preflight page count: %w", err)
	}
	if pages > r.opts.MaxPages {
		return nil, name, fmt.Errorf("op=ocr.Extract: document has %d pages, limit %d: %w",
			pages, r.opts.MaxPages, domain.ErrInvalidInput)
	}

	breaker := r.breakers[name]
	bucket := r.buckets[name]

	var cells []Cell
	var lastErr error
	for attempt := 0; attempt <= r.opts.MaxRetries; attempt++ {
		if err := breaker.Allow(); err != nil {
			return nil, name, fmt.Errorf("op=ocr.Extract: %w", err)
		}
		if _, err := bucket.Acquire(ctx, 1); err != nil {
			return nil, name, fmt.Errorf("op=ocr.Extract: %w", err)
		}

		start := time.Now()
		cells, lastErr = provider.Extract(ctx, docPath, pages, timeout)
		observability.OCRRequestDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

		if lastErr == nil {
			breaker.RecordSuccess()
			observability.OCRRequestsTotal.WithLabelValues(name, "success").Inc()
			return cells, name, nil
		}
		breaker.RecordFailure()

		if !errors.Is(lastErr, domain.ErrThrottled) {
			observability.OCRRequestsTotal.WithLabelValues(name, "error").Inc()
			return nil, name, fmt.Errorf("op=ocr.Extract: provider %s: %w", name, lastErr)
		}
		observability.OCRRequestsTotal.WithLabelValues(name, "throttled").Inc()
		if attempt == r.opts.MaxRetries {
			break
		}

		wait := retryBase << attempt
		var throttle *ThrottleError
		if errors.As(lastErr, &throttle) && throttle.RetryAfter > wait {
			wait = throttle.RetryAfter
		}
		if wait > r.opts.MaxSleep {
			wait = r.opts.MaxSleep
		}
		r.logger.Warn("ocr provider throttled, backing off",
			slog.String("provider", name),
			slog.Int("attempt", attempt+1),
			slog.Duration("wait", wait))
		if err := r.sleep(ctx, wait); err != nil {
			return nil, name, err
		}
	}
	return nil, name, fmt.Errorf("op=ocr.Extract: provider %s exhausted %d retries: %w",
		name, r.opts.MaxRetries, lastErr)
}
