package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fairyhunter13/docpipe/internal/domain"
)

// NewPool creates a pgx connection pool from the provided DSN. Connections
// carry a statement timeout, are recycled periodically, and are pinged before
// checkout.
func NewPool(ctx context.Context, dsn string, statementTimeout time.Duration) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("op=postgres.NewPool: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 2
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute
	if statementTimeout > 0 {
		cfg.ConnConfig.RuntimeParams["statement_timeout"] = fmt.Sprintf("%d", statementTimeout.Milliseconds())
	}
	cfg.BeforeAcquire = func(ctx context.Context, conn *pgx.Conn) bool {
		return conn.Ping(ctx) == nil
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("op=postgres.NewPool: %w", err)
	}
	return pool, nil
}

// WithTx runs fn inside a transaction. The transaction rolls back on error or
// panic and commits otherwise.
func WithTx(ctx context.Context, pool PgxPool, fn func(tx pgx.Tx) error) error {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return mapError("postgres.WithTx.begin", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapError("postgres.WithTx.commit", err)
	}
	return nil
}

// ExecuteWithRetry retries op on transient database failures (deadlock,
// timeout, connection invalidation) with exponential backoff and jitter.
func ExecuteWithRetry(ctx context.Context, op func(ctx context.Context) error, maxAttempts int) error {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.RandomizationFactor = 0.5

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			wait := bo.NextBackOff()
			slog.Debug("retrying database operation",
				slog.Int("attempt", attempt),
				slog.Duration("backoff", wait))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, domain.ErrTransient) {
			return lastErr
		}
	}
	return lastErr
}

// HealthReport summarizes pool state for readiness probes.
type HealthReport struct {
	Healthy       bool      `json:"healthy"`
	TotalConns    int32     `json:"total_conns"`
	IdleConns     int32     `json:"idle_conns"`
	AcquiredConns int32     `json:"acquired_conns"`
	MaxConns      int32     `json:"max_conns"`
	CheckedAt     time.Time `json:"checked_at"`
}

// HealthChecker probes the database and caches the result for ttl.
type HealthChecker struct {
	pool *pgxpool.Pool
	ttl  time.Duration

	mu     sync.Mutex
	cached HealthReport
}

// NewHealthChecker constructs a checker caching results for ttl.
func NewHealthChecker(pool *pgxpool.Pool, ttl time.Duration) *HealthChecker {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &HealthChecker{pool: pool, ttl: ttl}
}

// Check runs SELECT 1 and reports pool utilization, serving a cached result
// within the ttl window.
func (h *HealthChecker) Check(ctx context.Context) HealthReport {
	h.mu.Lock()
	defer h.mu.Unlock()
	if time.Since(h.cached.CheckedAt) < h.ttl {
		return h.cached
	}
	report := HealthReport{CheckedAt: time.Now()}
	if h.pool != nil {
		var one int
		if err := h.pool.QueryRow(ctx, "SELECT 1").Scan(&one); err == nil && one == 1 {
			report.Healthy = true
		}
		stat := h.pool.Stat()
		report.TotalConns = stat.TotalConns()
		report.IdleConns = stat.IdleConns()
		report.AcquiredConns = stat.AcquiredConns()
		report.MaxConns = stat.MaxConns()
	}
	h.cached = report
	return report
}
