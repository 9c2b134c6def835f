// Package audit buffers operational audit events and flushes them in batches.
// Duplicate events collapse on a content-derived idempotency key, so at-least-
// once delivery upstream never double-writes a row.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/docpipe/internal/domain"
	"github.com/fairyhunter13/docpipe/internal/observability"
)

// StreamKey is the store-native stream written in durable mode.
const StreamKey = "audit:events"

const flushTimeout = 5 * time.Second

// Options configures a Batcher.
type Options struct {
	BatchSize     int
	FlushInterval time.Duration
	MaxQueueSize  int
	Durable       bool
}

// Batcher accumulates audit events in a bounded queue and flushes them on an
// interval or when the batch size is reached, whichever comes first. In
// durable mode events bypass the queue and are appended to a Redis stream.
type Batcher struct {
	repo   domain.AuditRepository
	rdb    *redis.Client
	opts   Options
	logger *slog.Logger

	mu    sync.Mutex
	queue []domain.AuditEvent

	kick chan struct{}
	stop chan struct{}
	done chan struct{}
	once sync.Once

	now func() time.Time
}

// NewBatcher builds a Batcher. rdb may be nil when durable mode is off.
func NewBatcher(repo domain.AuditRepository, rdb *redis.Client, opts Options, logger *slog.Logger) *Batcher {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 2 * time.Second
	}
	if opts.MaxQueueSize <= 0 {
		opts.MaxQueueSize = 1000
	}
	return &Batcher{
		repo:   repo,
		rdb:    rdb,
		opts:   opts,
		logger: logger,
		kick:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		now:    time.Now,
	}
}

// Key derives the idempotency key: SHA-256 of the canonicalized identifying
// fields plus the second-truncated timestamp. Events equal on those fields
// within the same second collapse to one row.
func Key(e domain.AuditEvent, ts time.Time) string {
	canonical, _ := json.Marshal(struct {
		JobID     string         `json:"job_id"`
		EventType string         `json:"event_type"`
		UserID    string         `json:"user_id"`
		IP        string         `json:"ip"`
		TraceID   string         `json:"trace_id"`
		Metadata  map[string]any `json:"metadata"`
	}{e.JobID, e.EventType, e.UserID, e.IP, e.TraceID, e.Metadata})
	h := sha256.New()
	h.Write(canonical)
	fmt.Fprintf(h, "|%d", ts.Truncate(time.Second).Unix())
	return hex.EncodeToString(h.Sum(nil))
}

// Add stamps the event and either enqueues it or, when the queue is full,
// drops it and increments the drop counter. Dropping is deliberate: audit
// must never apply backpressure to the job path.
func (b *Batcher) Add(ctx context.Context, e domain.AuditEvent) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = b.now().UTC()
	}
	if e.IdempotencyKey == "" {
		e.IdempotencyKey = Key(e, e.CreatedAt)
	}

	if b.opts.Durable {
		return b.appendDurable(ctx, e)
	}

	b.mu.Lock()
	if len(b.queue) >= b.opts.MaxQueueSize {
		b.mu.Unlock()
		observability.AuditDroppedTotal.Inc()
		b.logger.Warn("audit queue full, dropping event",
			slog.String("event_type", e.EventType),
			slog.String("job_id", e.JobID))
		return nil
	}
	b.queue = append(b.queue, e)
	ready := len(b.queue) >= b.opts.BatchSize
	b.mu.Unlock()

	if ready {
		select {
		case b.kick <- struct{}{}:
		default:
		}
	}
	return nil
}

func (b *Batcher) appendDurable(ctx context.Context, e domain.AuditEvent) error {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("op=audit.Add: %w", err)
	}
	err = b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey,
		Values: map[string]any{
			"id":              e.ID,
			"job_id":          e.JobID,
			"event_type":      e.EventType,
			"user_id":         e.UserID,
			"ip":              e.IP,
			"trace_id":        e.TraceID,
			"idempotency_key": e.IdempotencyKey,
			"metadata":        string(meta),
			"created_at":      e.CreatedAt.Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("op=audit.Add: %w: %v", domain.ErrTransient, err)
	}
	return nil
}

// Start launches the background flush loop. No-op in durable mode.
func (b *Batcher) Start() {
	if b.opts.Durable {
		close(b.done)
		return
	}
	go b.loop()
}

func (b *Batcher) loop() {
	defer close(b.done)
	ticker := time.NewTicker(b.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			b.Flush(context.Background())
			return
		case <-ticker.C:
			b.Flush(context.Background())
		case <-b.kick:
			b.Flush(context.Background())
		}
	}
}

// Flush writes the pending batch in one insert. Failed batches are dropped
// with a counter bump rather than retried; the idempotency key makes a
// re-emitted event safe anyway.
func (b *Batcher) Flush(ctx context.Context) {
	b.mu.Lock()
	if len(b.queue) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.queue
	b.queue = nil
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, flushTimeout)
	defer cancel()
	inserted, err := b.repo.InsertBatch(ctx, batch)
	if err != nil {
		observability.AuditDroppedTotal.Add(float64(len(batch)))
		b.logger.Error("audit flush failed, batch dropped",
			slog.Int("batch_size", len(batch)),
			slog.Any("error", err))
		return
	}
	observability.AuditFlushedTotal.Add(float64(inserted))
	if inserted < len(batch) {
		b.logger.Debug("audit flush collapsed duplicates",
			slog.Int("batch_size", len(batch)),
			slog.Int("inserted", inserted))
	}
}

// Stop cancels the loop and performs a final flush. Safe to call twice.
func (b *Batcher) Stop() {
	b.once.Do(func() { close(b.stop) })
	<-b.done
}

// Pending reports the queued event count. For tests and health reporting.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}
