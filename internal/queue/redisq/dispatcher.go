package redisq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/docpipe/internal/adapter/redisstore"
	"github.com/fairyhunter13/docpipe/internal/domain"
	"github.com/fairyhunter13/docpipe/internal/observability"
)

// SchemaVersion is stamped into every envelope this build produces.
const SchemaVersion = 1

// Queues names the four job lists.
type Queues struct {
	High    string
	Default string
	Low     string
	Dead    string
}

// ForPriority maps a priority to its list name.
func (q Queues) ForPriority(p domain.Priority) string {
	switch p {
	case domain.PriorityHigh:
		return q.High
	case domain.PriorityLow:
		return q.Low
	default:
		return q.Default
	}
}

// Dispatcher enqueues job envelopes, schedules retries with exponential
// backoff, and routes exhausted or fatal jobs to the dead-letter list. It is
// a library shared by API handlers and workers, not a process.
type Dispatcher struct {
	store         *redisstore.Client
	queues        Queues
	maxRetries    int
	baseDelay     time.Duration
	workerVersion string
	progress      *Publisher
	logger        *slog.Logger

	// schedule overrides delayed re-enqueue in tests.
	schedule func(d time.Duration, fn func())
}

// NewDispatcher builds a Dispatcher.
func NewDispatcher(store *redisstore.Client, queues Queues, maxRetries int, baseDelay time.Duration, workerVersion string, progress *Publisher, logger *slog.Logger) *Dispatcher {
	if maxRetries < 0 {
		maxRetries = 3
	}
	if baseDelay <= 0 {
		baseDelay = 2 * time.Second
	}
	return &Dispatcher{
		store:         store,
		queues:        queues,
		maxRetries:    maxRetries,
		baseDelay:     baseDelay,
		workerVersion: workerVersion,
		progress:      progress,
		logger:        logger,
		schedule:      func(d time.Duration, fn func()) { time.AfterFunc(d, fn) },
	}
}

// Enqueue stamps and pushes an envelope onto its priority list, then seeds
// the initial queued snapshot. Fails with the queue-halted sentinel while the
// emergency stop is engaged.
func (d *Dispatcher) Enqueue(ctx context.Context, env domain.JobEnvelope) (domain.JobEnvelope, error) {
	stopped, err := d.store.EmergencyStopped(ctx)
	if err != nil {
		return env, fmt.Errorf("op=dispatcher.Enqueue: %w", err)
	}
	if stopped {
		return env, fmt.Errorf("op=dispatcher.Enqueue: %w", domain.ErrQueueHalted)
	}

	if env.JobID == "" {
		env.JobID = uuid.New().String()
	}
	if !domain.ValidPriority(env.Priority) {
		env.Priority = domain.PriorityDefault
	}
	if env.CreatedAt == 0 {
		env.CreatedAt = time.Now().UnixMilli()
	}
	if env.MaxRetries == 0 {
		env.MaxRetries = d.maxRetries
	}
	env.SchemaVersion = SchemaVersion
	env.WorkerVersion = d.workerVersion
	env.DLQ = d.queues.Dead

	queue := d.queues.ForPriority(env.Priority)
	if err := d.push(ctx, queue, env); err != nil {
		return env, fmt.Errorf("op=dispatcher.Enqueue: %w", err)
	}
	observability.QueueEnqueuedTotal.WithLabelValues(queue).Inc()
	d.updateDepth(ctx, queue)

	if err := d.progress.WriteSnapshot(ctx, domain.ProgressSnapshot{
		JobID:      env.JobID,
		State:      domain.StateQueued,
		Progress:   0,
		Message:    "queued",
		Priority:   env.Priority,
		DocumentID: env.DocumentID,
	}); err != nil {
		d.logger.Warn("failed to seed queued snapshot",
			slog.String("job_id", env.JobID),
			slog.Any("error", err))
	}

	d.logger.Info("job enqueued",
		slog.String("job_id", env.JobID),
		slog.String("document_id", env.DocumentID),
		slog.String("queue", queue))
	return env, nil
}

// RetryDelay computes the backoff before retry attempt i: base x 2^i with a
// uniform +-25% jitter.
func (d *Dispatcher) RetryDelay(attempt int) time.Duration {
	base := float64(d.baseDelay) * float64(int64(1)<<attempt)
	jitter := (rand.Float64()*0.5 - 0.25) * base
	return time.Duration(base + jitter)
}

// ScheduleRetry re-enqueues env after backoff, or routes it to the DLQ when
// retries are exhausted. The retrying snapshot is written immediately so
// subscribers see the reschedule before the delay elapses.
func (d *Dispatcher) ScheduleRetry(ctx context.Context, env domain.JobEnvelope, reason string) error {
	// Count the failure first: with max_retries=N the Nth failed attempt
	// dead-letters instead of scheduling an N+1th run.
	env.RetryCount++
	if env.RetryCount >= env.MaxRetries {
		return d.DeadLetter(ctx, env, reason)
	}
	delay := d.RetryDelay(env.RetryCount - 1)
	queue := d.queues.ForPriority(env.Priority)
	observability.QueueRetriesTotal.WithLabelValues(queue).Inc()

	if err := d.progress.WriteSnapshot(ctx, domain.ProgressSnapshot{
		JobID:      env.JobID,
		State:      domain.StateRetrying,
		Progress:   0,
		Message:    fmt.Sprintf("retry %d/%d: %s", env.RetryCount, env.MaxRetries, reason),
		Priority:   env.Priority,
		DocumentID: env.DocumentID,
		Error:      reason,
	}); err != nil {
		d.logger.Warn("failed to write retrying snapshot",
			slog.String("job_id", env.JobID),
			slog.Any("error", err))
	}

	d.logger.Info("job retry scheduled",
		slog.String("job_id", env.JobID),
		slog.Int("retry_count", env.RetryCount),
		slog.Duration("delay", delay),
		slog.String("reason", reason))

	d.schedule(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := d.push(ctx, queue, env); err != nil {
			d.logger.Error("retry re-enqueue failed, routing to dead letter",
				slog.String("job_id", env.JobID),
				slog.Any("error", err))
			_ = d.DeadLetter(ctx, env, "retry re-enqueue failed: "+err.Error())
			return
		}
		d.updateDepth(ctx, queue)
	})
	return nil
}

// DeadLetter copies the envelope onto the dead list with its failure reason
// and writes the terminal failed snapshot.
func (d *Dispatcher) DeadLetter(ctx context.Context, env domain.JobEnvelope, reason string) error {
	env.FailedReason = reason
	if err := d.push(ctx, d.queues.Dead, env); err != nil {
		return fmt.Errorf("op=dispatcher.DeadLetter: %w", err)
	}
	queue := d.queues.ForPriority(env.Priority)
	observability.DeadLetterTotal.WithLabelValues(queue).Inc()

	if err := d.progress.WriteSnapshot(ctx, domain.ProgressSnapshot{
		JobID:      env.JobID,
		State:      domain.StateFailed,
		Progress:   0,
		Message:    "routed to dead letter",
		Priority:   env.Priority,
		DocumentID: env.DocumentID,
		Error:      reason,
	}); err != nil {
		d.logger.Warn("failed to write failed snapshot",
			slog.String("job_id", env.JobID),
			slog.Any("error", err))
	}

	d.logger.Error("job routed to dead letter",
		slog.String("job_id", env.JobID),
		slog.String("reason", reason),
		slog.Int("retry_count", env.RetryCount))
	return nil
}

// Depth returns the current length of a queue list.
func (d *Dispatcher) Depth(ctx context.Context, queue string) (int64, error) {
	n, err := d.store.Redis().LLen(ctx, queue).Result()
	if err != nil {
		return 0, fmt.Errorf("op=dispatcher.Depth: %w: %v", domain.ErrTransient, err)
	}
	return n, nil
}

func (d *Dispatcher) push(ctx context.Context, queue string, env domain.JobEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("op=dispatcher.push: %w", err)
	}
	if err := d.store.Redis().LPush(ctx, queue, payload).Err(); err != nil {
		return fmt.Errorf("op=dispatcher.push: %w: %v", domain.ErrTransient, err)
	}
	return nil
}

func (d *Dispatcher) updateDepth(ctx context.Context, queue string) {
	if n, err := d.Depth(ctx, queue); err == nil {
		observability.QueueDepth.WithLabelValues(queue).Set(float64(n))
	}
}
