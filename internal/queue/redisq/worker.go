package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/fairyhunter13/docpipe/internal/adapter/redisstore"
	"github.com/fairyhunter13/docpipe/internal/domain"
	"github.com/fairyhunter13/docpipe/internal/observability"
)

const (
	popTimeout = 2 * time.Second
	// starvationK bounds how many consecutive high-priority pulls a worker
	// slot may make before it must offer default/low a turn.
	starvationK = 5
)

// Handler executes one job envelope. A nil return completes the job;
// retriable errors reschedule it; anything else routes it to the DLQ.
type Handler func(ctx context.Context, env domain.JobEnvelope) error

// Worker pulls envelopes from the priority lists and drives the handler,
// translating its outcome into snapshots, metrics, and dispatcher calls.
type Worker struct {
	store       *redisstore.Client
	dispatcher  *Dispatcher
	progress    *Publisher
	queues      Queues
	concurrency int
	handler     Handler
	logger      *slog.Logger
}

// NewWorker builds a Worker with the given concurrency.
func NewWorker(store *redisstore.Client, dispatcher *Dispatcher, progress *Publisher, queues Queues, concurrency int, handler Handler, logger *slog.Logger) *Worker {
	if concurrency <= 0 {
		concurrency = 2
	}
	return &Worker{
		store:       store,
		dispatcher:  dispatcher,
		progress:    progress,
		queues:      queues,
		concurrency: concurrency,
		handler:     handler,
		logger:      logger,
	}
}

// Run blocks until ctx is cancelled, running the configured number of
// concurrent pull loops.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		slot := i
		g.Go(func() error { return w.loop(ctx, slot) })
	}
	return g.Wait()
}

func (w *Worker) loop(ctx context.Context, slot int) error {
	logger := w.logger.With(slog.Int("slot", slot))
	highStreak := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		stopped, err := w.store.EmergencyStopped(ctx)
		if err == nil && stopped {
			logger.Warn("emergency stop engaged, worker idling")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		queue, env, ok, err := w.pull(ctx, highStreak)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Error("queue pull failed", slog.Any("error", err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		if !ok {
			continue
		}
		if queue == w.queues.High {
			highStreak++
		} else {
			highStreak = 0
		}
		w.execute(ctx, queue, env, logger)
	}
}

// pull pops the next envelope honoring high > default > low, except when the
// starvation guard forces default/low to the front of the key order.
func (w *Worker) pull(ctx context.Context, highStreak int) (string, domain.JobEnvelope, bool, error) {
	order := []string{w.queues.High, w.queues.Default, w.queues.Low}
	if highStreak >= starvationK {
		order = []string{w.queues.Default, w.queues.Low, w.queues.High}
	}
	res, err := w.store.Redis().BRPop(ctx, popTimeout, order...).Result()
	if errors.Is(err, redis.Nil) {
		return "", domain.JobEnvelope{}, false, nil
	}
	if err != nil {
		return "", domain.JobEnvelope{}, false, fmt.Errorf("op=worker.pull: %w: %v", domain.ErrTransient, err)
	}
	queue, payload := res[0], res[1]
	var env domain.JobEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return "", domain.JobEnvelope{}, false, fmt.Errorf("op=worker.pull: corrupt envelope on %s: %w", queue, err)
	}
	return queue, env, true, nil
}

func (w *Worker) execute(ctx context.Context, queue string, env domain.JobEnvelope, logger *slog.Logger) {
	observability.WorkersBusy.WithLabelValues(queue).Inc()
	defer observability.WorkersBusy.WithLabelValues(queue).Dec()
	w.dispatcher.updateDepth(ctx, queue)

	logger = logger.With(
		slog.String("job_id", env.JobID),
		slog.String("document_id", env.DocumentID),
		slog.String("queue", queue))

	if err := w.progress.WriteSnapshot(ctx, domain.ProgressSnapshot{
		JobID:      env.JobID,
		State:      domain.StateStarting,
		Progress:   0,
		Message:    "starting",
		Priority:   env.Priority,
		DocumentID: env.DocumentID,
	}); err != nil {
		logger.Warn("failed to write starting snapshot", slog.Any("error", err))
	}

	start := time.Now()
	err := w.handler(ctx, env)
	elapsed := time.Since(start)

	switch {
	case err == nil:
		seconds := elapsed.Seconds()
		if err := w.progress.WriteSnapshot(ctx, domain.ProgressSnapshot{
			JobID:       env.JobID,
			State:       domain.StateCompleted,
			Progress:    1,
			Message:     "completed",
			DurationSec: &seconds,
			Priority:    env.Priority,
			DocumentID:  env.DocumentID,
		}); err != nil {
			logger.Warn("failed to write completed snapshot", slog.Any("error", err))
		}
		if err := w.store.PushDuration(ctx, seconds); err != nil {
			logger.Warn("failed to record job duration", slog.Any("error", err))
		}
		observability.ObserveJobDuration(queue, "success", elapsed)
		logger.Info("job completed", slog.Duration("elapsed", elapsed))

	case errors.Is(err, domain.ErrJobCancelled):
		seconds := elapsed.Seconds()
		if err := w.progress.WriteSnapshot(ctx, domain.ProgressSnapshot{
			JobID:       env.JobID,
			State:       domain.StateCancelled,
			Progress:    0,
			Message:     "cancelled",
			DurationSec: &seconds,
			Priority:    env.Priority,
			DocumentID:  env.DocumentID,
		}); err != nil {
			logger.Warn("failed to write cancelled snapshot", slog.Any("error", err))
		}
		observability.ObserveJobDuration(queue, "cancelled", elapsed)
		logger.Info("job cancelled", slog.Duration("elapsed", elapsed))

	case domain.Retriable(err):
		observability.ObserveJobDuration(queue, "retry", elapsed)
		if rerr := w.dispatcher.ScheduleRetry(ctx, env, err.Error()); rerr != nil {
			logger.Error("retry scheduling failed", slog.Any("error", rerr))
		}

	default:
		observability.ObserveJobDuration(queue, "failed", elapsed)
		if derr := w.dispatcher.DeadLetter(ctx, env, err.Error()); derr != nil {
			logger.Error("dead letter routing failed", slog.Any("error", derr))
		}
	}
}
