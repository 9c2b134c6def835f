// Package redisq implements the priority queue dispatcher, the worker loop,
// and the progress publisher on Redis lists and pub/sub.
package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/docpipe/internal/adapter/redisstore"
	"github.com/fairyhunter13/docpipe/internal/domain"
)

// Publisher persists progress snapshots and broadcasts them on the shared
// pub/sub channel.
type Publisher struct {
	store  *redisstore.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewPublisher builds a Publisher with the given snapshot TTL.
func NewPublisher(store *redisstore.Client, ttl time.Duration, logger *slog.Logger) *Publisher {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Publisher{store: store, ttl: ttl, logger: logger}
}

// WriteSnapshot stores the latest snapshot under the job's progress key and
// publishes it. Terminal states are monotone: once a run ends, a stale
// non-terminal snapshot cannot overwrite the outcome.
func (p *Publisher) WriteSnapshot(ctx context.Context, snap domain.ProgressSnapshot) error {
	if snap.Timestamp == 0 {
		snap.Timestamp = time.Now().UnixMilli()
	}
	if prev, ok, err := p.Snapshot(ctx, snap.JobID); err != nil {
		return err
	} else if ok && prev.State.Terminal() && !snap.State.Terminal() {
		p.logger.Debug("dropping non-terminal snapshot after terminal state",
			slog.String("job_id", snap.JobID),
			slog.String("have", string(prev.State)),
			slog.String("got", string(snap.State)))
		return nil
	}

	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("op=progress.WriteSnapshot: %w", err)
	}
	if err := p.store.Redis().Set(ctx, redisstore.ProgressKey(snap.JobID), payload, p.ttl).Err(); err != nil {
		return fmt.Errorf("op=progress.WriteSnapshot: %w: %v", domain.ErrTransient, err)
	}
	if err := p.store.Publish(ctx, redisstore.ProgressChannel, string(payload)); err != nil {
		return fmt.Errorf("op=progress.WriteSnapshot: %w", err)
	}
	return nil
}

// Snapshot loads the stored snapshot for a job, if any.
func (p *Publisher) Snapshot(ctx context.Context, jobID string) (domain.ProgressSnapshot, bool, error) {
	raw, err := p.store.Redis().Get(ctx, redisstore.ProgressKey(jobID)).Result()
	if errors.Is(err, redis.Nil) {
		return domain.ProgressSnapshot{}, false, nil
	}
	if err != nil {
		return domain.ProgressSnapshot{}, false, fmt.Errorf("op=progress.Snapshot: %w: %v", domain.ErrTransient, err)
	}
	var snap domain.ProgressSnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return domain.ProgressSnapshot{}, false, fmt.Errorf("op=progress.Snapshot: %w", err)
	}
	return snap, true, nil
}

// P95HintMS estimates the p95 job duration in milliseconds from the bounded
// durations ring, capped at capMS. An empty ring yields the cap.
func (p *Publisher) P95HintMS(ctx context.Context, capMS int64) int64 {
	durations, err := p.store.Durations(ctx)
	if err != nil || len(durations) == 0 {
		return capMS
	}
	sort.Float64s(durations)
	idx := int(math.Ceil(0.95*float64(len(durations)))) - 1
	if idx < 0 {
		idx = 0
	}
	ms := int64(durations[idx] * 1000)
	if ms > capMS {
		return capMS
	}
	return ms
}
