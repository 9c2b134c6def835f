package audit

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/docpipe/internal/domain"
)

type captureSink struct {
	mu      sync.Mutex
	batches [][]domain.AuditEvent
	err     error
}

func (s *captureSink) InsertBatch(_ context.Context, events []domain.AuditEvent) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	s.batches = append(s.batches, events)
	return len(events), nil
}

func (s *captureSink) batchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func TestKeyStability(t *testing.T) {
	ts := time.Date(2026, 3, 1, 10, 0, 0, 123456789, time.UTC)
	e := domain.AuditEvent{JobID: "j1", EventType: domain.AuditEnqueued, UserID: "u1", IP: "10.0.0.1"}

	a := Key(e, ts)
	b := Key(e, ts.Add(500*time.Millisecond))
	c := Key(e, ts.Add(2*time.Second))
	assert.Equal(t, a, b, "sub-second timestamps collapse")
	assert.NotEqual(t, a, c, "different seconds produce different keys")

	e2 := e
	e2.EventType = domain.AuditError
	assert.NotEqual(t, a, Key(e2, ts))
}

func TestAddStampsEvent(t *testing.T) {
	sink := &captureSink{}
	b := NewBatcher(sink, nil, Options{BatchSize: 10, FlushInterval: time.Hour, MaxQueueSize: 10}, slog.Default())

	require.NoError(t, b.Add(context.Background(), domain.AuditEvent{JobID: "j1", EventType: domain.AuditEnqueued}))
	assert.Equal(t, 1, b.Pending())

	b.Flush(context.Background())
	require.Equal(t, 1, sink.batchCount())
	got := sink.batches[0][0]
	assert.NotEmpty(t, got.ID)
	assert.NotEmpty(t, got.IdempotencyKey)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestBatchSizeTriggersFlush(t *testing.T) {
	sink := &captureSink{}
	b := NewBatcher(sink, nil, Options{BatchSize: 3, FlushInterval: time.Hour, MaxQueueSize: 100}, slog.Default())
	b.Start()
	defer b.Stop()

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Add(context.Background(), domain.AuditEvent{JobID: "j1", EventType: domain.AuditExtracted}))
	}
	assert.Eventually(t, func() bool { return sink.batchCount() == 1 }, time.Second, 10*time.Millisecond)
	assert.Len(t, sink.batches[0], 3)
}

func TestIntervalTriggersFlush(t *testing.T) {
	sink := &captureSink{}
	b := NewBatcher(sink, nil, Options{BatchSize: 100, FlushInterval: 20 * time.Millisecond, MaxQueueSize: 100}, slog.Default())
	b.Start()
	defer b.Stop()

	require.NoError(t, b.Add(context.Background(), domain.AuditEvent{JobID: "j1", EventType: domain.AuditExported}))
	assert.Eventually(t, func() bool { return sink.batchCount() >= 1 }, time.Second, 10*time.Millisecond)
}

func TestFullQueueDrops(t *testing.T) {
	sink := &captureSink{}
	b := NewBatcher(sink, nil, Options{BatchSize: 100, FlushInterval: time.Hour, MaxQueueSize: 2}, slog.Default())

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Add(context.Background(), domain.AuditEvent{JobID: "j1", EventType: domain.AuditError}))
	}
	assert.Equal(t, 2, b.Pending(), "overflow is dropped, not queued")
}

func TestStopFlushesRemainder(t *testing.T) {
	sink := &captureSink{}
	b := NewBatcher(sink, nil, Options{BatchSize: 100, FlushInterval: time.Hour, MaxQueueSize: 100}, slog.Default())
	b.Start()

	require.NoError(t, b.Add(context.Background(), domain.AuditEvent{JobID: "j1", EventType: domain.AuditEnqueued}))
	b.Stop()
	require.Equal(t, 1, sink.batchCount())
	assert.Zero(t, b.Pending())
}

func TestDurableModeWritesStream(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	b := NewBatcher(&captureSink{}, rdb, Options{Durable: true}, slog.Default())
	b.Start()
	defer b.Stop()

	require.NoError(t, b.Add(context.Background(), domain.AuditEvent{JobID: "j1", EventType: domain.AuditEnqueued}))
	assert.Zero(t, b.Pending(), "durable mode bypasses the in-memory queue")

	entries, err := rdb.XRange(context.Background(), StreamKey, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "j1", entries[0].Values["job_id"])
	assert.Equal(t, domain.AuditEnqueued, entries[0].Values["event_type"])
	assert.NotEmpty(t, entries[0].Values["idempotency_key"])
}
