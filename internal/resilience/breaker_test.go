package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/docpipe/internal/domain"
)

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := NewBreaker("test", 3, time.Minute, 2)
	for i := 0; i < 2; i++ {
		require.NoError(t, b.Allow())
		b.RecordFailure()
	}
	assert.Equal(t, StateClosed, b.State())

	require.NoError(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())

	err := b.Allow()
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrCircuitOpen))
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	b := NewBreaker("test", 3, time.Minute, 2)
	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	// Only two consecutive failures since the success; still closed.
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	now := time.Unix(1000, 0)
	b := NewBreaker("test", 1, 30*time.Second, 2).WithClock(func() time.Time { return now })

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	require.Error(t, b.Allow())

	// Recovery timeout elapses; first Allow transitions to half-open.
	now = now.Add(31 * time.Second)
	require.NoError(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())

	b.RecordSuccess()
	assert.Equal(t, StateHalfOpen, b.State())
	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Unix(1000, 0)
	b := NewBreaker("test", 1, time.Second, 3).WithClock(func() time.Time { return now })
	b.RecordFailure()
	now = now.Add(2 * time.Second)
	require.NoError(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	require.Error(t, b.Allow())
}

func TestBreaker_Call(t *testing.T) {
	b := NewBreaker("call", 1, time.Minute, 1)
	boom := errors.New("boom")
	err := b.Call(func() error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StateOpen, b.State())

	err = b.Call(func() error { return nil })
	assert.ErrorIs(t, err, domain.ErrCircuitOpen)

	c := b.Counts()
	assert.Equal(t, int64(1), c.Failures)
	assert.Equal(t, int64(1), c.Opens)
}
