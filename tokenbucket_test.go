package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arjunv/ratelimit/internal/clock"
)

func TestTokenBucketLimiter_RetryAfterHint(t *testing.T) {
	mock := clock.NewMock()
	lim, err := NewTokenBucketLimiter(TokenBucketLimiterOptions{
		TokenLimit:          2,
		TokensPerPeriod:     1,
		ReplenishmentPeriod: 20 * time.Second,
	}, WithClock(mock))
	require.NoError(t, err)

	l, err := lim.TryAcquire(2)
	require.NoError(t, err)
	assert.True(t, l.IsAcquired())

	l, err = lim.TryAcquire(2)
	require.NoError(t, err)
	assert.False(t, l.IsAcquired())
	rt, ok := l.Metadata(RetryAfterKey)
	require.True(t, ok)
	assert.Equal(t, 40*time.Second, rt)
}

func TestTokenBucketLimiter_ManualReplenishCaps(t *testing.T) {
	mock := clock.NewMock()
	lim, err := NewTokenBucketLimiter(TokenBucketLimiterOptions{
		TokenLimit:          5,
		TokensPerPeriod:     2,
		ReplenishmentPeriod: time.Second,
	}, WithClock(mock))
	require.NoError(t, err)

	_, err = lim.TryAcquire(5)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		assert.True(t, lim.TryReplenish())
	}

	stats := lim.Statistics()
	assert.Equal(t, 5, stats.AvailablePermits) // capped at TokenLimit
}

func TestTokenBucketLimiter_AutoReplenishmentProportional(t *testing.T) {
	mock := clock.NewMock()
	sched := newManualScheduler()
	lim, err := NewTokenBucketLimiter(TokenBucketLimiterOptions{
		TokenLimit:          10,
		TokensPerPeriod:     5,
		ReplenishmentPeriod: time.Second,
		AutoReplenishment:   true,
	}, WithClock(mock), WithScheduler(sched))
	require.NoError(t, err)
	defer lim.Dispose()

	assert.True(t, lim.IsAutoReplenishing())
	assert.False(t, lim.TryReplenish())

	_, err = lim.TryAcquire(10)
	require.NoError(t, err)

	// 1s elapsed at 5 tokens per 1s period adds 5 tokens.
	mock.Advance(time.Second)
	sched.fireAll()
	assert.Equal(t, 5, lim.Statistics().AvailablePermits)

	// 500ms more adds 2.5 tokens: 7.5, reported as its floor.
	mock.Advance(500 * time.Millisecond)
	sched.fireAll()
	assert.Equal(t, 7, lim.Statistics().AvailablePermits)
}

func TestTokenBucketLimiter_InvalidOptions(t *testing.T) {
	_, err := NewTokenBucketLimiter(TokenBucketLimiterOptions{TokenLimit: 0, TokensPerPeriod: 1, ReplenishmentPeriod: time.Second})
	assert.Error(t, err)
	_, err = NewTokenBucketLimiter(TokenBucketLimiterOptions{TokenLimit: 1, TokensPerPeriod: 0, ReplenishmentPeriod: time.Second})
	assert.Error(t, err)
	_, err = NewTokenBucketLimiter(TokenBucketLimiterOptions{TokenLimit: 1, TokensPerPeriod: 1, ReplenishmentPeriod: 0})
	assert.Error(t, err)
}
