package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arjunv/ratelimit/internal/clock"
)

func TestSlidingWindowLimiter_SegmentExpiry(t *testing.T) {
	mock := clock.NewMockAt(time.Unix(0, 0))
	lim, err := NewSlidingWindowLimiter(SlidingWindowLimiterOptions{
		PermitLimit:       10,
		Window:            100 * time.Millisecond,
		SegmentsPerWindow: 4,
	}, WithClock(mock))
	require.NoError(t, err)

	l, err := lim.TryAcquire(3)
	require.NoError(t, err)
	require.True(t, l.IsAcquired())

	mock.Advance(30 * time.Millisecond)
	l, err = lim.TryAcquire(3)
	require.NoError(t, err)
	require.True(t, l.IsAcquired())

	mock.Advance(30 * time.Millisecond)
	l, err = lim.TryAcquire(4)
	require.NoError(t, err)
	require.True(t, l.IsAcquired())

	stats := lim.Statistics()
	assert.Equal(t, 0, stats.AvailablePermits)

	mock.Advance(45 * time.Millisecond) // now at t=105ms, first segment (t=0, expires t=100ms) expired
	stats = lim.Statistics()
	assert.GreaterOrEqual(t, stats.AvailablePermits, 3)
}

func TestSlidingWindowLimiter_PermitCountExceeded(t *testing.T) {
	lim, err := NewSlidingWindowLimiter(SlidingWindowLimiterOptions{
		PermitLimit:       5,
		Window:            time.Second,
		SegmentsPerWindow: 2,
	})
	require.NoError(t, err)

	_, err = lim.TryAcquire(6)
	var target *PermitCountExceededError
	assert.ErrorAs(t, err, &target)
}

func TestSlidingWindowLimiter_RetryAfterIsOldestSegmentExpiry(t *testing.T) {
	mock := clock.NewMockAt(time.Unix(0, 0))
	lim, err := NewSlidingWindowLimiter(SlidingWindowLimiterOptions{
		PermitLimit:       1,
		Window:            100 * time.Millisecond,
		SegmentsPerWindow: 2,
	}, WithClock(mock))
	require.NoError(t, err)

	l, err := lim.TryAcquire(1)
	require.NoError(t, err)
	require.True(t, l.IsAcquired())

	l, err = lim.TryAcquire(1)
	require.NoError(t, err)
	require.False(t, l.IsAcquired())
	rt, ok := l.Metadata(RetryAfterKey)
	require.True(t, ok)
	assert.Equal(t, 100*time.Millisecond, rt)
}

func TestSlidingWindowLimiter_InvalidOptions(t *testing.T) {
	_, err := NewSlidingWindowLimiter(SlidingWindowLimiterOptions{PermitLimit: 0, Window: time.Second, SegmentsPerWindow: 1})
	assert.Error(t, err)
	_, err = NewSlidingWindowLimiter(SlidingWindowLimiterOptions{PermitLimit: 1, Window: 0, SegmentsPerWindow: 1})
	assert.Error(t, err)
	_, err = NewSlidingWindowLimiter(SlidingWindowLimiterOptions{PermitLimit: 1, Window: time.Second, SegmentsPerWindow: 0})
	assert.Error(t, err)
}
