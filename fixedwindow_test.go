package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arjunv/ratelimit/internal/clock"
)

func TestFixedWindowLimiter_ManualReplenishment(t *testing.T) {
	mock := clock.NewMock()
	lim, err := NewFixedWindowLimiter(FixedWindowLimiterOptions{
		PermitLimit: 10,
		Window:      100 * time.Millisecond,
	}, WithClock(mock))
	require.NoError(t, err)

	l, err := lim.TryAcquire(10)
	require.NoError(t, err)
	assert.True(t, l.IsAcquired())

	l, err = lim.TryAcquire(1)
	require.NoError(t, err)
	assert.False(t, l.IsAcquired())
	rt, ok := l.Metadata(RetryAfterKey)
	require.True(t, ok)
	assert.Equal(t, 100*time.Millisecond, rt)

	mock.Advance(110 * time.Millisecond)
	assert.True(t, lim.TryReplenish())

	l, err = lim.TryAcquire(10)
	require.NoError(t, err)
	assert.True(t, l.IsAcquired())
}

func TestFixedWindowLimiter_LazyAdvanceOnAcquire(t *testing.T) {
	mock := clock.NewMock()
	lim, err := NewFixedWindowLimiter(FixedWindowLimiterOptions{
		PermitLimit: 5,
		Window:      50 * time.Millisecond,
	}, WithClock(mock))
	require.NoError(t, err)

	_, err = lim.TryAcquire(5)
	require.NoError(t, err)

	mock.Advance(60 * time.Millisecond)
	l, err := lim.TryAcquire(5)
	require.NoError(t, err)
	assert.True(t, l.IsAcquired())
}

func TestFixedWindowLimiter_AutoReplenishmentNoop(t *testing.T) {
	lim, err := NewFixedWindowLimiter(FixedWindowLimiterOptions{
		PermitLimit:       1,
		Window:            time.Hour,
		AutoReplenishment: true,
	})
	require.NoError(t, err)
	defer lim.Dispose()

	assert.True(t, lim.IsAutoReplenishing())
	assert.False(t, lim.TryReplenish())
}

func TestFixedWindowLimiter_PermitCountExceeded(t *testing.T) {
	lim, err := NewFixedWindowLimiter(FixedWindowLimiterOptions{PermitLimit: 5, Window: time.Second})
	require.NoError(t, err)

	_, err = lim.TryAcquire(6)
	var target *PermitCountExceededError
	assert.ErrorAs(t, err, &target)
}

func TestFixedWindowLimiter_InvalidOptions(t *testing.T) {
	_, err := NewFixedWindowLimiter(FixedWindowLimiterOptions{PermitLimit: 0, Window: time.Second})
	assert.Error(t, err)

	_, err = NewFixedWindowLimiter(FixedWindowLimiterOptions{PermitLimit: 1, Window: 0})
	assert.Error(t, err)
}
