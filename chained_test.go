package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChainedLimiter_AllOrNothing(t *testing.T) {
	a, err := NewConcurrencyLimiter(ConcurrencyLimiterOptions{PermitLimit: 1})
	require.NoError(t, err)
	b, err := NewConcurrencyLimiter(ConcurrencyLimiterOptions{PermitLimit: 5})
	require.NoError(t, err)

	// Deplete a.
	_, err = a.TryAcquire(1)
	require.NoError(t, err)

	chain, err := NewChainedLimiter(a, b)
	require.NoError(t, err)

	lease, err := chain.TryAcquire(1)
	require.NoError(t, err)
	assert.False(t, lease.IsAcquired())

	idx, ok := lease.Metadata(FailedLimiterIndexKey)
	require.True(t, ok)
	assert.Equal(t, 0, idx)

	assert.Equal(t, 5, b.Statistics().AvailablePermits)
}

func TestChainedLimiter_SuccessReleasesAllInnerLeases(t *testing.T) {
	a, err := NewConcurrencyLimiter(ConcurrencyLimiterOptions{PermitLimit: 1})
	require.NoError(t, err)
	b, err := NewConcurrencyLimiter(ConcurrencyLimiterOptions{PermitLimit: 1})
	require.NoError(t, err)

	chain, err := NewChainedLimiter(a, b)
	require.NoError(t, err)

	lease, err := chain.TryAcquire(1)
	require.NoError(t, err)
	require.True(t, lease.IsAcquired())

	assert.Equal(t, 0, a.Statistics().AvailablePermits)
	assert.Equal(t, 0, b.Statistics().AvailablePermits)

	lease.Release()

	assert.Equal(t, 1, a.Statistics().AvailablePermits)
	assert.Equal(t, 1, b.Statistics().AvailablePermits)
}

func TestChainedLimiter_StatisticsAggregation(t *testing.T) {
	a, err := NewConcurrencyLimiter(ConcurrencyLimiterOptions{PermitLimit: 3})
	require.NoError(t, err)
	b, err := NewConcurrencyLimiter(ConcurrencyLimiterOptions{PermitLimit: 7})
	require.NoError(t, err)

	chain, err := NewChainedLimiter(a, b)
	require.NoError(t, err)

	stats := chain.Statistics()
	assert.Equal(t, 3, stats.AvailablePermits) // min(3, 7)
}

func TestChainedLimiter_EmptyIsInvalid(t *testing.T) {
	_, err := NewChainedLimiter()
	assert.Error(t, err)
}
