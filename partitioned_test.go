package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartitionedLimiter_LazyPerKeyCreation(t *testing.T) {
	var built int
	var mu sync.Mutex

	p, err := NewPartitionedLimiter(PartitionedLimiterOptions[string]{
		Factory: func(key string) (Limiter, error) {
			mu.Lock()
			built++
			mu.Unlock()
			return NewConcurrencyLimiter(ConcurrencyLimiterOptions{PermitLimit: 1})
		},
	})
	require.NoError(t, err)

	_, err = p.TryAcquire("a", 1)
	require.NoError(t, err)
	_, err = p.TryAcquire("a", 1)
	require.NoError(t, err)
	_, err = p.TryAcquire("b", 1)
	require.NoError(t, err)

	assert.Equal(t, 2, built)
	assert.Equal(t, 2, p.PartitionCount())
}

func TestPartitionedLimiter_ConcurrentFirstTouchCollapsesToOneFactoryCall(t *testing.T) {
	var built int
	var mu sync.Mutex

	p, err := NewPartitionedLimiter(PartitionedLimiterOptions[int]{
		Factory: func(key int) (Limiter, error) {
			mu.Lock()
			built++
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			return NewConcurrencyLimiter(ConcurrencyLimiterOptions{PermitLimit: 10})
		},
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = p.TryAcquire(42, 1)
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, built)
}

func TestPartitionedLimiter_StatisticsOnUnseenKeyIsZeroAndDoesNotCreate(t *testing.T) {
	p, err := NewPartitionedLimiter(PartitionedLimiterOptions[string]{
		Factory: func(key string) (Limiter, error) {
			return NewConcurrencyLimiter(ConcurrencyLimiterOptions{PermitLimit: 1})
		},
	})
	require.NoError(t, err)

	stats := p.Statistics("never-seen")
	assert.Equal(t, Statistics{}, stats)
	assert.Equal(t, 0, p.PartitionCount())
}

func TestPartitionedLimiter_Clear(t *testing.T) {
	p, err := NewPartitionedLimiter(PartitionedLimiterOptions[string]{
		Factory: func(key string) (Limiter, error) {
			return NewConcurrencyLimiter(ConcurrencyLimiterOptions{PermitLimit: 1})
		},
	})
	require.NoError(t, err)

	_, err = p.TryAcquire("a", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, p.PartitionCount())

	p.Clear()
	assert.Equal(t, 0, p.PartitionCount())
}

func TestPartitionedLimiter_InvalidOptions(t *testing.T) {
	_, err := NewPartitionedLimiter(PartitionedLimiterOptions[string]{})
	assert.Error(t, err)
}
