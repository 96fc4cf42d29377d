package ratelimit

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	mu       sync.Mutex
	events   []AcquireEvent
	disposed []string
}

func (r *recordingObserver) OnAcquire(_ context.Context, ev AcquireEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingObserver) OnDispose(kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disposed = append(r.disposed, kind)
}

func TestObserver_RecordsAcquireDecisions(t *testing.T) {
	obs := &recordingObserver{}
	lim, err := NewConcurrencyLimiter(ConcurrencyLimiterOptions{PermitLimit: 1}, WithObserver(obs))
	require.NoError(t, err)

	_, err = lim.TryAcquire(1)
	require.NoError(t, err)
	_, err = lim.TryAcquire(1)
	require.NoError(t, err)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	require.Len(t, obs.events, 2)
	assert.True(t, obs.events[0].Allowed)
	assert.False(t, obs.events[1].Allowed)
	assert.Equal(t, "concurrency", obs.events[0].Kind)
}

func TestObserver_RecordsDisposal(t *testing.T) {
	obs := &recordingObserver{}
	lim, err := NewConcurrencyLimiter(ConcurrencyLimiterOptions{PermitLimit: 1}, WithObserver(obs))
	require.NoError(t, err)

	lim.Dispose()

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, []string{"concurrency"}, obs.disposed)
}

func TestNoopObserver_DoesNothing(t *testing.T) {
	var ob Observer = NoopObserver{}
	ob.OnAcquire(context.Background(), AcquireEvent{})
	ob.OnDispose("x")
}
