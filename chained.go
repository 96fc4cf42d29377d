package ratelimit

import (
	"context"
	"time"
)

// ChainedLimiter composes an ordered, non-empty sequence of limiters
// into all-or-nothing acquisition: a request only succeeds if every
// inner limiter grants it, in order, and a failure anywhere releases
// whatever was already acquired from earlier limiters in the chain.
type ChainedLimiter struct {
	inner []Limiter
}

// NewChainedLimiter constructs a ChainedLimiter over inner, tried in the
// given order. Returns InvalidParameterError if inner is empty.
func NewChainedLimiter(inner ...Limiter) (*ChainedLimiter, error) {
	if len(inner) == 0 {
		return nil, invalidParameter("inner", inner, "chained limiter requires at least one inner limiter")
	}
	cp := make([]Limiter, len(inner))
	copy(cp, inner)
	return &ChainedLimiter{inner: cp}, nil
}

// TryAcquire implements Limiter. It never blocks: each inner limiter is
// asked in order via its own TryAcquire.
func (c *ChainedLimiter) TryAcquire(n int) (*Lease, error) {
	acquired := make([]*Lease, 0, len(c.inner))

	for i, lim := range c.inner {
		lease, err := lim.TryAcquire(n)
		if err != nil {
			releaseAll(acquired)
			return nil, err
		}
		if !lease.IsAcquired() {
			releaseAll(acquired)
			return lease.withMetadata(FailedLimiterIndexKey, i), nil
		}
		acquired = append(acquired, lease)
	}

	return c.wrap(acquired), nil
}

// Acquire implements Limiter. Inner limiters are acquired in order,
// waiting on each; if ctx is done or any inner limiter refuses, whatever
// was already acquired is released in reverse order before returning.
func (c *ChainedLimiter) Acquire(ctx context.Context, n int) (*Lease, error) {
	acquired := make([]*Lease, 0, len(c.inner))

	for i, lim := range c.inner {
		lease, err := lim.Acquire(ctx, n)
		if err != nil {
			releaseAll(acquired)
			return nil, err
		}
		if !lease.IsAcquired() {
			releaseAll(acquired)
			return lease.withMetadata(FailedLimiterIndexKey, i), nil
		}
		acquired = append(acquired, lease)
	}

	return c.wrap(acquired), nil
}

// wrap builds the outer lease. Releasing it releases every inner lease
// in reverse acquisition order.
func (c *ChainedLimiter) wrap(acquired []*Lease) *Lease {
	return newAcquiredLeaseWithRelease(func() {
		releaseAll(acquired)
	})
}

// releaseAll releases leases in reverse order (last-acquired first),
// matching the chain's declared-order acquisition.
func releaseAll(leases []*Lease) {
	for i := len(leases) - 1; i >= 0; i-- {
		leases[i].Release()
	}
}

// Statistics implements Limiter: AvailablePermits is the minimum across
// inner limiters, QueuedCount the maximum, and the success/failure
// totals are summed.
func (c *ChainedLimiter) Statistics() Statistics {
	var out Statistics
	for i, lim := range c.inner {
		s := lim.Statistics()
		if i == 0 || s.AvailablePermits < out.AvailablePermits {
			out.AvailablePermits = s.AvailablePermits
		}
		if s.QueuedCount > out.QueuedCount {
			out.QueuedCount = s.QueuedCount
		}
		out.TotalSuccessful += s.TotalSuccessful
		out.TotalFailed += s.TotalFailed
	}
	return out
}

// IdleDuration implements Limiter: reported only if every inner limiter
// is idle, as the minimum of their idle durations (the most recently
// used member gates the chain).
func (c *ChainedLimiter) IdleDuration() (time.Duration, bool) {
	var min time.Duration
	for i, lim := range c.inner {
		d, ok := lim.IdleDuration()
		if !ok {
			return 0, false
		}
		if i == 0 || d < min {
			min = d
		}
	}
	return min, true
}

// Dispose disposes every inner limiter that implements Disposer.
func (c *ChainedLimiter) Dispose() {
	for _, lim := range c.inner {
		if d, ok := lim.(Disposer); ok {
			d.Dispose()
		}
	}
}

var (
	_ Limiter  = (*ChainedLimiter)(nil)
	_ Disposer = (*ChainedLimiter)(nil)
)
