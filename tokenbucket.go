package ratelimit

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arjunv/ratelimit/internal/queue"
)

// TokenBucketLimiterOptions configures a TokenBucketLimiter.
type TokenBucketLimiterOptions struct {
	// TokenLimit is the reservoir's ceiling. Must be > 0.
	TokenLimit int

	// TokensPerPeriod is how many tokens one replenishment event adds.
	// Must be > 0.
	TokensPerPeriod int

	// ReplenishmentPeriod is the duration of one replenishment interval.
	// Must be > 0.
	ReplenishmentPeriod time.Duration

	// QueueLimit is the maximum total requested permits that may be
	// queued at once. Zero disables queueing entirely.
	QueueLimit int

	// QueueProcessingOrder selects FIFO or LIFO-with-eviction queueing.
	QueueProcessingOrder QueueProcessingOrder

	// AutoReplenishment, when true, drips tokens on a background
	// scheduler tick every ReplenishmentPeriod, adding a
	// proportional-to-elapsed-time amount. When false, tokens are only
	// added by an explicit TryReplenish call, each adding exactly
	// TokensPerPeriod regardless of elapsed time.
	AutoReplenishment bool
}

type bucketWaiter struct {
	permits int
	done    chan *Lease
}

func (w bucketWaiter) Permits() int { return w.permits }

// TokenBucketLimiter holds a fractional reservoir of tokens replenished
// at a steady rate, either continuously (auto mode, proportional to
// elapsed time) or in fixed increments (manual mode, via TryReplenish).
type TokenBucketLimiter struct {
	opts TokenBucketLimiterOptions
	cc   commonOptions

	mu                sync.Mutex
	available         float64
	lastReplenishment time.Time
	q                 queue.Queue[bucketWaiter]
	idleSince         *time.Time
	disposed          bool
	stopSched         func()

	successful atomic.Uint64
	failed     atomic.Uint64
}

// NewTokenBucketLimiter constructs a TokenBucketLimiter. Returns
// InvalidParameterError for non-positive TokenLimit, TokensPerPeriod, or
// ReplenishmentPeriod, a negative QueueLimit, or an unrecognized
// QueueProcessingOrder.
func NewTokenBucketLimiter(opts TokenBucketLimiterOptions, common ...CommonOption) (*TokenBucketLimiter, error) {
	if opts.TokenLimit <= 0 {
		return nil, invalidParameter("token_limit", opts.TokenLimit, "must be greater than 0")
	}
	if opts.TokensPerPeriod <= 0 {
		return nil, invalidParameter("tokens_per_period", opts.TokensPerPeriod, "must be greater than 0")
	}
	if opts.ReplenishmentPeriod <= 0 {
		return nil, invalidParameter("replenishment_period", opts.ReplenishmentPeriod, "must be greater than 0")
	}
	if opts.QueueLimit < 0 {
		return nil, invalidParameter("queue_limit", opts.QueueLimit, "must be >= 0")
	}
	if opts.QueueProcessingOrder == "" {
		opts.QueueProcessingOrder = OldestFirst
	}
	if err := opts.QueueProcessingOrder.Validate(); err != nil {
		return nil, err
	}

	cc := defaultCommonOptions()
	for _, fn := range common {
		fn(&cc)
	}

	now := cc.clock.Now()
	b := &TokenBucketLimiter{
		opts:              opts,
		cc:                cc,
		available:         float64(opts.TokenLimit),
		lastReplenishment: now,
		idleSince:         &now,
	}

	if opts.AutoReplenishment {
		b.stopSched = cc.scheduler.Every(opts.ReplenishmentPeriod, b.onTimer)
	}

	return b, nil
}

func (b *TokenBucketLimiter) oldestFirst() bool {
	return b.opts.QueueProcessingOrder == OldestFirst
}

func (b *TokenBucketLimiter) onTimer() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disposed {
		return
	}
	now := b.cc.clock.Now()
	elapsed := now.Sub(b.lastReplenishment)
	add := (elapsed.Seconds() / b.opts.ReplenishmentPeriod.Seconds()) * float64(b.opts.TokensPerPeriod)
	b.replenishLocked(add, now)
}

// replenishLocked applies a token delta, clamps to TokenLimit, records
// the replenishment instant, and drains the queue. Caller must hold b.mu.
func (b *TokenBucketLimiter) replenishLocked(add float64, now time.Time) {
	b.available = math.Min(b.available+add, float64(b.opts.TokenLimit))
	b.lastReplenishment = now
	b.drainLocked()
	b.maybeMarkIdleLocked(now)
}

func (b *TokenBucketLimiter) maybeMarkIdleLocked(now time.Time) {
	if b.available == float64(b.opts.TokenLimit) && b.q.Len() == 0 {
		b.idleSince = &now
	} else {
		b.idleSince = nil
	}
}

// TryAcquire implements Limiter.
func (b *TokenBucketLimiter) TryAcquire(n int) (*Lease, error) {
	start := b.cc.clock.Now()
	lease, err := b.tryAcquire(n)
	b.observeAcquire(start, n, lease, err)
	return lease, err
}

func (b *TokenBucketLimiter) tryAcquire(n int) (*Lease, error) {
	if n > b.opts.TokenLimit {
		return nil, &PermitCountExceededError{Requested: n, Capacity: b.opts.TokenLimit}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disposed {
		return nil, ErrDisposed
	}

	if n == 0 {
		return b.zeroPermitLeaseLocked()
	}

	if lease, ok := b.tryFastPathLocked(n); ok {
		return lease, nil
	}

	b.failed.Add(1)
	return newFailedLease(b.retryAfterLocked(n)), nil
}

func (b *TokenBucketLimiter) zeroPermitLeaseLocked() (*Lease, error) {
	if b.available > 0 {
		b.successful.Add(1)
		return newAcquiredLease(), nil
	}
	b.failed.Add(1)
	return newFailedLease(b.retryAfterLocked(0)), nil
}

func (b *TokenBucketLimiter) tryFastPathLocked(n int) (*Lease, bool) {
	if b.available < float64(n) {
		return nil, false
	}
	if b.oldestFirst() && b.q.Len() > 0 {
		return nil, false
	}
	now := b.cc.clock.Now()
	b.available -= float64(n)
	b.maybeMarkIdleLocked(now)
	b.successful.Add(1)
	return newAcquiredLease(), true
}

// retryAfterLocked computes ceil((n - available + queue_count) /
// tokens_per_period) * replenishment_period, floored at one period.
// Caller must hold b.mu.
func (b *TokenBucketLimiter) retryAfterLocked(n int) time.Duration {
	deficit := float64(n) - b.available + float64(b.q.Count())
	if deficit <= 0 {
		return b.opts.ReplenishmentPeriod
	}
	periods := math.Ceil(deficit / float64(b.opts.TokensPerPeriod))
	if periods < 1 {
		periods = 1
	}
	return time.Duration(periods) * b.opts.ReplenishmentPeriod
}

func (b *TokenBucketLimiter) drainLocked() {
	oldestFirst := b.oldestFirst()
	for {
		head, ok := b.q.Head(oldestFirst)
		if !ok {
			return
		}
		if b.available < float64(head.permits) {
			return
		}
		w, _ := b.q.PopHead(oldestFirst)
		b.available -= float64(w.permits)
		b.successful.Add(1)
		w.done <- newAcquiredLease()
	}
}

// Acquire implements Limiter.
func (b *TokenBucketLimiter) Acquire(ctx context.Context, n int) (*Lease, error) {
	start := b.cc.clock.Now()
	lease, err := b.acquire(ctx, n)
	b.observeAcquire(start, n, lease, err)
	return lease, err
}

func (b *TokenBucketLimiter) acquire(ctx context.Context, n int) (*Lease, error) {
	if n > b.opts.TokenLimit {
		return nil, &PermitCountExceededError{Requested: n, Capacity: b.opts.TokenLimit}
	}

	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return nil, ErrDisposed
	}

	if n == 0 {
		defer b.mu.Unlock()
		return b.zeroPermitLeaseLocked()
	}

	if lease, ok := b.tryFastPathLocked(n); ok {
		b.mu.Unlock()
		return lease, nil
	}

	if ctx.Err() != nil {
		b.mu.Unlock()
		return nil, ErrCancelled
	}

	lease, admitted := b.admitToQueueLocked(n)
	if !admitted {
		b.mu.Unlock()
		b.failed.Add(1)
		return lease, nil
	}

	waiter := bucketWaiter{permits: n, done: make(chan *Lease, 1)}
	handle := b.q.PushBack(waiter)
	b.mu.Unlock()

	select {
	case lease := <-waiter.done:
		return lease, nil
	case <-ctx.Done():
		return b.cancelWait(handle, waiter)
	}
}

func (b *TokenBucketLimiter) admitToQueueLocked(n int) (*Lease, bool) {
	if b.q.Count()+n <= b.opts.QueueLimit {
		return nil, true
	}
	if b.opts.QueueProcessingOrder == NewestFirst && n <= b.opts.QueueLimit {
		for b.q.Count()+n > b.opts.QueueLimit {
			oldest, ok := b.q.PopFront()
			if !ok {
				break
			}
			b.failed.Add(1)
			oldest.done <- newFailedLease(b.retryAfterLocked(oldest.permits))
		}
		return nil, true
	}
	return newFailedLease(b.retryAfterLocked(n)), false
}

func (b *TokenBucketLimiter) cancelWait(h queue.Handle[bucketWaiter], w bucketWaiter) (*Lease, error) {
	b.mu.Lock()
	_, ok := b.q.Remove(h)
	b.mu.Unlock()

	if ok {
		return nil, ErrCancelled
	}

	<-w.done
	return nil, ErrCancelled
}

// Statistics implements Limiter.
func (b *TokenBucketLimiter) Statistics() Statistics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Statistics{
		AvailablePermits: int(math.Floor(b.available)),
		QueuedCount:      b.q.Count(),
		TotalSuccessful:  b.successful.Load(),
		TotalFailed:      b.failed.Load(),
	}
}

// IdleDuration implements Limiter.
func (b *TokenBucketLimiter) IdleDuration() (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.idleSince == nil {
		return 0, false
	}
	return b.cc.clock.Since(*b.idleSince), true
}

// IsAutoReplenishing implements ReplenishingLimiter.
func (b *TokenBucketLimiter) IsAutoReplenishing() bool {
	return b.opts.AutoReplenishment
}

// ReplenishmentPeriod implements ReplenishingLimiter.
func (b *TokenBucketLimiter) ReplenishmentPeriod() time.Duration {
	return b.opts.ReplenishmentPeriod
}

// TryReplenish implements ReplenishingLimiter.
func (b *TokenBucketLimiter) TryReplenish() bool {
	if b.opts.AutoReplenishment {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disposed {
		return false
	}
	b.replenishLocked(float64(b.opts.TokensPerPeriod), b.cc.clock.Now())
	return true
}

// Dispose implements Disposer.
func (b *TokenBucketLimiter) Dispose() {
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return
	}
	b.disposed = true
	for {
		w, ok := b.q.PopFront()
		if !ok {
			break
		}
		b.failed.Add(1)
		w.done <- newFailedLease()
	}
	stop := b.stopSched
	b.mu.Unlock()

	if stop != nil {
		stop()
	}
	b.cc.observer.OnDispose("token_bucket")
}

func (b *TokenBucketLimiter) observeAcquire(start time.Time, requested int, lease *Lease, err error) {
	ev := AcquireEvent{Kind: "token_bucket", Requested: requested, Err: err, Duration: b.cc.clock.Since(start)}
	if lease != nil {
		ev.Allowed = lease.IsAcquired()
		if rt, ok := lease.Metadata(RetryAfterKey); ok {
			ev.RetryAfter, _ = rt.(time.Duration)
		}
	}
	if ev.Allowed {
		b.mu.Lock()
		ev.Remaining = int(math.Floor(b.available))
		b.mu.Unlock()
	}
	b.cc.observer.OnAcquire(context.Background(), ev)
}

var (
	_ Limiter             = (*TokenBucketLimiter)(nil)
	_ ReplenishingLimiter = (*TokenBucketLimiter)(nil)
	_ Disposer            = (*TokenBucketLimiter)(nil)
)
