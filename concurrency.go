package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arjunv/ratelimit/internal/queue"
)

// ConcurrencyLimiterOptions configures a ConcurrencyLimiter. This is the
// full, closed configuration surface for this limiter kind.
type ConcurrencyLimiterOptions struct {
	// PermitLimit is the maximum number of permits that can be held
	// concurrently. Must be > 0.
	PermitLimit int

	// QueueLimit is the maximum total requested permits that may be
	// queued at once. Zero disables queueing entirely.
	QueueLimit int

	// QueueProcessingOrder selects FIFO or LIFO-with-eviction queueing.
	QueueProcessingOrder QueueProcessingOrder
}

type concurrencyWaiter struct {
	permits int
	done    chan *Lease
}

func (w concurrencyWaiter) Permits() int { return w.permits }

// ConcurrencyLimiter hands out returnable permits: a semaphore with a
// bounded wait queue. Acquired leases carry a release hook; calling
// Release gives the permits back and wakes the head of the queue.
type ConcurrencyLimiter struct {
	opts ConcurrencyLimiterOptions
	cc   commonOptions

	mu        sync.Mutex
	available int
	q         queue.Queue[concurrencyWaiter]
	idleSince *time.Time
	disposed  bool

	successful atomic.Uint64
	failed     atomic.Uint64
}

// NewConcurrencyLimiter constructs a ConcurrencyLimiter. Returns
// InvalidParameterError if PermitLimit <= 0 or QueueProcessingOrder is
// not a recognized value.
func NewConcurrencyLimiter(opts ConcurrencyLimiterOptions, common ...CommonOption) (*ConcurrencyLimiter, error) {
	if opts.PermitLimit <= 0 {
		return nil, invalidParameter("permit_limit", opts.PermitLimit, "must be greater than 0")
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
	return &ConcurrencyLimiter{
		opts:      opts,
		cc:        cc,
		available: opts.PermitLimit,
		idleSince: &now,
	}, nil
}

func (c *ConcurrencyLimiter) oldestFirst() bool {
	return c.opts.QueueProcessingOrder == OldestFirst
}

// TryAcquire implements Limiter.
func (c *ConcurrencyLimiter) TryAcquire(n int) (*Lease, error) {
	start := c.cc.clock.Now()
	lease, err := c.tryAcquire(n)
	c.observeAcquire(start, n, lease, err)
	return lease, err
}

func (c *ConcurrencyLimiter) tryAcquire(n int) (*Lease, error) {
	if n > c.opts.PermitLimit {
		return nil, &PermitCountExceededError{Requested: n, Capacity: c.opts.PermitLimit}
	}

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil, ErrDisposed
	}

	if n == 0 {
		defer c.mu.Unlock()
		return c.zeroPermitLease()
	}

	if lease, ok := c.tryFastPath(n); ok {
		c.mu.Unlock()
		return lease, nil
	}

	c.mu.Unlock()
	c.failed.Add(1)
	return newFailedLease(), nil
}

// observeAcquire reports a completed acquisition decision to the
// configured Observer. Always called outside c.mu.
func (c *ConcurrencyLimiter) observeAcquire(start time.Time, requested int, lease *Lease, err error) {
	ev := AcquireEvent{
		Kind:      "concurrency",
		Requested: requested,
		Err:       err,
		Duration:  c.cc.clock.Since(start),
	}
	if lease != nil {
		ev.Allowed = lease.IsAcquired()
	}
	if ev.Allowed {
		c.mu.Lock()
		ev.Remaining = c.available
		c.mu.Unlock()
	}
	c.cc.observer.OnAcquire(context.Background(), ev)
}

// zeroPermitLease implements the n==0 edge case shared by TryAcquire and
// Acquire. Caller must hold c.mu.
func (c *ConcurrencyLimiter) zeroPermitLease() (*Lease, error) {
	if c.available > 0 {
		c.successful.Add(1)
		return newAcquiredLease(), nil
	}
	c.failed.Add(1)
	return newFailedLease(), nil
}

// tryFastPath attempts immediate acquisition. Caller must hold c.mu.
func (c *ConcurrencyLimiter) tryFastPath(n int) (*Lease, bool) {
	if c.available < n {
		return nil, false
	}
	// OldestFirst must not let new arrivals jump a non-empty queue.
	if c.oldestFirst() && c.q.Len() > 0 {
		return nil, false
	}

	c.available -= n
	c.idleSince = nil
	c.successful.Add(1)
	return c.newReturnableLease(n), true
}

// newReturnableLease builds a lease whose Release gives n permits back
// exactly once and wakes the queue.
func (c *ConcurrencyLimiter) newReturnableLease(n int) *Lease {
	return newAcquiredLeaseWithRelease(func() { c.release(n) })
}

// release is the single, unified path by which permits return to the
// pool — whether from an explicit caller Release or from draining a
// queued grant that was immediately cancelled. See SPEC_FULL.md §5.
func (c *ConcurrencyLimiter) release(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disposed {
		return
	}

	c.available += n
	if c.available == c.opts.PermitLimit && c.q.Len() == 0 {
		now := c.cc.clock.Now()
		c.idleSince = &now
	}
	c.drainLocked()
}

// drainLocked grants queued waiters while permits allow, in processing
// order. Caller must hold c.mu. Never blocks: every waiter's done
// channel is buffered with capacity 1.
func (c *ConcurrencyLimiter) drainLocked() {
	oldestFirst := c.oldestFirst()
	for {
		head, ok := c.q.Head(oldestFirst)
		if !ok {
			return
		}
		if c.available < head.permits {
			return
		}

		w, _ := c.q.PopHead(oldestFirst)
		c.available -= w.permits
		c.idleSince = nil
		c.successful.Add(1)
		w.done <- c.newReturnableLease(w.permits)
	}
}

// Acquire implements Limiter.
func (c *ConcurrencyLimiter) Acquire(ctx context.Context, n int) (*Lease, error) {
	start := c.cc.clock.Now()
	lease, err := c.acquire(ctx, n)
	c.observeAcquire(start, n, lease, err)
	return lease, err
}

func (c *ConcurrencyLimiter) acquire(ctx context.Context, n int) (*Lease, error) {
	if n > c.opts.PermitLimit {
		return nil, &PermitCountExceededError{Requested: n, Capacity: c.opts.PermitLimit}
	}

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil, ErrDisposed
	}

	if n == 0 {
		defer c.mu.Unlock()
		return c.zeroPermitLease()
	}

	if lease, ok := c.tryFastPath(n); ok {
		c.mu.Unlock()
		return lease, nil
	}

	if ctx.Err() != nil {
		c.mu.Unlock()
		return nil, ErrCancelled
	}

	lease, admitted := c.admitToQueueLocked(n)
	if !admitted {
		c.mu.Unlock()
		c.failed.Add(1)
		return lease, nil
	}

	waiter := concurrencyWaiter{permits: n, done: make(chan *Lease, 1)}
	handle := c.q.PushBack(waiter)
	c.mu.Unlock()

	select {
	case lease := <-waiter.done:
		return lease, nil
	case <-ctx.Done():
		return c.cancelWait(handle, waiter)
	}
}

// admitToQueueLocked applies the shared queue admission policy (spec
// §4.8): append if room, evict-then-append under NewestFirst if the
// evicted waiters make room, else refuse. Caller must hold c.mu.
// Returns (nil, true) when the caller should proceed to enqueue, or a
// failed lease and false when admission is refused outright.
func (c *ConcurrencyLimiter) admitToQueueLocked(n int) (*Lease, bool) {
	if c.q.Count()+n <= c.opts.QueueLimit {
		return nil, true
	}

	if c.opts.QueueProcessingOrder == NewestFirst && n <= c.opts.QueueLimit {
		for c.q.Count()+n > c.opts.QueueLimit {
			oldest, ok := c.q.PopFront()
			if !ok {
				break
			}
			c.failed.Add(1)
			oldest.done <- newFailedLease()
		}
		return nil, true
	}

	return newFailedLease(), false
}

// cancelWait handles a context firing while a request is queued. It
// implements the single documented linearization for the
// cancellation-races-a-grant race (SPEC_FULL.md §5 / spec.md §9): if the
// waiter is still queued, it is removed and nothing was ever granted; if
// drainLocked already popped and granted it concurrently, the grant is
// received (non-blocking — the channel is buffered and the send already
// happened under the lock that performed the pop) and released
// immediately so no permit leaks.
func (c *ConcurrencyLimiter) cancelWait(h queue.Handle[concurrencyWaiter], w concurrencyWaiter) (*Lease, error) {
	c.mu.Lock()
	removed, ok := c.q.Remove(h)
	c.mu.Unlock()

	if ok {
		_ = removed
		return nil, ErrCancelled
	}

	// Already popped by drainLocked and handed a lease; it is guaranteed
	// to be sitting in the buffered channel.
	lease := <-w.done
	lease.Release()
	return nil, ErrCancelled
}

// Statistics implements Limiter.
func (c *ConcurrencyLimiter) Statistics() Statistics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Statistics{
		AvailablePermits: c.available,
		QueuedCount:      c.q.Count(),
		TotalSuccessful:  c.successful.Load(),
		TotalFailed:      c.failed.Load(),
	}
}

// IdleDuration implements Limiter.
func (c *ConcurrencyLimiter) IdleDuration() (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.idleSince == nil {
		return 0, false
	}
	return c.cc.clock.Since(*c.idleSince), true
}

// Dispose marks the limiter terminal and fails every queued waiter.
// Idempotent.
func (c *ConcurrencyLimiter) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	for {
		w, ok := c.q.PopFront()
		if !ok {
			break
		}
		c.failed.Add(1)
		w.done <- newFailedLease()
	}
	c.mu.Unlock()
	c.cc.observer.OnDispose("concurrency")
}

var (
	_ Limiter  = (*ConcurrencyLimiter)(nil)
	_ Disposer = (*ConcurrencyLimiter)(nil)
)
