package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arjunv/ratelimit/internal/queue"
)

// FixedWindowLimiterOptions configures a FixedWindowLimiter.
type FixedWindowLimiterOptions struct {
	// PermitLimit is the fresh quota granted at the start of every
	// window. Must be > 0.
	PermitLimit int

	// Window is the duration of one quota period. Must be > 0.
	Window time.Duration

	// QueueLimit is the maximum total requested permits that may be
	// queued at once. Zero disables queueing entirely.
	QueueLimit int

	// QueueProcessingOrder selects FIFO or LIFO-with-eviction queueing.
	QueueProcessingOrder QueueProcessingOrder

	// AutoReplenishment, when true, advances the window on a background
	// scheduler tick every Window. When false, the window advances
	// lazily on the next acquisition attempt once Window has elapsed, or
	// on an explicit TryReplenish call.
	AutoReplenishment bool
}

type windowWaiter struct {
	permits int
	done    chan *Lease
}

func (w windowWaiter) Permits() int { return w.permits }

// FixedWindowLimiter grants a fresh quota of permits at the start of
// every fixed-duration window; permits consumed within a window are not
// returnable and only come back when the window advances.
type FixedWindowLimiter struct {
	opts FixedWindowLimiterOptions
	cc   commonOptions

	mu          sync.Mutex
	available   int
	windowStart time.Time
	q           queue.Queue[windowWaiter]
	idleSince   *time.Time
	disposed    bool
	stopSched   func()

	successful atomic.Uint64
	failed     atomic.Uint64
}

// NewFixedWindowLimiter constructs a FixedWindowLimiter. Returns
// InvalidParameterError for a non-positive PermitLimit or Window, a
// negative QueueLimit, or an unrecognized QueueProcessingOrder.
func NewFixedWindowLimiter(opts FixedWindowLimiterOptions, common ...CommonOption) (*FixedWindowLimiter, error) {
	if opts.PermitLimit <= 0 {
		return nil, invalidParameter("permit_limit", opts.PermitLimit, "must be greater than 0")
	}
	if opts.Window <= 0 {
		return nil, invalidParameter("window", opts.Window, "must be greater than 0")
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
	f := &FixedWindowLimiter{
		opts:        opts,
		cc:          cc,
		available:   opts.PermitLimit,
		windowStart: now,
		idleSince:   &now,
	}

	if opts.AutoReplenishment {
		f.stopSched = cc.scheduler.Every(opts.Window, f.onTimer)
	}

	return f, nil
}

func (f *FixedWindowLimiter) oldestFirst() bool {
	return f.opts.QueueProcessingOrder == OldestFirst
}

func (f *FixedWindowLimiter) onTimer() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.disposed {
		return
	}
	f.advanceLocked(f.cc.clock.Now())
}

// advanceLocked resets the window and drains the queue. Caller must hold f.mu.
func (f *FixedWindowLimiter) advanceLocked(now time.Time) {
	f.available = f.opts.PermitLimit
	f.windowStart = now
	f.drainLocked()
	f.maybeMarkIdleLocked(now)
}

// maybeElapseLocked lazily advances the window if Window has elapsed
// since windowStart, used by the manual-mode acquisition path. Caller
// must hold f.mu.
func (f *FixedWindowLimiter) maybeElapseLocked(now time.Time) {
	if f.opts.AutoReplenishment {
		return
	}
	if now.Sub(f.windowStart) >= f.opts.Window {
		f.advanceLocked(now)
	}
}

func (f *FixedWindowLimiter) maybeMarkIdleLocked(now time.Time) {
	if f.available == f.opts.PermitLimit && f.q.Len() == 0 {
		f.idleSince = &now
	} else {
		f.idleSince = nil
	}
}

// TryAcquire implements Limiter.
func (f *FixedWindowLimiter) TryAcquire(n int) (*Lease, error) {
	start := f.cc.clock.Now()
	lease, err := f.tryAcquire(n)
	f.observeAcquire(start, n, lease, err)
	return lease, err
}

func (f *FixedWindowLimiter) tryAcquire(n int) (*Lease, error) {
	if n > f.opts.PermitLimit {
		return nil, &PermitCountExceededError{Requested: n, Capacity: f.opts.PermitLimit}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.disposed {
		return nil, ErrDisposed
	}

	now := f.cc.clock.Now()
	f.maybeElapseLocked(now)

	if n == 0 {
		return f.zeroPermitLeaseLocked(now)
	}

	if lease, ok := f.tryFastPathLocked(n, now); ok {
		return lease, nil
	}

	f.failed.Add(1)
	return newFailedLease(f.retryAfterLocked(n, now)), nil
}

func (f *FixedWindowLimiter) zeroPermitLeaseLocked(now time.Time) (*Lease, error) {
	if f.available > 0 {
		f.successful.Add(1)
		return newAcquiredLease(), nil
	}
	f.failed.Add(1)
	return newFailedLease(f.retryAfterLocked(0, now)), nil
}

func (f *FixedWindowLimiter) tryFastPathLocked(n int, now time.Time) (*Lease, bool) {
	if f.available < n {
		return nil, false
	}
	if f.oldestFirst() && f.q.Len() > 0 {
		return nil, false
	}
	f.available -= n
	f.maybeMarkIdleLocked(now)
	f.successful.Add(1)
	return newAcquiredLease(), true
}

// retryAfterLocked computes the RetryAfter hint for a denial: the
// remaining time in the current window. Caller must hold f.mu.
func (f *FixedWindowLimiter) retryAfterLocked(n int, now time.Time) time.Duration {
	if n > f.opts.PermitLimit {
		return f.opts.Window
	}
	remaining := f.opts.Window - now.Sub(f.windowStart)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// drainLocked grants queued waiters while the fresh quota allows, in
// processing order. Caller must hold f.mu.
func (f *FixedWindowLimiter) drainLocked() {
	oldestFirst := f.oldestFirst()
	for {
		head, ok := f.q.Head(oldestFirst)
		if !ok {
			return
		}
		if f.available < head.permits {
			return
		}
		w, _ := f.q.PopHead(oldestFirst)
		f.available -= w.permits
		f.successful.Add(1)
		w.done <- newAcquiredLease()
	}
}

// Acquire implements Limiter.
func (f *FixedWindowLimiter) Acquire(ctx context.Context, n int) (*Lease, error) {
	start := f.cc.clock.Now()
	lease, err := f.acquire(ctx, n)
	f.observeAcquire(start, n, lease, err)
	return lease, err
}

func (f *FixedWindowLimiter) acquire(ctx context.Context, n int) (*Lease, error) {
	if n > f.opts.PermitLimit {
		return nil, &PermitCountExceededError{Requested: n, Capacity: f.opts.PermitLimit}
	}

	f.mu.Lock()
	if f.disposed {
		f.mu.Unlock()
		return nil, ErrDisposed
	}

	now := f.cc.clock.Now()
	f.maybeElapseLocked(now)

	if n == 0 {
		defer f.mu.Unlock()
		return f.zeroPermitLeaseLocked(now)
	}

	if lease, ok := f.tryFastPathLocked(n, now); ok {
		f.mu.Unlock()
		return lease, nil
	}

	if ctx.Err() != nil {
		f.mu.Unlock()
		return nil, ErrCancelled
	}

	lease, admitted := f.admitToQueueLocked(n, now)
	if !admitted {
		f.mu.Unlock()
		f.failed.Add(1)
		return lease, nil
	}

	waiter := windowWaiter{permits: n, done: make(chan *Lease, 1)}
	handle := f.q.PushBack(waiter)
	f.mu.Unlock()

	select {
	case lease := <-waiter.done:
		return lease, nil
	case <-ctx.Done():
		return f.cancelWait(handle, waiter)
	}
}

func (f *FixedWindowLimiter) admitToQueueLocked(n int, now time.Time) (*Lease, bool) {
	if f.q.Count()+n <= f.opts.QueueLimit {
		return nil, true
	}
	if f.opts.QueueProcessingOrder == NewestFirst && n <= f.opts.QueueLimit {
		for f.q.Count()+n > f.opts.QueueLimit {
			oldest, ok := f.q.PopFront()
			if !ok {
				break
			}
			f.failed.Add(1)
			oldest.done <- newFailedLease(f.retryAfterLocked(oldest.permits, now))
		}
		return nil, true
	}
	return newFailedLease(f.retryAfterLocked(n, now)), false
}

func (f *FixedWindowLimiter) cancelWait(h queue.Handle[windowWaiter], w windowWaiter) (*Lease, error) {
	f.mu.Lock()
	_, ok := f.q.Remove(h)
	f.mu.Unlock()

	if ok {
		return nil, ErrCancelled
	}

	// Already popped and granted by drain; fixed-window permits are not
	// returnable, so the grant stands — but the caller asked to cancel,
	// so report Cancelled and let the already-consumed permit lapse
	// until the next window advance, consistent with "no leak" meaning
	// no double-accounting rather than refunding a consumed quota.
	<-w.done
	return nil, ErrCancelled
}

// Statistics implements Limiter.
func (f *FixedWindowLimiter) Statistics() Statistics {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Statistics{
		AvailablePermits: f.available,
		QueuedCount:      f.q.Count(),
		TotalSuccessful:  f.successful.Load(),
		TotalFailed:      f.failed.Load(),
	}
}

// IdleDuration implements Limiter.
func (f *FixedWindowLimiter) IdleDuration() (time.Duration, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.idleSince == nil {
		return 0, false
	}
	return f.cc.clock.Since(*f.idleSince), true
}

// IsAutoReplenishing implements ReplenishingLimiter.
func (f *FixedWindowLimiter) IsAutoReplenishing() bool {
	return f.opts.AutoReplenishment
}

// ReplenishmentPeriod implements ReplenishingLimiter.
func (f *FixedWindowLimiter) ReplenishmentPeriod() time.Duration {
	return f.opts.Window
}

// TryReplenish implements ReplenishingLimiter.
func (f *FixedWindowLimiter) TryReplenish() bool {
	if f.opts.AutoReplenishment {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.disposed {
		return false
	}
	f.advanceLocked(f.cc.clock.Now())
	return true
}

// Dispose implements Disposer.
func (f *FixedWindowLimiter) Dispose() {
	f.mu.Lock()
	if f.disposed {
		f.mu.Unlock()
		return
	}
	f.disposed = true
	for {
		w, ok := f.q.PopFront()
		if !ok {
			break
		}
		f.failed.Add(1)
		w.done <- newFailedLease()
	}
	stop := f.stopSched
	f.mu.Unlock()

	if stop != nil {
		stop()
	}
	f.cc.observer.OnDispose("fixed_window")
}

func (f *FixedWindowLimiter) observeAcquire(start time.Time, requested int, lease *Lease, err error) {
	ev := AcquireEvent{Kind: "fixed_window", Requested: requested, Err: err, Duration: f.cc.clock.Since(start)}
	if lease != nil {
		ev.Allowed = lease.IsAcquired()
		if rt, ok := lease.Metadata(RetryAfterKey); ok {
			ev.RetryAfter, _ = rt.(time.Duration)
		}
	}
	if ev.Allowed {
		f.mu.Lock()
		ev.Remaining = f.available
		f.mu.Unlock()
	}
	f.cc.observer.OnAcquire(context.Background(), ev)
}

var (
	_ Limiter             = (*FixedWindowLimiter)(nil)
	_ ReplenishingLimiter = (*FixedWindowLimiter)(nil)
	_ Disposer            = (*FixedWindowLimiter)(nil)
)
