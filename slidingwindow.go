package ratelimit

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arjunv/ratelimit/internal/queue"
)

// SlidingWindowLimiterOptions configures a SlidingWindowLimiter.
type SlidingWindowLimiterOptions struct {
	// PermitLimit is the quota for the whole window. Must be > 0.
	PermitLimit int

	// Window is the total duration covered by the sliding window. Must
	// be > 0.
	Window time.Duration

	// SegmentsPerWindow divides Window into equal sub-windows. Must be > 0.
	SegmentsPerWindow int

	// QueueLimit is the maximum total requested permits that may be
	// queued at once. Zero disables queueing entirely.
	QueueLimit int

	// QueueProcessingOrder selects FIFO or LIFO-with-eviction queueing.
	QueueProcessingOrder QueueProcessingOrder

	// AutoReplenishment, when true, sweeps expired segments on a
	// background scheduler tick once per sub-window duration. When
	// false, sweeping only happens lazily before a read/acquire, or via
	// an explicit TryReplenish call.
	AutoReplenishment bool
}

type windowSegment struct {
	expiresAt time.Time
	count     int
}

type slidingWaiter struct {
	permits int
	done    chan *Lease
}

func (w slidingWaiter) Permits() int { return w.permits }

// SlidingWindowLimiter tracks consumption across a window divided into
// equal segments; permits free up gradually as the oldest segments
// expire, rather than all at once like a fixed window.
type SlidingWindowLimiter struct {
	opts        SlidingWindowLimiterOptions
	segmentSpan time.Duration
	cc          commonOptions

	mu        sync.Mutex
	segments  *list.List // of *windowSegment, oldest (front) to newest (back)
	q         queue.Queue[slidingWaiter]
	idleSince *time.Time
	disposed  bool
	stopSched func()

	successful atomic.Uint64
	failed     atomic.Uint64
}

// NewSlidingWindowLimiter constructs a SlidingWindowLimiter. Returns
// InvalidParameterError for non-positive PermitLimit, Window, or
// SegmentsPerWindow, a negative QueueLimit, or an unrecognized
// QueueProcessingOrder.
func NewSlidingWindowLimiter(opts SlidingWindowLimiterOptions, common ...CommonOption) (*SlidingWindowLimiter, error) {
	if opts.PermitLimit <= 0 {
		return nil, invalidParameter("permit_limit", opts.PermitLimit, "must be greater than 0")
	}
	if opts.Window <= 0 {
		return nil, invalidParameter("window", opts.Window, "must be greater than 0")
	}
	if opts.SegmentsPerWindow <= 0 {
		return nil, invalidParameter("segments_per_window", opts.SegmentsPerWindow, "must be greater than 0")
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
	s := &SlidingWindowLimiter{
		opts:        opts,
		segmentSpan: opts.Window / time.Duration(opts.SegmentsPerWindow),
		cc:          cc,
		segments:    list.New(),
		idleSince:   &now,
	}

	if opts.AutoReplenishment {
		s.stopSched = cc.scheduler.Every(s.segmentSpan, s.onTimer)
	}

	return s, nil
}

func (s *SlidingWindowLimiter) oldestFirst() bool {
	return s.opts.QueueProcessingOrder == OldestFirst
}

// expireLocked drops every segment whose expiry has passed. Caller must
// hold s.mu.
func (s *SlidingWindowLimiter) expireLocked(now time.Time) {
	for e := s.segments.Front(); e != nil; {
		next := e.Next()
		seg := e.Value.(*windowSegment)
		if !seg.expiresAt.After(now) {
			s.segments.Remove(e)
		}
		e = next
	}
}

// usedLocked sums live segment counts. Caller must hold s.mu.
func (s *SlidingWindowLimiter) usedLocked() int {
	used := 0
	for e := s.segments.Front(); e != nil; e = e.Next() {
		used += e.Value.(*windowSegment).count
	}
	return used
}

func (s *SlidingWindowLimiter) availableLocked() int {
	return s.opts.PermitLimit - s.usedLocked()
}

func (s *SlidingWindowLimiter) onTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return
	}
	now := s.cc.clock.Now()
	s.expireLocked(now)
	s.drainLocked(now)
	s.maybeMarkIdleLocked(now)
}

func (s *SlidingWindowLimiter) maybeMarkIdleLocked(now time.Time) {
	if s.availableLocked() == s.opts.PermitLimit && s.q.Len() == 0 {
		s.idleSince = &now
	} else {
		s.idleSince = nil
	}
}

// recordLocked adds n to the current sub-window's segment, creating one
// if the most recent segment predates the current sub-window boundary.
// Caller must hold s.mu.
func (s *SlidingWindowLimiter) recordLocked(n int, now time.Time) {
	if back := s.segments.Back(); back != nil {
		seg := back.Value.(*windowSegment)
		if seg.expiresAt.Sub(now) > s.opts.Window-s.segmentSpan {
			seg.count += n
			return
		}
	}
	s.segments.PushBack(&windowSegment{expiresAt: now.Add(s.opts.Window), count: n})
}

// TryAcquire implements Limiter.
func (s *SlidingWindowLimiter) TryAcquire(n int) (*Lease, error) {
	start := s.cc.clock.Now()
	lease, err := s.tryAcquire(n)
	s.observeAcquire(start, n, lease, err)
	return lease, err
}

func (s *SlidingWindowLimiter) tryAcquire(n int) (*Lease, error) {
	if n > s.opts.PermitLimit {
		return nil, &PermitCountExceededError{Requested: n, Capacity: s.opts.PermitLimit}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return nil, ErrDisposed
	}

	now := s.cc.clock.Now()
	s.expireLocked(now)

	if n == 0 {
		return s.zeroPermitLeaseLocked(now)
	}

	if lease, ok := s.tryFastPathLocked(n, now); ok {
		return lease, nil
	}

	s.failed.Add(1)
	return newFailedLease(s.retryAfterLocked(now)), nil
}

func (s *SlidingWindowLimiter) zeroPermitLeaseLocked(now time.Time) (*Lease, error) {
	if s.availableLocked() > 0 {
		s.successful.Add(1)
		return newAcquiredLease(), nil
	}
	s.failed.Add(1)
	return newFailedLease(s.retryAfterLocked(now)), nil
}

func (s *SlidingWindowLimiter) tryFastPathLocked(n int, now time.Time) (*Lease, bool) {
	if s.availableLocked() < n {
		return nil, false
	}
	if s.oldestFirst() && s.q.Len() > 0 {
		return nil, false
	}
	s.recordLocked(n, now)
	s.maybeMarkIdleLocked(now)
	s.successful.Add(1)
	return newAcquiredLease(), true
}

// retryAfterLocked returns the time until the oldest live segment
// expires, or zero if there are none. Caller must hold s.mu.
func (s *SlidingWindowLimiter) retryAfterLocked(now time.Time) time.Duration {
	front := s.segments.Front()
	if front == nil {
		return 0
	}
	seg := front.Value.(*windowSegment)
	if d := seg.expiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// drainLocked grants queued waiters, recomputing availability after
// each grant since every grant consumes capacity by creating or growing
// a segment. Caller must hold s.mu.
func (s *SlidingWindowLimiter) drainLocked(now time.Time) {
	oldestFirst := s.oldestFirst()
	for {
		head, ok := s.q.Head(oldestFirst)
		if !ok {
			return
		}
		if s.availableLocked() < head.permits {
			return
		}
		w, _ := s.q.PopHead(oldestFirst)
		s.recordLocked(w.permits, now)
		s.successful.Add(1)
		w.done <- newAcquiredLease()
	}
}

// Acquire implements Limiter.
func (s *SlidingWindowLimiter) Acquire(ctx context.Context, n int) (*Lease, error) {
	start := s.cc.clock.Now()
	lease, err := s.acquire(ctx, n)
	s.observeAcquire(start, n, lease, err)
	return lease, err
}

func (s *SlidingWindowLimiter) acquire(ctx context.Context, n int) (*Lease, error) {
	if n > s.opts.PermitLimit {
		return nil, &PermitCountExceededError{Requested: n, Capacity: s.opts.PermitLimit}
	}

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil, ErrDisposed
	}

	now := s.cc.clock.Now()
	s.expireLocked(now)

	if n == 0 {
		defer s.mu.Unlock()
		return s.zeroPermitLeaseLocked(now)
	}

	if lease, ok := s.tryFastPathLocked(n, now); ok {
		s.mu.Unlock()
		return lease, nil
	}

	if ctx.Err() != nil {
		s.mu.Unlock()
		return nil, ErrCancelled
	}

	lease, admitted := s.admitToQueueLocked(n, now)
	if !admitted {
		s.mu.Unlock()
		s.failed.Add(1)
		return lease, nil
	}

	waiter := slidingWaiter{permits: n, done: make(chan *Lease, 1)}
	handle := s.q.PushBack(waiter)
	s.mu.Unlock()

	select {
	case lease := <-waiter.done:
		return lease, nil
	case <-ctx.Done():
		return s.cancelWait(handle, waiter)
	}
}

func (s *SlidingWindowLimiter) admitToQueueLocked(n int, now time.Time) (*Lease, bool) {
	if s.q.Count()+n <= s.opts.QueueLimit {
		return nil, true
	}
	if s.opts.QueueProcessingOrder == NewestFirst && n <= s.opts.QueueLimit {
		for s.q.Count()+n > s.opts.QueueLimit {
			oldest, ok := s.q.PopFront()
			if !ok {
				break
			}
			s.failed.Add(1)
			oldest.done <- newFailedLease(s.retryAfterLocked(now))
		}
		return nil, true
	}
	return newFailedLease(s.retryAfterLocked(now)), false
}

func (s *SlidingWindowLimiter) cancelWait(h queue.Handle[slidingWaiter], w slidingWaiter) (*Lease, error) {
	s.mu.Lock()
	_, ok := s.q.Remove(h)
	s.mu.Unlock()

	if ok {
		return nil, ErrCancelled
	}

	<-w.done
	return nil, ErrCancelled
}

// Statistics implements Limiter.
func (s *SlidingWindowLimiter) Statistics() Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked(s.cc.clock.Now())
	return Statistics{
		AvailablePermits: s.availableLocked(),
		QueuedCount:      s.q.Count(),
		TotalSuccessful:  s.successful.Load(),
		TotalFailed:      s.failed.Load(),
	}
}

// IdleDuration implements Limiter.
func (s *SlidingWindowLimiter) IdleDuration() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idleSince == nil {
		return 0, false
	}
	return s.cc.clock.Since(*s.idleSince), true
}

// IsAutoReplenishing implements ReplenishingLimiter.
func (s *SlidingWindowLimiter) IsAutoReplenishing() bool {
	return s.opts.AutoReplenishment
}

// ReplenishmentPeriod implements ReplenishingLimiter, reporting the
// sub-window duration — the actual period at which segments expire and
// the queue is re-examined.
func (s *SlidingWindowLimiter) ReplenishmentPeriod() time.Duration {
	return s.segmentSpan
}

// TryReplenish implements ReplenishingLimiter.
func (s *SlidingWindowLimiter) TryReplenish() bool {
	if s.opts.AutoReplenishment {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return false
	}
	now := s.cc.clock.Now()
	s.expireLocked(now)
	s.drainLocked(now)
	s.maybeMarkIdleLocked(now)
	return true
}

// Dispose implements Disposer.
func (s *SlidingWindowLimiter) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	for {
		w, ok := s.q.PopFront()
		if !ok {
			break
		}
		s.failed.Add(1)
		w.done <- newFailedLease()
	}
	stop := s.stopSched
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	s.cc.observer.OnDispose("sliding_window")
}

func (s *SlidingWindowLimiter) observeAcquire(start time.Time, requested int, lease *Lease, err error) {
	ev := AcquireEvent{Kind: "sliding_window", Requested: requested, Err: err, Duration: s.cc.clock.Since(start)}
	if lease != nil {
		ev.Allowed = lease.IsAcquired()
		if rt, ok := lease.Metadata(RetryAfterKey); ok {
			ev.RetryAfter, _ = rt.(time.Duration)
		}
	}
	if ev.Allowed {
		s.mu.Lock()
		ev.Remaining = s.availableLocked()
		s.mu.Unlock()
	}
	s.cc.observer.OnAcquire(context.Background(), ev)
}

var (
	_ Limiter             = (*SlidingWindowLimiter)(nil)
	_ ReplenishingLimiter = (*SlidingWindowLimiter)(nil)
	_ Disposer            = (*SlidingWindowLimiter)(nil)
)
