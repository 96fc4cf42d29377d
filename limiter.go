// Package ratelimit implements the core of an in-process rate-limiting
// library: four permit-granting algorithms (concurrency, fixed-window,
// token-bucket, sliding-window) sharing one acquisition contract, plus
// chained (all-or-nothing) and partitioned (per-key fan-out) composers.
//
// Every limiter exposes the same four operations — TryAcquire (never
// blocks), Acquire (may queue and wait, cancellable via context),
// Statistics, and IdleDuration — and returns a Lease rather than a bare
// bool, so a denied request and a granted one both carry metadata (a
// RetryAfter hint on denial, a release hook on grant for limiters whose
// permits are returnable).
//
// There is no distributed coordination, no persistence, and no network
// I/O anywhere in this package: a Limiter is a self-contained, in-memory
// state machine guarded by one mutex, with time and scheduling supplied
// by the caller through options (WithClock, WithScheduler) so tests can
// drive window advances and token replenishment without sleeping.
package ratelimit

import (
	"context"
	"time"
)

// Limiter is the capability set every rate limiter implements.
type Limiter interface {
	// TryAcquire attempts to acquire n permits without blocking. It never
	// queues: if permits are not immediately available it returns a
	// failed lease (or, if the limiter is disposed, an error).
	TryAcquire(n int) (*Lease, error)

	// Acquire attempts to acquire n permits, queueing and waiting if
	// necessary. It returns when permits are granted, the queue refuses
	// the request, the limiter is disposed, or ctx is done.
	Acquire(ctx context.Context, n int) (*Lease, error)

	// Statistics returns a snapshot of the limiter's current counters.
	Statistics() Statistics

	// IdleDuration returns how long the limiter has had every permit
	// available and an empty queue, or ok=false if it is currently in
	// use.
	IdleDuration() (d time.Duration, ok bool)
}

// ReplenishingLimiter is a Limiter whose permits are replenished over
// time rather than returned by the caller (fixed-window, token-bucket,
// sliding-window).
type ReplenishingLimiter interface {
	Limiter

	// IsAutoReplenishing reports whether a background scheduler is
	// driving replenishment. When true, TryReplenish is a no-op.
	IsAutoReplenishing() bool

	// ReplenishmentPeriod returns the configured replenishment interval.
	ReplenishmentPeriod() time.Duration

	// TryReplenish forces a replenishment event (window advance, token
	// drip, or segment-expiry sweep) and reports whether it fired. It
	// always returns false when IsAutoReplenishing is true.
	TryReplenish() bool
}

// Disposer is implemented by limiters that hold background resources
// (a replenishment scheduler) which must be released explicitly.
// Disposal is idempotent and drains the queue, failing every waiter.
type Disposer interface {
	Dispose()
}
