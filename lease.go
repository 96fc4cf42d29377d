package ratelimit

import (
	"sync"
	"time"
)

// RetryAfterKey is the standardized Lease metadata key carrying a
// time.Duration hint on failed leases from time-based limiters.
const RetryAfterKey = "RetryAfter"

// FailedLimiterIndexKey is the standardized Lease metadata key on a
// failed lease produced by a ChainedLimiter, carrying the zero-based
// index (int) of the inner limiter that refused the request.
const FailedLimiterIndexKey = "FailedLimiterIndex"

// Lease is the outcome of an acquisition attempt. A Lease is safe to drop
// without calling Release: an unacquired lease has no release hook, and a
// dropped acquired lease simply never returns its permits (Release must be
// called explicitly, or via a deferred call, to give them back).
type Lease struct {
	acquired bool
	metadata map[string]any

	once    sync.Once
	release func()
}

// newAcquiredLease builds a successful lease with no release effect
// (used for zero-cost permits and for consumable-permit limiters where
// there is nothing to return).
func newAcquiredLease() *Lease {
	return &Lease{acquired: true}
}

// newAcquiredLeaseWithRelease builds a successful lease whose permits are
// returned exactly once when Release is called.
func newAcquiredLeaseWithRelease(release func()) *Lease {
	return &Lease{acquired: true, release: release}
}

// newFailedLease builds a failed lease, optionally carrying a RetryAfter
// hint.
func newFailedLease(retryAfter ...time.Duration) *Lease {
	l := &Lease{acquired: false}
	if len(retryAfter) > 0 {
		l.metadata = map[string]any{RetryAfterKey: retryAfter[0]}
	}
	return l
}

// IsAcquired reports whether permits were granted by this lease. Callers
// must check this even on a non-error return: a failed acquisition is
// represented as an unacquired lease, not an error.
func (l *Lease) IsAcquired() bool {
	return l != nil && l.acquired
}

// Metadata returns the named metadata value and whether it was present.
// The standardized keys are RetryAfterKey (time.Duration) on failed
// leases from time-based limiters and FailedLimiterIndexKey (int) on
// failed leases from a ChainedLimiter. Unknown keys are simply absent;
// callers should tolerate that rather than treat it as an error.
func (l *Lease) Metadata(key string) (any, bool) {
	if l == nil || l.metadata == nil {
		return nil, false
	}
	v, ok := l.metadata[key]
	return v, ok
}

// withMetadata returns a copy of the lease with key set, used by the
// chained composer to annotate a failure with which inner limiter
// refused it. Only ever called on freshly-minted failed leases (release
// is always nil here), so the copy never duplicates a live release hook
// or a triggered sync.Once.
func (l *Lease) withMetadata(key string, value any) *Lease {
	cp := &Lease{acquired: l.acquired, release: l.release}
	cp.metadata = make(map[string]any, len(l.metadata)+1)
	for k, v := range l.metadata {
		cp.metadata[k] = v
	}
	cp.metadata[key] = value
	return cp
}

// Release runs the lease's release hook at most once. Releasing a failed
// or already-released lease, or a nil *Lease, is a safe no-op.
func (l *Lease) Release() {
	if l == nil || l.release == nil {
		return
	}
	l.once.Do(l.release)
}
