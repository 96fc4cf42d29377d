package ratelimit

// Statistics is an immutable snapshot of a limiter's counters at the
// moment Statistics() was called. Consistent per field, not across
// limiters or across repeated calls.
type Statistics struct {
	// AvailablePermits is the number of permits currently admittable
	// without queueing. For TokenBucketLimiter this is the floor of the
	// fractional reservoir.
	AvailablePermits int

	// QueuedCount is the sum of requested permits across all waiters
	// currently queued.
	QueuedCount int

	// TotalSuccessful is the number of acquisition attempts that resulted
	// in an acquired lease since the limiter was created.
	TotalSuccessful uint64

	// TotalFailed is the number of acquisition attempts that resulted in
	// a failed lease since the limiter was created, including the failed
	// leases handed to waiters evicted from the queue or failed by
	// disposal. Attempts that end in an error (Cancelled, Disposed,
	// PermitCountExceeded) are not counted.
	TotalFailed uint64
}
