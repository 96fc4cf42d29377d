package ratelimit

import (
	"github.com/arjunv/ratelimit/internal/clock"
	"github.com/arjunv/ratelimit/internal/scheduler"
)

// commonOptions holds the configuration shared by every limiter
// constructor on top of its algorithm-specific options: the time source,
// the task scheduler (used only by replenishing limiters), and the
// observability hook. Each limiter keeps it in its own cc field, next to
// its algorithm-specific Options.
type commonOptions struct {
	clock     clock.Clock
	scheduler scheduler.Scheduler
	observer  Observer
}

func defaultCommonOptions() commonOptions {
	return commonOptions{
		clock:     clock.New(),
		scheduler: scheduler.NewTicker(),
		observer:  NoopObserver{},
	}
}

// CommonOption configures behavior shared across all limiter kinds.
// Algorithm-specific options (permit limits, windows, queue order) are
// declared on each limiter's own Options type instead, since the spec
// treats the configuration surface per limiter as a closed enumeration.
type CommonOption func(*commonOptions)

// WithClock injects a time source, overriding the real system clock.
// Intended for tests, via internal/clock.Mock.
func WithClock(c clock.Clock) CommonOption {
	return func(o *commonOptions) { o.clock = c }
}

// WithScheduler injects the periodic-task capability driving
// auto-replenishment, overriding the default ticker-based scheduler.
// Has no effect on the ConcurrencyLimiter, which never replenishes on a
// timer.
func WithScheduler(s scheduler.Scheduler) CommonOption {
	return func(o *commonOptions) { o.scheduler = s }
}

// WithObserver attaches an Observer for tracing/metrics/logging around
// the acquisition hot path. The default is NoopObserver.
func WithObserver(ob Observer) CommonOption {
	return func(o *commonOptions) { o.observer = ob }
}
