// Package scheduler provides the injected periodic-task capability that
// drives auto-replenishment in fixed-window, token-bucket, and
// sliding-window limiters. Limiters never start their own goroutines
// directly; they ask a Scheduler to call a function back on a period,
// and call Stop on disposal.
package scheduler

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler repeatedly invokes fn every period until the returned
// cancel function is called. Implementations must tolerate Stop being
// called more than once and must not invoke fn after Stop returns.
type Scheduler interface {
	// Every schedules fn to run roughly once per period, returning a
	// stop function that cancels future invocations.
	Every(period time.Duration, fn func()) (stop func())
}

// tickerScheduler is the default Scheduler: one time.Ticker-backed
// goroutine per scheduled function.
type tickerScheduler struct{}

// NewTicker returns the default, dependency-free Scheduler.
func NewTicker() Scheduler {
	return tickerScheduler{}
}

func (tickerScheduler) Every(period time.Duration, fn func()) (stop func()) {
	ticker := time.NewTicker(period)
	done := make(chan struct{})
	exited := make(chan struct{})

	go func() {
		defer close(exited)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
		<-exited
	}
}

// cronScheduler adapts github.com/robfig/cron/v3 to the Scheduler
// interface using a constant-delay schedule (cron.Every), so a process
// that already runs a shared *cron.Cron for other jobs can register
// limiter replenishment on it instead of spinning up a dedicated ticker
// goroutine per limiter.
type cronScheduler struct {
	c     *cron.Cron
	owned bool // true if this scheduler started its own *cron.Cron
}

// NewCron returns a Scheduler backed by a new, dedicated *cron.Cron
// instance (started lazily on first Every call).
func NewCron() Scheduler {
	return &cronScheduler{c: cron.New(), owned: true}
}

// NewCronOn returns a Scheduler that registers entries on an
// already-running *cron.Cron owned by the caller. The caller remains
// responsible for starting and stopping c; Stop functions returned by
// Every only remove their own entry.
func NewCronOn(c *cron.Cron) Scheduler {
	return &cronScheduler{c: c, owned: false}
}

func (s *cronScheduler) Every(period time.Duration, fn func()) (stop func()) {
	var mu sync.Mutex
	stopped := false
	id := s.c.Schedule(cron.Every(period), cron.FuncJob(func() {
		mu.Lock()
		defer mu.Unlock()
		if !stopped {
			fn()
		}
	}))
	if s.owned {
		s.c.Start()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.c.Remove(id)
			if s.owned {
				s.c.Stop()
			}
			mu.Lock()
			stopped = true
			mu.Unlock()
		})
	}
}
