package ratelimit

import (
	"sync"
	"time"
)

// manualScheduler is a test double satisfying scheduler.Scheduler that
// never fires on its own; it exists so tests can exercise the
// AutoReplenishment=true configuration path (IsAutoReplenishing,
// TryReplenish's no-op contract) without a real ticker racing the
// assertions.
type manualScheduler struct {
	mu  sync.Mutex
	fns []func()
}

func newManualScheduler() *manualScheduler {
	return &manualScheduler{}
}

func (m *manualScheduler) Every(_ time.Duration, fn func()) func() {
	m.mu.Lock()
	m.fns = append(m.fns, fn)
	m.mu.Unlock()
	return func() {}
}

func (m *manualScheduler) fireAll() {
	m.mu.Lock()
	fns := append([]func(){}, m.fns...)
	m.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
