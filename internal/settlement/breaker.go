package settlement

import (
	"sync"
	"time"
)

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// breaker is a small circuit breaker for the rail round trip. Closed until
// maxFailures consecutive failures, then open for retryAfter; the first
// attempt after that probes half-open.
type breaker struct {
	mu          sync.Mutex
	maxFailures int
	retryAfter  time.Duration

	state       breakerState
	failures    int
	lastFailure time.Time
	now         func() time.Time
}

func newBreaker(maxFailures int, retryAfter time.Duration) *breaker {
	return &breaker{
		maxFailures: maxFailures,
		retryAfter:  retryAfter,
		now:         time.Now,
	}
}

func (b *breaker) execute(fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		b.failure()
		return err
	}
	b.success()
	return nil
}

func (b *breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == stateOpen {
		if b.now().Sub(b.lastFailure) < b.retryAfter {
			return ErrRailOpen
		}
		b.state = stateHalfOpen
	}
	return nil
}

func (b *breaker) failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = b.now()
	if b.state == stateHalfOpen || b.failures >= b.maxFailures {
		b.state = stateOpen
	}
}

func (b *breaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = stateClosed
	b.failures = 0
}
