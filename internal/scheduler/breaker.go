package scheduler

import (
	"sync"
	"time"

	"github.com/t77yq/automation-orchestrator/internal/model"
)

// RetryStrategy decides how long to wait before the next attempt
type RetryStrategy interface {
	// NextRetry calculates the delay for the given attempt, starting at 0
	NextRetry(attempt int) time.Duration
}

// ExponentialBackoff implements exponential backoff retry strategy
type ExponentialBackoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// NextRetry calculates the next retry time using exponential backoff
func (s *ExponentialBackoff) NextRetry(attempt int) time.Duration {
	delay := float64(s.InitialDelay)
	for i := 0; i < attempt; i++ {
		delay *= s.Multiplier
		if delay > float64(s.MaxDelay) {
			return s.MaxDelay
		}
	}

	if delay > float64(s.MaxDelay) {
		return s.MaxDelay
	}
	return time.Duration(delay)
}

// Breaker is a per-task circuit breaker. After threshold consecutive failures
// it opens and rejects calls until the cooldown elapses, then admits a trial
// call (half-open). A successful trial closes it, a failed one reopens it with
// a longer cooldown. A threshold of zero or less disables the breaker.
type Breaker struct {
	threshold int
	strategy  RetryStrategy

	mu       sync.Mutex
	state    model.BreakerState
	failures int
	trips    int
	// consecutive trips without a success, drives the cooldown
	level    int
	openedAt time.Time
	cooldown time.Duration
}

// NewBreaker creates a closed breaker
func NewBreaker(threshold int, strategy RetryStrategy) *Breaker {
	return &Breaker{
		threshold: threshold,
		strategy:  strategy,
		state:     model.BreakerClosed,
	}
}

// Allow reports whether a call may proceed at now. An open breaker whose
// cooldown has elapsed moves to half-open and admits the call.
func (b *Breaker) Allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case model.BreakerOpen:
		if now.Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.state = model.BreakerHalfOpen
		return true
	default:
		return true
	}
}

// Success records a successful call and closes the breaker
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = model.BreakerClosed
	b.failures = 0
	b.level = 0
	b.cooldown = 0
	b.openedAt = time.Time{}
}

// Failure records a failed call and reports whether it tripped the breaker
func (b *Breaker) Failure(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.threshold <= 0 {
		return false
	}
	if b.state != model.BreakerHalfOpen && b.failures < b.threshold {
		return false
	}

	b.state = model.BreakerOpen
	b.openedAt = now
	b.cooldown = b.strategy.NextRetry(b.level)
	b.level++
	b.trips++
	return true
}

// State returns the current state
func (b *Breaker) State() model.BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a copy of the breaker state for the task record
func (b *Breaker) Snapshot() model.BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := model.BreakerSnapshot{
		State:               b.state,
		ConsecutiveFailures: b.failures,
		Trips:               b.trips,
		Cooldown:            b.cooldown,
	}
	if !b.openedAt.IsZero() {
		opened := b.openedAt
		snap.OpenedAt = &opened
	}
	return snap
}
