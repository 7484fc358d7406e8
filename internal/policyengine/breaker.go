package policyengine

import (
	"sync"
	"time"
)

// breakerState is the circuit breaker's current phase.
type breakerState int

const (
	closed breakerState = iota
	open
	halfOpen
)

// Breaker is a failure-counting circuit breaker gating calls to the
// external policy evaluator: closed tracks failures in a sliding window,
// opens for a cool-down once a threshold is exceeded, and allows exactly
// one half-open probe per cool-down before deciding whether to close again.
type Breaker struct {
	mu sync.Mutex

	failureThreshold int
	window           time.Duration
	cooldown         time.Duration

	state        breakerState
	failures     []time.Time
	openedAt     time.Time
	probeInFlight bool
}

// NewBreaker builds a Breaker that opens after failureThreshold failures
// within window, and stays open for cooldown before allowing a probe.
func NewBreaker(failureThreshold int, window, cooldown time.Duration) *Breaker {
	return &Breaker{
		failureThreshold: failureThreshold,
		window:           window,
		cooldown:         cooldown,
		state:            closed,
	}
}

// Allow reports whether a call may proceed right now. When the breaker is
// open but the cool-down has elapsed, it transitions to half-open and
// admits exactly one probe call (guarded by the mutex and the probeInFlight
// flag so concurrent callers don't all probe at once); every other caller is
// short-circuited.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case closed:
		return true
	case halfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	default: // open
		if time.Since(b.openedAt) < b.cooldown {
			return false
		}
		b.state = halfOpen
		b.probeInFlight = true
		return true
	}
}

// RecordSuccess reports a successful call. In half-open, this closes the
// breaker and clears its failure history.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case halfOpen:
		b.state = closed
		b.failures = nil
		b.probeInFlight = false
	case closed:
		// A success doesn't erase prior failures outright; they age out of
		// the window naturally on the next RecordFailure's prune pass.
	}
}

// RecordFailure reports a failed call. In half-open, any probe failure
// reopens the breaker immediately. In closed, a failure is pruned against
// the window and may trip the breaker open.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == halfOpen {
		b.state = open
		b.openedAt = time.Now()
		b.probeInFlight = false
		return
	}

	now := time.Now()
	windowStart := now.Add(-b.window)
	pruned := b.failures[:0]
	for _, f := range b.failures {
		if f.After(windowStart) {
			pruned = append(pruned, f)
		}
	}
	pruned = append(pruned, now)
	b.failures = pruned

	if len(b.failures) >= b.failureThreshold {
		b.state = open
		b.openedAt = now
	}
}

// State reports the breaker's current phase, for health/metrics reporting.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case open:
		return "open"
	case halfOpen:
		return "half-open"
	default:
		return "closed"
	}
}
