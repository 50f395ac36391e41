package circuit

import (
	"sync"
	"time"

	"github.com/terminal-bench/courierdispatch/pkg/errs"
)

// State represents circuit breaker state.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

const (
	patternCap  = 50
	patternTrim = 25
)

// ErrorPattern is one remembered failure fingerprint for a breaker key.
type ErrorPattern struct {
	Message string    `json:"message"`
	Stack   string    `json:"stack,omitempty"`
	At      time.Time `json:"at"`
}

// Breaker is a failure-counted state machine for a single (op, id) key.
// All transitions are serialized under the mutex.
type Breaker struct {
	maxFailures  int
	resetTimeout time.Duration

	mu       sync.Mutex
	state    State
	failures int
	resetAt  time.Time
	trialing bool
	patterns []ErrorPattern
}

// Snapshot is the operator view of one breaker.
type Snapshot struct {
	State    string         `json:"state"`
	Failures int            `json:"failures"`
	ResetAt  time.Time      `json:"reset_at,omitempty"`
	Patterns []ErrorPattern `json:"patterns,omitempty"`
}

func NewBreaker(maxFailures int, resetTimeout time.Duration) *Breaker {
	return &Breaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		state:        StateClosed,
	}
}

// Allow decides whether a request may proceed. In OPEN it fails fast until
// the reset deadline passes, at which point the next request becomes the
// half-open trial. In HALF_OPEN only that single trial is in flight.
func (b *Breaker) Allow(op string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Now().After(b.resetAt) {
			b.state = StateHalfOpen
			b.trialing = true
			return nil
		}
		return errs.New(errs.CodeCircuitOpen, op, "circuit open for "+op)
	case StateHalfOpen:
		if b.trialing {
			return errs.New(errs.CodeCircuitOpen, op, "circuit half-open, trial in flight for "+op)
		}
		b.trialing = true
		return nil
	}
	return nil
}

// Success records a successful attempt.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.state = StateClosed
		b.failures = 0
		b.trialing = false
	}
}

// Failure records a failed attempt with its fingerprint.
func (b *Breaker) Failure(err error, stack string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.patterns = append(b.patterns, ErrorPattern{
		Message: err.Error(),
		Stack:   stack,
		At:      time.Now(),
	})
	if len(b.patterns) > patternCap {
		b.patterns = append([]ErrorPattern(nil), b.patterns[len(b.patterns)-patternTrim:]...)
	}

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.maxFailures {
			b.state = StateOpen
			b.resetAt = time.Now().Add(b.resetTimeout)
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.resetAt = time.Now().Add(b.resetTimeout)
		b.trialing = false
	}
}

// abortTrial releases the half-open trial slot without judging the
// circuit, for attempts that ended in a non-retryable caller error.
func (b *Breaker) abortTrial() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		b.trialing = false
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

func (b *Breaker) snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:    b.state.String(),
		Failures: b.failures,
		ResetAt:  b.resetAt,
		Patterns: append([]ErrorPattern(nil), b.patterns...),
	}
}
