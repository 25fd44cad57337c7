// Package resilience guards calls to the analysis collaborator.
//
// There are no retries anywhere in the pipeline: a failed analysis request
// is dropped and the next trigger cycle produces a fresh one. The
// [CircuitBreaker] exists to make that policy cheap during an outage. Once
// the collaborator stops answering, dispatch short-circuits locally instead
// of tying up goroutines in doomed requests, and the breaker state doubles
// as the connectivity indicator (ok, degraded, down) shown in the session
// status.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] when the breaker
// rejects the call without running it.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards every call. Normal operation.
	StateClosed State = iota

	// StateOpen rejects every call with [ErrCircuitOpen]. Entered after too
	// many consecutive failures, left when the reset timeout elapses.
	StateOpen

	// StateHalfOpen forwards a small probe budget. Enough successful probes
	// close the breaker; a single failure re-opens it.
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

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero fields get defaults.
type CircuitBreakerConfig struct {
	// Name labels the breaker in log lines.
	Name string

	// MaxFailures is how many consecutive failures trip the breaker.
	// Default 5.
	MaxFailures int

	// ResetTimeout is how long a tripped breaker rejects calls before
	// probing again. Default 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the probe budget in the half-open state. Default 3.
	HalfOpenMax int

	// Clock overrides the time source. Intended for tests.
	Clock func() time.Time
}

// CircuitBreaker is a three-state breaker, safe for concurrent use. The
// dispatcher shares one breaker across both analysis channels so that a
// collaborator outage observed on either channel suppresses dispatch on
// both.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int
	clock        func() time.Time

	mu       sync.Mutex
	state    State
	failures int       // consecutive failures while closed
	openedAt time.Time // when the breaker last tripped
	probes   int       // probes started this half-open round
	probeOK  int       // probes that came back successful
}

// NewCircuitBreaker creates a breaker in the closed state.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
		clock:        cfg.Clock,
	}
}

// Execute runs fn unless the breaker rejects it, and feeds fn's outcome back
// into the breaker. The error from fn is returned unchanged; a rejection
// returns [ErrCircuitOpen] without running fn at all, which callers treat
// exactly like any other transport failure.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.admit(); err != nil {
		return err
	}
	err := fn()
	cb.settle(err)
	return err
}

// admit decides whether a call may proceed, performing the open → half-open
// transition when the reset timeout has elapsed.
func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.clock().Sub(cb.openedAt) < cb.resetTimeout {
			return ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.probes = 0
		cb.probeOK = 0
		slog.Info("circuit breaker probing", "name", cb.name)
		fallthrough
	case StateHalfOpen:
		if cb.probes >= cb.halfOpenMax {
			return ErrCircuitOpen
		}
		cb.probes++
	}
	return nil
}

// settle records the outcome of a call admitted by admit.
func (cb *CircuitBreaker) settle(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.trip()
		return
	}

	switch cb.state {
	case StateHalfOpen:
		cb.probeOK++
		if cb.probeOK >= cb.halfOpenMax {
			cb.state = StateClosed
			cb.failures = 0
			slog.Info("circuit breaker closed", "name", cb.name)
		}
	case StateClosed:
		cb.failures = 0
	}
}

// trip handles a failure in any state. Must be called with cb.mu held.
func (cb *CircuitBreaker) trip() {
	switch cb.state {
	case StateHalfOpen:
		// One failed probe ends the round.
		cb.state = StateOpen
		cb.openedAt = cb.clock()
		slog.Warn("circuit breaker re-opened", "name", cb.name)
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.maxFailures {
			cb.state = StateOpen
			cb.openedAt = cb.clock()
			slog.Warn("circuit breaker opened",
				"name", cb.name,
				"consecutive_failures", cb.failures)
		}
	}
}

// State reports the breaker's mode. An open breaker whose reset timeout has
// elapsed reports [StateHalfOpen] even though the transition itself happens
// on the next [CircuitBreaker.Execute]; connectivity reporting wants the
// forward-looking answer.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && cb.clock().Sub(cb.openedAt) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed and clears all accounting.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.failures = 0
	cb.probes = 0
	cb.probeOK = 0
	slog.Info("circuit breaker reset", "name", cb.name)
}
