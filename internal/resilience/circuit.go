package resilience

import (
	"fmt"
	"sync"
	"time"
)

// State represents the circuit breaker state.
type State int

const (
	// StateClosed lets every attempt through.
	StateClosed State = iota
	// StateOpen rejects attempts until the cooldown has passed.
	StateOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures one breaker.
type CircuitBreakerConfig struct {
	// Threshold is the number of consecutive failures that opens the circuit.
	Threshold int

	// Timeout is how long after the most recent failure an open circuit
	// stays shut before CanTry closes it again.
	Timeout time.Duration
}

func (c CircuitBreakerConfig) Validate() error {
	if c.Threshold <= 0 {
		return fmt.Errorf("breaker threshold must be positive, got %d", c.Threshold)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("breaker timeout must be positive, got %s", c.Timeout)
	}
	return nil
}

// StateChangeFunc is invoked after a transition, outside the breaker lock.
type StateChangeFunc func(name string, from, to State)

// CircuitBreaker is a two-state breaker: once the cooldown expires the gate
// reopens fully (counter cleared) rather than admitting a single probe.
type CircuitBreaker struct {
	name          string
	config        CircuitBreakerConfig
	now           func() time.Time
	onStateChange StateChangeFunc

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
}

// NewCircuitBreaker creates a closed breaker for the named backend.
func NewCircuitBreaker(name string, config CircuitBreakerConfig, onStateChange StateChangeFunc) (*CircuitBreaker, error) {
	return newCircuitBreaker(name, config, onStateChange, time.Now)
}

func newCircuitBreaker(name string, config CircuitBreakerConfig, onStateChange StateChangeFunc, nowFn func() time.Time) (*CircuitBreaker, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("breaker %q: %w", name, err)
	}
	if nowFn == nil {
		nowFn = time.Now
	}

	return &CircuitBreaker{
		name:          name,
		config:        config,
		now:           nowFn,
		onStateChange: onStateChange,
		state:         StateClosed,
	}, nil
}

// Name returns the backend name the breaker guards.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// CanTry reports whether an attempt may proceed. An open breaker whose
// cooldown has elapsed is reset and admits the attempt.
func (cb *CircuitBreaker) CanTry() bool {
	cb.mu.Lock()

	if cb.state == StateClosed {
		cb.mu.Unlock()
		return true
	}

	if cb.now().Sub(cb.lastFailure) > cb.config.Timeout {
		from := cb.resetLocked()
		cb.mu.Unlock()
		cb.notify(from, StateClosed)
		return true
	}

	cb.mu.Unlock()
	return false
}

// RecordFailure counts one failed attempt and opens the circuit once the
// threshold is reached.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()

	cb.failures++
	cb.lastFailure = cb.now()

	from := cb.state
	if cb.failures >= cb.config.Threshold {
		cb.state = StateOpen
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
}

// Reset clears the failure counter and closes the circuit.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.resetLocked()
	cb.mu.Unlock()

	cb.notify(from, StateClosed)
}

// Snapshot returns the current breaker state without changing it.
func (cb *CircuitBreaker) Snapshot() CircuitBreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return CircuitBreakerSnapshot{
		Name:        cb.name,
		State:       cb.state,
		Failures:    cb.failures,
		LastFailure: cb.lastFailure,
	}
}

func (cb *CircuitBreaker) resetLocked() State {
	from := cb.state
	cb.state = StateClosed
	cb.failures = 0
	return from
}

func (cb *CircuitBreaker) notify(from, to State) {
	if from != to && cb.onStateChange != nil {
		cb.onStateChange(cb.name, from, to)
	}
}

// CircuitBreakerSnapshot contains circuit breaker statistics.
type CircuitBreakerSnapshot struct {
	Name        string
	State       State
	Failures    int
	LastFailure time.Time
}
