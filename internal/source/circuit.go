package source

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// CircuitState is where a breaker stands between the service and its page
// backend.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // fetches and saves go through
	CircuitOpen                         // backend is failing; calls fail fast
	CircuitHalfOpen                     // trial calls decide whether to close again
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds the trip and recovery thresholds.
type CircuitBreakerConfig struct {
	// FailureThreshold retryable failures inside FailureWindow open the circuit.
	FailureThreshold int
	FailureWindow    time.Duration
	// Timeout is how long the circuit stays open before trial calls.
	Timeout time.Duration
	// SuccessThreshold trial successes close it again.
	SuccessThreshold int
}

// DefaultCircuitBreakerConfig trips after 5 failures in a minute and retries
// the backend after 30s.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		FailureWindow:    time.Minute,
	}
}

// CircuitBreaker stops a RestSource from hammering a backend that keeps
// failing. Only retryable failures count; a 404 or a rejected save says the
// backend is healthy.
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig
	logger zerolog.Logger

	mu       sync.RWMutex
	state    CircuitState
	failures []time.Time // inside FailureWindow, oldest first
	trials   int         // successes since going half-open
	since    time.Time
}

// NewCircuitBreaker returns a closed breaker. State changes are logged
// to logger.
func NewCircuitBreaker(name string, config CircuitBreakerConfig, logger zerolog.Logger) *CircuitBreaker {
	return &CircuitBreaker{
		name:   name,
		config: config,
		logger: logger,
		state:  CircuitClosed,
		since:  time.Now(),
	}
}

// Execute calls fn unless the circuit is open, in which case it returns a
// *CircuitOpenError without touching the backend.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn RetryableFunc) error {
	if !cb.allow() {
		return &CircuitOpenError{Source: cb.name}
	}
	err := fn(ctx)
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen {
		if time.Since(cb.since) < cb.config.Timeout {
			return false
		}
		cb.setState(CircuitHalfOpen)
	}
	return true
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch {
	case err == nil:
		cb.succeeded()
	case isFailure(err):
		cb.failed(time.Now())
	}
}

// isFailure reports whether err counts against the breaker. WithRetry marks
// exhausted errors as no longer retryable, so the wrapped cause decides.
func isFailure(err error) bool {
	for err != nil {
		if shouldRetry(err) {
			return true
		}
		var se *SourceError
		if !errors.As(err, &se) || se.Err == nil {
			return false
		}
		err = se.Err
	}
	return false
}

func (cb *CircuitBreaker) succeeded() {
	switch cb.state {
	case CircuitHalfOpen:
		cb.trials++
		if cb.trials >= cb.config.SuccessThreshold {
			cb.setState(CircuitClosed)
		}
	case CircuitClosed:
		cb.failures = cb.failures[:0]
	}
}

func (cb *CircuitBreaker) failed(now time.Time) {
	if cb.state == CircuitHalfOpen {
		cb.setState(CircuitOpen)
		return
	}

	cutoff := now.Add(-cb.config.FailureWindow)
	kept := cb.failures[:0]
	for _, t := range cb.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	cb.failures = append(kept, now)

	if cb.state == CircuitClosed && len(cb.failures) >= cb.config.FailureThreshold {
		cb.setState(CircuitOpen)
	}
}

// setState must be called with mu held.
func (cb *CircuitBreaker) setState(next CircuitState) {
	if cb.state == next {
		return
	}
	prev := cb.state
	cb.state = next
	cb.since = time.Now()
	cb.trials = 0

	cb.logger.Warn().
		Str("circuit", cb.name).
		Str("from", prev.String()).
		Str("to", next.String()).
		Msg("circuit breaker state changed")
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Reset closes the circuit and forgets recorded failures.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = CircuitClosed
	cb.failures = cb.failures[:0]
	cb.trials = 0
	cb.since = time.Now()
}
