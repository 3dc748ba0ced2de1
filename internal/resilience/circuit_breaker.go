package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Call while the breaker rejects requests
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	StateClosed   CircuitState = iota // Normal operation
	StateOpen                         // Requests fail immediately
	StateHalfOpen                     // Probing whether the dependency recovered
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// Stats is a snapshot of breaker counters
type Stats struct {
	State        CircuitState
	Requests     int64
	Failures     int64
	FailureRate  float64 // percent
	LastFailedAt time.Time
}

// CircuitBreaker stops calling a failing dependency until resetTimeout has
// passed, then lets a few probe requests through.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int

	// OnStateChange, when set, is called after every transition
	OnStateChange func(name string, state CircuitState)

	mu            sync.Mutex
	state         CircuitState
	failureCount  int
	successCount  int
	halfOpenCount int
	lastFailTime  time.Time
	requests      int64
	failuresTotal int64
}

// NewCircuitBreaker creates a closed circuit breaker
func NewCircuitBreaker(name string, maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	return &CircuitBreaker{
		name:         name,
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		halfOpenMax:  3,
		state:        StateClosed,
	}
}

// Name returns the breaker name
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Call runs fn unless the circuit is open. Errors for which countsAsFailure
// returns false (e.g. a 4xx from the dependency) do not trip the breaker.
func (cb *CircuitBreaker) Call(fn func() error, countsAsFailure ...func(error) bool) error {
	if !cb.allowRequest() {
		return ErrCircuitOpen
	}

	err := fn()

	failed := err != nil
	if failed && len(countsAsFailure) > 0 && countsAsFailure[0] != nil {
		failed = countsAsFailure[0](err)
	}
	cb.RecordResult(!failed)
	return err
}

func (cb *CircuitBreaker) allowRequest() bool {
	cb.mu.Lock()

	switch cb.state {
	case StateClosed:
		cb.mu.Unlock()
		return true

	case StateOpen:
		if time.Since(cb.lastFailTime) < cb.resetTimeout {
			cb.mu.Unlock()
			return false
		}
		cb.state = StateHalfOpen
		cb.halfOpenCount = 1
		cb.successCount = 0
		cb.mu.Unlock()
		cb.notify(StateHalfOpen)
		return true

	case StateHalfOpen:
		defer cb.mu.Unlock()
		if cb.halfOpenCount < cb.halfOpenMax {
			cb.halfOpenCount++
			return true
		}
		return false
	}

	cb.mu.Unlock()
	return false
}

// RecordResult records the outcome of a request made outside Call
func (cb *CircuitBreaker) RecordResult(success bool) {
	cb.mu.Lock()
	before := cb.state
	cb.requests++
	if success {
		cb.recordSuccess()
	} else {
		cb.recordFailure()
	}
	after := cb.state
	cb.mu.Unlock()

	if after != before {
		cb.notify(after)
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	switch cb.state {
	case StateClosed:
		cb.failureCount = 0
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.halfOpenMax {
			cb.state = StateClosed
			cb.failureCount = 0
			cb.halfOpenCount = 0
			cb.successCount = 0
		}
	}
}

func (cb *CircuitBreaker) recordFailure() {
	cb.failuresTotal++
	cb.lastFailTime = time.Now()

	switch cb.state {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.maxFailures {
			cb.state = StateOpen
		}
	case StateHalfOpen:
		// Any failure while probing reopens the circuit
		cb.state = StateOpen
		cb.halfOpenCount = 0
		cb.successCount = 0
	}
}

func (cb *CircuitBreaker) notify(state CircuitState) {
	if cb.OnStateChange != nil {
		cb.OnStateChange(cb.name, state)
	}
}

// GetState returns the current state
func (cb *CircuitBreaker) GetState() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// GetStats returns breaker counters
func (cb *CircuitBreaker) GetStats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s := Stats{
		State:        cb.state,
		Requests:     cb.requests,
		Failures:     cb.failuresTotal,
		LastFailedAt: cb.lastFailTime,
	}
	if s.Requests > 0 {
		s.FailureRate = float64(s.Failures) / float64(s.Requests) * 100.0
	}
	return s
}

// Reset closes the circuit and clears all counters
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	before := cb.state
	cb.state = StateClosed
	cb.failureCount = 0
	cb.halfOpenCount = 0
	cb.successCount = 0
	cb.requests = 0
	cb.failuresTotal = 0
	cb.mu.Unlock()

	if before != StateClosed {
		cb.notify(StateClosed)
	}
}
