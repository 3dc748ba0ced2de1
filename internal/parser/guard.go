package parser

import (
	"context"
	"errors"
	"time"

	"github.com/lexiqai/dictation-gateway/internal/observability"
	"github.com/lexiqai/dictation-gateway/internal/resilience"
)

// Options holds the settings shared by every transport
type Options struct {
	BaseURL    string // http(s)://host:port for HTTP, host:port for gRPC
	APIKey     string
	Timeout    time.Duration
	TLSEnabled bool

	CircuitBreakerMaxFailures  int
	CircuitBreakerResetTimeout time.Duration
	Retry                      *resilience.RetryConfig
}

// guard wraps a call in the circuit breaker and retry policy
type guard struct {
	name    string
	breaker *resilience.CircuitBreaker
	retry   *resilience.RetryConfig
}

func newGuard(name string, opts Options) *guard {
	reset := opts.CircuitBreakerResetTimeout
	if reset <= 0 {
		reset = 30 * time.Second
	}
	logger := observability.GetLogger().With().Str("component", "parser").Logger()
	cb := resilience.NewCircuitBreaker(name, opts.CircuitBreakerMaxFailures, reset)
	cb.OnStateChange = func(name string, state resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(state))
		logger.Warn().
			Str("service", name).
			Stringer("state", state).
			Msg("Circuit breaker state changed")
	}

	retry := opts.Retry
	if retry == nil {
		retry = resilience.DefaultRetryConfig()
	}
	return &guard{name: name, breaker: cb, retry: retry}
}

func (g *guard) do(ctx context.Context, fn resilience.RetryableFunc) error {
	err := g.breaker.Call(func() error {
		return resilience.Retry(ctx, fn, g.retry, isRetryable)
	}, countsAsFailure)

	if err != nil && countsAsFailure(err) {
		observability.IncrementCircuitBreakerFailures(g.name)
	}
	return err
}

// countsAsFailure decides whether err says the backend is unhealthy.
// Client errors and caller cancellation do not.
func countsAsFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, resilience.ErrCircuitOpen) {
		return false
	}
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Temporary()
	}
	return true
}

func isRetryable(err error) bool {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Temporary()
	}
	return resilience.IsRetryableNetworkError(err)
}
