package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/lexiqai/dictation-gateway/internal/observability"
)

// ReconnectConfig holds configuration for reconnection logic
type ReconnectConfig struct {
	MaxAttempts int
	Backoff     time.Duration
	Multiplier  float64
	MaxBackoff  time.Duration
}

// DefaultReconnectConfig returns a default reconnection configuration
func DefaultReconnectConfig() *ReconnectConfig {
	return &ReconnectConfig{
		MaxAttempts: 5,
		Backoff:     1 * time.Second,
		Multiplier:  2.0,
		MaxBackoff:  30 * time.Second,
	}
}

// ReconnectFunc is a function that attempts to connect
type ReconnectFunc func() error

// Reconnect calls fn until it succeeds, backing off exponentially between
// attempts. It gives up after MaxAttempts or when ctx is done.
func Reconnect(ctx context.Context, name string, fn ReconnectFunc, config *ReconnectConfig) error {
	if config == nil {
		config = DefaultReconnectConfig()
	}
	logger := observability.GetLogger().With().Str("target", name).Logger()

	backoff := config.Backoff
	var lastErr error
	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			if attempt > 1 {
				logger.Info().Int("attempt", attempt).Msg("Reconnected")
			}
			return nil
		}

		if attempt == config.MaxAttempts {
			break
		}
		logger.Warn().
			Err(lastErr).
			Int("attempt", attempt).
			Int("max_attempts", config.MaxAttempts).
			Dur("retry_in", backoff).
			Msg("Connection attempt failed")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = time.Duration(float64(backoff) * config.Multiplier)
		if config.MaxBackoff > 0 && backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
		}
	}

	return fmt.Errorf("%s: failed to connect after %d attempts: %w", name, config.MaxAttempts, lastErr)
}
