package parser

import (
	"fmt"
	"io"
	"time"

	"github.com/lexiqai/dictation-gateway/internal/config"
	"github.com/lexiqai/dictation-gateway/internal/resilience"
)

// Backend is a parser client the server owns: it parses, reports health
// and holds a connection that must be closed
type Backend interface {
	Client
	HealthChecker
	io.Closer
}

// OptionsFromConfig builds transport options from service configuration
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		BaseURL:                    cfg.ParserURL,
		APIKey:                     cfg.ParserAPIKey,
		Timeout:                    cfg.ParserTimeoutDuration(),
		TLSEnabled:                 cfg.ParserTLSEnabled,
		CircuitBreakerMaxFailures:  cfg.CircuitBreakerMaxFailures,
		CircuitBreakerResetTimeout: cfg.CircuitBreakerResetDuration(),
		Retry: &resilience.RetryConfig{
			MaxAttempts:       cfg.RetryMaxAttempts,
			InitialBackoff:    cfg.RetryInitialBackoffDuration(),
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		},
	}
}

// New creates the parser client selected by PARSER_TRANSPORT
func New(cfg *config.Config) (Backend, error) {
	opts := OptionsFromConfig(cfg)
	switch cfg.ParserTransport {
	case config.TransportHTTP, "":
		return NewHTTPClient(opts), nil
	case config.TransportGRPC:
		return NewGRPCClient(opts)
	default:
		return nil, fmt.Errorf("unknown parser transport %q", cfg.ParserTransport)
	}
}
