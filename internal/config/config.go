package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Parser transports
const (
	TransportHTTP = "http"
	TransportGRPC = "grpc"
)

// Config holds all configuration for the dictation gateway service
type Config struct {
	// Server configuration
	Port        string `envconfig:"PORT" default:"8080"`
	Environment string `envconfig:"ENVIRONMENT" default:"development"`

	// Deepgram streaming STT
	DeepgramAPIKey string `envconfig:"DEEPGRAM_API_KEY" required:"true"`
	DeepgramModel  string `envconfig:"DEEPGRAM_MODEL" default:"nova-2-medical"`

	// Dictation behavior
	Language         string `envconfig:"DICTATION_LANGUAGE" default:"en-US"`
	Continuous       bool   `envconfig:"DICTATION_CONTINUOUS" default:"true"`
	SpokenCommands   bool   `envconfig:"DICTATION_COMMANDS" default:"false"` // "new paragraph", "new line"
	AudioBacklogSize int    `envconfig:"AUDIO_BACKLOG_SIZE" default:"65536"` // bytes held while the STT connection reopens

	// Transcript parser backend
	ParserTransport  string `envconfig:"PARSER_TRANSPORT" default:"http"` // http or grpc
	ParserURL        string `envconfig:"PARSER_URL" required:"true"`
	ParserAPIKey     string `envconfig:"PARSER_API_KEY" default:""`
	ParserTimeout    int    `envconfig:"PARSER_TIMEOUT" default:"30"` // seconds
	ParserTLSEnabled bool   `envconfig:"PARSER_TLS_ENABLED" default:"false"`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Maximum retry attempts
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds
	ReconnectMaxAttempts       int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`         // Maximum reconnection attempts
	ReconnectBackoff           int `envconfig:"RECONNECT_BACKOFF" default:"1000"`           // Reconnection backoff in milliseconds

	// Auth and audit
	JWTSecret    string `envconfig:"JWT_SECRET" default:""`    // empty disables websocket auth
	EventLogPath string `envconfig:"EVENTLOG_PATH" default:""` // empty disables the event log

	// Observability configuration
	SentryDSN      string `envconfig:"SENTRY_DSN" default:""`
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values envconfig cannot
func (c *Config) Validate() error {
	if c.DeepgramAPIKey == "" {
		return fmt.Errorf("DEEPGRAM_API_KEY is required")
	}
	if c.ParserURL == "" {
		return fmt.Errorf("PARSER_URL is required")
	}

	c.ParserTransport = strings.ToLower(strings.TrimSpace(c.ParserTransport))
	switch c.ParserTransport {
	case TransportHTTP, TransportGRPC:
	default:
		return fmt.Errorf("PARSER_TRANSPORT must be %q or %q, got %q", TransportHTTP, TransportGRPC, c.ParserTransport)
	}

	if c.AudioBacklogSize < 0 {
		return fmt.Errorf("AUDIO_BACKLOG_SIZE must not be negative")
	}
	if c.ParserTimeout <= 0 {
		return fmt.Errorf("PARSER_TIMEOUT must be positive")
	}
	return nil
}

// ParserTimeoutDuration returns PARSER_TIMEOUT as a duration
func (c *Config) ParserTimeoutDuration() time.Duration {
	return time.Duration(c.ParserTimeout) * time.Second
}

// CircuitBreakerResetDuration returns CIRCUIT_BREAKER_RESET_TIMEOUT as a duration
func (c *Config) CircuitBreakerResetDuration() time.Duration {
	return time.Duration(c.CircuitBreakerResetTimeout) * time.Second
}

// RetryInitialBackoffDuration returns RETRY_INITIAL_BACKOFF as a duration
func (c *Config) RetryInitialBackoffDuration() time.Duration {
	return time.Duration(c.RetryInitialBackoff) * time.Millisecond
}

// ReconnectBackoffDuration returns RECONNECT_BACKOFF as a duration
func (c *Config) ReconnectBackoffDuration() time.Duration {
	return time.Duration(c.ReconnectBackoff) * time.Millisecond
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
