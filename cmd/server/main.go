package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lexiqai/dictation-gateway/internal/config"
	"github.com/lexiqai/dictation-gateway/internal/eventlog"
	"github.com/lexiqai/dictation-gateway/internal/gateway"
	"github.com/lexiqai/dictation-gateway/internal/observability"
	"github.com/lexiqai/dictation-gateway/internal/parser"
	"github.com/lexiqai/dictation-gateway/internal/taxonomy"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	if err := observability.InitSentry(cfg.SentryDSN, cfg.Environment); err != nil {
		logger.Warn().Err(err).Msg("Sentry disabled: failed to initialize")
	}
	defer observability.FlushSentry(2 * time.Second)

	logger.Info().
		Str("port", cfg.Port).
		Str("parser_transport", cfg.ParserTransport).
		Str("parser_url", cfg.ParserURL).
		Str("taxonomy", taxonomy.Version).
		Str("language", cfg.Language).
		Bool("continuous", cfg.Continuous).
		Bool("auth_enabled", cfg.JWTSecret != "").
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Dictation Gateway starting")

	parserClient, err := parser.New(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create parser client")
	}
	defer parserClient.Close()

	var store *eventlog.Store
	if cfg.EventLogPath != "" {
		store, err = eventlog.Open(cfg.EventLogPath)
		if err != nil {
			logger.Fatal().Err(err).Str("path", cfg.EventLogPath).Msg("Failed to open event log")
		}
		logger.Info().Str("path", cfg.EventLogPath).Msg("Event log enabled")
	}

	dictationHandler := gateway.NewHandler(cfg, parserClient, store)

	// Create HTTP server
	mux := http.NewServeMux()
	mux.Handle(gateway.Path, dictationHandler)
	mux.HandleFunc("/health", observability.HealthCheckHandler())
	mux.HandleFunc("/ready", observability.ReadinessHandler(map[string]observability.HealthCheckFunc{
		"parser": parserClient.HealthCheck,
	}))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// Create HTTP server with timeouts
	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s%s", cfg.Port, gateway.Path)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Int("active_sessions", dictationHandler.ActiveSessions()).Msg("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}
	// Websocket connections are hijacked and not closed by Shutdown
	dictationHandler.CloseAll()

	if err := store.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close event log")
	}

	logger.Info().Msg("Server exited gracefully")
}
