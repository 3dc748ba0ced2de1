// Package gateway serves the dictation review surface over websockets. Each
// connection gets its own capture provider and dictation controller; binary
// frames carry audio and text frames carry JSON commands.
package gateway

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/dictation-gateway/internal/capture/deepgram"
	"github.com/lexiqai/dictation-gateway/internal/config"
	"github.com/lexiqai/dictation-gateway/internal/dictation"
	"github.com/lexiqai/dictation-gateway/internal/eventlog"
	"github.com/lexiqai/dictation-gateway/internal/observability"
	"github.com/lexiqai/dictation-gateway/internal/parser"
	"github.com/lexiqai/dictation-gateway/internal/resilience"
)

// Path is where the dictation websocket is mounted
const Path = "/dictation/ws"

// ProviderFactory creates the capture provider for a new session
type ProviderFactory func(logger zerolog.Logger) AudioProvider

// Handler upgrades dictation connections and tracks live sessions
type Handler struct {
	// NewProvider builds a provider per session
	NewProvider ProviderFactory

	opts     dictation.Options
	parser   parser.Client
	store    *eventlog.Store
	auth     *Authenticator
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	wg       sync.WaitGroup
}

// NewHandler creates a handler. store may be nil to disable the event log.
func NewHandler(cfg *config.Config, client parser.Client, store *eventlog.Store) *Handler {
	h := &Handler{
		opts: dictation.Options{
			Continuous: cfg.Continuous,
			Language:   cfg.Language,
			Commands:   cfg.SpokenCommands,
		},
		parser: client,
		store:  store,
		auth:   NewAuthenticator(cfg.JWTSecret),
		upgrader: websocket.Upgrader{
			// Browsers authenticate with a token, not cookies, so any origin may connect
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger:   observability.GetLogger().With().Str("component", "gateway").Logger(),
		sessions: make(map[string]*Session),
	}
	h.NewProvider = DeepgramProviderFactory(cfg)
	return h
}

// DeepgramProviderFactory builds Deepgram providers from configuration
func DeepgramProviderFactory(cfg *config.Config) ProviderFactory {
	return func(logger zerolog.Logger) AudioProvider {
		return deepgram.New(deepgram.Options{
			APIKey:      cfg.DeepgramAPIKey,
			Model:       cfg.DeepgramModel,
			BacklogSize: cfg.AudioBacklogSize,
			Reconnect: &resilience.ReconnectConfig{
				MaxAttempts: cfg.ReconnectMaxAttempts,
				Backoff:     cfg.ReconnectBackoffDuration(),
				Multiplier:  2.0,
				MaxBackoff:  30 * time.Second,
			},
			Logger: &logger,
		})
	}
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	claims, err := h.auth.Authenticate(r)
	if err != nil {
		status := http.StatusUnauthorized
		h.logger.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Rejected dictation connection")
		if errors.Is(err, ErrMissingToken) {
			http.Error(w, `{"error": "missing authorization token"}`, status)
			return
		}
		http.Error(w, `{"error": "invalid token"}`, status)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error
		h.logger.Warn().Err(err).Msg("Failed to upgrade connection to WebSocket")
		return
	}

	id := uuid.New().String()
	logger := h.logger.With().Str("session_id", id).Logger()

	var provider AudioProvider
	if h.NewProvider != nil {
		provider = h.NewProvider(logger)
	}

	s := newSession(id, claims.User(), conn, provider, h.parser, h.store, h.opts)
	h.track(s)
	defer h.untrack(s)

	s.run()
}

func (h *Handler) track(s *Session) {
	h.mu.Lock()
	h.sessions[s.ID()] = s
	h.wg.Add(1)
	h.mu.Unlock()
}

func (h *Handler) untrack(s *Session) {
	h.mu.Lock()
	delete(h.sessions, s.ID())
	h.mu.Unlock()
	h.wg.Done()
}

// ActiveSessions returns the number of open sessions
func (h *Handler) ActiveSessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// CloseAll closes every open session and waits for them to finish.
// http.Server.Shutdown does not touch hijacked connections.
func (h *Handler) CloseAll() {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	h.wg.Wait()
}
