// Package deepgram implements capture.Provider on top of Deepgram's streaming
// transcription websocket.
package deepgram

import (
	"context"
	"fmt"
	"strings"
	"sync"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/lexiqai/dictation-gateway/internal/audio"
	"github.com/lexiqai/dictation-gateway/internal/capture"
	"github.com/lexiqai/dictation-gateway/internal/observability"
	"github.com/lexiqai/dictation-gateway/internal/resilience"
)

// Options configures a Provider
type Options struct {
	APIKey string
	Model  string

	// Audio format sent by the client
	Encoding   string
	SampleRate int
	Channels   int

	// BacklogSize bounds the audio held while the connection is (re)opening
	BacklogSize int

	Reconnect *resilience.ReconnectConfig
	Logger    *zerolog.Logger
}

// stream is the part of the Deepgram websocket client the provider uses
type stream interface {
	Write(p []byte) (int, error)
	Finish()
}

type dialFunc func(ctx context.Context, cfg capture.Config, cb msginterfaces.LiveMessageCallback) (stream, error)

// Provider streams audio to Deepgram and reports results to a capture.Handler
type Provider struct {
	opts    Options
	logger  zerolog.Logger
	dial    dialFunc
	backlog *audio.Backlog

	mu      sync.Mutex
	handler capture.Handler
	gen     uint64 // bumped on every Start, Stop and Abort
	active  bool   // a session is connecting or open
	stopped bool   // Stop or Abort was called since the last Start
	conn    stream
	cancel  context.CancelFunc
}

// New creates a Deepgram provider. Sessions are opened lazily by Start.
func New(opts Options) *Provider {
	if opts.Model == "" {
		opts.Model = "nova-2-medical"
	}
	if opts.Encoding == "" {
		opts.Encoding = "linear16"
	}
	if opts.SampleRate == 0 {
		opts.SampleRate = 16000
	}
	if opts.Channels == 0 {
		opts.Channels = 1
	}

	logger := observability.GetLogger()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	p := &Provider{
		opts:    opts,
		logger:  logger.With().Str("component", "deepgram").Logger(),
		backlog: audio.NewBacklog(opts.BacklogSize),
		stopped: true,
	}
	p.dial = p.dialDeepgram
	return p
}

// SetHandler implements capture.Provider
func (p *Provider) SetHandler(h capture.Handler) {
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
}

// Start implements capture.Provider. The connection is opened in the
// background and reported through Handler.OnStart or Handler.OnError.
func (p *Provider) Start(cfg capture.Config) error {
	if p.opts.APIKey == "" {
		return capture.ErrUnsupported
	}

	p.mu.Lock()
	if p.active {
		p.mu.Unlock()
		return capture.ErrAlreadyStarted
	}
	p.gen++
	gen := p.gen
	p.active = true
	p.stopped = false
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.mu.Unlock()

	go p.connect(ctx, gen, cfg)
	return nil
}

func (p *Provider) connect(ctx context.Context, gen uint64, cfg capture.Config) {
	cb := &callbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		provider:               p,
		gen:                    gen,
	}

	var superseded bool
	err := resilience.Reconnect(ctx, "deepgram", func() error {
		conn, err := p.dial(ctx, cfg, cb)
		if err != nil {
			return err
		}

		p.mu.Lock()
		if gen != p.gen {
			p.mu.Unlock()
			superseded = true
			conn.Finish()
			return nil
		}
		p.conn = conn
		p.mu.Unlock()
		return nil
	}, p.opts.Reconnect)

	if superseded || ctx.Err() != nil {
		return
	}

	h, current := p.current(gen)
	if !current {
		return
	}

	if err != nil {
		p.mu.Lock()
		if gen == p.gen {
			p.active = false
		}
		p.mu.Unlock()

		p.logger.Error().Err(err).Msg("Failed to open Deepgram stream")
		if h != nil {
			h.OnError(classifyMessage(err.Error()), err.Error())
		}
		return
	}

	p.flushBacklog(gen)
	p.logger.Info().
		Str("model", p.opts.Model).
		Str("language", cfg.Language).
		Bool("continuous", cfg.Continuous).
		Msg("Deepgram stream opened")
	if h != nil {
		h.OnStart()
	}
}

func (p *Provider) dialDeepgram(ctx context.Context, cfg capture.Config, cb msginterfaces.LiveMessageCallback) (stream, error) {
	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          p.opts.Model,
		Language:       cfg.Language,
		Punctuate:      true,
		SmartFormat:    true,
		InterimResults: cfg.InterimResults,
		UtteranceEndMs: "1000",
		VadEvents:      true,
		Encoding:       p.opts.Encoding,
		Channels:       p.opts.Channels,
		SampleRate:     p.opts.SampleRate,
	}

	client, err := listenClient.NewWSUsingCallback(ctx, p.opts.APIKey, nil, tOptions, cb)
	if err != nil {
		return nil, fmt.Errorf("failed to create Deepgram client: %w", err)
	}
	if !client.Connect() {
		return nil, fmt.Errorf("failed to connect to Deepgram")
	}
	return client, nil
}

// SendAudio forwards a chunk to the open stream. While the stream is
// (re)opening the chunk is held in the backlog and sent once it opens.
func (p *Provider) SendAudio(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}

	p.mu.Lock()
	conn := p.conn
	stopped := p.stopped
	p.mu.Unlock()

	if stopped {
		return nil
	}
	if conn == nil {
		p.hold(chunk)
		return nil
	}

	if _, err := conn.Write(chunk); err != nil {
		p.hold(chunk)
		return fmt.Errorf("failed to send audio to Deepgram: %w", err)
	}
	return nil
}

func (p *Provider) hold(chunk []byte) {
	if dropped := p.backlog.Push(chunk); dropped > 0 {
		p.logger.Warn().Int("dropped_bytes", dropped).Msg("Audio backlog full, dropping oldest audio")
	}
}

func (p *Provider) flushBacklog(gen uint64) {
	chunks := p.backlog.Drain()
	if len(chunks) == 0 {
		return
	}

	p.mu.Lock()
	conn := p.conn
	current := gen == p.gen
	p.mu.Unlock()
	if !current || conn == nil {
		return
	}

	sent := 0
	for _, c := range chunks {
		if _, err := conn.Write(c); err != nil {
			p.logger.Warn().Err(err).Msg("Failed to flush audio backlog")
			return
		}
		sent += len(c)
	}
	p.logger.Debug().Int("bytes", sent).Msg("Flushed audio backlog")
}

// Stop implements capture.Provider. The session end is reported immediately and
// results Deepgram sends after the close request are discarded.
func (p *Provider) Stop() error {
	conn, h, wasActive := p.shutdown()
	if conn != nil {
		conn.Finish()
	}
	if wasActive && h != nil {
		h.OnEnd()
	}
	return nil
}

// Abort implements capture.Provider
func (p *Provider) Abort() error {
	conn, _, _ := p.shutdown()
	p.backlog.Clear()
	if conn != nil {
		conn.Finish()
	}
	return nil
}

func (p *Provider) shutdown() (stream, capture.Handler, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	wasActive := p.active
	conn := p.conn
	p.gen++
	p.active = false
	p.stopped = true
	p.conn = nil
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	return conn, p.handler, wasActive
}

// current returns the handler if gen is still the live session
func (p *Provider) current(gen uint64) (capture.Handler, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handler, gen == p.gen
}

func (p *Provider) handleMessage(gen uint64, msg *msginterfaces.MessageResponse) {
	h, current := p.current(gen)
	if !current || h == nil || msg == nil {
		return
	}
	if results := toResults(msg); len(results) > 0 {
		h.OnResult(results, 0)
	}
}

func (p *Provider) handleClose(gen uint64) {
	p.mu.Lock()
	if gen != p.gen {
		p.mu.Unlock()
		return
	}
	p.active = false
	p.conn = nil
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	h := p.handler
	p.mu.Unlock()

	p.logger.Info().Msg("Deepgram stream closed")
	if h != nil {
		h.OnEnd()
	}
}

func (p *Provider) handleError(gen uint64, er *msginterfaces.ErrorResponse) {
	h, current := p.current(gen)
	if !current || er == nil {
		return
	}

	code, message := toErrorCode(er)
	p.logger.Warn().
		Str("err_code", er.ErrCode).
		Str("err_msg", er.ErrMsg).
		Str("mapped_code", string(code)).
		Msg("Deepgram error")
	if h != nil {
		h.OnError(code, message)
	}
}

// toResults maps one Deepgram message to a result batch
func toResults(msg *msginterfaces.MessageResponse) []capture.Result {
	if len(msg.Channel.Alternatives) == 0 {
		return nil
	}
	alt := msg.Channel.Alternatives[0]
	if msg.IsFinal && strings.TrimSpace(alt.Transcript) == "" {
		return nil
	}
	return []capture.Result{{
		Transcript: alt.Transcript,
		Final:      msg.IsFinal,
		Confidence: alt.Confidence,
	}}
}

func toErrorCode(er *msginterfaces.ErrorResponse) (capture.ErrorCode, string) {
	message := er.ErrMsg
	if message == "" {
		message = er.Description
	}
	if message == "" {
		message = er.ErrCode
	}
	return classifyMessage(er.ErrCode + " " + er.ErrMsg + " " + er.Description), message
}

var authMarkers = []string{"401", "403", "unauthorized", "forbidden", "invalid credentials", "auth"}

// classifyMessage maps authentication failures to not-allowed and
// everything else to network
func classifyMessage(text string) capture.ErrorCode {
	lower := strings.ToLower(text)
	for _, m := range authMarkers {
		if strings.Contains(lower, m) {
			return capture.CodeNotAllowed
		}
	}
	return capture.CodeNetwork
}

// callbackHandler embeds the SDK default handler and overrides the callbacks
// the provider cares about. It is bound to one session generation.
type callbackHandler struct {
	*websocketv1api.DefaultCallbackHandler
	provider *Provider
	gen      uint64
}

func (c *callbackHandler) Open(or *msginterfaces.OpenResponse) error {
	c.provider.logger.Debug().Msg("Deepgram websocket open")
	return nil
}

func (c *callbackHandler) Message(mr *msginterfaces.MessageResponse) error {
	c.provider.handleMessage(c.gen, mr)
	return nil
}

func (c *callbackHandler) Close(cr *msginterfaces.CloseResponse) error {
	c.provider.handleClose(c.gen)
	return nil
}

func (c *callbackHandler) Error(er *msginterfaces.ErrorResponse) error {
	c.provider.handleError(c.gen, er)
	return nil
}
