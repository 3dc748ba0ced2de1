package capture

import (
	"errors"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lexiqai/dictation-gateway/internal/observability"
)

// Status is the externally visible engine state
type Status string

const (
	StatusIdle       Status = "idle"
	StatusListening  Status = "listening"
	StatusRestarting Status = "restarting"
	StatusError      Status = "error"
)

// Snapshot is a point-in-time copy of the engine state
type Snapshot struct {
	Status     Status `json:"status"`
	Supported  bool   `json:"supported"`
	Listening  bool   `json:"listening"`
	Transcript string `json:"transcript"`
	Interim    string `json:"interim"`
	Error      string `json:"error,omitempty"`
	Continuous bool   `json:"continuous"`
	Language   string `json:"language"`
}

// Metrics receives capture lifecycle counts
type Metrics interface {
	RecordCaptureStart()
	RecordCaptureRestart()
	RecordCaptureError(category string)
}

// Options configures an Engine
type Options struct {
	Continuous bool
	Language   string

	// Transform rewrites each final segment before it is accumulated.
	// Returning "" drops the segment.
	Transform func(segment string) string

	// OnTranscript receives the full accumulated final text after it grows
	OnTranscript func(text string)

	// OnInterim receives the current interim text when it is non-empty
	OnInterim func(text string)

	// OnStatus receives a snapshot whenever the status or error changes
	OnStatus func(s Snapshot)

	// OnError receives fatal errors after they are recorded in state
	OnError func(code ErrorCode, message string)

	// OnRestart is called each time an unexpected end reopens the session
	OnRestart func()

	Metrics Metrics
	Logger  *zerolog.Logger
}

type eventKind int

const (
	evStart eventKind = iota
	evStop
	evSessionStarted
	evSessionEnded
	evResult
	evError
	evStartFailed
	evReset
)

func (k eventKind) String() string {
	switch k {
	case evStart:
		return "start"
	case evStop:
		return "stop"
	case evSessionStarted:
		return "session_started"
	case evSessionEnded:
		return "session_ended"
	case evResult:
		return "result"
	case evError:
		return "error"
	case evStartFailed:
		return "start_failed"
	case evReset:
		return "reset"
	}
	return "unknown"
}

type event struct {
	kind        eventKind
	results     []Result
	resumeIndex int
	code        ErrorCode
	message     string
	err         error
}

// Engine is the speech capture state machine. All provider callbacks and caller
// requests go through dispatch, which updates state under the lock and returns
// side effects that run after the lock is released.
type Engine struct {
	provider Provider
	opts     Options
	logger   zerolog.Logger

	mu         sync.Mutex
	status     Status
	supported  bool
	manualStop bool
	severity   Severity
	finalText  string
	interim    string
	errMsg     string
	closed     bool
}

// NewEngine creates an engine bound to provider. A nil provider marks the
// capability as unsupported.
func NewEngine(provider Provider, opts Options) *Engine {
	if opts.Language == "" {
		opts.Language = DefaultLanguage
	}

	logger := observability.GetLogger()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	e := &Engine{
		provider:  provider,
		opts:      opts,
		logger:    logger.With().Str("component", "capture").Logger(),
		status:    StatusIdle,
		supported: provider != nil,
	}
	if provider != nil {
		provider.SetHandler(e)
	}
	return e
}

// Start opens a capture session. Capture failures are reported through the
// snapshot; the only error returned is ErrClosed.
func (e *Engine) Start() error {
	return e.dispatch(event{kind: evStart})
}

// Stop ends the session and suppresses automatic restart until the next Start
func (e *Engine) Stop() error {
	return e.dispatch(event{kind: evStop})
}

// Reset clears the final and interim text without touching the session
func (e *Engine) Reset() {
	_ = e.dispatch(event{kind: evReset})
}

// Close aborts any open session and disposes the engine
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.manualStop = true
	e.status = StatusIdle
	e.interim = ""
	e.mu.Unlock()

	if e.provider != nil {
		return e.provider.Abort()
	}
	return nil
}

// Snapshot returns the current state
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// Transcript returns the accumulated final text
func (e *Engine) Transcript() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.finalText
}

// OnStart implements Handler
func (e *Engine) OnStart() {
	_ = e.dispatch(event{kind: evSessionStarted})
}

// OnEnd implements Handler
func (e *Engine) OnEnd() {
	_ = e.dispatch(event{kind: evSessionEnded})
}

// OnResult implements Handler
func (e *Engine) OnResult(results []Result, resumeIndex int) {
	_ = e.dispatch(event{kind: evResult, results: results, resumeIndex: resumeIndex})
}

// OnError implements Handler
func (e *Engine) OnError(code ErrorCode, message string) {
	_ = e.dispatch(event{kind: evError, code: code, message: message})
}

func (e *Engine) snapshotLocked() Snapshot {
	return Snapshot{
		Status:     e.status,
		Supported:  e.supported,
		Listening:  e.status == StatusListening || e.status == StatusRestarting,
		Transcript: e.finalText,
		Interim:    e.interim,
		Error:      e.errMsg,
		Continuous: e.opts.Continuous,
		Language:   e.opts.Language,
	}
}

func (e *Engine) config() Config {
	return Config{
		Continuous:     e.opts.Continuous,
		InterimResults: true,
		Language:       e.opts.Language,
	}
}

func (e *Engine) dispatch(ev event) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.logger.Debug().Stringer("event", ev.kind).Msg("Ignoring event on closed capture engine")
		if ev.kind == evStart || ev.kind == evStop {
			return ErrClosed
		}
		return nil
	}
	effects := e.transition(ev)
	e.mu.Unlock()

	for _, effect := range effects {
		effect()
	}
	return nil
}

// transition applies ev to the state and returns the side effects to run.
// Must be called with e.mu held.
func (e *Engine) transition(ev event) []func() {
	var effects []func()
	prev := e.status
	prevErr := e.errMsg

	switch ev.kind {
	case evStart:
		if e.provider == nil {
			e.supported = false
			e.status = StatusIdle
			e.logger.Warn().Msg("Speech capture requested but no provider is available")
			break
		}
		if e.status == StatusListening || e.status == StatusRestarting {
			e.logger.Debug().Str("status", string(e.status)).Msg("Capture already running, ignoring start request")
			break
		}
		e.manualStop = false
		e.severity = SeverityNone
		e.errMsg = ""
		e.status = StatusListening
		cfg := e.config()
		effects = append(effects, func() { e.startProvider(cfg) })
		if e.opts.Metrics != nil {
			effects = append(effects, e.opts.Metrics.RecordCaptureStart)
		}

	case evStartFailed:
		switch {
		case errors.Is(ev.err, ErrAlreadyStarted):
			e.logger.Debug().Msg("Capture already started, ignoring start request")
		case errors.Is(ev.err, ErrUnsupported):
			e.supported = false
			e.status = StatusIdle
			e.logger.Warn().Err(ev.err).Msg("Speech capture unsupported")
		default:
			code := ErrorCode("start-failed")
			var perr *ProviderError
			if errors.As(ev.err, &perr) {
				code = perr.Code
			}
			effects = append(effects, e.fail(code, ev.err.Error())...)
		}

	case evStop:
		e.manualStop = true
		e.interim = ""
		if e.status != StatusError {
			e.status = StatusIdle
		}
		if e.provider != nil {
			effects = append(effects, func() {
				if err := e.provider.Abort(); err != nil {
					e.logger.Warn().Err(err).Msg("Failed to abort capture session")
				}
			})
		}

	case evSessionStarted:
		if !e.manualStop && e.status != StatusError {
			e.status = StatusListening
		}
		e.logger.Debug().Msg("Capture session opened")

	case evSessionEnded:
		e.interim = ""
		if shouldRestart(e.opts.Continuous, e.manualStop, e.severity) && e.status != StatusError {
			e.status = StatusRestarting
			cfg := e.config()
			e.logger.Info().Msg("Capture session ended unexpectedly, restarting")
			effects = append(effects, func() { e.startProvider(cfg) })
			if e.opts.Metrics != nil {
				effects = append(effects, e.opts.Metrics.RecordCaptureRestart)
			}
			if e.opts.OnRestart != nil {
				effects = append(effects, e.opts.OnRestart)
			}
			break
		}
		if e.status != StatusError {
			e.status = StatusIdle
		}
		e.logger.Debug().Bool("manual_stop", e.manualStop).Msg("Capture session closed")

	case evResult:
		effects = append(effects, e.applyResults(ev.results, ev.resumeIndex)...)

	case evError:
		if _, severity := Classify(ev.code); severity == SeverityBenign {
			e.logger.Debug().Str("code", string(ev.code)).Msg("Ignoring benign capture error")
			break
		}
		effects = append(effects, e.fail(ev.code, ev.message)...)

	case evReset:
		e.finalText = ""
		e.interim = ""
	}

	if e.opts.OnStatus != nil && (e.status != prev || e.errMsg != prevErr) {
		snap := e.snapshotLocked()
		effects = append(effects, func() { e.opts.OnStatus(snap) })
	}
	return effects
}

// fail records a fatal error and ends the session. Must be called with e.mu held.
func (e *Engine) fail(code ErrorCode, detail string) []func() {
	category, _ := Classify(code)
	msg := UserMessage(code)

	e.severity = SeverityFatal
	e.status = StatusError
	e.errMsg = msg
	e.interim = ""

	e.logger.Error().
		Str("code", string(code)).
		Str("category", string(category)).
		Str("detail", detail).
		Msg("Speech capture failed")

	effects := []func(){
		func() {
			if err := e.provider.Abort(); err != nil {
				e.logger.Warn().Err(err).Msg("Failed to abort capture session after error")
			}
		},
	}
	if e.opts.Metrics != nil {
		effects = append(effects, func() { e.opts.Metrics.RecordCaptureError(string(category)) })
	}
	if e.opts.OnError != nil {
		effects = append(effects, func() { e.opts.OnError(code, msg) })
	}
	return effects
}

// applyResults folds a result batch into the transcript. Must be called with e.mu held.
func (e *Engine) applyResults(results []Result, resumeIndex int) []func() {
	if resumeIndex < 0 {
		resumeIndex = 0
	}

	appended := false
	var interim strings.Builder
	for i := resumeIndex; i < len(results); i++ {
		r := results[i]
		if !r.Final {
			interim.WriteString(r.Transcript)
			continue
		}
		segment := strings.TrimSpace(r.Transcript)
		if segment == "" {
			continue
		}
		if e.opts.Transform != nil {
			segment = e.opts.Transform(segment)
			if segment == "" {
				continue
			}
		}
		e.finalText = joinSegment(e.finalText, segment)
		appended = true
	}

	var effects []func()
	if appended && e.opts.OnTranscript != nil {
		text := e.finalText
		effects = append(effects, func() { e.opts.OnTranscript(text) })
	}

	// Late interim results after a manual stop are dropped.
	if e.manualStop || e.status == StatusError {
		return effects
	}
	e.interim = interim.String()
	if e.interim != "" && e.opts.OnInterim != nil {
		text := e.interim
		effects = append(effects, func() { e.opts.OnInterim(text) })
	}
	return effects
}

func (e *Engine) startProvider(cfg Config) {
	if err := e.provider.Start(cfg); err != nil {
		_ = e.dispatch(event{kind: evStartFailed, err: err})
	}
}

// joinSegment appends segment to text with a single space separator. Segments
// produced by spoken commands carry their own line breaks and get no space.
func joinSegment(text, segment string) string {
	if text == "" {
		return segment
	}
	if strings.HasSuffix(text, "\n") || strings.HasPrefix(segment, "\n") {
		return text + segment
	}
	return text + " " + segment
}
