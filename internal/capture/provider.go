// Package capture runs a continuous speech capture session on top of a pluggable
// recognition backend.
//
// A Provider is the platform capability (a browser recogniser, a native OS speech
// service, a streaming cloud transcription socket). It reports its lifecycle through
// a Handler. The Engine implements Handler and owns the state machine: it keeps the
// accumulated final transcript, exposes the live interim text, classifies errors,
// and restarts sessions that end on their own while continuous mode is on.
package capture

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupported is returned by a Provider when the capability is absent
	ErrUnsupported = errors.New("speech capture is not supported")

	// ErrAlreadyStarted is returned by Provider.Start while a session is open
	ErrAlreadyStarted = errors.New("speech capture already started")

	// ErrClosed is returned when an Engine is used after Close
	ErrClosed = errors.New("capture engine is closed")
)

// DefaultLanguage is used when Config.Language is empty
const DefaultLanguage = "en-US"

// Config describes how a provider session should be opened
type Config struct {
	// Continuous keeps the session open across pauses in speech
	Continuous bool

	// InterimResults requests provisional results. The engine always sets it.
	InterimResults bool

	// Language is a BCP-47 tag such as "en-US"
	Language string
}

// Result is one recognised segment inside a result batch
type Result struct {
	Transcript string
	Final      bool
	Confidence float64
}

// Handler receives provider lifecycle callbacks. Callbacks for one provider must
// be delivered in order; they may arrive on any goroutine.
type Handler interface {
	// OnStart is called once the session is open and listening
	OnStart()

	// OnEnd is called when the session closes, for any reason
	OnEnd()

	// OnResult delivers a batch of results. Entries before resumeIndex were
	// already delivered in an earlier batch and must be skipped.
	OnResult(results []Result, resumeIndex int)

	// OnError reports a provider error code with a free-form message
	OnError(code ErrorCode, message string)
}

// Provider is the speech capture capability
type Provider interface {
	// Start requests a new session. Completion is reported through Handler.OnStart.
	Start(cfg Config) error

	// Stop finishes the session and reports OnEnd. Results that arrive after
	// Stop are not delivered.
	Stop() error

	// Abort closes the session immediately, discarding pending results
	Abort() error

	// SetHandler registers the callback receiver
	SetHandler(h Handler)
}

// ProviderError lets a provider report a classified failure from Start
type ProviderError struct {
	Code    ErrorCode
	Message string
}

func (e *ProviderError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("capture provider error: %s", e.Code)
	}
	return fmt.Sprintf("capture provider error: %s: %s", e.Code, e.Message)
}
