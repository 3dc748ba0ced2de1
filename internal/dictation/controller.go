// Package dictation ties a capture engine to the transcript parser and the
// section reconciler for one dictation session.
package dictation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lexiqai/dictation-gateway/internal/capture"
	"github.com/lexiqai/dictation-gateway/internal/eventlog"
	"github.com/lexiqai/dictation-gateway/internal/observability"
	"github.com/lexiqai/dictation-gateway/internal/parser"
	"github.com/lexiqai/dictation-gateway/internal/reconcile"
	"github.com/lexiqai/dictation-gateway/internal/taxonomy"
)

// Messages shown for parse failures
const (
	EmptyTranscriptMessage = "No transcript to parse. Please record some dictation first."
	ParseFailedMessage     = "Failed to parse dictation. Please try again."
)

var (
	// ErrEmptyTranscript is returned by ParseTranscript when nothing was dictated
	ErrEmptyTranscript = errors.New(EmptyTranscriptMessage)

	// ErrParseSuperseded is returned by a parse whose result was discarded
	// because a newer parse or a reset replaced it
	ErrParseSuperseded = errors.New("parse superseded by a newer request")
)

// ParseError is a failed parse. Message is what the user sees.
type ParseError struct {
	Message string
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse failed: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Notification levels
const (
	LevelInfo  = "info"
	LevelError = "error"
)

// Metrics receives session level counts
type Metrics interface {
	capture.Metrics
	RecordParseStart()
	RecordParseEnd(status string)
	RecordMerge(mode string, updates int)
}

// Recorder receives audit events
type Recorder interface {
	Record(typ eventlog.EventType, data map[string]interface{})
}

// State is the controller's view of the session
type State struct {
	capture.Snapshot
	Sections   []reconcile.Section `json:"sections"`
	ParseError string              `json:"parse_error,omitempty"`
	Parsing    bool                `json:"parsing"`
}

// Options configures a Controller
type Options struct {
	Continuous bool
	Language   string

	// Commands turns on spoken formatting commands
	Commands bool

	OnState      func(State)
	OnTranscript func(text string)
	OnInterim    func(text string)
	OnSections   func([]reconcile.Section)
	OnParseError func(message string)

	// OnNotify is the optional toast surface
	OnNotify func(level, message string)

	Metrics  Metrics
	Recorder Recorder
	Logger   *zerolog.Logger
}

// Controller owns one capture engine, the accumulated transcript and the
// parsed sections under review
type Controller struct {
	engine *capture.Engine
	parser parser.Client
	opts   Options
	logger zerolog.Logger

	mu          sync.Mutex
	accumulated string
	sections    []reconcile.Section
	parseErr    string
	parseSeq    uint64
	parsing     bool
	cancelParse context.CancelFunc
}

// NewController creates a controller. A nil provider leaves capture unsupported.
func NewController(provider capture.Provider, client parser.Client, opts Options) *Controller {
	logger := observability.GetLogger()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	c := &Controller{
		parser: client,
		opts:   opts,
		logger: logger.With().Str("component", "dictation").Logger(),
	}

	engineOpts := capture.Options{
		Continuous:   opts.Continuous,
		Language:     opts.Language,
		OnTranscript: c.handleTranscript,
		OnInterim:    opts.OnInterim,
		OnStatus:     func(capture.Snapshot) { c.emitState() },
		OnError:      c.handleCaptureError,
		OnRestart:    c.handleRestart,
		Logger:       &logger,
	}
	if opts.Commands {
		engineOpts.Transform = ApplyCommands
	}
	if opts.Metrics != nil {
		engineOpts.Metrics = opts.Metrics
	}
	c.engine = capture.NewEngine(provider, engineOpts)
	return c
}

// Start begins capturing
func (c *Controller) Start() error {
	if err := c.engine.Start(); err != nil {
		return err
	}
	if !c.engine.Snapshot().Supported {
		c.notify(LevelError, capture.UnsupportedMessage)
	}
	return nil
}

// Stop ends capturing; the transcript is kept
func (c *Controller) Stop() error {
	return c.engine.Stop()
}

// Close stops capturing, cancels any parse in flight and releases the engine
func (c *Controller) Close() error {
	c.mu.Lock()
	c.supersedeLocked()
	c.mu.Unlock()
	return c.engine.Close()
}

// Transcript returns the accumulated transcript
func (c *Controller) Transcript() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accumulated
}

// State returns the current controller state
func (c *Controller) State() State {
	snap := c.engine.Snapshot()

	c.mu.Lock()
	defer c.mu.Unlock()
	snap.Transcript = c.accumulated
	return State{
		Snapshot:   snap,
		Sections:   cloneSections(c.sections),
		ParseError: c.parseErr,
		Parsing:    c.parsing,
	}
}

// Sections returns the parsed sections under review
func (c *Controller) Sections() []reconcile.Section {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneSections(c.sections)
}

// ParseTranscript sends the accumulated transcript to the parser and
// replaces the section list with the result. Starting a new parse cancels
// the previous one, which then returns ErrParseSuperseded.
func (c *Controller) ParseTranscript(ctx context.Context) error {
	c.mu.Lock()
	text := strings.TrimSpace(c.accumulated)
	if text == "" {
		c.parseErr = EmptyTranscriptMessage
		c.mu.Unlock()

		c.record(eventlog.ParseFailed, map[string]interface{}{"reason": "empty_transcript"})
		c.reportParseError(EmptyTranscriptMessage)
		return ErrEmptyTranscript
	}

	c.supersedeLocked()
	ctx, cancel := context.WithCancel(ctx)
	seq := c.parseSeq
	c.cancelParse = cancel
	c.parsing = true
	c.mu.Unlock()
	defer cancel()

	c.emitState()
	if c.opts.Metrics != nil {
		c.opts.Metrics.RecordParseStart()
	}
	c.record(eventlog.ParseRequested, map[string]interface{}{"chars": len(text)})

	resp, err := c.parser.Parse(ctx, parser.Request{Transcript: text})

	c.mu.Lock()
	if seq != c.parseSeq {
		c.mu.Unlock()
		c.logger.Debug().Msg("Discarding superseded parse result")
		c.recordParseEnd("superseded")
		return ErrParseSuperseded
	}
	c.parsing = false
	c.cancelParse = nil

	if err != nil {
		msg := parser.Message(err)
		if msg == "" {
			msg = ParseFailedMessage
		}
		c.parseErr = msg
		c.mu.Unlock()

		c.logger.Warn().Err(err).Msg("Transcript parse failed")
		c.recordParseEnd("error")
		c.record(eventlog.ParseFailed, map[string]interface{}{"reason": failureReason(err)})
		c.reportParseError(msg)
		c.emitState()
		return &ParseError{Message: msg, Err: err}
	}

	sections, dropped := buildSections(resp, c.logger)
	c.sections = sections
	c.parseErr = ""
	out := cloneSections(sections)
	c.mu.Unlock()

	c.logger.Info().Int("sections", len(out)).Int("dropped", dropped).Msg("Transcript parsed")
	c.recordParseEnd("success")
	c.record(eventlog.ParseSucceeded, map[string]interface{}{"sections": len(out), "dropped": dropped})
	if c.opts.OnSections != nil {
		c.opts.OnSections(out)
	}
	c.notify(LevelInfo, fmt.Sprintf("Parsed %d sections from dictation.", len(out)))
	c.emitState()
	return nil
}

// supersedeLocked invalidates the parse in flight. Must be called with c.mu held.
func (c *Controller) supersedeLocked() {
	c.parseSeq++
	c.parsing = false
	if c.cancelParse != nil {
		c.cancelParse()
		c.cancelParse = nil
	}
}

// ClearTranscript discards the captured text
func (c *Controller) ClearTranscript() {
	c.engine.Reset()
	c.syncTranscript()

	c.record(eventlog.TranscriptClear, nil)
	c.emitState()
}

// Reset clears the transcript, the sections and the parse error. A parse in
// flight is cancelled and its result discarded.
func (c *Controller) Reset() {
	c.engine.Reset()

	c.mu.Lock()
	c.accumulated = c.engine.Transcript()
	c.sections = nil
	c.parseErr = ""
	c.supersedeLocked()
	c.mu.Unlock()

	c.record(eventlog.TranscriptClear, map[string]interface{}{"reset": true})
	if c.opts.OnSections != nil {
		c.opts.OnSections(nil)
	}
	c.emitState()
}

// UpdateSection replaces one section's content
func (c *Controller) UpdateSection(id, content string) []reconcile.Section {
	return c.editSections(func(s []reconcile.Section) []reconcile.Section {
		return reconcile.UpdateContent(s, id, content)
	})
}

// ToggleSection flips one section's selection
func (c *Controller) ToggleSection(id string) []reconcile.Section {
	return c.editSections(func(s []reconcile.Section) []reconcile.Section {
		return reconcile.Toggle(s, id)
	})
}

// SelectAll selects every section
func (c *Controller) SelectAll() []reconcile.Section {
	return c.editSections(reconcile.SelectAll)
}

// DeselectAll deselects every section
func (c *Controller) DeselectAll() []reconcile.Section {
	return c.editSections(reconcile.DeselectAll)
}

func (c *Controller) editSections(edit func([]reconcile.Section) []reconcile.Section) []reconcile.Section {
	c.mu.Lock()
	c.sections = edit(c.sections)
	out := cloneSections(c.sections)
	c.mu.Unlock()

	if c.opts.OnSections != nil {
		c.opts.OnSections(out)
	}
	return out
}

// Apply merges the selected sections into the note's existing content
func (c *Controller) Apply(existing []reconcile.Existing, mode reconcile.MergeMode) []reconcile.Update {
	c.mu.Lock()
	updates := reconcile.Apply(c.sections, existing, mode)
	selected := reconcile.SelectedCount(c.sections)
	c.mu.Unlock()

	if c.opts.Metrics != nil {
		c.opts.Metrics.RecordMerge(string(mode), len(updates))
	}
	c.record(eventlog.SectionsApplied, map[string]interface{}{
		"mode":     string(mode),
		"selected": selected,
		"updates":  len(updates),
	})
	c.logger.Info().Str("mode", string(mode)).Int("updates", len(updates)).Msg("Sections applied")
	return updates
}

// handleTranscript ignores the notified text and copies the engine's current
// transcript, so a notification that races with a clear cannot bring back
// discarded text.
func (c *Controller) handleTranscript(string) {
	text := c.syncTranscript()
	if c.opts.OnTranscript != nil {
		c.opts.OnTranscript(text)
	}
}

// syncTranscript copies the engine transcript while holding c.mu. The engine
// never calls back with its own lock held, so the nesting is safe.
func (c *Controller) syncTranscript() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accumulated = c.engine.Transcript()
	return c.accumulated
}

func (c *Controller) handleCaptureError(code capture.ErrorCode, message string) {
	category, _ := capture.Classify(code)
	c.record(eventlog.CaptureError, map[string]interface{}{
		"code":     string(code),
		"category": string(category),
	})
	c.notify(LevelError, message)
}

func (c *Controller) handleRestart() {
	c.record(eventlog.CaptureRestarted, nil)
}

func (c *Controller) reportParseError(msg string) {
	if c.opts.OnParseError != nil {
		c.opts.OnParseError(msg)
	}
	c.notify(LevelError, msg)
}

func (c *Controller) recordParseEnd(status string) {
	if c.opts.Metrics != nil {
		c.opts.Metrics.RecordParseEnd(status)
	}
}

func (c *Controller) emitState() {
	if c.opts.OnState != nil {
		c.opts.OnState(c.State())
	}
}

func (c *Controller) notify(level, message string) {
	if c.opts.OnNotify != nil {
		c.opts.OnNotify(level, message)
	}
}

func (c *Controller) record(typ eventlog.EventType, data map[string]interface{}) {
	if c.opts.Recorder != nil {
		c.opts.Recorder.Record(typ, data)
	}
}

// buildSections turns a parse response into reviewable sections in the
// order of its section metadata. Ids outside the taxonomy and repeated ids
// are dropped; the count of dropped entries is returned.
func buildSections(resp *parser.Response, logger zerolog.Logger) ([]reconcile.Section, int) {
	if resp == nil {
		return nil, 0
	}

	sections := make([]reconcile.Section, 0, len(resp.SectionMeta))
	seen := make(map[string]bool, len(resp.SectionMeta))
	dropped := 0
	for _, meta := range resp.SectionMeta {
		known, ok := taxonomy.Lookup(meta.ID)
		if !ok {
			logger.Warn().Str("section_id", meta.ID).Msg("Dropping section outside the taxonomy")
			dropped++
			continue
		}
		if seen[meta.ID] {
			dropped++
			continue
		}
		seen[meta.ID] = true

		title := strings.TrimSpace(meta.Title)
		if title == "" {
			title = known.Title
		}
		sections = append(sections, reconcile.Section{
			ID:       meta.ID,
			Title:    title,
			Content:  resp.Sections[meta.ID],
			Selected: true,
		})
	}
	return sections, dropped
}

func failureReason(err error) string {
	var perr *parser.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &perr):
		return fmt.Sprintf("status_%d", perr.StatusCode)
	default:
		return "transport"
	}
}

func cloneSections(s []reconcile.Section) []reconcile.Section {
	if s == nil {
		return nil
	}
	out := make([]reconcile.Section, len(s))
	copy(out, s)
	return out
}
