package capture

import (
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

type fakeProvider struct {
	mu       sync.Mutex
	handler  Handler
	starts   int
	aborts   int
	stops    int
	configs  []Config
	startErr error
	autoOpen bool
}

func (p *fakeProvider) Start(cfg Config) error {
	p.mu.Lock()
	p.starts++
	p.configs = append(p.configs, cfg)
	err := p.startErr
	handler := p.handler
	autoOpen := p.autoOpen
	p.mu.Unlock()

	if err != nil {
		return err
	}
	if autoOpen {
		handler.OnStart()
	}
	return nil
}

func (p *fakeProvider) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stops++
	return nil
}

func (p *fakeProvider) Abort() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.aborts++
	return nil
}

func (p *fakeProvider) SetHandler(h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = h
}

func (p *fakeProvider) startCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.starts
}

func (p *fakeProvider) abortCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.aborts
}

type fakeMetrics struct {
	starts   int
	restarts int
	errors   []string
}

func (m *fakeMetrics) RecordCaptureStart()                { m.starts++ }
func (m *fakeMetrics) RecordCaptureRestart()              { m.restarts++ }
func (m *fakeMetrics) RecordCaptureError(category string) { m.errors = append(m.errors, category) }

func nopLogger() *zerolog.Logger {
	l := zerolog.Nop()
	return &l
}

func newTestEngine(p *fakeProvider, continuous bool) *Engine {
	return NewEngine(p, Options{Continuous: continuous, Logger: nopLogger()})
}

func final(text string) Result   { return Result{Transcript: text, Final: true} }
func interim(text string) Result { return Result{Transcript: text} }

func TestEngineStartRequestsInterimResults(t *testing.T) {
	p := &fakeProvider{autoOpen: true}
	e := newTestEngine(p, true)

	if err := e.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	snap := e.Snapshot()
	if snap.Status != StatusListening || !snap.Listening {
		t.Errorf("Expected listening, got %+v", snap)
	}
	if len(p.configs) != 1 {
		t.Fatalf("Expected 1 provider start, got %d", len(p.configs))
	}
	cfg := p.configs[0]
	if !cfg.InterimResults || !cfg.Continuous || cfg.Language != DefaultLanguage {
		t.Errorf("Unexpected provider config: %+v", cfg)
	}
}

func TestEngineFinalTextIsSpaceJoinedInOrder(t *testing.T) {
	p := &fakeProvider{autoOpen: true}
	var notified []string
	e := NewEngine(p, Options{
		Logger:       nopLogger(),
		OnTranscript: func(text string) { notified = append(notified, text) },
	})
	_ = e.Start()

	e.OnResult([]Result{final("Chief complaint"), final("is chest pain.")}, 0)
	e.OnResult([]Result{final("  "), final("Exam normal.")}, 0)

	want := "Chief complaint is chest pain. Exam normal."
	if got := e.Transcript(); got != want {
		t.Errorf("Transcript() = %q, want %q", got, want)
	}
	if len(notified) != 2 || notified[1] != want {
		t.Errorf("Unexpected transcript notifications: %q", notified)
	}
}

func TestEngineInterimIsReplacedNotConcatenated(t *testing.T) {
	p := &fakeProvider{autoOpen: true}
	var interims []string
	e := NewEngine(p, Options{
		Logger:    nopLogger(),
		OnInterim: func(text string) { interims = append(interims, text) },
	})
	_ = e.Start()

	e.OnResult([]Result{interim("patient")}, 0)
	e.OnResult([]Result{interim("patient reports")}, 0)

	snap := e.Snapshot()
	if snap.Interim != "patient reports" {
		t.Errorf("Expected interim 'patient reports', got %q", snap.Interim)
	}
	if snap.Transcript != "" {
		t.Errorf("Interim text leaked into transcript: %q", snap.Transcript)
	}
	if len(interims) != 2 {
		t.Errorf("Expected 2 interim notifications, got %d", len(interims))
	}

	e.OnResult([]Result{final("patient reports headache")}, 0)
	if got := e.Snapshot().Interim; got != "" {
		t.Errorf("Expected interim to be cleared by an all-final batch, got %q", got)
	}
}

func TestEngineResumeIndexSkipsDeliveredResults(t *testing.T) {
	p := &fakeProvider{autoOpen: true}
	e := newTestEngine(p, true)
	_ = e.Start()

	results := []Result{final("first"), final("second"), interim("thi")}
	e.OnResult(results[:1], 0)
	e.OnResult(results, 1)

	if got := e.Transcript(); got != "first second" {
		t.Errorf("Transcript() = %q, want %q", got, "first second")
	}
	if got := e.Snapshot().Interim; got != "thi" {
		t.Errorf("Interim = %q, want %q", got, "thi")
	}
}

func TestEngineStopSuppressesRestart(t *testing.T) {
	p := &fakeProvider{autoOpen: true}
	e := newTestEngine(p, true)
	_ = e.Start()
	e.OnResult([]Result{interim("half a sen")}, 0)

	if err := e.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if p.abortCount() != 1 {
		t.Errorf("Expected provider abort, got %d", p.abortCount())
	}

	e.OnEnd()
	e.OnEnd()

	if p.startCount() != 1 {
		t.Errorf("Expected no restart after Stop, got %d starts", p.startCount())
	}
	snap := e.Snapshot()
	if snap.Status != StatusIdle || snap.Interim != "" {
		t.Errorf("Expected idle with cleared interim, got %+v", snap)
	}
}

func TestEngineRestartsOnUnexpectedEnd(t *testing.T) {
	p := &fakeProvider{}
	m := &fakeMetrics{}
	restarted := 0
	e := NewEngine(p, Options{
		Continuous: true,
		Logger:     nopLogger(),
		Metrics:    m,
		OnRestart:  func() { restarted++ },
	})
	_ = e.Start()
	e.OnStart()
	e.OnResult([]Result{final("Patient reports headache"), interim("and")}, 0)

	e.OnEnd()

	snap := e.Snapshot()
	if snap.Status != StatusRestarting {
		t.Errorf("Expected restarting, got %s", snap.Status)
	}
	if snap.Transcript != "Patient reports headache" {
		t.Errorf("Restart changed transcript: %q", snap.Transcript)
	}
	if snap.Interim != "" {
		t.Errorf("Expected interim cleared on restart, got %q", snap.Interim)
	}
	if p.startCount() != 2 {
		t.Errorf("Expected provider restarted, got %d starts", p.startCount())
	}
	if m.restarts != 1 || restarted != 1 {
		t.Errorf("Expected one restart recorded, got metrics=%d callback=%d", m.restarts, restarted)
	}

	e.OnStart()
	if got := e.Snapshot().Status; got != StatusListening {
		t.Errorf("Expected listening after restart, got %s", got)
	}
}

func TestEngineRestartPreservesHistory(t *testing.T) {
	p := &fakeProvider{autoOpen: true}
	e := newTestEngine(p, true)
	_ = e.Start()

	e.OnResult([]Result{final("Patient reports headache")}, 0)
	e.OnEnd()
	e.OnResult([]Result{final(" and nausea")}, 0)

	if got := e.Transcript(); got != "Patient reports headache and nausea" {
		t.Errorf("Transcript() = %q", got)
	}
}

func TestEngineNonContinuousEndGoesIdle(t *testing.T) {
	p := &fakeProvider{autoOpen: true}
	e := newTestEngine(p, false)
	_ = e.Start()

	e.OnEnd()

	if p.startCount() != 1 {
		t.Errorf("Expected no restart in single-shot mode, got %d starts", p.startCount())
	}
	if got := e.Snapshot().Status; got != StatusIdle {
		t.Errorf("Expected idle, got %s", got)
	}
}

func TestEngineBenignErrorsAreSwallowed(t *testing.T) {
	p := &fakeProvider{autoOpen: true}
	var statuses []Status
	e := NewEngine(p, Options{
		Continuous: true,
		Logger:     nopLogger(),
		OnStatus:   func(s Snapshot) { statuses = append(statuses, s.Status) },
	})
	_ = e.Start()
	statuses = nil

	e.OnError(CodeNoSpeech, "No speech detected")
	e.OnError(CodeAborted, "")

	snap := e.Snapshot()
	if snap.Status != StatusListening || snap.Error != "" {
		t.Errorf("Expected benign errors to be ignored, got %+v", snap)
	}
	if len(statuses) != 0 {
		t.Errorf("Expected no status notifications, got %v", statuses)
	}

	e.OnEnd()
	if p.startCount() != 2 {
		t.Errorf("Expected restart after benign error, got %d starts", p.startCount())
	}
}

func TestEngineFatalErrors(t *testing.T) {
	cases := []struct {
		code     ErrorCode
		category string
	}{
		{CodeNotAllowed, string(CategoryPermissionDenied)},
		{CodeAudioCapture, string(CategoryNoAudioDevice)},
		{CodeNetwork, string(CategoryNetwork)},
		{ErrorCode("service-not-allowed-by-policy"), string(CategoryUnknown)},
	}

	for _, c := range cases {
		t.Run(string(c.code), func(t *testing.T) {
			p := &fakeProvider{autoOpen: true}
			m := &fakeMetrics{}
			var gotCode ErrorCode
			e := NewEngine(p, Options{
				Continuous: true,
				Logger:     nopLogger(),
				Metrics:    m,
				OnError:    func(code ErrorCode, message string) { gotCode = code },
			})
			_ = e.Start()
			e.OnResult([]Result{final("kept text")}, 0)

			e.OnError(c.code, "boom")
			e.OnEnd()

			snap := e.Snapshot()
			if snap.Status != StatusError {
				t.Errorf("Expected error status, got %s", snap.Status)
			}
			if snap.Error != UserMessage(c.code) {
				t.Errorf("Unexpected error message %q", snap.Error)
			}
			if snap.Transcript != "kept text" {
				t.Errorf("Fatal error lost transcript: %q", snap.Transcript)
			}
			if p.startCount() != 1 {
				t.Errorf("Expected no restart after fatal error, got %d starts", p.startCount())
			}
			if p.abortCount() != 1 {
				t.Errorf("Expected session aborted, got %d", p.abortCount())
			}
			if gotCode != c.code {
				t.Errorf("OnError got %q, want %q", gotCode, c.code)
			}
			if len(m.errors) != 1 || m.errors[0] != c.category {
				t.Errorf("Expected error category %s, got %v", c.category, m.errors)
			}
		})
	}
}

func TestEngineStartClearsPreviousError(t *testing.T) {
	p := &fakeProvider{autoOpen: true}
	e := newTestEngine(p, true)
	_ = e.Start()
	e.OnError(CodeNetwork, "")

	_ = e.Start()

	snap := e.Snapshot()
	if snap.Status != StatusListening || snap.Error != "" {
		t.Errorf("Expected a fresh start to clear the error, got %+v", snap)
	}
}

func TestEngineUnsupported(t *testing.T) {
	e := NewEngine(nil, Options{Logger: nopLogger()})
	if err := e.Start(); err != nil {
		t.Fatalf("Start() should not return capture failures: %v", err)
	}
	snap := e.Snapshot()
	if snap.Supported || snap.Listening || snap.Status != StatusIdle {
		t.Errorf("Expected unsupported idle engine, got %+v", snap)
	}

	p := &fakeProvider{startErr: ErrUnsupported}
	e = newTestEngine(p, true)
	_ = e.Start()
	snap = e.Snapshot()
	if snap.Supported || snap.Status != StatusIdle {
		t.Errorf("Expected provider ErrUnsupported to mark engine unsupported, got %+v", snap)
	}
}

func TestEngineSwallowsAlreadyStarted(t *testing.T) {
	p := &fakeProvider{autoOpen: true}
	e := newTestEngine(p, true)
	_ = e.Start()
	// The provider may still be closing the previous session
	_ = e.Stop()

	p.mu.Lock()
	p.startErr = ErrAlreadyStarted
	p.mu.Unlock()

	if err := e.Start(); err != nil {
		t.Fatalf("Start() returned %v", err)
	}
	snap := e.Snapshot()
	if snap.Status != StatusListening || snap.Error != "" {
		t.Errorf("Expected already-started to be discarded, got %+v", snap)
	}
}

func TestEngineStartWhileListeningIsNoop(t *testing.T) {
	p := &fakeProvider{autoOpen: true}
	m := &fakeMetrics{}
	e := NewEngine(p, Options{Continuous: true, Metrics: m, Logger: nopLogger()})
	_ = e.Start()
	e.OnResult([]Result{final("Shortness of breath.")}, 0)

	if err := e.Start(); err != nil {
		t.Fatalf("Start() returned %v", err)
	}
	if p.startCount() != 1 || m.starts != 1 {
		t.Errorf("Expected a single start, got provider=%d metrics=%d", p.startCount(), m.starts)
	}
	if got := e.Transcript(); got != "Shortness of breath." {
		t.Errorf("Expected transcript kept, got %q", got)
	}

	_ = e.Stop()
	_ = e.Start()
	if p.startCount() != 2 || m.starts != 2 {
		t.Errorf("Expected start after stop, got provider=%d metrics=%d", p.startCount(), m.starts)
	}
}

func TestEngineProviderStartFailure(t *testing.T) {
	p := &fakeProvider{startErr: &ProviderError{Code: CodeNotAllowed, Message: "denied"}}
	e := newTestEngine(p, true)
	_ = e.Start()

	snap := e.Snapshot()
	if snap.Status != StatusError || snap.Error != UserMessage(CodeNotAllowed) {
		t.Errorf("Expected permission error, got %+v", snap)
	}

	p = &fakeProvider{startErr: errors.New("socket closed")}
	e = newTestEngine(p, true)
	_ = e.Start()
	if got := e.Snapshot().Status; got != StatusError {
		t.Errorf("Expected error status for unclassified start failure, got %s", got)
	}
}

func TestEngineResetKeepsSession(t *testing.T) {
	p := &fakeProvider{autoOpen: true}
	e := newTestEngine(p, true)
	_ = e.Start()
	e.OnResult([]Result{final("text"), interim("more")}, 0)

	e.Reset()

	snap := e.Snapshot()
	if snap.Transcript != "" || snap.Interim != "" {
		t.Errorf("Expected cleared text, got %+v", snap)
	}
	if snap.Status != StatusListening {
		t.Errorf("Reset changed session status to %s", snap.Status)
	}
}

func TestEngineTransformRewritesFinalSegments(t *testing.T) {
	p := &fakeProvider{autoOpen: true}
	e := NewEngine(p, Options{
		Logger: nopLogger(),
		Transform: func(s string) string {
			if s == "new paragraph" {
				return "\n\n"
			}
			if s == "um" {
				return ""
			}
			return s
		},
	})
	_ = e.Start()

	e.OnResult([]Result{final("Stable."), final("um"), final("new paragraph"), final("Plan follows.")}, 0)

	if got := e.Transcript(); got != "Stable.\n\nPlan follows." {
		t.Errorf("Transcript() = %q", got)
	}
}

func TestEngineClosed(t *testing.T) {
	p := &fakeProvider{autoOpen: true}
	e := newTestEngine(p, true)
	_ = e.Start()

	if err := e.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if err := e.Start(); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
	if err := e.Stop(); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}

	e.OnEnd()
	if p.startCount() != 1 {
		t.Errorf("Closed engine restarted the provider")
	}
}

func TestShouldRestart(t *testing.T) {
	cases := []struct {
		continuous, manualStop bool
		severity               Severity
		want                   bool
	}{
		{true, false, SeverityNone, true},
		{true, false, SeverityBenign, true},
		{true, false, SeverityFatal, false},
		{true, true, SeverityNone, false},
		{false, false, SeverityNone, false},
	}
	for _, c := range cases {
		if got := shouldRestart(c.continuous, c.manualStop, c.severity); got != c.want {
			t.Errorf("shouldRestart(%v, %v, %s) = %v, want %v", c.continuous, c.manualStop, c.severity, got, c.want)
		}
	}
}
