package dictation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/dictation-gateway/internal/capture"
	"github.com/lexiqai/dictation-gateway/internal/eventlog"
	"github.com/lexiqai/dictation-gateway/internal/parser"
	"github.com/lexiqai/dictation-gateway/internal/reconcile"
)

type stubProvider struct {
	mu      sync.Mutex
	handler capture.Handler
}

func (p *stubProvider) Start(capture.Config) error {
	p.mu.Lock()
	h := p.handler
	p.mu.Unlock()
	h.OnStart()
	return nil
}

func (p *stubProvider) Stop() error  { return nil }
func (p *stubProvider) Abort() error { return nil }

func (p *stubProvider) SetHandler(h capture.Handler) {
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
}

func (p *stubProvider) final(text string) {
	p.mu.Lock()
	h := p.handler
	p.mu.Unlock()
	h.OnResult([]capture.Result{{Transcript: text, Final: true}}, 0)
}

type parseFunc func(ctx context.Context, req parser.Request) (*parser.Response, error)

type stubParser struct {
	mu    sync.Mutex
	calls []parser.Request
	fn    parseFunc
}

func (p *stubParser) Parse(ctx context.Context, req parser.Request) (*parser.Response, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req)
	fn := p.fn
	p.mu.Unlock()
	return fn(ctx, req)
}

func (p *stubParser) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type memRecorder struct {
	mu     sync.Mutex
	events []eventlog.EventType
}

func (r *memRecorder) Record(typ eventlog.EventType, data map[string]interface{}) {
	r.mu.Lock()
	r.events = append(r.events, typ)
	r.mu.Unlock()
}

func (r *memRecorder) has(typ eventlog.EventType) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e == typ {
			return true
		}
	}
	return false
}

func respond(resp *parser.Response) parseFunc {
	return func(context.Context, parser.Request) (*parser.Response, error) {
		return resp, nil
	}
}

func chestPainResponse() *parser.Response {
	return &parser.Response{
		Sections: map[string]string{
			"chief_complaint": "Chest pain.",
			"physical_exam":   "Normal heart sounds.",
		},
		SectionMeta: []parser.SectionMeta{
			{ID: "chief_complaint", Title: "Chief Complaint"},
			{ID: "physical_exam", Title: "Physical Exam"},
		},
	}
}

func newTestController(t *testing.T, p *stubParser, opts Options) (*Controller, *stubProvider) {
	t.Helper()
	logger := zerolog.Nop()
	opts.Logger = &logger
	opts.Continuous = true
	provider := &stubProvider{}
	c := NewController(provider, p, opts)
	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return c, provider
}

func TestTranscriptMirroredSynchronously(t *testing.T) {
	c, provider := newTestController(t, &stubParser{}, Options{})

	provider.final("Patient reports headache")
	if got := c.Transcript(); got != "Patient reports headache" {
		t.Fatalf("Expected transcript visible immediately, got %q", got)
	}
	provider.final(" and nausea")
	if got := c.Transcript(); got != "Patient reports headache and nausea" {
		t.Errorf("Unexpected transcript %q", got)
	}
	if got := c.State().Transcript; got != c.Transcript() {
		t.Errorf("State transcript %q differs from accumulated %q", got, c.Transcript())
	}
}

func TestParseTranscript_Empty(t *testing.T) {
	p := &stubParser{fn: respond(chestPainResponse())}
	rec := &memRecorder{}
	var notified []string
	c, provider := newTestController(t, p, Options{
		Recorder: rec,
		OnNotify: func(level, msg string) { notified = append(notified, level+":"+msg) },
	})
	provider.final("   ")

	err := c.ParseTranscript(context.Background())
	if !errors.Is(err, ErrEmptyTranscript) {
		t.Fatalf("Expected ErrEmptyTranscript, got %v", err)
	}
	if err.Error() != "No transcript to parse. Please record some dictation first." {
		t.Errorf("Unexpected message %q", err.Error())
	}
	if p.callCount() != 0 {
		t.Error("Expected no parser call for empty transcript")
	}
	if c.State().ParseError != EmptyTranscriptMessage {
		t.Errorf("Expected parse error stored, got %q", c.State().ParseError)
	}
	if len(notified) != 1 || notified[0] != "error:"+EmptyTranscriptMessage {
		t.Errorf("Unexpected notifications %v", notified)
	}
	if !rec.has(eventlog.ParseFailed) {
		t.Error("Expected parse_failed recorded")
	}
}

func TestParseTranscript_Success(t *testing.T) {
	p := &stubParser{fn: respond(chestPainResponse())}
	var emitted []reconcile.Section
	c, provider := newTestController(t, p, Options{
		OnSections: func(s []reconcile.Section) { emitted = s },
	})
	provider.final("Chief complaint is chest pain.")
	provider.final("Physical exam shows normal heart sounds.")

	if err := c.ParseTranscript(context.Background()); err != nil {
		t.Fatalf("ParseTranscript failed: %v", err)
	}

	if got := p.calls[0].Transcript; got != "Chief complaint is chest pain. Physical exam shows normal heart sounds." {
		t.Errorf("Unexpected transcript sent %q", got)
	}

	sections := c.Sections()
	if len(sections) != 2 {
		t.Fatalf("Expected 2 sections, got %d", len(sections))
	}
	want := []reconcile.Section{
		{ID: "chief_complaint", Title: "Chief Complaint", Content: "Chest pain.", Selected: true},
		{ID: "physical_exam", Title: "Physical Exam", Content: "Normal heart sounds.", Selected: true},
	}
	for i := range want {
		if sections[i] != want[i] {
			t.Errorf("section %d: expected %+v, got %+v", i, want[i], sections[i])
		}
	}
	if len(emitted) != 2 {
		t.Errorf("Expected OnSections with 2 sections, got %d", len(emitted))
	}
	if st := c.State(); st.ParseError != "" || st.Parsing {
		t.Errorf("Unexpected state after success: %+v", st)
	}
}

func TestParseTranscript_Failure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"server message", &parser.Error{StatusCode: 400, Message: "Transcript too short"}, "Transcript too short"},
		{"no message", &parser.Error{StatusCode: 500}, ParseFailedMessage},
		{"transport", errors.New("connection refused"), ParseFailedMessage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &stubParser{fn: respond(chestPainResponse())}
			c, provider := newTestController(t, p, Options{})
			provider.final("Chief complaint is chest pain.")
			if err := c.ParseTranscript(context.Background()); err != nil {
				t.Fatalf("first parse failed: %v", err)
			}

			p.fn = func(context.Context, parser.Request) (*parser.Response, error) { return nil, tt.err }
			err := c.ParseTranscript(context.Background())

			var perr *ParseError
			if !errors.As(err, &perr) || perr.Message != tt.want {
				t.Fatalf("Expected ParseError %q, got %v", tt.want, err)
			}
			st := c.State()
			if st.ParseError != tt.want {
				t.Errorf("Expected stored error %q, got %q", tt.want, st.ParseError)
			}
			if st.Transcript != "Chief complaint is chest pain." {
				t.Errorf("Expected transcript kept for retry, got %q", st.Transcript)
			}
			if len(st.Sections) != 2 {
				t.Errorf("Expected previous sections kept, got %d", len(st.Sections))
			}
		})
	}
}

func TestParseTranscript_SupersededByNewerParse(t *testing.T) {
	started := make(chan struct{})
	p := &stubParser{}
	first := true
	p.fn = func(ctx context.Context, req parser.Request) (*parser.Response, error) {
		if first {
			first = false
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return chestPainResponse(), nil
	}

	c, provider := newTestController(t, p, Options{})
	provider.final("Chief complaint is chest pain.")

	errc := make(chan error, 1)
	go func() { errc <- c.ParseTranscript(context.Background()) }()
	<-started

	if !c.State().Parsing {
		t.Error("Expected parsing flag while a parse is in flight")
	}
	if err := c.ParseTranscript(context.Background()); err != nil {
		t.Fatalf("second parse failed: %v", err)
	}

	select {
	case err := <-errc:
		if !errors.Is(err, ErrParseSuperseded) {
			t.Errorf("Expected ErrParseSuperseded, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first parse was not cancelled")
	}

	if st := c.State(); len(st.Sections) != 2 || st.ParseError != "" {
		t.Errorf("Expected second parse result kept, got %+v", st)
	}
}

func TestReset_DiscardsParseInFlight(t *testing.T) {
	started := make(chan struct{})
	p := &stubParser{fn: func(ctx context.Context, req parser.Request) (*parser.Response, error) {
		close(started)
		<-ctx.Done()
		return chestPainResponse(), nil
	}}
	c, provider := newTestController(t, p, Options{})
	provider.final("Plan is rest.")

	errc := make(chan error, 1)
	go func() { errc <- c.ParseTranscript(context.Background()) }()
	<-started
	c.Reset()

	if err := <-errc; !errors.Is(err, ErrParseSuperseded) {
		t.Errorf("Expected ErrParseSuperseded, got %v", err)
	}
	if st := c.State(); st.Transcript != "" || len(st.Sections) != 0 || st.ParseError != "" {
		t.Errorf("Expected empty state after reset, got %+v", st)
	}
}

func TestClearTranscript_KeepsSections(t *testing.T) {
	p := &stubParser{fn: respond(chestPainResponse())}
	rec := &memRecorder{}
	c, provider := newTestController(t, p, Options{Recorder: rec})
	provider.final("Chief complaint is chest pain.")
	_ = c.ParseTranscript(context.Background())

	c.ClearTranscript()
	if c.Transcript() != "" {
		t.Errorf("Expected empty transcript, got %q", c.Transcript())
	}
	if len(c.Sections()) != 2 {
		t.Error("Expected sections kept after clearing transcript")
	}
	if !rec.has(eventlog.TranscriptClear) {
		t.Error("Expected transcript_cleared recorded")
	}

	// New speech starts from empty
	provider.final("Plan is rest.")
	if c.Transcript() != "Plan is rest." {
		t.Errorf("Unexpected transcript %q", c.Transcript())
	}
}

func TestLateTranscriptNotificationAfterClear(t *testing.T) {
	c, provider := newTestController(t, &stubParser{}, Options{})
	provider.final("Patient denies fever.")
	captured := c.Transcript()

	c.ClearTranscript()
	// A notification computed before the clear runs after it
	c.handleTranscript(captured)
	if got := c.Transcript(); got != "" {
		t.Errorf("Expected cleared transcript to stay empty, got %q", got)
	}

	provider.final("Cough for two days.")
	c.Reset()
	c.handleTranscript("Cough for two days.")
	if got := c.State().Transcript; got != "" {
		t.Errorf("Expected reset transcript to stay empty, got %q", got)
	}
}

func TestBuildSections_Taxonomy(t *testing.T) {
	resp := &parser.Response{
		Sections: map[string]string{
			"plan":      "Rest.",
			"billing":   "99213",
			"allergies": "NKDA",
		},
		SectionMeta: []parser.SectionMeta{
			{ID: "plan", Title: ""},
			{ID: "billing", Title: "Billing"},
			{ID: "plan", Title: "Plan again"},
			{ID: "allergies", Title: "Allergies"},
		},
	}

	sections, dropped := buildSections(resp, zerolog.Nop())
	if dropped != 2 {
		t.Errorf("Expected 2 dropped, got %d", dropped)
	}
	if len(sections) != 2 {
		t.Fatalf("Expected 2 sections, got %+v", sections)
	}
	if sections[0].ID != "plan" || sections[0].Title != "Plan" || sections[0].Content != "Rest." {
		t.Errorf("Unexpected first section %+v", sections[0])
	}
	if sections[1].ID != "allergies" || !sections[1].Selected {
		t.Errorf("Unexpected second section %+v", sections[1])
	}
}

func TestSectionEditsAndApply(t *testing.T) {
	p := &stubParser{fn: respond(chestPainResponse())}
	rec := &memRecorder{}
	c, provider := newTestController(t, p, Options{Recorder: rec})
	provider.final("Chief complaint is chest pain.")
	_ = c.ParseTranscript(context.Background())

	c.UpdateSection("chief_complaint", "Crushing chest pain.")
	c.ToggleSection("physical_exam")

	updates := c.Apply([]reconcile.Existing{{ID: "chief_complaint", Content: "Follow-up visit."}}, reconcile.MergeAppend)
	if len(updates) != 1 {
		t.Fatalf("Expected 1 update, got %+v", updates)
	}
	if updates[0].Content != "Follow-up visit.\n\nCrushing chest pain." {
		t.Errorf("Unexpected merged content %q", updates[0].Content)
	}

	c.DeselectAll()
	if n := len(c.Apply(nil, reconcile.MergeReplace)); n != 0 {
		t.Errorf("Expected no updates with nothing selected, got %d", n)
	}
	c.SelectAll()
	if n := len(c.Apply(nil, reconcile.MergeReplace)); n != 2 {
		t.Errorf("Expected 2 updates after select all, got %d", n)
	}
	if !rec.has(eventlog.SectionsApplied) {
		t.Error("Expected sections_applied recorded")
	}
}

func TestSpokenCommands(t *testing.T) {
	c, provider := newTestController(t, &stubParser{}, Options{Commands: true})

	provider.final("Patient stable.")
	provider.final("New paragraph. Plan is rest.")
	provider.final("Follow up in two weeks new line return if worse")

	want := "Patient stable.\n\nPlan is rest. Follow up in two weeks\nreturn if worse"
	if got := c.Transcript(); got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
}

func TestSpokenCommandsOffByDefault(t *testing.T) {
	c, provider := newTestController(t, &stubParser{}, Options{})
	provider.final("new paragraph")
	if got := c.Transcript(); got != "new paragraph" {
		t.Errorf("Expected literal text, got %q", got)
	}
}

func TestApplyCommands(t *testing.T) {
	tests := map[string]string{
		"new paragraph":                       "\n\n",
		"Headache. New line. Nausea.":         "Headache.\nNausea.",
		"no commands here":                    "no commands here",
		"renewal of lines":                    "renewal of lines",
		"Assessment new paragraph, plan rest": "Assessment\n\nplan rest",
	}
	for in, want := range tests {
		if got := ApplyCommands(in); got != want {
			t.Errorf("ApplyCommands(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestUnsupportedNotifies(t *testing.T) {
	logger := zerolog.Nop()
	var msgs []string
	c := NewController(nil, &stubParser{}, Options{
		Logger:   &logger,
		OnNotify: func(level, msg string) { msgs = append(msgs, msg) },
	})
	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if c.State().Supported {
		t.Error("Expected unsupported state")
	}
	if len(msgs) != 1 || !strings.Contains(msgs[0], "not supported") {
		t.Errorf("Unexpected notifications %v", msgs)
	}
}
