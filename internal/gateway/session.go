package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/dictation-gateway/internal/capture"
	"github.com/lexiqai/dictation-gateway/internal/dictation"
	"github.com/lexiqai/dictation-gateway/internal/eventlog"
	"github.com/lexiqai/dictation-gateway/internal/observability"
	"github.com/lexiqai/dictation-gateway/internal/parser"
	"github.com/lexiqai/dictation-gateway/internal/reconcile"
	"github.com/lexiqai/dictation-gateway/internal/taxonomy"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBuffer     = 64
)

// AudioProvider is a capture provider that accepts streamed audio
type AudioProvider interface {
	capture.Provider
	SendAudio(chunk []byte) error
}

// Session holds the state of one browser dictation connection
type Session struct {
	id         string
	userID     string
	conn       *websocket.Conn
	provider   AudioProvider
	controller *dictation.Controller

	metrics  *observability.Metrics
	recorder *eventlog.SessionLog
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	out    chan interface{}
	done   chan struct{}
	once   sync.Once
	parses sync.WaitGroup
}

func newSession(id, userID string, conn *websocket.Conn, provider AudioProvider, client parser.Client, store *eventlog.Store, opts dictation.Options) *Session {
	logger := observability.WithContext(map[string]interface{}{
		"session_id":     id,
		"correlation_id": observability.NewCorrelationID(),
	})
	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		id:       id,
		userID:   userID,
		conn:     conn,
		provider: provider,
		metrics:  observability.NewSessionMetrics(id),
		recorder: store.Session(id),
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		out:      make(chan interface{}, sendBuffer),
		done:     make(chan struct{}),
	}

	opts.Logger = &s.logger
	opts.Metrics = s.metrics
	opts.Recorder = s.recorder
	opts.OnState = func(st dictation.State) { s.emit(stateEvent{Type: EvtState, State: st}) }
	opts.OnTranscript = func(text string) { s.emit(textEvent{Type: EvtTranscript, Text: text}) }
	opts.OnInterim = func(text string) { s.emit(textEvent{Type: EvtInterim, Text: text}) }
	opts.OnSections = func(sections []reconcile.Section) { s.emitSections(sections) }
	opts.OnParseError = func(msg string) { s.emit(errorEvent{Type: EvtParseError, Error: msg}) }
	opts.OnNotify = func(level, msg string) {
		s.emit(notificationEvent{Type: EvtNotification, Level: level, Message: msg})
	}

	var cp capture.Provider
	if provider != nil {
		cp = provider
	}
	s.controller = dictation.NewController(cp, client, opts)
	return s
}

// ID returns the session id
func (s *Session) ID() string {
	return s.id
}

// run serves the connection until the client goes away or Close is called
func (s *Session) run() {
	s.metrics.RecordSessionStart()
	s.recorder.Record(eventlog.SessionStarted, map[string]interface{}{"authenticated": s.userID != ""})
	s.logger.Info().Str("user_id", s.userID).Msg("Dictation session started")

	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("session panic: %v", r)
			s.logger.Error().Err(err).Msg("Dictation session crashed")
			observability.CaptureError(err, map[string]string{"session_id": s.id})
		}
		s.Close()
		s.parses.Wait()
		s.metrics.RecordSessionEnd()
		s.recorder.Record(eventlog.SessionEnded, nil)
		s.logger.Info().Msg("Dictation session ended")
	}()

	go s.writeLoop()

	s.emit(readyEvent{
		Type:      EvtReady,
		SessionID: s.id,
		Taxonomy:  taxonomy.Version,
		Sections:  taxonomy.Sections(),
	})
	s.emit(stateEvent{Type: EvtState, State: s.controller.State()})

	s.readLoop()
}

// Close stops capture, cancels parses in flight and closes the connection
func (s *Session) Close() {
	s.once.Do(func() {
		s.cancel()
		if err := s.controller.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("Error closing dictation controller")
		}
		close(s.done)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"),
			time.Now().Add(writeWait))
		_ = s.conn.Close()
	})
}

func (s *Session) readLoop() {
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch msgType {
		case websocket.BinaryMessage:
			s.handleAudio(message)
		case websocket.TextMessage:
			var cmd Command
			if err := json.Unmarshal(message, &cmd); err != nil {
				s.emit(errorEvent{Type: EvtError, Error: "malformed command"})
				continue
			}
			s.handleCommand(cmd)
		}
	}
}

func (s *Session) handleAudio(chunk []byte) {
	s.metrics.RecordAudioBytes(len(chunk))
	if s.provider == nil {
		return
	}
	if err := s.provider.SendAudio(chunk); err != nil {
		s.logger.Debug().Err(err).Msg("Audio chunk not delivered")
	}
}

func (s *Session) handleCommand(cmd Command) {
	switch cmd.Type {
	case CmdStart:
		if err := s.controller.Start(); err != nil {
			s.emit(errorEvent{Type: EvtError, Error: err.Error()})
		}

	case CmdStop:
		if err := s.controller.Stop(); err != nil {
			s.emit(errorEvent{Type: EvtError, Error: err.Error()})
		}

	case CmdClear:
		s.controller.ClearTranscript()

	case CmdReset:
		s.controller.Reset()

	case CmdParse:
		s.parses.Add(1)
		go func() {
			defer s.parses.Done()
			s.parse()
		}()

	case CmdUpdateSection:
		if cmd.ID == "" {
			s.emit(errorEvent{Type: EvtError, Error: "update_section requires an id"})
			return
		}
		s.controller.UpdateSection(cmd.ID, cmd.Content)

	case CmdToggleSection:
		if cmd.ID == "" {
			s.emit(errorEvent{Type: EvtError, Error: "toggle_section requires an id"})
			return
		}
		s.controller.ToggleSection(cmd.ID)

	case CmdSelectAll:
		s.controller.SelectAll()

	case CmdDeselectAll:
		s.controller.DeselectAll()

	case CmdApply:
		mode, err := reconcile.ParseMergeMode(cmd.Mode)
		if err != nil {
			s.emit(errorEvent{Type: EvtError, Error: err.Error()})
			return
		}
		updates := s.controller.Apply(cmd.Existing, mode)
		if updates == nil {
			updates = []reconcile.Update{}
		}
		s.emit(applyResultEvent{Type: EvtApplyResult, Mode: string(mode), Updates: updates})

	default:
		s.emit(errorEvent{Type: EvtError, Error: fmt.Sprintf("unknown command %q", cmd.Type)})
	}
}

func (s *Session) parse() {
	err := s.controller.ParseTranscript(s.ctx)
	switch {
	case err == nil,
		errors.Is(err, dictation.ErrEmptyTranscript),
		errors.Is(err, dictation.ErrParseSuperseded):
		return
	}

	// Failures the parser explained are user-facing; the rest are ours
	if parser.Message(err) == "" && s.ctx.Err() == nil {
		observability.CaptureError(err, map[string]string{
			"session_id": s.id,
			"component":  "parser",
		})
	}
}

func (s *Session) emitSections(sections []reconcile.Section) {
	if sections == nil {
		sections = []reconcile.Section{}
	}
	s.emit(sectionsEvent{Type: EvtSections, Sections: sections})
}

// emit queues an event for the writer. It never blocks past session close.
func (s *Session) emit(v interface{}) {
	select {
	case s.out <- v:
	case <-s.done:
	}
}

func (s *Session) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return

		case v := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(v); err != nil {
				s.logger.Warn().Err(err).Msg("Failed to write event")
				go s.Close()
				return
			}

		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				go s.Close()
				return
			}
		}
	}
}
