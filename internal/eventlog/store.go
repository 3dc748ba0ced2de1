// Package eventlog keeps an audit trail of dictation session events in
// SQLite. Only metadata is stored (counts, codes, modes); transcripts and
// note content never reach the log.
package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/lexiqai/dictation-gateway/internal/observability"
)

// EventType names a recorded event
type EventType string

const (
	SessionStarted   EventType = "session_started"
	CaptureRestarted EventType = "capture_restarted"
	CaptureError     EventType = "capture_error"
	TranscriptClear  EventType = "transcript_cleared"
	ParseRequested   EventType = "parse_requested"
	ParseSucceeded   EventType = "parse_succeeded"
	ParseFailed      EventType = "parse_failed"
	SectionsApplied  EventType = "sections_applied"
	SessionEnded     EventType = "session_ended"
)

// ErrClosed is returned by Log after Close
var ErrClosed = errors.New("event log is closed")

const schema = `
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		sessionId TEXT NOT NULL,
		type TEXT NOT NULL,
		data TEXT NOT NULL DEFAULT '{}',
		createdAt REAL NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_session ON events(sessionId, id);
`

// Event is one stored row
type Event struct {
	ID        int64
	SessionID string
	Type      EventType
	Data      map[string]interface{}
	CreatedAt time.Time
}

// Store writes events to SQLite. A nil *Store accepts and drops every event.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger

	mu      sync.RWMutex
	closed  bool
	pending sync.WaitGroup
}

// Open opens (creating if needed) the database at path. Use ":memory:" for
// a throwaway log.
func Open(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite serializes writers; one connection also keeps ":memory:" on a single database.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{
		db:     db,
		logger: observability.GetLogger().With().Str("component", "eventlog").Logger(),
	}, nil
}

// Log writes one event
func (s *Store) Log(ctx context.Context, sessionID string, typ EventType, data map[string]interface{}) error {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return s.insert(ctx, sessionID, typ, data)
}

func (s *Store) insert(ctx context.Context, sessionID string, typ EventType, data map[string]interface{}) error {
	if data == nil {
		data = map[string]interface{}{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode event data: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events (sessionId, type, data, createdAt) VALUES (?, ?, ?, ?)`,
		sessionID, string(typ), string(raw), unixFromTime(time.Now()))
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// LogAsync writes an event in the background. Failures are logged.
func (s *Store) LogAsync(sessionID string, typ EventType, data map[string]interface{}) {
	if s == nil {
		return
	}
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return
	}
	s.pending.Add(1)
	s.mu.RUnlock()

	go func() {
		defer s.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.insert(ctx, sessionID, typ, data); err != nil {
			s.logger.Warn().Err(err).Str("session_id", sessionID).Str("type", string(typ)).Msg("Failed to record event")
		}
	}()
}

// EventsForSession returns a session's events in the order they were written
func (s *Store) EventsForSession(ctx context.Context, sessionID string) ([]Event, error) {
	if s == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, sessionId, type, data, createdAt
		FROM events
		WHERE sessionId = ?
		ORDER BY id ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var typ, raw string
		var createdAt float64
		if err := rows.Scan(&e.ID, &e.SessionID, &typ, &raw, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Type = EventType(typ)
		if err := json.Unmarshal([]byte(raw), &e.Data); err != nil {
			return nil, fmt.Errorf("decode event %d: %w", e.ID, err)
		}
		e.CreatedAt = timeFromUnix(createdAt)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Close waits for background writes and closes the database
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.pending.Wait()
	return s.db.Close()
}

// Session binds the store to one session id
func (s *Store) Session(sessionID string) *SessionLog {
	return &SessionLog{store: s, sessionID: sessionID}
}

// SessionLog records events for a single session
type SessionLog struct {
	store     *Store
	sessionID string
}

// Record writes the event in the background
func (l *SessionLog) Record(typ EventType, data map[string]interface{}) {
	l.store.LogAsync(l.sessionID, typ, data)
}

func unixFromTime(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func timeFromUnix(f float64) time.Time {
	sec := int64(f)
	nsec := int64((f - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}
