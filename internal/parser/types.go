// Package parser talks to the external transcript parsing service, which
// splits a dictation transcript into clinical note sections.
package parser

import (
	"context"
	"errors"
	"fmt"
)

// ErrEmptyTranscript is returned when a request carries no text
var ErrEmptyTranscript = errors.New("transcript is empty")

// Client parses a transcript into note sections
type Client interface {
	Parse(ctx context.Context, req Request) (*Response, error)
}

// HealthChecker is implemented by clients that can probe the backend
type HealthChecker interface {
	HealthCheck(ctx context.Context) (bool, error)
}

// Request is the parse request body
type Request struct {
	Transcript string `json:"transcript"`
}

// SectionMeta names one section in the response, in display order
type SectionMeta struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// Response is the parse result: content keyed by section id plus the
// ordered section list
type Response struct {
	Sections    map[string]string `json:"sections"`
	SectionMeta []SectionMeta     `json:"sectionMeta"`
}

// Error is a failure reported by the parsing service
type Error struct {
	StatusCode int
	Message    string

	// Err is the underlying transport failure when the service itself did
	// not answer. It is never shown to users.
	Err error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "":
		return fmt.Sprintf("parser returned status %d: %s", e.StatusCode, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("parser unreachable (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("parser returned status %d", e.StatusCode)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Temporary reports whether the request may succeed if retried
func (e *Error) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}

// Message extracts a human-readable message from err, or "" if it carries none
func Message(err error) string {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Message
	}
	return ""
}
