package gateway

import (
	"github.com/lexiqai/dictation-gateway/internal/dictation"
	"github.com/lexiqai/dictation-gateway/internal/reconcile"
	"github.com/lexiqai/dictation-gateway/internal/taxonomy"
)

// Command types sent by the client as JSON text frames
const (
	CmdStart         = "start"
	CmdStop          = "stop"
	CmdClear         = "clear"
	CmdReset         = "reset"
	CmdParse         = "parse"
	CmdUpdateSection = "update_section"
	CmdToggleSection = "toggle_section"
	CmdSelectAll     = "select_all"
	CmdDeselectAll   = "deselect_all"
	CmdApply         = "apply"
)

// Event types sent to the client
const (
	EvtReady        = "ready"
	EvtState        = "state"
	EvtInterim      = "interim"
	EvtTranscript   = "transcript"
	EvtSections     = "sections"
	EvtParseError   = "parse_error"
	EvtApplyResult  = "apply_result"
	EvtNotification = "notification"
	EvtError        = "error"
)

// Command is a client request. Binary frames carry audio and are not commands.
type Command struct {
	Type     string               `json:"type"`
	ID       string               `json:"id,omitempty"`
	Content  string               `json:"content,omitempty"`
	Mode     string               `json:"mode,omitempty"`
	Existing []reconcile.Existing `json:"existing,omitempty"`
}

type readyEvent struct {
	Type      string             `json:"type"`
	SessionID string             `json:"session_id"`
	Taxonomy  string             `json:"taxonomy"`
	Sections  []taxonomy.Section `json:"sections"`
}

type stateEvent struct {
	Type  string          `json:"type"`
	State dictation.State `json:"state"`
}

type textEvent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type sectionsEvent struct {
	Type     string              `json:"type"`
	Sections []reconcile.Section `json:"sections"`
}

type applyResultEvent struct {
	Type    string             `json:"type"`
	Mode    string             `json:"mode"`
	Updates []reconcile.Update `json:"updates"`
}

type errorEvent struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

type notificationEvent struct {
	Type    string `json:"type"`
	Level   string `json:"level"`
	Message string `json:"message"`
}
