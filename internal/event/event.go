// Package event maps decoded stream envelopes to a small set of semantic
// events. It is the only place that knows the backend's inconsistent
// envelope nesting; everything downstream switches on Event.Kind.
package event

import "encoding/json"

// Kind identifies the type of an Event.
type Kind string

// Event kinds.
const (
	KindTextDelta      Kind = "textDelta"
	KindToolStart      Kind = "toolStart"
	KindToolInputDelta Kind = "toolInputDelta"
	KindToolResult     Kind = "toolResult"
	KindFile           Kind = "file"
	KindTurnResult     Kind = "turnResult"
	KindSessionID      Kind = "sessionID"
	KindStreamEnd      Kind = "streamEnd"
	KindError          Kind = "error"
	KindUnknown        Kind = "unknown"
)

// Event is a single classified stream event. The Kind field determines which
// payload field is non-nil.
type Event struct {
	Kind Kind
	// SessionID is the session the envelope was tagged with, if any.
	SessionID string

	Text       *Text           // KindTextDelta.
	ToolStart  *ToolStart      // KindToolStart.
	ToolInput  *ToolInputDelta // KindToolInputDelta.
	ToolResult *ToolResult     // KindToolResult.
	File       *File           // KindFile.
	TurnResult *TurnResult     // KindTurnResult.
	Session    *Session        // KindSessionID.
	Error      *Error          // KindError.

	// Raw is the envelope, kept for KindUnknown so it can be logged.
	Raw json.RawMessage
}

// Text is a chunk of agent text.
type Text struct {
	Text string
	// Snapshot is set when the text came from a complete assistant content
	// block rather than an incremental delta. Snapshot text repeats what the
	// deltas already delivered when both are streamed.
	Snapshot bool
}

// ToolStart announces a tool invocation.
type ToolStart struct {
	ID    string
	Name  string
	Input map[string]any
}

// ToolInputDelta carries part of a tool invocation's input. Either Input is
// set (the backend sent an object) or Fragment is (it sent text that may be
// a partial JSON document).
type ToolInputDelta struct {
	ID       string
	Name     string
	Fragment string
	Input    map[string]any
}

// ToolResult carries a tool invocation's output. Output is never nil; a
// result without output is reported as an empty string.
type ToolResult struct {
	ID      string
	Name    string
	Output  any
	IsError bool
}

// File reports a file created or uploaded during the turn.
type File struct {
	Kind     string // "created" or "uploaded".
	Path     string
	Name     string
	MimeType string
	Size     int64
	URL      string
}

// TurnResult is the terminal message of a turn.
type TurnResult struct {
	SessionID    string
	TurnID       string
	Subtype      string
	Result       string
	IsError      bool
	TotalCostUSD float64
	DurationMs   int64
	NumTurns     int
}

// Session carries the session identifier and, when known, the server ids of
// the current turn and message.
type Session struct {
	SessionID string
	TurnID    string
	MessageID string
}

// Error is an error reported in the stream. Terminal is set when the
// connection itself failed and nothing else will follow.
type Error struct {
	Message  string
	Terminal bool
}
