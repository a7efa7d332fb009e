// Package conversation holds the message timeline read by the rendering
// layer and the rules for reconciling a live turn with server history.
package conversation

import (
	"context"
	"slices"
	"time"

	"github.com/maruel/turnsync/internal/toolcall"
)

// Sender identifies who authored a message.
type Sender string

// Senders.
const (
	SenderUser  Sender = "user"
	SenderAgent Sender = "agent"
)

// State is the reconciliation state of a message.
type State int

// Message states.
const (
	// StateProvisional messages were created locally and may still change.
	StateProvisional State = iota
	// StateConfirmed messages came from the server's history.
	StateConfirmed
	// StateLocalFinal messages are provisional messages frozen because the
	// server could not confirm them.
	StateLocalFinal
)

func (s State) String() string {
	switch s {
	case StateProvisional:
		return "provisional"
	case StateConfirmed:
		return "confirmed"
	case StateLocalFinal:
		return "local_final"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// FileEvent is a file created or uploaded during a turn.
type FileEvent struct {
	Kind      string    `json:"kind"`
	Path      string    `json:"path,omitempty"`
	Name      string    `json:"name,omitempty"`
	MimeType  string    `json:"mime_type,omitempty"`
	Size      int64     `json:"size,omitempty"`
	URL       string    `json:"url,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

// Message is one entry of the timeline. The id is stable for the lifetime of
// the message.
type Message struct {
	ID              string                `json:"id"`
	Sender          Sender                `json:"sender"`
	Text            string                `json:"text"`
	TurnID          string                `json:"turn_id,omitempty"`
	ToolInvocations []toolcall.Invocation `json:"tool_invocations,omitempty"`
	Files           []FileEvent           `json:"files,omitempty"`
	// Notice is an inline notice shown under the message, e.g. when the
	// stream broke before the turn completed.
	Notice    string    `json:"notice,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	State     State     `json:"state"`
}

func (m *Message) clone() Message {
	c := *m
	c.ToolInvocations = toolcall.Clone(m.ToolInvocations)
	c.Files = slices.Clone(m.Files)
	return c
}

// Timeline is the ordered message list with pagination cursors.
type Timeline struct {
	Messages []Message   `json:"messages"`
	Files    []FileEvent `json:"file_events,omitempty"`
	Total    int         `json:"total"`
	HasMore  bool        `json:"has_more"`
	// Offset is the number of server messages loaded so far.
	Offset int `json:"offset"`
}

func (t *Timeline) clone() Timeline {
	c := *t
	c.Messages = make([]Message, len(t.Messages))
	for i := range t.Messages {
		c.Messages[i] = t.Messages[i].clone()
	}
	c.Files = slices.Clone(t.Files)
	return c
}

// Page is one page of server history, newest last.
type Page struct {
	Messages []Message
	Files    []FileEvent
	Total    int
	HasMore  bool
}

// HistoryFetcher fetches a page of server history.
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, sessionID string, limit, offset int) (Page, error)
}
