package event

import (
	"encoding/json"
	"fmt"
)

// resultRecord is the wire shape of a turn result.
type resultRecord struct {
	Type          string  `json:"type"`
	Subtype       string  `json:"subtype"`
	SessionID     string  `json:"session_id"`
	TurnID        string  `json:"turn_id"`
	Result        string  `json:"result"`
	IsError       bool    `json:"is_error"`
	TotalCostUSD  float64 `json:"total_cost_usd"`
	DurationMs    int64   `json:"duration_ms"`
	DurationAPIMs int64   `json:"duration_api_ms"`
	NumTurns      int     `json:"num_turns"`

	Overflow
}

var resultFields = newFields(
	"type", "subtype", "session_id", "turn_id", "result", "is_error",
	"total_cost_usd", "duration_ms", "duration_api_ms", "num_turns",
	"usage", "modelUsage", "uuid", "stop_reason", "message_id", "permission_denials",
)

// UnmarshalJSON implements json.Unmarshaler.
func (r *resultRecord) UnmarshalJSON(data []byte) error {
	type alias resultRecord
	extra, err := resultFields.decode(data, (*alias)(r))
	if err != nil {
		return fmt.Errorf("result record: %w", err)
	}
	r.Extra = extra
	r.report("result")
	return nil
}

// fileRecord is the wire shape of file_created and file_uploaded events.
// The backend has used both path/file_path and name/filename.
type fileRecord struct {
	Type      string `json:"type"`
	Path      string `json:"path"`
	FilePath  string `json:"file_path"`
	Name      string `json:"name"`
	Filename  string `json:"filename"`
	MimeType  string `json:"mime_type"`
	Size      int64  `json:"size"`
	URL       string `json:"url"`
	SessionID string `json:"session_id"`

	Overflow
}

var fileFields = newFields(
	"type", "path", "file_path", "name", "filename", "mime_type", "size", "url",
	"session_id", "timestamp", "id",
)

// UnmarshalJSON implements json.Unmarshaler.
func (f *fileRecord) UnmarshalJSON(data []byte) error {
	type alias fileRecord
	extra, err := fileFields.decode(data, (*alias)(f))
	if err != nil {
		return fmt.Errorf("file record: %w", err)
	}
	f.Extra = extra
	f.report("file")
	return nil
}

// contentBlock is a single block within an assistant or user message.
type contentBlock struct {
	Type string `json:"type"`

	// type="text".
	Text string `json:"text,omitempty"`

	// type="tool_use".
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// type="tool_result".
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"` // string or []contentBlock
	IsError   bool            `json:"is_error,omitempty"`
}

// messageBody is the message object inside assistant and user wrappers.
type messageBody struct {
	ID      string          `json:"id"`
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"` // string or []contentBlock
}
