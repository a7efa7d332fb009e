package event

import (
	"encoding/json"
	"strings"

	"github.com/maruel/turnsync/internal/jsonx"
)

// maxDepth bounds how many "data" wrappers are unwrapped.
const maxDepth = 3

// Classify maps one decoded envelope to events.
//
// Every envelope yields exactly one Event, except assistant/user wrappers
// carrying a content block array, which yield one Event per recognized block
// in order. Envelopes that cannot be recognized yield a single KindUnknown
// event. Classify has no side effects.
func Classify(raw json.RawMessage) []Event {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return []Event{unknown(raw)}
	}
	evs := classifyObject(obj, raw, 0)
	if len(evs) == 0 {
		return []Event{unknown(raw)}
	}
	if sid := findSessionID(obj); sid != "" {
		for i := range evs {
			if evs[i].SessionID == "" {
				evs[i].SessionID = sid
			}
		}
	}
	return evs
}

// ClassifyTerminal returns the event reported when the connection failed.
func ClassifyTerminal(err error) Event {
	return Event{Kind: KindError, Error: &Error{Message: err.Error(), Terminal: true}}
}

func unknown(raw json.RawMessage) Event {
	return Event{Kind: KindUnknown, Raw: raw}
}

// classifyObject handles one nesting level. raw is the JSON of obj.
func classifyObject(obj map[string]json.RawMessage, raw json.RawMessage, depth int) []Event {
	typ := getString(obj, "type")
	body, bodyRaw := obj, raw
	if inner, ok := asObject(obj["data"]); ok {
		body, bodyRaw = inner, obj["data"]
	}
	switch typ {
	case "data", "":
		if depth < maxDepth {
			if inner, ok := asObject(obj["data"]); ok {
				if evs := classifyObject(inner, obj["data"], depth+1); len(evs) > 0 {
					return evs
				}
			}
		}
		if typ == "" {
			return classifyBare(obj)
		}
		return nil
	case "text_delta", "text", "content_block_delta":
		if s := textOf(body); s != "" {
			return []Event{{Kind: KindTextDelta, Text: &Text{Text: s}}}
		}
		return nil
	case "tool_start", "tool_use":
		return toolStart(body)
	case "tool_input_delta", "input_json_delta":
		return toolInputDelta(body)
	case "tool_result":
		return toolResult(body)
	case "assistant", "user":
		return contentBlocks(typ, obj, body)
	case "system":
		if sid := getString(body, "session_id"); sid != "" {
			return []Event{{Kind: KindSessionID, SessionID: sid, Session: &Session{SessionID: sid}}}
		}
		return nil
	case "result":
		var r resultRecord
		if err := json.Unmarshal(bodyRaw, &r); err != nil {
			return nil
		}
		return []Event{{
			Kind:      KindTurnResult,
			SessionID: r.SessionID,
			TurnResult: &TurnResult{
				SessionID:    r.SessionID,
				TurnID:       r.TurnID,
				Subtype:      r.Subtype,
				Result:       r.Result,
				IsError:      r.IsError,
				TotalCostUSD: r.TotalCostUSD,
				DurationMs:   r.DurationMs,
				NumTurns:     r.NumTurns,
			},
		}}
	case "file_created", "file_uploaded":
		var f fileRecord
		if err := json.Unmarshal(bodyRaw, &f); err != nil {
			return nil
		}
		return []Event{{Kind: KindFile, SessionID: f.SessionID, File: &File{
			Kind:     strings.TrimPrefix(typ, "file_"),
			Path:     firstNonEmpty(f.Path, f.FilePath),
			Name:     firstNonEmpty(f.Name, f.Filename),
			MimeType: f.MimeType,
			Size:     f.Size,
			URL:      f.URL,
		}}}
	case "message_metadata":
		s := Session{
			SessionID: getString(body, "session_id"),
			TurnID:    firstString(body, "turn_id", "turnId"),
			MessageID: firstString(body, "message_id", "messageId"),
		}
		if s == (Session{}) {
			return nil
		}
		return []Event{{Kind: KindSessionID, SessionID: s.SessionID, Session: &s}}
	case "message_stop", "stream_end", "done":
		return []Event{{Kind: KindStreamEnd}}
	case "error":
		msg := firstString(body, "message", "error", "detail")
		if nested, ok := asObject(body["error"]); ok && msg == "" {
			msg = getString(nested, "message")
		}
		if msg == "" {
			msg = "unknown error"
		}
		return []Event{{Kind: KindError, Error: &Error{Message: msg}}}
	default:
		return nil
	}
}

// classifyBare handles envelopes without any type discriminant.
func classifyBare(obj map[string]json.RawMessage) []Event {
	if s := textOf(obj); s != "" {
		return []Event{{Kind: KindTextDelta, Text: &Text{Text: s}}}
	}
	if sid := getString(obj, "session_id"); sid != "" {
		return []Event{{Kind: KindSessionID, SessionID: sid, Session: &Session{SessionID: sid}}}
	}
	return nil
}

func toolStart(body map[string]json.RawMessage) []Event {
	id := toolID(body)
	if id == "" {
		return nil
	}
	return []Event{{Kind: KindToolStart, ToolStart: &ToolStart{
		ID:    id,
		Name:  firstString(body, "name", "tool_name", "tool"),
		Input: decodeInput(firstRaw(body, "input", "args", "arguments", "tool_input")),
	}}}
}

func toolInputDelta(body map[string]json.RawMessage) []Event {
	id := toolID(body)
	if id == "" {
		return nil
	}
	d := &ToolInputDelta{ID: id, Name: firstString(body, "name", "tool_name")}
	for _, k := range []string{"partial_json", "delta", "input_delta", "input", "fragment"} {
		v, ok := body[k]
		if !ok {
			continue
		}
		var s string
		if json.Unmarshal(v, &s) == nil {
			if s == "" {
				continue
			}
			d.Fragment = s
			break
		}
		if m, ok := asAnyObject(v); ok {
			d.Input = m
			break
		}
	}
	if d.Fragment == "" && d.Input == nil {
		return nil
	}
	return []Event{{Kind: KindToolInputDelta, ToolInput: d}}
}

func toolResult(body map[string]json.RawMessage) []Event {
	id := toolID(body)
	if id == "" {
		return nil
	}
	var out any
	if raw := firstRaw(body, "output", "content", "result"); raw != nil {
		_ = json.Unmarshal(raw, &out)
	}
	return []Event{{Kind: KindToolResult, ToolResult: &ToolResult{
		ID:      id,
		Name:    firstString(body, "name", "tool_name"),
		Output:  flattenOutput(out),
		IsError: getBool(body, "is_error") || getString(body, "status") == "error",
	}}}
}

// contentBlocks expands an assistant/user wrapper into one event per block.
// Text in user wrappers is the echo of the prompt and is dropped.
func contentBlocks(typ string, obj, body map[string]json.RawMessage) []Event {
	raw := body["message"]
	if raw == nil {
		raw = obj["message"]
	}
	var msg messageBody
	if raw != nil {
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil
		}
	} else {
		msg.Content = body["content"]
	}
	if len(msg.Content) == 0 {
		return nil
	}
	var s string
	if json.Unmarshal(msg.Content, &s) == nil {
		if typ == "assistant" && s != "" {
			return []Event{{Kind: KindTextDelta, Text: &Text{Text: s, Snapshot: true}}}
		}
		return nil
	}
	var blocks []contentBlock
	if err := json.Unmarshal(msg.Content, &blocks); err != nil {
		return nil
	}
	var evs []Event
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if typ == "assistant" && b.Text != "" {
				evs = append(evs, Event{Kind: KindTextDelta, Text: &Text{Text: b.Text, Snapshot: true}})
			}
		case "tool_use":
			if b.ID == "" {
				continue
			}
			evs = append(evs, Event{Kind: KindToolStart, ToolStart: &ToolStart{
				ID:    b.ID,
				Name:  b.Name,
				Input: decodeInput(b.Input),
			}})
		case "tool_result":
			if b.ToolUseID == "" {
				continue
			}
			var out any
			if len(b.Content) > 0 {
				_ = json.Unmarshal(b.Content, &out)
			}
			evs = append(evs, Event{Kind: KindToolResult, ToolResult: &ToolResult{
				ID:      b.ToolUseID,
				Output:  flattenOutput(out),
				IsError: b.IsError,
			}})
		}
	}
	return evs
}

// textOf extracts streamed text from the shapes seen in the wild:
// {"text":...}, {"delta":"..."}, {"delta":{"text":...}} and {"content":"..."}.
func textOf(body map[string]json.RawMessage) string {
	if s := firstString(body, "text", "delta", "content"); s != "" {
		return s
	}
	if d, ok := asObject(body["delta"]); ok {
		return getString(d, "text")
	}
	return ""
}

func toolID(body map[string]json.RawMessage) string {
	return firstString(body, "id", "tool_use_id", "tool_call_id", "invocation_id")
}

// decodeInput accepts an object, or a string holding a (possibly truncated)
// JSON object.
func decodeInput(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	if m, ok := asAnyObject(raw); ok {
		return m
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		if m, ok := jsonx.DecodeObject(s); ok {
			return m
		}
	}
	return nil
}

// flattenOutput turns an array of text blocks into a single string and maps
// a missing output to "".
func flattenOutput(v any) any {
	switch t := v.(type) {
	case nil:
		return ""
	case []any:
		var parts []string
		for _, item := range t {
			m, ok := item.(map[string]any)
			if !ok || m["type"] != "text" {
				return v
			}
			s, _ := m["text"].(string)
			parts = append(parts, s)
		}
		if len(parts) == 0 {
			return v
		}
		return strings.Join(parts, "\n")
	default:
		return v
	}
}

func findSessionID(obj map[string]json.RawMessage) string {
	for range maxDepth + 1 {
		if sid := getString(obj, "session_id"); sid != "" {
			return sid
		}
		inner, ok := asObject(obj["data"])
		if !ok {
			return ""
		}
		obj = inner
	}
	return ""
}

func asObject(raw json.RawMessage) (map[string]json.RawMessage, bool) {
	if len(raw) == 0 || raw[0] != '{' {
		return nil, false
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil || m == nil {
		return nil, false
	}
	return m, true
}

func asAnyObject(raw json.RawMessage) (map[string]any, bool) {
	if len(raw) == 0 || raw[0] != '{' {
		return nil, false
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil || m == nil {
		return nil, false
	}
	return m, true
}

func getString(obj map[string]json.RawMessage, key string) string {
	raw, ok := obj[key]
	if !ok {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return s
}

func getBool(obj map[string]json.RawMessage, key string) bool {
	var b bool
	if raw, ok := obj[key]; ok {
		_ = json.Unmarshal(raw, &b)
	}
	return b
}

func firstString(obj map[string]json.RawMessage, keys ...string) string {
	for _, k := range keys {
		if s := getString(obj, k); s != "" {
			return s
		}
	}
	return ""
}

func firstRaw(obj map[string]json.RawMessage, keys ...string) json.RawMessage {
	for _, k := range keys {
		if raw, ok := obj[k]; ok && string(raw) != "null" {
			return raw
		}
	}
	return nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
