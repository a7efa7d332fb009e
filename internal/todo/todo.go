// Package todo projects task list tool invocations into a single canonical
// todo list.
package todo

import (
	"fmt"
	"strings"

	"github.com/maruel/turnsync/internal/jsonx"
	"github.com/maruel/turnsync/internal/toolcall"
)

// Status is the status of a todo entry.
type Status string

// Todo statuses.
const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

// Entry is one task in the projected list.
type Entry struct {
	// ID is stable across re-derivations of the same logical task.
	ID      string `json:"id"`
	Content string `json:"content"`
	Status  Status `json:"status"`
	// ActiveForm is the present continuous narration; empty unless in progress.
	ActiveForm  string `json:"activeForm,omitempty"`
	Level       string `json:"level,omitempty"`
	ParentLevel string `json:"parentLevel,omitempty"`
	Priority    string `json:"priority,omitempty"`
}

// toolNames are the names the backend uses for the task list tool.
var toolNames = map[string]struct{}{
	"TodoWrite":   {},
	"todo_write":  {},
	"write_todos": {},
}

// IsTodoTool reports whether name is a task list management tool.
func IsTodoTool(name string) bool {
	_, ok := toolNames[name]
	return ok
}

// Project returns the todo list for one turn's invocations, given in arrival
// order. Among task list invocations, the last one whose todos are all
// completed wins; otherwise the last one carrying todos wins. Returns nil when
// no invocation carries a list.
func Project(invs []toolcall.Invocation) []Entry {
	var latest, completed []Entry
	for _, inv := range invs {
		if !IsTodoTool(inv.Name) {
			continue
		}
		entries := Normalize(inv.Input["todos"])
		if len(entries) == 0 {
			continue
		}
		latest = entries
		if allCompleted(entries) {
			completed = entries
		}
	}
	if completed != nil {
		return completed
	}
	return latest
}

// Normalize converts a raw todos value into entries. The value may be a list
// or a JSON string of a list, possibly encoded more than once.
//
// Items sharing an ID are one task: the last one wins and keeps the position
// of the first.
func Normalize(raw any) []Entry {
	items, ok := jsonx.ParseIfString(raw).([]any)
	if !ok {
		return nil
	}
	out := make([]Entry, 0, len(items))
	index := make(map[string]int, len(items))
	for _, item := range items {
		e, ok := normalizeItem(item)
		if !ok {
			continue
		}
		if i, dup := index[e.ID]; dup {
			out[i] = e
			continue
		}
		index[e.ID] = len(out)
		out = append(out, e)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func normalizeItem(item any) (Entry, bool) {
	var m map[string]any
	switch t := item.(type) {
	case map[string]any:
		m = t
	case string:
		m = map[string]any{"content": t}
	default:
		return Entry{}, false
	}
	e := Entry{
		Content:     str(m, "content", "text", "title"),
		Status:      normalizeStatus(str(m, "status", "state")),
		ActiveForm:  str(m, "activeForm", "active_form"),
		Level:       str(m, "level"),
		ParentLevel: str(m, "parentLevel", "parent_level"),
		Priority:    str(m, "priority"),
	}
	if e.Content == "" {
		return Entry{}, false
	}
	// An explicit level wins over the leading numeral.
	if e.Level == "" {
		e.Level = leadingLevel(e.Content)
	}
	if e.ParentLevel == "" {
		e.ParentLevel = parentOf(e.Level)
	}
	if e.Status == StatusCompleted {
		e.ActiveForm = ""
	}
	e.ID = str(m, "id")
	if e.ID == "" {
		e.ID = "todo-" + e.Content + "-" + e.Level
	}
	return e, true
}

func normalizeStatus(s string) Status {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.NewReplacer("-", "_", " ", "_").Replace(s)
	switch s {
	case "completed", "complete", "done":
		return StatusCompleted
	case "in_progress", "inprogress", "active", "running":
		return StatusInProgress
	default:
		return StatusPending
	}
}

// leadingLevel returns the dotted numeral that starts s: "1.2 Draft" and
// "1.2. Draft" both yield "1.2". Returns "" when there is none.
func leadingLevel(s string) string {
	s = strings.TrimLeft(s, " \t")
	end := 0
	for end < len(s) {
		c := s[end]
		if c >= '0' && c <= '9' {
			end++
			continue
		}
		// A dot must be followed by a digit to extend the numeral.
		if c == '.' && end > 0 && end+1 < len(s) && s[end+1] >= '0' && s[end+1] <= '9' {
			end++
			continue
		}
		break
	}
	if end == 0 {
		return ""
	}
	rest := strings.TrimPrefix(s[end:], ".")
	rest = strings.TrimPrefix(rest, ")")
	if rest != "" && rest[0] != ' ' && rest[0] != '\t' {
		return ""
	}
	return s[:end]
}

func parentOf(level string) string {
	if i := strings.LastIndexByte(level, '.'); i > 0 {
		return level[:i]
	}
	return ""
}

func allCompleted(entries []Entry) bool {
	for _, e := range entries {
		if e.Status != StatusCompleted {
			return false
		}
	}
	return len(entries) > 0
}

// str returns the first key of m holding a non-empty scalar, as a string.
func str(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case nil:
		case string:
			if v != "" {
				return v
			}
		case float64, bool:
			return fmt.Sprint(v)
		}
	}
	return ""
}
