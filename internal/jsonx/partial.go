// Package jsonx holds the JSON normalization steps shared by the tool call
// tracker and the todo projection: best-effort repair of truncated fragments
// and unwrapping of fields the backend double-encodes as JSON strings.
package jsonx

import (
	"encoding/json"
	"strings"
)

// frame is one open container while scanning a fragment.
type frame struct {
	obj   bool
	state int // One of expectKey, expectColon, expectValue, expectComma.
}

const (
	expectKey = iota
	expectColon
	expectValue
	expectComma
)

// Repair closes a truncated JSON object or array so it can be decoded.
//
// Fields that are complete are always kept. A trailing string value that was
// cut mid-way is kept as the prefix received so far; a dangling key or a
// partial number/literal is dropped. Returns false when nothing decodable can
// be salvaged.
func Repair(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" || (s[0] != '{' && s[0] != '[') {
		return "", false
	}
	if json.Valid([]byte(s)) {
		return s, true
	}
	var stack []frame
	cutPos := -1
	cutClosers := ""
	inString := false
	stringIsKey := false
	escape := false
	markCut := func(pos int) {
		cutPos = pos
		cutClosers = closers(stack)
	}
	completeValue := func(pos int) {
		if len(stack) == 0 {
			return
		}
		stack[len(stack)-1].state = expectComma
		markCut(pos)
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escape:
				escape = false
			case c == '\\':
				escape = true
			case c == '"':
				inString = false
				if stringIsKey {
					stack[len(stack)-1].state = expectColon
				} else {
					completeValue(i + 1)
				}
			}
			continue
		}
		switch c {
		case ' ', '\t', '\n', '\r':
		case '"':
			inString = true
			stringIsKey = len(stack) > 0 && stack[len(stack)-1].obj && stack[len(stack)-1].state == expectKey
		case '{', '[':
			stack = append(stack, frame{obj: c == '{'})
			markCut(i + 1)
		case '}', ']':
			if len(stack) == 0 {
				return "", false
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return s[:i+1], json.Valid([]byte(s[:i+1]))
			}
			completeValue(i + 1)
		case ':':
			if len(stack) > 0 {
				stack[len(stack)-1].state = expectValue
			}
		case ',':
			if len(stack) > 0 {
				if stack[len(stack)-1].obj {
					stack[len(stack)-1].state = expectKey
				} else {
					stack[len(stack)-1].state = expectValue
				}
			}
		default:
			j := i
			for j < len(s) && isLiteralByte(s[j]) {
				j++
			}
			if j == i {
				// Garbage byte; give up on the rest.
				return fallback(s, cutPos, cutClosers)
			}
			if j == len(s) {
				// Literal runs into the end of the fragment and may be partial.
				return fallback(s, cutPos, cutClosers)
			}
			i = j - 1
			completeValue(j)
		}
	}
	if inString && !stringIsKey && len(stack) > 0 {
		body := trimPartialEscape(s)
		candidate := body + `"` + closers(stack)
		if json.Valid([]byte(candidate)) {
			return candidate, true
		}
	}
	return fallback(s, cutPos, cutClosers)
}

func fallback(s string, cutPos int, cutClosers string) (string, bool) {
	if cutPos < 0 {
		return "", false
	}
	candidate := s[:cutPos] + cutClosers
	if json.Valid([]byte(candidate)) {
		return candidate, true
	}
	return "", false
}

func closers(stack []frame) string {
	var b strings.Builder
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i].obj {
			b.WriteByte('}')
		} else {
			b.WriteByte(']')
		}
	}
	return b.String()
}

func isLiteralByte(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '-' || c == '+' || c == '.'
}

// trimPartialEscape drops an escape sequence cut at the end of an open
// string, e.g. a lone backslash or an incomplete \u escape.
func trimPartialEscape(s string) string {
	if i := strings.LastIndex(s, `\u`); i >= 0 && len(s)-i < 6 && !escaped(s, i) {
		return s[:i]
	}
	if strings.HasSuffix(s, `\`) && !escaped(s, len(s)-1) {
		return s[:len(s)-1]
	}
	return s
}

// escaped reports whether the backslash at s[i] is itself escaped.
func escaped(s string, i int) bool {
	n := 0
	for j := i - 1; j >= 0 && s[j] == '\\'; j-- {
		n++
	}
	return n%2 == 1
}

// DecodeObject decodes s as a JSON object, repairing it first if it was
// truncated. Returns false if s does not start an object.
func DecodeObject(s string) (map[string]any, bool) {
	var out map[string]any
	if err := json.Unmarshal([]byte(s), &out); err == nil && out != nil {
		return out, true
	}
	fixed, ok := Repair(s)
	if !ok {
		return nil, false
	}
	out = nil
	if err := json.Unmarshal([]byte(fixed), &out); err != nil || out == nil {
		return nil, false
	}
	return out, true
}

// maxUnwrap bounds how many layers of string encoding ParseIfString removes.
const maxUnwrap = 3

// ParseIfString returns v decoded as JSON when v is a string holding a JSON
// object or array, and v unchanged otherwise. Nested encodings are unwrapped
// as well, and truncated payloads are repaired on the way.
func ParseIfString(v any) any {
	for range maxUnwrap {
		s, ok := v.(string)
		if !ok {
			return v
		}
		t := strings.TrimSpace(s)
		if t == "" || (t[0] != '[' && t[0] != '{' && t[0] != '"') {
			return v
		}
		var next any
		if err := json.Unmarshal([]byte(t), &next); err != nil {
			fixed, ok := Repair(t)
			if !ok {
				return v
			}
			if err := json.Unmarshal([]byte(fixed), &next); err != nil {
				return v
			}
		}
		v = next
	}
	return v
}
