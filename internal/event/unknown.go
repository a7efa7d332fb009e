package event

import (
	"encoding/json"
	"log/slog"
	"maps"
	"slices"
)

// Overflow keeps the fields of a typed payload that no struct field claimed,
// so that additions by newer backends are reported rather than lost.
type Overflow struct {
	Extra map[string]json.RawMessage `json:"-"`
}

// report logs the overflowing keys at Debug.
func (o *Overflow) report(kind string) {
	if len(o.Extra) == 0 {
		return
	}
	slog.Debug("unknown fields in stream envelope", "kind", kind, "fields", slices.Sorted(maps.Keys(o.Extra)))
}

// fields is the set of JSON keys a payload type understands.
type fields map[string]struct{}

func newFields(keys ...string) fields {
	f := make(fields, len(keys))
	for _, k := range keys {
		f[k] = struct{}{}
	}
	return f
}

// decode unmarshals data into v, which must not implement json.Unmarshaler
// itself, and returns the entries of data that f does not list.
func (f fields) decode(data []byte, v any) (map[string]json.RawMessage, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return nil, err
	}
	var extra map[string]json.RawMessage
	for k, val := range raw {
		if _, ok := f[k]; ok {
			continue
		}
		if extra == nil {
			extra = map[string]json.RawMessage{}
		}
		extra[k] = val
	}
	return extra, nil
}
