// Package toolcall pairs tool start, input delta and result events sharing an
// invocation id into an ordered list of invocations for the current turn.
package toolcall

import (
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/maruel/turnsync/internal/event"
	"github.com/maruel/turnsync/internal/jsonx"
)

// UnknownName is the name of an invocation whose start record was never seen.
const UnknownName = "Unknown"

// Status is the derived status of an invocation.
type Status string

// Invocation statuses.
const (
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Invocation is one tool call. Values returned by Tracker are deep copies and
// may be retained by the caller.
type Invocation struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Input  map[string]any `json:"input"`
	Output any            `json:"output"` // nil while running.
	Status Status         `json:"status"`
	// Seq is the arrival order within the turn, starting at 0.
	Seq       int       `json:"seq"`
	StartedAt time.Time `json:"started_at,omitzero"`
	// Duration is the time between first sighting and the first result.
	Duration time.Duration `json:"duration,omitzero"`
}

// state is the per-invocation pairing state. Unseen is implicit: no entry.
type state int

const (
	statePending  state = iota // Created by an orphan delta, name is provisional.
	stateNamed                 // Start record seen, running.
	stateResolved              // Result recorded.
)

func (s state) String() string {
	switch s {
	case statePending:
		return "pending"
	case stateNamed:
		return "named"
	case stateResolved:
		return "resolved"
	default:
		return "invalid"
	}
}

// encodedKeys are input keys whose value the backend sometimes sends as a
// JSON string instead of the value itself.
var encodedKeys = map[string]struct{}{"todos": {}}

type entry struct {
	inv     Invocation
	state   state
	isError bool
	// startKeys are the input keys supplied by the start record. Deltas never
	// overwrite them, whichever arrives first.
	startKeys map[string]struct{}
	// frag accumulates text fragments until they form a parseable object.
	frag strings.Builder
}

func (e *entry) hasOutput() bool {
	return e.inv.Output != nil
}

func (e *entry) status() Status {
	switch {
	case e.isError:
		return StatusError
	case e.hasOutput():
		return StatusSuccess
	default:
		return StatusRunning
	}
}

// Tracker is the per-turn invocation table. Events are applied by the turn's
// consumption loop only; Snapshot may be called from any goroutine.
type Tracker struct {
	log *slog.Logger
	now func() time.Time

	mu       sync.Mutex
	order    []*entry
	byID     map[string]*entry
	finished bool
}

// New returns an empty Tracker.
func New(log *slog.Logger) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{log: log, now: time.Now, byID: map[string]*entry{}}
}

// Apply applies a ToolStart, ToolInputDelta or ToolResult event. Other kinds
// are ignored. It returns true if the table changed.
func (t *Tracker) Apply(ev event.Event) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return false
	}
	switch ev.Kind {
	case event.KindToolStart:
		if ev.ToolStart != nil {
			t.start(ev.ToolStart)
			return true
		}
	case event.KindToolInputDelta:
		if ev.ToolInput != nil {
			return t.delta(ev.ToolInput)
		}
	case event.KindToolResult:
		if ev.ToolResult != nil {
			t.result(ev.ToolResult)
			return true
		}
	}
	return false
}

// Finish freezes the table at turn completion. Later events are ignored.
func (t *Tracker) Finish() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finished = true
}

// Reset discards every invocation and starts a new turn.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.order = nil
	t.byID = map[string]*entry{}
	t.finished = false
}

// Len returns the number of invocations in the turn.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.order)
}

// Get returns a copy of the invocation with the given id.
func (t *Tracker) Get(id string) (Invocation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.byID[id]
	if e == nil {
		return Invocation{}, false
	}
	return e.snapshot(), true
}

// Snapshot returns deep copies of every invocation in arrival order.
func (t *Tracker) Snapshot() []Invocation {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.order) == 0 {
		return nil
	}
	out := make([]Invocation, len(t.order))
	for i, e := range t.order {
		out[i] = e.snapshot()
	}
	return out
}

func (e *entry) snapshot() Invocation {
	inv := e.inv
	inv.Status = e.status()
	inv.Input = CloneInput(e.inv.Input)
	inv.Output = cloneValue(e.inv.Output)
	return inv
}

// PlaceholderName names an invocation first seen through an input delta.
//
// In practice only the task list tool streams its input before its start
// record, so that is the provisional name. A later start record replaces it.
func PlaceholderName(d *event.ToolInputDelta) string {
	if d.Name != "" {
		return d.Name
	}
	return "TodoWrite"
}

func (t *Tracker) lookup(id string, s state, name string) (*entry, bool) {
	if e := t.byID[id]; e != nil {
		return e, false
	}
	e := &entry{
		inv: Invocation{
			ID:        id,
			Name:      name,
			Input:     map[string]any{},
			Seq:       len(t.order),
			StartedAt: t.now(),
		},
		state: s,
	}
	t.byID[id] = e
	t.order = append(t.order, e)
	return e, true
}

// start applies a start record. Its keys win over the deltas' on conflict. A
// repeated start for the same id replaces the keys of the previous one; keys
// only the deltas supplied are kept.
func (t *Tracker) start(s *event.ToolStart) {
	e, created := t.lookup(s.ID, stateNamed, nameOr(s.Name))
	if !created {
		setName(e, s.Name)
		if e.state == statePending {
			e.state = stateNamed
		}
		if e.hasOutput() {
			t.log.Debug("tool input after result ignored", "id", s.ID, "name", e.inv.Name, "state", e.state)
			return
		}
		for k := range e.startKeys {
			delete(e.inv.Input, k)
		}
	}
	e.startKeys = make(map[string]struct{}, len(s.Input))
	for k := range s.Input {
		e.startKeys[k] = struct{}{}
	}
	mergeInput(e.inv.Input, s.Input, nil)
}

func (t *Tracker) delta(d *event.ToolInputDelta) bool {
	e, created := t.lookup(d.ID, statePending, PlaceholderName(d))
	if created {
		t.log.Debug("tool input before start", "id", d.ID, "placeholder", e.inv.Name)
	} else if e.state == statePending && d.Name != "" && d.Name != UnknownName {
		e.inv.Name = d.Name
	}
	if e.hasOutput() {
		t.log.Debug("tool input after result ignored", "id", d.ID, "name", e.inv.Name, "state", e.state)
		return created
	}
	if d.Input != nil {
		mergeInput(e.inv.Input, d.Input, e.startKeys)
	}
	if d.Fragment != "" {
		t.applyFragment(e, d.Fragment)
	}
	return true
}

// applyFragment merges a text fragment. A fragment that is a complete object
// on its own is merged directly; otherwise it extends the buffer and whatever
// fields the buffer holds so far are extracted.
func (t *Tracker) applyFragment(e *entry, frag string) {
	if e.frag.Len() == 0 {
		var m map[string]any
		if err := json.Unmarshal([]byte(frag), &m); err == nil && m != nil {
			mergeInput(e.inv.Input, m, e.startKeys)
			return
		}
	}
	e.frag.WriteString(frag)
	m, ok := jsonx.DecodeObject(e.frag.String())
	if !ok {
		t.log.Debug("tool input fragment not yet parseable", "id", e.inv.ID, "len", e.frag.Len())
		return
	}
	mergeInput(e.inv.Input, m, e.startKeys)
}

func (t *Tracker) result(r *event.ToolResult) {
	e, created := t.lookup(r.ID, stateResolved, nameOr(r.Name))
	if created {
		t.log.Debug("tool result without start", "id", r.ID, "name", e.inv.Name)
	} else {
		setName(e, r.Name)
	}
	out := r.Output
	if out == nil {
		out = ""
	}
	if e.state != stateResolved || created {
		e.inv.Duration = t.now().Sub(e.inv.StartedAt)
	}
	e.state = stateResolved
	e.inv.Output = out
	e.isError = r.IsError
}

func nameOr(name string) string {
	if name == "" {
		return UnknownName
	}
	return name
}

// setName applies last-writer-wins to the name, except that a real name is
// never replaced by UnknownName.
func setName(e *entry, name string) {
	if name == "" || name == UnknownName {
		return
	}
	e.inv.Name = name
}

// mergeInput copies src into dst key by key, unwrapping double-encoded keys.
// Keys in keep are left alone.
func mergeInput(dst, src map[string]any, keep map[string]struct{}) {
	for k, v := range src {
		if _, ok := keep[k]; ok {
			continue
		}
		dst[k] = normalize(k, v)
	}
}

func normalize(key string, v any) any {
	if _, ok := encodedKeys[key]; ok {
		return jsonx.ParseIfString(v)
	}
	return v
}

// CloneInput deep copies an input mapping.
func CloneInput(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

// Clone deep copies invocations.
func Clone(in []Invocation) []Invocation {
	if in == nil {
		return nil
	}
	out := make([]Invocation, len(in))
	for i, inv := range in {
		out[i] = inv
		out[i].Input = CloneInput(inv.Input)
		out[i].Output = cloneValue(inv.Output)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneInput(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
