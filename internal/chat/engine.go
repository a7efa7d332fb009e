// Package chat runs the single consumption pass over a turn's stream: frames
// are read, classified and applied to the tool call tracker, the todo
// projection and the conversation store, one event at a time in wire order.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/maruel/ksid"
	"github.com/maruel/turnsync/internal/api"
	"github.com/maruel/turnsync/internal/conversation"
	"github.com/maruel/turnsync/internal/event"
	"github.com/maruel/turnsync/internal/todo"
	"github.com/maruel/turnsync/internal/toolcall"
	"github.com/maruel/turnsync/internal/wire"
)

// Backend is the HTTP collaborator.
type Backend interface {
	Chat(ctx context.Context, req api.ChatRequest) (*api.Stream, error)
	conversation.HistoryFetcher
}

// Options configures an Engine.
type Options struct {
	Log *slog.Logger
	// Record receives a copy of every accepted frame, for later replay.
	Record io.Writer
	// OnEvent is called for every event applied to the state, in order.
	OnEvent func(event.Event)
}

// Engine reconciles streamed turns into the conversation store.
type Engine struct {
	store   *conversation.Store
	backend Backend
	opts    Options
	log     *slog.Logger

	mu      sync.Mutex
	tracker *toolcall.Tracker // current turn's; nil between sessions
	todos   *todo.Projector   // current session's
}

// New returns an Engine. backend may be nil to consume recorded streams
// offline; turns are then confirmed locally only.
func New(store *conversation.Store, backend Backend, opts Options) *Engine {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Engine{store: store, backend: backend, opts: opts, log: log, todos: &todo.Projector{}}
}

// Result summarizes a consumed turn.
type Result struct {
	// MessageID is the provisional agent message id.
	MessageID string `json:"message_id"`
	SessionID string `json:"session_id,omitempty"`
	TurnID    string `json:"turn_id,omitempty"`
	// Confirmed is set when the server history replaced the provisional turn.
	Confirmed bool `json:"confirmed"`
	// Skipped is the number of malformed frames dropped.
	Skipped int `json:"skipped"`
}

// Send appends the user's message, streams the agent's turn and reconciles
// it. Only one Send may be in flight.
func (e *Engine) Send(ctx context.Context, text string) (Result, error) {
	if e.backend == nil {
		return Result{}, errors.New("no backend configured")
	}
	sc := e.store.Scope()
	if _, err := e.store.AppendUserMessage(sc, text); err != nil {
		return Result{}, err
	}
	defer e.store.EndSend(sc)
	s, err := e.backend.Chat(ctx, api.ChatRequest{Message: text, SessionID: e.store.SessionID()})
	if err != nil {
		// Surface the failure inline like a broken stream.
		id := ksid.NewID().String()
		if err2 := e.store.BeginAgentMessage(sc, id); err2 == nil {
			_ = e.store.SetNotice(sc, id, "Request failed: "+err.Error())
			_, _ = e.store.FinalizeTurn(ctx, sc, id, "", nil)
		}
		return Result{MessageID: id}, err
	}
	defer func() { _ = s.Body.Close() }()
	return e.consume(ctx, sc, s.Body, e.log.With("stream", s.ID))
}

// Consume reconciles one turn read from r within scope sc.
func (e *Engine) Consume(ctx context.Context, sc conversation.Scope, r io.Reader) (Result, error) {
	return e.consume(ctx, sc, r, e.log)
}

// turn is the state of one consumption pass.
type turn struct {
	scope    conversation.Scope
	msgID    string
	tracker  *toolcall.Tracker
	todos    *todo.Projector
	log      *slog.Logger
	sawDelta bool
	turnID   string
	done     bool
	// err is set when the loop must stop: stale session or broken stream.
	err    error
	result Result
}

func (e *Engine) consume(ctx context.Context, sc conversation.Scope, r io.Reader, log *slog.Logger) (Result, error) {
	t := &turn{
		scope:   sc,
		msgID:   ksid.NewID().String(),
		tracker: toolcall.New(log),
		log:     log,
	}
	t.result.MessageID = t.msgID
	e.mu.Lock()
	e.tracker = t.tracker
	t.todos = e.todos
	e.mu.Unlock()
	t.todos.BeginTurn()
	if err := e.store.BeginAgentMessage(sc, t.msgID); err != nil {
		return t.result, err
	}

	rd := wire.NewReader(r, e.opts.Record, log)
	for t.err == nil {
		rec, err := rd.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// Cancelled: keep what was reconciled, flag it inline.
			t.err = err
			e.noticeAndFreeze(ctx, t, "Stopped: "+err.Error())
			break
		}
		switch {
		case rec.Err != nil:
			e.safeApply(ctx, t, event.ClassifyTerminal(rec.Err))
			t.err = rec.Err
		case rec.End:
			if rec.Synthetic {
				log.Debug("stream closed without end marker")
			}
			e.safeApply(ctx, t, event.Event{Kind: event.KindStreamEnd})
		default:
			for _, ev := range event.Classify(rec.Data) {
				e.safeApply(ctx, t, ev)
				if t.err != nil {
					break
				}
			}
		}
	}
	t.result.Skipped = rd.Skipped()
	if t.err == nil && !t.done {
		e.finalize(ctx, t)
	}
	t.result.SessionID = e.store.SessionID()
	t.result.TurnID = t.turnID
	return t.result, t.err
}

// safeApply applies one event; a panic drops the event and the loop goes on.
func (e *Engine) safeApply(ctx context.Context, t *turn, ev event.Event) {
	defer func() {
		if r := recover(); r != nil {
			t.log.Error("event handler panicked", "kind", ev.Kind, "err", r, "stack", string(debug.Stack()))
		}
	}()
	e.apply(ctx, t, ev)
}

func (e *Engine) apply(ctx context.Context, t *turn, ev event.Event) {
	if t.done {
		t.log.Debug("event after turn end", "kind", ev.Kind)
		return
	}
	if sid := e.store.SessionID(); ev.SessionID != "" && sid != "" && ev.SessionID != sid {
		t.log.Warn("dropping event for another session", "kind", ev.Kind, "session", ev.SessionID, "active", sid)
		return
	}
	if ev.Kind == event.KindTextDelta && ev.Text.Snapshot && t.sawDelta {
		// Repeats the deltas already applied.
		return
	}
	if e.opts.OnEvent != nil && ev.Kind != event.KindUnknown {
		e.opts.OnEvent(ev)
	}
	var err error
	switch ev.Kind {
	case event.KindTextDelta:
		if !ev.Text.Snapshot {
			t.sawDelta = true
		}
		err = e.store.PatchAgentText(t.scope, t.msgID, ev.Text.Text)
	case event.KindToolStart, event.KindToolInputDelta, event.KindToolResult:
		if !t.tracker.Apply(ev) {
			return
		}
		snap := t.tracker.Snapshot()
		if err = e.store.AttachToolInvocations(t.scope, t.msgID, snap); err == nil {
			if t.todos.ApplyLive(snap) {
				t.log.Debug("todos updated", "n", len(t.todos.Current()))
			}
		}
	case event.KindFile:
		f := ev.File
		err = e.store.AttachFile(t.scope, t.msgID, conversation.FileEvent{
			Kind:     f.Kind,
			Path:     f.Path,
			Name:     f.Name,
			MimeType: f.MimeType,
			Size:     f.Size,
			URL:      f.URL,
		})
	case event.KindSessionID:
		err = e.adopt(t, ev.Session.SessionID, ev.Session.TurnID)
	case event.KindTurnResult:
		r := ev.TurnResult
		if err = e.adopt(t, r.SessionID, r.TurnID); err == nil {
			if r.IsError && r.Result != "" {
				_ = e.store.SetNotice(t.scope, t.msgID, r.Result)
			}
			e.finalize(ctx, t)
		}
	case event.KindStreamEnd:
		e.finalize(ctx, t)
	case event.KindError:
		if ev.Error.Terminal {
			e.noticeAndFreeze(ctx, t, "Connection lost: "+ev.Error.Message)
			return
		}
		err = e.store.SetNotice(t.scope, t.msgID, ev.Error.Message)
	case event.KindUnknown:
		t.log.Debug("unclassified envelope", "raw", truncate(string(ev.Raw), 200))
	}
	if err != nil {
		e.storeError(t, ev.Kind, err)
	}
}

// adopt persists the session id before the next event is processed and
// records the server turn id.
func (e *Engine) adopt(t *turn, sessionID, turnID string) error {
	if err := e.store.AdoptSession(t.scope, sessionID); err != nil {
		return err
	}
	if turnID != "" {
		t.turnID = turnID
		return e.store.SetTurnID(t.scope, t.msgID, turnID)
	}
	return nil
}

// finalize freezes the tracker and reconciles the turn with server history.
func (e *Engine) finalize(ctx context.Context, t *turn) {
	t.done = true
	t.tracker.Finish()
	snap := t.tracker.Snapshot()
	if err := e.store.AttachToolInvocations(t.scope, t.msgID, snap); err != nil {
		e.storeError(t, event.KindStreamEnd, err)
		return
	}
	t.todos.ApplyLive(snap)
	var f conversation.HistoryFetcher
	if e.backend != nil {
		f = e.backend
	}
	ok, err := e.store.FinalizeTurn(ctx, t.scope, t.msgID, t.turnID, f)
	if err != nil {
		e.storeError(t, event.KindStreamEnd, err)
		return
	}
	t.result.Confirmed = ok
	if ok {
		t.todos.ApplyHistory(messageInvocations(e.store.Timeline()))
	}
	t.log.Info("turn finalized", "message", t.msgID, "turn", t.turnID, "confirmed", ok, "tools", t.tracker.Len())
}

// noticeAndFreeze leaves the reconciled state intact, adds an inline notice
// and freezes the turn without asking the server.
func (e *Engine) noticeAndFreeze(ctx context.Context, t *turn, notice string) {
	t.done = true
	t.tracker.Finish()
	if err := e.store.SetNotice(t.scope, t.msgID, notice); err != nil {
		e.storeError(t, event.KindError, err)
		return
	}
	if _, err := e.store.FinalizeTurn(ctx, t.scope, t.msgID, t.turnID, nil); err != nil {
		e.storeError(t, event.KindError, err)
	}
}

func (e *Engine) storeError(t *turn, kind event.Kind, err error) {
	switch {
	case errors.Is(err, conversation.ErrStaleSession):
		t.log.Info("session switched, abandoning turn", "message", t.msgID)
		t.done = true
		if t.err == nil {
			t.err = err
		}
	case errors.Is(err, conversation.ErrFinalized):
		t.log.Debug("event for finalized message", "kind", kind)
	default:
		t.log.Warn("failed to apply event", "kind", kind, "err", err)
	}
}

// SelectSession switches to session id ("" for a new conversation) and loads
// its history. In-flight turns of the previous session are abandoned.
func (e *Engine) SelectSession(ctx context.Context, id string) error {
	sc := e.store.SelectSession(id)
	p := &todo.Projector{}
	e.mu.Lock()
	e.tracker = nil
	e.todos = p
	e.mu.Unlock()
	return e.load(ctx, sc, p)
}

// Load loads the history of the active session, typically at startup.
func (e *Engine) Load(ctx context.Context) error {
	e.mu.Lock()
	p := e.todos
	e.mu.Unlock()
	return e.load(ctx, e.store.Scope(), p)
}

func (e *Engine) load(ctx context.Context, sc conversation.Scope, p *todo.Projector) error {
	if sc.SessionID == "" || e.backend == nil {
		return nil
	}
	if err := e.store.LoadHistory(ctx, sc, e.backend); err != nil {
		return fmt.Errorf("session %s: %w", sc.SessionID, err)
	}
	p.ApplyHistory(messageInvocations(e.store.Timeline()))
	return nil
}

// LoadOlder prepends the previous page of history.
func (e *Engine) LoadOlder(ctx context.Context) (bool, error) {
	if e.backend == nil {
		return false, nil
	}
	return e.store.LoadOlder(ctx, e.store.Scope(), e.backend)
}

// Todos returns the current todo list.
func (e *Engine) Todos() []todo.Entry {
	e.mu.Lock()
	p := e.todos
	e.mu.Unlock()
	return p.Current()
}

// Timeline returns the current timeline.
func (e *Engine) Timeline() conversation.Timeline {
	return e.store.Timeline()
}

// Invocations returns the tool invocations of the current turn.
func (e *Engine) Invocations() []toolcall.Invocation {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tracker == nil {
		return nil
	}
	return e.tracker.Snapshot()
}

// Store returns the underlying store.
func (e *Engine) Store() *conversation.Store {
	return e.store
}

func messageInvocations(tl conversation.Timeline) [][]toolcall.Invocation {
	out := make([][]toolcall.Invocation, 0, len(tl.Messages))
	for _, m := range tl.Messages {
		out = append(out, m.ToolInvocations)
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
