package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/maruel/ksid"
	"github.com/maruel/turnsync/internal/kv"
	"github.com/maruel/turnsync/internal/toolcall"
)

// Errors returned by Store.
var (
	ErrSendInFlight   = errors.New("a send is already in flight")
	ErrStaleSession   = errors.New("session changed")
	ErrUnknownMessage = errors.New("unknown message")
	ErrFinalized      = errors.New("message is finalized")
)

// DefaultPageSize is the history page size used when none is configured.
const DefaultPageSize = 50

// Scope identifies the session a caller is reconciling. Every mutation takes
// the Scope obtained before the work started; once the session is switched
// the Scope goes stale and mutations through it fail with ErrStaleSession.
type Scope struct {
	SessionID string
	epoch     uint64
}

// Store is the conversation state. It is safe for concurrent use; the
// timeline slice is replaced wholesale on every mutation so readers never
// observe a partial update.
type Store struct {
	sc       kv.SessionContext
	log      *slog.Logger
	pageSize int
	now      func() time.Time

	mu        sync.Mutex
	epoch     uint64
	sessionID string
	timeline  Timeline
	sending   bool
	changed   chan struct{} // closed on mutation; replaced under mu
}

// New returns a Store resuming the session persisted in sc, if any.
func New(sc kv.SessionContext, pageSize int, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Store{
		sc:        sc,
		log:       log,
		pageSize:  pageSize,
		now:       time.Now,
		sessionID: sc.Get(kv.KeySessionID),
		changed:   make(chan struct{}),
	}
}

// Scope returns the current scope.
func (s *Store) Scope() Scope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Scope{SessionID: s.sessionID, epoch: s.epoch}
}

// SessionID returns the active session id, "" for a new conversation.
func (s *Store) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Changed returns a channel closed on the next mutation.
func (s *Store) Changed() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changed
}

// Timeline returns a deep copy of the timeline.
func (s *Store) Timeline() Timeline {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeline.clone()
}

// Message returns a copy of the message with the given id.
func (s *Store) Message(id string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexLocked(id); i >= 0 {
		return s.timeline.Messages[i].clone(), true
	}
	return Message{}, false
}

// SelectSession switches to another session, "" for a new conversation. Any
// Scope obtained before is stale afterwards. The timeline and the turn
// selection are cleared.
func (s *Store) SelectSession(id string) Scope {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch++
	s.sessionID = id
	s.timeline = Timeline{}
	s.sending = false
	s.persistLocked(kv.KeySessionID, id)
	s.persistLocked(kv.KeySelectedTurn, "")
	s.notifyLocked()
	return Scope{SessionID: id, epoch: s.epoch}
}

// AdoptSession records the session id the server assigned to a new
// conversation. It is persisted before returning. Adopting a different id
// than the one already known fails with ErrStaleSession.
func (s *Store) AdoptSession(sc Scope, id string) error {
	if id == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(sc); err != nil {
		return err
	}
	switch s.sessionID {
	case id:
		return nil
	case "":
		s.sessionID = id
		s.persistLocked(kv.KeySessionID, id)
		s.notifyLocked()
		return nil
	default:
		return fmt.Errorf("%w: have %q, got %q", ErrStaleSession, s.sessionID, id)
	}
}

// AppendUserMessage appends the user's input and takes the send lock. Only
// one send may be in flight; release it with EndSend.
func (s *Store) AppendUserMessage(sc Scope, text string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(sc); err != nil {
		return Message{}, err
	}
	if s.sending {
		return Message{}, ErrSendInFlight
	}
	s.sending = true
	m := Message{
		ID:        ksid.NewID().String(),
		Sender:    SenderUser,
		Text:      text,
		Timestamp: s.now(),
		State:     StateProvisional,
	}
	s.appendLocked(m)
	return m.clone(), nil
}

// EndSend releases the send lock.
func (s *Store) EndSend(sc Scope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.checkLocked(sc) == nil {
		s.sending = false
	}
}

// Sending reports whether a send is in flight.
func (s *Store) Sending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sending
}

// BeginAgentMessage creates the provisional agent message for a turn. It is
// idempotent.
func (s *Store) BeginAgentMessage(sc Scope, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(sc); err != nil {
		return err
	}
	if s.indexLocked(id) >= 0 {
		return nil
	}
	s.appendLocked(Message{
		ID:        id,
		Sender:    SenderAgent,
		Timestamp: s.now(),
		State:     StateProvisional,
	})
	return nil
}

// PatchAgentText appends delta to the live agent message.
func (s *Store) PatchAgentText(sc Scope, id, delta string) error {
	return s.patch(sc, id, func(m *Message) { m.Text += delta })
}

// AttachToolInvocations replaces the message's invocations with a deep copy
// of invs.
func (s *Store) AttachToolInvocations(sc Scope, id string, invs []toolcall.Invocation) error {
	invs = toolcall.Clone(invs)
	return s.patch(sc, id, func(m *Message) { m.ToolInvocations = invs })
}

// AttachFile records a file event on the live agent message.
func (s *Store) AttachFile(sc Scope, id string, f FileEvent) error {
	f.MessageID = id
	if f.Timestamp.IsZero() {
		f.Timestamp = s.now()
	}
	return s.patch(sc, id, func(m *Message) { m.Files = append(slices.Clone(m.Files), f) })
}

// SetTurnID assigns the server turn id once it is known.
func (s *Store) SetTurnID(sc Scope, id, turnID string) error {
	if turnID == "" {
		return nil
	}
	return s.patch(sc, id, func(m *Message) { m.TurnID = turnID })
}

// SetNotice sets the inline notice of the live agent message.
func (s *Store) SetNotice(sc Scope, id, notice string) error {
	return s.patch(sc, id, func(m *Message) { m.Notice = notice })
}

// FinalizeTurn reconciles the live turn with the server.
//
// When a session id is known, the whole timeline is replaced with a freshly
// fetched server page, discarding the provisional messages, and the server's
// turn id becomes the selected turn. If the fetch fails, or there is no
// session, the provisional messages are kept and frozen as StateLocalFinal.
// Returns true when the server confirmed the turn.
//
// The fetch happens without holding the lock; if the session is switched in
// the meantime, the result is discarded and ErrStaleSession is returned.
func (s *Store) FinalizeTurn(ctx context.Context, sc Scope, id, turnID string, f HistoryFetcher) (bool, error) {
	s.mu.Lock()
	if err := s.checkLocked(sc); err != nil {
		s.mu.Unlock()
		return false, err
	}
	if s.indexLocked(id) < 0 {
		s.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}
	sid := s.sessionID
	s.mu.Unlock()

	var page Page
	var err error
	if sid == "" || f == nil {
		err = errors.New("nothing to confirm against")
	} else {
		page, err = f.FetchHistory(ctx, sid, s.pageSize, 0)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err2 := s.checkLocked(sc); err2 != nil {
		return false, err2
	}
	if err != nil {
		s.log.Warn("keeping provisional turn", "session", sid, "message", id, "err", err)
		s.freezeLocked()
		return false, nil
	}
	provisional := map[string]struct{}{}
	for i := range s.timeline.Messages {
		if m := &s.timeline.Messages[i]; m.State == StateProvisional {
			provisional[m.ID] = struct{}{}
		}
	}
	s.replaceLocked(page)
	for i := range s.timeline.Messages {
		if _, ok := provisional[s.timeline.Messages[i].ID]; ok {
			s.log.Error("server reused a provisional message id", "id", s.timeline.Messages[i].ID)
		}
	}
	if turnID == "" {
		turnID = s.latestTurnLocked()
	}
	if turnID != "" {
		s.persistLocked(kv.KeySelectedTurn, turnID)
	}
	return true, nil
}

// LoadHistory replaces the timeline with the newest page of the session.
func (s *Store) LoadHistory(ctx context.Context, sc Scope, f HistoryFetcher) error {
	if sc.SessionID == "" {
		return nil
	}
	page, err := f.FetchHistory(ctx, sc.SessionID, s.pageSize, 0)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(sc); err != nil {
		return err
	}
	s.replaceLocked(page)
	return nil
}

// LoadOlder prepends the next page of older messages. Returns false when
// there was nothing more to load.
func (s *Store) LoadOlder(ctx context.Context, sc Scope, f HistoryFetcher) (bool, error) {
	s.mu.Lock()
	if err := s.checkLocked(sc); err != nil {
		s.mu.Unlock()
		return false, err
	}
	hasMore, offset := s.timeline.HasMore, s.timeline.Offset
	s.mu.Unlock()
	if !hasMore || sc.SessionID == "" {
		return false, nil
	}
	page, err := f.FetchHistory(ctx, sc.SessionID, s.pageSize, offset)
	if err != nil {
		return false, fmt.Errorf("load older: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(sc); err != nil {
		return false, err
	}
	if s.timeline.Offset != offset {
		// Another load raced us; its result is already in place.
		return false, nil
	}
	older := confirm(page.Messages)
	seen := make(map[string]struct{}, len(s.timeline.Messages))
	for _, m := range s.timeline.Messages {
		seen[m.ID] = struct{}{}
	}
	older = slices.DeleteFunc(older, func(m Message) bool {
		_, dup := seen[m.ID]
		return dup
	})
	s.timeline = Timeline{
		Messages: append(older, s.timeline.Messages...),
		Files:    append(slices.Clone(page.Files), s.timeline.Files...),
		Total:    page.Total,
		HasMore:  page.HasMore,
		Offset:   offset + len(page.Messages),
	}
	s.notifyLocked()
	return len(older) > 0, nil
}

// SelectTurn persists the focused turn. "" means track the latest turn.
func (s *Store) SelectTurn(turnID string) error {
	if err := s.sc.Set(kv.KeySelectedTurn, turnID); err != nil {
		return fmt.Errorf("select turn: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifyLocked()
	return nil
}

// SelectedTurn returns the focused turn. When none is selected, it resolves
// to the turn of the most recent agent message on every call.
func (s *Store) SelectedTurn() string {
	if id := s.sc.Get(kv.KeySelectedTurn); id != "" {
		return id
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latestTurnLocked()
}

func (s *Store) latestTurnLocked() string {
	var agent []*Message
	for i := range s.timeline.Messages {
		if m := &s.timeline.Messages[i]; m.Sender == SenderAgent && m.TurnID != "" {
			agent = append(agent, m)
		}
	}
	if len(agent) == 0 {
		return ""
	}
	// Stable so equal timestamps keep timeline order; the last one wins.
	slices.SortStableFunc(agent, func(a, b *Message) int {
		return b.Timestamp.Compare(a.Timestamp)
	})
	best := agent[0]
	for _, m := range agent[1:] {
		if !m.Timestamp.Equal(best.Timestamp) {
			break
		}
		best = m
	}
	return best.TurnID
}

func (s *Store) patch(sc Scope, id string, fn func(m *Message)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(sc); err != nil {
		return err
	}
	i := s.indexLocked(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}
	if s.timeline.Messages[i].State != StateProvisional {
		return fmt.Errorf("%w: %s", ErrFinalized, id)
	}
	msgs := slices.Clone(s.timeline.Messages)
	fn(&msgs[i])
	s.timeline.Messages = msgs
	s.notifyLocked()
	return nil
}

func (s *Store) checkLocked(sc Scope) error {
	if sc.epoch != s.epoch {
		return ErrStaleSession
	}
	return nil
}

func (s *Store) indexLocked(id string) int {
	return slices.IndexFunc(s.timeline.Messages, func(m Message) bool { return m.ID == id })
}

func (s *Store) appendLocked(m Message) {
	msgs := make([]Message, 0, len(s.timeline.Messages)+1)
	s.timeline.Messages = append(append(msgs, s.timeline.Messages...), m)
	s.notifyLocked()
}

func (s *Store) replaceLocked(page Page) {
	s.timeline = Timeline{
		Messages: confirm(page.Messages),
		Files:    slices.Clone(page.Files),
		Total:    page.Total,
		HasMore:  page.HasMore,
		Offset:   len(page.Messages),
	}
	s.notifyLocked()
}

// freezeLocked marks every provisional message as final.
func (s *Store) freezeLocked() {
	msgs := slices.Clone(s.timeline.Messages)
	for i := range msgs {
		if msgs[i].State == StateProvisional {
			msgs[i].State = StateLocalFinal
		}
	}
	s.timeline.Messages = msgs
	s.notifyLocked()
}

func (s *Store) persistLocked(key, value string) {
	if err := s.sc.Set(key, value); err != nil {
		s.log.Warn("failed to persist", "key", key, "err", err)
	}
}

// notifyLocked closes the current changed channel and replaces it.
func (s *Store) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// confirm returns copies of msgs marked confirmed, in server order.
func confirm(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i := range msgs {
		out[i] = msgs[i].clone()
		out[i].State = StateConfirmed
	}
	return out
}
