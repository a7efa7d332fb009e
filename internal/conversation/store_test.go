package conversation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/maruel/turnsync/internal/kv"
	"github.com/maruel/turnsync/internal/toolcall"
)

type fakeFetcher struct {
	pages map[int]Page // by offset
	err   error
	calls int
	// hook runs before returning, to simulate work racing the fetch.
	hook func()
}

func (f *fakeFetcher) FetchHistory(ctx context.Context, sessionID string, limit, offset int) (Page, error) {
	f.calls++
	if f.hook != nil {
		f.hook()
	}
	if f.err != nil {
		return Page{}, f.err
	}
	return f.pages[offset], nil
}

func newTestStore(t *testing.T) (*Store, *kv.Memory) {
	t.Helper()
	m := kv.NewMemory()
	s := New(m, 2, nil)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time {
		now = now.Add(time.Second)
		return now
	}
	return s, m
}

func serverMsg(id string, sender Sender, text, turn string, sec int) Message {
	return Message{ID: id, Sender: sender, Text: text, TurnID: turn, Timestamp: time.Unix(int64(sec), 0)}
}

func TestStore(t *testing.T) {
	t.Run("SendLock", func(t *testing.T) {
		s, _ := newTestStore(t)
		sc := s.Scope()
		if _, err := s.AppendUserMessage(sc, "hi"); err != nil {
			t.Fatal(err)
		}
		if _, err := s.AppendUserMessage(sc, "again"); !errors.Is(err, ErrSendInFlight) {
			t.Fatalf("got %v, want ErrSendInFlight", err)
		}
		s.EndSend(sc)
		if _, err := s.AppendUserMessage(sc, "again"); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("AgentMessage", func(t *testing.T) {
		s, _ := newTestStore(t)
		sc := s.Scope()
		for range 2 {
			if err := s.BeginAgentMessage(sc, "a1"); err != nil {
				t.Fatal(err)
			}
		}
		if n := len(s.Timeline().Messages); n != 1 {
			t.Fatalf("got %d messages, want 1", n)
		}
		_ = s.PatchAgentText(sc, "a1", "Hello")
		_ = s.PatchAgentText(sc, "a1", " world")
		_ = s.SetTurnID(sc, "a1", "u1")
		_ = s.AttachFile(sc, "a1", FileEvent{Kind: "created", Path: "/tmp/x"})
		m, _ := s.Message("a1")
		if m.Text != "Hello world" || m.TurnID != "u1" || len(m.Files) != 1 || m.Files[0].MessageID != "a1" {
			t.Errorf("got %+v", m)
		}
		if err := s.PatchAgentText(sc, "nope", "x"); !errors.Is(err, ErrUnknownMessage) {
			t.Errorf("got %v, want ErrUnknownMessage", err)
		}
	})

	t.Run("AttachIsDeepCopy", func(t *testing.T) {
		s, _ := newTestStore(t)
		sc := s.Scope()
		_ = s.BeginAgentMessage(sc, "a1")
		invs := []toolcall.Invocation{{ID: "t1", Name: "search", Input: map[string]any{"q": "go"}}}
		_ = s.AttachToolInvocations(sc, "a1", invs)
		invs[0].Input["q"] = "mutated"
		m, _ := s.Message("a1")
		if m.ToolInvocations[0].Input["q"] != "go" {
			t.Error("store aliases the caller's invocations")
		}
		m.ToolInvocations[0].Input["q"] = "mutated"
		if m, _ = s.Message("a1"); m.ToolInvocations[0].Input["q"] != "go" {
			t.Error("Message aliases the store")
		}
	})

	t.Run("SnapshotsAreImmutable", func(t *testing.T) {
		s, _ := newTestStore(t)
		sc := s.Scope()
		_ = s.BeginAgentMessage(sc, "a1")
		before := s.Timeline()
		_ = s.PatchAgentText(sc, "a1", "x")
		if before.Messages[0].Text != "" {
			t.Error("earlier snapshot observed a later patch")
		}
	})

	t.Run("Changed", func(t *testing.T) {
		s, _ := newTestStore(t)
		ch := s.Changed()
		_ = s.BeginAgentMessage(s.Scope(), "a1")
		select {
		case <-ch:
		default:
			t.Fatal("changed not signaled")
		}
		select {
		case <-s.Changed():
			t.Fatal("new channel already closed")
		default:
		}
	})

	t.Run("FinalizeConfirmed", func(t *testing.T) {
		s, m := newTestStore(t)
		sc := s.SelectSession("s1")
		_, _ = s.AppendUserMessage(sc, "hi")
		_ = s.BeginAgentMessage(sc, "prov")
		_ = s.PatchAgentText(sc, "prov", "Hello")
		f := &fakeFetcher{pages: map[int]Page{0: {
			Messages: []Message{serverMsg("srv-u", SenderUser, "hi", "u1", 1), serverMsg("srv-a", SenderAgent, "Hello", "u1", 2)},
			Total:    4,
			HasMore:  true,
		}}}
		ok, err := s.FinalizeTurn(t.Context(), sc, "prov", "u1", f)
		if err != nil || !ok {
			t.Fatalf("got %v, %v", ok, err)
		}
		tl := s.Timeline()
		if len(tl.Messages) != 2 || tl.Messages[1].ID != "srv-a" || tl.Messages[1].State != StateConfirmed {
			t.Errorf("got %+v", tl.Messages)
		}
		if _, ok := s.Message("prov"); ok {
			t.Error("provisional message survived confirmation")
		}
		if tl.Total != 4 || !tl.HasMore || tl.Offset != 2 {
			t.Errorf("got cursors %d %v %d", tl.Total, tl.HasMore, tl.Offset)
		}
		if got := m.Get(kv.KeySelectedTurn); got != "u1" {
			t.Errorf("got %q, want %q", got, "u1")
		}
		if err := s.PatchAgentText(sc, "srv-a", "late"); !errors.Is(err, ErrFinalized) {
			t.Errorf("got %v, want ErrFinalized", err)
		}
	})

	t.Run("FinalizeFetchFails", func(t *testing.T) {
		s, _ := newTestStore(t)
		sc := s.SelectSession("s1")
		_ = s.BeginAgentMessage(sc, "prov")
		_ = s.PatchAgentText(sc, "prov", "partial")
		ok, err := s.FinalizeTurn(t.Context(), sc, "prov", "", &fakeFetcher{err: errors.New("503")})
		if err != nil || ok {
			t.Fatalf("got %v, %v", ok, err)
		}
		m, _ := s.Message("prov")
		if m.Text != "partial" || m.State != StateLocalFinal {
			t.Errorf("got %+v", m)
		}
	})

	t.Run("FinalizeWithoutSession", func(t *testing.T) {
		s, _ := newTestStore(t)
		sc := s.Scope()
		_ = s.BeginAgentMessage(sc, "prov")
		f := &fakeFetcher{}
		if ok, err := s.FinalizeTurn(t.Context(), sc, "prov", "", f); ok || err != nil {
			t.Fatalf("got %v, %v", ok, err)
		}
		if f.calls != 0 {
			t.Errorf("fetched %d times without a session", f.calls)
		}
	})

	t.Run("FinalizeRacesSwitch", func(t *testing.T) {
		s, _ := newTestStore(t)
		sc := s.SelectSession("s1")
		_ = s.BeginAgentMessage(sc, "prov")
		f := &fakeFetcher{
			pages: map[int]Page{0: {Messages: []Message{serverMsg("old", SenderAgent, "s1 data", "u1", 1)}}},
			hook:  func() { s.SelectSession("s2") },
		}
		if _, err := s.FinalizeTurn(t.Context(), sc, "prov", "u1", f); !errors.Is(err, ErrStaleSession) {
			t.Fatalf("got %v, want ErrStaleSession", err)
		}
		if n := len(s.Timeline().Messages); n != 0 {
			t.Errorf("stale fetch leaked %d messages into s2", n)
		}
	})

	t.Run("StaleScope", func(t *testing.T) {
		s, m := newTestStore(t)
		old := s.SelectSession("s1")
		_ = s.BeginAgentMessage(old, "a1")
		cur := s.SelectSession("s2")
		if cur.SessionID != "s2" || m.Get(kv.KeySessionID) != "s2" {
			t.Errorf("got %+v", cur)
		}
		if err := s.BeginAgentMessage(old, "a2"); !errors.Is(err, ErrStaleSession) {
			t.Errorf("got %v, want ErrStaleSession", err)
		}
		if err := s.PatchAgentText(old, "a1", "x"); !errors.Is(err, ErrStaleSession) {
			t.Errorf("got %v, want ErrStaleSession", err)
		}
		if n := len(s.Timeline().Messages); n != 0 {
			t.Errorf("got %d messages in s2", n)
		}
	})

	t.Run("AdoptSession", func(t *testing.T) {
		s, m := newTestStore(t)
		sc := s.Scope()
		if err := s.AdoptSession(sc, "s1"); err != nil {
			t.Fatal(err)
		}
		if m.Get(kv.KeySessionID) != "s1" || s.SessionID() != "s1" {
			t.Error("session not persisted")
		}
		if err := s.AdoptSession(sc, "s1"); err != nil {
			t.Error(err)
		}
		if err := s.AdoptSession(sc, "other"); !errors.Is(err, ErrStaleSession) {
			t.Errorf("got %v, want ErrStaleSession", err)
		}
	})

	t.Run("ResumesPersistedSession", func(t *testing.T) {
		m := kv.NewMemory()
		_ = m.Set(kv.KeySessionID, "s9")
		if got := New(m, 0, nil).SessionID(); got != "s9" {
			t.Errorf("got %q, want %q", got, "s9")
		}
	})

	t.Run("SelectedTurn", func(t *testing.T) {
		s, _ := newTestStore(t)
		sc := s.SelectSession("s1")
		f := &fakeFetcher{pages: map[int]Page{0: {Messages: []Message{
			serverMsg("1", SenderAgent, "", "u1", 10),
			serverMsg("2", SenderUser, "", "u3", 30),
			serverMsg("3", SenderAgent, "", "u2", 20),
		}}}}
		if err := s.LoadHistory(t.Context(), sc, f); err != nil {
			t.Fatal(err)
		}
		if got := s.SelectedTurn(); got != "u2" {
			t.Errorf("got %q, want %q", got, "u2")
		}
		_ = s.BeginAgentMessage(sc, "live")
		_ = s.SetTurnID(sc, "live", "u4")
		if got := s.SelectedTurn(); got != "u4" {
			t.Errorf("latest not re-resolved: got %q, want %q", got, "u4")
		}
		if err := s.SelectTurn("u1"); err != nil {
			t.Fatal(err)
		}
		if got := s.SelectedTurn(); got != "u1" {
			t.Errorf("got %q, want %q", got, "u1")
		}
		_ = s.SelectTurn("")
		if got := s.SelectedTurn(); got != "u4" {
			t.Errorf("got %q, want %q", got, "u4")
		}
	})

	t.Run("LoadOlder", func(t *testing.T) {
		s, _ := newTestStore(t)
		sc := s.SelectSession("s1")
		f := &fakeFetcher{pages: map[int]Page{
			0: {Messages: []Message{serverMsg("3", SenderUser, "", "", 3), serverMsg("4", SenderAgent, "", "", 4)}, Total: 4, HasMore: true},
			2: {Messages: []Message{serverMsg("1", SenderUser, "", "", 1), serverMsg("2", SenderAgent, "", "", 2)}, Total: 4},
		}}
		if err := s.LoadHistory(t.Context(), sc, f); err != nil {
			t.Fatal(err)
		}
		more, err := s.LoadOlder(t.Context(), sc, f)
		if err != nil || !more {
			t.Fatalf("got %v, %v", more, err)
		}
		tl := s.Timeline()
		var ids string
		for _, m := range tl.Messages {
			ids += m.ID
		}
		if ids != "1234" || tl.HasMore || tl.Offset != 4 {
			t.Errorf("got %q hasMore=%v offset=%d", ids, tl.HasMore, tl.Offset)
		}
		if more, _ = s.LoadOlder(t.Context(), sc, f); more {
			t.Error("loaded past the end")
		}
	})

	t.Run("LoadHistoryError", func(t *testing.T) {
		s, _ := newTestStore(t)
		sc := s.SelectSession("s1")
		boom := errors.New("boom")
		if err := s.LoadHistory(t.Context(), sc, &fakeFetcher{err: boom}); !errors.Is(err, boom) {
			t.Errorf("got %v, want boom", err)
		}
	})
}
