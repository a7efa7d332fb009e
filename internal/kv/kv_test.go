package kv

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testSessionContext(t *testing.T, s SessionContext) {
	t.Helper()
	if got := s.Get(KeySessionID); got != "" {
		t.Errorf("got %q, want empty", got)
	}
	if err := s.Set(KeySessionID, "s1"); err != nil {
		t.Fatal(err)
	}
	if got := s.Get(KeySessionID); got != "s1" {
		t.Errorf("got %q, want %q", got, "s1")
	}
	if err := s.Set(KeySessionID, ""); err != nil {
		t.Fatal(err)
	}
	if got := s.Get(KeySessionID); got != "" {
		t.Errorf("got %q, want empty", got)
	}
}

func TestMemory(t *testing.T) {
	m := NewMemory()
	testSessionContext(t, m)
	_ = m.Set(KeySelectedTurn, "u1")
	all := m.All()
	all[KeySelectedTurn] = "changed"
	if got := m.Get(KeySelectedTurn); got != "u1" {
		t.Errorf("got %q, want %q", got, "u1")
	}
}

func TestFile(t *testing.T) {
	t.Run("RoundTrip", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "sub", "state.json")
		f, err := OpenFile(path)
		if err != nil {
			t.Fatal(err)
		}
		testSessionContext(t, f)
		if err := f.Set(KeySelectedTurn, "u7"); err != nil {
			t.Fatal(err)
		}
		g, err := OpenFile(path)
		if err != nil {
			t.Fatal(err)
		}
		if got := g.Get(KeySelectedTurn); got != "u7" {
			t.Errorf("got %q, want %q", got, "u7")
		}
		entries, _ := os.ReadDir(filepath.Dir(path))
		if len(entries) != 1 {
			t.Errorf("got %d files, want only the state file", len(entries))
		}
	})

	t.Run("Corrupt", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "state.json")
		if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
			t.Fatal(err)
		}
		f, err := OpenFile(path)
		if err != nil {
			t.Fatal(err)
		}
		if got := f.Get(KeySessionID); got != "" {
			t.Errorf("got %q, want empty", got)
		}
		if err := f.Set(KeySessionID, "s2"); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("Watch", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "state.json")
		f, err := OpenFile(path)
		if err != nil {
			t.Fatal(err)
		}
		ctx, cancel := context.WithCancel(t.Context())
		changed := make(chan struct{}, 1)
		done := make(chan error, 1)
		go func() {
			done <- f.Watch(ctx, func() {
				select {
				case changed <- struct{}{}:
				default:
				}
			})
		}()
		deadline := time.After(10 * time.Second)
		tick := time.NewTicker(50 * time.Millisecond)
		defer tick.Stop()
	loop:
		for i := 0; ; i++ {
			select {
			case <-changed:
				break loop
			case <-tick.C:
				// Rewrite until the watcher, which starts asynchronously, sees it.
				if err := writeAtomic(path, map[string]string{KeySessionID: "external", "n": string(rune('a' + i%26))}); err != nil {
					t.Fatal(err)
				}
			case <-deadline:
				t.Fatal("no change notification")
			}
		}
		if got := f.Get(KeySessionID); got != "external" {
			t.Errorf("got %q, want %q", got, "external")
		}
		cancel()
		if err := <-done; err != nil {
			t.Fatal(err)
		}
	})
}
