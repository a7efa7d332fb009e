// Package kv is the small string key/value store that remembers the active
// session and the selected turn.
package kv

import (
	"maps"
	"sync"
)

// Well known keys.
const (
	KeySessionID    = "session_id"
	KeySelectedTurn = "selected_turn"
)

// SessionContext is the narrow get/set interface the engine persists through.
//
// Get returns "" for an absent key; absence is equivalent to no selection.
// Setting "" removes the key.
type SessionContext interface {
	Get(key string) string
	Set(key, value string) error
}

// Memory is an in-memory SessionContext.
type Memory struct {
	mu sync.Mutex
	m  map[string]string
}

// NewMemory returns an empty Memory.
func NewMemory() *Memory {
	return &Memory{m: map[string]string{}}
}

// Get implements SessionContext.
func (s *Memory) Get(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m[key]
}

// Set implements SessionContext.
func (s *Memory) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if value == "" {
		delete(s.m, key)
	} else {
		s.m[key] = value
	}
	return nil
}

// All returns a copy of every entry.
func (s *Memory) All() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.m)
}
