package todo

import (
	"slices"
	"sync"

	"github.com/maruel/turnsync/internal/toolcall"
)

// Projector keeps the authoritative todo list across turns.
//
// Live projections from the active turn take precedence over re-derivations
// from message history, unless the live projection is empty.
type Projector struct {
	mu      sync.Mutex
	current []Entry
	live    bool
}

// BeginTurn marks the start of a new live turn. The current list stays
// visible until the turn projects its own.
func (p *Projector) BeginTurn() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.live = false
}

// ApplyLive projects the active turn's tracker snapshot. Returns true if the
// current list changed.
func (p *Projector) ApplyLive(invs []toolcall.Invocation) bool {
	entries := Project(invs)
	if entries == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.live = true
	if slices.Equal(p.current, entries) {
		return false
	}
	p.current = entries
	return true
}

// ApplyHistory re-derives the list from history, given as one invocation
// list per message, oldest first. The newest message carrying a list wins.
// It is a no-op while a live projection is held.
func (p *Projector) ApplyHistory(messages [][]toolcall.Invocation) bool {
	var entries []Entry
	for i := len(messages) - 1; i >= 0 && entries == nil; i-- {
		entries = Project(messages[i])
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.live && len(p.current) != 0 {
		return false
	}
	if entries == nil || slices.Equal(p.current, entries) {
		return false
	}
	p.current = entries
	return true
}

// Current returns a copy of the current list.
func (p *Projector) Current() []Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.current)
}

// Reset forgets everything, for a session switch.
func (p *Projector) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = nil
	p.live = false
}
