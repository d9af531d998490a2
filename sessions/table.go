package sessions

import (
	"fmt"
	"sync"
)

// Table is a synchronized id -> session mapping. Implementations must be
// safe for concurrent use.
type Table[S Session] interface {
	// Get returns the session registered under id.
	Get(id string) (S, bool)
	// Insert registers s under s.SessionID(), failing with ErrSessionExists
	// if the identifier is already present.
	Insert(s S) error
	// Remove unregisters id and returns the session that was present.
	Remove(id string) (S, bool)
	// RemoveIf unregisters id only while it still maps to s, reporting
	// whether it did.
	RemoveIf(id string, s S) bool
	// Len returns the number of registered sessions.
	Len() int
	// Snapshot returns the registered sessions in no particular order.
	Snapshot() []S
}

// MemoryTable is the in-process Table implementation.
type MemoryTable[S Session] struct {
	mu       sync.RWMutex
	sessions map[string]S
}

var _ Table[Session] = (*MemoryTable[Session])(nil)

// NewMemoryTable returns an empty MemoryTable.
func NewMemoryTable[S Session]() *MemoryTable[S] {
	return &MemoryTable[S]{sessions: make(map[string]S)}
}

func (t *MemoryTable[S]) Get(id string) (S, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.sessions[id]
	return s, ok
}

func (t *MemoryTable[S]) Insert(s S) error {
	id := s.SessionID()
	if id == "" {
		return fmt.Errorf("insert session: empty id")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.sessions[id]; ok {
		return fmt.Errorf("insert session %s: %w", id, ErrSessionExists)
	}
	t.sessions[id] = s
	return nil
}

func (t *MemoryTable[S]) Remove(id string) (S, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[id]
	if ok {
		delete(t.sessions, id)
	}
	return s, ok
}

func (t *MemoryTable[S]) RemoveIf(id string, s S) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.sessions[id]
	if !ok || any(cur) != any(s) {
		return false
	}
	delete(t.sessions, id)
	return true
}

func (t *MemoryTable[S]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

func (t *MemoryTable[S]) Snapshot() []S {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]S, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, s)
	}
	return out
}
