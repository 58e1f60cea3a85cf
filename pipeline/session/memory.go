package session

import (
	"context"
	"sync"
)

// MemoryStore is the default in-process Store. Literals are held as byte
// slices and zeroed on Clear/Close so plaintext does not linger in reusable
// memory after a session ends.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*sessionState
	closed   bool
}

type memEntry struct {
	entry   Entry  // Literal left empty; the bytes below are authoritative
	literal []byte // zeroed on wipe
}

type sessionState struct {
	byPlaceholder map[string]*memEntry
	byLiteral     map[string]*memEntry // keyed origin + "\x00" + literal
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*sessionState),
	}
}

func literalKey(origin Origin, literal string) string {
	return string(origin) + "\x00" + literal
}

func (e *memEntry) materialize() Entry {
	out := e.entry
	out.Literal = string(e.literal)
	return out
}

// Put implements Store.
func (s *MemoryStore) Put(_ context.Context, sessionID string, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	state, ok := s.sessions[sessionID]
	if !ok {
		state = &sessionState{
			byPlaceholder: make(map[string]*memEntry),
			byLiteral:     make(map[string]*memEntry),
		}
		s.sessions[sessionID] = state
	}

	me := &memEntry{entry: entry, literal: []byte(entry.Literal)}
	me.entry.Literal = ""
	state.byPlaceholder[entry.Placeholder] = me
	state.byLiteral[literalKey(entry.Origin, entry.Literal)] = me
	return nil
}

// ByPlaceholder implements Store.
func (s *MemoryStore) ByPlaceholder(_ context.Context, sessionID, placeholder string) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return Entry{}, false, ErrStoreClosed
	}

	state, ok := s.sessions[sessionID]
	if !ok {
		return Entry{}, false, nil
	}
	me, ok := state.byPlaceholder[placeholder]
	if !ok {
		return Entry{}, false, nil
	}
	return me.materialize(), true, nil
}

// ByLiteral implements Store.
func (s *MemoryStore) ByLiteral(_ context.Context, sessionID string, origin Origin, literal string) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return Entry{}, false, ErrStoreClosed
	}

	state, ok := s.sessions[sessionID]
	if !ok {
		return Entry{}, false, nil
	}
	me, ok := state.byLiteral[literalKey(origin, literal)]
	if !ok {
		return Entry{}, false, nil
	}
	return me.materialize(), true, nil
}

// Entries implements Store.
func (s *MemoryStore) Entries(_ context.Context, sessionID string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	state, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	entries := make([]Entry, 0, len(state.byPlaceholder))
	for _, me := range state.byPlaceholder {
		entries = append(entries, me.materialize())
	}
	return entries, nil
}

// Clear implements Store.
func (s *MemoryStore) Clear(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	state, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	wipeState(state)
	delete(s.sessions, sessionID)
	return nil
}

// Close implements Store. All sessions are wiped.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	for id, state := range s.sessions {
		wipeState(state)
		delete(s.sessions, id)
	}
	return nil
}

// Len reports the number of entries held for a session. Test helper.
func (s *MemoryStore) Len(sessionID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.sessions[sessionID]
	if !ok {
		return 0
	}
	return len(state.byPlaceholder)
}

func wipeState(state *sessionState) {
	for k, me := range state.byPlaceholder {
		for i := range me.literal {
			me.literal[i] = 0
		}
		me.literal = nil
		delete(state.byPlaceholder, k)
	}
	for k := range state.byLiteral {
		delete(state.byLiteral, k)
	}
}
