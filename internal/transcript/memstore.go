package transcript

import (
	"context"
	"sync"
)

// Compile-time assertion that MemStore satisfies the Store interface.
var _ Store = (*MemStore)(nil)

// MemStore is a thread-safe, in-memory implementation of [Store].
// It is suitable for development and testing. The zero value is ready to use.
type MemStore struct {
	mu       sync.RWMutex
	sessions map[string][]Fragment
}

// NewMemStore returns an initialised [MemStore].
func NewMemStore() *MemStore {
	return &MemStore{
		sessions: make(map[string][]Fragment),
	}
}

// Append implements [Store.Append].
func (s *MemStore) Append(ctx context.Context, f Fragment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sessions == nil {
		s.sessions = make(map[string][]Fragment)
	}
	s.sessions[f.SessionID] = append(s.sessions[f.SessionID], f)
	return nil
}

// Recent implements [Store.Recent].
func (s *MemStore) Recent(ctx context.Context, sessionID string, limit int) ([]Fragment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	frags := s.sessions[sessionID]
	if limit > 0 && len(frags) > limit {
		frags = frags[len(frags)-limit:]
	}
	out := make([]Fragment, len(frags))
	copy(out, frags)
	return out, nil
}

// Ping implements [Store.Ping]. Always succeeds.
func (s *MemStore) Ping(ctx context.Context) error {
	return nil
}
