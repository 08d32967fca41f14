package transcript

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// defaultSessionCap bounds how many entries one session retains in memory.
// A long conversation persists every committed utterance, so the dev store
// keeps a sliding window rather than growing without limit.
const defaultSessionCap = 512

// InMemoryStore is a simple in-process transcript store for local/dev use.
// Each session holds at most sessionCap entries; older ones are dropped.
type InMemoryStore struct {
	mu         sync.RWMutex
	entries    map[string][]Entry
	sessionCap int
}

func NewInMemoryStore() *InMemoryStore {
	return NewInMemoryStoreCap(defaultSessionCap)
}

// NewInMemoryStoreCap builds a store with an explicit per-session window.
func NewInMemoryStoreCap(sessionCap int) *InMemoryStore {
	if sessionCap <= 0 {
		sessionCap = defaultSessionCap
	}
	return &InMemoryStore{
		entries:    make(map[string][]Entry),
		sessionCap: sessionCap,
	}
}

func (s *InMemoryStore) SaveEntry(_ context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	arr := append(s.entries[entry.SessionID], entry)
	if over := len(arr) - s.sessionCap; over > 0 {
		arr = append(arr[:0], arr[over:]...)
	}
	s.entries[entry.SessionID] = arr
	return nil
}

func (s *InMemoryStore) RecentEntries(_ context.Context, sessionID string, limit int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.entries[sessionID]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]Entry, 0, limit)
	for i := len(arr) - limit; i < len(arr); i++ {
		out = append(out, arr[i])
	}
	return out, nil
}

// DropSession releases a finished session's window.
func (s *InMemoryStore) DropSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, sessionID)
}

func (s *InMemoryStore) Close() error { return nil }
