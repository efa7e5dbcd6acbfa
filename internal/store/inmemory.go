package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore is a simple in-process store for local/dev use.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[int64]SessionRecord
	turns    map[string][]TurnRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[int64]SessionRecord),
		turns:    make(map[string][]TurnRecord),
	}
}

func (s *InMemoryStore) BeginSession(_ context.Context, record SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.StartedAt.IsZero() {
		record.StartedAt = time.Now().UTC()
	}
	s.sessions[record.DBSessionID] = record
	return nil
}

func (s *InMemoryStore) EndSession(_ context.Context, dbSessionID int64, endedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.sessions[dbSessionID]
	if !ok {
		return fmt.Errorf("end session: unknown db session %d", dbSessionID)
	}
	if endedAt.IsZero() {
		endedAt = time.Now().UTC()
	}
	record.EndedAt = &endedAt
	s.sessions[dbSessionID] = record
	return nil
}

func (s *InMemoryStore) AppendTurn(_ context.Context, record TurnRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	s.turns[record.SessionID] = append(s.turns[record.SessionID], record)
	return nil
}

func (s *InMemoryStore) RecentTurns(_ context.Context, sessionID string, limit int) ([]TurnRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.turns[sessionID]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]TurnRecord, 0, limit)
	for i := len(arr) - limit; i < len(arr); i++ {
		out = append(out, arr[i])
	}
	return out, nil
}

// Session returns the stored record for a bound session, for tests and
// reconnect reconciliation.
func (s *InMemoryStore) Session(dbSessionID int64) (SessionRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.sessions[dbSessionID]
	return record, ok
}

func (s *InMemoryStore) Close() error { return nil }
