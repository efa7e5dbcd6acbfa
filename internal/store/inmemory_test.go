package store

import (
	"context"
	"testing"
	"time"
)

func TestInMemorySessionLifecycle(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	consultation := int64(42)
	err := s.BeginSession(ctx, SessionRecord{
		DBSessionID:    1,
		SessionID:      "sess-abc",
		ConsultationID: &consultation,
		Provider:       "deepgram",
		Language:       "en-IN",
	})
	if err != nil {
		t.Fatalf("BeginSession error = %v", err)
	}

	record, ok := s.Session(1)
	if !ok {
		t.Fatalf("session 1 not found")
	}
	if record.StartedAt.IsZero() {
		t.Fatalf("StartedAt not defaulted")
	}
	if record.EndedAt != nil {
		t.Fatalf("EndedAt set before EndSession")
	}

	ended := time.Now().UTC()
	if err := s.EndSession(ctx, 1, ended); err != nil {
		t.Fatalf("EndSession error = %v", err)
	}
	record, _ = s.Session(1)
	if record.EndedAt == nil || !record.EndedAt.Equal(ended) {
		t.Fatalf("EndedAt = %v, want %v", record.EndedAt, ended)
	}

	if err := s.EndSession(ctx, 99, ended); err == nil {
		t.Fatalf("EndSession(99) error = nil, want unknown-session error")
	}
}

func TestInMemoryRecentTurnsOrderAndLimit(t *testing.T) {
	s := NewInMemoryStore()
	ctx := context.Background()

	for i, content := range []string{"first", "second", "third"} {
		err := s.AppendTurn(ctx, TurnRecord{
			DBSessionID: 1,
			SessionID:   "sess-abc",
			Role:        RolePatient,
			Content:     content,
			CreatedAt:   time.Unix(int64(100+i), 0),
		})
		if err != nil {
			t.Fatalf("AppendTurn error = %v", err)
		}
	}

	turns, err := s.RecentTurns(ctx, "sess-abc", 2)
	if err != nil {
		t.Fatalf("RecentTurns error = %v", err)
	}
	if len(turns) != 2 {
		t.Fatalf("len(turns) = %d, want 2", len(turns))
	}
	if turns[0].Content != "second" || turns[1].Content != "third" {
		t.Fatalf("turns = [%s, %s], want chronological tail [second, third]", turns[0].Content, turns[1].Content)
	}
	if turns[0].ID == "" {
		t.Fatalf("turn ID not assigned")
	}

	turns, err = s.RecentTurns(ctx, "unknown", 5)
	if err != nil || turns != nil {
		t.Fatalf("RecentTurns(unknown) = %v, %v, want nil, nil", turns, err)
	}
}
