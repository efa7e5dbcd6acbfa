package store

import (
	"context"
	"time"
)

// Turn roles.
const (
	RolePatient   = "patient"
	RoleAssistant = "assistant"
)

// SessionRecord describes one bound voice session. A reconnecting client
// keeps its session_id but receives a fresh DBSessionID, so a logical
// consultation can span several rows.
type SessionRecord struct {
	DBSessionID    int64      `json:"db_session_id"`
	SessionID      string     `json:"session_id"`
	ConsultationID *int64     `json:"consultation_id,omitempty"`
	Provider       string     `json:"provider"`
	Language       string     `json:"language"`
	StartedAt      time.Time  `json:"started_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
}

// TurnRecord stores a single patient or assistant conversational turn.
// Content is PII-redacted before it reaches the store.
type TurnRecord struct {
	ID          string    `json:"id"`
	DBSessionID int64     `json:"db_session_id"`
	SessionID   string    `json:"session_id"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	PIIRedacted bool      `json:"pii_redacted"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store persists session lifecycle and conversational turns.
type Store interface {
	BeginSession(ctx context.Context, record SessionRecord) error
	EndSession(ctx context.Context, dbSessionID int64, endedAt time.Time) error
	AppendTurn(ctx context.Context, record TurnRecord) error
	RecentTurns(ctx context.Context, sessionID string, limit int) ([]TurnRecord, error)
	Close() error
}
