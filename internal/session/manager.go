package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State tracks where a session sits in the turn cycle.
type State string

const (
	StateIdle       State = "idle"
	StateListening  State = "listening"
	StateProcessing State = "processing"
	StateSpeaking   State = "speaking"
	StateEnded      State = "ended"
)

var ErrNotFound = errors.New("session not found")
var ErrEnded = errors.New("session already ended")

// legalTransitions encodes the allowed state machine edges. Ended is a sink;
// every live state may transition to it.
var legalTransitions = map[State][]State{
	StateIdle:       {StateListening},
	StateListening:  {StateProcessing},
	StateProcessing: {StateSpeaking, StateListening},
	StateSpeaking:   {StateListening},
}

type Session struct {
	ID             string    `json:"session_id"`
	DBSessionID    int64     `json:"db_session_id"`
	ConsultationID *int64    `json:"consultation_id,omitempty"`
	State          State     `json:"state"`
	Provider       string    `json:"provider"`
	Language       string    `json:"language"`
	UseRAG         bool      `json:"use_rag"`
	ActiveTurnID   string    `json:"active_turn_id"`
	Reconnects     int       `json:"reconnects"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Manager owns session lifecycle. Sessions are keyed by the client-visible
// session_id; each bind (first connect or reconnect) mints a fresh
// DBSessionID from a process-monotonic counter.
type Manager struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	idleTimeout time.Duration
	nextDBID    int64
	onExpire    func(*Session)
}

func NewManager(idleTimeout time.Duration) *Manager {
	if idleTimeout <= 0 {
		idleTimeout = 2 * time.Minute
	}
	return &Manager{
		sessions:    make(map[string]*Session),
		idleTimeout: idleTimeout,
	}
}

func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// Bind attaches a connection to a session. An empty or unknown sessionID
// creates a fresh session; a known live sessionID is a reconnect and keeps
// its conversational identity while receiving a new DBSessionID. Binding to
// an ended session fails.
func (m *Manager) Bind(sessionID, provider, language string, useRAG bool, consultationID *int64) (*Session, error) {
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	if sessionID != "" {
		if s, ok := m.sessions[sessionID]; ok {
			if s.State == StateEnded {
				return nil, ErrEnded
			}
			m.nextDBID++
			s.DBSessionID = m.nextDBID
			s.Reconnects++
			s.State = StateListening
			s.ActiveTurnID = ""
			s.LastActivityAt = now
			if consultationID != nil {
				s.ConsultationID = consultationID
			}
			return clone(s), nil
		}
	}

	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	m.nextDBID++
	s := &Session{
		ID:             sessionID,
		DBSessionID:    m.nextDBID,
		ConsultationID: consultationID,
		State:          StateListening,
		Provider:       provider,
		Language:       language,
		UseRAG:         useRAG,
		StartedAt:      now,
		LastActivityAt: now,
	}
	m.sessions[s.ID] = s
	return clone(s), nil
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

func (m *Manager) Touch(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// Transition moves a session to a new state, enforcing the legal edges.
func (m *Manager) Transition(sessionID string, to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if s.State == to {
		return nil
	}
	if to != StateEnded && !transitionAllowed(s.State, to) {
		return fmt.Errorf("illegal state transition %s -> %s", s.State, to)
	}
	s.State = to
	s.LastActivityAt = time.Now().UTC()
	if to == StateListening || to == StateEnded {
		s.ActiveTurnID = ""
	}
	return nil
}

func transitionAllowed(from, to State) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (m *Manager) StartTurn(sessionID, turnID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.ActiveTurnID = turnID
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// SetLanguage changes the STT/TTS language. Only allowed while the session is
// between turns; changing mid-turn would desync captions and speech.
func (m *Manager) SetLanguage(sessionID, language string) error {
	return m.updateBetweenTurns(sessionID, func(s *Session) { s.Language = language })
}

// SetProvider switches the speech provider pair between turns.
func (m *Manager) SetProvider(sessionID, provider string) error {
	return m.updateBetweenTurns(sessionID, func(s *Session) { s.Provider = provider })
}

func (m *Manager) updateBetweenTurns(sessionID string, apply func(*Session)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if s.State != StateIdle && s.State != StateListening {
		return fmt.Errorf("session busy in state %s", s.State)
	}
	apply(s)
	s.LastActivityAt = time.Now().UTC()
	return nil
}

func (m *Manager) End(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	s.State = StateEnded
	s.ActiveTurnID = ""
	s.LastActivityAt = time.Now().UTC()
	return clone(s), nil
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireIdle()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.sessions {
		if s.State != StateEnded {
			count++
		}
	}
	return count
}

func (m *Manager) expireIdle() {
	now := time.Now().UTC()
	var expired []*Session

	m.mu.Lock()
	for _, s := range m.sessions {
		if s.State == StateEnded {
			continue
		}
		if now.Sub(s.LastActivityAt) < m.idleTimeout {
			continue
		}
		s.State = StateEnded
		s.ActiveTurnID = ""
		s.LastActivityAt = now
		expired = append(expired, clone(s))
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
