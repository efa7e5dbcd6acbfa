package session

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBindCreatesAndReconnects(t *testing.T) {
	m := NewManager(time.Minute)

	s, err := m.Bind("", "deepgram", "en-IN", false, nil)
	if err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	if s.ID == "" {
		t.Fatalf("session ID should not be empty")
	}
	if s.DBSessionID != 1 {
		t.Fatalf("DBSessionID = %d, want 1", s.DBSessionID)
	}
	if s.State != StateListening {
		t.Fatalf("State = %q, want %q", s.State, StateListening)
	}

	// Reconnect keeps the session identity but mints a fresh db session id.
	re, err := m.Bind(s.ID, "deepgram", "en-IN", false, nil)
	if err != nil {
		t.Fatalf("reconnect Bind() error = %v", err)
	}
	if re.ID != s.ID {
		t.Fatalf("reconnect changed session ID: %q != %q", re.ID, s.ID)
	}
	if re.DBSessionID != 2 {
		t.Fatalf("reconnect DBSessionID = %d, want 2", re.DBSessionID)
	}
	if re.Reconnects != 1 {
		t.Fatalf("Reconnects = %d, want 1", re.Reconnects)
	}
}

func TestBindEndedSessionFails(t *testing.T) {
	m := NewManager(time.Minute)
	s, _ := m.Bind("", "sarvam", "hi-IN", false, nil)
	if _, err := m.End(s.ID); err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if _, err := m.Bind(s.ID, "sarvam", "hi-IN", false, nil); !errors.Is(err, ErrEnded) {
		t.Fatalf("Bind(ended) error = %v, want ErrEnded", err)
	}
}

func TestTransitionLegality(t *testing.T) {
	m := NewManager(time.Minute)
	s, _ := m.Bind("", "deepgram", "en-IN", false, nil)

	steps := []State{StateProcessing, StateSpeaking, StateListening, StateProcessing, StateListening}
	for _, to := range steps {
		if err := m.Transition(s.ID, to); err != nil {
			t.Fatalf("Transition(%s) error = %v", to, err)
		}
	}

	// Listening cannot jump straight to Speaking.
	if err := m.Transition(s.ID, StateSpeaking); err == nil {
		t.Fatalf("Transition(listening -> speaking) succeeded, want error")
	}

	// Ended is reachable from anywhere and is terminal.
	if err := m.Transition(s.ID, StateEnded); err != nil {
		t.Fatalf("Transition(ended) error = %v", err)
	}
	if err := m.Transition(s.ID, StateListening); err == nil {
		t.Fatalf("Transition(ended -> listening) succeeded, want error")
	}
}

func TestLanguageChangeOnlyBetweenTurns(t *testing.T) {
	m := NewManager(time.Minute)
	s, _ := m.Bind("", "deepgram", "en-IN", false, nil)

	if err := m.SetLanguage(s.ID, "hi-IN"); err != nil {
		t.Fatalf("SetLanguage while listening error = %v", err)
	}

	if err := m.Transition(s.ID, StateProcessing); err != nil {
		t.Fatalf("Transition error = %v", err)
	}
	if err := m.SetLanguage(s.ID, "ta-IN"); err == nil {
		t.Fatalf("SetLanguage while processing succeeded, want error")
	}
	if err := m.SetProvider(s.ID, "sarvam"); err == nil {
		t.Fatalf("SetProvider while processing succeeded, want error")
	}

	got, _ := m.Get(s.ID)
	if got.Language != "hi-IN" {
		t.Fatalf("Language = %q, want hi-IN", got.Language)
	}
}

func TestJanitorExpiresIdleSessions(t *testing.T) {
	m := NewManager(30 * time.Millisecond)
	s, _ := m.Bind("", "deepgram", "en-IN", false, nil)

	expired := make(chan string, 1)
	m.SetExpireHook(func(sess *Session) { expired <- sess.ID })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 10*time.Millisecond)

	select {
	case id := <-expired:
		if id != s.ID {
			t.Fatalf("expired %q, want %q", id, s.ID)
		}
	case <-time.After(time.Second):
		t.Fatalf("janitor did not expire idle session")
	}

	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.State != StateEnded {
		t.Fatalf("State = %q, want %q", got.State, StateEnded)
	}
}
