package voice

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MockProvider is a local provider used in tests and when no speech backend
// is configured. STT echoes canned transcripts; TTS emits the text bytes as
// fake PCM so the framing path stays exercised.
type MockProvider struct {
	// Transcript overrides the canned final transcript when set.
	Transcript string
	// Format controls the downlink packaging under test.
	Format string
}

func NewMockProvider() *MockProvider { return &MockProvider{} }

func (p *MockProvider) Name() string { return "mock" }

func (p *MockProvider) OutputFormat() string {
	if p.Format != "" {
		return p.Format
	}
	return OutputFormatFramedWAV
}

func (p *MockProvider) StartSession(_ context.Context, _, _ string, _ int) (STTSession, <-chan STTEvent, error) {
	events := make(chan STTEvent, 64)
	transcript := p.Transcript
	if transcript == "" {
		transcript = "simulated patient speech"
	}
	s := &mockSTTSession{events: events, transcript: transcript}
	return s, events, nil
}

func (p *MockProvider) StartStream(_ context.Context, _ string) (TTSStream, error) {
	events := make(chan TTSEvent, 128)
	return &mockTTSStream{events: events}, nil
}

type mockSTTSession struct {
	mu         sync.Mutex
	events     chan STTEvent
	transcript string
	chunks     int
	heardAudio bool
	closed     bool
}

func (s *mockSTTSession) SendAudio(_ context.Context, audio []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.chunks++
	if len(audio) > 0 {
		s.heardAudio = true
		// Grow a partial caption as audio accumulates.
		words := strings.Fields(s.transcript)
		n := s.chunks
		if n > len(words) {
			n = len(words)
		}
		s.events <- STTEvent{
			Type:      STTEventPartial,
			Text:      strings.Join(words[:n], " "),
			Timestamp: time.Now().UnixMilli(),
		}
	}
	return nil
}

func (s *mockSTTSession) Commit(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	text := s.transcript
	if !s.heardAudio {
		text = ""
	}
	s.events <- STTEvent{Type: STTEventFinal, Text: text, Timestamp: time.Now().UnixMilli()}
	return nil
}

func (s *mockSTTSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}

type mockTTSStream struct {
	mu     sync.Mutex
	events chan TTSEvent
	closed bool
}

func (s *mockTTSStream) SendText(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}
	s.events <- TTSEvent{Type: TTSEventAudio, Audio: []byte(text), SampleRate: 16000}
	return nil
}

func (s *mockTTSStream) CloseInput(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.events <- TTSEvent{Type: TTSEventFinal}
	return nil
}

func (s *mockTTSStream) Events() <-chan TTSEvent { return s.events }

func (s *mockTTSStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}
