package voice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vaanihealth/vaani/internal/reliability"
)

type SarvamConfig struct {
	APIKey    string
	WSBaseURL string
	STTModel  string
	TTSVoice  string
}

// SarvamProvider speaks the Sarvam realtime STT and streaming TTS websocket
// APIs. TTS output is raw PCM16, so its wire format is framed WAV.
type SarvamProvider struct {
	cfg SarvamConfig
}

func NewSarvamProvider(cfg SarvamConfig) *SarvamProvider {
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		cfg.WSBaseURL = "wss://api.sarvam.ai"
	}
	if strings.TrimSpace(cfg.STTModel) == "" {
		cfg.STTModel = "saarika:v2"
	}
	if strings.TrimSpace(cfg.TTSVoice) == "" {
		cfg.TTSVoice = "meera"
	}
	return &SarvamProvider{cfg: cfg}
}

func (p *SarvamProvider) Name() string { return "sarvam" }

func (p *SarvamProvider) OutputFormat() string { return OutputFormatFramedWAV }

func (p *SarvamProvider) StartSession(ctx context.Context, _ string, language string, sampleRate int) (STTSession, <-chan STTEvent, error) {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	u, err := url.Parse(strings.TrimRight(p.cfg.WSBaseURL, "/") + "/speech-to-text/ws")
	if err != nil {
		return nil, nil, err
	}
	q := u.Query()
	q.Set("model", p.cfg.STTModel)
	if language != "" {
		q.Set("language-code", language)
	}
	q.Set("sample-rate", strconv.Itoa(sampleRate))
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("api-subscription-key", p.cfg.APIKey)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		return nil, nil, fmt.Errorf("dial sarvam stt websocket: %w", err)
	}

	events := make(chan STTEvent, 256)
	s := &sarvamSTTSession{conn: conn, events: events, closed: make(chan struct{}), sampleRate: sampleRate}
	go s.readLoop()
	return s, events, nil
}

type sarvamSTTSession struct {
	conn       *websocket.Conn
	writeMu    sync.Mutex
	closeOnce  sync.Once
	closed     chan struct{}
	events     chan STTEvent
	sampleRate int
}

func (s *sarvamSTTSession) SendAudio(_ context.Context, audio []byte) error {
	payload := map[string]any{
		"type":        "audio",
		"audio":       base64.StdEncoding.EncodeToString(audio),
		"sample_rate": s.sampleRate,
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(payload)
}

func (s *sarvamSTTSession) Commit(_ context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(map[string]any{"type": "flush"})
}

// readLoop is the only goroutine that closes s.events, so a concurrent Close
// can never race a pending send. Close signals it through s.closed instead.
func (s *sarvamSTTSession) readLoop() {
	defer close(s.events)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			continue
		}
		messageType := asString(raw["type"])
		var evt STTEvent
		switch messageType {
		case "partial_transcript":
			evt = STTEvent{Type: STTEventPartial, Text: asString(raw["text"]), Timestamp: time.Now().UnixMilli()}
		case "final_transcript":
			evt = STTEvent{Type: STTEventFinal, Text: asString(raw["text"]), Timestamp: time.Now().UnixMilli()}
		case "session_started", "", "audio":
			// control echo, ignore
			continue
		default:
			evt = STTEvent{
				Type:      STTEventError,
				Code:      messageType,
				Detail:    asString(raw["error"]),
				Retryable: reliability.IsRetryableRealtimeMessageType(messageType),
				Timestamp: time.Now().UnixMilli(),
			}
		}
		select {
		case s.events <- evt:
		case <-s.closed:
			return
		}
	}
}

func (s *sarvamSTTSession) Close() error {
	var retErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		retErr = s.conn.Close()
	})
	return retErr
}

const sarvamTTSSampleRate = 22050

func (p *SarvamProvider) StartStream(ctx context.Context, language string) (TTSStream, error) {
	u, err := url.Parse(strings.TrimRight(p.cfg.WSBaseURL, "/") + "/text-to-speech/ws")
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("model", "bulbul:v2")
	q.Set("speaker", p.cfg.TTSVoice)
	if language != "" {
		q.Set("language-code", language)
	}
	q.Set("sample-rate", strconv.Itoa(sarvamTTSSampleRate))
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("api-subscription-key", p.cfg.APIKey)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		return nil, fmt.Errorf("dial sarvam tts websocket: %w", err)
	}

	s := &sarvamTTSStream{conn: conn, events: make(chan TTSEvent, 512), closed: make(chan struct{})}
	go s.readLoop()
	return s, nil
}

type sarvamTTSStream struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
	events    chan TTSEvent
}

func (s *sarvamTTSStream) SendText(_ context.Context, text string) error {
	return s.writeJSON(map[string]any{"type": "text", "text": text})
}

func (s *sarvamTTSStream) CloseInput(_ context.Context) error {
	return s.writeJSON(map[string]any{"type": "flush"})
}

func (s *sarvamTTSStream) Events() <-chan TTSEvent { return s.events }

func (s *sarvamTTSStream) Close() error {
	var retErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		retErr = s.conn.Close()
	})
	return retErr
}

func (s *sarvamTTSStream) writeJSON(payload map[string]any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(payload)
}

// readLoop owns s.events; see sarvamSTTSession.readLoop.
func (s *sarvamTTSStream) readLoop() {
	defer close(s.events)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			continue
		}
		var evt TTSEvent
		switch asString(raw["type"]) {
		case "audio":
			encoded := asString(raw["audio"])
			if encoded == "" {
				continue
			}
			pcm, err := base64.StdEncoding.DecodeString(encoded)
			if err != nil {
				continue
			}
			rate := asInt(raw["sample_rate"])
			if rate <= 0 {
				rate = sarvamTTSSampleRate
			}
			evt = TTSEvent{Type: TTSEventAudio, Audio: pcm, SampleRate: rate}
		case "final":
			evt = TTSEvent{Type: TTSEventFinal}
		case "error":
			code := asString(raw["code"])
			evt = TTSEvent{
				Type:      TTSEventError,
				Code:      code,
				Detail:    asString(raw["error"]),
				Retryable: reliability.IsRetryableRealtimeMessageType(code),
			}
		default:
			continue
		}
		select {
		case s.events <- evt:
		case <-s.closed:
			return
		}
	}
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

func asInt(v any) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case json.Number:
		n, _ := t.Int64()
		return int(n)
	default:
		return 0
	}
}

func asBool(v any) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	return false
}
