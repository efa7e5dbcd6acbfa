package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vaanihealth/vaani/internal/reliability"
)

type DeepgramConfig struct {
	APIKey    string
	WSBaseURL string
	STTModel  string
	TTSVoice  string
}

// DeepgramProvider speaks the Deepgram listen websocket for STT and the Aura
// speak endpoint for TTS. TTS output is MP3 passed through to the client.
type DeepgramProvider struct {
	cfg    DeepgramConfig
	client *http.Client
}

func NewDeepgramProvider(cfg DeepgramConfig) *DeepgramProvider {
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		cfg.WSBaseURL = "wss://api.deepgram.com"
	}
	if strings.TrimSpace(cfg.STTModel) == "" {
		cfg.STTModel = "nova-2"
	}
	if strings.TrimSpace(cfg.TTSVoice) == "" {
		cfg.TTSVoice = "aura-asteria-en"
	}
	return &DeepgramProvider{
		cfg:    cfg,
		client: &http.Client{Timeout: 60 * time.Second},
	}
}

func (p *DeepgramProvider) Name() string { return "deepgram" }

func (p *DeepgramProvider) OutputFormat() string { return OutputFormatMP3 }

// StartSession opens a listen stream. A positive sampleRate selects raw
// linear16 input; zero lets Deepgram sniff a container format (WebM uplink).
func (p *DeepgramProvider) StartSession(ctx context.Context, _ string, language string, sampleRate int) (STTSession, <-chan STTEvent, error) {
	u, err := url.Parse(strings.TrimRight(p.cfg.WSBaseURL, "/") + "/v1/listen")
	if err != nil {
		return nil, nil, err
	}
	q := u.Query()
	q.Set("model", p.cfg.STTModel)
	q.Set("interim_results", "true")
	q.Set("punctuate", "true")
	if language != "" {
		q.Set("language", language)
	}
	if sampleRate > 0 {
		q.Set("encoding", "linear16")
		q.Set("sample_rate", strconv.Itoa(sampleRate))
	}
	u.RawQuery = q.Encode()

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.cfg.APIKey)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		return nil, nil, fmt.Errorf("dial deepgram listen websocket: %w", err)
	}

	events := make(chan STTEvent, 256)
	s := &deepgramSTTSession{conn: conn, events: events, closed: make(chan struct{})}
	go s.readLoop()
	return s, events, nil
}

type deepgramSTTSession struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
	events    chan STTEvent
}

func (s *deepgramSTTSession) SendAudio(_ context.Context, audio []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, audio)
}

func (s *deepgramSTTSession) Commit(_ context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(map[string]any{"type": "Finalize"})
}

// readLoop is the only goroutine that closes s.events, so a concurrent Close
// can never race a pending send. Close signals it through s.closed instead.
func (s *deepgramSTTSession) readLoop() {
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
		var evt STTEvent
		switch asString(raw["type"]) {
		case "Results":
			text := deepgramTranscript(raw)
			if strings.TrimSpace(text) == "" {
				continue
			}
			eventType := STTEventPartial
			if asBool(raw["is_final"]) || asBool(raw["speech_final"]) {
				eventType = STTEventFinal
			}
			evt = STTEvent{Type: eventType, Text: text, Timestamp: time.Now().UnixMilli()}
		case "Metadata", "UtteranceEnd", "SpeechStarted", "":
			// control events, ignore
			continue
		case "Error":
			code := asString(raw["err_code"])
			evt = STTEvent{
				Type:      STTEventError,
				Code:      code,
				Detail:    asString(raw["err_msg"]),
				Retryable: reliability.IsRetryableRealtimeMessageType(code),
				Timestamp: time.Now().UnixMilli(),
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

func deepgramTranscript(raw map[string]any) string {
	channel, _ := raw["channel"].(map[string]any)
	if channel == nil {
		return ""
	}
	alternatives, _ := channel["alternatives"].([]any)
	if len(alternatives) == 0 {
		return ""
	}
	first, _ := alternatives[0].(map[string]any)
	if first == nil {
		return ""
	}
	return asString(first["transcript"])
}

func (s *deepgramSTTSession) Close() error {
	var retErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		s.writeMu.Lock()
		_ = s.conn.WriteJSON(map[string]any{"type": "CloseStream"})
		s.writeMu.Unlock()
		retErr = s.conn.Close()
	})
	return retErr
}

// StartStream returns a synthesis stream backed by the speak endpoint. Text
// segments queue up and a single worker requests them in order, so audio for
// segment n never interleaves with segment n+1.
func (p *DeepgramProvider) StartStream(ctx context.Context, _ string) (TTSStream, error) {
	base := strings.TrimRight(p.cfg.WSBaseURL, "/")
	base = strings.Replace(base, "wss://", "https://", 1)
	base = strings.Replace(base, "ws://", "http://", 1)

	u, err := url.Parse(base + "/v1/speak")
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("model", p.cfg.TTSVoice)
	q.Set("encoding", "mp3")
	u.RawQuery = q.Encode()

	s := &deepgramTTSStream{
		client:   p.client,
		endpoint: u.String(),
		apiKey:   p.cfg.APIKey,
		segments: make(chan string, 64),
		events:   make(chan TTSEvent, 512),
		done:     make(chan struct{}),
	}
	go s.worker(ctx)
	return s, nil
}

type deepgramTTSStream struct {
	client   *http.Client
	endpoint string
	apiKey   string

	mu       sync.Mutex
	closed   bool
	inputEnd bool

	segments chan string
	events   chan TTSEvent
	done     chan struct{}
}

func (s *deepgramTTSStream) SendText(ctx context.Context, text string) error {
	s.mu.Lock()
	if s.closed || s.inputEnd {
		s.mu.Unlock()
		return fmt.Errorf("tts stream input closed")
	}
	s.mu.Unlock()

	select {
	case s.segments <- text:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *deepgramTTSStream) CloseInput(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.inputEnd {
		return nil
	}
	s.inputEnd = true
	close(s.segments)
	return nil
}

func (s *deepgramTTSStream) Events() <-chan TTSEvent { return s.events }

func (s *deepgramTTSStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if !s.inputEnd {
		s.inputEnd = true
		close(s.segments)
	}
	s.mu.Unlock()

	<-s.done
	return nil
}

func (s *deepgramTTSStream) worker(ctx context.Context) {
	defer close(s.done)
	defer close(s.events)

	for segment := range s.segments {
		if strings.TrimSpace(segment) == "" {
			continue
		}
		if err := s.speakSegment(ctx, segment); err != nil {
			select {
			case s.events <- TTSEvent{
				Type:      TTSEventError,
				Code:      "speak_failed",
				Detail:    err.Error(),
				Retryable: true,
			}:
			case <-ctx.Done():
			}
			return
		}
	}

	select {
	case s.events <- TTSEvent{Type: TTSEventFinal}:
	case <-ctx.Done():
	}
}

func (s *deepgramTTSStream) speakSegment(ctx context.Context, text string) error {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Token "+s.apiKey)
	req.Header.Set("Content-Type", "application/json")

	res, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(res.Body, 2<<10))
		if reliability.IsRetryableHTTPStatus(res.StatusCode) {
			return fmt.Errorf("speak status %d: %s", res.StatusCode, string(detail))
		}
		return fmt.Errorf("speak rejected with status %d: %s", res.StatusCode, string(detail))
	}

	buf := make([]byte, 8<<10)
	for {
		n, readErr := res.Body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case s.events <- TTSEvent{Type: TTSEventAudio, Audio: chunk}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}
