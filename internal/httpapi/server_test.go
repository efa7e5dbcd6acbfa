package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vaanihealth/vaani/internal/config"
	"github.com/vaanihealth/vaani/internal/framing"
	"github.com/vaanihealth/vaani/internal/llm"
	"github.com/vaanihealth/vaani/internal/observability"
	"github.com/vaanihealth/vaani/internal/protocol"
	"github.com/vaanihealth/vaani/internal/session"
	"github.com/vaanihealth/vaani/internal/store"
	"github.com/vaanihealth/vaani/internal/voice"
)

func testServerConfig() config.Config {
	return config.Config{
		AllowAnyOrigin:      true,
		SessionIdleTimeout:  30 * time.Second,
		HeartbeatInterval:   10 * time.Second,
		EgressQueueDepth:    256,
		SpeechThreshold:     35,
		SilenceThreshold:    15,
		SilenceHold:         60 * time.Millisecond,
		MaxUtterance:        10 * time.Second,
		ResumeGrace:         50 * time.Millisecond,
		PartialPrefixRatio:  0.6,
		FinalDedupeWindow:   3 * time.Second,
		BrainStreamMinChars: 8,
		ProviderRetryMax:    2,
		STTIdleTimeout:      2 * time.Second,
		DefaultProvider:     "mock",
		DefaultLanguage:     "en-IN",
	}
}

func newTestServer(t *testing.T, cfg config.Config) (*Server, *store.InMemoryStore, *session.Manager) {
	t.Helper()
	sessions := session.NewManager(time.Minute)
	st := store.NewInMemoryStore()
	metrics := observability.NewMetrics("test_api_" + t.Name())
	provider := voice.NewMockProvider()
	registry := voice.NewProviderRegistry("mock")
	registry.Register("mock", provider, provider)
	bridge := voice.NewBridge(provider, 16<<10, 10*time.Millisecond, 2*time.Second)
	orc := voice.NewOrchestrator(sessions, llm.NewMockAdapter(), st, registry, bridge, metrics, cfg)
	return New(cfg, sessions, orc, registry, bridge, st, metrics), st, sessions
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/conversation/stream"
}

func TestHealthEndpoints(t *testing.T) {
	srv, _, _ := newTestServer(t, testServerConfig())
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for _, path := range []string{"/healthz", "/readyz", "/v1/perf/latency", "/metrics"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s error = %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s status = %d, want 200", path, resp.StatusCode)
		}
	}
}

func TestTTSStreamReturnsFramedAudio(t *testing.T) {
	srv, _, _ := newTestServer(t, testServerConfig())
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body, _ := json.Marshal(map[string]string{"text": "Please drink plenty of water."})
	resp, err := http.Post(ts.URL+"/tts/stream", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var raw bytes.Buffer
	if _, err := raw.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read body error = %v", err)
	}

	parser := framing.NewParser(0)
	payloads, err := parser.Feed(raw.Bytes())
	if err != nil {
		t.Fatalf("frame parse error = %v", err)
	}
	if len(payloads) == 0 {
		t.Fatalf("no frames in response body (%d bytes)", raw.Len())
	}
	if !bytes.HasPrefix(payloads[0], []byte("RIFF")) {
		t.Fatalf("first frame payload is not WAV: % x", payloads[0][:8])
	}
}

func TestTTSStreamRejectsEmptyText(t *testing.T) {
	srv, _, _ := newTestServer(t, testServerConfig())
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body := strings.NewReader(`{"text":"  "}`)
	resp, err := http.Post(ts.URL+"/tts/stream", "application/json", body)
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestTTSStreamRequiresToken(t *testing.T) {
	cfg := testServerConfig()
	cfg.AccessTokens = []string{"sekrit"}
	srv, _, _ := newTestServer(t, cfg)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body, _ := json.Marshal(map[string]string{"text": "hello"})
	resp, err := http.Post(ts.URL+"/tts/stream", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/tts/stream", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer sekrit")
	req.Header.Set("Content-Type", "application/json")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST with token error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status with token = %d, want 200", resp.StatusCode)
	}
}

func TestConversationWSTextTurn(t *testing.T) {
	srv, st, _ := newTestServer(t, testServerConfig())
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer conn.Close()

	init := protocol.Init{Type: protocol.TypeInit, SessionID: "ws-turn-1", Language: "en-IN", Provider: "mock"}
	if err := conn.WriteJSON(init); err != nil {
		t.Fatalf("write init error = %v", err)
	}

	var established protocol.ConnectionEstablished
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if err := conn.ReadJSON(&established); err != nil {
		t.Fatalf("read connection_established error = %v", err)
	}
	if established.Type != protocol.TypeConnectionEstablished || established.DBSessionID == 0 {
		t.Fatalf("handshake reply = %+v", established)
	}

	text := protocol.Text{Type: protocol.TypeText, Text: "I have a headache"}
	if err := conn.WriteJSON(text); err != nil {
		t.Fatalf("write text error = %v", err)
	}

	var sawFinal, sawBinary, sawResponse bool
	deadline := time.Now().Add(5 * time.Second)
	for !sawResponse {
		_ = conn.SetReadDeadline(deadline)
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read error = %v (final=%v binary=%v)", err, sawFinal, sawBinary)
		}
		if msgType == websocket.BinaryMessage {
			sawBinary = true
			continue
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("bad server message %q: %v", data, err)
		}
		switch env.Type {
		case protocol.TypeFinalTranscript:
			sawFinal = true
		case protocol.TypeResponse:
			sawResponse = true
		}
	}
	if !sawFinal || !sawBinary {
		t.Fatalf("final=%v binary=%v, want both before response", sawFinal, sawBinary)
	}

	// Both sides of the turn reach the store.
	waitDeadline := time.Now().Add(time.Second)
	for {
		turns, err := st.RecentTurns(context.Background(), "ws-turn-1", 10)
		if err != nil {
			t.Fatalf("RecentTurns error = %v", err)
		}
		if len(turns) >= 2 {
			break
		}
		if time.Now().After(waitDeadline) {
			t.Fatalf("persisted turns = %d, want 2", len(turns))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestConversationWSRejectsBadToken(t *testing.T) {
	cfg := testServerConfig()
	cfg.AccessTokens = []string{"sekrit"}
	srv, _, _ := newTestServer(t, cfg)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts)+"?token=wrong", nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("read error = %v (%T %v), want close 1008", err, err, closeErr)
	}
}

func TestConversationWSRequiresInitFirst(t *testing.T) {
	srv, _, _ := newTestServer(t, testServerConfig())
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(protocol.Text{Type: protocol.TypeText, Text: "hello"}); err != nil {
		t.Fatalf("write error = %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	if !websocket.IsCloseError(err, 4000) {
		t.Fatalf("read error = %v, want close 4000", err)
	}
}

func TestEndSessionEndpoint(t *testing.T) {
	srv, _, sessions := newTestServer(t, testServerConfig())
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	sess, err := sessions.Bind("rest-end-1", "mock", "en-IN", false, nil)
	if err != nil {
		t.Fatalf("Bind error = %v", err)
	}

	resp, err := http.Post(ts.URL+"/v1/session/"+sess.ID+"/end", "application/json", nil)
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	got, err := sessions.Get(sess.ID)
	if err != nil {
		t.Fatalf("Get error = %v", err)
	}
	if got.State != session.StateEnded {
		t.Fatalf("state = %q, want ended", got.State)
	}

	resp, err = http.Post(ts.URL+"/v1/session/does-not-exist/end", "application/json", nil)
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}
