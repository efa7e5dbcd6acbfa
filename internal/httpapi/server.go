package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/vaanihealth/vaani/internal/config"
	"github.com/vaanihealth/vaani/internal/fault"
	"github.com/vaanihealth/vaani/internal/observability"
	"github.com/vaanihealth/vaani/internal/policy"
	"github.com/vaanihealth/vaani/internal/protocol"
	"github.com/vaanihealth/vaani/internal/session"
	"github.com/vaanihealth/vaani/internal/store"
	"github.com/vaanihealth/vaani/internal/voice"
)

type Orchestrator interface {
	RunConnection(ctx context.Context, s *session.Session, inbound <-chan any, outbound chan<- any) error
}

type Server struct {
	cfg          config.Config
	sessions     *session.Manager
	orchestrator Orchestrator
	providers    *voice.ProviderRegistry
	bridge       *voice.Bridge
	store        store.Store
	metrics      *observability.Metrics
	auth         *policy.Authorizer
	upgrader     websocket.Upgrader
}

func New(
	cfg config.Config,
	sessions *session.Manager,
	orchestrator Orchestrator,
	providers *voice.ProviderRegistry,
	bridge *voice.Bridge,
	st store.Store,
	metrics *observability.Metrics,
) *Server {
	return &Server{
		cfg:          cfg,
		sessions:     sessions,
		orchestrator: orchestrator,
		providers:    providers,
		bridge:       bridge,
		store:        st,
		metrics:      metrics,
		auth:         policy.NewAuthorizer(cfg.AccessTokens),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browser connections unless explicitly
				// opened up; non-browser clients omit Origin and pass.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/conversation/stream", s.handleConversationWS)
	r.Post("/tts/stream", s.handleTTSStream)
	r.Post("/v1/session/{id}/end", s.handleEndSession)
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":   "ready",
		"provider": s.cfg.DefaultProvider,
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	sess, err := s.sessions.End(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if s.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		_ = s.store.EndSession(ctx, sess.DBSessionID, time.Now().UTC())
	}
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("ended").Inc()
	respondJSON(w, http.StatusOK, sess)
}

// handleConversationWS is the duplex session endpoint. The client opens the
// socket, sends an init message to bind its session, then streams audio or
// text turns up while transcripts, response text, and synthesized audio come
// back down.
func (s *Server) handleConversationWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	var closeOnce sync.Once
	closeWith := func(code int, reason string) {
		closeOnce.Do(func() {
			deadline := time.Now().Add(2 * time.Second)
			msg := websocket.FormatCloseMessage(code, reason)
			_ = conn.WriteControl(websocket.CloseMessage, msg, deadline)
		})
	}

	if !s.auth.Open() && !s.auth.Allow(policy.TokenFromRequest(r)) {
		s.metrics.SessionEvents.WithLabelValues("auth_rejected").Inc()
		closeWith(fault.CloseAuthFailure, "invalid access token")
		return
	}

	sess, err := s.bindSession(conn, r)
	if err != nil {
		var f *fault.Fault
		if errors.As(err, &f) {
			closeWith(f.Kind.CloseCode(), f.Error())
		} else {
			closeWith(fault.CloseProtocolError, err.Error())
		}
		return
	}

	s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	defer func() {
		s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
		s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan any, 64)
	outbound := make(chan any, s.egressDepth())

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		err := s.orchestrator.RunConnection(ctx, sess, inbound, outbound)
		if err != nil && !errors.Is(err, context.Canceled) {
			kind := fault.KindOf(err)
			closeWith(kind.CloseCode(), kind.String())
		} else {
			closeWith(fault.CloseNormal, "bye")
		}
		// Unblock the read loop when the run ends first (stop message or a
		// fatal fault while the client is silent).
		conn.Close()
	}()

	writerDone := make(chan struct{})
	go s.writeLoop(ctx, conn, outbound, writerDone)

	readErr := s.readLoop(ctx, conn, inbound, outbound, runDone)
	if errors.Is(readErr, errIdleTimeout) {
		closeWith(fault.CloseIdleTimeout, "session idle timeout")
	}

	cancel()
	close(inbound)
	<-runDone
	<-writerDone
}

// bindSession performs the init handshake: the first text message must be an
// init, which attaches (or reattaches) the logical session and answers with
// connection_established carrying the fresh db_session_id.
func (s *Server) bindSession(conn *websocket.Conn, r *http.Request) (*session.Session, error) {
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, fault.New(fault.KindProtocolViolation, "client", err)
	}
	parsed, err := protocol.ParseClientMessage(data)
	if err != nil {
		return nil, fault.New(fault.KindProtocolViolation, "client", err)
	}
	init, ok := parsed.(protocol.Init)
	if !ok {
		return nil, fault.Newf(fault.KindProtocolViolation, "client", "first message must be init")
	}

	// Query parameters act as defaults; the init message wins.
	query := r.URL.Query()
	provider := init.Provider
	if provider == "" {
		provider = query.Get("provider")
	}
	if provider == "" {
		provider = s.cfg.DefaultProvider
	}
	language := init.Language
	if language == "" {
		language = query.Get("language")
	}
	if language == "" {
		language = s.cfg.DefaultLanguage
	}
	consultationID := init.ConsultationID
	if consultationID == nil {
		if id, err := strconv.ParseInt(query.Get("consultation_id"), 10, 64); err == nil {
			consultationID = &id
		}
	}
	useRAG, _ := strconv.ParseBool(query.Get("use_rag"))

	sess, err := s.sessions.Bind(init.SessionID, provider, language, useRAG, consultationID)
	if err != nil {
		return nil, fault.New(fault.KindProtocolViolation, "session", err)
	}

	if s.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := s.store.BeginSession(ctx, store.SessionRecord{
			DBSessionID:    sess.DBSessionID,
			SessionID:      sess.ID,
			ConsultationID: sess.ConsultationID,
			Provider:       sess.Provider,
			Language:       sess.Language,
			StartedAt:      sess.StartedAt,
		})
		cancel()
		if err != nil {
			log.Printf("session %s: begin session record: %v", sess.ID, err)
		}
	}

	established := protocol.ConnectionEstablished{
		Type:           protocol.TypeConnectionEstablished,
		DBSessionID:    sess.DBSessionID,
		ConsultationID: sess.ConsultationID,
		Message:        "session bound",
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteJSON(established); err != nil {
		return nil, fault.New(fault.KindInternalBug, "gateway", err)
	}
	return sess, nil
}

func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, outbound <-chan any, done chan<- struct{}) {
	defer close(done)

	heartbeat := s.cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				s.metrics.WSWriteErrors.WithLabelValues("ping").Inc()
				return
			}
		case msg, ok := <-outbound:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if frame, isBinary := msg.(protocol.BinaryFrame); isBinary {
				if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
					s.metrics.WSWriteErrors.WithLabelValues("write_binary").Inc()
					return
				}
				s.metrics.WSMessages.WithLabelValues("outbound", "binary_audio").Inc()
				continue
			}
			if err := conn.WriteJSON(msg); err != nil {
				s.metrics.WSWriteErrors.WithLabelValues("write_json").Inc()
				return
			}
			if t, ok := messageTypeOf(msg); ok {
				s.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
			}
		}
	}
}

var errIdleTimeout = errors.New("idle timeout")

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, inbound chan<- any, outbound chan<- any, runDone <-chan struct{}) error {
	idle := s.cfg.SessionIdleTimeout
	if idle <= 0 {
		idle = 120 * time.Second
	}

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(idle))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(idle))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				return errIdleTimeout
			}
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(idle))
		if msgType != websocket.TextMessage {
			continue
		}

		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			errEvent := protocol.ErrorEvent{
				Type:    protocol.TypeError,
				Code:    "invalid_client_message",
				Message: err.Error(),
			}
			select {
			case outbound <- errEvent:
			default:
			}
			continue
		}
		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.WSMessages.WithLabelValues("inbound", string(t)).Inc()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-runDone:
			// The pipeline is gone; stop feeding it.
			return nil
		case inbound <- parsed:
		}
	}
}

func (s *Server) egressDepth() int {
	if s.cfg.EgressQueueDepth >= 64 {
		return s.cfg.EgressQueueDepth
	}
	return 64
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.Init:
		return m.Type, true
	case protocol.AudioChunk:
		return m.Type, true
	case protocol.FinalAudio:
		return m.Type, true
	case protocol.Flush:
		return m.Type, true
	case protocol.Text:
		return m.Type, true
	case protocol.Ping:
		return m.Type, true
	case protocol.Stop:
		return m.Type, true
	case protocol.ConnectionEstablished:
		return m.Type, true
	case protocol.VADSignal:
		return m.Type, true
	case protocol.StreamingTranscript:
		return m.Type, true
	case protocol.FinalTranscript:
		return m.Type, true
	case protocol.AIResponseChunk:
		return m.Type, true
	case protocol.Response:
		return m.Type, true
	case protocol.ProcessingState:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	case protocol.Pong:
		return m.Type, true
	default:
		return "", false
	}
}
