package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/vaanihealth/vaani/internal/policy"
	"github.com/vaanihealth/vaani/internal/voice"
)

type ttsStreamRequest struct {
	Text     string `json:"text"`
	Language string `json:"language"`
	Provider string `json:"provider"`
}

// handleTTSStream synthesizes one blob of text and streams the audio back in
// the same packaging the websocket downlink uses: length-prefixed WAV frames
// for the framed provider, coalesced MP3 chunks otherwise.
func (s *Server) handleTTSStream(w http.ResponseWriter, r *http.Request) {
	if !s.auth.Open() && !s.auth.Allow(policy.TokenFromRequest(r)) {
		respondError(w, http.StatusUnauthorized, "auth_failed", "invalid access token")
		return
	}

	var req ttsStreamRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") ||
		strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(1 << 20); err != nil && err != http.ErrNotMultipart {
			respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		req.Text = r.FormValue("text")
		req.Language = r.FormValue("language")
		req.Provider = r.FormValue("provider")
	} else if err := decodeJSON(r.Body, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "text is required")
		return
	}
	language := req.Language
	if language == "" {
		language = s.cfg.DefaultLanguage
	}

	bridge := s.bridge
	if req.Provider != "" {
		_, tts := s.providers.Lookup(req.Provider)
		bridge = s.bridge.WithProvider(tts)
	}

	switch bridge.Provider().OutputFormat() {
	case voice.OutputFormatMP3:
		w.Header().Set("Content-Type", "audio/mpeg")
	default:
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	w.Header().Set("X-Voice-Provider", bridge.Provider().Name())

	flusher, _ := w.(http.Flusher)
	segments := make(chan string, 1)
	segments <- req.Text
	close(segments)

	result, err := bridge.Speak(r.Context(), language, segments, func(frame []byte) error {
		if _, werr := w.Write(frame); werr != nil {
			return werr
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	})
	if err != nil && result.Bytes == 0 {
		// Nothing written yet, the status line is still ours to set.
		respondError(w, http.StatusBadGateway, "tts_failed", err.Error())
		return
	}
	s.metrics.TTSBytes.WithLabelValues(bridge.Provider().Name()).Add(float64(result.Bytes))
}

var errEmptyBody = errors.New("request body is empty")

func decodeJSON(body io.Reader, v any) error {
	data, err := io.ReadAll(io.LimitReader(body, 1<<20))
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return errEmptyBody
	}
	return json.Unmarshal(data, v)
}
