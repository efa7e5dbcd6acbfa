package main

import (
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vaanihealth/vaani/internal/audio"
	"github.com/vaanihealth/vaani/internal/protocol"
)

// voiceprobe replays synthetic voice turns against a running gateway and
// reports the per-turn latency from final transcript to first audio frame.

type options struct {
	baseURL     string
	token       string
	language    string
	provider    string
	turns       int
	chunkMS     int
	realtime    float64
	speechMS    int
	turnTimeout time.Duration
	verbose     bool
}

type wsEvent struct {
	binary bool
	env    protocol.Envelope
	err    error
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "voiceprobe: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "voiceprobe: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var turnTimeoutMS int

	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "gateway base URL")
	flag.StringVar(&cfg.token, "token", "", "access token (if the gateway requires one)")
	flag.StringVar(&cfg.language, "language", "en-IN", "language code for the session")
	flag.StringVar(&cfg.provider, "provider", "", "voice provider override (empty uses the server default)")
	flag.IntVar(&cfg.turns, "turns", 5, "number of voice turns to replay")
	flag.IntVar(&cfg.chunkMS, "chunk-ms", 40, "audio chunk size in milliseconds")
	flag.Float64Var(&cfg.realtime, "realtime", 2.0, "chunk pacing multiplier (1.0=realtime)")
	flag.IntVar(&cfg.speechMS, "speech-ms", 1200, "synthetic speech length per turn in milliseconds")
	flag.IntVar(&turnTimeoutMS, "turn-timeout-ms", 15000, "timeout per turn in milliseconds")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if cfg.chunkMS < 10 || cfg.chunkMS > 2000 {
		return options{}, fmt.Errorf("chunk-ms must be in [10,2000]")
	}
	if cfg.realtime <= 0 {
		return options{}, fmt.Errorf("realtime must be > 0")
	}
	if turnTimeoutMS < 1000 {
		turnTimeoutMS = 1000
	}
	cfg.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond
	return cfg, nil
}

func run(cfg options) error {
	wsURL := "ws" + strings.TrimPrefix(cfg.baseURL, "http") + "/conversation/stream"
	if cfg.token != "" {
		wsURL += "?token=" + cfg.token
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	sessionID := uuid.NewString()
	init := protocol.Init{
		Type:      protocol.TypeInit,
		SessionID: sessionID,
		Language:  cfg.language,
		Provider:  cfg.provider,
	}
	if err := conn.WriteJSON(init); err != nil {
		return fmt.Errorf("send init: %w", err)
	}

	var established protocol.ConnectionEstablished
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.ReadJSON(&established); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	if cfg.verbose {
		fmt.Printf("voiceprobe: session=%s db_session_id=%d turns=%d\n", sessionID, established.DBSessionID, cfg.turns)
	}

	events := make(chan wsEvent, 256)
	go readLoop(conn, events)

	const sampleRate = 16000
	chunkBytes := sampleRate * 2 * cfg.chunkMS / 1000
	speech := audio.SynthesizeTone(sampleRate*2*cfg.speechMS/1000, sampleRate, 440, 0.5)
	silence := make([]byte, chunkBytes)
	pace := time.Duration(float64(cfg.chunkMS)*float64(time.Millisecond)/cfg.realtime + 0.5)

	for i := 0; i < cfg.turns; i++ {
		if err := sendTurnAudio(conn, speech, silence, chunkBytes, sampleRate, pace); err != nil {
			return fmt.Errorf("turn %d send audio: %w", i+1, err)
		}
		if err := conn.WriteJSON(protocol.Flush{Type: protocol.TypeFlush}); err != nil {
			return fmt.Errorf("turn %d flush: %w", i+1, err)
		}
		if err := awaitTurn(events, cfg, i+1); err != nil {
			return fmt.Errorf("turn %d: %w", i+1, err)
		}
	}

	_ = conn.WriteJSON(protocol.Stop{Type: protocol.TypeStop})

	if err := printPerfSnapshot(cfg); err != nil && cfg.verbose {
		fmt.Printf("voiceprobe: perf snapshot unavailable: %v\n", err)
	}
	return nil
}

func sendTurnAudio(conn *websocket.Conn, speech, silence []byte, chunkBytes, sampleRate int, pace time.Duration) error {
	writeChunk := func(pcm []byte) error {
		msg := protocol.AudioChunk{
			Type:        protocol.TypeAudioChunk,
			Encoding:    protocol.EncodingPCM,
			SampleRate:  sampleRate,
			AudioBase64: base64.StdEncoding.EncodeToString(pcm),
			IsStreaming: true,
		}
		if err := conn.WriteJSON(msg); err != nil {
			return err
		}
		time.Sleep(pace)
		return nil
	}

	for off := 0; off < len(speech); off += chunkBytes {
		end := off + chunkBytes
		if end > len(speech) {
			end = len(speech)
		}
		if err := writeChunk(speech[off:end]); err != nil {
			return err
		}
	}
	// A little trailing silence so the server's own endpointing can fire
	// before the flush arrives.
	for i := 0; i < 3; i++ {
		if err := writeChunk(silence); err != nil {
			return err
		}
	}
	return nil
}

func awaitTurn(events <-chan wsEvent, cfg options, turn int) error {
	deadline := time.After(cfg.turnTimeout)
	var finalAt, firstAudioAt time.Time
	for {
		select {
		case <-deadline:
			return fmt.Errorf("timed out waiting for response")
		case evt := <-events:
			if evt.err != nil {
				return fmt.Errorf("ws read: %w", evt.err)
			}
			now := time.Now()
			switch {
			case evt.binary:
				if firstAudioAt.IsZero() {
					firstAudioAt = now
				}
			case evt.env.Type == protocol.TypeFinalTranscript:
				finalAt = now
			case evt.env.Type == protocol.TypeError:
				if cfg.verbose {
					fmt.Printf("voiceprobe: turn %d server error event\n", turn)
				}
			case evt.env.Type == protocol.TypeResponse:
				if cfg.verbose {
					latency := "n/a"
					if !finalAt.IsZero() && !firstAudioAt.IsZero() {
						latency = firstAudioAt.Sub(finalAt).Round(time.Millisecond).String()
					}
					fmt.Printf("voiceprobe: turn %d done, final->first_audio=%s\n", turn, latency)
				}
				return nil
			}
		}
	}
}

func readLoop(conn *websocket.Conn, events chan<- wsEvent) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			events <- wsEvent{err: err}
			return
		}
		if msgType == websocket.BinaryMessage {
			events <- wsEvent{binary: true}
			continue
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		events <- wsEvent{env: env}
	}
}

func printPerfSnapshot(cfg options) error {
	client := &http.Client{Timeout: 10 * time.Second}
	res, err := client.Get(cfg.baseURL + "/v1/perf/latency")
	if err != nil {
		return err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return err
	}
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d", res.StatusCode)
	}
	fmt.Printf("voiceprobe: perf snapshot: %s\n", strings.TrimSpace(string(body)))
	return nil
}
