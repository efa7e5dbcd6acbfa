package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the voice consultation gateway.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool
	AccessTokens   []string

	// Session lifecycle.
	SessionIdleTimeout time.Duration
	HeartbeatInterval  time.Duration
	EgressQueueDepth   int

	// VAD and turn taking.
	SpeechThreshold  int
	SilenceThreshold int
	SilenceHold      time.Duration
	MaxUtterance     time.Duration
	ResumeGrace      time.Duration

	// Transcript assembly.
	PartialPrefixRatio float64
	FinalDedupeWindow  time.Duration

	// TTS downlink.
	TTSMaxFramePayload int
	TTSCoalesceBytes   int
	TTSCoalesceDelay   time.Duration
	TTSStreamTimeout   time.Duration

	// Providers.
	DefaultProvider  string
	DefaultLanguage  string
	SendFinalAudioA  bool
	STTIdleTimeout   time.Duration
	ProviderRetryMax int

	SarvamAPIKey    string
	SarvamWSBaseURL string
	SarvamSTTModel  string
	SarvamTTSVoice  string

	DeepgramAPIKey    string
	DeepgramWSBaseURL string
	DeepgramSTTModel  string
	DeepgramTTSVoice  string

	// Brain (LLM) adapter.
	BrainMode           string
	BrainHTTPURL        string
	BrainStreamMinChars int

	DatabaseURL string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:           envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:   envOrDefault("APP_METRICS_NAMESPACE", "vaani"),
		AllowAnyOrigin:     false,
		ShutdownTimeout:    15 * time.Second,
		SessionIdleTimeout: 120 * time.Second,
		HeartbeatInterval:  30 * time.Second,
		EgressQueueDepth:   64,

		SpeechThreshold:  35,
		SilenceThreshold: 15,
		SilenceHold:      1200 * time.Millisecond,
		MaxUtterance:     180 * time.Second,
		ResumeGrace:      300 * time.Millisecond,

		PartialPrefixRatio: 0.6,
		FinalDedupeWindow:  3 * time.Second,

		TTSMaxFramePayload: 2 << 20,
		TTSCoalesceBytes:   16 << 10,
		TTSCoalesceDelay:   30 * time.Millisecond,
		TTSStreamTimeout:   20 * time.Second,

		DefaultProvider: envOrDefault("VOICE_DEFAULT_PROVIDER", "deepgram"),
		DefaultLanguage: envOrDefault("VOICE_DEFAULT_LANGUAGE", "en"),
		// Provider A ignores the trailing finalize blob by default; its
		// realtime endpoint commits on its own silence detection.
		SendFinalAudioA:  false,
		STTIdleTimeout:   20 * time.Second,
		ProviderRetryMax: 2,

		SarvamAPIKey:    stringsTrimSpace("SARVAM_API_KEY"),
		SarvamWSBaseURL: envOrDefault("SARVAM_WS_BASE_URL", "wss://api.sarvam.ai"),
		SarvamSTTModel:  envOrDefault("SARVAM_STT_MODEL", "saarika:v2"),
		SarvamTTSVoice:  envOrDefault("SARVAM_TTS_VOICE", "meera"),

		DeepgramAPIKey:    stringsTrimSpace("DEEPGRAM_API_KEY"),
		DeepgramWSBaseURL: envOrDefault("DEEPGRAM_WS_BASE_URL", "wss://api.deepgram.com"),
		DeepgramSTTModel:  envOrDefault("DEEPGRAM_STT_MODEL", "nova-2"),
		DeepgramTTSVoice:  envOrDefault("DEEPGRAM_TTS_VOICE", "aura-asteria-en"),

		BrainMode:           envOrDefault("BRAIN_MODE", "auto"),
		BrainHTTPURL:        stringsTrimSpace("BRAIN_HTTP_URL"),
		BrainStreamMinChars: 8,

		DatabaseURL: stringsTrimSpace("DATABASE_URL"),
	}

	cfg.AccessTokens = splitTokens(os.Getenv("APP_ACCESS_TOKENS"))

	var err error
	if cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SessionIdleTimeout, err = durationFromEnv("APP_SESSION_IDLE_TIMEOUT", cfg.SessionIdleTimeout); err != nil {
		return Config{}, err
	}
	if cfg.EgressQueueDepth, err = intFromEnv("APP_EGRESS_QUEUE_DEPTH", cfg.EgressQueueDepth); err != nil {
		return Config{}, err
	}
	if cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin); err != nil {
		return Config{}, err
	}
	if cfg.SpeechThreshold, err = intFromEnv("VAD_SPEECH_THRESHOLD", cfg.SpeechThreshold); err != nil {
		return Config{}, err
	}
	if cfg.SilenceThreshold, err = intFromEnv("VAD_SILENCE_THRESHOLD", cfg.SilenceThreshold); err != nil {
		return Config{}, err
	}
	if cfg.SilenceHold, err = durationFromEnv("VAD_SILENCE_HOLD", cfg.SilenceHold); err != nil {
		return Config{}, err
	}
	if cfg.MaxUtterance, err = durationFromEnv("VAD_MAX_UTTERANCE", cfg.MaxUtterance); err != nil {
		return Config{}, err
	}
	if cfg.ResumeGrace, err = durationFromEnv("VOICE_RESUME_GRACE", cfg.ResumeGrace); err != nil {
		return Config{}, err
	}
	if cfg.PartialPrefixRatio, err = floatFromEnv("TRANSCRIPT_PREFIX_RATIO", cfg.PartialPrefixRatio); err != nil {
		return Config{}, err
	}
	if cfg.FinalDedupeWindow, err = durationFromEnv("TRANSCRIPT_FINAL_DEDUPE_WINDOW", cfg.FinalDedupeWindow); err != nil {
		return Config{}, err
	}
	if cfg.TTSMaxFramePayload, err = intFromEnv("TTS_MAX_FRAME_PAYLOAD", cfg.TTSMaxFramePayload); err != nil {
		return Config{}, err
	}
	if cfg.TTSCoalesceBytes, err = intFromEnv("TTS_COALESCE_BYTES", cfg.TTSCoalesceBytes); err != nil {
		return Config{}, err
	}
	if cfg.TTSCoalesceDelay, err = durationFromEnv("TTS_COALESCE_DELAY", cfg.TTSCoalesceDelay); err != nil {
		return Config{}, err
	}
	if cfg.TTSStreamTimeout, err = durationFromEnv("TTS_STREAM_TIMEOUT", cfg.TTSStreamTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SendFinalAudioA, err = boolFromEnv("VOICE_SEND_FINAL_AUDIO_A", cfg.SendFinalAudioA); err != nil {
		return Config{}, err
	}
	if cfg.STTIdleTimeout, err = durationFromEnv("STT_IDLE_TIMEOUT", cfg.STTIdleTimeout); err != nil {
		return Config{}, err
	}
	if cfg.ProviderRetryMax, err = intFromEnv("PROVIDER_RETRY_MAX", cfg.ProviderRetryMax); err != nil {
		return Config{}, err
	}
	if cfg.BrainStreamMinChars, err = intFromEnv("BRAIN_STREAM_MIN_CHARS", cfg.BrainStreamMinChars); err != nil {
		return Config{}, err
	}

	if cfg.SessionIdleTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_IDLE_TIMEOUT must be at least 5s")
	}
	if cfg.EgressQueueDepth < 64 {
		return Config{}, fmt.Errorf("APP_EGRESS_QUEUE_DEPTH must be at least 64")
	}
	if cfg.SpeechThreshold <= cfg.SilenceThreshold {
		return Config{}, fmt.Errorf("VAD_SPEECH_THRESHOLD must exceed VAD_SILENCE_THRESHOLD")
	}
	if cfg.PartialPrefixRatio <= 0 || cfg.PartialPrefixRatio > 1 {
		return Config{}, fmt.Errorf("TRANSCRIPT_PREFIX_RATIO must be in (0, 1]")
	}
	if cfg.TTSMaxFramePayload <= 0 {
		return Config{}, fmt.Errorf("TTS_MAX_FRAME_PAYLOAD must be positive")
	}
	switch cfg.DefaultProvider {
	case "sarvam", "deepgram":
	default:
		return Config{}, fmt.Errorf("VOICE_DEFAULT_PROVIDER must be sarvam or deepgram")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func splitTokens(raw string) []string {
	var out []string
	for _, t := range strings.Split(raw, ",") {
		t = strings.TrimSpace(t)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
