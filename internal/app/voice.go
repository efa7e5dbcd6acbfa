package app

import (
	"strings"

	"github.com/vaanihealth/vaani/internal/config"
	"github.com/vaanihealth/vaani/internal/voice"
)

type voiceSetup struct {
	registry         *voice.ProviderRegistry
	resolvedProvider string
	detail           string
}

// resolveVoiceProviders builds the registry of speech backends from
// configuration. Every backend with credentials is registered under its own
// id so sessions can pick either; the configured default handles sessions
// that do not ask. When both backends are credentialed each registry entry is
// a failover pair preferring its own backend, so a per-session choice still
// survives an outage. With no credentials at all the mock provider keeps the
// pipeline usable for local development.
func resolveVoiceProviders(cfg config.Config) voiceSetup {
	hasSarvam := strings.TrimSpace(cfg.SarvamAPIKey) != ""
	hasDeepgram := strings.TrimSpace(cfg.DeepgramAPIKey) != ""

	if !hasSarvam && !hasDeepgram {
		p := voice.NewMockProvider()
		registry := voice.NewProviderRegistry("mock")
		registry.Register("mock", p, p)
		return voiceSetup{
			registry:         registry,
			resolvedProvider: "mock",
			detail:           "mock (no provider credentials)",
		}
	}

	var sarvam *voice.SarvamProvider
	if hasSarvam {
		sarvam = voice.NewSarvamProvider(voice.SarvamConfig{
			APIKey:    cfg.SarvamAPIKey,
			WSBaseURL: cfg.SarvamWSBaseURL,
			STTModel:  cfg.SarvamSTTModel,
			TTSVoice:  cfg.SarvamTTSVoice,
		})
	}
	var deepgram *voice.DeepgramProvider
	if hasDeepgram {
		deepgram = voice.NewDeepgramProvider(voice.DeepgramConfig{
			APIKey:    cfg.DeepgramAPIKey,
			WSBaseURL: cfg.DeepgramWSBaseURL,
			STTModel:  cfg.DeepgramSTTModel,
			TTSVoice:  cfg.DeepgramTTSVoice,
		})
	}

	if hasSarvam && hasDeepgram {
		registry := voice.NewProviderRegistry(cfg.DefaultProvider)
		sttS, ttsS := voice.NewFailoverProviderPair(sarvam, sarvam, deepgram, deepgram)
		registry.Register("sarvam", sttS, ttsS)
		sttD, ttsD := voice.NewFailoverProviderPair(deepgram, deepgram, sarvam, sarvam)
		registry.Register("deepgram", sttD, ttsD)
		detail := "sarvam realtime (automatic deepgram fallback)"
		if cfg.DefaultProvider == "deepgram" {
			detail = "deepgram realtime (automatic sarvam fallback)"
		}
		return voiceSetup{
			registry:         registry,
			resolvedProvider: cfg.DefaultProvider,
			detail:           detail,
		}
	}

	if hasSarvam {
		registry := voice.NewProviderRegistry("sarvam")
		registry.Register("sarvam", sarvam, sarvam)
		return voiceSetup{
			registry:         registry,
			resolvedProvider: "sarvam",
			detail:           "sarvam realtime",
		}
	}
	registry := voice.NewProviderRegistry("deepgram")
	registry.Register("deepgram", deepgram, deepgram)
	return voiceSetup{
		registry:         registry,
		resolvedProvider: "deepgram",
		detail:           "deepgram realtime",
	}
}
