package app

import (
	"context"
	"fmt"

	"github.com/vaanihealth/vaani/internal/config"
	"github.com/vaanihealth/vaani/internal/httpapi"
	"github.com/vaanihealth/vaani/internal/llm"
	"github.com/vaanihealth/vaani/internal/observability"
	"github.com/vaanihealth/vaani/internal/session"
	"github.com/vaanihealth/vaani/internal/store"
	"github.com/vaanihealth/vaani/internal/voice"
)

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Sessions     *session.Manager
	Orchestrator *voice.Orchestrator
	Metrics      *observability.Metrics

	// VoiceDetail names the resolved speech backend for startup logs.
	VoiceDetail string

	// Cleanup releases external resources (DB pool etc) on shutdown.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	st, err := store.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("store init failed: %w", err)
	}

	adapter, err := llm.NewAdapter(llm.Config{
		Mode:    cfg.BrainMode,
		HTTPURL: cfg.BrainHTTPURL,
	})
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("brain adapter init failed: %w", err)
	}

	voiceSetup := resolveVoiceProviders(cfg)
	cfg.DefaultProvider = voiceSetup.resolvedProvider

	sessions := session.NewManager(cfg.SessionIdleTimeout)
	sessions.SetExpireHook(func(_ *session.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
	})

	_, defaultTTS := voiceSetup.registry.Lookup(voiceSetup.resolvedProvider)
	bridge := voice.NewBridge(
		defaultTTS,
		cfg.TTSCoalesceBytes,
		cfg.TTSCoalesceDelay,
		cfg.TTSStreamTimeout,
	)
	orchestrator := voice.NewOrchestrator(
		sessions,
		adapter,
		st,
		voiceSetup.registry,
		bridge,
		metrics,
		cfg,
	)

	api := httpapi.New(cfg, sessions, orchestrator, voiceSetup.registry, bridge, st, metrics)

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Sessions:     sessions,
		Orchestrator: orchestrator,
		Metrics:      metrics,
		VoiceDetail:  voiceSetup.detail,
		Cleanup:      st.Close,
	}, nil
}
