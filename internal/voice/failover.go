package voice

import (
	"context"
	"fmt"
	"sync/atomic"
)

// NewFailoverProviderPair builds STT/TTS providers that prefer the primary
// backend and automatically switch to fallback when primary stream/session
// startup fails. Once fallback succeeds, it stays active until fallback fails;
// then primary is retried. Both directions share the state so STT and TTS
// stay on the same backend.
func NewFailoverProviderPair(
	primarySTT STTProvider,
	primaryTTS TTSProvider,
	fallbackSTT STTProvider,
	fallbackTTS TTSProvider,
) (STTProvider, TTSProvider) {
	state := &failoverState{}
	return &failoverSTTProvider{
			state:    state,
			primary:  primarySTT,
			fallback: fallbackSTT,
		}, &failoverTTSProvider{
			state:    state,
			primary:  primaryTTS,
			fallback: fallbackTTS,
		}
}

type failoverState struct {
	fallbackActive atomic.Bool
}

func (s *failoverState) activateFallback() {
	s.fallbackActive.Store(true)
}

func (s *failoverState) deactivateFallback() {
	s.fallbackActive.Store(false)
}

func (s *failoverState) isFallbackActive() bool {
	return s.fallbackActive.Load()
}

type failoverSTTProvider struct {
	state    *failoverState
	primary  STTProvider
	fallback STTProvider
}

func (p *failoverSTTProvider) Name() string {
	if p.state.isFallbackActive() {
		return p.fallback.Name()
	}
	return p.primary.Name()
}

func (p *failoverSTTProvider) StartSession(ctx context.Context, sessionID, language string, sampleRate int) (STTSession, <-chan STTEvent, error) {
	if p.state.isFallbackActive() {
		session, events, fbErr := p.fallback.StartSession(ctx, sessionID, language, sampleRate)
		if fbErr == nil {
			return session, events, nil
		}
		// Fallback failed after being active; try primary again.
		session, events, prErr := p.primary.StartSession(ctx, sessionID, language, sampleRate)
		if prErr == nil {
			p.state.deactivateFallback()
			return session, events, nil
		}
		return nil, nil, fmt.Errorf("stt fallback failed: %v; stt primary failed: %w", fbErr, prErr)
	}

	session, events, prErr := p.primary.StartSession(ctx, sessionID, language, sampleRate)
	if prErr == nil {
		return session, events, nil
	}

	session, events, fbErr := p.fallback.StartSession(ctx, sessionID, language, sampleRate)
	if fbErr != nil {
		return nil, nil, fmt.Errorf("stt primary failed: %v; stt fallback failed: %w", prErr, fbErr)
	}
	p.state.activateFallback()
	return session, events, nil
}

type failoverTTSProvider struct {
	state    *failoverState
	primary  TTSProvider
	fallback TTSProvider
}

func (p *failoverTTSProvider) Name() string {
	if p.state.isFallbackActive() {
		return p.fallback.Name()
	}
	return p.primary.Name()
}

// OutputFormat follows the active backend; the downlink packaging switches
// with it.
func (p *failoverTTSProvider) OutputFormat() string {
	if p.state.isFallbackActive() {
		return p.fallback.OutputFormat()
	}
	return p.primary.OutputFormat()
}

func (p *failoverTTSProvider) StartStream(ctx context.Context, language string) (TTSStream, error) {
	if p.state.isFallbackActive() {
		stream, fbErr := p.fallback.StartStream(ctx, language)
		if fbErr == nil {
			return stream, nil
		}
		// Fallback failed after being active; try primary again.
		stream, prErr := p.primary.StartStream(ctx, language)
		if prErr == nil {
			p.state.deactivateFallback()
			return stream, nil
		}
		return nil, fmt.Errorf("tts fallback failed: %v; tts primary failed: %w", fbErr, prErr)
	}

	stream, prErr := p.primary.StartStream(ctx, language)
	if prErr == nil {
		return stream, nil
	}
	stream, fbErr := p.fallback.StartStream(ctx, language)
	if fbErr != nil {
		return nil, fmt.Errorf("tts primary failed: %v; tts fallback failed: %w", prErr, fbErr)
	}
	p.state.activateFallback()
	return stream, nil
}
