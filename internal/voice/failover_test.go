package voice

import (
	"context"
	"errors"
	"testing"
)

type flakySTT struct {
	name  string
	fails int
	calls int
}

func (p *flakySTT) Name() string { return p.name }

func (p *flakySTT) StartSession(ctx context.Context, sessionID, language string, sampleRate int) (STTSession, <-chan STTEvent, error) {
	p.calls++
	if p.calls <= p.fails {
		return nil, nil, errors.New(p.name + " unavailable")
	}
	return NewMockProvider().StartSession(ctx, sessionID, language, sampleRate)
}

type flakyTTS struct {
	name   string
	format string
	fails  int
	calls  int
}

func (p *flakyTTS) Name() string         { return p.name }
func (p *flakyTTS) OutputFormat() string { return p.format }

func (p *flakyTTS) StartStream(ctx context.Context, language string) (TTSStream, error) {
	p.calls++
	if p.calls <= p.fails {
		return nil, errors.New(p.name + " unavailable")
	}
	return NewMockProvider().StartStream(ctx, language)
}

func TestFailoverSwitchesAndSticks(t *testing.T) {
	primarySTT := &flakySTT{name: "sarvam", fails: 1}
	fallbackSTT := &flakySTT{name: "deepgram"}
	primaryTTS := &flakyTTS{name: "sarvam", format: OutputFormatFramedWAV, fails: 1}
	fallbackTTS := &flakyTTS{name: "deepgram", format: OutputFormatMP3}

	stt, tts := NewFailoverProviderPair(primarySTT, primaryTTS, fallbackSTT, fallbackTTS)

	// Primary STT fails once; the pair switches to fallback.
	sess, _, err := stt.StartSession(context.Background(), "s1", "en-IN", 16000)
	if err != nil {
		t.Fatalf("StartSession error = %v", err)
	}
	sess.Close()
	if fallbackSTT.calls != 1 {
		t.Fatalf("fallback stt calls = %d, want 1", fallbackSTT.calls)
	}

	// TTS now goes straight to fallback without touching primary, and the
	// output format follows.
	if got := tts.OutputFormat(); got != OutputFormatMP3 {
		t.Fatalf("OutputFormat = %q, want mp3 while fallback active", got)
	}
	stream, err := tts.StartStream(context.Background(), "en-IN")
	if err != nil {
		t.Fatalf("StartStream error = %v", err)
	}
	stream.Close()
	if primaryTTS.calls != 0 {
		t.Fatalf("primary tts called %d times while fallback active", primaryTTS.calls)
	}

	// Next STT start succeeds on fallback and stays there.
	sess, _, err = stt.StartSession(context.Background(), "s1", "en-IN", 16000)
	if err != nil {
		t.Fatalf("StartSession error = %v", err)
	}
	sess.Close()
	if primarySTT.calls != 1 {
		t.Fatalf("primary stt calls = %d, want 1 (no retry while fallback healthy)", primarySTT.calls)
	}
}

func TestFailoverRecoversToPrimary(t *testing.T) {
	primarySTT := &flakySTT{name: "sarvam", fails: 1}
	fallbackSTT := &flakySTT{name: "deepgram", fails: 2}
	primaryTTS := &flakyTTS{name: "sarvam", format: OutputFormatFramedWAV}
	fallbackTTS := &flakyTTS{name: "deepgram", format: OutputFormatMP3}

	stt, _ := NewFailoverProviderPair(primarySTT, primaryTTS, fallbackSTT, fallbackTTS)

	// First call: primary fails, fallback fails too.
	if _, _, err := stt.StartSession(context.Background(), "s1", "en-IN", 16000); err == nil {
		t.Fatalf("error = nil, want both-sides failure")
	}

	// Second call: primary succeeds again and fallback stays inactive.
	sess, _, err := stt.StartSession(context.Background(), "s1", "en-IN", 16000)
	if err != nil {
		t.Fatalf("StartSession error = %v", err)
	}
	sess.Close()
	if got := stt.Name(); got != "sarvam" {
		t.Fatalf("active provider = %q, want sarvam", got)
	}
}
