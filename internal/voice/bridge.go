package voice

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vaanihealth/vaani/internal/audio"
	"github.com/vaanihealth/vaani/internal/fault"
	"github.com/vaanihealth/vaani/internal/framing"
)

// Bridge turns TTS provider events into client-ready binary frames. PCM
// output is wrapped into a WAV container per chunk and length-prefix framed;
// MP3 output is coalesced into larger chunks and passed through. A bridge is
// per-session state: Speak holds a lock so at most one utterance is being
// synthesized at a time.
type Bridge struct {
	provider      TTSProvider
	coalesceBytes int
	coalesceDelay time.Duration
	streamTimeout time.Duration

	mu sync.Mutex
}

func NewBridge(provider TTSProvider, coalesceBytes int, coalesceDelay, streamTimeout time.Duration) *Bridge {
	if coalesceBytes <= 0 {
		coalesceBytes = 16 << 10
	}
	if coalesceDelay <= 0 {
		coalesceDelay = 30 * time.Millisecond
	}
	if streamTimeout <= 0 {
		streamTimeout = 20 * time.Second
	}
	return &Bridge{
		provider:      provider,
		coalesceBytes: coalesceBytes,
		coalesceDelay: coalesceDelay,
		streamTimeout: streamTimeout,
	}
}

func (b *Bridge) Provider() TTSProvider { return b.provider }

// WithProvider returns a bridge with the same pacing settings bound to a
// different synthesis backend. Used to honor per-session provider selection.
func (b *Bridge) WithProvider(p TTSProvider) *Bridge {
	if p == b.provider {
		return b
	}
	return NewBridge(p, b.coalesceBytes, b.coalesceDelay, b.streamTimeout)
}

// SpeakResult summarizes one synthesized utterance.
type SpeakResult struct {
	Frames       int
	Bytes        int
	FirstAudioAt time.Time
	Truncated    bool
}

// Speak feeds text segments to a fresh provider stream and emits binary
// frames through sink, in order. The stream deadline resets on every provider
// event; a stall past the deadline truncates the utterance.
func (b *Bridge) Speak(ctx context.Context, language string, segments <-chan string, sink func(frame []byte) error) (SpeakResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	stream, err := b.provider.StartStream(ctx, language)
	if err != nil {
		return SpeakResult{}, fault.New(fault.KindProviderUnavailable, "tts", err)
	}
	defer stream.Close()

	return b.speakOnStream(ctx, stream, b.provider.OutputFormat(), segments, sink)
}

func (b *Bridge) speakOnStream(ctx context.Context, stream TTSStream, format string, segments <-chan string, sink func(frame []byte) error) (SpeakResult, error) {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case segment, ok := <-segments:
				if !ok {
					return stream.CloseInput(gctx)
				}
				clean := sanitizeSpeechText(segment)
				if clean == "" {
					continue
				}
				if err := stream.SendText(gctx, clean); err != nil {
					return fault.New(fault.KindTTSProtocolError, "tts", err)
				}
			}
		}
	})

	var result SpeakResult
	g.Go(func() error {
		var pending []byte
		var pendingSince time.Time

		flushPending := func() error {
			if len(pending) == 0 {
				return nil
			}
			chunk := pending
			pending = nil
			pendingSince = time.Time{}
			result.Frames++
			result.Bytes += len(chunk)
			if result.FirstAudioAt.IsZero() {
				result.FirstAudioAt = time.Now()
			}
			return sink(chunk)
		}

		emitFramedWAV := func(pcm []byte, sampleRate int) error {
			wav, err := audio.EncodeWAVPCM16LE(pcm, sampleRate)
			if err != nil {
				return fault.New(fault.KindTTSProtocolError, "tts", err)
			}
			frame := framing.AppendFrame(nil, wav)
			result.Frames++
			result.Bytes += len(frame)
			if result.FirstAudioAt.IsZero() {
				result.FirstAudioAt = time.Now()
			}
			return sink(frame)
		}

		deadline := time.NewTimer(b.streamTimeout)
		defer deadline.Stop()

		flushTick := time.NewTicker(b.coalesceDelay)
		defer flushTick.Stop()

		for {
			select {
			case <-gctx.Done():
				return gctx.Err()

			case <-deadline.C:
				result.Truncated = true
				return fault.Newf(fault.KindTTSTimeout, "tts", "no provider event within %s", b.streamTimeout)

			case <-flushTick.C:
				if !pendingSince.IsZero() && time.Since(pendingSince) >= b.coalesceDelay {
					if err := flushPending(); err != nil {
						return err
					}
				}

			case evt, ok := <-stream.Events():
				if !ok {
					// Stream closed without a final event: deliver what we
					// have and report the truncation.
					if err := flushPending(); err != nil {
						return err
					}
					result.Truncated = true
					return fault.Newf(fault.KindTTSProtocolError, "tts", "stream closed before final event")
				}
				if !deadline.Stop() {
					select {
					case <-deadline.C:
					default:
					}
				}
				deadline.Reset(b.streamTimeout)

				switch evt.Type {
				case TTSEventAudio:
					if len(evt.Audio) == 0 {
						continue
					}
					if format == OutputFormatFramedWAV {
						if err := emitFramedWAV(evt.Audio, evt.SampleRate); err != nil {
							return err
						}
						continue
					}
					if len(pending) == 0 {
						pendingSince = time.Now()
					}
					pending = append(pending, evt.Audio...)
					if len(pending) >= b.coalesceBytes {
						if err := flushPending(); err != nil {
							return err
						}
					}

				case TTSEventFinal:
					return flushPending()

				case TTSEventError:
					_ = flushPending()
					kind := fault.KindTTSProtocolError
					if evt.Retryable {
						kind = fault.KindProviderTransient
					}
					result.Truncated = true
					return fault.Newf(kind, "tts", "%s: %s", evt.Code, evt.Detail)
				}
			}
		}
	})

	if err := g.Wait(); err != nil {
		return result, err
	}
	return result, nil
}
