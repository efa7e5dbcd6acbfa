package voice

import "context"

type STTEventType string

const (
	STTEventPartial STTEventType = "partial"
	STTEventFinal   STTEventType = "final"
	STTEventError   STTEventType = "error"
)

type STTEvent struct {
	Type      STTEventType
	Text      string
	Code      string
	Detail    string
	Retryable bool
	Timestamp int64
}

// STTSession is one realtime transcription stream. Audio goes up, partial and
// final transcripts come back on the event channel.
type STTSession interface {
	SendAudio(ctx context.Context, audio []byte) error
	// Commit tells the provider the utterance is over; remaining buffered
	// audio should produce a final transcript.
	Commit(ctx context.Context) error
	Close() error
}

type STTProvider interface {
	Name() string
	StartSession(ctx context.Context, sessionID, language string, sampleRate int) (STTSession, <-chan STTEvent, error)
}

type TTSEventType string

const (
	TTSEventAudio TTSEventType = "audio"
	TTSEventFinal TTSEventType = "final"
	TTSEventError TTSEventType = "error"
)

// Downlink wire formats. PCM output gets wrapped into WAV containers and
// length-prefixed frames; MP3 goes to the client as-is.
const (
	OutputFormatFramedWAV = "framed_wav"
	OutputFormatMP3       = "mp3"
)

type TTSEvent struct {
	Type       TTSEventType
	Audio      []byte
	SampleRate int
	Code       string
	Detail     string
	Retryable  bool
}

// TTSStream is one synthesis stream. Text segments go in as they become
// available; audio chunks come back on Events. After CloseInput the stream
// drains and emits a final event.
type TTSStream interface {
	SendText(ctx context.Context, text string) error
	CloseInput(ctx context.Context) error
	Events() <-chan TTSEvent
	Close() error
}

type TTSProvider interface {
	Name() string
	OutputFormat() string
	StartStream(ctx context.Context, language string) (TTSStream, error)
}
