package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType identifies websocket payload variants.
type MessageType string

// Client -> server.
const (
	TypeInit       MessageType = "init"
	TypeAudioChunk MessageType = "audio_chunk"
	TypeFinalAudio MessageType = "final_audio"
	TypeFlush      MessageType = "flush"
	TypeText       MessageType = "text"
	TypePing       MessageType = "ping"
	TypeStop       MessageType = "stop"
)

// Server -> client.
const (
	TypeConnectionEstablished MessageType = "connection_established"
	TypeVADSignal             MessageType = "vad_signal"
	TypeStreamingTranscript   MessageType = "streaming_transcript"
	TypeFinalTranscript       MessageType = "final_transcript"
	TypeAIResponseChunk       MessageType = "ai_response_chunk"
	TypeResponse              MessageType = "response"
	TypeProcessingState       MessageType = "processing_state"
	TypeError                 MessageType = "error"
	TypePong                  MessageType = "pong"
)

// Audio uplink encodings.
const (
	EncodingPCM  = "pcm"
	EncodingWebM = "webm"
)

// VAD signal names.
const (
	SignalStartSpeech = "START_SPEECH"
	SignalEndSpeech   = "END_SPEECH"
)

var ErrUnsupportedType = errors.New("unsupported message type")

// BinaryFrame is downlink TTS audio, written to the socket as a binary
// message instead of JSON.
type BinaryFrame []byte

type Envelope struct {
	Type MessageType `json:"type"`
}

type Init struct {
	Type           MessageType `json:"type"`
	SessionID      string      `json:"session_id"`
	Language       string      `json:"language"`
	Provider       string      `json:"provider"`
	ConsultationID *int64      `json:"consultation_id,omitempty"`
}

type AudioChunk struct {
	Type        MessageType `json:"type"`
	Encoding    string      `json:"encoding"`
	SampleRate  int         `json:"sample_rate"`
	AudioBase64 string      `json:"audio"`
	FirstChunk  bool        `json:"first_chunk,omitempty"`
	IsStreaming bool        `json:"is_streaming"`
	Language    string      `json:"language"`
	Provider    string      `json:"provider"`
}

// FinalAudio carries a full-utterance blob as an alternative to streaming.
type FinalAudio struct {
	Type        MessageType `json:"type"`
	AudioBase64 string      `json:"audio"`
	Language    string      `json:"language"`
	Provider    string      `json:"provider"`
	IsStreaming bool        `json:"is_streaming"`
}

type Flush struct {
	Type MessageType `json:"type"`
}

// Text is a text-only turn, bypassing STT.
type Text struct {
	Type   MessageType `json:"type"`
	Text   string      `json:"text"`
	UseRAG bool        `json:"use_rag,omitempty"`
}

type Ping struct {
	Type MessageType `json:"type"`
}

type Stop struct {
	Type MessageType `json:"type"`
}

type ConnectionEstablished struct {
	Type           MessageType `json:"type"`
	DBSessionID    int64       `json:"db_session_id"`
	ConsultationID *int64      `json:"consultation_id,omitempty"`
	Message        string      `json:"message"`
}

type VADSignal struct {
	Type       MessageType `json:"type"`
	SignalType string      `json:"signal_type"`
}

type StreamingTranscript struct {
	Type       MessageType `json:"type"`
	Transcript string      `json:"transcript"`
}

type FinalTranscript struct {
	Type       MessageType `json:"type"`
	Transcript string      `json:"transcript"`
}

type AIResponseChunk struct {
	Type    MessageType `json:"type"`
	Text    string      `json:"text"`
	IsFinal bool        `json:"is_final"`
}

// Response carries the aggregate reply text once streaming completes.
type Response struct {
	Type          MessageType `json:"type"`
	FinalResponse string      `json:"final_response"`
}

type ProcessingState struct {
	Type         MessageType `json:"type"`
	IsProcessing bool        `json:"is_processing"`
}

type ErrorEvent struct {
	Type    MessageType `json:"type"`
	Code    string      `json:"code"`
	Message string      `json:"message"`
}

type Pong struct {
	Type MessageType `json:"type"`
}

// ParseClientMessage decodes and validates one client control message.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeInit:
		var msg Init
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, errors.New("init requires session_id")
		}
		return msg, nil
	case TypeAudioChunk:
		var msg AudioChunk
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.AudioBase64 == "" {
			return nil, errors.New("audio_chunk requires audio")
		}
		switch msg.Encoding {
		case EncodingPCM:
			if msg.SampleRate <= 0 {
				return nil, errors.New("pcm audio_chunk requires sample_rate")
			}
		case EncodingWebM:
			// Container chunks carry their own format; first_chunk marks the
			// one holding the container header.
		default:
			return nil, fmt.Errorf("unknown audio encoding %q", msg.Encoding)
		}
		return msg, nil
	case TypeFinalAudio:
		var msg FinalAudio
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.AudioBase64 == "" {
			return nil, errors.New("final_audio requires audio")
		}
		return msg, nil
	case TypeFlush:
		return Flush{Type: TypeFlush}, nil
	case TypeText:
		var msg Text
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Text == "" {
			return nil, errors.New("text turn requires text")
		}
		return msg, nil
	case TypePing:
		return Ping{Type: TypePing}, nil
	case TypeStop:
		return Stop{Type: TypeStop}, nil
	default:
		return nil, ErrUnsupportedType
	}
}
