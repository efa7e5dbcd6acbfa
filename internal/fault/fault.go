package fault

import (
	"errors"
	"fmt"
)

// Kind classifies failures in the realtime pipeline. The kind decides whether
// the session survives the failure and which close code the client sees.
type Kind int

const (
	KindUnknown Kind = iota
	KindAuth
	KindProtocolViolation
	KindProviderUnavailable
	KindProviderTransient
	KindTTSProtocolError
	KindTTSTimeout
	KindBackpressure
	KindIdle
	KindInternalBug
)

// WebSocket close codes used by the gateway.
const (
	CloseNormal              = 1000
	CloseAuthFailure         = 1008
	CloseInternalError       = 1011
	CloseProtocolError       = 4000
	CloseProviderUnavailable = 4001
	CloseIdleTimeout         = 4002
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "Auth"
	case KindProtocolViolation:
		return "ProtocolViolation"
	case KindProviderUnavailable:
		return "ProviderUnavailable"
	case KindProviderTransient:
		return "ProviderTransient"
	case KindTTSProtocolError:
		return "TtsProtocolError"
	case KindTTSTimeout:
		return "TtsTimeout"
	case KindBackpressure:
		return "Backpressure"
	case KindIdle:
		return "Idle"
	case KindInternalBug:
		return "InternalBug"
	default:
		return "Unknown"
	}
}

// Fatal reports whether the kind ends the session outright.
func (k Kind) Fatal() bool {
	switch k {
	case KindAuth, KindProtocolViolation, KindInternalBug, KindIdle:
		return true
	default:
		return false
	}
}

// CloseCode maps the kind to the websocket close code sent to the client.
func (k Kind) CloseCode() int {
	switch k {
	case KindAuth:
		return CloseAuthFailure
	case KindProtocolViolation:
		return CloseProtocolError
	case KindProviderUnavailable:
		return CloseProviderUnavailable
	case KindIdle:
		return CloseIdleTimeout
	case KindInternalBug, KindBackpressure:
		return CloseInternalError
	default:
		return CloseInternalError
	}
}

// Fault is an error with a pipeline classification.
type Fault struct {
	Kind      Kind
	Source    string
	Retryable bool
	Err       error
}

func New(kind Kind, source string, err error) *Fault {
	return &Fault{
		Kind:      kind,
		Source:    source,
		Retryable: kind == KindProviderTransient,
		Err:       err,
	}
}

func Newf(kind Kind, source, format string, args ...any) *Fault {
	return New(kind, source, fmt.Errorf(format, args...))
}

func (f *Fault) Error() string {
	if f.Err == nil {
		return f.Kind.String()
	}
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// KindOf extracts the classification from err, defaulting to Unknown.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return KindUnknown
}
