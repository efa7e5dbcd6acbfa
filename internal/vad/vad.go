package vad

import "time"

// State is the capture state of the voice-activity controller.
type State int

const (
	StateIdle State = iota
	StateCapturing
)

func (s State) String() string {
	switch s {
	case StateCapturing:
		return "capturing"
	default:
		return "idle"
	}
}

// Signal is the edge event produced by an observation.
type Signal int

const (
	SignalNone Signal = iota
	SignalStartSpeech
	SignalEndSpeech
)

// Config holds the level thresholds (0..255 RMS scale) and timing knobs.
type Config struct {
	SpeechThreshold  int
	SilenceThreshold int
	SilenceHold      time.Duration
	MaxUtterance     time.Duration
}

func DefaultConfig() Config {
	return Config{
		SpeechThreshold:  35,
		SilenceThreshold: 15,
		SilenceHold:      1200 * time.Millisecond,
		MaxUtterance:     180 * time.Second,
	}
}

// Controller turns a stream of RMS level observations into utterance
// boundaries. It is single-goroutine state owned by the session's audio task;
// callers pass their own clock so tests drive synthetic traces.
type Controller struct {
	cfg   Config
	state State

	utteranceStart time.Time
	silenceStart   time.Time

	blocked bool
	dropped int
}

func NewController(cfg Config) *Controller {
	if cfg.SpeechThreshold <= 0 {
		cfg.SpeechThreshold = 35
	}
	if cfg.SilenceThreshold <= 0 {
		cfg.SilenceThreshold = 15
	}
	if cfg.SilenceHold <= 0 {
		cfg.SilenceHold = 1200 * time.Millisecond
	}
	if cfg.MaxUtterance <= 0 {
		cfg.MaxUtterance = 180 * time.Second
	}
	return &Controller{cfg: cfg}
}

func (c *Controller) State() State { return c.state }

// SetBlocked suppresses capture while the agent is speaking. Observations
// made while blocked are counted, never acted on.
func (c *Controller) SetBlocked(blocked bool) {
	c.blocked = blocked
	if blocked {
		c.silenceStart = time.Time{}
	}
}

func (c *Controller) Blocked() bool { return c.blocked }

// Dropped returns how many observations were discarded while blocked.
func (c *Controller) Dropped() int { return c.dropped }

// Observe processes one level sample at the given instant.
func (c *Controller) Observe(level int, now time.Time) Signal {
	if c.blocked {
		c.dropped++
		return SignalNone
	}

	switch c.state {
	case StateIdle:
		if level >= c.cfg.SpeechThreshold {
			c.state = StateCapturing
			c.utteranceStart = now
			c.silenceStart = time.Time{}
			return SignalStartSpeech
		}
		return SignalNone

	case StateCapturing:
		if now.Sub(c.utteranceStart) >= c.cfg.MaxUtterance {
			c.finish()
			return SignalEndSpeech
		}
		if level < c.cfg.SilenceThreshold {
			if c.silenceStart.IsZero() {
				c.silenceStart = now
				return SignalNone
			}
			if now.Sub(c.silenceStart) >= c.cfg.SilenceHold {
				c.finish()
				return SignalEndSpeech
			}
			return SignalNone
		}
		if level >= c.cfg.SilenceThreshold {
			c.silenceStart = time.Time{}
		}
		return SignalNone
	}
	return SignalNone
}

// ForceEnd ends an in-flight utterance, as on an explicit flush.
func (c *Controller) ForceEnd() Signal {
	if c.state != StateCapturing {
		return SignalNone
	}
	c.finish()
	return SignalEndSpeech
}

// Reset returns the controller to idle without emitting a signal.
func (c *Controller) Reset() {
	c.state = StateIdle
	c.utteranceStart = time.Time{}
	c.silenceStart = time.Time{}
}

func (c *Controller) finish() {
	c.state = StateIdle
	c.utteranceStart = time.Time{}
	c.silenceStart = time.Time{}
}
