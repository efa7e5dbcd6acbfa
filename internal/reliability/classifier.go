package reliability

import "time"

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRetryableRealtimeMessageType classifies retryable upstream realtime errors.
func IsRetryableRealtimeMessageType(messageType string) bool {
	switch messageType {
	case "rate_limited", "resource_exhausted", "queue_overflow", "error":
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}

// RetryBudget tracks transient-failure recovery attempts within one utterance.
// Once the budget is spent, a transient error is promoted to unavailable.
type RetryBudget struct {
	max     int
	backoff time.Duration
	used    int
}

func NewRetryBudget(max int, backoff time.Duration) *RetryBudget {
	if max < 0 {
		max = 0
	}
	if backoff <= 0 {
		backoff = time.Second
	}
	return &RetryBudget{max: max, backoff: backoff}
}

// Next reports whether another retry is allowed and, if so, the wait before it.
func (b *RetryBudget) Next() (time.Duration, bool) {
	if b.used >= b.max {
		return 0, false
	}
	b.used++
	return b.backoff, true
}

// Reset restores the full budget at the start of a new utterance.
func (b *RetryBudget) Reset() { b.used = 0 }

// Used returns how many retries have been consumed.
func (b *RetryBudget) Used() int { return b.used }
