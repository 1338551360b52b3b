package domain

import "time"

// Outcome is the result of a single destination send.
type Outcome int

const (
	// SendOK means every chunk was delivered.
	SendOK Outcome = iota
	// SendRateLimited means the platform asked us to back off; RetryAfter
	// carries the requested cooldown.
	SendRateLimited
	// SendFailed means a transport or status error other than a rate limit.
	// Like SendRateLimited, it is handed to the retry queue.
	SendFailed
)

func (o Outcome) String() string {
	switch o {
	case SendOK:
		return "sent"
	case SendRateLimited:
		return "rate_limited"
	case SendFailed:
		return "failed"
	}
	return "unknown"
}

// SendResult pairs an outcome with its rate-limit cooldown, if any.
type SendResult struct {
	Outcome    Outcome
	RetryAfter time.Duration
}

// OK reports whether the send fully succeeded.
func (r SendResult) OK() bool { return r.Outcome == SendOK }
