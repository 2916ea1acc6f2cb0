package channel

import "time"

// Backoff is the reconnect schedule shared by both transports: the wait after
// the n-th consecutive failure is Base × 2^(n-1), capped at Max.
type Backoff struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
}

// DefaultBackoff returns the stock reconnect schedule.
func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, Max: time.Minute, MaxAttempts: 5}
}

func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.Base <= 0 {
		b.Base = d.Base
	}
	if b.Max <= 0 {
		b.Max = d.Max
	}
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = d.MaxAttempts
	}
	return b
}

// Delay returns the wait after failure number failures (1 based).
func (b Backoff) Delay(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	d := b.Base
	for i := 1; i < failures; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// Exhausted reports whether failures has used up every attempt.
func (b Backoff) Exhausted(failures int) bool {
	return failures >= b.MaxAttempts
}
