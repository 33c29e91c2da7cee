package delivery

import "time"

// Backoff is the realtime reconnect policy: Base doubled per attempt,
// capped at Cap, at most MaxRetries reconnects in a row.
type Backoff struct {
	Base       time.Duration
	Cap        time.Duration
	MaxRetries int
}

func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, Cap: 30 * time.Second, MaxRetries: 5}
}

func (b Backoff) withDefaults() Backoff {
	def := DefaultBackoff()
	if b.Base <= 0 {
		b.Base = def.Base
	}
	if b.Cap <= 0 {
		b.Cap = def.Cap
	}
	if b.Cap < b.Base {
		b.Cap = b.Base
	}
	if b.MaxRetries <= 0 {
		b.MaxRetries = def.MaxRetries
	}
	return b
}

// Delay returns the wait before reconnect number attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	b = b.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.Cap {
			return b.Cap
		}
	}
	return d
}
