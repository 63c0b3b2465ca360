package ws

import "time"

// Backoff doubles the reconnect delay from Base up to Max.
type Backoff struct {
	Base    time.Duration
	Max     time.Duration
	attempt int
}

func NewBackoff(base, max time.Duration) *Backoff {
	return &Backoff{Base: base, Max: max}
}

// Next returns the delay for the current attempt and advances.
func (b *Backoff) Next() time.Duration {
	d := b.Max
	if b.attempt < 32 {
		// shifted value overflows past ~32 doublings of a 1s base
		if s := b.Base << b.attempt; s > 0 && s < b.Max {
			d = s
		}
	}
	b.attempt++
	return d
}

// Attempts reports how many delays have been handed out since the last Reset.
func (b *Backoff) Attempts() int {
	return b.attempt
}

func (b *Backoff) Reset() {
	b.attempt = 0
}
