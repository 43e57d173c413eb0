package util

import (
	"math/rand"
	"time"
)

// BackoffConfig configures exponential backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration // First retry delay
	MaxDelay     time.Duration // Cap on the delay
	Multiplier   float64       // Growth factor between attempts
	JitterFactor float64       // ± fraction of randomization, e.g. 0.25
}

// DefaultBackoffConfig returns a sensible default backoff configuration.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 1 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   1.5,
		JitterFactor: 0.25,
	}
}

// Backoff produces successive retry delays with exponential growth and
// jitter. It is a delay source rather than a retry loop: stream state
// machines own their reconnect loops and ask for the next delay when a
// failure occurs, then Reset on any successful exchange.
type Backoff struct {
	config  BackoffConfig
	current time.Duration
}

// NewBackoff creates a backoff source starting at the initial delay.
func NewBackoff(config BackoffConfig) *Backoff {
	return &Backoff{config: config, current: config.InitialDelay}
}

// Next returns the delay to wait before the next attempt and advances the
// backoff state.
func (b *Backoff) Next() time.Duration {
	delay := b.current

	// Apply jitter (± JitterFactor randomization)
	if b.config.JitterFactor > 0 {
		spread := float64(delay) * b.config.JitterFactor
		delay = time.Duration(float64(delay) - spread + 2*spread*rand.Float64())
	}

	// Grow for the next attempt, capped at MaxDelay
	b.current = time.Duration(float64(b.current) * b.config.Multiplier)
	if b.current > b.config.MaxDelay {
		b.current = b.config.MaxDelay
	}

	if delay < 0 {
		delay = 0
	}
	return delay
}

// Reset returns the backoff to its initial delay after a successful
// exchange.
func (b *Backoff) Reset() {
	b.current = b.config.InitialDelay
}

// ResetToMax forces the next delay to the maximum, used when the server
// explicitly asks the client to slow down (resource exhausted).
func (b *Backoff) ResetToMax() {
	b.current = b.config.MaxDelay
}
