package session

import (
	"math"
	"math/rand"
	"time"
)

// BackoffConfig controls reconnection pacing. Delays grow exponentially from
// Initial by Multiplier, capped at MaxDelay; exceeding MaxAttempts makes the
// session terminally disconnected instead of retrying forever.
type BackoffConfig struct {
	Initial        time.Duration `yaml:"initial"`
	Multiplier     float64       `yaml:"multiplier"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	MaxAttempts    int           `yaml:"max_attempts"`
	JitterFraction float64       `yaml:"jitter_fraction"`
}

// DefaultBackoff mirrors the usual client pacing: 1s, 2s, 4s, 8s, 16s, 30s.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		Initial:        time.Second,
		Multiplier:     2,
		MaxDelay:       30 * time.Second,
		MaxAttempts:    6,
		JitterFraction: 0.2,
	}
}

// Delay returns the wait before reconnect attempt n (1-based). With zero
// jitter the sequence is deterministic; otherwise each delay is spread
// uniformly within ±JitterFraction of itself. MaxDelay bounds the result
// even after jitter.
func (b BackoffConfig) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.Initial) * math.Pow(b.Multiplier, float64(attempt-1))
	if max := float64(b.MaxDelay); d > max {
		d = max
	}
	if b.JitterFraction > 0 {
		spread := d * b.JitterFraction
		d += spread * (2*rand.Float64() - 1)
	}
	if max := float64(b.MaxDelay); b.MaxDelay > 0 && d > max {
		d = max
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
