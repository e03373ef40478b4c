package runner

import (
	"math/rand/v2"
	"time"

	"github.com/signalnine/agentv/internal/config"
)

// Backoff is the wait between provider timeout retries.
type Backoff struct {
	// Fixed waits Base every time instead of doubling.
	Fixed  bool
	Base   time.Duration
	Max    time.Duration
	Jitter time.Duration
}

// BackoffFromConfig converts the config knob. Zero fields fall back to a 1s
// base and a 30s cap.
func BackoffFromConfig(c config.Backoff) Backoff {
	b := Backoff{
		Fixed:  c.Strategy == "fixed",
		Base:   time.Duration(c.BaseMs) * time.Millisecond,
		Max:    time.Duration(c.MaxMs) * time.Millisecond,
		Jitter: time.Duration(c.JitterMs) * time.Millisecond,
	}
	if b.Base == 0 {
		b.Base = time.Second
	}
	if b.Max == 0 {
		b.Max = 30 * time.Second
	}
	return b
}

// Delay is the wait after the given failed attempt (1-based):
// Base * 2^(attempt-1) capped at Max, plus up to Jitter.
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Base
	if !b.Fixed && attempt > 1 {
		d = b.Base << min(attempt-1, 30)
	}
	if b.Max > 0 && (d > b.Max || d < b.Base) {
		d = b.Max
	}
	if b.Jitter > 0 {
		d += rand.N(b.Jitter)
	}
	return d
}
