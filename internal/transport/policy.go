package transport

import (
	"math"
	"math/rand/v2"
	"time"
)

// Default reconnection parameters.
const (
	defaultBase        = 1 * time.Second
	defaultFactor      = 2.0
	defaultMaxDelay    = 30 * time.Second
	defaultJitter      = 0.2
	defaultMaxAttempts = 10
)

// ReconnectPolicy controls the delay schedule between reconnection
// attempts. The attempt counter lives in the [Client] and resets to zero on
// every successful connect.
type ReconnectPolicy struct {
	// Base is the delay before the first reconnect attempt. Defaults to 1s.
	Base time.Duration

	// Factor is the multiplicative backoff growth per attempt. Defaults to 2.
	Factor float64

	// MaxDelay caps the computed delay before jitter. Defaults to 30s.
	MaxDelay time.Duration

	// Jitter is the fraction of the computed delay added as a random
	// offset in [0, Jitter·delay). Defaults to 0.2. Set negative to
	// disable jitter entirely.
	Jitter float64

	// MaxAttempts is the number of consecutive failed attempts tolerated
	// before the client reports a terminal connectivity failure.
	// Defaults to 10.
	MaxAttempts int
}

// withDefaults returns a copy of p with zero values replaced by defaults.
func (p ReconnectPolicy) withDefaults() ReconnectPolicy {
	if p.Base <= 0 {
		p.Base = defaultBase
	}
	if p.Factor <= 1 {
		p.Factor = defaultFactor
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaultMaxDelay
	}
	if p.Jitter == 0 {
		p.Jitter = defaultJitter
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	return p
}

// Delay returns the reconnect delay for the given 1-based attempt number:
// min(Base·Factor^(attempt-1), MaxDelay) plus a random jitter offset.
// Ignoring jitter, delays are non-decreasing in the attempt number.
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.Base) * math.Pow(p.Factor, float64(attempt-1))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		d += d * p.Jitter * rand.Float64()
	}
	return time.Duration(d)
}
