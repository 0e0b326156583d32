package activity

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy bounds one activity: how long a single attempt may run, how many
// attempts are allowed and how long to wait between them.
type Policy struct {
	// Timeout caps a single attempt. Zero means no per-attempt timeout.
	Timeout time.Duration

	// MaxAttempts is the total number of attempts, including the first.
	// Values below 1 are treated as 1.
	MaxAttempts int

	// InitialBackoff is the delay before the first retry. Each further
	// retry multiplies it by BackoffMultiplier (default 2), capped at
	// MaxBackoff.
	InitialBackoff    time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration

	// Jitter randomizes each delay by +/- the given fraction (0..1).
	Jitter float64
}

func (p Policy) maxAttempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

func (p Policy) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialBackoff
	b.Multiplier = p.BackoffMultiplier
	if b.Multiplier <= 0 {
		b.Multiplier = 2
	}
	b.MaxInterval = p.MaxBackoff
	if b.MaxInterval <= 0 {
		b.MaxInterval = time.Hour
	}
	b.RandomizationFactor = p.Jitter
	b.Reset()
	return b
}
