// Package retry provides bounded retry policies with exponential backoff,
// used for storage-layer retries and projection re-application.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy describes a bounded retry schedule.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Must be at least 1.
	MaxAttempts int

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration

	// MaxDelay caps the delay between retries. Zero means no cap.
	MaxDelay time.Duration

	// Multiplier is applied to the delay after each retry.
	Multiplier float64

	// Jitter is a random factor in [0, 1] applied to each delay.
	Jitter float64
}

// Default returns the policy used when none is configured:
// 3 attempts, 100ms initial delay, 5s cap, doubling, 10% jitter.
func Default() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

// None returns a policy that never retries.
func None() Policy {
	return Policy{MaxAttempts: 1, Multiplier: 1.0}
}

// NextDelay returns the delay to wait after the given failed attempt.
// attempt is 1-based; attempt 1 is the first try.
func (p Policy) NextDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	delay := time.Duration(float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1)))
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.Jitter > 0 {
		// scale into [1-jitter, 1+jitter]
		factor := 1 - p.Jitter + 2*p.Jitter*rand.Float64()
		delay = time.Duration(float64(delay) * factor)
	}
	return delay
}

// ShouldRetry reports whether another attempt may be made after the
// given 1-based attempt number.
func (p Policy) ShouldRetry(attempt int) bool {
	return attempt < p.MaxAttempts
}

// Do runs fn up to p.MaxAttempts times, sleeping between attempts.
// retryable decides whether an error is worth retrying; a nil retryable
// retries every error. The last error is returned when attempts are
// exhausted. Context cancellation aborts the wait and returns ctx.Err().
func Do(ctx context.Context, p Policy, fn func() error, retryable func(error) bool) error {
	var err error
	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if !p.ShouldRetry(attempt) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.NextDelay(attempt)):
		}
	}
}
