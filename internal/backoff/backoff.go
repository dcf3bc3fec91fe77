// Package backoff computes retry delays and runs retry loops that respect
// context cancellation.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy describes an exponential backoff.
//
// The delay before retry n (1-indexed) is Initial * Factor^(n-1), plus up to
// Jitter of that value at random, capped at Max.
type Policy struct {
	Initial time.Duration
	Max     time.Duration
	// Factor below 1 is treated as 1 (constant delay).
	Factor float64
	// Jitter is a fraction in [0, 1].
	Jitter float64
}

// Exponential returns a doubling policy without jitter.
func Exponential(initial, max time.Duration) Policy {
	return Policy{Initial: initial, Max: max, Factor: 2}
}

// Delay returns the wait before retry attempt.
func (p Policy) Delay(attempt int) time.Duration {
	return p.delay(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

func (p Policy) delay(attempt int, random float64) time.Duration {
	if p.Initial <= 0 {
		return 0
	}
	factor := math.Max(p.Factor, 1)
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(factor, exp)
	total := base + base*p.Jitter*random
	if p.Max > 0 {
		total = math.Min(total, float64(p.Max))
	}
	return time.Duration(total)
}

// Sleep waits for d or until ctx is done, returning ctx.Err() in that case.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Retry runs op up to maxAttempts times. It stops early when op succeeds,
// when retryable reports false for the error, or when ctx is done. The last
// error from op is returned when attempts run out. A nil retryable retries
// nothing.
func Retry(ctx context.Context, policy Policy, maxAttempts int, retryable func(error) bool, op func(attempt int) error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = op(attempt)
		if lastErr == nil {
			return nil
		}
		if retryable == nil || !retryable(lastErr) || attempt == maxAttempts {
			return lastErr
		}
		if err := Sleep(ctx, policy.Delay(attempt)); err != nil {
			return err
		}
	}
	return lastErr
}
