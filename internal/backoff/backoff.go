// Package backoff paces retries for bus delivery and outbound AWS
// calls: exponential delays with jitter, capped at a policy maximum.
package backoff

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// ErrExhausted reports that every attempt failed.
var ErrExhausted = errors.New("attempts exhausted")

// Policy shapes the delay curve between attempts.
type Policy struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
	// Jitter is the fraction of the base delay added at random.
	Jitter float64
}

// Default suits calls that can tolerate around half a minute of retrying.
func Default() Policy {
	return Policy{Initial: 100 * time.Millisecond, Max: 30 * time.Second, Factor: 2, Jitter: 0.1}
}

// Delay returns the wait before the next try. Attempts count from 1.
func (p Policy) Delay(attempt int) time.Duration {
	return p.delay(attempt, rand.Float64()) // #nosec G404 -- jitter needs no cryptographic randomness
}

func (p Policy) delay(attempt int, random float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(p.Initial) * math.Pow(p.Factor, float64(attempt-1))
	d := base + base*p.Jitter*random
	if limit := float64(p.Max); d > limit {
		d = limit
	}
	return time.Duration(d)
}

// Sleep waits for d unless the context ends first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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

// Retry runs fn until it succeeds or attempts run out, sleeping per the
// policy between failures. The context is checked before each try, so a
// cancelled context surfaces as its error rather than ErrExhausted.
func Retry(ctx context.Context, p Policy, attempts int, fn func(attempt int) error) error {
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if lastErr = fn(attempt); lastErr == nil {
			return nil
		}
		if attempt < attempts {
			if err := Sleep(ctx, p.Delay(attempt)); err != nil {
				return err
			}
		}
	}
	if lastErr == nil {
		return ErrExhausted
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, lastErr)
}
