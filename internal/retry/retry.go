// Package retry provides exponential backoff with jitter for backend calls
// and webhook deliveries.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// Default retry configuration constants.
const (
	DefaultInitialBackoff = 100 * time.Millisecond
	DefaultMaxBackoff     = 30 * time.Second
	DefaultJitterFactor   = 0.25
)

// Policy contains retry configuration parameters.
type Policy struct {
	// MaxRetries is the number of attempts after the first one.
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// JitterFactor is the share of the delay added at random, 0.0 to 1.0.
	JitterFactor float64
	// Multiplier grows the delay per attempt. Zero means 2.
	Multiplier float64
}

func (p Policy) normalized() Policy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = DefaultInitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = DefaultMaxBackoff
	}
	if p.JitterFactor < 0 {
		p.JitterFactor = 0
	}
	if p.JitterFactor > 1 {
		p.JitterFactor = 1
	}
	if p.Multiplier <= 1 {
		p.Multiplier = 2
	}
	return p
}

// Backoff returns the delay before retry number attempt+1.
func (p Policy) Backoff(attempt int) time.Duration {
	n := p.normalized()
	return backoff(attempt, n.InitialBackoff, n.MaxBackoff, n.Multiplier, n.JitterFactor)
}

// permanentError stops Do from retrying.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// OnRetryFunc is called before each retry attempt.
type OnRetryFunc func(attempt int, err error, backoff time.Duration)

// Do calls fn until it succeeds, returns a permanent error, the retries are
// exhausted or ctx is done. attempt starts at 0. The last error is returned
// with any Permanent wrapper removed.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error, onRetry OnRetryFunc) error {
	p = p.normalized()

	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}

		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(lastErr, &perm) {
			return perm.err
		}

		if attempt < p.MaxRetries {
			backoff := p.Backoff(attempt)
			if onRetry != nil {
				onRetry(attempt+1, lastErr, backoff)
			}
			if err := Sleep(ctx, backoff); err != nil {
				return lastErr
			}
		}
	}
	return lastErr
}

// Sleep waits for d or until ctx is done.
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

func backoff(attempt int, initialBackoff, maxBackoff time.Duration, multiplier, jitterFactor float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	backoff := float64(initialBackoff) * math.Pow(multiplier, float64(attempt))

	//nolint:gosec // G404: jitter for retry timing is not security-sensitive
	backoff += backoff * jitterFactor * rand.Float64()

	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}
	return time.Duration(backoff)
}
