// Package retry holds the retry policy shared by the watchdog loop and the
// feed client: a bounded number of attempts and a capped exponential delay.
package retry

import (
	"context"
	"time"

	retrygo "github.com/avast/retry-go"
	"github.com/jpillora/backoff"
)

// Policy describes how often and how long to wait between attempts.
type Policy struct {
	// MaxAttempts bounds Do. The loop ignores it and retries forever.
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration
}

// Delay returns min(Max, Base * 2^attempt). It is deterministic: no jitter.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	b := &backoff.Backoff{
		Min:    p.Base,
		Max:    p.Max,
		Factor: 2,
	}
	return b.ForAttempt(float64(attempt))
}

// Do runs fn until it succeeds, retryable reports false, the attempts are
// exhausted or ctx is done. Only the last error is returned.
func (p Policy) Do(ctx context.Context, fn func() error, retryable func(error) bool, onRetry func(n uint, err error)) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	if retryable == nil {
		retryable = func(error) bool { return true }
	}
	if onRetry == nil {
		onRetry = func(uint, error) {}
	}
	return retrygo.Do(
		fn,
		retrygo.Context(ctx),
		retrygo.Attempts(uint(attempts)),
		retrygo.DelayType(func(n uint, _ error, _ *retrygo.Config) time.Duration {
			return p.Delay(int(n))
		}),
		retrygo.RetryIf(retryable),
		retrygo.OnRetry(onRetry),
		retrygo.LastErrorOnly(true),
	)
}
