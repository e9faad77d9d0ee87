// Package retry holds the one retry policy used for venue and directory
// calls, so "expected wait states" and genuine transient failures are
// distinguished by a predicate instead of log text.
package retry

import (
	"context"
	"time"
)

type Policy struct {
	MaxAttempts int
	Delay       time.Duration
	// Retryable decides whether an error is worth another attempt. A nil
	// predicate retries everything up to MaxAttempts.
	Retryable func(error) bool
}

// Do runs op until it succeeds, the policy is exhausted, the error is
// judged non-retryable, or ctx is cancelled. The last error is returned.
func (p Policy) Do(ctx context.Context, op func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.Delay):
		}
	}
	return err
}
