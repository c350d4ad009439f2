// Package retry wraps external-call retry policies around cenkalti/backoff.
//
// BackOff implementations are stateful; constructors always return a fresh
// instance.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// Transient failures retry at 250ms, 1s, 4s before giving up.
	initialInterval = 250 * time.Millisecond
	multiplier      = 4.0
	maxRetries      = 3
)

// NewTransientBackOff returns the standard policy for transient upstream
// failures: three retries with 250 ms / 1 s / 4 s waits.
func NewTransientBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initialInterval
	bo.Multiplier = multiplier
	bo.RandomizationFactor = 0 // deterministic schedule
	bo.MaxInterval = 4 * time.Second
	return backoff.WithMaxRetries(bo, maxRetries)
}

// Do runs op under the transient policy. Errors for which retryable returns
// false abort immediately via backoff.Permanent. Context cancellation stops
// the schedule between attempts.
func Do(ctx context.Context, op func() error, retryable func(error) bool) error {
	bo := backoff.WithContext(NewTransientBackOff(), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if retryable != nil && retryable(err) {
			return err
		}
		return backoff.Permanent(err)
	}, bo)
}
