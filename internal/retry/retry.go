// Package retry centralizes the retry policy shared by all transport and
// store calls: one place for the attempt budget, the backoff curve, jitter
// and the retryable-error predicate.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy describes how an operation is retried. The zero value is not
// usable; construct with NewPolicy or fill every field.
type Policy struct {
	// MaxAttempts is the total number of tries, first attempt included.
	MaxAttempts int
	// InitialInterval is the delay before the first retry. Subsequent
	// delays grow by Multiplier with randomized jitter, capped at
	// MaxInterval.
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// Retryable decides whether an error is worth another attempt.
	// A nil predicate retries everything.
	Retryable func(error) bool
}

// NewPolicy returns a policy with the given attempt budget and predicate
// and the default exponential curve (250ms initial, 30s cap, doubling).
func NewPolicy(maxAttempts int, retryable func(error) bool) *Policy {
	return &Policy{
		MaxAttempts:     maxAttempts,
		InitialInterval: 250 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		Retryable:       retryable,
	}
}

// Do runs fn until it succeeds, exhausts the attempt budget, hits a
// non-retryable error, or ctx is cancelled. The returned error is the last
// error fn produced, wrapped with the operation name.
func (p *Policy) Do(ctx context.Context, op string, fn func() error) error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("%s: retry policy has no attempts", op)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.MaxElapsedTime = 0 // bounded by attempts, not wall time

	wrapped := func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	// backoff.Retry unwraps Permanent errors before returning them.
	err := backoff.Retry(wrapped, backoff.WithContext(
		backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1)), ctx))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
