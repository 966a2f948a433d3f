package booking

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RetryPolicy is an explicit retry description passed into the checkout
// orchestration for the external payment call. There is no ambient retry
// helper; callers that want retries say so.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     func(attempt int) time.Duration
	IsRetryable func(err error) bool
}

// Validate rejects unusable policies.
func (policy RetryPolicy) Validate() error {
	if policy.MaxAttempts < 1 {
		return fmt.Errorf("%w: max attempts must be at least 1", ErrInvalidRetryPolicy)
	}
	return nil
}

// Do runs op up to MaxAttempts times, sleeping Backoff(attempt) between
// attempts, honoring context cancellation. Non-retryable errors return
// immediately.
func (policy RetryPolicy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if policy.IsRetryable != nil && !policy.IsRetryable(lastErr) {
			return lastErr
		}
		if attempt == policy.MaxAttempts {
			break
		}
		if err := sleepContext(ctx, policy.backoffFor(attempt)); err != nil {
			return err
		}
	}
	return lastErr
}

func (policy RetryPolicy) backoffFor(attempt int) time.Duration {
	if policy.Backoff == nil {
		return 0
	}
	return policy.Backoff(attempt)
}

// DefaultPaymentRetryPolicy retries transient payment-authority failures a
// small number of times with linear backoff.
func DefaultPaymentRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff: func(attempt int) time.Duration {
			return time.Duration(attempt) * 100 * time.Millisecond
		},
		IsRetryable: func(err error) bool {
			var retryable interface{ Retryable() bool }
			if errors.As(err, &retryable) {
				return retryable.Retryable()
			}
			return true
		},
	}
}

func sleepContext(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}
	timer := time.NewTimer(duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
