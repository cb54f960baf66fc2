package backoff

import (
	"context"
	"errors"
)

// ErrAttemptsExhausted is returned when all retry attempts failed.
var ErrAttemptsExhausted = errors.New("retry attempts exhausted")

// Retry executes fn with exponential backoff, up to maxAttempts times.
// A non-retryable error (per the retryable predicate, when non-nil) stops
// immediately. Context cancellation is honored between attempts.
func Retry[T any](
	ctx context.Context,
	policy Policy,
	maxAttempts int,
	retryable func(error) bool,
	fn func(attempt int) (T, error),
) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		value, err := fn(attempt)
		if err == nil {
			return value, nil
		}
		lastErr = err

		if retryable != nil && !retryable(err) {
			return zero, err
		}
		if attempt < maxAttempts {
			if err := Sleep(ctx, policy, attempt); err != nil {
				return zero, err
			}
		}
	}

	return zero, errors.Join(ErrAttemptsExhausted, lastErr)
}
