package actions

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// RetryPolicy controls webhook redelivery.
type RetryPolicy struct {
	// MaxAttempts includes the first try.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Backoff is one of "constant", "linear" or "exponential".
	Backoff string
}

// DefaultRetryPolicy is three attempts with exponential backoff from 200ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   200 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Backoff:     "exponential",
	}
}

// backoff returns the delay before retry number attempt (0-based).
func (p RetryPolicy) backoff(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	var delay time.Duration
	switch p.Backoff {
	case "exponential":
		delay = p.BaseDelay << attempt
	case "linear":
		delay = p.BaseDelay * time.Duration(attempt+1)
	default:
		delay = p.BaseDelay
	}
	if p.MaxDelay > 0 && (delay > p.MaxDelay || delay <= 0) {
		delay = p.MaxDelay
	}
	return delay
}

// retryableStatus reports whether a response status is worth another attempt.
func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// retryableError classifies transport errors. Cancellation is final and
// everything else is left to the attempt limit.
func retryableError(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// waitBackoff sleeps for delay or returns early with the context's error.
func waitBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
