package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Policy holds retry configuration
type Policy struct {
	MaxAttempts int           // Total attempts including the first call
	BaseDelay   time.Duration // Delay before attempt n is BaseDelay * (n-1)

	// OnRetry observes a failed attempt that will be retried after delay
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultPolicy returns the policy used for generation calls:
// one initial attempt plus three retries, 5s apart and growing linearly.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 4,
		BaseDelay:   5 * time.Second,
	}
}

// Delay returns the wait before the given attempt (1-based)
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	return p.BaseDelay * time.Duration(attempt-1)
}

// Do executes fn until it succeeds or MaxAttempts is reached, returning the
// last error. Intermediate failures are only visible through OnRetry.
// attempt is 1-based.
func Do[R any](ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) (R, error)) (R, error) {
	var zero R
	var lastErr error

	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			delay := p.Delay(attempt)
			if p.OnRetry != nil {
				p.OnRetry(attempt-1, lastErr, delay)
			}
			if err := sleep(ctx, delay); err != nil {
				return zero, fmt.Errorf("retry cancelled after %d attempts: %w", attempt-1, err)
			}
		} else if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("retry cancelled: %w", err)
		}

		result, err := fn(ctx, attempt)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if errors.Is(err, ErrPermanent) {
			break
		}
	}

	return zero, lastErr
}

func sleep(ctx context.Context, d time.Duration) error {
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

// ErrPermanent marks an error that must not be retried. Wrap it with
// fmt.Errorf("...: %w", retry.ErrPermanent) or use Permanent.
var ErrPermanent = errors.New("permanent failure")

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() []error { return []error{e.err, ErrPermanent} }

// Permanent wraps err so that Do stops retrying immediately
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsRetryable checks if an error is worth retrying later. It backs the
// retry hint shown for failed configs.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPermanent) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Network errors, rate limits and temporary failures are retryable
	errStr := strings.ToLower(err.Error())

	retryableErrors := []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporary failure",
		"rate limit",
		"too many requests",
		"circuit breaker is open",
		"408",
		"429",
		"500",
		"502",
		"503",
		"504",
		"eof",
		"broken pipe",
	}

	for _, retryable := range retryableErrors {
		if strings.Contains(errStr, retryable) {
			return true
		}
	}

	return false
}
