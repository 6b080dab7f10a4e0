package governance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

var (
	// ErrMaxRetriesExceeded is returned when all retry attempts have been exhausted.
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
)

// RetryConfig defines retry behaviour for outbound calls.
type RetryConfig struct {
	// MaxRetries is the number of attempts after the first (0 = no retries).
	MaxRetries int
	// Delay is the wait before the first retry.
	Delay time.Duration
	// Multiplier grows the delay per attempt. 1 keeps it fixed.
	Multiplier float64
	// MaxDelay caps the delay when Multiplier is above 1.
	MaxDelay time.Duration
	// Retryable classifies errors. Nil retries every error except context
	// cancellation.
	Retryable func(error) bool
}

// DefaultRetryConfig retries twice with a fixed half second delay.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 2,
		Delay:      500 * time.Millisecond,
		Multiplier: 1,
		MaxDelay:   5 * time.Second,
	}
}

// RetryPolicy runs calls until they succeed or attempts run out.
type RetryPolicy struct {
	config RetryConfig
}

// NewRetryPolicy creates a retry policy with the given configuration.
func NewRetryPolicy(config RetryConfig) *RetryPolicy {
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.Delay < 0 {
		config.Delay = 0
	}
	if config.Multiplier < 1 {
		config.Multiplier = 1
	}
	if config.MaxDelay <= 0 || config.MaxDelay < config.Delay {
		config.MaxDelay = config.Delay
	}
	return &RetryPolicy{config: config}
}

// Config returns a copy of the current retry configuration.
func (rp *RetryPolicy) Config() RetryConfig {
	return rp.config
}

// ShouldRetry reports whether attempt (0-based) may be followed by another.
func (rp *RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= rp.config.MaxRetries {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if rp.config.Retryable != nil {
		return rp.config.Retryable(err)
	}
	return true
}

// Backoff returns the delay before retry number attempt+1.
func (rp *RetryPolicy) Backoff(attempt int) time.Duration {
	d := time.Duration(float64(rp.config.Delay) * math.Pow(rp.config.Multiplier, float64(attempt)))
	if d > rp.config.MaxDelay {
		d = rp.config.MaxDelay
	}
	return d
}

// Do runs fn until it succeeds, the error is not retryable, attempts run out
// or ctx is done. The returned error wraps ErrMaxRetriesExceeded and the last
// failure when attempts run out.
func (rp *RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		select {
		case <-ctx.Done():
			if lastErr != nil {
				return fmt.Errorf("%w: %w", ctx.Err(), lastErr)
			}
			return ctx.Err()
		default:
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		if !rp.ShouldRetry(lastErr, attempt) {
			if attempt >= rp.config.MaxRetries && rp.config.MaxRetries > 0 {
				return fmt.Errorf("%w after %d attempts: %w", ErrMaxRetriesExceeded, attempt+1, lastErr)
			}
			return lastErr
		}

		timer := time.NewTimer(rp.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %w", ctx.Err(), lastErr)
		case <-timer.C:
		}
	}
}

// IsRetryableError reports whether err looks like a transient network failure.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	errStr := err.Error()
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"timeout",
		"temporary failure",
	}
	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
