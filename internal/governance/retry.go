package governance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"
)

var (
	// ErrMaxRetriesExceeded is returned when all retry attempts have been exhausted.
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
)

// RetryConfig defines retry behavior for failed connector work.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts (0 = no retries).
	MaxRetries int
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration
	// BackoffMultiplier is the factor by which backoff increases.
	BackoffMultiplier float64
	// Jitter adds up to 25% randomness to each delay.
	Jitter bool
}

// DefaultRetryConfig returns sensible defaults for retry behavior.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    time.Second,
		MaxBackoff:        time.Minute,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// RetryPolicy decides whether and when failed work is retried.
type RetryPolicy struct {
	config    RetryConfig
	retryable func(error) bool
}

// NewRetryPolicy creates a retry policy. retryable classifies errors; nil
// falls back to IsRetryableError.
func NewRetryPolicy(config RetryConfig, retryable func(error) bool) *RetryPolicy {
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = time.Second
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = time.Minute
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = 2.0
	}
	if retryable == nil {
		retryable = IsRetryableError
	}
	return &RetryPolicy{config: config, retryable: retryable}
}

// Config returns a copy of the current retry configuration.
func (rp *RetryPolicy) Config() RetryConfig {
	return rp.config
}

// MaxRetries returns the retry budget.
func (rp *RetryPolicy) MaxRetries() int {
	return rp.config.MaxRetries
}

// ShouldRetry reports whether err after the given number of prior retries
// deserves another attempt.
func (rp *RetryPolicy) ShouldRetry(err error, retries int) bool {
	if err == nil || retries >= rp.config.MaxRetries {
		return false
	}
	return rp.retryable(err)
}

// CalculateBackoff returns the delay before retry number attempt (zero-based).
func (rp *RetryPolicy) CalculateBackoff(attempt int) time.Duration {
	backoff := time.Duration(float64(rp.config.InitialBackoff) * math.Pow(rp.config.BackoffMultiplier, float64(attempt)))
	if backoff > rp.config.MaxBackoff || backoff <= 0 {
		backoff = rp.config.MaxBackoff
	}
	if rp.config.Jitter && backoff >= 4 {
		// #nosec G404 - Non-cryptographic random is acceptable for jitter
		backoff += time.Duration(rand.Int63n(int64(backoff / 4)))
	}
	return backoff
}

// ExecuteWithRetry runs fn until it succeeds, returns a non-retryable error,
// or the retry budget is spent. It returns the number of retries performed.
func (rp *RetryPolicy) ExecuteWithRetry(ctx context.Context, fn func(context.Context) error) (int, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt, err
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return attempt, nil
		}
		if !rp.ShouldRetry(lastErr, attempt) {
			if attempt > 0 && rp.retryable(lastErr) {
				return attempt, fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, lastErr)
			}
			return attempt, lastErr
		}

		timer := time.NewTimer(rp.CalculateBackoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, ctx.Err()
		case <-timer.C:
		}
	}
}

// WithCallTimeout bounds a single connector call. A non-positive timeout
// leaves ctx unchanged.
func WithCallTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// IsRetryableError determines if an error looks like a transient transport failure.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrCircuitOpen) {
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
