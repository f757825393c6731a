// Package resilience provides bounded retry with exponential backoff for
// writes against flaky backends.
package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	MaxRetries int           // Maximum number of retry attempts
	InitDelay  time.Duration // Initial delay between retries
	MaxDelay   time.Duration // Maximum delay cap
	Multiplier float64       // Backoff multiplier (e.g., 2.0 for doubling)
	Jitter     float64       // Jitter factor (0.0 to 1.0)
}

// RetryFunc is the function signature for operations that can be retried.
type RetryFunc func(ctx context.Context) error

// RetryCallback is called before each retry attempt.
type RetryCallback func(attempt int, err error, nextDelay time.Duration)

// RetryPolicy is a named retry configuration.
type RetryPolicy struct {
	Name       string
	MaxRetries int
	InitDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Jitter     float64

	// ShouldRetry decides whether err is transient. Nil retries everything
	// not marked permanent.
	ShouldRetry func(error) bool

	// OnRetry is invoked before each wait.
	OnRetry RetryCallback
}

// StoreWrite returns the policy used for job record writes: a handful of
// quick attempts so a worker's progress is never blocked for long.
func StoreWrite(maxRetries int, initDelay time.Duration) RetryPolicy {
	return RetryPolicy{
		Name:       "store-write",
		MaxRetries: maxRetries,
		InitDelay:  initDelay,
		MaxDelay:   2 * time.Second,
		Multiplier: 2.0,
		Jitter:     0.1,
	}
}

func (p RetryPolicy) ToConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: p.MaxRetries,
		InitDelay:  p.InitDelay,
		MaxDelay:   p.MaxDelay,
		Multiplier: p.Multiplier,
		Jitter:     p.Jitter,
	}
}

// Execute runs fn with this policy and returns the last error if every attempt fails.
func (p RetryPolicy) Execute(ctx context.Context, fn RetryFunc) error {
	shouldRetry := p.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = func(err error) bool {
			return !IsPermanentError(err)
		}
	}
	cfg := p.ToConfig()

	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !shouldRetry(err) || attempt >= cfg.MaxRetries {
			break
		}

		delay := calculateDelay(cfg, attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, err, delay)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return lastErr
}

// calculateDelay computes the delay for a given attempt with jitter.
func calculateDelay(cfg RetryConfig, attempt int) time.Duration {
	delay := float64(cfg.InitDelay) * math.Pow(cfg.Multiplier, float64(attempt))

	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}

	if cfg.Jitter > 0 {
		jitterRange := delay * cfg.Jitter
		delay = delay - jitterRange + (rand.Float64() * 2 * jitterRange)
	}

	return time.Duration(delay)
}

// PermanentError marks an error as non-retryable.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// NewPermanentError wraps err so retries stop immediately.
func NewPermanentError(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanentError reports whether err is marked permanent or is a context
// cancellation.
func IsPermanentError(err error) bool {
	if err == nil {
		return false
	}
	var pe *PermanentError
	if errors.As(err, &pe) {
		return true
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
