// Package retry provides exponential backoff retry logic with jitter.
//
// It is the single retry policy used across the repository: the client
// connection manager, the credential refresh path and the fallback
// poller all share the same BackoffConfig shape instead of hand-rolled
// loops.
//
//	cfg := retry.BackoffConfig{
//		InitialInterval: 500 * time.Millisecond,
//		MaxInterval:     30 * time.Second,
//		Multiplier:      2.0,
//		Jitter:          true,
//		MaxRetries:      10,
//	}
//
//	err := retry.WithRetry(ctx, dial, cfg)
//
// With jitter enabled the actual delay is baseDelay/2 + random(0,
// baseDelay/2), which prevents reconnect storms when many tabs lose
// the same server at once.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          bool
	MaxRetries      int
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialInterval: 1 * time.Second,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		Jitter:          true,
		MaxRetries:      10,
	}
}

// ExponentialBackoff returns the delay function for a config. Attempt
// numbering starts at 1 for the first retry.
func ExponentialBackoff(config BackoffConfig) func(int) time.Duration {
	return func(attempt int) time.Duration {
		if attempt <= 0 {
			return config.InitialInterval
		}

		interval := float64(config.InitialInterval) * math.Pow(config.Multiplier, float64(attempt-1))

		if interval > float64(config.MaxInterval) {
			interval = float64(config.MaxInterval)
		}

		duration := time.Duration(interval)

		if config.Jitter && duration > 1 {
			jitter := time.Duration(rand.Int63n(int64(duration / 2)))
			duration = duration/2 + jitter
		}

		return duration
	}
}

type RetryableFunc func() error

// StopError wraps an error to indicate that retries should stop immediately.
type StopError struct {
	Err error
}

func (s StopError) Error() string {
	return s.Err.Error()
}

func (s StopError) Unwrap() error {
	return s.Err
}

// Stop wraps an error to indicate that retries should stop immediately.
func Stop(err error) error {
	return StopError{Err: err}
}

// IsStopError checks if an error is a StopError.
func IsStopError(err error) bool {
	var stopErr StopError
	return errors.As(err, &stopErr)
}

// WithRetry runs fn until it succeeds, the retry budget is exhausted,
// the context is cancelled, or fn returns a StopError.
func WithRetry(ctx context.Context, fn RetryableFunc, config BackoffConfig) error {
	backoff := ExponentialBackoff(config)

	var lastErr error
	var attempts int
	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		attempts = attempt + 1
		if attempt > 0 {
			delay := backoff(attempt)
			select {
			case <-ctx.Done():
				return fmt.Errorf("retry cancelled by context: %w", ctx.Err())
			case <-time.After(delay):
			}
		}

		if err := fn(); err != nil {
			lastErr = err
			if IsStopError(err) {
				var stopErr StopError
				errors.As(err, &stopErr)
				return stopErr.Err
			}
			if attempt < config.MaxRetries {
				continue
			}
		} else {
			return nil
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", attempts, lastErr)
}
