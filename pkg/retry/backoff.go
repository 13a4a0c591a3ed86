// Package retry runs an operation again with exponential backoff.
//
// It is used for best effort cleanup, such as deleting a partially written
// blob after an upload failed. Writes themselves are never retried.
//
//	err := retry.WithRetry(ctx, func() error {
//		return blobs.Delete(ctx, id)
//	}, retry.CleanupBackoffConfig())
//
// Returning retry.Stop(err) from the operation ends the loop immediately.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/migadu/mailflow/logger"
)

// BackoffConfig describes a retry schedule. The wait before retry n is
// InitialInterval*Multiplier^(n-1), capped at MaxInterval. With Jitter the
// wait is drawn uniformly from its upper half.
type BackoffConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Jitter          bool
	MaxRetries      int
}

// CleanupBackoffConfig is a short schedule for cleanup on an error path,
// where the caller is waiting for the original error.
func CleanupBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     time.Second,
		Multiplier:      2.0,
		Jitter:          true,
		MaxRetries:      3,
	}
}

// Delay returns the wait before the given retry, counted from 1.
func (c BackoffConfig) Delay(retry int) time.Duration {
	d := c.InitialInterval
	if retry > 1 {
		f := float64(c.InitialInterval) * math.Pow(c.Multiplier, float64(retry-1))
		if c.MaxInterval > 0 && f > float64(c.MaxInterval) {
			f = float64(c.MaxInterval)
		}
		d = time.Duration(f)
	}
	if c.MaxInterval > 0 && d > c.MaxInterval {
		d = c.MaxInterval
	}
	if c.Jitter && d > 1 {
		d = d/2 + rand.N(d/2)
	}
	return d
}

// WithRetry calls fn until it succeeds, returns an error wrapped by Stop,
// ctx is done or MaxRetries retries have been made.
func WithRetry(ctx context.Context, fn func() error, config BackoffConfig) error {
	var lastErr error
	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(config.Delay(attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("retry cancelled by context: %w", ctx.Err())
			case <-timer.C:
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		var stop stopError
		if errors.As(err, &stop) {
			return stop.err
		}
		lastErr = err
		logger.Debug("Retry: attempt failed", "attempt", attempt+1, "max_attempts", config.MaxRetries+1, "error", err)
	}
	return fmt.Errorf("operation failed after %d attempts: %w", config.MaxRetries+1, lastErr)
}

type stopError struct {
	err error
}

func (s stopError) Error() string { return s.err.Error() }
func (s stopError) Unwrap() error { return s.err }

// Stop makes WithRetry return err without further attempts.
func Stop(err error) error {
	return stopError{err: err}
}
