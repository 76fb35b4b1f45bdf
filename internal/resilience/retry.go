// Copyright 2024 AI SA Assistant Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package resilience provides the retry policy, circuit breaker and error
// mapping shared by the streaming, guard and lead transport paths.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
)

// Backoff returns the delay to wait before the given retry. Retries are
// numbered from 1; the first attempt never waits.
type Backoff func(retry int) time.Duration

// LinearBackoff waits base × retry before each retry.
func LinearBackoff(base time.Duration) Backoff {
	return func(retry int) time.Duration {
		if retry < 1 {
			return 0
		}
		return base * time.Duration(retry)
	}
}

// ExponentialBackoff waits base × multiplier^(retry-1), capped at max.
func ExponentialBackoff(base, max time.Duration, multiplier float64) Backoff {
	return func(retry int) time.Duration {
		if retry < 1 {
			return 0
		}
		delay := time.Duration(float64(base) * math.Pow(multiplier, float64(retry-1)))
		if max > 0 && delay > max {
			delay = max
		}
		return delay
	}
}

// RetryPolicy is a declarative description of how an operation is retried.
// MaxAttempts counts additional attempts after the first one, so an
// operation runs at most MaxAttempts+1 times.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     Backoff
	// RetryOn reports whether err is worth another attempt. Nil means
	// DefaultRetryOnFunc.
	RetryOn func(error) bool
	// OnRetry is called before sleeping for retry number n.
	OnRetry func(retry int, err error, delay time.Duration)
}

// NewRetryPolicy builds a linear policy from millisecond settings.
func NewRetryPolicy(maxAttempts int, baseDelay time.Duration) RetryPolicy {
	if maxAttempts < 0 {
		maxAttempts = 0
	}
	return RetryPolicy{
		MaxAttempts: maxAttempts,
		Backoff:     LinearBackoff(baseDelay),
	}
}

// permanentError marks an error that must not be retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so that Do stops immediately and returns it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// DefaultRetryOnFunc retries everything except caller cancellation and
// permanent errors.
func DefaultRetryOnFunc(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return !IsPermanent(err)
}

// ExhaustedError is returned once every attempt of a policy has failed.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("operation failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Do runs fn under policy. Attempts are numbered from 1. A cancelled ctx
// stops the loop without further attempts and returns ctx.Err().
func Do[T any](ctx context.Context, logger *zap.Logger, policy RetryPolicy, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	retryOn := policy.RetryOn
	if retryOn == nil {
		retryOn = DefaultRetryOnFunc
	}

	var zero T
	var lastErr error
	total := policy.MaxAttempts + 1

	for attempt := 1; attempt <= total; attempt++ {
		value, err := fn(ctx, attempt)
		if err == nil {
			if attempt > 1 {
				logger.Info("Operation succeeded after retry",
					zap.Int("attempt", attempt),
					zap.Int("total_attempts", total))
			}
			return value, nil
		}
		lastErr = err

		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}
		if !retryOn(err) {
			logger.Debug("Error is not retryable, stopping attempts",
				zap.Error(err),
				zap.Int("attempt", attempt))
			var p *permanentError
			if errors.As(err, &p) {
				return zero, p.err
			}
			return zero, err
		}
		if attempt == total {
			break
		}

		var delay time.Duration
		if policy.Backoff != nil {
			delay = policy.Backoff(attempt)
		}
		if policy.OnRetry != nil {
			policy.OnRetry(attempt, err, delay)
		}
		logger.Debug("Retrying after delay",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}

	logger.Warn("All retry attempts exhausted",
		zap.Error(lastErr),
		zap.Int("total_attempts", total))

	return zero, &ExhaustedError{Attempts: total, Last: lastErr}
}

// DoErr is Do for operations without a result value.
func DoErr(ctx context.Context, logger *zap.Logger, policy RetryPolicy, fn func(ctx context.Context, attempt int) error) error {
	_, err := Do(ctx, logger, policy, func(ctx context.Context, attempt int) (struct{}, error) {
		return struct{}{}, fn(ctx, attempt)
	})
	return err
}
