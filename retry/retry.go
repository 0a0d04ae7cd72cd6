// Copyright 2025 Poiesic Systems
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

// Package retry provides exponential backoff for transient failures such as
// optimistic transaction conflicts and embedding service hiccups.
package retry

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"
)

// WithBackoff retries an operation with exponential backoff.
// maxAttempts: maximum number of attempts (must be > 0)
// baseDelay: base delay between retries (doubles on each retry)
// Returns the error from the last attempt if all attempts fail.
func WithBackoff(ctx context.Context, operation func() error, maxAttempts int, baseDelay time.Duration) error {
	return WithBackoffIf(ctx, operation, maxAttempts, baseDelay, nil)
}

// WithBackoffIf is WithBackoff that only retries errors for which retryable
// returns true. Any other error is returned immediately. A nil retryable
// retries every error.
func WithBackoffIf(ctx context.Context, operation func() error, maxAttempts int, baseDelay time.Duration, retryable func(error) bool) error {
	if maxAttempts <= 0 {
		return ErrInvalidMaxAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		lastErr = operation()
		if lastErr == nil {
			if attempt > 1 {
				slog.Debug("operation succeeded after retry", "attempt", attempt)
			}
			return nil
		}
		if retryable != nil && !retryable(lastErr) {
			return lastErr
		}

		slog.Debug("operation failed, will retry", "attempt", attempt, "maxAttempts", maxAttempts, "error", lastErr)

		// Don't sleep after the last attempt
		if attempt == maxAttempts {
			break
		}

		timer := time.NewTimer(jitter(Delay(baseDelay, attempt)))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return lastErr
}

// Delay returns the backoff before the retry that follows the given attempt:
// baseDelay * 2^(attempt-1).
func Delay(baseDelay time.Duration, attempt int) time.Duration {
	delay := baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// jitter spreads d over [d, 2d) so writers that lost the same conflict do not
// retry in lockstep.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	return d + rand.N(d)
}
