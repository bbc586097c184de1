// Package retry runs operations with bounded exponential backoff, deciding what
// to retry from the apperr.Kind of the returned error.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/justestif/go-spotify-lyric-analyzer/internal/apperr"
)

const (
	defaultAttempts  = 3
	defaultBaseDelay = 1 * time.Second
	defaultMaxDelay  = 10 * time.Second
)

// Policy describes how an operation is retried.
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Retryable decides whether an error kind is worth another attempt.
	// Nil means transient and rate limit errors are retried.
	Retryable func(apperr.Kind) bool
	// Sleep waits between attempts. Nil means a timer that honors ctx.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Default returns the policy used for network calls: 3 attempts, 1s base, 10s cap.
func Default() Policy {
	return Policy{
		Attempts:  defaultAttempts,
		BaseDelay: defaultBaseDelay,
		MaxDelay:  defaultMaxDelay,
	}
}

// NoSleep is a Sleep func for tests that returns immediately.
func NoSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

// TransientOrRateLimit is the default Retryable predicate.
func TransientOrRateLimit(kind apperr.Kind) bool {
	return kind == apperr.KindTransient || kind == apperr.KindRateLimit
}

// Do runs fn until it succeeds, returns a non-retryable error, or attempts run out.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	_, err := DoValue(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoValue is Do for operations that return a value.
func DoValue[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		value, err := fn(ctx)
		if err == nil {
			return value, nil
		}
		lastErr = err

		if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return zero, err
		}
		if !p.retryable(apperr.KindOf(err)) {
			return zero, err
		}
		if attempt == attempts {
			break
		}
		if err := p.sleep(ctx, p.delay(attempt, err)); err != nil {
			return zero, err
		}
	}

	if attempts == 1 {
		return zero, lastErr
	}
	return zero, fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)
}

func (p Policy) retryable(kind apperr.Kind) bool {
	if p.Retryable == nil {
		return TransientOrRateLimit(kind)
	}
	return p.Retryable(kind)
}

// delay returns the wait before the attempt following attempt (1-based).
// attempt 1 -> base, 2 -> base*2, 3 -> base*4, capped at MaxDelay.
// A rate limit error carrying Retry-After overrides the computed delay.
func (p Policy) delay(attempt int, err error) time.Duration {
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}
	if after := apperr.RetryAfterOf(err); after > 0 {
		return min(after, maxDelay)
	}
	base := p.BaseDelay
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 1; i < attempt; i++ {
		if delay > maxDelay/2 {
			return maxDelay
		}
		delay *= 2
	}
	return min(delay, maxDelay)
}

func (p Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
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
