// Package retry holds the explicit retry policy objects that the content fetch
// path and the worker pool are configured with.
package retry

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/ChuLiYu/pulmoscan/internal/errdefs"
)

// Policy 重試策略：最多嘗試 MaxAttempts 次（包含第一次），延遲以指數退避增長
type Policy struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Multiplier  float64       `yaml:"multiplier"`

	// Retryable decides whether an error is worth another attempt.
	// nil means errdefs.IsRetryable.
	Retryable func(error) bool `yaml:"-"`
}

// DefaultPolicy returns a sensible default retry policy
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		Multiplier:  2.0,
	}
}

// NoRetry runs the function exactly once.
func NoRetry() Policy {
	return Policy{MaxAttempts: 1}
}

// Delay computes the wait before the given retry (attempt starts at 1 for the
// first retry).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 0 || p.BaseDelay <= 0 {
		return 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := time.Duration(float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1)))
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

func (p Policy) retryable(err error) bool {
	if p.Retryable != nil {
		return p.Retryable(err)
	}
	return errdefs.IsRetryable(err)
}

// ExhaustedError 所有嘗試都失敗時回傳，包裹最後一次的錯誤
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry attempts exhausted after %d tries: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Do runs fn until it succeeds, returns a non-retryable error, the context is
// done, or the policy's attempt budget is spent. attempt passed to fn starts at 1.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) error {
	limit := p.attempts()
	var lastErr error

	for attempt := 1; attempt <= limit; attempt++ {
		if attempt > 1 {
			timer := time.NewTimer(p.Delay(attempt - 1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("retry interrupted: %w", ctx.Err())
			case <-timer.C:
			}
		}

		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		if !p.retryable(lastErr) {
			return lastErr
		}
	}

	if limit == 1 {
		return lastErr
	}
	return &ExhaustedError{Attempts: limit, Err: lastErr}
}
