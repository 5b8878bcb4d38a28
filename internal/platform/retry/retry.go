// Package retry provides bounded retry helpers for conditional-write
// collisions and batched store writes.
//
// Both helpers take an explicit Policy so call sites state their retry
// budget instead of relying on a process-wide default.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy describes an exponential backoff schedule with a capped attempt budget.
type Policy struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
	MaxAttempts         uint
}

// DefaultPolicy returns the standard write-retry schedule: 500ms doubling up
// to 10s, jittered by ±10%, at most 6 attempts.
func DefaultPolicy() Policy {
	return Policy{
		InitialInterval:     500 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		Multiplier:          2,
		RandomizationFactor: 0.1,
		MaxAttempts:         6,
	}
}

func (p Policy) normalized() Policy {
	if p.InitialInterval <= 0 {
		p.InitialInterval = 500 * time.Millisecond
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = 10 * time.Second
	}
	if p.Multiplier <= 1 {
		p.Multiplier = 2
	}
	if p.RandomizationFactor < 0 {
		p.RandomizationFactor = 0
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 6
	}
	return p
}

func (p Policy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.RandomizationFactor
	b.Reset()
	return b
}

// Do runs op under policy, re-attempting while retryable reports the error as
// transient. A nil retryable treats every error as transient. The last error
// is returned once the attempt budget is spent.
func Do[T any](ctx context.Context, policy Policy, retryable func(error) bool, op func() (T, error)) (T, error) {
	policy = policy.normalized()
	wrapped := func() (T, error) {
		value, err := op()
		if err != nil && retryable != nil && !retryable(err) {
			return value, backoff.Permanent(err)
		}
		return value, err
	}

	value, err := backoff.Retry(ctx, wrapped,
		backoff.WithBackOff(policy.backOff()),
		backoff.WithMaxTries(policy.MaxAttempts),
	)
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Unwrap()
	}
	return value, err
}

// BatchFunc attempts to write items and returns the subset it could not
// process, alongside the failure that stopped it, if any.
type BatchFunc[T any] func(ctx context.Context, items []T) ([]T, error)

// BatchError reports a batched write whose retry budget was exhausted.
type BatchError struct {
	Attempts    int
	Unprocessed int
	Err         error
}

// Error implements the error interface.
func (e *BatchError) Error() string {
	if e == nil {
		return "batch write failed"
	}
	if e.Err == nil {
		return fmt.Sprintf("batch write failed after %d attempts: %d items unprocessed", e.Attempts, e.Unprocessed)
	}
	return fmt.Sprintf("batch write failed after %d attempts: %d items unprocessed: %v", e.Attempts, e.Unprocessed, e.Err)
}

// Unwrap returns the last underlying failure.
func (e *BatchError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// DoBatch applies fn to items under policy, re-attempting only the subset fn
// reports as unprocessed. When the attempt budget is spent the still-failing
// subset is returned together with a *BatchError.
func DoBatch[T any](ctx context.Context, policy Policy, items []T, fn BatchFunc[T]) ([]T, error) {
	if len(items) == 0 {
		return nil, nil
	}
	policy = policy.normalized()
	schedule := policy.backOff()

	remaining := items
	var lastErr error
	attempts := 0
	for attempts < int(policy.MaxAttempts) {
		if attempts > 0 {
			select {
			case <-ctx.Done():
				return remaining, ctx.Err()
			case <-time.After(schedule.NextBackOff()):
			}
		}

		unprocessed, err := fn(ctx, remaining)
		attempts++
		lastErr = err
		if err == nil && len(unprocessed) == 0 {
			return nil, nil
		}
		if len(unprocessed) > 0 {
			remaining = unprocessed
		}
	}

	return remaining, &BatchError{
		Attempts:    attempts,
		Unprocessed: len(remaining),
		Err:         lastErr,
	}
}
