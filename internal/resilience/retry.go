// Package resilience provides the retry, watchdog, and supervised-task
// primitives used throughout the mesh for fault-tolerant background work.
package resilience

import (
	"context"
	"log/slog"
	"time"
)

// RetryPolicy controls retry-with-backoff for a critical send.
type RetryPolicy struct {
	MaxRetries    int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryPolicy returns the policy used for automation actions and OTA
// chunk sends unless a caller overrides it.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:    3,
		BaseDelay:     500 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2.0,
	}
}

// DelayForAttempt returns the sleep before attempt i (0-indexed).
func (p RetryPolicy) DelayForAttempt(i int) time.Duration {
	delay := float64(p.BaseDelay)
	for n := 0; n < i; n++ {
		delay *= p.BackoffFactor
	}
	d := time.Duration(delay)
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Send is a unit of work that returns true on success. RetrySend treats a
// panic-free false return the same as an error: both trigger a retry.
type Send func(ctx context.Context) (bool, error)

// RetrySend invokes fn, retrying with the policy's backoff schedule on
// failure or false return. It returns the first truthy result, or false once
// the policy is exhausted. A nil ctx means no cancellation.
func RetrySend(ctx context.Context, fn Send, policy RetryPolicy) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		ok, err := fn(ctx)
		if err == nil && ok {
			return true
		}
		if err != nil {
			slog.Debug("resilience: send attempt failed", "attempt", attempt, "error", err)
		}
		if attempt == policy.MaxRetries {
			break
		}
		select {
		case <-time.After(policy.DelayForAttempt(attempt)):
		case <-ctx.Done():
			return false
		}
	}
	return false
}
