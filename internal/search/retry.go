package search

import (
	"context"
	"time"
)

// Retry defaults for rate-limited and transport failures.
const (
	DefaultMaxRetries     = 5
	DefaultBackoffInitial = time.Second
	DefaultBackoffMax     = 30 * time.Second
)

// RetryPolicy implements doubling backoff with a ceiling.
type RetryPolicy struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// NewRetryPolicy builds a policy. A negative retry budget or non-positive
// delays take the defaults.
func NewRetryPolicy(maxRetries int, baseDelay, maxDelay time.Duration) *RetryPolicy {
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}
	if baseDelay <= 0 {
		baseDelay = DefaultBackoffInitial
	}
	if maxDelay <= 0 {
		maxDelay = DefaultBackoffMax
	}
	if maxDelay < baseDelay {
		maxDelay = baseDelay
	}
	return &RetryPolicy{maxRetries: maxRetries, baseDelay: baseDelay, maxDelay: maxDelay}
}

// ShouldRetry decides whether another attempt is allowed after retries
// retries have already been spent on an outcome.
func (p *RetryPolicy) ShouldRetry(outcome Outcome, retries int) bool {
	return outcome.Retryable() && retries < p.maxRetries
}

// Backoff returns the wait before retry number retry (zero based).
func (p *RetryPolicy) Backoff(retry int) time.Duration {
	delay := p.baseDelay
	for i := 0; i < retry; i++ {
		delay *= 2
		if delay >= p.maxDelay {
			return p.maxDelay
		}
	}
	return delay
}

// MaxRetries is the retry budget per query.
func (p *RetryPolicy) MaxRetries() int {
	return p.maxRetries
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
