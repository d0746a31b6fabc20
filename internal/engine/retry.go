package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/kinetiq/flowline/pkg/schema"
)

// RetryPolicy bounds retries of agent invocations. Only agent steps retry;
// deterministic step types fail fast.
type RetryPolicy struct {
	MaxRetries  int
	Delay       time.Duration
	Exponential bool
}

// IsRetryableError classifies whether a failed invocation should be retried.
// Validation errors and cancellation never retry; transient provider and
// network failures do.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// Step deadline exceeded is retryable; the workflow-level timeout is
	// enforced separately by the executor.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Cancellation means the execution is shutting down.
	if errors.Is(err, context.Canceled) {
		return false
	}

	var ferr *schema.FlowError
	if errors.As(err, &ferr) {
		return ferr.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// String heuristics for common transient provider failures.
	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"gateway timeout",
		"too many requests",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}

	// Default: retryable, the policy caps attempts.
	return true
}

// Backoff returns the delay before retry number attempt (0-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if p.Delay <= 0 {
		return 0
	}
	if !p.Exponential {
		return p.Delay
	}
	delay := p.Delay
	for i := 0; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// waitBackoff sleeps for the delay or returns early on context cancellation.
func waitBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
