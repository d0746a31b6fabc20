package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/kinetiq/flowline/pkg/schema"
)

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"cancelled", context.Canceled, false},
		{"validation error", schema.NewError(schema.ErrCodeValidation, "bad"), false},
		{"not found", schema.NewError(schema.ErrCodeNotFound, "gone"), false},
		{"execution error", schema.NewError(schema.ErrCodeExecution, "provider down"), true},
		{"store error", schema.NewError(schema.ErrCodeStore, "db locked"), true},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"rate limited", errors.New("429 too many requests"), true},
		{"unknown defaults retryable", errors.New("something odd"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryableError(tt.err))
		})
	}
}

func TestRetryPolicyBackoff(t *testing.T) {
	none := RetryPolicy{MaxRetries: 3}
	assert.Equal(t, time.Duration(0), none.Backoff(0))

	constant := RetryPolicy{MaxRetries: 3, Delay: 100 * time.Millisecond}
	assert.Equal(t, 100*time.Millisecond, constant.Backoff(0))
	assert.Equal(t, 100*time.Millisecond, constant.Backoff(2))

	exp := RetryPolicy{MaxRetries: 3, Delay: 100 * time.Millisecond, Exponential: true}
	assert.Equal(t, 100*time.Millisecond, exp.Backoff(0))
	assert.Equal(t, 200*time.Millisecond, exp.Backoff(1))
	assert.Equal(t, 400*time.Millisecond, exp.Backoff(2))
}

func TestWaitBackoffCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := waitBackoff(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)

	assert.NoError(t, waitBackoff(ctx, 0))
}
