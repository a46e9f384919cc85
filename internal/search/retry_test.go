package search

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffDoublesAndCaps(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(DefaultMaxRetries, time.Second, 30*time.Second)
	want := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for retry, expected := range want {
		require.Equal(t, expected, p.Backoff(retry), "retry %d", retry)
	}
}

func TestShouldRetryHonorsBudgetAndOutcome(t *testing.T) {
	t.Parallel()

	p := NewRetryPolicy(2, 0, 0)
	require.True(t, p.ShouldRetry(OutcomeRateLimited, 0))
	require.True(t, p.ShouldRetry(OutcomeTransient, 1))
	require.False(t, p.ShouldRetry(OutcomeTransient, 2))
	require.False(t, p.ShouldRetry(OutcomeUnauthorized, 0))
	require.False(t, p.ShouldRetry(OutcomeFailure, 0))
	require.Equal(t, 2, p.MaxRetries())
}

func TestClassify(t *testing.T) {
	t.Parallel()

	transportErr := errors.New("connection reset")
	tests := []struct {
		status int
		err    error
		want   Outcome
	}{
		{http.StatusOK, nil, OutcomeSuccess},
		{http.StatusOK, errors.New("bad json"), OutcomeFailure},
		{http.StatusTooManyRequests, nil, OutcomeRateLimited},
		{0, transportErr, OutcomeTransient},
		{http.StatusUnauthorized, nil, OutcomeUnauthorized},
		{http.StatusForbidden, nil, OutcomeUnauthorized},
		{http.StatusInternalServerError, nil, OutcomeFailure},
		{http.StatusNotFound, nil, OutcomeFailure},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, Classify(tt.status, tt.err), "status %d", tt.status)
	}
}
