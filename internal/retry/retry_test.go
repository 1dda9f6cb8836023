package retry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteWithRetry_SucceedsImmediatelyOnOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	calls := 0
	result, err := ExecuteWithRetry(context.Background(), DefaultRetryConfig(), func() (*http.Response, error) {
		calls++
		return http.Get(srv.URL)
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, result.Attempts)
}

func TestExecuteWithRetry_RetriesOnRetryableStatusThenSucceeds(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := RetryConfig{MaxRetries: 5, InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Multiplier: 2, JitterFactor: 0}
	result, err := ExecuteWithRetry(context.Background(), cfg, func() (*http.Response, error) {
		return http.Get(srv.URL)
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, result.Attempts)
}

func TestExecuteWithRetry_ExhaustsRetriesAndFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := RetryConfig{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2, JitterFactor: 0}
	_, err := ExecuteWithRetry(context.Background(), cfg, func() (*http.Response, error) {
		return http.Get(srv.URL)
	})

	assert.Error(t, err)
}

func TestExecuteWithRetry_ContextCancelledBeforeAttempt(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ExecuteWithRetry(ctx, DefaultRetryConfig(), func() (*http.Response, error) {
		t.Fatal("function should not be called when context is already cancelled")
		return nil, nil
	})

	assert.ErrorIs(t, err, context.Canceled)
}

func TestIsRetryableStatusCode(t *testing.T) {
	assert.True(t, IsRetryableStatusCode(http.StatusTooManyRequests))
	assert.True(t, IsRetryableStatusCode(http.StatusServiceUnavailable))
	assert.False(t, IsRetryableStatusCode(http.StatusOK))
	assert.False(t, IsRetryableStatusCode(http.StatusBadRequest))
}

func TestIsRetryableError(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
	assert.False(t, IsRetryableError(context.Canceled))
	assert.False(t, IsRetryableError(context.DeadlineExceeded))
	assert.True(t, IsRetryableError(errors.New("connection refused")))
}
