package httpclient

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryAfterHTTPClient_ParsesSecondsHeader(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := NewRetryAfterHTTPClient(nil)
	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	duration, capturedAt := client.GetLastRetryAfter()
	assert.Equal(t, 30*time.Second, duration)
	assert.WithinDuration(t, time.Now(), capturedAt, time.Second)
}

func TestRetryAfterHTTPClient_PrefersRetryAfterMsHeader(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.Header().Set("retry-after-ms", "1500")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := NewRetryAfterHTTPClient(nil)
	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	duration, _ := client.GetLastRetryAfter()
	assert.Equal(t, 1500*time.Millisecond, duration)
}

func TestRetryAfterHTTPClient_ParsesHTTPDateHeader(t *testing.T) {
	retryTime := time.Now().Add(45 * time.Second).UTC()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", retryTime.Format(time.RFC1123))
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := NewRetryAfterHTTPClient(nil)
	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	duration, _ := client.GetLastRetryAfter()
	assert.InDelta(t, 45*time.Second, duration, float64(5*time.Second))
}

func TestRetryAfterHTTPClient_IgnoresNon429Responses(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "60")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewRetryAfterHTTPClient(nil)
	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	duration, _ := client.GetLastRetryAfter()
	assert.Zero(t, duration)
}

func TestRetryAfterHTTPClient_GetLastRetryAfter_StaleValueExpires(t *testing.T) {
	client := NewRetryAfterHTTPClient(nil)
	client.lastRetryAfter = 30 * time.Second
	client.lastRetryAfterAt = time.Now().Add(-61 * time.Second)

	duration, capturedAt := client.GetLastRetryAfter()
	assert.Zero(t, duration)
	assert.True(t, capturedAt.IsZero())
}

func TestRetryAfterHTTPClient_ClearRetryAfter(t *testing.T) {
	client := NewRetryAfterHTTPClient(nil)
	client.lastRetryAfter = 10 * time.Second
	client.lastRetryAfterAt = time.Now()

	client.ClearRetryAfter()

	duration, _ := client.GetLastRetryAfter()
	assert.Zero(t, duration)
}

func TestRetryAfterHTTPClient_Unwrap(t *testing.T) {
	inner := &http.Client{Timeout: 5 * time.Second}
	client := NewRetryAfterHTTPClient(inner)
	assert.Same(t, inner, client.Unwrap())
}

func TestNewRetryAfterHTTPClient_DefaultsWhenNil(t *testing.T) {
	client := NewRetryAfterHTTPClient(nil)
	require.NotNil(t, client.Unwrap())
	assert.Equal(t, 30*time.Second, client.Unwrap().Timeout)
}

func TestRetryAfterHTTPClient_CapturesRateLimitHeadersOnSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("x-ratelimit-limit-tokens", "1000")
		w.Header().Set("x-ratelimit-remaining-tokens", "400")
		w.Header().Set("x-ratelimit-reset-tokens", "6m0s")
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewRetryAfterHTTPClient(nil)
	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	headers := client.LastRateLimitHeaders()
	assert.Equal(t, "1000", headers["x-ratelimit-limit-tokens"])
	assert.Equal(t, "400", headers["x-ratelimit-remaining-tokens"])
	assert.Equal(t, "6m0s", headers["x-ratelimit-reset-tokens"])
}

func TestRetryAfterHTTPClient_CapturesRateLimitHeadersOn429(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("x-ratelimit-remaining-requests", "2")
		w.Header().Set("Retry-After", "5")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := NewRetryAfterHTTPClient(nil)
	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	headers := client.LastRateLimitHeaders()
	assert.Equal(t, "2", headers["x-ratelimit-remaining-requests"])
}

func TestRetryAfterHTTPClient_LastRateLimitHeaders_EmptyWhenNoneObserved(t *testing.T) {
	client := NewRetryAfterHTTPClient(nil)
	assert.Empty(t, client.LastRateLimitHeaders())
}
