package retrygovernor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mlscompliance/complyengine/logger"
	"github.com/mlscompliance/complyengine/model"
	"github.com/stretchr/testify/assert"
)

func init() {
	logger.SetupLogger(&discardWriter{}, true)
}

type discardWriter struct{}

func (d *discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected Classification
	}{
		{name: "nil error", err: nil, expected: NonRetryable},
		{name: "429", err: errors.New("429 Too Many Requests"), expected: Retryable},
		{name: "rate limit text", err: errors.New("rate limit exceeded"), expected: Retryable},
		{name: "timeout", err: errors.New("context deadline exceeded"), expected: Retryable},
		{name: "connection reset", err: errors.New("connection reset by peer"), expected: Retryable},
		{name: "server error", err: errors.New("502 Bad Gateway"), expected: Retryable},
		{name: "not found", err: errors.New("404 Not Found"), expected: NonRetryable},
		{name: "unauthorized", err: errors.New("401 Unauthorized"), expected: NonRetryable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Classify(tt.err))
		})
	}
}

func testRetryConfig() model.RetryConfig {
	return model.RetryConfig{
		MaxRetries:  2,
		BaseDelay:   time.Millisecond,
		MaxDelay:    10 * time.Millisecond,
		JitterRange: time.Millisecond,
	}
}

func TestGovernor_Do_SucceedsImmediately(t *testing.T) {
	g := New(testRetryConfig(), nil)
	calls := 0
	err := g.Do(context.Background(), "test", func() error {
		calls++
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestGovernor_Do_RetriesThenSucceeds(t *testing.T) {
	g := New(testRetryConfig(), nil)
	calls := 0
	err := g.Do(context.Background(), "test", func() error {
		calls++
		if calls < 2 {
			return errors.New("503 Service Unavailable")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestGovernor_Do_NonRetryableFailsImmediately(t *testing.T) {
	g := New(testRetryConfig(), nil)
	calls := 0
	err := g.Do(context.Background(), "test", func() error {
		calls++
		return errors.New("400 Bad Request")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestGovernor_Do_ExhaustsRetries(t *testing.T) {
	g := New(testRetryConfig(), nil)
	calls := 0
	err := g.Do(context.Background(), "test", func() error {
		calls++
		return errors.New("429 Too Many Requests")
	})
	assert.Error(t, err)
	assert.Equal(t, testRetryConfig().MaxRetries+1, calls)
}

func TestGovernor_Do_ContextCancelledDuringBackoff(t *testing.T) {
	cfg := testRetryConfig()
	cfg.BaseDelay = time.Hour
	g := New(cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	err := g.Do(ctx, "test", func() error {
		calls++
		return errors.New("timeout")
	})
	assert.ErrorIs(t, err, context.Canceled)
}

type fakeRetryAfterProvider struct {
	delay      time.Duration
	capturedAt time.Time
	cleared    bool
}

func (f *fakeRetryAfterProvider) GetLastRetryAfter() (time.Duration, time.Time) {
	return f.delay, f.capturedAt
}

func (f *fakeRetryAfterProvider) ClearRetryAfter() {
	f.cleared = true
}

func TestGovernor_BackoffFor_UsesRetryAfterWhenFresh(t *testing.T) {
	provider := &fakeRetryAfterProvider{delay: 2 * time.Second, capturedAt: time.Now()}
	g := New(testRetryConfig(), provider)

	delay := g.backoffFor(0)
	assert.Equal(t, 2*time.Second, delay)
	assert.True(t, provider.cleared)
}

func TestGovernor_BackoffFor_IgnoresStaleRetryAfter(t *testing.T) {
	provider := &fakeRetryAfterProvider{delay: 2 * time.Second, capturedAt: time.Now().Add(-10 * time.Second)}
	g := New(testRetryConfig(), provider)

	delay := g.backoffFor(0)
	assert.NotEqual(t, 2*time.Second, delay)
	assert.False(t, provider.cleared)
}

func TestGovernor_BackoffFor_CapsAtMaxDelay(t *testing.T) {
	cfg := testRetryConfig()
	cfg.BaseDelay = time.Second
	cfg.MaxDelay = 2 * time.Second
	cfg.JitterRange = 0
	g := New(cfg, nil)

	delay := g.backoffFor(5) // base*2^5 far exceeds MaxDelay
	assert.Equal(t, cfg.MaxDelay, delay)
}
