// Package retrygovernor implements the Retry Governor (SPEC_FULL.md §4.B):
// classified-error exponential backoff with jitter around a single LLM
// call, so a transient 429/timeout/5xx doesn't fail a record outright.
//
// The backoff schedule, the jitter range, and the error classification
// table (retryable: 429, timeout, network, 5xx, no-status-code; not
// retryable: other 4xx, unclassified) are grounded in
// original_source/app/core/retry_handler.py's retry_with_backoff decorator.
// Retry-After header capture is grounded in the teacher's
// engine.RateLimitedLLM.extractRetryAfter, adapted to use
// httpclient.RetryAfterProvider instead of string-matching the error text.
package retrygovernor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/mlscompliance/complyengine/logger"
	"github.com/mlscompliance/complyengine/model"
)

// Classification is the outcome of inspecting a failed call's error.
type Classification int

const (
	NonRetryable Classification = iota
	Retryable
)

// RetryAfterProvider mirrors httpclient.RetryAfterProvider so this package
// doesn't need to import httpclient directly.
type RetryAfterProvider interface {
	GetLastRetryAfter() (time.Duration, time.Time)
	ClearRetryAfter()
}

// Classify inspects an error from an LLM call and decides whether retrying
// it is worthwhile. langchaingo doesn't give us a typed error hierarchy
// across backends, so -- like the teacher's isRateLimitError -- this works
// from the error text plus net.Error, rather than a provider-specific type
// switch.
func Classify(err error) Classification {
	if err == nil {
		return NonRetryable
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return Retryable
	}

	msg := strings.ToLower(err.Error())

	retryableSubstrings := []string{
		"429", "too many requests", "rate limit",
		"timeout", "timed out", "deadline exceeded",
		"connection reset", "connection refused", "broken pipe", "eof",
		"500", "502", "503", "504",
		"no status code",
	}
	for _, s := range retryableSubstrings {
		if strings.Contains(msg, s) {
			return Retryable
		}
	}

	// Any other 4xx is a client error: retrying won't help.
	return NonRetryable
}

// Governor runs a call with the classified-retry policy described above.
type Governor struct {
	cfg      model.RetryConfig
	provider RetryAfterProvider
}

func New(cfg model.RetryConfig, provider RetryAfterProvider) *Governor {
	return &Governor{cfg: cfg, provider: provider}
}

// Do runs fn, retrying up to cfg.MaxRetries additional times on a
// Retryable classification, with exponential backoff (base*2^attempt,
// capped at MaxDelay) plus random jitter in [0, JitterRange). A
// Retry-After value observed on the HTTP response, when present, overrides
// the computed delay for that attempt.
func (g *Governor) Do(ctx context.Context, label string, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt <= g.cfg.MaxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if Classify(lastErr) != Retryable {
			return lastErr
		}
		if attempt == g.cfg.MaxRetries {
			logger.Logger.Error("retries exhausted", "label", label, "attempts", attempt+1, "error", lastErr)
			return fmt.Errorf("%s: giving up after %d attempts: %w", label, attempt+1, lastErr)
		}

		delay := g.backoffFor(attempt)
		logger.Logger.Warn("retrying after transient error",
			"label", label, "attempt", attempt+1, "max_retries", g.cfg.MaxRetries,
			"delay_seconds", delay.Seconds(), "error", lastErr)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return lastErr
}

func (g *Governor) backoffFor(attempt int) time.Duration {
	if g.provider != nil {
		if d, capturedAt := g.provider.GetLastRetryAfter(); d > 0 && time.Since(capturedAt) < 5*time.Second {
			g.provider.ClearRetryAfter()
			return d
		}
	}

	delay := g.cfg.BaseDelay * time.Duration(1<<uint(attempt))
	if delay > g.cfg.MaxDelay || delay <= 0 {
		delay = g.cfg.MaxDelay
	}
	if g.cfg.JitterRange > 0 {
		delay += time.Duration(rand.Int63n(int64(g.cfg.JitterRange)))
	}
	return delay
}
