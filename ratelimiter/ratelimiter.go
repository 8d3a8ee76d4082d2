// Package ratelimiter implements the Rate Limiter (SPEC_FULL.md §4.C): it
// reads the x-ratelimit-* headers the LLM backend returns on every response
// and uses them to predictively throttle upcoming calls and recommend a
// concurrency level to the Dispatch Scheduler, instead of reacting only
// after a 429 arrives.
//
// Grounded in original_source/app/core/rate_limiter.py's DynamicRateLimiter
// (header parsing, wait_if_needed, get_safe_concurrency threshold table,
// parse_reset_time) and in the teacher's engine/ratelimit.go (tiktoken-based
// token estimation with a heuristic fallback, the stats struct shape).
package ratelimiter

import (
	"context"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mlscompliance/complyengine/logger"
	"github.com/mlscompliance/complyengine/model"
	"github.com/pkoukk/tiktoken-go"
)

// Budget thresholds from SPEC_FULL.md §4.C's concurrency table.
const (
	highBudgetThreshold   = 0.50
	mediumBudgetThreshold = 0.20
	lowBudgetThreshold    = 0.10
	minRequestBudgetPct   = 0.10
)

// Limiter tracks the LLM backend's rate limit state and recommends a safe
// concurrency level. One instance is shared process-wide; every job's tasks
// call WaitIfNeeded before a call and UpdateFromHeaders after.
type Limiter struct {
	mu sync.Mutex

	tokenLimit       *int
	requestLimit     *int
	remainingTokens  *int
	remainingRequests *int
	tokenResetAt     time.Time
	requestResetAt   time.Time

	minConcurrency     int
	maxConcurrency     int
	defaultConcurrency int
	charsPerToken      float64
	estimatorMaxOutput int
	safetyMargin       float64

	currentConcurrency int
	totalTokensUsed    int
	totalRequestsMade  int
	lastUpdate         time.Time
	paused             bool

	modelName string
}

func New(cfg model.RateLimitConfig, modelName string) *Limiter {
	l := &Limiter{
		minConcurrency:     cfg.MinConcurrency,
		maxConcurrency:     cfg.MaxConcurrency,
		defaultConcurrency: cfg.DefaultConcurrency,
		charsPerToken:      cfg.CharsPerToken,
		estimatorMaxOutput: cfg.EstimatorMaxOutput,
		safetyMargin:       cfg.SafetyMargin,
		currentConcurrency: cfg.DefaultConcurrency,
		lastUpdate:         time.Now(),
		modelName:          modelName,
	}
	logger.Logger.Info("rate limiter initialized",
		"min_concurrency", cfg.MinConcurrency,
		"max_concurrency", cfg.MaxConcurrency,
		"default_concurrency", cfg.DefaultConcurrency)
	return l
}

// EstimateTokens estimates total tokens (input + worst-case output) for a
// prompt body, preferring an exact tiktoken count and falling back to the
// chars-per-token heuristic when the model has no known encoding.
func (l *Limiter) EstimateTokens(text string) int {
	input := l.estimateInputTokensAccurate(text)
	if input == 0 {
		input = int(math.Ceil(float64(len(text)) / l.charsPerToken))
	}
	return input + l.estimatorMaxOutput
}

func (l *Limiter) estimateInputTokensAccurate(text string) int {
	if l.modelName == "" {
		return 0
	}
	tkm, err := tiktoken.EncodingForModel(l.modelName)
	if err != nil {
		return 0
	}
	return len(tkm.Encode(text, nil, nil))
}

// parseResetTime parses OpenAI's reset-time string ("1s", "6m0s", "2h30m15s")
// into seconds, defaulting to 60s on any parse failure, exactly as the
// original's parse_reset_time does.
func parseResetTime(s string) time.Duration {
	total := 0.0
	rest := s
	failed := false

	if idx := strings.Index(rest, "h"); idx >= 0 {
		if h, err := strconv.ParseFloat(rest[:idx], 64); err == nil {
			total += h * 3600
			rest = rest[idx+1:]
		} else {
			failed = true
		}
	}
	if idx := strings.Index(rest, "m"); idx >= 0 {
		if m, err := strconv.ParseFloat(rest[:idx], 64); err == nil {
			total += m * 60
			rest = rest[idx+1:]
		} else {
			failed = true
		}
	}
	if idx := strings.Index(rest, "s"); idx >= 0 {
		if sec, err := strconv.ParseFloat(rest[:idx], 64); err == nil {
			total += sec
		} else {
			failed = true
		}
	}

	if failed || total == 0.0 {
		return 60 * time.Second
	}
	return time.Duration(total * float64(time.Second))
}

// Headers is the subset of an HTTP response the limiter reads; kept as its
// own type so callers can build it from either http.Header or a provider's
// own header map without this package importing net/http.
type Headers map[string]string

func (h Headers) get(key string) (string, bool) {
	v, ok := h[key]
	return v, ok && v != ""
}

// UpdateFromHeaders parses the x-ratelimit-* headers from one LLM response
// and folds them into the tracked state. Parsing failures are logged and
// otherwise ignored -- rate limiting degrades to best-effort rather than
// failing the request.
func (l *Limiter) UpdateFromHeaders(headers Headers, tokensUsed int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if v, ok := headers.get("x-ratelimit-limit-tokens"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			l.tokenLimit = &n
		}
	}
	if v, ok := headers.get("x-ratelimit-limit-requests"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			l.requestLimit = &n
		}
	}
	if v, ok := headers.get("x-ratelimit-remaining-tokens"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			l.remainingTokens = &n
		}
	}
	if v, ok := headers.get("x-ratelimit-remaining-requests"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			l.remainingRequests = &n
		}
	}
	if v, ok := headers.get("x-ratelimit-reset-tokens"); ok {
		l.tokenResetAt = time.Now().Add(parseResetTime(v))
	}
	if v, ok := headers.get("x-ratelimit-reset-requests"); ok {
		l.requestResetAt = time.Now().Add(parseResetTime(v))
	}

	l.totalTokensUsed += tokensUsed
	l.totalRequestsMade++
	l.lastUpdate = time.Now()

	if l.remainingTokens != nil && l.tokenLimit != nil && *l.tokenLimit > 0 {
		usagePct := (1 - float64(*l.remainingTokens)/float64(*l.tokenLimit)) * 100
		logger.Logger.Debug("rate limit updated",
			"remaining_tokens", *l.remainingTokens, "token_limit", *l.tokenLimit,
			"usage_pct", usagePct)
	}
}

// WaitIfNeeded blocks until the token budget can plausibly absorb
// estimatedTokens, implementing predictive throttling ahead of the call
// rather than reacting to a 429 after the fact. It returns early if no
// rate-limit state has been observed yet (the first call in a process).
func (l *Limiter) WaitIfNeeded(ctx context.Context, estimatedTokens int) error {
	l.mu.Lock()
	if l.remainingTokens == nil || l.tokenLimit == nil || *l.tokenLimit <= 0 {
		l.mu.Unlock()
		return nil
	}

	minTokens := int(float64(*l.tokenLimit) * l.safetyMargin)
	needsWait := *l.remainingTokens < minTokens || *l.remainingTokens < estimatedTokens
	if !needsWait {
		l.mu.Unlock()
		return nil
	}

	resetAt := l.tokenResetAt
	tokenLimit := *l.tokenLimit
	remaining := *l.remainingTokens
	l.mu.Unlock()

	if resetAt.IsZero() || !resetAt.After(time.Now()) {
		return nil
	}
	wait := time.Until(resetAt) + time.Second

	logger.Logger.Warn("token budget low, pausing",
		"remaining_tokens", remaining, "token_limit", tokenLimit, "wait_seconds", wait.Seconds())

	l.mu.Lock()
	l.paused = true
	l.mu.Unlock()

	select {
	case <-ctx.Done():
		l.mu.Lock()
		l.paused = false
		l.mu.Unlock()
		return ctx.Err()
	case <-time.After(wait):
	}

	l.mu.Lock()
	l.paused = false
	l.remainingTokens = &tokenLimit
	l.mu.Unlock()
	logger.Logger.Info("token budget reset, resuming")
	return nil
}

// SafeConcurrency returns the recommended concurrency level given the
// current token and request budget, per SPEC_FULL.md §4.C's threshold
// table: >50% remaining -> max, 20-50% -> linear interpolation,
// 10-20% -> min, <10% -> min/2. A request-budget below 10% clamps the
// result to at most 5 regardless of the token budget.
func (l *Limiter) SafeConcurrency() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.remainingTokens == nil || l.tokenLimit == nil || *l.tokenLimit <= 0 {
		return l.defaultConcurrency
	}

	remainingPct := float64(*l.remainingTokens) / float64(*l.tokenLimit)

	var concurrency int
	switch {
	case remainingPct > highBudgetThreshold:
		concurrency = l.maxConcurrency
	case remainingPct > mediumBudgetThreshold:
		ratio := (remainingPct - mediumBudgetThreshold) / (highBudgetThreshold - mediumBudgetThreshold)
		concurrency = l.minConcurrency + int(ratio*float64(l.maxConcurrency-l.minConcurrency))
	case remainingPct > lowBudgetThreshold:
		concurrency = l.minConcurrency
	default:
		concurrency = l.minConcurrency / 2
		if concurrency < 1 {
			concurrency = 1
		}
	}

	if l.remainingRequests != nil && l.requestLimit != nil && *l.requestLimit > 0 {
		reqPct := float64(*l.remainingRequests) / float64(*l.requestLimit)
		if reqPct < minRequestBudgetPct && concurrency > 5 {
			concurrency = 5
		}
	}

	l.currentConcurrency = concurrency
	return concurrency
}

// Stats is the GET /metrics-friendly snapshot of limiter state.
type Stats struct {
	TotalTokensUsed    int     `json:"total_tokens_used"`
	TotalRequestsMade  int     `json:"total_requests_made"`
	RemainingTokens    *int    `json:"remaining_tokens"`
	RemainingRequests  *int    `json:"remaining_requests"`
	TokenLimit         *int    `json:"token_limit"`
	RequestLimit       *int    `json:"request_limit"`
	CurrentConcurrency int     `json:"current_concurrency"`
	Paused             bool    `json:"paused"`
	UptimeSeconds      float64 `json:"uptime_seconds"`
}

func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		TotalTokensUsed:    l.totalTokensUsed,
		TotalRequestsMade:  l.totalRequestsMade,
		RemainingTokens:    l.remainingTokens,
		RemainingRequests:  l.remainingRequests,
		TokenLimit:         l.tokenLimit,
		RequestLimit:       l.requestLimit,
		CurrentConcurrency: l.currentConcurrency,
		Paused:             l.paused,
		UptimeSeconds:      time.Since(l.lastUpdate).Seconds(),
	}
}
