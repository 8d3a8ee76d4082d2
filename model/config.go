package model

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ProviderType mirrors the teacher's provider discriminator: the wire
// protocol assumed by the LLM backend contract (SPEC_FULL.md §6) is
// provider-specific only in how the process authenticates and which
// langchaingo constructor is used; everything above that line is uniform.
type ProviderType string

const (
	ProviderOpenAI           ProviderType = "OPENAI"
	ProviderAzure            ProviderType = "AZURE"
	ProviderAnthropic        ProviderType = "ANTHROPIC"
	ProviderAmazonAnthropic  ProviderType = "AMAZON-ANTHROPIC"
	ProviderGoogleVertex     ProviderType = "VERTEX"
	ProviderGoogle           ProviderType = "GOOGLE"
	ProviderGroq             ProviderType = "GROQ"
)

// ProviderConfig describes how to construct the single process-wide LLM
// backend. Field names and auth modes are carried over from the teacher's
// model.Provider, trimmed to what a long-running service needs (the
// teacher's benchmark-run-only fields like ServerDelay have no home here).
type ProviderConfig struct {
	Type            ProviderType `yaml:"type"`
	Token           string       `yaml:"token"`
	Secret          string       `yaml:"secret"`
	Model           string       `yaml:"model"`
	BaseURL         string       `yaml:"base_url"`
	Version         string       `yaml:"version"`
	ProjectID       string       `yaml:"project_id"`
	Location        string       `yaml:"location"`
	CredentialsPath string       `yaml:"credentials_path"`
	AuthType        string       `yaml:"auth_type"` // "api-key" | "entra_id", Azure only
}

// RateLimitConfig seeds the Rate Limiter's static knobs (see SPEC_FULL.md
// §4.C); the dynamic fields (remaining_tokens, etc.) live in ratelimiter.Limiter.
type RateLimitConfig struct {
	MinConcurrency     int     `yaml:"min_concurrency"`
	MaxConcurrency     int     `yaml:"max_concurrency"`
	DefaultConcurrency int     `yaml:"default_concurrency"`
	CharsPerToken      float64 `yaml:"chars_per_token"`
	EstimatorMaxOutput int     `yaml:"estimator_max_output_tokens"`
	SafetyMargin       float64 `yaml:"safety_margin"`
}

// RetryConfig seeds the Retry Governor (SPEC_FULL.md §4.B).
type RetryConfig struct {
	MaxRetries  int           `yaml:"max_retries"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	JitterRange time.Duration `yaml:"jitter_range"`
}

// PromptCacheConfig seeds the Prompt Resolver's TTL cache (SPEC_FULL.md §4.D).
type PromptCacheConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// TimeoutConfig seeds the per-call and per-job deadlines (SPEC_FULL.md §5).
type TimeoutConfig struct {
	APITimeout     time.Duration `yaml:"api_timeout"`
	JobTimeout     time.Duration `yaml:"job_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// ConnectionPoolConfig seeds the shared outbound HTTP transport.
type ConnectionPoolConfig struct {
	MaxConnections         int `yaml:"max_connections"`
	MaxKeepAliveConnections int `yaml:"max_keepalive_connections"`
}

// ServiceConfig is the top-level YAML-backed configuration for the service,
// the same "parse then apply defaults" shape as the teacher's
// ParseTestConfig/ParseSuiteConfig.
type ServiceConfig struct {
	ListenAddr        string               `yaml:"listen_addr"`
	Provider          ProviderConfig       `yaml:"provider"`
	RateLimit         RateLimitConfig      `yaml:"rate_limit"`
	Retry             RetryConfig          `yaml:"retry"`
	PromptCache       PromptCacheConfig    `yaml:"prompt_cache"`
	Timeouts          TimeoutConfig        `yaml:"timeouts"`
	ConnectionPool    ConnectionPoolConfig `yaml:"connection_pool"`
	PromptRegistryURL string               `yaml:"prompt_registry_url"`
}

func (c *ServiceConfig) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.RateLimit.MinConcurrency <= 0 {
		c.RateLimit.MinConcurrency = 10
	}
	if c.RateLimit.MaxConcurrency <= 0 {
		c.RateLimit.MaxConcurrency = 200
	}
	if c.RateLimit.DefaultConcurrency <= 0 {
		c.RateLimit.DefaultConcurrency = 50
	}
	if c.RateLimit.CharsPerToken <= 0 {
		c.RateLimit.CharsPerToken = 4
	}
	if c.RateLimit.EstimatorMaxOutput <= 0 {
		c.RateLimit.EstimatorMaxOutput = 6590 // deliberately independent of ExecutorDefaultMaxOutputTokens
	}
	if c.RateLimit.SafetyMargin <= 0 {
		c.RateLimit.SafetyMargin = 0.10
	}
	if c.Retry.MaxRetries <= 0 {
		c.Retry.MaxRetries = 3
	}
	if c.Retry.BaseDelay <= 0 {
		c.Retry.BaseDelay = time.Second
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = 16 * time.Second
	}
	if c.Retry.JitterRange <= 0 {
		c.Retry.JitterRange = time.Second
	}
	if c.PromptCache.TTL == 0 {
		c.PromptCache.TTL = 300 * time.Second
	}
	if c.Timeouts.APITimeout <= 0 {
		c.Timeouts.APITimeout = 30 * time.Second
	}
	if c.Timeouts.JobTimeout <= 0 {
		c.Timeouts.JobTimeout = 600 * time.Second
	}
	if c.Timeouts.RequestTimeout <= 0 {
		c.Timeouts.RequestTimeout = 600 * time.Second
	}
	if c.ConnectionPool.MaxConnections <= 0 {
		c.ConnectionPool.MaxConnections = 200
	}
	if c.ConnectionPool.MaxKeepAliveConnections <= 0 {
		c.ConnectionPool.MaxKeepAliveConnections = 50
	}
	if c.Provider.Model == "" {
		c.Provider.Model = ExecutorDefaultModel
	}
}

// ParseServiceConfig reads a YAML config file and layers the environment
// variable overrides named in SPEC_FULL.md §6 on top, mirroring
// original_source/app/core/config.py's per-setting os.getenv pattern.
func ParseServiceConfig(path string) (*ServiceConfig, error) {
	var cfg ServiceConfig
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read service config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse service config %q: %w", path, err)
		}
	}
	applyEnvOverrides(&cfg)
	cfg.applyDefaults()
	return &cfg, nil
}

func applyEnvOverrides(cfg *ServiceConfig) {
	envInt(&cfg.RateLimit.MinConcurrency, "MIN_CONCURRENCY")
	envInt(&cfg.RateLimit.MaxConcurrency, "MAX_CONCURRENCY")
	envInt(&cfg.RateLimit.DefaultConcurrency, "DEFAULT_CONCURRENCY")
	envFloat(&cfg.RateLimit.CharsPerToken, "CHARS_PER_TOKEN")
	envInt(&cfg.RateLimit.EstimatorMaxOutput, "MAX_OUTPUT_TOKENS")
	envFloat(&cfg.RateLimit.SafetyMargin, "SAFETY_MARGIN")
	envInt(&cfg.Retry.MaxRetries, "MAX_RETRIES")
	envDuration(&cfg.Retry.BaseDelay, "BASE_RETRY_DELAY")
	envDuration(&cfg.Retry.MaxDelay, "MAX_RETRY_DELAY")
	envDuration(&cfg.Retry.JitterRange, "JITTER_RANGE")
	envDuration(&cfg.Timeouts.APITimeout, "API_TIMEOUT")
	envDuration(&cfg.Timeouts.RequestTimeout, "REQUEST_TIMEOUT")
	envInt(&cfg.ConnectionPool.MaxConnections, "MAX_CONNECTIONS")
	envInt(&cfg.ConnectionPool.MaxKeepAliveConnections, "MAX_KEEPALIVE_CONNECTIONS")
	envDuration(&cfg.PromptCache.TTL, "PROMPT_CACHE_TTL_SECONDS")
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

// envDuration reads a plain integer-seconds env var (matching the
// distilled spec's *_SECONDS naming) into a time.Duration field.
func envDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Second
		}
	}
}
