package model

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseServiceConfig(t *testing.T) {
	t.Run("no path applies defaults only", func(t *testing.T) {
		cfg, err := ParseServiceConfig("")
		require.NoError(t, err)
		assert.Equal(t, ":8080", cfg.ListenAddr)
		assert.Equal(t, 10, cfg.RateLimit.MinConcurrency)
		assert.Equal(t, 200, cfg.RateLimit.MaxConcurrency)
		assert.Equal(t, 50, cfg.RateLimit.DefaultConcurrency)
		assert.Equal(t, ExecutorDefaultModel, cfg.Provider.Model)
	})

	t.Run("valid file overrides defaults", func(t *testing.T) {
		path := writeTempConfig(t, `
listen_addr: ":9090"
provider:
  type: OPENAI
  model: gpt-4o-mini
  token: sk-test
rate_limit:
  min_concurrency: 5
  max_concurrency: 100
`)
		cfg, err := ParseServiceConfig(path)
		require.NoError(t, err)
		assert.Equal(t, ":9090", cfg.ListenAddr)
		assert.Equal(t, ProviderOpenAI, cfg.Provider.Type)
		assert.Equal(t, "gpt-4o-mini", cfg.Provider.Model)
		assert.Equal(t, 5, cfg.RateLimit.MinConcurrency)
		assert.Equal(t, 100, cfg.RateLimit.MaxConcurrency)
		// untouched fields still get defaults
		assert.Equal(t, 50, cfg.RateLimit.DefaultConcurrency)
	})

	t.Run("non-existent file", func(t *testing.T) {
		_, err := ParseServiceConfig("/non/existent/config.yaml")
		assert.Error(t, err)
	})

	t.Run("invalid YAML", func(t *testing.T) {
		path := writeTempConfig(t, "not: valid: yaml: at: all:")
		_, err := ParseServiceConfig(path)
		assert.Error(t, err)
	})
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("MIN_CONCURRENCY", "7")
	t.Setenv("API_TIMEOUT", "45")

	cfg, err := ParseServiceConfig("")
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.RateLimit.MinConcurrency)
	assert.Equal(t, 45*time.Second, cfg.Timeouts.APITimeout)
}
