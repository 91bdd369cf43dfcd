package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "resilience.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
store:
  addr: redis-primary:6379
  db: 2
logging:
  level: debug
  format: text
circuit_breakers:
  defaults:
    failure_threshold: 3
    recovery_timeout: 15s
  overrides:
    pms:
      failure_threshold: 10
rate_limit:
  enabled: true
  default:
    requests_per_minute: 120
  rules:
    - path: /v1/calls
      method: POST
      limit:
        requests_per_minute: 30
        algorithm: token_bucket
        burst_limit: 5
backpressure:
  defaults:
    max_queue_size: 500
  overrides:
    transcripts:
      strategy: drop_oldest
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "redis-primary:6379", cfg.Store.Addr)
	assert.Equal(t, 2, cfg.Store.DB)
	assert.Equal(t, "debug", cfg.Logging.Level)

	assert.Equal(t, 3, cfg.CircuitBreakers.Defaults.FailureThreshold)
	assert.Equal(t, 15*time.Second, cfg.CircuitBreakers.Defaults.RecoveryTimeout)
	assert.Equal(t, 10, cfg.CircuitBreakers.Overrides["pms"].FailureThreshold)

	assert.Equal(t, 120, cfg.RateLimit.Default.RequestsPerMinute)
	require.Len(t, cfg.RateLimit.Rules, 1)
	assert.Equal(t, "token_bucket", cfg.RateLimit.Rules[0].Limit.Algorithm)

	assert.Equal(t, 500, cfg.Backpressure.Defaults.MaxQueueSize)
	assert.Equal(t, "drop_oldest", cfg.Backpressure.Overrides["transcripts"].Strategy)

	// Unset fields keep their defaults.
	assert.Equal(t, 10*time.Second, cfg.CircuitBreakers.Defaults.CallTimeout)
	assert.Equal(t, 10, cfg.Backpressure.Defaults.MaxConcurrent)
}

func TestLoadFromFile_ExpandsEnvVars(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis-test:6380")
	t.Setenv("REDIS_PASSWORD", "secret")

	path := writeConfig(t, `
store:
  addr: ${REDIS_ADDR}
  password: ${REDIS_PASSWORD}
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "redis-test:6380", cfg.Store.Addr)
	assert.Equal(t, "secret", cfg.Store.Password)
}

func TestLoadFromFile_Errors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := LoadFromFile(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.Error(t, err)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		_, err := LoadFromFile(writeConfig(t, "store: [not a map"))
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	t.Run("defaults are valid", func(t *testing.T) {
		assert.NoError(t, DefaultConfig().Validate())
	})

	t.Run("empty store addr", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Store.Addr = ""
		assert.ErrorContains(t, cfg.Validate(), "store.addr")
	})

	t.Run("unknown algorithm", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.RateLimit.Default.Algorithm = "leaky_bucket"
		assert.ErrorContains(t, cfg.Validate(), "algorithm")
	})

	t.Run("unknown strategy", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Backpressure.Overrides = map[string]HandlerSettings{
			"x": {Strategy: "random"},
		}
		assert.ErrorContains(t, cfg.Validate(), "strategy")
	})

	t.Run("rule without matcher", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.RateLimit.Rules = []RuleConfig{{Limit: LimitSettings{RequestsPerMinute: 1}}}
		assert.ErrorContains(t, cfg.Validate(), "rules[0]")
	})

	t.Run("negative threshold", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.CircuitBreakers.Defaults.FailureThreshold = -1
		assert.Error(t, cfg.Validate())
	})
}
