// Package config provides configuration management with hot-reload support.
// It uses fsnotify to watch for file changes and atomic pointer swaps for
// zero-downtime updates.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete resilience core configuration.
type Config struct {
	Store           StoreConfig          `yaml:"store"`
	Logging         LoggingConfig        `yaml:"logging"`
	CircuitBreakers CircuitBreakerConfig `yaml:"circuit_breakers"`
	RateLimit       RateLimitConfig      `yaml:"rate_limit"`
	Backpressure    BackpressureConfig   `yaml:"backpressure"`
}

// StoreConfig contains shared state store (Redis) settings.
type StoreConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PoolSize     int           `yaml:"pool_size"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// BreakerSettings holds the tunables for a single circuit.
type BreakerSettings struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
	SuccessThreshold int           `yaml:"success_threshold"`
	CallTimeout      time.Duration `yaml:"call_timeout"`
	ExpectedFailures []string      `yaml:"expected_failures"`
}

// CircuitBreakerConfig holds defaults plus per-circuit overrides keyed by
// circuit name.
type CircuitBreakerConfig struct {
	Defaults  BreakerSettings            `yaml:"defaults"`
	Overrides map[string]BreakerSettings `yaml:"overrides"`
}

// LimitSettings bounds request rates at up to three granularities.
type LimitSettings struct {
	RequestsPerMinute int    `yaml:"requests_per_minute"`
	RequestsPerHour   int    `yaml:"requests_per_hour"`
	RequestsPerDay    int    `yaml:"requests_per_day"`
	Algorithm         string `yaml:"algorithm"` // sliding_window, token_bucket, fixed_window
	BurstLimit        int    `yaml:"burst_limit"`
}

// RuleConfig binds a limit to matching requests. Rules are ordered; the
// first match governs.
type RuleConfig struct {
	Path       string        `yaml:"path"`
	Method     string        `yaml:"method"`
	ClientType string        `yaml:"client_type"`
	Limit      LimitSettings `yaml:"limit"`
}

// RateLimitConfig contains the default limit and the ordered rule list.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled"`
	Default LimitSettings `yaml:"default"`
	Rules   []RuleConfig  `yaml:"rules"`
}

// HandlerSettings holds the tunables for a single backpressure handler.
type HandlerSettings struct {
	MaxQueueSize      int           `yaml:"max_queue_size"`
	MaxConcurrent     int           `yaml:"max_concurrent"`
	MaxMemoryBytes    int64         `yaml:"max_memory_bytes"`
	QueueTimeout      time.Duration `yaml:"queue_timeout"`
	TaskTimeout       time.Duration `yaml:"task_timeout"`
	Strategy          string        `yaml:"strategy"` // reject, drop_oldest, adaptive
	AdaptiveThreshold float64       `yaml:"adaptive_threshold"`
}

// BackpressureConfig holds defaults plus per-handler overrides keyed by
// handler name.
type BackpressureConfig struct {
	Defaults  HandlerSettings            `yaml:"defaults"`
	Overrides map[string]HandlerSettings `yaml:"overrides"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Addr:         "localhost:6379",
			DialTimeout:  5 * time.Second,
			ReadTimeout:  1 * time.Second,
			WriteTimeout: 1 * time.Second,
			PoolSize:     10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		CircuitBreakers: CircuitBreakerConfig{
			Defaults: BreakerSettings{
				FailureThreshold: 5,
				RecoveryTimeout:  30 * time.Second,
				SuccessThreshold: 2,
				CallTimeout:      10 * time.Second,
				ExpectedFailures: []string{"transient", "timeout", "unavailable"},
			},
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			Default: LimitSettings{
				RequestsPerMinute: 60,
				RequestsPerHour:   1000,
				Algorithm:         "sliding_window",
				BurstLimit:        10,
			},
		},
		Backpressure: BackpressureConfig{
			Defaults: HandlerSettings{
				MaxQueueSize:      1000,
				MaxConcurrent:     10,
				MaxMemoryBytes:    100 << 20,
				QueueTimeout:      30 * time.Second,
				TaskTimeout:       60 * time.Second,
				Strategy:          "reject",
				AdaptiveThreshold: 1.4,
			},
		},
	}
}

// LoadFromFile reads and parses a YAML configuration file.
// Environment variables in the format ${VAR_NAME} are expanded.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

var validAlgorithms = map[string]bool{
	"": true, "sliding_window": true, "token_bucket": true, "fixed_window": true,
}

var validStrategies = map[string]bool{
	"": true, "reject": true, "drop_oldest": true, "adaptive": true,
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Store.Addr == "" {
		return fmt.Errorf("store.addr is required")
	}

	if err := c.CircuitBreakers.Defaults.validate("circuit_breakers.defaults"); err != nil {
		return err
	}
	for name, s := range c.CircuitBreakers.Overrides {
		if err := s.validate(fmt.Sprintf("circuit_breakers.overrides[%s]", name)); err != nil {
			return err
		}
	}

	if err := c.RateLimit.Default.validate("rate_limit.default"); err != nil {
		return err
	}
	for i, r := range c.RateLimit.Rules {
		if r.Path == "" && r.Method == "" && r.ClientType == "" {
			return fmt.Errorf("rate_limit.rules[%d]: at least one of path, method, client_type is required", i)
		}
		if err := r.Limit.validate(fmt.Sprintf("rate_limit.rules[%d].limit", i)); err != nil {
			return err
		}
	}

	if err := c.Backpressure.Defaults.validate("backpressure.defaults"); err != nil {
		return err
	}
	for name, s := range c.Backpressure.Overrides {
		if err := s.validate(fmt.Sprintf("backpressure.overrides[%s]", name)); err != nil {
			return err
		}
	}

	return nil
}

func (s BreakerSettings) validate(path string) error {
	if s.FailureThreshold < 0 {
		return fmt.Errorf("%s: failure_threshold cannot be negative", path)
	}
	if s.SuccessThreshold < 0 {
		return fmt.Errorf("%s: success_threshold cannot be negative", path)
	}
	if s.RecoveryTimeout < 0 || s.CallTimeout < 0 {
		return fmt.Errorf("%s: timeouts cannot be negative", path)
	}
	return nil
}

func (s LimitSettings) validate(path string) error {
	if s.RequestsPerMinute < 0 || s.RequestsPerHour < 0 || s.RequestsPerDay < 0 {
		return fmt.Errorf("%s: limits cannot be negative", path)
	}
	if !validAlgorithms[s.Algorithm] {
		return fmt.Errorf("%s: unknown algorithm %q", path, s.Algorithm)
	}
	if s.BurstLimit < 0 {
		return fmt.Errorf("%s: burst_limit cannot be negative", path)
	}
	return nil
}

func (s HandlerSettings) validate(path string) error {
	if s.MaxQueueSize < 0 || s.MaxConcurrent < 0 || s.MaxMemoryBytes < 0 {
		return fmt.Errorf("%s: bounds cannot be negative", path)
	}
	if s.QueueTimeout < 0 || s.TaskTimeout < 0 {
		return fmt.Errorf("%s: timeouts cannot be negative", path)
	}
	if !validStrategies[s.Strategy] {
		return fmt.Errorf("%s: unknown strategy %q", path, s.Strategy)
	}
	return nil
}
