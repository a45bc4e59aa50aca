// Package config loads the pipeline's YAML configuration file, applies
// defaults, overlays environment variables, and validates the result.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	validator "github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Duration unmarshals from a Go duration string ("30s", "5m") instead of a
// nanosecond integer, matching how every other duration-shaped field in
// this config file is authored.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Config is the root configuration document.
type Config struct {
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	RateLimiter RateLimiterConfig `yaml:"rate_limiter"`
	Breaker     BreakerConfig     `yaml:"breaker"`
	Cache       CacheConfig       `yaml:"cache"`
	LLM         LLMConfig         `yaml:"llm"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

type PipelineConfig struct {
	Concurrency  int      `yaml:"concurrency" validate:"min=1"`
	EntryTimeout Duration `yaml:"entry_timeout"`
	// CheckpointEnabled selects store/sqlstore (durable, resumable across
	// process restarts) over store/memstore (in-memory, single run only).
	CheckpointEnabled bool   `yaml:"checkpoint_enabled"`
	CheckpointDSN     string `yaml:"checkpoint_dsn"`
	PromptVersion     string `yaml:"prompt_version"`
}

type RateLimiterConfig struct {
	RequestsPerPeriod int      `yaml:"requests_per_period" validate:"min=1"`
	Period            Duration `yaml:"period"`
	Burst             int      `yaml:"burst" validate:"min=1"`
	Shards            int      `yaml:"shards" validate:"min=1"`
	Adaptive          bool     `yaml:"adaptive"`
	RebalanceRatio    float64  `yaml:"rebalance_ratio"`
	RebalanceInterval Duration `yaml:"rebalance_interval"`
}

type BreakerConfig struct {
	FailureThreshold float64  `yaml:"failure_threshold"`
	MinThroughput    int      `yaml:"min_throughput" validate:"min=1"`
	Window           Duration `yaml:"window"`
	BreakDuration    Duration `yaml:"break_duration"`
	MaxBreakDuration Duration `yaml:"max_break_duration"`
	MaxProbes        int      `yaml:"max_probes" validate:"min=1"`
	// DurationPolicy selects the break-duration sequence after repeated
	// half-open failures: "exponential" (default) or "fixed" (spec.md §9).
	DurationPolicy string `yaml:"duration_policy"`
}

type CacheConfig struct {
	Root         string `yaml:"root" validate:"required"`
	L1MaxEntries int    `yaml:"l1_max_entries" validate:"min=1"`
	L1MaxBytes   int64  `yaml:"l1_max_bytes" validate:"min=1"`
}

type LLMConfig struct {
	Provider    string   `yaml:"provider"`
	Endpoint    string   `yaml:"endpoint"`
	Model       string   `yaml:"model"`
	Timeout     Duration `yaml:"timeout"`
	Temperature float32  `yaml:"temperature"`
	MaxTokens   int      `yaml:"max_tokens"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Port string `yaml:"port"`
}

var supportedProviders = map[string]bool{
	"anthropic":  true,
	"openrouter": true,
	"localai":    true,
	"bedrock":    true,
	"vertex":     true,
}

// Load reads, parses, defaults, overlays-from-environment and validates
// the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := loadFromEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Pipeline.Concurrency == 0 {
		cfg.Pipeline.Concurrency = 5
	}
	if cfg.Pipeline.EntryTimeout == 0 {
		cfg.Pipeline.EntryTimeout = Duration(60 * time.Second)
	}
	if cfg.Pipeline.PromptVersion == "" {
		cfg.Pipeline.PromptVersion = "v1"
	}
	if cfg.Pipeline.CheckpointDSN == "" {
		cfg.Pipeline.CheckpointDSN = "./flashcards-checkpoint.db"
	}

	if cfg.RateLimiter.RequestsPerPeriod == 0 {
		cfg.RateLimiter.RequestsPerPeriod = 60
	}
	if cfg.RateLimiter.Period == 0 {
		cfg.RateLimiter.Period = Duration(60 * time.Second)
	}
	if cfg.RateLimiter.Burst == 0 {
		cfg.RateLimiter.Burst = 10
	}
	if cfg.RateLimiter.Shards == 0 {
		cfg.RateLimiter.Shards = 4
	}
	if cfg.RateLimiter.RebalanceRatio == 0 {
		cfg.RateLimiter.RebalanceRatio = 0.3
	}
	if cfg.RateLimiter.RebalanceInterval == 0 {
		cfg.RateLimiter.RebalanceInterval = Duration(2 * time.Second)
	}

	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = 0.5
	}
	if cfg.Breaker.MinThroughput == 0 {
		cfg.Breaker.MinThroughput = 5
	}
	if cfg.Breaker.Window == 0 {
		cfg.Breaker.Window = Duration(30 * time.Second)
	}
	if cfg.Breaker.BreakDuration == 0 {
		cfg.Breaker.BreakDuration = Duration(1 * time.Second)
	}
	if cfg.Breaker.MaxBreakDuration == 0 {
		cfg.Breaker.MaxBreakDuration = Duration(60 * time.Second)
	}
	if cfg.Breaker.MaxProbes == 0 {
		cfg.Breaker.MaxProbes = 1
	}
	if cfg.Breaker.DurationPolicy == "" {
		cfg.Breaker.DurationPolicy = "exponential"
	}

	if cfg.Cache.Root == "" {
		cfg.Cache.Root = "./cache"
	}
	if cfg.Cache.L1MaxEntries == 0 {
		cfg.Cache.L1MaxEntries = 10000
	}
	if cfg.Cache.L1MaxBytes == 0 {
		cfg.Cache.L1MaxBytes = 256 << 20
	}

	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "localai"
	}
	if cfg.LLM.Endpoint == "" {
		cfg.LLM.Endpoint = "http://localhost:8080"
	}
	if cfg.LLM.Timeout == 0 {
		cfg.LLM.Timeout = Duration(30 * time.Second)
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = 500
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Metrics.Port == "" {
		cfg.Metrics.Port = "9090"
	}
}

func loadFromEnv(cfg *Config) error {
	if v := os.Getenv("LLM_ENDPOINT"); v != "" {
		cfg.LLM.Endpoint = v
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("LLM_PROVIDER"); v != "" {
		cfg.LLM.Provider = v
	}
	if v := os.Getenv("METRICS_PORT"); v != "" {
		cfg.Metrics.Port = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("PIPELINE_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PIPELINE_CONCURRENCY: %w", err)
		}
		cfg.Pipeline.Concurrency = n
	}
	return nil
}

var structValidator = validator.New()

func validate(cfg *Config) error {
	if !supportedProviders[cfg.LLM.Provider] {
		return fmt.Errorf("unsupported LLM provider: %s", cfg.LLM.Provider)
	}
	if cfg.LLM.Endpoint == "" {
		cfg.LLM.Endpoint = "http://localhost:8080"
	}
	if cfg.LLM.Model == "" && cfg.LLM.Provider == "localai" {
		return fmt.Errorf("LLM model is required for localai provider")
	}
	if cfg.LLM.Temperature < 0.0 || cfg.LLM.Temperature > 1.0 {
		return fmt.Errorf("LLM temperature must be between 0.0 and 1.0")
	}
	if cfg.LLM.MaxTokens <= 0 {
		return fmt.Errorf("LLM max tokens must be greater than 0")
	}
	if cfg.Cache.Root == "" {
		return fmt.Errorf("cache root is required")
	}
	if cfg.Pipeline.Concurrency <= 0 {
		return fmt.Errorf("pipeline concurrency must be greater than 0")
	}
	if cfg.RateLimiter.Burst <= 0 {
		return fmt.Errorf("rate limiter burst must be greater than 0")
	}
	if cfg.Breaker.MaxProbes <= 0 {
		return fmt.Errorf("breaker max probes must be greater than 0")
	}
	if cfg.Breaker.DurationPolicy != "exponential" && cfg.Breaker.DurationPolicy != "fixed" {
		return fmt.Errorf("unsupported breaker duration policy: %s", cfg.Breaker.DurationPolicy)
	}

	if err := structValidator.Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}
