package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config contains runtime configuration for context-engine.
type Config struct {
	ServerName   string `yaml:"server_name"`
	DBPath       string `yaml:"db_path"`
	VectorDBPath string `yaml:"vector_db_path"`
	LogLevel     string `yaml:"log_level"`

	FastPathMaxChars int     `yaml:"fast_path_max_chars"`
	ContextMaxChars  int     `yaml:"context_max_chars"`
	SearchLimit      int     `yaml:"search_limit"`
	SessionMinScore  float64 `yaml:"session_min_score"`

	PlanCacheBytes           int64 `yaml:"plan_cache_bytes"`
	PlanCacheTTLSeconds      int   `yaml:"plan_cache_ttl_seconds"`
	NarrativeCacheBytes      int64 `yaml:"narrative_cache_bytes"`
	NarrativeCacheTTLSeconds int   `yaml:"narrative_cache_ttl_seconds"`
	NarrativeMaxAgeHours     int   `yaml:"narrative_max_age_hours"`
	SessionIndexBytes        int64 `yaml:"session_index_bytes"`
	SessionTTLSeconds        int   `yaml:"session_ttl_seconds"`
	SessionLoadLimit         int   `yaml:"session_load_limit"`

	PlannerTimeoutMS   int `yaml:"planner_timeout_ms"`
	DeepTimeoutSeconds int `yaml:"deep_timeout_seconds"`
	EmbedTimeoutMS     int `yaml:"embed_timeout_ms"`

	TriageWorkers        int     `yaml:"triage_workers"`
	TriageQueueSize      int     `yaml:"triage_queue_size"`
	TriageDedupeSeconds  int     `yaml:"triage_dedupe_seconds"`
	TriageRatePerSecond  float64 `yaml:"triage_rate_per_second"`
	RequestLogKeepHours  int     `yaml:"request_log_keep_hours"`
	SweepIntervalSeconds int     `yaml:"sweep_interval_seconds"`

	PressureElevated     float64 `yaml:"pressure_elevated"`
	PressureCritical     float64 `yaml:"pressure_critical"`
	PressureBudgetFactor float64 `yaml:"pressure_budget_factor"`
	MemoryLimitBytes     uint64  `yaml:"memory_limit_bytes"`

	AnthropicAPIKey    string `yaml:"anthropic_api_key"`
	AnthropicModel     string `yaml:"anthropic_model"`
	AnthropicMaxTokens int64  `yaml:"anthropic_max_tokens"`

	EmbeddingProvider   string `yaml:"embedding_provider"`
	EmbeddingModel      string `yaml:"embedding_model"`
	EmbeddingDimensions int    `yaml:"embedding_dimensions"`
	OpenAIAPIKey        string `yaml:"openai_api_key"`
	OpenAIBaseURL       string `yaml:"openai_base_url"`
}

// Default returns a Config populated with safe defaults.
func Default() Config {
	return Config{
		ServerName:   "context-engine",
		DBPath:       filepath.Join(userHomeDir(), ".context-engine", "memories.db"),
		VectorDBPath: filepath.Join(userHomeDir(), ".context-engine", "vectors"),
		LogLevel:     "info",

		FastPathMaxChars: 150,
		ContextMaxChars:  4000,
		SearchLimit:      10,
		SessionMinScore:  0.15,

		PlanCacheBytes:           4 << 20,
		PlanCacheTTLSeconds:      600,
		NarrativeCacheBytes:      8 << 20,
		NarrativeCacheTTLSeconds: 1800,
		NarrativeMaxAgeHours:     168,
		SessionIndexBytes:        64 << 20,
		SessionTTLSeconds:        1800,
		SessionLoadLimit:         200,

		PlannerTimeoutMS:   12000,
		DeepTimeoutSeconds: 45,
		EmbedTimeoutMS:     2000,

		TriageWorkers:        4,
		TriageQueueSize:      256,
		TriageDedupeSeconds:  300,
		TriageRatePerSecond:  5,
		RequestLogKeepHours:  72,
		SweepIntervalSeconds: 5,

		PressureElevated:     0.70,
		PressureCritical:     0.90,
		PressureBudgetFactor: 0.5,

		AnthropicModel:     "claude-sonnet-4-20250514",
		AnthropicMaxTokens: 1024,

		EmbeddingProvider:   "hash",
		EmbeddingModel:      "text-embedding-3-small",
		EmbeddingDimensions: 256,
	}
}

// Load loads config from disk; if path does not exist, default config is returned.
// API keys left empty in the file are taken from the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config yaml: %w", err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return cfg, fmt.Errorf("read config: %w", err)
		}
	}

	if cfg.AnthropicAPIKey == "" {
		cfg.AnthropicAPIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if cfg.OpenAIAPIKey == "" {
		cfg.OpenAIAPIKey = os.Getenv("OPENAI_API_KEY")
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks configuration sanity.
func (c *Config) Validate() error {
	if c.ServerName == "" {
		return errors.New("server_name must not be empty")
	}
	if c.DBPath == "" {
		return errors.New("db_path must not be empty")
	}
	if c.VectorDBPath == "" {
		return errors.New("vector_db_path must not be empty")
	}
	positive := []struct {
		name  string
		value int64
	}{
		{"fast_path_max_chars", int64(c.FastPathMaxChars)},
		{"context_max_chars", int64(c.ContextMaxChars)},
		{"search_limit", int64(c.SearchLimit)},
		{"plan_cache_bytes", c.PlanCacheBytes},
		{"plan_cache_ttl_seconds", int64(c.PlanCacheTTLSeconds)},
		{"narrative_cache_bytes", c.NarrativeCacheBytes},
		{"narrative_cache_ttl_seconds", int64(c.NarrativeCacheTTLSeconds)},
		{"narrative_max_age_hours", int64(c.NarrativeMaxAgeHours)},
		{"session_index_bytes", c.SessionIndexBytes},
		{"session_ttl_seconds", int64(c.SessionTTLSeconds)},
		{"session_load_limit", int64(c.SessionLoadLimit)},
		{"planner_timeout_ms", int64(c.PlannerTimeoutMS)},
		{"deep_timeout_seconds", int64(c.DeepTimeoutSeconds)},
		{"embed_timeout_ms", int64(c.EmbedTimeoutMS)},
		{"triage_workers", int64(c.TriageWorkers)},
		{"triage_queue_size", int64(c.TriageQueueSize)},
		{"triage_dedupe_seconds", int64(c.TriageDedupeSeconds)},
		{"request_log_keep_hours", int64(c.RequestLogKeepHours)},
		{"sweep_interval_seconds", int64(c.SweepIntervalSeconds)},
		{"anthropic_max_tokens", c.AnthropicMaxTokens},
		{"embedding_dimensions", int64(c.EmbeddingDimensions)},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%s must be > 0", p.name)
		}
	}
	if c.TriageRatePerSecond < 0 {
		return errors.New("triage_rate_per_second must be >= 0")
	}
	if c.SessionMinScore < 0 || c.SessionMinScore > 1 {
		return errors.New("session_min_score must be within [0, 1]")
	}
	if c.PressureElevated <= 0 || c.PressureElevated >= c.PressureCritical || c.PressureCritical > 1 {
		return errors.New("pressure thresholds must satisfy 0 < pressure_elevated < pressure_critical <= 1")
	}
	if c.PressureBudgetFactor <= 0 || c.PressureBudgetFactor > 1 {
		return errors.New("pressure_budget_factor must be within (0, 1]")
	}
	switch c.EmbeddingProvider {
	case "hash", "openai":
	default:
		return fmt.Errorf("unknown embedding_provider %q", c.EmbeddingProvider)
	}
	return nil
}

// EnsurePaths creates parent directories for config-managed paths.
func (c *Config) EnsurePaths() error {
	c.DBPath = ExpandPath(c.DBPath)
	c.VectorDBPath = ExpandPath(c.VectorDBPath)
	if parent := filepath.Dir(c.DBPath); parent != "." {
		if err := os.MkdirAll(parent, 0o755); err != nil {
			return fmt.Errorf("create db parent dir: %w", err)
		}
	}
	if err := os.MkdirAll(c.VectorDBPath, 0o755); err != nil {
		return fmt.Errorf("create vector db dir: %w", err)
	}
	return nil
}

func (c Config) PlannerTimeout() time.Duration {
	return time.Duration(c.PlannerTimeoutMS) * time.Millisecond
}

func (c Config) DeepTimeout() time.Duration {
	return time.Duration(c.DeepTimeoutSeconds) * time.Second
}

func (c Config) EmbedTimeout() time.Duration {
	return time.Duration(c.EmbedTimeoutMS) * time.Millisecond
}

func (c Config) PlanCacheTTL() time.Duration {
	return time.Duration(c.PlanCacheTTLSeconds) * time.Second
}

func (c Config) NarrativeCacheTTL() time.Duration {
	return time.Duration(c.NarrativeCacheTTLSeconds) * time.Second
}

func (c Config) NarrativeMaxAge() time.Duration {
	return time.Duration(c.NarrativeMaxAgeHours) * time.Hour
}

func (c Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLSeconds) * time.Second
}

func (c Config) TriageDedupeWindow() time.Duration {
	return time.Duration(c.TriageDedupeSeconds) * time.Second
}

func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

func (c Config) RequestLogKeep() time.Duration {
	return time.Duration(c.RequestLogKeepHours) * time.Hour
}

// ExpandPath expands "~/" to the current user's home directory.
func ExpandPath(p string) string {
	if p == "" {
		return p
	}
	if p == "~" {
		return userHomeDir()
	}
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(userHomeDir(), p[2:])
	}
	return p
}

func userHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
