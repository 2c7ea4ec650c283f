// Package config loads and validates the run configuration: retry budgets,
// phase timeouts, browser settings, pipeline paths, AI model parameters, and
// the URL admission policy.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type RetryConfig struct {
	MaxRetries    int   `yaml:"max_retries"`
	BackoffBaseMS int   `yaml:"backoff_base_ms"`
	BackoffMaxMS  int   `yaml:"backoff_max_ms"`
	Jitter        *bool `yaml:"jitter,omitempty"`
}

type TimeoutConfig struct {
	GlobalTimeoutS      int `yaml:"global_timeout_s"`
	PageLoadTimeoutS    int `yaml:"page_load_timeout_s"`
	InteractionTimeoutS int `yaml:"interaction_timeout_s"`
	AITimeoutS          int `yaml:"ai_timeout_s"`
	ExtractionTimeoutS  int `yaml:"extraction_timeout_s"`
}

type BrowserConfig struct {
	Headless       *bool  `yaml:"headless,omitempty"`
	ViewportWidth  int    `yaml:"viewport_width"`
	ViewportHeight int    `yaml:"viewport_height"`
	UserAgent      string `yaml:"user_agent,omitempty"`
	Locale         string `yaml:"locale"`
}

type PipelineConfig struct {
	DataDir                string  `yaml:"data_dir"`
	DebugMode              bool    `yaml:"debug_mode"`
	MinConfidenceThreshold float64 `yaml:"min_confidence_threshold"`
}

type AIConfig struct {
	Model       string  `yaml:"model"`
	APIKey      string  `yaml:"api_key,omitempty"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

type URLPolicyConfig struct {
	AllowedSchemes      []string `yaml:"allowed_schemes,omitempty"`
	BlockLocalHostnames *bool    `yaml:"block_local_hostnames,omitempty"`
	BlockPrivateIPs     *bool    `yaml:"block_private_ips,omitempty"`
}

// ExtractionMode selects which extraction passes run in the EXTRACT phase.
type ExtractionMode string

const (
	ModeHeuristic ExtractionMode = "heuristic"
	ModeAI        ExtractionMode = "ai"
	ModeHybrid    ExtractionMode = "hybrid"
)

// Config is the root run configuration.
type Config struct {
	TargetURL          string            `yaml:"target_url"`
	ExtractionSchema   map[string]any    `yaml:"extraction_schema,omitempty"`
	ExtractionMode     ExtractionMode    `yaml:"extraction_mode"`
	HeuristicSelectors map[string]string `yaml:"heuristic_selectors,omitempty"`
	AllowCrossOrigin   bool              `yaml:"allow_cross_origin"`
	MaxConcurrentRuns  int               `yaml:"max_concurrent_runs"`
	LogLevel           string            `yaml:"log_level"`

	Retry     RetryConfig     `yaml:"retry"`
	Timeouts  TimeoutConfig   `yaml:"timeouts"`
	Browser   BrowserConfig   `yaml:"browser"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	AI        AIConfig        `yaml:"ai"`
	URLPolicy URLPolicyConfig `yaml:"url_policy"`
}

// Load reads a YAML config file, applies env overrides and defaults, and
// validates the result. Unknown fields are rejected.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := decodeYAMLStrict(b, &cfg); err != nil {
		return nil, err
	}
	applyEnvOverrides(&cfg)
	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a fully-defaulted config for the given target URL.
func Default(targetURL string) *Config {
	cfg := &Config{TargetURL: targetURL}
	applyEnvOverrides(cfg)
	ApplyDefaults(cfg)
	return cfg
}

func decodeYAMLStrict(b []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("CONDUIT_DATA_DIR")); v != "" {
		cfg.Pipeline.DataDir = v
	}
	if v := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY")); v != "" && cfg.AI.APIKey == "" {
		cfg.AI.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("CONDUIT_LOG_LEVEL")); v != "" {
		cfg.LogLevel = v
	}
}

// ApplyDefaults fills unset fields in place.
func ApplyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}
	if cfg.ExtractionMode == "" {
		cfg.ExtractionMode = ModeHeuristic
	}
	if cfg.MaxConcurrentRuns == 0 {
		cfg.MaxConcurrentRuns = 1
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry.MaxRetries = 3
	}
	if cfg.Retry.BackoffBaseMS == 0 {
		cfg.Retry.BackoffBaseMS = 1000
	}
	if cfg.Retry.BackoffMaxMS == 0 {
		cfg.Retry.BackoffMaxMS = 30000
	}
	if cfg.Retry.Jitter == nil {
		t := true
		cfg.Retry.Jitter = &t
	}

	if cfg.Timeouts.GlobalTimeoutS == 0 {
		cfg.Timeouts.GlobalTimeoutS = 300
	}
	if cfg.Timeouts.PageLoadTimeoutS == 0 {
		cfg.Timeouts.PageLoadTimeoutS = 30
	}
	if cfg.Timeouts.InteractionTimeoutS == 0 {
		cfg.Timeouts.InteractionTimeoutS = 10
	}
	if cfg.Timeouts.AITimeoutS == 0 {
		cfg.Timeouts.AITimeoutS = 60
	}
	if cfg.Timeouts.ExtractionTimeoutS == 0 {
		cfg.Timeouts.ExtractionTimeoutS = 60
	}

	if cfg.Browser.Headless == nil {
		t := true
		cfg.Browser.Headless = &t
	}
	if cfg.Browser.ViewportWidth == 0 {
		cfg.Browser.ViewportWidth = 1280
	}
	if cfg.Browser.ViewportHeight == 0 {
		cfg.Browser.ViewportHeight = 720
	}
	if cfg.Browser.Locale == "" {
		cfg.Browser.Locale = "en-US"
	}

	if cfg.Pipeline.DataDir == "" {
		cfg.Pipeline.DataDir = "./data"
	}
	if cfg.Pipeline.MinConfidenceThreshold == 0 {
		cfg.Pipeline.MinConfidenceThreshold = 0.5
	}

	if cfg.AI.Model == "" {
		cfg.AI.Model = "claude-sonnet-4-20250514"
	}
	if cfg.AI.MaxTokens == 0 {
		cfg.AI.MaxTokens = 4096
	}

	if len(cfg.URLPolicy.AllowedSchemes) == 0 {
		cfg.URLPolicy.AllowedSchemes = []string{"http", "https"}
	}
	if cfg.URLPolicy.BlockLocalHostnames == nil {
		t := true
		cfg.URLPolicy.BlockLocalHostnames = &t
	}
	if cfg.URLPolicy.BlockPrivateIPs == nil {
		t := true
		cfg.URLPolicy.BlockPrivateIPs = &t
	}
}

// Validate rejects configs that cannot drive a run.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(cfg.TargetURL) == "" {
		return fmt.Errorf("target_url is required")
	}
	switch cfg.ExtractionMode {
	case ModeHeuristic, ModeAI, ModeHybrid:
	default:
		return fmt.Errorf("invalid extraction_mode: %q (want heuristic|ai|hybrid)", cfg.ExtractionMode)
	}
	if cfg.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must be >= 0")
	}
	if cfg.Retry.BackoffBaseMS <= 0 {
		return fmt.Errorf("retry.backoff_base_ms must be > 0")
	}
	if cfg.Retry.BackoffMaxMS < cfg.Retry.BackoffBaseMS {
		return fmt.Errorf("retry.backoff_max_ms must be >= backoff_base_ms")
	}
	for name, v := range map[string]int{
		"timeouts.global_timeout_s":      cfg.Timeouts.GlobalTimeoutS,
		"timeouts.page_load_timeout_s":   cfg.Timeouts.PageLoadTimeoutS,
		"timeouts.interaction_timeout_s": cfg.Timeouts.InteractionTimeoutS,
		"timeouts.ai_timeout_s":          cfg.Timeouts.AITimeoutS,
		"timeouts.extraction_timeout_s":  cfg.Timeouts.ExtractionTimeoutS,
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be > 0", name)
		}
	}
	if cfg.Browser.ViewportWidth <= 0 || cfg.Browser.ViewportHeight <= 0 {
		return fmt.Errorf("browser viewport must be positive")
	}
	if cfg.Pipeline.MinConfidenceThreshold < 0 || cfg.Pipeline.MinConfidenceThreshold > 1 {
		return fmt.Errorf("pipeline.min_confidence_threshold must be in [0,1]")
	}
	if cfg.MaxConcurrentRuns < 1 {
		return fmt.Errorf("max_concurrent_runs must be >= 1")
	}
	if strings.TrimSpace(cfg.AI.Model) == "" {
		return fmt.Errorf("ai.model is required")
	}
	return nil
}

// JitterEnabled resolves the retry jitter flag, defaulting to true.
func (c *Config) JitterEnabled() bool {
	if c == nil || c.Retry.Jitter == nil {
		return true
	}
	return *c.Retry.Jitter
}

// HeadlessEnabled resolves the browser headless flag, defaulting to true.
func (c *Config) HeadlessEnabled() bool {
	if c == nil || c.Browser.Headless == nil {
		return true
	}
	return *c.Browser.Headless
}
