package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultsApplied(t *testing.T) {
	cfg := Default("https://example.com")
	if cfg.Retry.MaxRetries != 3 {
		t.Fatalf("max_retries = %d, want 3", cfg.Retry.MaxRetries)
	}
	if cfg.Retry.BackoffBaseMS != 1000 || cfg.Retry.BackoffMaxMS != 30000 {
		t.Fatalf("backoff = %d/%d, want 1000/30000", cfg.Retry.BackoffBaseMS, cfg.Retry.BackoffMaxMS)
	}
	if !cfg.JitterEnabled() {
		t.Fatal("jitter should default to true")
	}
	if cfg.Timeouts.GlobalTimeoutS != 300 {
		t.Fatalf("global timeout = %d, want 300", cfg.Timeouts.GlobalTimeoutS)
	}
	if !cfg.HeadlessEnabled() {
		t.Fatal("headless should default to true")
	}
	if cfg.Browser.ViewportWidth != 1280 || cfg.Browser.ViewportHeight != 720 {
		t.Fatalf("viewport = %dx%d, want 1280x720", cfg.Browser.ViewportWidth, cfg.Browser.ViewportHeight)
	}
	if cfg.Pipeline.MinConfidenceThreshold != 0.5 {
		t.Fatalf("min confidence = %v, want 0.5", cfg.Pipeline.MinConfidenceThreshold)
	}
	if cfg.ExtractionMode != ModeHeuristic {
		t.Fatalf("extraction mode = %q, want heuristic", cfg.ExtractionMode)
	}
	if got := cfg.URLPolicy.AllowedSchemes; len(got) != 2 || got[0] != "http" || got[1] != "https" {
		t.Fatalf("allowed schemes = %v", got)
	}
}

func TestLoadYAMLWithOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	doc := `
target_url: https://example.com/products
extraction_mode: hybrid
allow_cross_origin: true
retry:
  max_retries: 5
timeouts:
  global_timeout_s: 120
browser:
  headless: false
pipeline:
  debug_mode: true
  min_confidence_threshold: 0.7
heuristic_selectors:
  title: "h1.product-title"
  price: ".price"
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ExtractionMode != ModeHybrid {
		t.Fatalf("mode = %q, want hybrid", cfg.ExtractionMode)
	}
	if cfg.Retry.MaxRetries != 5 {
		t.Fatalf("max_retries = %d, want 5", cfg.Retry.MaxRetries)
	}
	if cfg.Retry.BackoffBaseMS != 1000 {
		t.Fatalf("backoff_base_ms default lost: %d", cfg.Retry.BackoffBaseMS)
	}
	if cfg.HeadlessEnabled() {
		t.Fatal("explicit headless=false was overridden")
	}
	if cfg.Pipeline.MinConfidenceThreshold != 0.7 {
		t.Fatalf("min confidence = %v, want 0.7", cfg.Pipeline.MinConfidenceThreshold)
	}
	if cfg.HeuristicSelectors["price"] != ".price" {
		t.Fatalf("selectors = %v", cfg.HeuristicSelectors)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.yaml")
	doc := "target_url: https://example.com\nnot_a_field: 1\n"
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected unknown-field error, got nil")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing target", func(c *Config) { c.TargetURL = " " }},
		{"bad mode", func(c *Config) { c.ExtractionMode = "psychic" }},
		{"negative retries", func(c *Config) { c.Retry.MaxRetries = -1 }},
		{"max below base", func(c *Config) { c.Retry.BackoffMaxMS = 10 }},
		{"confidence above one", func(c *Config) { c.Pipeline.MinConfidenceThreshold = 1.5 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default("https://example.com")
			tc.mutate(cfg)
			if err := Validate(cfg); err == nil {
				t.Fatalf("%s: expected error, got nil", tc.name)
			}
		})
	}
}

func TestValidateTargetURL(t *testing.T) {
	policy := Default("https://example.com").URLPolicy
	cases := []struct {
		url     string
		allowed bool
		reason  string
	}{
		{"ftp://example.com/file", false, "scheme"},
		{"https://", false, "hostname"},
		{"http://localhost:8080/admin", false, "blocked"},
		{"https://printer.local/", false, "blocked"},
		{"http://127.0.0.1/", false, "private range"},
		{"http://10.1.2.3/", false, "private range"},
		{"http://192.168.1.1/", false, "private range"},
		{"http://169.254.169.254/latest/meta-data", false, "private range"},
		{"http://[::1]/", false, "private range"},
		{"https://93.184.216.34/", true, "OK"},
	}
	for _, tc := range cases {
		got := ValidateTargetURL(tc.url, policy)
		if got.Allowed != tc.allowed {
			t.Fatalf("%s: allowed = %v, want %v (%s)", tc.url, got.Allowed, tc.allowed, got.Reason)
		}
		if !strings.Contains(got.Reason, tc.reason) {
			t.Fatalf("%s: reason %q does not mention %q", tc.url, got.Reason, tc.reason)
		}
	}
}

func TestEnvOverridesDataDir(t *testing.T) {
	t.Setenv("CONDUIT_DATA_DIR", "/tmp/conduit-test-data")
	cfg := Default("https://example.com")
	if cfg.Pipeline.DataDir != "/tmp/conduit-test-data" {
		t.Fatalf("data dir = %q", cfg.Pipeline.DataDir)
	}
}
