package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// setRequired supplies the two mandatory settings so Validate can pass.
func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("PROXY_API_KEY", "test-key")
	t.Setenv("KIRO_CLI_DB_FILE", "/tmp/kiro.db")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Region != "us-east-1" {
		t.Errorf("region = %q", cfg.Region)
	}
	if cfg.Port != 8000 {
		t.Errorf("port = %d", cfg.Port)
	}
	if cfg.FirstTokenTimeout != 15*time.Second {
		t.Errorf("first token timeout = %v", cfg.FirstTokenTimeout)
	}
	if cfg.FakeReasoningHandling != ThinkingAsReasoning {
		t.Errorf("handling = %q", cfg.FakeReasoningHandling)
	}
	if cfg.Addr() != "0.0.0.0:8000" {
		t.Errorf("addr = %q", cfg.Addr())
	}
}

func TestEnvOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("KIRO_REGION", "eu-west-1")
	t.Setenv("FAKE_REASONING", "true")
	t.Setenv("FIRST_TOKEN_TIMEOUT", "30")
	t.Setenv("FAKE_REASONING_HANDLING", "strip_tags")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9090 {
		t.Errorf("port = %d", cfg.Port)
	}
	if cfg.Region != "eu-west-1" {
		t.Errorf("region = %q", cfg.Region)
	}
	if !cfg.FakeReasoning {
		t.Error("fake reasoning not enabled")
	}
	if cfg.FirstTokenTimeout != 30*time.Second {
		t.Errorf("first token timeout = %v", cfg.FirstTokenTimeout)
	}
	if cfg.FakeReasoningHandling != ThinkingStripTags {
		t.Errorf("handling = %q", cfg.FakeReasoningHandling)
	}
}

func TestYAMLOverlayLosesToEnv(t *testing.T) {
	setRequired(t)
	t.Setenv("SERVER_PORT", "7070")

	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte("port: 9999\nregion: ap-southeast-2\nlog-level: debug\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 7070 {
		t.Errorf("port = %d, want env to win", cfg.Port)
	}
	if cfg.Region != "ap-southeast-2" {
		t.Errorf("region = %q, want yaml value", cfg.Region)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log level = %q", cfg.LogLevel)
	}
}

func TestLoadMissingFile(t *testing.T) {
	setRequired(t)
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidateFailures(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing api key", func(c *Config) { c.ProxyAPIKey = "" }},
		{"missing db file", func(c *Config) { c.CredentialDBFile = "" }},
		{"port too low", func(c *Config) { c.Port = 0 }},
		{"port too high", func(c *Config) { c.Port = 70000 }},
		{"bad debug mode", func(c *Config) { c.DebugMode = "verbose" }},
		{"bad handling", func(c *Config) { c.FakeReasoningHandling = "discard" }},
		{"zero retries", func(c *Config) { c.HTTPMaxRetries = 0 }},
		{"zero connections", func(c *Config) { c.HTTPMaxConnections = 0 }},
		{"zero tool description cap", func(c *Config) { c.ToolDescriptionMaxLength = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			cfg.ProxyAPIKey = "k"
			cfg.CredentialDBFile = "f"
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}
}

func TestBlankEnvDoesNotClobber(t *testing.T) {
	setRequired(t)
	t.Setenv("KIRO_REGION", "   ")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Region != "us-east-1" {
		t.Errorf("region = %q, blank env should keep default", cfg.Region)
	}
}
