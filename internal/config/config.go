// Package config loads and validates the gateway configuration. Settings come
// from the process environment (optionally seeded from a .env file) with an
// optional YAML overlay for deployments that prefer a config file. Environment
// variables always win over file values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Debug capture modes.
const (
	DebugOff    = "off"
	DebugErrors = "errors"
	DebugAll    = "all"
)

// Thinking-tag handling modes.
const (
	ThinkingAsReasoning = "as_reasoning_content"
	ThinkingRemove      = "remove"
	ThinkingPass        = "pass"
	ThinkingStripTags   = "strip_tags"
)

// Config holds every tunable the gateway understands.
type Config struct {
	// ProxyAPIKey is the shared secret clients must present.
	ProxyAPIKey string `yaml:"proxy-api-key"`

	// CredentialDBFile is the path to the kiro-cli SQLite credential store.
	CredentialDBFile string `yaml:"credential-db-file"`

	// Region is the upstream CodeWhisperer region.
	Region string `yaml:"region"`

	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	LogLevel  string `yaml:"log-level"`
	DebugMode string `yaml:"debug-mode"`
	DebugDir  string `yaml:"debug-dir"`

	FakeReasoning          bool   `yaml:"fake-reasoning"`
	FakeReasoningMaxTokens int    `yaml:"fake-reasoning-max-tokens"`
	FakeReasoningHandling  string `yaml:"fake-reasoning-handling"`

	FirstTokenTimeout  time.Duration `yaml:"first-token-timeout"`
	HTTPRequestTimeout time.Duration `yaml:"http-request-timeout"`
	HTTPConnectTimeout time.Duration `yaml:"http-connect-timeout"`
	HTTPMaxRetries     int           `yaml:"http-max-retries"`
	HTTPMaxConnections int           `yaml:"http-max-connections"`

	TokenRefreshThreshold    time.Duration `yaml:"token-refresh-threshold"`
	ToolDescriptionMaxLength int           `yaml:"tool-description-max-length"`
}

// Default returns a configuration populated with the documented defaults.
func Default() *Config {
	return &Config{
		Region:                   "us-east-1",
		Host:                     "0.0.0.0",
		Port:                     8000,
		LogLevel:                 "info",
		DebugMode:                DebugOff,
		DebugDir:                 "debug",
		FakeReasoningMaxTokens:   4096,
		FakeReasoningHandling:    ThinkingAsReasoning,
		FirstTokenTimeout:        15 * time.Second,
		HTTPRequestTimeout:       300 * time.Second,
		HTTPConnectTimeout:       10 * time.Second,
		HTTPMaxRetries:           3,
		HTTPMaxConnections:       100,
		TokenRefreshThreshold:    300 * time.Second,
		ToolDescriptionMaxLength: 10000,
	}
}

// Load builds the effective configuration: defaults, then the optional YAML
// file at path (empty path skips the overlay), then environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err = yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.ProxyAPIKey, "PROXY_API_KEY")
	setString(&c.CredentialDBFile, "KIRO_CLI_DB_FILE")
	setString(&c.Region, "KIRO_REGION")
	setString(&c.Host, "SERVER_HOST")
	setInt(&c.Port, "SERVER_PORT")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.DebugMode, "DEBUG_MODE")
	setString(&c.DebugDir, "DEBUG_DIR")
	setBool(&c.FakeReasoning, "FAKE_REASONING")
	setInt(&c.FakeReasoningMaxTokens, "FAKE_REASONING_MAX_TOKENS")
	setString(&c.FakeReasoningHandling, "FAKE_REASONING_HANDLING")
	setSeconds(&c.FirstTokenTimeout, "FIRST_TOKEN_TIMEOUT")
	setSeconds(&c.HTTPRequestTimeout, "HTTP_REQUEST_TIMEOUT")
	setSeconds(&c.HTTPConnectTimeout, "HTTP_CONNECT_TIMEOUT")
	setInt(&c.HTTPMaxRetries, "HTTP_MAX_RETRIES")
	setInt(&c.HTTPMaxConnections, "HTTP_MAX_CONNECTIONS")
	setSeconds(&c.TokenRefreshThreshold, "TOKEN_REFRESH_THRESHOLD")
	setInt(&c.ToolDescriptionMaxLength, "TOOL_DESCRIPTION_MAX_LENGTH")
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ProxyAPIKey) == "" {
		return fmt.Errorf("config: PROXY_API_KEY is required")
	}
	if strings.TrimSpace(c.CredentialDBFile) == "" {
		return fmt.Errorf("config: KIRO_CLI_DB_FILE is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Port)
	}
	switch c.DebugMode {
	case DebugOff, DebugErrors, DebugAll:
	default:
		return fmt.Errorf("config: DEBUG_MODE must be one of off, errors, all (got %q)", c.DebugMode)
	}
	switch c.FakeReasoningHandling {
	case ThinkingAsReasoning, ThinkingRemove, ThinkingPass, ThinkingStripTags:
	default:
		return fmt.Errorf("config: FAKE_REASONING_HANDLING %q is not supported", c.FakeReasoningHandling)
	}
	if c.HTTPMaxRetries < 1 {
		return fmt.Errorf("config: HTTP_MAX_RETRIES must be at least 1")
	}
	if c.HTTPMaxConnections < 1 {
		return fmt.Errorf("config: HTTP_MAX_CONNECTIONS must be at least 1")
	}
	if c.ToolDescriptionMaxLength < 1 {
		return fmt.Errorf("config: TOOL_DESCRIPTION_MAX_LENGTH must be positive")
	}
	return nil
}

// Addr returns the host:port the server should listen on.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		*dst = strings.TrimSpace(v)
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			*dst = b
		}
	}
}

func setSeconds(dst *time.Duration, key string) {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			*dst = time.Duration(n) * time.Second
		}
	}
}
