// ABOUTME: Configuration loading and parsing for coven-turns
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/2389/coven-turns/internal/tools"
)

// Config represents the complete coven-turns configuration
type Config struct {
	Server   ServerConfig    `yaml:"server" toml:"server"`
	Database DatabaseConfig  `yaml:"database" toml:"database"`
	Redis    RedisConfig     `yaml:"redis" toml:"redis"`
	Cache    CacheConfig     `yaml:"cache" toml:"cache"`
	Services []ServiceConfig `yaml:"services" toml:"services"`
	Response ResponseConfig  `yaml:"response" toml:"response"`
	Tools    ToolsConfig     `yaml:"tools" toml:"tools"`
	Logging  LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds the HTTP listener configuration
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr" toml:"http_addr"`
	ShutdownTimeout time.Duration `yaml:"-" toml:"-"`

	ShutdownTimeoutRaw string `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
}

// DatabaseConfig holds the SQLite location
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// RedisConfig holds the shared L2 cache. Disabled means no L2 tier.
type RedisConfig struct {
	Enabled   bool          `yaml:"enabled" toml:"enabled"`
	Addr      string        `yaml:"addr" toml:"addr"`
	Password  string        `yaml:"password" toml:"password"`
	DB        int           `yaml:"db" toml:"db"`
	KeyPrefix string        `yaml:"key_prefix" toml:"key_prefix"`
	TTL       time.Duration `yaml:"-" toml:"-"`

	TTLRaw string `yaml:"ttl" toml:"ttl"`
}

// CacheConfig tunes the in-process tier and write debouncing
type CacheConfig struct {
	L1MaxEntries   int           `yaml:"l1_max_entries" toml:"l1_max_entries"`
	L1TTL          time.Duration `yaml:"-" toml:"-"`
	DebounceWindow time.Duration `yaml:"-" toml:"-"`

	L1TTLRaw          string `yaml:"l1_ttl" toml:"l1_ttl"`
	DebounceWindowRaw string `yaml:"debounce_window" toml:"debounce_window"`
}

// ServiceConfig is one OpenAI-compatible LLM backend. Order is fallback order.
type ServiceConfig struct {
	Name            string        `yaml:"name" toml:"name"`
	BaseURL         string        `yaml:"base_url" toml:"base_url"`
	APIKey          string        `yaml:"api_key" toml:"api_key"`
	Model           string        `yaml:"model" toml:"model"`
	MaxOutputTokens int           `yaml:"max_output_tokens" toml:"max_output_tokens"`
	ContextWindow   int           `yaml:"context_window" toml:"context_window"`
	Timeout         time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw string `yaml:"timeout" toml:"timeout"`
}

// ResponseConfig holds turn defaults
type ResponseConfig struct {
	DefaultModel          string        `yaml:"default_model" toml:"default_model"`
	DefaultSystemPrompt   string        `yaml:"default_system_prompt" toml:"default_system_prompt"`
	DefaultMaxTokens      int           `yaml:"default_max_tokens" toml:"default_max_tokens"`
	MaxRounds             int           `yaml:"max_rounds" toml:"max_rounds"`
	CreditsPerInputToken  int64         `yaml:"credits_per_input_token" toml:"credits_per_input_token"`
	CreditsPerOutputToken int64         `yaml:"credits_per_output_token" toml:"credits_per_output_token"`
	HistoryLimit          int           `yaml:"history_limit" toml:"history_limit"`
	ApprovalTTL           time.Duration `yaml:"-" toml:"-"`

	ApprovalTTLRaw string `yaml:"approval_ttl" toml:"approval_ttl"`
}

// ToolsConfig holds the approval policy and execution limits
type ToolsConfig struct {
	// ApprovalThreshold is the lowest risk level that needs a human: none, low, medium or high.
	// "none" disables risk-based approval.
	ApprovalThreshold string `yaml:"approval_threshold" toml:"approval_threshold"`
	// RequireApproval lists tool name patterns that always need approval.
	RequireApproval []string      `yaml:"require_approval" toml:"require_approval"`
	Timeout         time.Duration `yaml:"-" toml:"-"`

	TimeoutRaw string `yaml:"timeout" toml:"timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Load reads a configuration file and returns a parsed, validated Config.
// Files ending in .toml are parsed as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyDefaults() {
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "coven-turns"
	}
	if c.Tools.ApprovalThreshold == "" {
		c.Tools.ApprovalThreshold = tools.DefaultPolicy().Threshold.String()
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	for i := range c.Services {
		if c.Services[i].Name == "" {
			c.Services[i].Name = fmt.Sprintf("service-%d", i+1)
		}
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}

	if len(c.Services) == 0 {
		return fmt.Errorf("at least one entry in services is required")
	}
	seen := make(map[string]bool)
	for i, svc := range c.Services {
		if svc.BaseURL == "" {
			return fmt.Errorf("services[%d].base_url is required", i)
		}
		if seen[svc.Name] {
			return fmt.Errorf("services[%d].name %q is used twice", i, svc.Name)
		}
		seen[svc.Name] = true
	}

	if _, err := tools.ParseRiskLevel(c.Tools.ApprovalThreshold); err != nil {
		return fmt.Errorf("tools.approval_threshold: %w", err)
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// ApprovalPolicy builds the tool approval policy from the config.
func (c *Config) ApprovalPolicy() tools.ApprovalPolicy {
	threshold, err := tools.ParseRiskLevel(c.Tools.ApprovalThreshold)
	if err != nil {
		threshold = tools.DefaultPolicy().Threshold
	}
	policy := tools.AnyPolicy{tools.ThresholdPolicy{Threshold: threshold}}
	if len(c.Tools.RequireApproval) > 0 {
		policy = append(policy, tools.PatternPolicy{Patterns: c.Tools.RequireApproval})
	}
	return policy
}

type durationField struct {
	name string
	raw  string
	dst  *time.Duration
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []durationField{
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeoutRaw, &cfg.Server.ShutdownTimeout},
		{"redis.ttl", cfg.Redis.TTLRaw, &cfg.Redis.TTL},
		{"cache.l1_ttl", cfg.Cache.L1TTLRaw, &cfg.Cache.L1TTL},
		{"cache.debounce_window", cfg.Cache.DebounceWindowRaw, &cfg.Cache.DebounceWindow},
		{"response.approval_ttl", cfg.Response.ApprovalTTLRaw, &cfg.Response.ApprovalTTL},
		{"tools.timeout", cfg.Tools.TimeoutRaw, &cfg.Tools.Timeout},
	}
	for i := range cfg.Services {
		svc := &cfg.Services[i]
		fields = append(fields, durationField{fmt.Sprintf("services[%d].timeout", i), svc.TimeoutRaw, &svc.Timeout})
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = d
	}
	return nil
}
