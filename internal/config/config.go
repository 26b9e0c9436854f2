// Package config loads and validates the review engine's configuration:
// YAML file defaults, supplemented and overridden by environment
// variables (with an optional local .env file for development).
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Default configuration values.
const (
	DefaultConfigPath          = "config.yaml"
	DefaultMaxBodySize   int64 = 2 * 1024 * 1024
	DefaultCooldownMin         = 5.0
	DefaultMaxParallel         = 5
)

// MCPServerConfig holds connection settings for one MCP server.
type MCPServerConfig struct {
	Endpoint     string   `yaml:"endpoint"`
	Token        string   `yaml:"-"` // from env
	AuthHeader   string   `yaml:"auth_header"`
	AllowedTools []string `yaml:"allowed_tools"`
}

// ProviderConfig is one entry in the provider registry (spec.md 9).
type ProviderConfig struct {
	Type                  string `yaml:"type"` // e.g. "openai", "adk-agent", "langchain"
	DisplayName           string `yaml:"display_name"`
	Endpoint              string `yaml:"endpoint"`
	APIKey                string `yaml:"-"` // from env
	Model                 string `yaml:"model"`
	CustomInstructionsPath string `yaml:"custom_instructions_path"`
	Enabled               bool   `yaml:"enabled"`
}

// OrchestrationConfig holds orchestration-level options (spec.md 9).
type OrchestrationConfig struct {
	Mode               string  `yaml:"mode"` // "single" or "consensus"
	ActiveProvider     string  `yaml:"active_provider"`
	ConsensusThreshold int     `yaml:"consensus_threshold"`
	MaxParallelReviews int     `yaml:"max_parallel_reviews"`
	CooldownMinutes    float64 `yaml:"cooldown_minutes"`
	AddReviewerVote    bool    `yaml:"add_reviewer_vote"`
	AttributionTag     string  `yaml:"attribution_tag"`
	ResolveOnReReview  bool    `yaml:"resolve_on_rereview"`
}

// StorageConfig configures the SQLite audit mirror.
type StorageConfig struct {
	Driver string `yaml:"driver"` // sqlite
	DSN    string `yaml:"dsn"`
}

// Config is the root configuration document.
type Config struct {
	Log struct {
		Level      string `yaml:"level"`
		Format     string `yaml:"format"`
		Output     string `yaml:"output"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
	} `yaml:"log"`

	Server struct {
		Port             int           `yaml:"port"`
		ConcurrencyLimit int64         `yaml:"concurrency_limit"`
		ReadTimeout      time.Duration `yaml:"read_timeout"`
		WriteTimeout     time.Duration `yaml:"write_timeout"`
		MaxBodySize      int64         `yaml:"max_body_size"`
		WebhookSecret    string        `yaml:"-"` // from env
	} `yaml:"server"`

	MCP struct {
		Retry struct {
			Attempts   int           `yaml:"attempts"`
			Backoff    time.Duration `yaml:"backoff"`
			MaxBackoff time.Duration `yaml:"max_backoff"`
		} `yaml:"retry"`
		Bitbucket MCPServerConfig `yaml:"bitbucket"`
	} `yaml:"mcp"`

	Providers     []ProviderConfig    `yaml:"providers"`
	Orchestration OrchestrationConfig `yaml:"orchestration"`
	Storage       StorageConfig       `yaml:"storage"`
}

// GetLogLevel maps Log.Level to a slog.Level.
func (c *Config) GetLogLevel() slog.Level {
	switch strings.ToUpper(c.Log.Level) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Load reads configuration from a YAML file, then supplements it with
// environment variables (secrets, overrides), loading a local .env file
// first when present so development runs don't need exported shell vars.
func Load() *Config {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("load .env failed", "error", err)
	}

	cfg := &Config{}
	cfg.Log.Level = "INFO"
	cfg.Log.Format = "text"
	cfg.Log.Output = "stdout"
	cfg.Log.MaxSizeMB = 100
	cfg.Log.MaxBackups = 5
	cfg.Log.MaxAgeDays = 28
	cfg.Server.Port = 8080
	cfg.Server.ConcurrencyLimit = 10
	cfg.Server.ReadTimeout = 10 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.MaxBodySize = DefaultMaxBodySize
	cfg.MCP.Retry.Attempts = 3
	cfg.MCP.Retry.Backoff = 1 * time.Second
	cfg.MCP.Retry.MaxBackoff = 30 * time.Second
	cfg.Orchestration.Mode = "single"
	cfg.Orchestration.MaxParallelReviews = DefaultMaxParallel
	cfg.Orchestration.CooldownMinutes = DefaultCooldownMin
	cfg.Orchestration.AddReviewerVote = true
	cfg.Storage.Driver = "sqlite"
	cfg.Storage.DSN = "file:audit.db?_pragma=journal_mode(WAL)"

	configPath := getEnv("CONFIG_PATH", DefaultConfigPath)
	data, err := os.ReadFile(configPath)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			slog.Error("unmarshal config failed", "error", err, "path", configPath)
			os.Exit(1)
		}
		slog.Info("config loaded", "path", configPath)
	} else if !os.IsNotExist(err) {
		slog.Error("read config failed", "error", err, "path", configPath)
		os.Exit(1)
	} else {
		slog.Info("config not found, using defaults", "path", configPath)
	}

	cfg.Server.WebhookSecret = getEnv("WEBHOOK_SECRET", cfg.Server.WebhookSecret)
	cfg.MCP.Bitbucket.Token = getEnv("BITBUCKET_MCP_TOKEN", cfg.MCP.Bitbucket.Token)

	for i := range cfg.Providers {
		envKey := fmt.Sprintf("%s_API_KEY", strings.ToUpper(cfg.Providers[i].Type))
		cfg.Providers[i].APIKey = getEnv(envKey, cfg.Providers[i].APIKey)
	}

	if envPort := getEnvInt("PORT", 0); envPort != 0 {
		cfg.Server.Port = envPort
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("LOG_OUTPUT"); v != "" {
		cfg.Log.Output = v
	}

	return cfg
}

// Validate checks the configuration is internally consistent.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("invalid server port: %d", c.Server.Port))
	}
	if c.MCP.Bitbucket.Endpoint == "" {
		errs = append(errs, "mcp.bitbucket.endpoint must be configured")
	}

	enabledCount := 0
	seen := map[string]bool{}
	for _, p := range c.Providers {
		if !p.Enabled {
			continue
		}
		enabledCount++
		if seen[p.DisplayName] {
			errs = append(errs, fmt.Sprintf("duplicate provider display name: %s", p.DisplayName))
		}
		seen[p.DisplayName] = true
		if p.APIKey == "" {
			errs = append(errs, fmt.Sprintf("provider %s missing an API key", p.DisplayName))
		}
	}
	if enabledCount == 0 {
		errs = append(errs, "at least one provider must be enabled")
	}

	switch c.Orchestration.Mode {
	case "single":
		if c.Orchestration.ActiveProvider == "" {
			errs = append(errs, "orchestration.active_provider is required in single mode")
		}
	case "consensus":
		if c.Orchestration.ConsensusThreshold < 1 {
			errs = append(errs, "orchestration.consensus_threshold must be >= 1 in consensus mode")
		}
		if c.Orchestration.ConsensusThreshold > enabledCount {
			errs = append(errs, "orchestration.consensus_threshold cannot exceed the number of enabled providers")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown orchestration mode: %q", c.Orchestration.Mode))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config invalid: %s", strings.Join(errs, "; "))
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	return fallback
}
