// Package config provides configuration loading, validation, and management
// for the mergebot service. It handles JSON config files with environment
// variable substitution.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
)

// Defaults applied when the config file leaves a field unset.
const (
	DefaultListenAddr     = ":8080"
	DefaultDatabasePath   = "mergebot.db"
	DefaultRulesPath      = "queue_rules.yaml"
	DefaultWorkerCount    = 4
	DefaultEventQueueSize = 256
	DefaultRetryAttempts  = 3
	DefaultRetryBackoff   = 2 * time.Second
	DefaultAPIBaseURL     = "https://api.github.com"
)

// GitHub holds the hosting-platform connection settings.
type GitHub struct {
	BaseURL string `json:"base_url"`
	Token   string `json:"token"`
	// Repository is the owner/name pair this service manages trains for.
	Repository    string `json:"repository"`
	WebhookSecret string `json:"webhook_secret"`
	// RequestsPerHour caps REST calls; zero means the platform default (5000).
	RequestsPerHour int `json:"requests_per_hour"`
	// MaxConcurrent caps in-flight REST calls.
	MaxConcurrent int `json:"max_concurrent"`
}

// Dispatch holds worker pool and retry settings.
type Dispatch struct {
	Workers        int           `json:"workers"`
	EventQueueSize int           `json:"event_queue_size"`
	RetryAttempts  int           `json:"retry_attempts"`
	RetryBackoff   time.Duration `json:"retry_backoff_ns"`
}

// Config is the top-level service configuration.
type Config struct {
	ListenAddr   string   `json:"listen_addr"`
	DatabasePath string   `json:"database_path"`
	RulesPath    string   `json:"rules_path"`
	EventLogDir  string   `json:"event_log_dir"`
	GitHub       GitHub   `json:"github"`
	Dispatch     Dispatch `json:"dispatch"`
}

// envPattern matches ${VAR} references inside config values.
var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// substituteEnv replaces ${VAR} references with environment values.
// Unset variables substitute to the empty string; validation catches
// required fields that end up empty.
func substituteEnv(raw []byte) []byte {
	return envPattern.ReplaceAllFunc(raw, func(match []byte) []byte {
		name := envPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// Load reads, substitutes, validates, and defaults a config file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(substituteEnv(raw), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.DatabasePath == "" {
		c.DatabasePath = DefaultDatabasePath
	}
	if c.RulesPath == "" {
		c.RulesPath = DefaultRulesPath
	}
	if c.GitHub.BaseURL == "" {
		c.GitHub.BaseURL = DefaultAPIBaseURL
	}
	if c.GitHub.RequestsPerHour <= 0 {
		c.GitHub.RequestsPerHour = 5000
	}
	if c.GitHub.MaxConcurrent <= 0 {
		c.GitHub.MaxConcurrent = 8
	}
	if c.Dispatch.Workers <= 0 {
		c.Dispatch.Workers = DefaultWorkerCount
	}
	if c.Dispatch.EventQueueSize <= 0 {
		c.Dispatch.EventQueueSize = DefaultEventQueueSize
	}
	if c.Dispatch.RetryAttempts <= 0 {
		c.Dispatch.RetryAttempts = DefaultRetryAttempts
	}
	if c.Dispatch.RetryBackoff <= 0 {
		c.Dispatch.RetryBackoff = DefaultRetryBackoff
	}
}

// Validate checks that required settings are present.
func (c *Config) Validate() error {
	if c.GitHub.Token == "" {
		return fmt.Errorf("config: github.token is required (set GITHUB_TOKEN and reference it as ${GITHUB_TOKEN})")
	}
	if c.GitHub.WebhookSecret == "" {
		return fmt.Errorf("config: github.webhook_secret is required")
	}
	if c.GitHub.Repository == "" {
		return fmt.Errorf("config: github.repository is required (owner/name)")
	}
	if _, _, err := SplitRepository(c.GitHub.Repository); err != nil {
		return err
	}
	return nil
}

// SplitRepository splits an owner/name pair.
func SplitRepository(full string) (owner, repo string, err error) {
	parts := strings.Split(full, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("config: invalid repository %q, want owner/name", full)
	}
	return parts[0], parts[1], nil
}
