// Package config handles loading, validating, and writing the audit
// service configuration from config.yaml in the state directory.
//
// The config defines:
//   - Storage: path to the SQLite audit database
//   - Append: head compare-and-swap retry budget and backoff
//   - Feed: HTTP/WebSocket feed server bind address and toggle
//   - Verification: scheduled chain verification interval
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level audit service configuration. Loaded from
// config.yaml with sensible defaults for fields that are not set.
type Config struct {
	Storage      StorageConfig      `yaml:"storage"`
	Append       AppendConfig       `yaml:"append"`
	Feed         FeedConfig         `yaml:"feed"`
	Verification VerificationConfig `yaml:"verification"`
}

// StorageConfig locates the audit database.
type StorageConfig struct {
	// Path to the SQLite database file, relative to the state directory
	// unless absolute.
	Path string `yaml:"path"`
}

// AppendConfig tunes the append write path.
type AppendConfig struct {
	// MaxAttempts bounds the chain head compare-and-swap retry loop.
	MaxAttempts int `yaml:"maxAttempts"`

	// RetryBackoffMs is the base jittered delay between retries.
	RetryBackoffMs int `yaml:"retryBackoffMs"`
}

// FeedConfig controls the HTTP API + WebSocket live feed server.
// Default bind is loopback only — never 0.0.0.0.
type FeedConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// VerificationConfig controls scheduled chain verification. An interval
// of 0 disables the sweep; verification stays available on demand.
type VerificationConfig struct {
	IntervalMinutes int `yaml:"intervalMinutes"`
}

// Interval returns the sweep interval as a duration.
func (v VerificationConfig) Interval() time.Duration {
	return time.Duration(v.IntervalMinutes) * time.Minute
}

// RetryBackoff returns the append backoff as a duration.
func (a AppendConfig) RetryBackoff() time.Duration {
	return time.Duration(a.RetryBackoffMs) * time.Millisecond
}

// Load reads and parses config.yaml from the given path.
// If the file doesn't exist, returns defaults (not an error).
// Invalid YAML or validation failures return an error.
func Load(path string) (*Config, error) {
	cfg := applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// No config file — use defaults. Normal before first setup.
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// WriteDefault writes a default config.yaml with all fields populated
// and a comment header. Used by `auditchain config generate`.
func WriteDefault(path string) error {
	cfg := applyDefaults()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling default config: %w", err)
	}

	header := `# Audit chain service configuration
#
# storage:
#   path: SQLite database file for entries and chain heads
#
# append:
#   maxAttempts: Head compare-and-swap retry budget per append
#   retryBackoffMs: Base jittered delay between retries
#
# feed:
#   enabled: Serve the HTTP API and WebSocket live feed
#   host: Bind address (default: 127.0.0.1, loopback only)
#   port: Listen port
#
# verification:
#   intervalMinutes: Scheduled chain verification sweep (0 = on demand only)

`
	return os.WriteFile(path, []byte(header+string(data)), 0o644)
}

// applyDefaults returns a Config with all fields set to their default
// values.
func applyDefaults() *Config {
	return &Config{
		Storage: StorageConfig{
			Path: "audit.db",
		},
		Append: AppendConfig{
			MaxAttempts:    3,
			RetryBackoffMs: 40,
		},
		Feed: FeedConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    3200,
		},
		Verification: VerificationConfig{
			IntervalMinutes: 15,
		},
	}
}

// validate checks the config for logical errors after parsing.
func validate(cfg *Config) error {
	if cfg.Storage.Path == "" {
		return fmt.Errorf("storage.path must not be empty")
	}
	if cfg.Append.MaxAttempts < 1 {
		return fmt.Errorf("append.maxAttempts must be at least 1")
	}
	if cfg.Append.RetryBackoffMs < 0 {
		return fmt.Errorf("append.retryBackoffMs must be non-negative")
	}
	if cfg.Feed.Enabled {
		if cfg.Feed.Host == "" {
			return fmt.Errorf("feed.host must not be empty")
		}
		if cfg.Feed.Port < 1 || cfg.Feed.Port > 65535 {
			return fmt.Errorf("feed.port %d out of range (1-65535)", cfg.Feed.Port)
		}
	}
	if cfg.Verification.IntervalMinutes < 0 {
		return fmt.Errorf("verification.intervalMinutes must be non-negative")
	}
	return nil
}
