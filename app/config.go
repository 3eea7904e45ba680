package app

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jmcleod/keystate/internal/uuid"
	"github.com/jmcleod/keystate/serverconfig"
)

// Storage backends.
const (
	BackendBolt   = "bbolt"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

var ErrInvalidConfig = errors.New("invalid config")

// WebhookConfig forwards reported errors to an HTTP endpoint.
type WebhookConfig struct {
	URL string `yaml:"url" json:"url"`
	// AuthHeader is "Header: Value", e.g. "Authorization: Bearer xxx".
	AuthHeader string `yaml:"auth_header" json:"auth_header"`
}

// Config is the runtime configuration. Sources apply in order: defaults,
// YAML file, command-line flags.
type Config struct {
	DataDir                   string        `yaml:"data_dir" json:"data_dir"`
	Backend                   string        `yaml:"backend" json:"backend"`
	ServerURL                 string        `yaml:"server_url" json:"server_url"`
	MinimumConfigSyncInterval time.Duration `yaml:"minimum_config_sync_interval" json:"minimum_config_sync_interval"`
	WrappingKeyFile           string        `yaml:"wrapping_key_file" json:"wrapping_key_file"`
	AppID                     string        `yaml:"app_id" json:"app_id"`
	LogLevel                  string        `yaml:"log_level" json:"log_level"`
	LogFormat                 string        `yaml:"log_format" json:"log_format"`
	ErrorWebhook              WebhookConfig `yaml:"error_webhook" json:"error_webhook"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		DataDir:                   "./data",
		Backend:                   BackendBolt,
		ServerURL:                 "https://vault.example.com",
		MinimumConfigSyncInterval: serverconfig.DefaultMinimumSyncInterval,
		LogLevel:                  "info",
		LogFormat:                 "text",
	}
}

// LoadConfig applies the YAML file at path over the defaults. An empty path
// returns the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the fields New depends on.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendBolt, BackendSQLite:
		if c.DataDir == "" {
			return fmt.Errorf("%w: data_dir is required for the %s backend", ErrInvalidConfig, c.Backend)
		}
	case BackendMemory:
	default:
		return fmt.Errorf("%w: unknown backend %q", ErrInvalidConfig, c.Backend)
	}
	if c.AppID != "" && !uuid.Valid(c.AppID) {
		return fmt.Errorf("%w: app_id must be a UUID", ErrInvalidConfig)
	}
	if c.MinimumConfigSyncInterval <= 0 {
		return fmt.Errorf("%w: minimum_config_sync_interval must be positive", ErrInvalidConfig)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("%w: log_format must be text or json", ErrInvalidConfig)
	}
	return nil
}

// wrappingKeyPath defaults to keystore.key in the data directory.
func (c Config) wrappingKeyPath() string {
	if c.WrappingKeyFile != "" {
		return c.WrappingKeyFile
	}
	return filepath.Join(c.DataDir, "keystore.key")
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return l, fmt.Errorf("%w: log_level %q", ErrInvalidConfig, s)
	}
	return l, nil
}
