package app

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, BackendBolt, cfg.Backend)
	assert.Equal(t, time.Hour, cfg.MinimumConfigSyncInterval)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfigOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
backend: sqlite
data_dir: /tmp/ks
minimum_config_sync_interval: 10m
log_format: json
error_webhook:
  url: https://hooks.example.com/errors
  auth_header: "Authorization: Bearer x"
`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, BackendSQLite, cfg.Backend)
	assert.Equal(t, "/tmp/ks", cfg.DataDir)
	assert.Equal(t, 10*time.Minute, cfg.MinimumConfigSyncInterval)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "info", cfg.LogLevel, "unset keys keep defaults")
	assert.Equal(t, "https://hooks.example.com/errors", cfg.ErrorWebhook.URL)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("backend: [unclosed"), 0o600))
	_, err = LoadConfig(path)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"UnknownBackend", func(c *Config) { c.Backend = "redis" }},
		{"NoDataDir", func(c *Config) { c.DataDir = "" }},
		{"ZeroInterval", func(c *Config) { c.MinimumConfigSyncInterval = 0 }},
		{"BadLevel", func(c *Config) { c.LogLevel = "loud" }},
		{"BadFormat", func(c *Config) { c.LogFormat = "xml" }},
		{"BadAppID", func(c *Config) { c.AppID = "fixed-app" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.LogFormat = "json"
	cfg.LogLevel = "warn"
	l, err := NewLogger(&buf, cfg)
	require.NoError(t, err)
	l.Info("hidden")
	l.Warn("shown")
	out := buf.String()
	assert.False(t, strings.Contains(out, "hidden"))
	assert.True(t, strings.Contains(out, `"msg":"shown"`))
}
