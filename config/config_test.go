package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	assert.Equal(t, []string{"nats://localhost:4222"}, cfg.NATS.URLs)
	assert.Equal(t, "beehive.>", cfg.NATS.Subject)
	assert.Equal(t, 10*time.Second, cfg.NATS.ReconnectDelay)
	assert.True(t, cfg.NATS.JetStream.Enabled)
	assert.Equal(t, "BEEHIVE", cfg.NATS.JetStream.StreamName)
	assert.Equal(t, "beehive_data.db", cfg.Database.Path)
	assert.Equal(t, 5000, cfg.HTTP.Port)
	assert.Equal(t, "/ws", cfg.WebSocket.Path)

	require.NoError(t, cfg.Validate())
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Defaults().NATS.Subject, cfg.NATS.Subject)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	content := `{
		"nats": {
			"urls": ["nats://broker:4222"],
			"subject": "apiary.>",
			"reconnect_delay": "30s",
			"jetstream": {"enabled": false}
		},
		"database": {"path": "/var/lib/beezscale/data.db"},
		"http": {"port": 8080, "cors_origins": ["https://dashboard.example.com"]}
	}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"nats://broker:4222"}, cfg.NATS.URLs)
	assert.Equal(t, "apiary.>", cfg.NATS.Subject)
	assert.Equal(t, 30*time.Second, cfg.NATS.ReconnectDelay)
	assert.False(t, cfg.NATS.JetStream.Enabled)
	assert.Equal(t, "/var/lib/beezscale/data.db", cfg.Database.Path)
	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, []string{"https://dashboard.example.com"}, cfg.HTTP.CORSOrigins)
	// untouched sections keep defaults
	assert.Equal(t, "/ws", cfg.WebSocket.Path)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.json")
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("BEEZSCALE_NATS_URLS", "nats://a:4222,nats://b:4222")
	t.Setenv("BEEZSCALE_DB_PATH", "/tmp/override.db")
	t.Setenv("BEEZSCALE_HTTP_PORT", "9000")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, []string{"nats://a:4222", "nats://b:4222"}, cfg.NATS.URLs)
	assert.Equal(t, "/tmp/override.db", cfg.Database.Path)
	assert.Equal(t, 9000, cfg.HTTP.Port)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no urls", func(c *Config) { c.NATS.URLs = nil }},
		{"empty subject", func(c *Config) { c.NATS.Subject = "" }},
		{"non-wildcard subject", func(c *Config) { c.NATS.Subject = "beehive.hive-001" }},
		{"zero reconnect delay", func(c *Config) { c.NATS.ReconnectDelay = 0 }},
		{"jetstream without stream name", func(c *Config) { c.NATS.JetStream.StreamName = "" }},
		{"empty db path", func(c *Config) { c.Database.Path = "" }},
		{"bad port", func(c *Config) { c.HTTP.Port = -1 }},
		{"bad ws path", func(c *Config) { c.WebSocket.Path = "ws" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
