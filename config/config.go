// Package config handles loading and validation of the BeezScale
// application configuration from JSON files with environment overrides.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents the complete application configuration
type Config struct {
	NATS      NATSConfig      `json:"nats"`
	Database  DatabaseConfig  `json:"database"`
	HTTP      HTTPConfig      `json:"http"`
	WebSocket WebSocketConfig `json:"websocket"`
}

// NATSConfig defines broker connection settings
type NATSConfig struct {
	URLs           []string        `json:"urls,omitempty"`
	Subject        string          `json:"subject,omitempty"`
	ClientName     string          `json:"client_name,omitempty"`
	ReconnectDelay time.Duration   `json:"reconnect_delay,omitempty"`
	Username       string          `json:"username,omitempty"`
	Password       string          `json:"password,omitempty"`
	Token          string          `json:"token,omitempty"`
	JetStream      JetStreamConfig `json:"jetstream,omitempty"`
}

// ServerList returns the broker URLs as the comma separated form the
// NATS client expects.
func (n NATSConfig) ServerList() string {
	return strings.Join(n.URLs, ",")
}

// JetStreamConfig enables at-least-once consumption through a stream.
// When disabled the connector falls back to a plain core subscription.
type JetStreamConfig struct {
	Enabled    bool   `json:"enabled"`
	StreamName string `json:"stream_name,omitempty"`
}

// DatabaseConfig defines the SQLite entity store location
type DatabaseConfig struct {
	Path string `json:"path,omitempty"`
}

// HTTPConfig defines the query API server settings
type HTTPConfig struct {
	Port        int      `json:"port,omitempty"`
	CORSOrigins []string `json:"cors_origins,omitempty"`
}

// WebSocketConfig defines the live channel endpoint
type WebSocketConfig struct {
	Path string `json:"path,omitempty"`
}

// Defaults returns the default configuration
func Defaults() *Config {
	return &Config{
		NATS: NATSConfig{
			URLs:           []string{"nats://localhost:4222"},
			Subject:        "beehive.>",
			ClientName:     "beezscale",
			ReconnectDelay: 10 * time.Second,
			JetStream: JetStreamConfig{
				Enabled:    true,
				StreamName: "BEEHIVE",
			},
		},
		Database: DatabaseConfig{
			Path: "beehive_data.db",
		},
		HTTP: HTTPConfig{
			Port:        5000,
			CORSOrigins: []string{"*"},
		},
		WebSocket: WebSocketConfig{
			Path: "/ws",
		},
	}
}

// Load reads configuration from a JSON file, merges it over the defaults,
// and applies environment overrides. An empty path loads defaults only.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// UnmarshalJSON implements custom JSON unmarshaling so reconnect_delay
// accepts duration strings like "10s" as well as nanosecond numbers.
func (n *NATSConfig) UnmarshalJSON(data []byte) error {
	type Alias NATSConfig
	aux := &struct {
		ReconnectDelay any `json:"reconnect_delay"`
		*Alias
	}{
		Alias: (*Alias)(n),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	switch v := aux.ReconnectDelay.(type) {
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid reconnect_delay %q: %w", v, err)
		}
		n.ReconnectDelay = d
	case float64:
		n.ReconnectDelay = time.Duration(v)
	case nil:
		// keep the value already present (defaults)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides
func applyEnvOverrides(cfg *Config) {
	if val := os.Getenv("BEEZSCALE_NATS_URLS"); val != "" {
		cfg.NATS.URLs = strings.Split(val, ",")
	}
	if val := os.Getenv("BEEZSCALE_NATS_SUBJECT"); val != "" {
		cfg.NATS.Subject = val
	}
	if val := os.Getenv("BEEZSCALE_NATS_USERNAME"); val != "" {
		cfg.NATS.Username = val
	}
	if val := os.Getenv("BEEZSCALE_NATS_PASSWORD"); val != "" {
		cfg.NATS.Password = val
	}
	if val := os.Getenv("BEEZSCALE_NATS_TOKEN"); val != "" {
		cfg.NATS.Token = val
	}
	if val := os.Getenv("BEEZSCALE_DB_PATH"); val != "" {
		cfg.Database.Path = val
	}
	if val := os.Getenv("BEEZSCALE_HTTP_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			cfg.HTTP.Port = port
		}
	}
}

// Validate checks if the config is valid
func (c *Config) Validate() error {
	if len(c.NATS.URLs) == 0 {
		return errors.New("nats.urls is required")
	}
	if c.NATS.Subject == "" {
		return errors.New("nats.subject is required")
	}
	if !strings.HasSuffix(c.NATS.Subject, ".>") && !strings.Contains(c.NATS.Subject, "*") {
		return fmt.Errorf("nats.subject %q must be a wildcard covering all devices", c.NATS.Subject)
	}
	if c.NATS.ReconnectDelay <= 0 {
		return errors.New("nats.reconnect_delay must be positive")
	}
	if c.NATS.JetStream.Enabled && c.NATS.JetStream.StreamName == "" {
		return errors.New("nats.jetstream.stream_name is required when jetstream is enabled")
	}
	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}
	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid http.port: %d", c.HTTP.Port)
	}
	if c.WebSocket.Path == "" || !strings.HasPrefix(c.WebSocket.Path, "/") {
		return fmt.Errorf("invalid websocket.path: %q", c.WebSocket.Path)
	}
	return nil
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}
