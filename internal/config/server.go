package config

import (
	"fmt"
	"os"
	"time"

	"github.com/bufferbane/bufferbane/internal/server"
	"github.com/bufferbane/bufferbane/internal/wire"
	"gopkg.in/yaml.v3"
)

// ServerConfig is the bufferbane-server configuration, spec.md §6 "Server".
type ServerConfig struct {
	BindAddress     string  `yaml:"bind_address"`
	BindPort        uint16  `yaml:"bind_port"`
	SharedSecretHex string  `yaml:"shared_secret_hex"`
	SessionTimeoutS int     `yaml:"session_timeout_s"`
	MaxSessions     int     `yaml:"max_sessions"`
	PerIPRateLimit  float64 `yaml:"per_ip_rate_limit"`
	NonceWindowS    int     `yaml:"nonce_window_s"`
}

// Key decodes SharedSecretHex into a wire.Key.
func (c *ServerConfig) Key() (wire.Key, error) {
	return decodeKeyHex(c.SharedSecretHex)
}

// LoadServerConfig reads and validates a server YAML config file, applying
// defaults for any omitted field.
func LoadServerConfig(path string) (*ServerConfig, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := &ServerConfig{}
	if err := yaml.Unmarshal(buf, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

func (c *ServerConfig) applyDefaults() {
	if c.BindAddress == "" {
		c.BindAddress = "0.0.0.0"
	}
	if c.BindPort == 0 {
		c.BindPort = 9876
	}
	if c.SessionTimeoutS <= 0 {
		c.SessionTimeoutS = 3600
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = 4096
	}
	if c.NonceWindowS <= 0 {
		c.NonceWindowS = 120
	}
}

// Validate enforces spec.md §6's recognised-options contract.
func (c *ServerConfig) Validate() error {
	if c.BindPort == 0 {
		return fmt.Errorf("bind_port is required")
	}
	if _, err := c.Key(); err != nil {
		return fmt.Errorf("shared_secret_hex: %w", err)
	}
	if c.SessionTimeoutS <= 0 {
		return fmt.Errorf("session_timeout_s must be > 0")
	}
	if c.MaxSessions <= 0 {
		return fmt.Errorf("max_sessions must be > 0")
	}
	if c.NonceWindowS <= 0 {
		return fmt.Errorf("nonce_window_s must be > 0")
	}
	return nil
}

// ToServerConfig builds the internal/server Config this configuration
// describes: bind address, port, key, session timeout, session cap, nonce
// window and per-IP rate limit. Clock, Log and Registry are left unset for
// the caller to fill in.
func (c *ServerConfig) ToServerConfig() (server.Config, error) {
	key, err := c.Key()
	if err != nil {
		return server.Config{}, err
	}
	return server.Config{
		BindAddress:    c.BindAddress,
		Port:           c.BindPort,
		Key:            key,
		SessionTimeout: time.Duration(c.SessionTimeoutS) * time.Second,
		MaxSessions:    c.MaxSessions,
		NonceWindow:    time.Duration(c.NonceWindowS) * time.Second,
		PerIPRateLimit: c.PerIPRateLimit,
	}, nil
}
