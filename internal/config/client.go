// Package config loads and validates bufferbane-agent and bufferbane-server
// configuration. The distilled spec names a TOML loader as an out-of-scope
// collaborator; no TOML library appears anywhere in the retrieval pack, so
// this loader speaks YAML instead (gopkg.in/yaml.v3, already present in the
// teacher's go.mod) — see SPEC_FULL.md §9 "New Open Question".
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/bufferbane/bufferbane/internal/measurement"
	"github.com/bufferbane/bufferbane/internal/prober"
	"github.com/bufferbane/bufferbane/internal/storage"
	"github.com/bufferbane/bufferbane/internal/wire"
	"gopkg.in/yaml.v3"
)

// ClientConfig is the bufferbane-agent configuration, spec.md §6 "Client".
type ClientConfig struct {
	TestIntervalMs int             `yaml:"test_interval_ms"`
	Targets        []string        `yaml:"targets"`
	Server         *ServerTarget   `yaml:"server"`
	Retention      RetentionConfig `yaml:"retention"`
	Alerts         AlertsConfig    `yaml:"alerts"`
}

// ServerTarget is the client's `server` block: the one echo-protocol target
// the agent authenticates against and drives the time-sync estimator for.
type ServerTarget struct {
	Host            string `yaml:"host"`
	Port            uint16 `yaml:"port"`
	ClientID        uint64 `yaml:"client_id"`
	SharedSecretHex string `yaml:"shared_secret_hex"`
	Enabled         bool   `yaml:"enabled"`
}

// Key decodes SharedSecretHex into a wire.Key.
func (s *ServerTarget) Key() (wire.Key, error) {
	return decodeKeyHex(s.SharedSecretHex)
}

// Addr returns the "host:port" dial target for this server.
func (s *ServerTarget) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// RetentionConfig is the client's `retention` block, spec.md §6.
// AggregationsDays/EventsDays of 0 mean "keep forever".
type RetentionConfig struct {
	MeasurementsDays int    `yaml:"measurements_days"`
	AggregationsDays int    `yaml:"aggregations_days"`
	EventsDays       int    `yaml:"events_days"`
	AggregationTime  string `yaml:"aggregation_time"` // "HH:MM", local time
}

// ToStorage converts to the storage package's retention policy shape.
func (r RetentionConfig) ToStorage() storage.RetentionConfig {
	return storage.RetentionConfig{
		MeasurementsDays: r.MeasurementsDays,
		AggregationsDays: r.AggregationsDays,
		EventsDays:       r.EventsDays,
	}
}

// AggregationHourMinute parses AggregationTime ("HH:MM") into its components.
func (r RetentionConfig) AggregationHourMinute() (hour, minute int, err error) {
	t, err := time.Parse("15:04", r.AggregationTime)
	if err != nil {
		return 0, 0, fmt.Errorf("config: invalid aggregation_time %q: %w", r.AggregationTime, err)
	}
	return t.Hour(), t.Minute(), nil
}

// AlertsConfig is the client's `alerts` block, spec.md §6. Threshold
// evaluation against measurements is a lifecycle-command concern layered
// above the measurement engine; this struct only carries the configured
// values through to that layer.
type AlertsConfig struct {
	Enabled   bool    `yaml:"enabled"`
	LatencyMs float64 `yaml:"latency_ms"`
	JitterMs  float64 `yaml:"jitter_ms"`
	LossPct   float64 `yaml:"loss_pct"`
}

// LoadClientConfig reads and validates a client YAML config file, applying
// defaults for any omitted field.
func LoadClientConfig(path string) (*ClientConfig, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := &ClientConfig{}
	if err := yaml.Unmarshal(buf, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

func (c *ClientConfig) applyDefaults() {
	if c.TestIntervalMs <= 0 {
		c.TestIntervalMs = 1000
	}
	if c.Retention.MeasurementsDays <= 0 {
		c.Retention.MeasurementsDays = 30
	}
	if c.Retention.AggregationTime == "" {
		c.Retention.AggregationTime = "03:30"
	}
}

// Validate enforces spec.md §6's recognised-options contract: malformed
// configuration is a fatal startup error (spec.md §7 "Configuration").
func (c *ClientConfig) Validate() error {
	if c.TestIntervalMs <= 0 {
		return fmt.Errorf("test_interval_ms must be > 0")
	}
	if len(c.Targets) == 0 && (c.Server == nil || !c.Server.Enabled) {
		return fmt.Errorf("at least one icmp target or an enabled server must be configured")
	}
	if c.Server != nil && c.Server.Enabled {
		if c.Server.Host == "" {
			return fmt.Errorf("server.host is required when server.enabled is true")
		}
		if c.Server.Port == 0 {
			return fmt.Errorf("server.port is required when server.enabled is true")
		}
		if _, err := c.Server.Key(); err != nil {
			return fmt.Errorf("server.shared_secret_hex: %w", err)
		}
	}
	if c.Retention.MeasurementsDays <= 0 {
		return fmt.Errorf("retention.measurements_days must be > 0")
	}
	if c.Retention.AggregationTime != "" {
		if _, _, err := c.Retention.AggregationHourMinute(); err != nil {
			return err
		}
	}
	return nil
}

// ProbeSpecs builds the scheduler's ProbeSpec list from this config: one ICMP
// spec per target, plus a server_echo spec if a server is configured and
// enabled.
func (c *ClientConfig) ProbeSpecs() []prober.ProbeSpec {
	specs := make([]prober.ProbeSpec, 0, len(c.Targets)+1)
	for _, t := range c.Targets {
		specs = append(specs, prober.ProbeSpec{
			Kind:       measurement.KindICMP,
			Target:     t,
			IntervalMs: c.TestIntervalMs,
		})
	}
	if c.Server != nil && c.Server.Enabled {
		specs = append(specs, prober.ProbeSpec{
			Kind:       measurement.KindServerEcho,
			Target:     c.Server.Addr(),
			ServerName: c.Server.Host,
			IntervalMs: c.TestIntervalMs,
		})
	}
	return specs
}

func decodeKeyHex(s string) (wire.Key, error) {
	var key wire.Key
	b, err := hex.DecodeString(s)
	if err != nil {
		return key, fmt.Errorf("invalid hex: %w", err)
	}
	if len(b) != wire.KeySize {
		return key, fmt.Errorf("must decode to %d bytes, got %d", wire.KeySize, len(b))
	}
	copy(key[:], b)
	return key, nil
}
