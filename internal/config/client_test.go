package config_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/bufferbane/bufferbane/internal/config"
	"github.com/bufferbane/bufferbane/internal/measurement"
	"github.com/stretchr/testify/require"
)

const clientYAML = `
test_interval_ms: 500
targets:
  - 1.1.1.1
  - 8.8.8.8
server:
  host: relay.example.net
  port: 9876
  client_id: 42
  shared_secret_hex: "` + secretHex + `"
  enabled: true
retention:
  measurements_days: 14
  aggregations_days: 180
  events_days: 90
  aggregation_time: "04:15"
alerts:
  enabled: true
  latency_ms: 150
  jitter_ms: 30
  loss_pct: 2.5
`

const secretHex = "0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f20"

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadClientConfig_FullExample(t *testing.T) {
	path := writeConfig(t, clientYAML)

	cfg, err := config.LoadClientConfig(path)
	require.NoError(t, err)

	require.Equal(t, 500, cfg.TestIntervalMs)
	require.Equal(t, []string{"1.1.1.1", "8.8.8.8"}, cfg.Targets)
	require.NotNil(t, cfg.Server)
	require.True(t, cfg.Server.Enabled)
	require.Equal(t, "relay.example.net:9876", cfg.Server.Addr())
	require.Equal(t, 14, cfg.Retention.MeasurementsDays)
	require.True(t, cfg.Alerts.Enabled)

	key, err := cfg.Server.Key()
	require.NoError(t, err)
	require.Equal(t, secretHex, fmt.Sprintf("%x", key[:]))

	hour, minute, err := cfg.Retention.AggregationHourMinute()
	require.NoError(t, err)
	require.Equal(t, 4, hour)
	require.Equal(t, 15, minute)

	specs := cfg.ProbeSpecs()
	require.Len(t, specs, 3)
	require.Equal(t, measurement.KindServerEcho, specs[2].Kind)
}

func TestLoadClientConfig_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, "targets:\n  - 1.1.1.1\n")

	cfg, err := config.LoadClientConfig(path)
	require.NoError(t, err)
	require.Equal(t, 1000, cfg.TestIntervalMs)
	require.Equal(t, 30, cfg.Retention.MeasurementsDays)
	require.Equal(t, "03:30", cfg.Retention.AggregationTime)
}

func TestLoadClientConfig_RejectsEmptyTargetsAndServer(t *testing.T) {
	path := writeConfig(t, "test_interval_ms: 1000\n")
	_, err := config.LoadClientConfig(path)
	require.Error(t, err)
}

func TestLoadClientConfig_RejectsBadSharedSecret(t *testing.T) {
	path := writeConfig(t, `
targets:
  - 1.1.1.1
server:
  host: relay.example.net
  port: 9876
  enabled: true
  shared_secret_hex: "not-hex"
`)
	_, err := config.LoadClientConfig(path)
	require.Error(t, err)
}

func TestLoadClientConfig_RejectsMissingFile(t *testing.T) {
	_, err := config.LoadClientConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
