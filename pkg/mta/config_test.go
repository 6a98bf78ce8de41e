package mta

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 10, cfg.MaxTrains)
	assert.Equal(t, 30, cfg.MaxMinutes)
	assert.Equal(t, 300*time.Second, cfg.LockTimeout)
	assert.True(t, cfg.Threaded)
	assert.Len(t, cfg.Subway.Feeds, 8)
	assert.Contains(t, cfg.Subway.Alerts, "subway-alerts")
	assert.Contains(t, cfg.Bus.Alerts, "bus-alerts")
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("MTA_API_KEY", "")
	path := writeFile(t, "config.yaml", `
api_key: from-file
stations_file: /data/stations.json
bus_stations_file: /data/bus.json
expires: 30s
max_trains: 5
threaded: false
bus:
  feeds:
    - http://bus.example.com/tripUpdates
  key_param: key
server:
  port: 9000
log:
  level: debug
  format: json
telemetry:
  tracing:
    enabled: true
    protocol: grpc
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "from-file", cfg.APIKey)
	assert.Equal(t, "/data/bus.json", cfg.BusStationsFile)
	assert.Equal(t, 30*time.Second, cfg.Expires)
	assert.Equal(t, 5, cfg.MaxTrains)
	assert.Equal(t, 30, cfg.MaxMinutes, "unset fields keep their defaults")
	assert.False(t, cfg.Threaded)
	assert.Equal(t, []string{"http://bus.example.com/tripUpdates"}, cfg.Bus.Feeds)
	assert.Equal(t, "key", cfg.Bus.KeyParam)
	assert.Len(t, cfg.Subway.Feeds, 8)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.True(t, cfg.Telemetry.Tracing.Enabled)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("MTA_API_KEY", "from-env")
	path := writeFile(t, "config.yaml", "api_key: from-file\n")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.APIKey)
}

func TestLoadConfigErrors(t *testing.T) {
	t.Setenv("MTA_API_KEY", "")

	tests := []struct {
		name    string
		content string
	}{
		{"bad yaml", "max_trains: [1"},
		{"zero trains", "max_trains: 0"},
		{"bad feed url", "subway:\n  feeds: [\"not a url\"]"},
		{"bad port", "server:\n  port: 70000"},
		{"bad log format", "log:\n  format: xml"},
		{"threaded without interval", "threaded: true\nexpires: 0s"},
		{"bad timezone", "timezone: Mars/Olympus"},
		{"bad otlp protocol", "telemetry:\n  metrics:\n    protocol: udp"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeFile(t, "config.yaml", tt.content))
			assert.Error(t, err)
		})
	}

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestConfigLocation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timezone = "UTC"
	assert.Equal(t, time.UTC, cfg.Location())
}
