package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearOTLPEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_TRACES_ENDPOINT", "OTEL_EXPORTER_OTLP_METRICS_ENDPOINT",
		"OTEL_EXPORTER_OTLP_PROTOCOL", "OTEL_EXPORTER_OTLP_TRACES_PROTOCOL", "OTEL_EXPORTER_OTLP_METRICS_PROTOCOL",
		"OTEL_EXPORTER_OTLP_HEADERS", "OTEL_EXPORTER_OTLP_TRACES_HEADERS", "OTEL_EXPORTER_OTLP_METRICS_HEADERS",
		"OTEL_EXPORTER_OTLP_TIMEOUT", "OTEL_EXPORTER_OTLP_TRACES_TIMEOUT", "OTEL_EXPORTER_OTLP_METRICS_TIMEOUT",
		"OTEL_EXPORTER_OTLP_INSECURE", "OTEL_EXPORTER_OTLP_TRACES_INSECURE", "OTEL_EXPORTER_OTLP_METRICS_INSECURE",
		"OTEL_EXPORTER_OTLP_COMPRESSION", "OTEL_EXPORTER_OTLP_TRACES_COMPRESSION", "OTEL_EXPORTER_OTLP_METRICS_COMPRESSION",
	} {
		t.Setenv(k, "")
	}
}

func TestResolveExporterDefaults(t *testing.T) {
	clearOTLPEnv(t)

	got := ResolveExporter(SignalTraces, SignalConfig{})
	assert.Equal(t, ProtocolHTTPProtobuf, got.Protocol)
	assert.Equal(t, "http://localhost:4318/v1/traces", got.Endpoint)
	assert.Equal(t, 10*time.Second, got.Timeout)
	assert.True(t, got.Insecure, "plain http endpoints are insecure")

	got = ResolveExporter(SignalMetrics, SignalConfig{Protocol: ProtocolGRPC})
	assert.Equal(t, "localhost:4317", got.Endpoint)
}

func TestResolveExporterFromFile(t *testing.T) {
	clearOTLPEnv(t)

	got := ResolveExporter(SignalMetrics, SignalConfig{
		Endpoint:    "otel.example.com",
		Headers:     map[string]string{"Authorization": "Basic abc="},
		Timeout:     3 * time.Second,
		Compression: "gzip",
	})
	assert.Equal(t, "https://otel.example.com/v1/metrics", got.Endpoint)
	assert.Equal(t, "Basic abc=", got.Headers["Authorization"])
	assert.Equal(t, 3*time.Second, got.Timeout)
	assert.Equal(t, "gzip", got.Compression)
	assert.False(t, got.Insecure)
}

func TestResolveExporterEnvOverrides(t *testing.T) {
	clearOTLPEnv(t)
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://collector:4318")
	t.Setenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT", "http://tempo:4318/custom")
	t.Setenv("OTEL_EXPORTER_OTLP_HEADERS", "a=1, b=x=y")
	t.Setenv("OTEL_EXPORTER_OTLP_TIMEOUT", "2500")

	traces := ResolveExporter(SignalTraces, SignalConfig{Endpoint: "ignored.example.com"})
	assert.Equal(t, "http://tempo:4318/custom", traces.Endpoint, "signal endpoint is used as-is")
	assert.Equal(t, map[string]string{"a": "1", "b": "x=y"}, traces.Headers)
	assert.Equal(t, 2500*time.Millisecond, traces.Timeout)

	metrics := ResolveExporter(SignalMetrics, SignalConfig{})
	assert.Equal(t, "http://collector:4318/v1/metrics", metrics.Endpoint)
}

func TestResolveExporterGRPCStripsScheme(t *testing.T) {
	clearOTLPEnv(t)
	t.Setenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "https://collector:4317/ignored")

	got := ResolveExporter(SignalTraces, SignalConfig{})
	assert.Equal(t, ProtocolGRPC, got.Protocol)
	assert.Equal(t, "collector:4317", got.Endpoint)
	assert.False(t, got.Insecure)
}

func TestParseDuration(t *testing.T) {
	assert.Equal(t, 5*time.Second, parseDuration("5s", time.Second))
	assert.Equal(t, 1500*time.Millisecond, parseDuration("1500", time.Second))
	assert.Equal(t, time.Second, parseDuration("soon", time.Second))
	assert.Equal(t, time.Second, parseDuration("", time.Second))
}

func TestSetupDisabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}
