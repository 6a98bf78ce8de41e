package telemetry

import (
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Protocol represents OTLP transport protocol
type Protocol string

const (
	ProtocolGRPC         Protocol = "grpc"
	ProtocolHTTPProtobuf Protocol = "http/protobuf"
	ProtocolHTTPJSON     Protocol = "http/json"
)

// SignalType represents the OTEL signal type
type SignalType string

const (
	SignalTraces  SignalType = "traces"
	SignalMetrics SignalType = "metrics"
)

// Config is the telemetry section of the service configuration
type Config struct {
	ServiceName string          `yaml:"service_name"`
	Environment string          `yaml:"environment"`
	Tracing     SignalConfig    `yaml:"tracing"`
	Metrics     SignalConfig    `yaml:"metrics"`
	Profiling   ProfilingConfig `yaml:"profiling"`
}

// SignalConfig configures one OTLP exporter. Empty fields fall back to the
// standard OTEL_EXPORTER_OTLP_* environment variables.
type SignalConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Endpoint    string            `yaml:"endpoint"`
	Protocol    Protocol          `yaml:"protocol" validate:"omitempty,oneof=grpc http/protobuf http/json"`
	Headers     map[string]string `yaml:"headers"`
	Timeout     time.Duration     `yaml:"timeout"`
	Insecure    bool              `yaml:"insecure"`
	Compression string            `yaml:"compression" validate:"omitempty,oneof=gzip none"`
	Interval    time.Duration     `yaml:"interval"`
}

// ProfilingConfig configures continuous profiling with Pyroscope
type ProfilingConfig struct {
	Enabled           bool   `yaml:"enabled"`
	ServerAddress     string `yaml:"server_address" validate:"omitempty,url"`
	BasicAuthUser     string `yaml:"basic_auth_user"`
	BasicAuthPassword string `yaml:"basic_auth_password"`
}

// ExporterConfig holds resolved OTLP exporter configuration for a signal
type ExporterConfig struct {
	Endpoint    string
	Protocol    Protocol
	Headers     map[string]string
	Timeout     time.Duration
	Insecure    bool
	Compression string
}

// ResolveExporter merges cfg with the OTEL_EXPORTER_OTLP_* environment
// variables. Signal-specific variables win over base ones, and both win over
// the file.
func ResolveExporter(signal SignalType, cfg SignalConfig) ExporterConfig {
	signalUpper := strings.ToUpper(string(signal))

	protocol := resolveProtocol(signalUpper, cfg.Protocol)
	endpoint := resolveEndpoint(signal, signalUpper, protocol, cfg.Endpoint)

	headers := parseHeaders(getEnvWithFallback(
		"OTEL_EXPORTER_OTLP_"+signalUpper+"_HEADERS",
		"OTEL_EXPORTER_OTLP_HEADERS",
		"",
	))
	if len(headers) == 0 && len(cfg.Headers) > 0 {
		headers = cfg.Headers
	}

	defaultTimeout := 10 * time.Second
	if cfg.Timeout > 0 {
		defaultTimeout = cfg.Timeout
	}
	timeout := parseDuration(getEnvWithFallback(
		"OTEL_EXPORTER_OTLP_"+signalUpper+"_TIMEOUT",
		"OTEL_EXPORTER_OTLP_TIMEOUT",
		"",
	), defaultTimeout)

	compression := getEnvWithFallback(
		"OTEL_EXPORTER_OTLP_"+signalUpper+"_COMPRESSION",
		"OTEL_EXPORTER_OTLP_COMPRESSION",
		cfg.Compression,
	)

	return ExporterConfig{
		Endpoint:    endpoint,
		Protocol:    protocol,
		Headers:     headers,
		Timeout:     timeout,
		Insecure:    resolveInsecure(signalUpper, endpoint, cfg.Insecure),
		Compression: compression,
	}
}

func resolveProtocol(signalUpper string, fromFile Protocol) Protocol {
	protocolStr := getEnvWithFallback(
		"OTEL_EXPORTER_OTLP_"+signalUpper+"_PROTOCOL",
		"OTEL_EXPORTER_OTLP_PROTOCOL",
		string(fromFile),
	)

	switch strings.ToLower(protocolStr) {
	case "grpc":
		return ProtocolGRPC
	case "http/json":
		return ProtocolHTTPJSON
	default:
		return ProtocolHTTPProtobuf
	}
}

// resolveEndpoint uses a signal-specific endpoint as-is and appends the
// signal path to a base endpoint
func resolveEndpoint(signal SignalType, signalUpper string, protocol Protocol, fromFile string) string {
	if e := os.Getenv("OTEL_EXPORTER_OTLP_" + signalUpper + "_ENDPOINT"); e != "" {
		return normalizeEndpoint(e, protocol)
	}
	if e := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); e != "" {
		return appendSignalPath(normalizeEndpoint(e, protocol), signal, protocol)
	}
	if fromFile != "" {
		return appendSignalPath(normalizeEndpoint(fromFile, protocol), signal, protocol)
	}

	if protocol == ProtocolGRPC {
		return "localhost:4317"
	}
	return "http://localhost:4318/v1/" + string(signal)
}

func normalizeEndpoint(endpoint string, protocol Protocol) string {
	if protocol == ProtocolGRPC {
		endpoint = strings.TrimPrefix(endpoint, "http://")
		endpoint = strings.TrimPrefix(endpoint, "https://")
		if idx := strings.Index(endpoint, "/"); idx != -1 {
			endpoint = endpoint[:idx]
		}
		return endpoint
	}

	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = "https://" + endpoint
	}
	return endpoint
}

func appendSignalPath(endpoint string, signal SignalType, protocol Protocol) string {
	if protocol == ProtocolGRPC {
		return endpoint
	}

	signalPath := "/v1/" + string(signal)

	u, err := url.Parse(endpoint)
	if err != nil {
		return strings.TrimSuffix(endpoint, "/") + signalPath
	}
	if strings.HasSuffix(u.Path, signalPath) {
		return endpoint
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = signalPath
	} else {
		u.Path = strings.TrimSuffix(u.Path, "/") + signalPath
	}
	return u.String()
}

func resolveInsecure(signalUpper, endpoint string, fromFile bool) bool {
	insecureStr := getEnvWithFallback(
		"OTEL_EXPORTER_OTLP_"+signalUpper+"_INSECURE",
		"OTEL_EXPORTER_OTLP_INSECURE",
		"",
	)
	if insecureStr != "" {
		return isTrue(insecureStr)
	}
	if fromFile {
		return true
	}
	return strings.HasPrefix(endpoint, "http://")
}

func getEnvWithFallback(signalSpecific, base, defaultValue string) string {
	if value := os.Getenv(signalSpecific); value != "" {
		return value
	}
	if value := os.Getenv(base); value != "" {
		return value
	}
	return defaultValue
}

func isTrue(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

// parseHeaders parses "key1=value1,key2=value2". Values keep everything after
// the first '=' untrimmed.
func parseHeaders(headerStr string) map[string]string {
	headers := make(map[string]string)
	if headerStr == "" {
		return headers
	}

	for _, pair := range strings.Split(headerStr, ",") {
		pair = strings.TrimSpace(pair)
		if idx := strings.Index(pair, "="); idx > 0 {
			key := strings.TrimSpace(pair[:idx])
			value := pair[idx+1:]
			headers[key] = value
			slog.Debug("Parsed OTEL header", "key", key, "value_length", len(value))
		}
	}
	return headers
}

// parseDuration accepts Go durations ("10s") and OTEL-style milliseconds ("10000")
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	if s == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(s); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultVal
}
