package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/grafana/pyroscope-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/jusunglee/mtapi-go/internal/metrics"
)

// DefaultServiceName is reported when the config leaves service_name empty
const DefaultServiceName = "mtapi"

// Version is set at build time via -ldflags
var Version = "dev"

// Shutdown flushes and stops whatever Setup started
type Shutdown func(context.Context) error

// Setup installs the global tracer and meter providers and starts the
// profiler, each only when enabled. Exporter failures are logged and leave
// the signal disabled rather than failing startup.
func Setup(ctx context.Context, cfg Config) (Shutdown, error) {
	var shutdowns []Shutdown

	res, err := NewResource(cfg)
	if err != nil {
		slog.Warn("Partial telemetry resource", "error", err)
		if res == nil {
			res = resource.Default()
		}
	}

	if cfg.Tracing.Enabled {
		exp := ResolveExporter(SignalTraces, cfg.Tracing)
		exporter, err := NewTraceExporter(ctx, exp)
		if err != nil {
			slog.Warn("Failed to create OTLP trace exporter, tracing disabled", "error", err)
		} else {
			tp := sdktrace.NewTracerProvider(
				sdktrace.WithBatcher(exporter),
				sdktrace.WithResource(res),
			)
			otel.SetTracerProvider(tp)
			otel.SetTextMapPropagator(propagation.TraceContext{})
			shutdowns = append(shutdowns, tp.Shutdown)
			slog.Debug("OpenTelemetry tracing initialized", "endpoint", exp.Endpoint, "protocol", exp.Protocol)
		}
	}

	if cfg.Metrics.Enabled {
		exp := ResolveExporter(SignalMetrics, cfg.Metrics)
		exporter, err := NewMetricExporter(ctx, exp)
		if err != nil {
			slog.Warn("Failed to create OTLP metric exporter, metrics disabled", "error", err)
		} else {
			interval := cfg.Metrics.Interval
			if interval <= 0 {
				interval = 60 * time.Second
			}
			mp := sdkmetric.NewMeterProvider(
				sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
				sdkmetric.WithResource(res),
			)
			otel.SetMeterProvider(mp)
			if err := metrics.RegisterRuntime(mp.Meter(metrics.MeterName)); err != nil {
				slog.Warn("Failed to register runtime metrics", "error", err)
			}
			shutdowns = append(shutdowns, mp.Shutdown)
			slog.Debug("OpenTelemetry metrics initialized", "endpoint", exp.Endpoint, "protocol", exp.Protocol)
		}
	}

	if cfg.Profiling.Enabled {
		stop, err := startProfiling(cfg)
		if err != nil {
			slog.Warn("Failed to start Pyroscope profiler", "error", err)
		} else {
			shutdowns = append(shutdowns, stop)
		}
	}

	return func(ctx context.Context) error {
		var errs []error
		for i := len(shutdowns) - 1; i >= 0; i-- {
			if err := shutdowns[i](ctx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}, nil
}

// NewResource describes this process to the tracing and metrics backends
func NewResource(cfg Config) (*resource.Resource, error) {
	env := cfg.Environment
	if env == "" {
		env = "production"
	}
	return resource.New(context.Background(),
		resource.WithFromEnv(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceName(serviceName(cfg)),
			semconv.ServiceVersion(Version),
			semconv.ServiceInstanceID(instanceID()),
			semconv.DeploymentEnvironment(env),
			semconv.ProcessRuntimeName("go"),
			semconv.ProcessRuntimeVersion(runtime.Version()),
		),
	)
}

func startProfiling(cfg Config) (Shutdown, error) {
	addr := cfg.Profiling.ServerAddress
	if addr == "" {
		addr = "http://localhost:4040"
	}

	pc := pyroscope.Config{
		ApplicationName: serviceName(cfg),
		ServerAddress:   addr,
		Logger:          pyroscope.StandardLogger,
		Tags: map[string]string{
			"service": serviceName(cfg),
			"version": Version,
		},
	}
	if cfg.Profiling.BasicAuthUser != "" && cfg.Profiling.BasicAuthPassword != "" {
		pc.BasicAuthUser = cfg.Profiling.BasicAuthUser
		pc.BasicAuthPassword = cfg.Profiling.BasicAuthPassword
	}

	profiler, err := pyroscope.Start(pc)
	if err != nil {
		return nil, err
	}
	slog.Debug("Pyroscope profiling started", "server", addr)

	return func(context.Context) error {
		return profiler.Stop()
	}, nil
}

func serviceName(cfg Config) string {
	if cfg.ServiceName != "" {
		return cfg.ServiceName
	}
	return DefaultServiceName
}

func instanceID() string {
	if id := os.Getenv("OTEL_SERVICE_INSTANCE_ID"); id != "" {
		return id
	}
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		return hostname
	}
	return fmt.Sprintf("mtapi-%d", os.Getpid())
}
