package metrics

import (
	"context"
	"runtime"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName is the instrumentation scope of the engine's instruments
const MeterName = "github.com/jusunglee/mtapi-go"

// Recorder holds the engine's instruments.
// A nil *Recorder is valid and records nothing.
type Recorder struct {
	meter metric.Meter

	cyclesTotal     metric.Int64Counter
	cycleDuration   metric.Float64Histogram
	sourceFailures  metric.Int64Counter
	recordsAccepted metric.Int64Counter
	recordsDropped  metric.Int64Counter
	alertsAttached  metric.Int64Counter
	updatesSkipped  metric.Int64Counter
	lockResets      metric.Int64Counter
	loopRestarts    metric.Int64Counter
}

var (
	defaultOnce     sync.Once
	defaultRecorder *Recorder
)

// Default returns a recorder bound to the global meter provider. Instruments
// created before telemetry is initialized start exporting once a provider is
// installed.
func Default() *Recorder {
	defaultOnce.Do(func() {
		rec, err := New(otel.GetMeterProvider().Meter(MeterName))
		if err == nil {
			defaultRecorder = rec
		}
	})
	return defaultRecorder
}

// New creates all instruments on meter
func New(meter metric.Meter) (*Recorder, error) {
	r := &Recorder{meter: meter}
	var err error

	r.cyclesTotal, err = meter.Int64Counter(
		"mtapi.update.cycles",
		metric.WithDescription("Completed update cycles"),
		metric.WithUnit("{cycle}"),
	)
	if err != nil {
		return nil, err
	}

	r.cycleDuration, err = meter.Float64Histogram(
		"mtapi.update.duration",
		metric.WithDescription("Duration of update cycles"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0),
	)
	if err != nil {
		return nil, err
	}

	r.sourceFailures, err = meter.Int64Counter(
		"mtapi.feed.source.failures",
		metric.WithDescription("Feed sources skipped because of a fetch or decode error"),
		metric.WithUnit("{source}"),
	)
	if err != nil {
		return nil, err
	}

	r.recordsAccepted, err = meter.Int64Counter(
		"mtapi.feed.records.accepted",
		metric.WithDescription("Arrival records placed into a snapshot"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}

	r.recordsDropped, err = meter.Int64Counter(
		"mtapi.feed.records.dropped",
		metric.WithDescription("Arrival records dropped while building a snapshot"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return nil, err
	}

	r.alertsAttached, err = meter.Int64Counter(
		"mtapi.alerts.attached",
		metric.WithDescription("Alerts attached to stations"),
		metric.WithUnit("{alert}"),
	)
	if err != nil {
		return nil, err
	}

	r.updatesSkipped, err = meter.Int64Counter(
		"mtapi.update.skipped",
		metric.WithDescription("Update triggers dropped because another update held the lock"),
		metric.WithUnit("{trigger}"),
	)
	if err != nil {
		return nil, err
	}

	r.lockResets, err = meter.Int64Counter(
		"mtapi.update.lock.resets",
		metric.WithDescription("Update locks force-released after exceeding the timeout"),
		metric.WithUnit("{reset}"),
	)
	if err != nil {
		return nil, err
	}

	r.loopRestarts, err = meter.Int64Counter(
		"mtapi.scheduler.restarts",
		metric.WithDescription("Refresh loops found dead and restarted"),
		metric.WithUnit("{restart}"),
	)
	if err != nil {
		return nil, err
	}

	return r, nil
}

func domainAttr(domain string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("domain", domain))
}

// CycleCompleted records one finished trips or alerts pass
func (r *Recorder) CycleCompleted(ctx context.Context, domain, kind string, d time.Duration) {
	if r == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("domain", domain), attribute.String("kind", kind))
	r.cyclesTotal.Add(ctx, 1, attrs)
	r.cycleDuration.Record(ctx, d.Seconds(), attrs)
}

// SourceFailed records a feed source that contributed nothing this cycle.
// stage is "fetch" or "decode".
func (r *Recorder) SourceFailed(ctx context.Context, domain, stage string) {
	if r == nil {
		return
	}
	r.sourceFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("domain", domain),
		attribute.String("stage", stage),
	))
}

// RecordsBuilt records the outcome of one snapshot build
func (r *Recorder) RecordsBuilt(ctx context.Context, domain string, accepted, outOfWindow, unknownStop, badDirection int) {
	if r == nil {
		return
	}
	r.recordsAccepted.Add(ctx, int64(accepted), domainAttr(domain))
	for reason, n := range map[string]int{
		"out_of_window": outOfWindow,
		"unknown_stop":  unknownStop,
		"bad_direction": badDirection,
	} {
		if n == 0 {
			continue
		}
		r.recordsDropped.Add(ctx, int64(n), metric.WithAttributes(
			attribute.String("domain", domain),
			attribute.String("reason", reason),
		))
	}
}

// AlertsAttached records the outcome of one alert pass
func (r *Recorder) AlertsAttached(ctx context.Context, domain string, n int) {
	if r == nil {
		return
	}
	r.alertsAttached.Add(ctx, int64(n), domainAttr(domain))
}

// UpdateSkipped records a trigger dropped because of lock contention
func (r *Recorder) UpdateSkipped(ctx context.Context, domain string) {
	if r == nil {
		return
	}
	r.updatesSkipped.Add(ctx, 1, domainAttr(domain))
}

// LockReset records a forced release of an abandoned update lock
func (r *Recorder) LockReset(ctx context.Context, domain string) {
	if r == nil {
		return
	}
	r.lockResets.Add(ctx, 1, domainAttr(domain))
}

// LoopRestarted records a dead refresh loop being restarted
func (r *Recorder) LoopRestarted(ctx context.Context) {
	if r == nil {
		return
	}
	r.loopRestarts.Add(ctx, 1)
}

// ObserveLastUpdate registers a gauge reporting the age of a domain's
// published snapshot
func (r *Recorder) ObserveLastUpdate(domain string, lastUpdate func() time.Time) error {
	if r == nil {
		return nil
	}
	_, err := r.meter.Float64ObservableGauge(
		"mtapi.snapshot.age",
		metric.WithDescription("Seconds since the published snapshot was built"),
		metric.WithUnit("s"),
		metric.WithFloat64Callback(func(_ context.Context, o metric.Float64Observer) error {
			t := lastUpdate()
			if !t.IsZero() {
				o.Observe(time.Since(t).Seconds(), domainAttr(domain))
			}
			return nil
		}),
	)
	return err
}

// RegisterRuntime registers goroutine and heap gauges on meter
func RegisterRuntime(meter metric.Meter) error {
	_, err := meter.Int64ObservableGauge(
		"runtime.go.goroutines",
		metric.WithDescription("Number of goroutines"),
		metric.WithUnit("{goroutine}"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(runtime.NumGoroutine()))
			return nil
		}),
	)
	if err != nil {
		return err
	}

	_, err = meter.Int64ObservableGauge(
		"runtime.go.mem.heap_alloc",
		metric.WithDescription("Heap memory allocated"),
		metric.WithUnit("By"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			o.Observe(int64(m.HeapAlloc))
			return nil
		}),
	)
	return err
}
