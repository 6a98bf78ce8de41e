package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/jusunglee/mtapi-go/internal/gtfsrt"
	"github.com/jusunglee/mtapi-go/internal/metrics"
	"github.com/jusunglee/mtapi-go/internal/models"
	"github.com/jusunglee/mtapi-go/internal/store"
)

// SubwayFeedURLs for NYC Subway trip updates
var SubwayFeedURLs = []string{
	"https://api-endpoint.mta.info/Dataservice/mtagtfsfeeds/nyct%2Fgtfs",      // 1234567S
	"https://api-endpoint.mta.info/Dataservice/mtagtfsfeeds/nyct%2Fgtfs-l",    // L
	"https://api-endpoint.mta.info/Dataservice/mtagtfsfeeds/nyct%2Fgtfs-nqrw", // NRQW
	"https://api-endpoint.mta.info/Dataservice/mtagtfsfeeds/nyct%2Fgtfs-bdfm", // BDFM
	"https://api-endpoint.mta.info/Dataservice/mtagtfsfeeds/nyct%2Fgtfs-ace",  // ACE
	"https://api-endpoint.mta.info/Dataservice/mtagtfsfeeds/nyct%2Fgtfs-jz",   // JZ
	"https://api-endpoint.mta.info/Dataservice/mtagtfsfeeds/nyct%2Fgtfs-g",    // G
	"https://api-endpoint.mta.info/Dataservice/mtagtfsfeeds/nyct%2Fgtfs-si",   // SIR
}

// SubwayAlertURL is the subway service alert feed
const SubwayAlertURL = "https://api-endpoint.mta.info/Dataservice/mtagtfsfeeds/camsys%2Fsubway-alerts"

// BusFeedURLs for NYC bus trip updates
var BusFeedURLs = []string{
	"http://gtfsrt.prod.obanyc.com/tripUpdates",
}

// BusAlertURL is the bus service alert feed
const BusAlertURL = "https://api-endpoint.mta.info/Dataservice/mtagtfsfeeds/camsys%2Fbus-alerts"

// ErrUpdateInProgress is returned when an update is dropped because another
// one holds the lock
var ErrUpdateInProgress = errors.New("update already in progress")

// Config describes the feed sources of one domain
type Config struct {
	Domain      models.Domain
	TripFeeds   []string
	AlertFeed   string
	LockTimeout time.Duration
	Location    *time.Location
}

// Manager runs update cycles for one domain: fetch every source, decode,
// build a new snapshot and publish it
type Manager struct {
	domain    models.Domain
	tripFeeds []string
	alertFeed string

	fetcher Fetcher
	decoder *gtfsrt.Decoder
	builder *store.Builder
	store   *store.Store
	lock    *UpdateLock

	now     func() time.Time
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *metrics.Recorder

	wg sync.WaitGroup
}

// NewManager creates a new feed manager
func NewManager(cfg Config, st *store.Store, builder *store.Builder, fetcher Fetcher, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	dialect := gtfsrt.Subway
	if cfg.Domain == models.Bus {
		dialect = gtfsrt.Bus
	}

	return &Manager{
		domain:    cfg.Domain,
		tripFeeds: cfg.TripFeeds,
		alertFeed: cfg.AlertFeed,
		fetcher:   fetcher,
		decoder:   gtfsrt.NewDecoder(dialect, loc),
		builder:   builder,
		store:     st,
		lock:      NewUpdateLock(cfg.LockTimeout),
		now:       time.Now,
		logger:    logger.With("domain", string(cfg.Domain)),
		tracer:    otel.Tracer("mtapi/feed"),
		metrics:   metrics.Default(),
	}
}

// Domain returns the domain this manager updates
func (m *Manager) Domain() models.Domain {
	return m.domain
}

// Update runs a trips pass followed by an alerts pass. If another update
// holds the lock the call returns ErrUpdateInProgress without waiting, unless
// the holder has exceeded the lock timeout, in which case the lock is
// force-released and this update proceeds.
func (m *Manager) Update(ctx context.Context) error {
	token, err := m.acquire(ctx)
	if err != nil {
		return err
	}
	defer m.lock.Release(token)

	m.updateTrips(ctx)
	if m.alertFeed != "" {
		m.updateAlerts(ctx)
	}
	return nil
}

// UpdateAlerts runs only the alerts pass, under the same lock
func (m *Manager) UpdateAlerts(ctx context.Context) error {
	if m.alertFeed == "" {
		return nil
	}
	token, err := m.acquire(ctx)
	if err != nil {
		return err
	}
	defer m.lock.Release(token)

	m.updateAlerts(ctx)
	return nil
}

// Trigger starts an update on a short-lived goroutine and returns at once.
// Panics in the update are recovered and logged.
func (m *Manager) Trigger(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("Update panicked", "panic", r)
			}
		}()

		if err := m.Update(ctx); err != nil {
			if errors.Is(err, ErrUpdateInProgress) {
				m.logger.Info("Update locked, skipping")
				return
			}
			m.logger.Error("Update failed", "error", err)
		}
	}()
}

// Wait blocks until every triggered update has returned
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) acquire(ctx context.Context) (uint64, error) {
	if token, ok := m.lock.TryAcquire(); ok {
		return token, nil
	}

	if !m.lock.Expired() {
		m.metrics.UpdateSkipped(ctx, string(m.domain))
		return 0, ErrUpdateInProgress
	}

	age := m.lock.ForceRelease()
	m.metrics.LockReset(ctx, string(m.domain))
	m.logger.Warn("Cleared expired update lock", "held_for", age)

	if token, ok := m.lock.TryAcquire(); ok {
		return token, nil
	}
	m.metrics.UpdateSkipped(ctx, string(m.domain))
	return 0, ErrUpdateInProgress
}

func (m *Manager) updateTrips(ctx context.Context) {
	ctx, span := m.tracer.Start(ctx, "feed.update_trips",
		trace.WithAttributes(
			attribute.String("domain", string(m.domain)),
			attribute.Int("sources", len(m.tripFeeds)),
		),
	)
	defer span.End()

	start := m.now()
	m.logger.Info("Updating trips")

	batches := m.fetchAll(ctx, m.tripFeeds)
	next, stats := m.builder.Build(m.store.Current(), batches, start)
	m.store.Publish(next)

	elapsed := time.Since(start)
	m.metrics.CycleCompleted(ctx, string(m.domain), "trips", elapsed)
	m.metrics.RecordsBuilt(ctx, string(m.domain), stats.Accepted, stats.OutOfWindow, stats.UnknownStops, stats.BadDirection)

	span.SetAttributes(
		attribute.Int("sources_ok", len(batches)),
		attribute.Int("records", stats.Records),
		attribute.Int("records_accepted", stats.Accepted),
	)
	m.logger.Info("Trips updated",
		"sources_ok", len(batches),
		"sources", len(m.tripFeeds),
		"records", stats.Records,
		"accepted", stats.Accepted,
		"unknown_stops", stats.UnknownStops,
		"duration", elapsed,
	)
}

func (m *Manager) updateAlerts(ctx context.Context) {
	ctx, span := m.tracer.Start(ctx, "feed.update_alerts",
		trace.WithAttributes(attribute.String("domain", string(m.domain))),
	)
	defer span.End()

	start := m.now()
	m.logger.Info("Updating alerts")

	feed, err := m.fetchOne(ctx, m.alertFeed)
	if err != nil {
		span.RecordError(err)
		return
	}

	next, stats := m.builder.AttachAlerts(m.store.Current(), feed.Alerts, start)
	m.store.Publish(next)

	m.metrics.CycleCompleted(ctx, string(m.domain), "alerts", time.Since(start))
	m.metrics.AlertsAttached(ctx, string(m.domain), stats.Attached)

	span.SetAttributes(
		attribute.Int("alerts", stats.Alerts),
		attribute.Int("alerts_attached", stats.Attached),
	)
	m.logger.Info("Alerts updated",
		"alerts", stats.Alerts,
		"attached", stats.Attached,
		"unknown_stops", stats.UnknownStops,
	)
}

// fetchAll fetches and decodes every source concurrently. The returned
// batches keep the order of urls; failed sources are left out.
func (m *Manager) fetchAll(ctx context.Context, urls []string) []store.Batch {
	results := make([]*store.Batch, len(urls))

	var g errgroup.Group
	for i, url := range urls {
		i, url := i, url
		g.Go(func() error {
			feed, err := m.fetchOne(ctx, url)
			if err != nil {
				return nil
			}
			results[i] = &store.Batch{
				Source:   url,
				FeedTime: feed.Timestamp,
				Records:  feed.Trips,
			}
			return nil
		})
	}
	_ = g.Wait()

	batches := make([]store.Batch, 0, len(urls))
	for _, b := range results {
		if b != nil {
			batches = append(batches, *b)
		}
	}
	return batches
}

// fetchOne fetches and decodes a single source, logging and counting failures
func (m *Manager) fetchOne(ctx context.Context, url string) (*gtfsrt.Feed, error) {
	raw, err := m.fetcher.Fetch(ctx, url)
	if err != nil {
		m.metrics.SourceFailed(ctx, string(m.domain), "fetch")
		m.logger.Error("Couldn't connect to MTA server", "url", url, "error", err)
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}

	feed, err := m.decoder.Decode(raw)
	if err != nil {
		m.metrics.SourceFailed(ctx, string(m.domain), "decode")
		m.logger.Error("Couldn't parse feed", "url", url, "error", err)
		return nil, fmt.Errorf("decode %s: %w", url, err)
	}
	return feed, nil
}
