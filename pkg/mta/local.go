package mta

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jusunglee/mtapi-go/internal/feed"
	"github.com/jusunglee/mtapi-go/internal/metrics"
	"github.com/jusunglee/mtapi-go/internal/models"
	"github.com/jusunglee/mtapi-go/internal/stations"
	"github.com/jusunglee/mtapi-go/internal/store"
)

// LocalClient implements the Client interface for local usage
// Manages in-memory snapshots and background feed updates
type LocalClient struct {
	subway    *Engine
	bus       *Engine
	managers  []*feed.Manager
	scheduler *feed.Scheduler
}

// NewLocal creates a new local MTA client
// Loads the station files, runs one update per domain and, in threaded mode,
// starts the background refresh loop. A missing or corrupt station file is
// returned as an error and the client must not be used.
func NewLocal(config Config) (*LocalClient, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	logger := slog.Default()
	c := &LocalClient{}

	subway, mgr, err := buildEngine(config, models.Subway, config.StationsFile, config.Subway, logger)
	if err != nil {
		return nil, err
	}
	c.subway = subway
	c.managers = append(c.managers, mgr)

	if config.BusStationsFile != "" {
		bus, mgr, err := buildEngine(config, models.Bus, config.BusStationsFile, config.Bus, logger)
		if err != nil {
			return nil, err
		}
		c.bus = bus
		c.managers = append(c.managers, mgr)
	}

	ctx := context.Background()
	for _, m := range c.managers {
		if err := m.Update(ctx); err != nil {
			logger.Error("Initial update failed", "domain", string(m.Domain()), "error", err)
		}
	}

	if config.Threaded {
		updaters := make([]feed.Updater, len(c.managers))
		for i, m := range c.managers {
			updaters[i] = m
		}
		c.scheduler = feed.NewScheduler(config.Expires, logger, updaters...)
		c.scheduler.Start()

		c.subway.scheduler = c.scheduler
		if c.bus != nil {
			c.bus.scheduler = c.scheduler
		}
	}

	return c, nil
}

func buildEngine(config Config, domain models.Domain, stationsFile string, fc FeedConfig, logger *slog.Logger) (*Engine, *feed.Manager, error) {
	index, err := stations.LoadFile(stationsFile)
	if err != nil {
		return nil, nil, fmt.Errorf("%s stations: %w", domain, err)
	}
	logger.Info("Loaded stations", "domain", string(domain), "stations", index.Len(), "file", stationsFile)

	st := store.NewStore(store.NewSnapshot(domain, index))
	builder := store.NewBuilder(domain, index, store.Options{
		MaxTrains:  config.MaxTrains,
		MaxMinutes: time.Duration(config.MaxMinutes) * time.Minute,
	}, logger)
	fetcher := feed.NewHTTPFetcher(config.APIKey, fc.KeyParam, config.HTTPTimeout)

	mgr := feed.NewManager(feed.Config{
		Domain:      domain,
		TripFeeds:   fc.Feeds,
		AlertFeed:   fc.Alerts,
		LockTimeout: config.LockTimeout,
		Location:    config.Location(),
	}, st, builder, fetcher, logger)

	if err := metrics.Default().ObserveLastUpdate(string(domain), st.GetLastUpdate); err != nil {
		logger.Warn("Failed to register snapshot age gauge", "domain", string(domain), "error", err)
	}

	return newEngine(domain, st, mgr, config.Expires, logger), mgr, nil
}

// Close gracefully shuts down the local client
// Must be called to stop background goroutines and prevent leaks
func (c *LocalClient) Close() {
	if c.scheduler != nil {
		c.scheduler.Stop()
	}
	for _, m := range c.managers {
		m.Wait()
	}
}

func (c *LocalClient) Subway() Querier {
	return c.subway
}

func (c *LocalClient) Bus() Querier {
	if c.bus == nil {
		return nil
	}
	return c.bus
}

// SubwayEngine exposes the subway engine for forced updates
func (c *LocalClient) SubwayEngine() *Engine {
	return c.subway
}

// BusEngine exposes the bus engine, nil when bus is not configured
func (c *LocalClient) BusEngine() *Engine {
	return c.bus
}
