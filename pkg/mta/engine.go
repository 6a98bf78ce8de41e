package mta

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jusunglee/mtapi-go/internal/feed"
	"github.com/jusunglee/mtapi-go/internal/models"
	"github.com/jusunglee/mtapi-go/internal/store"
)

// ErrNotFound is returned when a route, station or stop is unknown
var ErrNotFound = store.ErrNotFound

// updater runs a synchronous update cycle
type updater interface {
	Update(ctx context.Context) error
	UpdateAlerts(ctx context.Context) error
}

// liveness is the part of the refresh scheduler the engine probes
type liveness interface {
	RestartIfDead() bool
}

// Engine answers queries for one domain from its published snapshot,
// refreshing synchronously when the data is stale
type Engine struct {
	domain    models.Domain
	store     *store.Store
	updater   updater
	scheduler liveness
	expires   time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

func newEngine(domain models.Domain, st *store.Store, u updater, expires time.Duration, logger *slog.Logger) *Engine {
	return &Engine{
		domain:  domain,
		store:   st,
		updater: u,
		expires: expires,
		now:     time.Now,
		logger:  logger.With("domain", string(domain)),
	}
}

// Domain returns the domain this engine serves
func (e *Engine) Domain() models.Domain {
	return e.domain
}

// isExpired reports whether a query must refresh first. With a refresh loop,
// a loop found dead is restarted and the data reported fresh so the query
// does not race the restarted loop. Otherwise the age of the last cycle is
// compared with expires; no expiry means never stale.
func (e *Engine) isExpired() bool {
	if e.scheduler != nil && e.scheduler.RestartIfDead() {
		return false
	}
	if e.expires <= 0 {
		return false
	}
	return e.now().Sub(e.store.GetLastUpdate()) > e.expires
}

func (e *Engine) current(ctx context.Context) *store.Snapshot {
	if e.isExpired() {
		if err := e.updater.Update(ctx); err != nil {
			if errors.Is(err, feed.ErrUpdateInProgress) {
				e.logger.Debug("Data expired but an update is already running")
			} else {
				e.logger.Error("Synchronous update failed", "error", err)
			}
		}
	}
	return e.store.Current()
}

// Update forces a full update cycle
func (e *Engine) Update(ctx context.Context) error {
	return e.updater.Update(ctx)
}

// UpdateAlerts refreshes only the alerts of the domain
func (e *Engine) UpdateAlerts(ctx context.Context) error {
	return e.updater.UpdateAlerts(ctx)
}

func (e *Engine) GetStationsByLocation(ctx context.Context, lat, lon float64, limit int) ([]models.Station, error) {
	return e.current(ctx).GetStationsByLocation(lat, lon, limit), nil
}

func (e *Engine) GetStationsByRoute(ctx context.Context, route string) ([]models.Station, error) {
	return e.current(ctx).GetStationsByRoute(route)
}

func (e *Engine) GetStationsByIDs(ctx context.Context, ids []string) ([]models.Station, error) {
	return e.current(ctx).GetStationsByIDs(ids)
}

func (e *Engine) GetAlertsByStop(ctx context.Context, stopID string) ([]models.Alert, error) {
	return e.current(ctx).GetAlertsByStop(stopID)
}

func (e *Engine) GetAlertsByRoute(ctx context.Context, route string) ([]models.StationAlerts, error) {
	return e.current(ctx).GetAlertsByRoute(route), nil
}

func (e *Engine) GetRouteAlerts(ctx context.Context, route string) ([]models.Alert, error) {
	return e.current(ctx).GetRouteAlerts(route)
}

func (e *Engine) GetRoutes(ctx context.Context) ([]string, error) {
	return e.current(ctx).GetRoutes(), nil
}

func (e *Engine) GetLastUpdate() time.Time {
	return e.store.GetLastUpdate()
}
