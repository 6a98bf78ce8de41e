package mta

import (
	"context"
	"time"

	"github.com/jusunglee/mtapi-go/internal/models"
)

// Querier answers queries for one domain (subway or bus)
type Querier interface {
	GetStationsByLocation(ctx context.Context, lat, lon float64, limit int) ([]models.Station, error)
	GetStationsByRoute(ctx context.Context, route string) ([]models.Station, error)
	GetStationsByIDs(ctx context.Context, ids []string) ([]models.Station, error)

	GetAlertsByStop(ctx context.Context, stopID string) ([]models.Alert, error)
	GetAlertsByRoute(ctx context.Context, route string) ([]models.StationAlerts, error)
	GetRouteAlerts(ctx context.Context, route string) ([]models.Alert, error)

	GetRoutes(ctx context.Context) ([]string, error)
	GetLastUpdate() time.Time
}

// Client defines the interface for accessing MTA data
// Abstracts different data sources (local vs remote) behind common interface
type Client interface {
	Subway() Querier
	// Bus returns nil when no bus station file is configured
	Bus() Querier
	Close()
}
