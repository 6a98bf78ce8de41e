package store

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jusunglee/mtapi-go/internal/gtfsrt"
	"github.com/jusunglee/mtapi-go/internal/models"
)

// ErrNotFound is returned when a queried route, station or stop is unknown
var ErrNotFound = errors.New("not found")

// Store holds the currently published snapshot of one domain
type Store struct {
	mu      sync.RWMutex
	current *Snapshot
}

// NewStore creates a store serving initial until the first publish
func NewStore(initial *Snapshot) *Store {
	return &Store{current: initial}
}

// Publish atomically replaces the served snapshot
func (s *Store) Publish(snap *Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = snap
}

// Current returns the served snapshot. The result must be treated as read-only.
func (s *Store) Current() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// GetLastUpdate returns the start time of the last published trip cycle
func (s *Store) GetLastUpdate() time.Time {
	return s.Current().UpdatedAt
}

// GetStationsByLocation returns the limit stations nearest to a point
func (s *Snapshot) GetStationsByLocation(lat, lon float64, limit int) []models.Station {
	type stationDist struct {
		station  *models.Station
		distance float64
	}

	stations := make([]stationDist, 0, len(s.Stations))
	for _, station := range s.Stations {
		dist := distance(lat, lon, station.Location.Lat, station.Location.Lon)
		stations = append(stations, stationDist{station, dist})
	}

	sort.Slice(stations, func(i, j int) bool {
		if stations[i].distance != stations[j].distance {
			return stations[i].distance < stations[j].distance
		}
		return stations[i].station.ID < stations[j].station.ID
	})

	if limit < 0 {
		limit = 0
	}
	result := make([]models.Station, 0, limit)
	for i := 0; i < limit && i < len(stations); i++ {
		result = append(result, stations[i].station.Clone())
	}

	return result
}

// GetStationsByRoute returns every station reporting route, sorted by name
func (s *Snapshot) GetStationsByRoute(route string) ([]models.Station, error) {
	route = gtfsrt.NormalizeRoute(route)
	stops, ok := s.Routes[route]
	if !ok {
		return nil, fmt.Errorf("%w: route %s", ErrNotFound, route)
	}

	stations := s.stationsForStops(stops)
	result := make([]models.Station, len(stations))
	for i, station := range stations {
		result[i] = station.Clone()
	}

	sort.SliceStable(result, func(i, j int) bool {
		if result[i].Name != result[j].Name {
			return result[i].Name < result[j].Name
		}
		return result[i].ID < result[j].ID
	})

	return result, nil
}

// GetStationsByIDs returns stations in the requested order
func (s *Snapshot) GetStationsByIDs(ids []string) ([]models.Station, error) {
	result := make([]models.Station, 0, len(ids))
	for _, id := range ids {
		station, ok := s.Stations[id]
		if !ok {
			return nil, fmt.Errorf("%w: station %s", ErrNotFound, id)
		}
		result = append(result, station.Clone())
	}
	return result, nil
}

// GetAlertsByStop returns the alerts attached to the station owning stopID
func (s *Snapshot) GetAlertsByStop(stopID string) ([]models.Alert, error) {
	stopID = strings.ToUpper(stopID)
	stationID, ok := s.stationForStop(stopID)
	if !ok {
		return nil, fmt.Errorf("%w: stop %s", ErrNotFound, stopID)
	}
	return s.Stations[stationID].SortedAlerts(), nil
}

// GetAlertsByRoute groups the alerts of the stations on route by station.
// Stations without alerts are left out.
func (s *Snapshot) GetAlertsByRoute(route string) []models.StationAlerts {
	route = gtfsrt.NormalizeRoute(route)
	result := []models.StationAlerts{}
	for _, station := range s.stationsForStops(s.Routes[route]) {
		if len(station.Alerts) == 0 {
			continue
		}
		result = append(result, models.StationAlerts{
			StationID: station.ID,
			Alerts:    station.SortedAlerts(),
		})
	}
	return result
}

// GetRouteAlerts returns the alerts that name route as an informed entity
func (s *Snapshot) GetRouteAlerts(route string) ([]models.Alert, error) {
	route = gtfsrt.NormalizeRoute(route)
	alerts, hasAlerts := s.RouteAlerts[route]
	_, hasStops := s.Routes[route]
	if !hasAlerts && !hasStops {
		return nil, fmt.Errorf("%w: route %s", ErrNotFound, route)
	}
	result := make([]models.Alert, len(alerts))
	copy(result, alerts)
	return result, nil
}

// GetRoutes returns all route ids seen in the last cycle
func (s *Snapshot) GetRoutes() []string {
	routes := make([]string, 0, len(s.Routes))
	for route := range s.Routes {
		routes = append(routes, route)
	}
	sort.Strings(routes)
	return routes
}

// stationsForStops resolves stop ids to stations, keeping the first
// occurrence of each station.
func (s *Snapshot) stationsForStops(stops []string) []*models.Station {
	seen := make(map[string]bool, len(stops))
	var result []*models.Station
	for _, stopID := range stops {
		stationID, ok := s.StopIndex[stopID]
		if !ok || seen[stationID] {
			continue
		}
		seen[stationID] = true
		if station, ok := s.Stations[stationID]; ok {
			result = append(result, station)
		}
	}
	return result
}

// distance returns the equirectangular approximation of the distance between
// two points in kilometers. Good enough at city scale.
func distance(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371 // Earth's radius in kilometers

	meanLat := (lat1 + lat2) / 2 * math.Pi / 180
	x := (lon2 - lon1) * math.Pi / 180 * math.Cos(meanLat)
	y := (lat2 - lat1) * math.Pi / 180

	return R * math.Sqrt(x*x+y*y)
}
