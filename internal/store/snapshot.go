package store

import (
	"time"

	"github.com/jusunglee/mtapi-go/internal/models"
	"github.com/jusunglee/mtapi-go/internal/stations"
)

// Snapshot is one fully built update cycle of a domain. Once published it is
// never modified; a new cycle builds a new Snapshot and swaps the reference.
type Snapshot struct {
	Domain    models.Domain
	Stations  map[string]*models.Station
	StopIndex map[string]string

	// Routes maps a route id to the stop ids reporting it, in the order they
	// were first seen during the cycle.
	Routes map[string][]string

	// RouteAlerts holds alerts that inform a route directly
	RouteAlerts map[string][]models.Alert

	UpdatedAt       time.Time
	AlertsUpdatedAt time.Time
}

// NewSnapshot returns the empty snapshot served before the first cycle
func NewSnapshot(domain models.Domain, index *stations.Index) *Snapshot {
	snap := &Snapshot{
		Domain:      domain,
		Stations:    make(map[string]*models.Station, index.Len()),
		StopIndex:   index.StopIndex(),
		Routes:      map[string][]string{},
		RouteAlerts: map[string][]models.Alert{},
	}
	for _, id := range index.IDs() {
		static, _ := index.Station(id)
		snap.Stations[id] = emptyStation(domain, static, nil)
	}
	return snap
}

func emptyStation(domain models.Domain, static *models.Station, alerts map[string]models.Alert) *models.Station {
	dirs := domain.Directions()
	if alerts == nil {
		alerts = map[string]models.Alert{}
	}
	return &models.Station{
		ID:       static.ID,
		Name:     static.Name,
		Location: static.Location,
		Stops:    static.Stops,
		Routes:   []string{},
		Arrivals: map[string][]models.Train{
			dirs[0]: {},
			dirs[1]: {},
		},
		Alerts: alerts,
	}
}

// stationForStop resolves a stop id, retrying with the last character
// trimmed since upstream ids may carry a direction suffix.
func (s *Snapshot) stationForStop(stopID string) (string, bool) {
	if id, ok := s.StopIndex[stopID]; ok {
		return id, true
	}
	if len(stopID) > 1 {
		id, ok := s.StopIndex[stopID[:len(stopID)-1]]
		return id, ok
	}
	return "", false
}
