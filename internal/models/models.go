package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Domain identifies one of the served feed families
type Domain string

const (
	Subway Domain = "subway"
	Bus    Domain = "bus"
)

// Directions returns the two direction keys arrivals are grouped under
func (d Domain) Directions() [2]string {
	if d == Bus {
		return [2]string{"0", "1"}
	}
	return [2]string{"N", "S"}
}

// Location represents a geographic coordinate.
// It is encoded as a [lat, lon] pair, matching the station file.
type Location struct {
	Lat float64
	Lon float64
}

func (l Location) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{l.Lat, l.Lon})
}

func (l *Location) UnmarshalJSON(data []byte) error {
	var pair []float64
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("location must have 2 coordinates, got %d", len(pair))
	}
	l.Lat, l.Lon = pair[0], pair[1]
	return nil
}

// Train represents a single predicted arrival at a station
type Train struct {
	Route string    `json:"route"`
	Time  time.Time `json:"time"`
}

// Alert represents a service alert attached to a station or route
type Alert struct {
	ID            string            `json:"id"`
	Header        string            `json:"header"`
	Descriptions  map[string]string `json:"description"`
	Routes        []string          `json:"routes,omitempty"`
	ActivePeriods []TimePeriod      `json:"active_periods,omitempty"`
	LastUpdate    time.Time         `json:"last_update"`
}

// TimePeriod represents a time range
type TimePeriod struct {
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

// Station is a group of nearby stops with the arrivals and alerts of one
// update cycle. Stations inside a published snapshot are never modified.
type Station struct {
	ID       string
	Name     string
	Location Location
	Stops    map[string]Location

	Routes     []string
	Arrivals   map[string][]Train
	Alerts     map[string]Alert
	HasData    bool
	LastUpdate time.Time
}

// Clone returns a copy whose arrival lists can be modified freely
func (s *Station) Clone() Station {
	out := *s
	out.Routes = append([]string(nil), s.Routes...)
	out.Arrivals = make(map[string][]Train, len(s.Arrivals))
	for dir, trains := range s.Arrivals {
		out.Arrivals[dir] = append([]Train(nil), trains...)
	}
	return out
}

// SortedAlerts returns the station's alerts ordered by id
func (s *Station) SortedAlerts() []Alert {
	alerts := make([]Alert, 0, len(s.Alerts))
	for _, a := range s.Alerts {
		alerts = append(alerts, a)
	}
	sort.Slice(alerts, func(i, j int) bool { return alerts[i].ID < alerts[j].ID })
	return alerts
}

// StationAlerts groups the alerts of one station
type StationAlerts struct {
	StationID string  `json:"station_id"`
	Alerts    []Alert `json:"alerts"`
}

// StationResponse is the API response format for a station.
// Arrivals are emitted under their direction keys ("N"/"S" or "0"/"1").
type StationResponse struct {
	ID         string
	Name       string
	Location   Location
	Routes     []string
	Arrivals   map[string][]Train
	Stops      map[string]Location
	Alerts     []Alert
	HasData    bool
	LastUpdate *time.Time
}

func (r StationResponse) MarshalJSON() ([]byte, error) {
	out := map[string]interface{}{
		"id":          r.ID,
		"name":        r.Name,
		"location":    r.Location,
		"routes":      r.Routes,
		"stops":       r.Stops,
		"alerts":      r.Alerts,
		"hasData":     r.HasData,
		"last_update": r.LastUpdate,
	}
	for dir, trains := range r.Arrivals {
		out[dir] = trains
	}
	return json.Marshal(out)
}

// FeedInfo contains metadata about the feed
type FeedInfo struct {
	LastUpdate time.Time `json:"last_update"`
	Routes     []string  `json:"routes"`
}

// ConvertToResponse converts a Station to StationResponse format
func (s *Station) ConvertToResponse() StationResponse {
	arrivals := make(map[string][]Train, len(s.Arrivals))
	for dir, trains := range s.Arrivals {
		if trains == nil {
			trains = []Train{}
		}
		arrivals[dir] = trains
	}

	routes := s.Routes
	if routes == nil {
		routes = []string{}
	}

	resp := StationResponse{
		ID:       s.ID,
		Name:     s.Name,
		Location: s.Location,
		Routes:   routes,
		Arrivals: arrivals,
		Stops:    s.Stops,
		Alerts:   s.SortedAlerts(),
		HasData:  s.HasData,
	}
	if !s.LastUpdate.IsZero() {
		t := s.LastUpdate
		resp.LastUpdate = &t
	}
	return resp
}

// OldestStationUpdate returns the earliest non-zero LastUpdate among the
// stations, or the zero time if none of them has data.
func OldestStationUpdate(stations []Station) time.Time {
	var oldest time.Time
	for _, s := range stations {
		oldest = older(oldest, s.LastUpdate)
	}
	return oldest
}

// OldestAlertUpdate is OldestStationUpdate for alerts
func OldestAlertUpdate(alerts []Alert) time.Time {
	var oldest time.Time
	for _, a := range alerts {
		oldest = older(oldest, a.LastUpdate)
	}
	return oldest
}

func older(cur, t time.Time) time.Time {
	if t.IsZero() {
		return cur
	}
	if cur.IsZero() || t.Before(cur) {
		return t
	}
	return cur
}
