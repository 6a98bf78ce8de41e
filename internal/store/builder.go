package store

import (
	"log/slog"
	"sort"
	"time"

	"github.com/jusunglee/mtapi-go/internal/gtfsrt"
	"github.com/jusunglee/mtapi-go/internal/models"
	"github.com/jusunglee/mtapi-go/internal/stations"
)

// DefaultMaxTrains is the per-direction arrival cap
const DefaultMaxTrains = 10

// DefaultMaxMinutes is the look-ahead horizon for arrivals
const DefaultMaxMinutes = 30 * time.Minute

// Options tune snapshot building
type Options struct {
	MaxTrains  int
	MaxMinutes time.Duration
}

// Batch is the decoded output of one feed source
type Batch struct {
	Source   string
	FeedTime time.Time
	Records  []gtfsrt.Record
}

// BuildStats counts what happened to the records of one cycle
type BuildStats struct {
	Records      int
	Accepted     int
	OutOfWindow  int
	UnknownStops int
	BadDirection int
}

// AlertStats counts what happened to the alerts of one alert pass
type AlertStats struct {
	Alerts       int
	Attached     int
	UnknownStops int
}

// Builder produces new snapshots from decoded feed data
type Builder struct {
	domain models.Domain
	index  *stations.Index
	opts   Options
	logger *slog.Logger
}

// NewBuilder creates a builder for one domain
func NewBuilder(domain models.Domain, index *stations.Index, opts Options, logger *slog.Logger) *Builder {
	if opts.MaxTrains <= 0 {
		opts.MaxTrains = DefaultMaxTrains
	}
	if opts.MaxMinutes <= 0 {
		opts.MaxMinutes = DefaultMaxMinutes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		domain: domain,
		index:  index,
		opts:   opts,
		logger: logger.With("domain", string(domain)),
	}
}

// Build creates the snapshot for a cycle that started at start. Arrival lists
// and route sets are rebuilt from batches; alerts are carried over from prev.
// prev itself is left untouched.
func (b *Builder) Build(prev *Snapshot, batches []Batch, start time.Time) (*Snapshot, BuildStats) {
	var stats BuildStats
	dirs := b.domain.Directions()

	next := &Snapshot{
		Domain:      b.domain,
		Stations:    make(map[string]*models.Station, b.index.Len()),
		StopIndex:   b.index.StopIndex(),
		Routes:      map[string][]string{},
		RouteAlerts: map[string][]models.Alert{},
		UpdatedAt:   start,
	}
	if prev != nil {
		next.RouteAlerts = prev.RouteAlerts
		next.AlertsUpdatedAt = prev.AlertsUpdatedAt
	}

	for _, id := range b.index.IDs() {
		static, _ := b.index.Station(id)
		var alerts map[string]models.Alert
		if prev != nil {
			if old, ok := prev.Stations[id]; ok {
				alerts = old.Alerts
			}
		}
		next.Stations[id] = emptyStation(b.domain, static, alerts)
	}

	routeSets := map[string]map[string]struct{}{}
	stationRoutes := map[string]map[string]struct{}{}
	horizon := start.Add(b.opts.MaxMinutes)

	for _, batch := range batches {
		feedTime := batch.FeedTime
		if feedTime.IsZero() {
			feedTime = start
		}

		for _, rec := range batch.Records {
			stats.Records++

			if rec.Time.Before(start) || rec.Time.After(horizon) {
				stats.OutOfWindow++
				continue
			}
			if rec.Direction != dirs[0] && rec.Direction != dirs[1] {
				stats.BadDirection++
				continue
			}

			stationID, ok := b.index.StationForStop(rec.StopID)
			if !ok {
				stats.UnknownStops++
				b.logger.Debug("Stop not found", "stop_id", rec.StopID, "route", rec.RouteID, "source", batch.Source)
				continue
			}

			station := next.Stations[stationID]
			station.Arrivals[rec.Direction] = append(station.Arrivals[rec.Direction], models.Train{
				Route: rec.RouteID,
				Time:  rec.Time,
			})
			station.LastUpdate = feedTime

			if stationRoutes[stationID] == nil {
				stationRoutes[stationID] = map[string]struct{}{}
			}
			stationRoutes[stationID][rec.RouteID] = struct{}{}

			if routeSets[rec.RouteID] == nil {
				routeSets[rec.RouteID] = map[string]struct{}{}
			}
			if _, seen := routeSets[rec.RouteID][rec.StopID]; !seen {
				routeSets[rec.RouteID][rec.StopID] = struct{}{}
				next.Routes[rec.RouteID] = append(next.Routes[rec.RouteID], rec.StopID)
			}
			stats.Accepted++
		}
	}

	for id, station := range next.Stations {
		for _, dir := range dirs {
			trains := station.Arrivals[dir]
			sort.SliceStable(trains, func(i, j int) bool {
				return trains[i].Time.Before(trains[j].Time)
			})
			if len(trains) > b.opts.MaxTrains {
				trains = trains[:b.opts.MaxTrains]
			}
			station.Arrivals[dir] = trains
		}
		station.HasData = len(station.Arrivals[dirs[0]]) > 0 || len(station.Arrivals[dirs[1]]) > 0

		for route := range stationRoutes[id] {
			station.Routes = append(station.Routes, route)
		}
		sort.Strings(station.Routes)
	}

	return next, stats
}

// AttachAlerts returns a copy of prev whose station and route alerts are
// replaced by alerts. Alerts absent from the feed disappear.
func (b *Builder) AttachAlerts(prev *Snapshot, alerts []gtfsrt.AlertRecord, at time.Time) (*Snapshot, AlertStats) {
	stats := AlertStats{Alerts: len(alerts)}

	next := *prev
	next.Stations = make(map[string]*models.Station, len(prev.Stations))
	next.RouteAlerts = map[string][]models.Alert{}
	next.AlertsUpdatedAt = at

	for id, station := range prev.Stations {
		s := *station
		s.Alerts = map[string]models.Alert{}
		next.Stations[id] = &s
	}

	for _, rec := range alerts {
		alert := toAlert(rec, at)

		for _, stopID := range rec.StopIDs {
			stationID, ok := next.stationForStop(stopID)
			if !ok {
				stats.UnknownStops++
				b.logger.Info("Alert stop does not exist, station file may need updating",
					"stop_id", stopID, "alert_id", rec.ID)
				continue
			}
			station := next.Stations[stationID]
			if _, exists := station.Alerts[alert.ID]; exists {
				continue
			}
			station.Alerts[alert.ID] = alert
			stats.Attached++
		}

		for _, route := range rec.RouteIDs {
			if containsAlert(next.RouteAlerts[route], alert.ID) {
				continue
			}
			next.RouteAlerts[route] = append(next.RouteAlerts[route], alert)
		}
	}

	return &next, stats
}

func toAlert(rec gtfsrt.AlertRecord, at time.Time) models.Alert {
	alert := models.Alert{
		ID:           rec.ID,
		Header:       rec.Header,
		Descriptions: rec.Descriptions,
		Routes:       rec.RouteIDs,
		LastUpdate:   at,
	}
	for _, p := range rec.ActivePeriods {
		var period models.TimePeriod
		if !p.Start.IsZero() {
			start := p.Start
			period.Start = &start
		}
		if !p.End.IsZero() {
			end := p.End
			period.End = &end
		}
		alert.ActivePeriods = append(alert.ActivePeriods, period)
	}
	return alert
}

func containsAlert(alerts []models.Alert, id string) bool {
	for _, a := range alerts {
		if a.ID == id {
			return true
		}
	}
	return false
}
