// Package stations loads the station grouping file and builds the
// stop -> station lookup used by every snapshot build.
package stations

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/jusunglee/mtapi-go/internal/models"
)

// ErrStationFile is returned when the station file cannot be read or parsed.
// The service must not start without station data.
var ErrStationFile = errors.New("station file unusable")

// Record is one entry of the station grouping file
type Record struct {
	ID       string                     `json:"id"`
	Name     string                     `json:"name"`
	Location models.Location            `json:"location"`
	Stops    map[string]models.Location `json:"stops"`
}

// Index holds the static station set and its stop lookup table.
// It is built once at startup and shared read-only afterwards.
type Index struct {
	stations      map[string]*models.Station
	stopToStation map[string]string
	ids           []string
}

// LoadFile reads a station grouping file from disk
func LoadFile(path string) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStationFile, err)
	}
	defer f.Close()

	idx, err := Load(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return idx, nil
}

// Load decodes a keyed collection of station records
func Load(r io.Reader) (*Index, error) {
	var records map[string]Record
	if err := json.NewDecoder(r).Decode(&records); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStationFile, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: no stations", ErrStationFile)
	}
	return New(records), nil
}

// New builds an index from already decoded records. The map key is used as the
// station id when a record carries none.
func New(records map[string]Record) *Index {
	idx := &Index{
		stations: make(map[string]*models.Station, len(records)),
	}

	for key, rec := range records {
		id := rec.ID
		if id == "" {
			id = key
		}
		stops := make(map[string]models.Location, len(rec.Stops))
		for stopID, loc := range rec.Stops {
			stops[stopID] = loc
		}
		idx.stations[id] = &models.Station{
			ID:       id,
			Name:     rec.Name,
			Location: rec.Location,
			Stops:    stops,
		}
		idx.ids = append(idx.ids, id)
	}
	sort.Strings(idx.ids)

	idx.stopToStation = BuildStopIndex(idx.stations)
	return idx
}

// BuildStopIndex maps every member stop id to its owning station id
func BuildStopIndex(stations map[string]*models.Station) map[string]string {
	stops := make(map[string]string)
	for id, station := range stations {
		for stopID := range station.Stops {
			stops[stopID] = id
		}
	}
	return stops
}

// StationForStop returns the id of the station owning stopID
func (idx *Index) StationForStop(stopID string) (string, bool) {
	id, ok := idx.stopToStation[stopID]
	return id, ok
}

// Station returns the static record for a station id
func (idx *Index) Station(id string) (*models.Station, bool) {
	s, ok := idx.stations[id]
	return s, ok
}

// IDs returns all station ids in ascending order
func (idx *Index) IDs() []string {
	return idx.ids
}

// StopIndex returns the stop -> station table. Callers must not modify it.
func (idx *Index) StopIndex() map[string]string {
	return idx.stopToStation
}

// Len returns the number of stations
func (idx *Index) Len() int {
	return len(idx.stations)
}
