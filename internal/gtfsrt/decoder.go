// Package gtfsrt decodes GTFS-realtime feed messages into flat trip and alert
// records, hiding the quirks of the MTA subway and bus feeds.
package gtfsrt

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	gtfsrtpb "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
)

// ErrDecode is returned for payloads that are not a valid feed message
var ErrDecode = errors.New("malformed feed message")

// Dialect selects the feed specific decoding rules
type Dialect int

const (
	// Subway feeds carry direction in the NYCT trip extension and
	// platform suffixes on stop ids.
	Subway Dialect = iota
	// Bus feeds use trip.direction_id and full stop ids.
	Bus
)

// NYCT extension field numbers (nyct-subway.proto)
const (
	nyctTripDescriptorField protowire.Number = 1001
	nyctDirectionField      protowire.Number = 3
)

var nyctDirections = map[uint64]string{
	1: "NORTH",
	2: "EAST",
	3: "SOUTH",
	4: "WEST",
}

// routeAliases maps upstream route ids to the ids riders know
var routeAliases = map[string]string{
	"GS": "S",
}

// Record is one predicted stop of one trip
type Record struct {
	TripID    string
	RouteID   string
	Direction string
	StopID    string
	Time      time.Time
}

// AlertRecord is one decoded service alert
type AlertRecord struct {
	ID            string
	Header        string
	Descriptions  map[string]string
	StopIDs       []string
	RouteIDs      []string
	ActivePeriods []Period
}

// Period is an alert active period; zero times are open ends
type Period struct {
	Start time.Time
	End   time.Time
}

// Feed is the normalized content of one feed message
type Feed struct {
	Timestamp time.Time
	Trips     []Record
	Alerts    []AlertRecord
}

// Decoder turns raw feed bytes into a Feed
type Decoder struct {
	dialect Dialect
	loc     *time.Location
}

// NewDecoder creates a decoder reporting times in loc
func NewDecoder(dialect Dialect, loc *time.Location) *Decoder {
	if loc == nil {
		loc = time.UTC
	}
	return &Decoder{dialect: dialect, loc: loc}
}

// Decode parses a serialized FeedMessage
func (d *Decoder) Decode(raw []byte) (*Feed, error) {
	var fm gtfsrtpb.FeedMessage
	opts := proto.UnmarshalOptions{AllowPartial: true}
	if err := opts.Unmarshal(raw, &fm); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return d.DecodeMessage(&fm), nil
}

// DecodeMessage normalizes an already parsed FeedMessage
func (d *Decoder) DecodeMessage(fm *gtfsrtpb.FeedMessage) *Feed {
	feed := &Feed{}
	if ts := fm.GetHeader().GetTimestamp(); ts > 0 {
		feed.Timestamp = d.unix(int64(ts))
	}

	for _, e := range fm.GetEntity() {
		if tu := e.GetTripUpdate(); tu != nil {
			feed.Trips = append(feed.Trips, d.tripRecords(tu)...)
		}
		if a := e.GetAlert(); a != nil {
			feed.Alerts = append(feed.Alerts, d.alertRecord(e.GetId(), a))
		}
	}
	return feed
}

func (d *Decoder) tripRecords(tu *gtfsrtpb.TripUpdate) []Record {
	trip := tu.GetTrip()
	if trip == nil {
		return nil
	}
	route := NormalizeRoute(trip.GetRouteId())

	var direction string
	switch d.dialect {
	case Bus:
		if trip.DirectionId == nil {
			return nil
		}
		direction = strconv.FormatUint(uint64(trip.GetDirectionId()), 10)
	default:
		if name, ok := nyctDirection(trip); ok {
			direction = name[:1]
		}
	}

	records := make([]Record, 0, len(tu.GetStopTimeUpdate()))
	for _, stu := range tu.GetStopTimeUpdate() {
		ts := stu.GetArrival().GetTime()
		if ts == 0 {
			ts = stu.GetDeparture().GetTime()
		}
		if ts == 0 {
			continue
		}

		rawStop := stu.GetStopId()
		stop := rawStop
		dir := direction
		if d.dialect == Subway {
			if len(stop) > 3 {
				stop = stop[:3]
			}
			if dir == "" && len(rawStop) > 3 {
				dir = rawStop[3:4]
			}
		}
		if stop == "" || dir == "" {
			continue
		}

		records = append(records, Record{
			TripID:    trip.GetTripId(),
			RouteID:   route,
			Direction: dir,
			StopID:    stop,
			Time:      d.unix(ts),
		})
	}
	return records
}

func (d *Decoder) alertRecord(entityID string, a *gtfsrtpb.Alert) AlertRecord {
	rec := AlertRecord{
		ID:           ParseAlertID(entityID),
		Descriptions: map[string]string{},
	}
	if tr := a.GetHeaderText().GetTranslation(); len(tr) > 0 {
		rec.Header = tr[0].GetText()
	}
	for _, tr := range a.GetDescriptionText().GetTranslation() {
		lang := tr.GetLanguage()
		if lang == "" {
			lang = "en"
		}
		rec.Descriptions[lang] = tr.GetText()
	}
	for _, ie := range a.GetInformedEntity() {
		if s := ie.GetStopId(); s != "" {
			rec.StopIDs = append(rec.StopIDs, s)
		}
		if r := ie.GetRouteId(); r != "" {
			rec.RouteIDs = append(rec.RouteIDs, NormalizeRoute(r))
		}
	}
	for _, p := range a.GetActivePeriod() {
		var period Period
		if s := p.GetStart(); s > 0 {
			period.Start = d.unix(int64(s))
		}
		if e := p.GetEnd(); e > 0 {
			period.End = d.unix(int64(e))
		}
		rec.ActivePeriods = append(rec.ActivePeriods, period)
	}
	return rec
}

func (d *Decoder) unix(sec int64) time.Time {
	return time.Unix(sec, 0).In(d.loc)
}

// NormalizeRoute upper-cases a route id and applies known aliases
func NormalizeRoute(route string) string {
	route = strings.ToUpper(strings.TrimSpace(route))
	if alias, ok := routeAliases[route]; ok {
		return alias
	}
	return route
}

// ParseAlertID returns the part of an upstream alert id after '#', or the
// id itself when there is no separator.
func ParseAlertID(raw string) string {
	if i := strings.IndexByte(raw, '#'); i >= 0 {
		rest := raw[i+1:]
		if j := strings.IndexByte(rest, '#'); j >= 0 {
			rest = rest[:j]
		}
		return rest
	}
	return raw
}

// nyctDirection reads NyctTripDescriptor.direction from the unknown fields of
// the trip descriptor. The extension is not registered with the protobuf
// runtime, so it survives unmarshalling only as raw bytes.
func nyctDirection(trip *gtfsrtpb.TripDescriptor) (string, bool) {
	ext, ok := findField(trip.ProtoReflect().GetUnknown(), nyctTripDescriptorField, protowire.BytesType)
	if !ok {
		return "", false
	}
	val, ok := findField(ext, nyctDirectionField, protowire.VarintType)
	if !ok {
		return "", false
	}
	v, n := protowire.ConsumeVarint(val)
	if n < 0 {
		return "", false
	}
	name, ok := nyctDirections[v]
	return name, ok
}

// findField scans raw wire bytes for the last occurrence of field num and
// returns its payload: the message bytes for BytesType, the varint bytes for
// VarintType.
func findField(b []byte, num protowire.Number, typ protowire.Type) ([]byte, bool) {
	var (
		out   []byte
		found bool
	)
	for len(b) > 0 {
		n, t, tagLen := protowire.ConsumeTag(b)
		if tagLen < 0 {
			return nil, false
		}
		b = b[tagLen:]

		valLen := protowire.ConsumeFieldValue(n, t, b)
		if valLen < 0 {
			return nil, false
		}
		if n == num && t == typ {
			switch typ {
			case protowire.BytesType:
				v, m := protowire.ConsumeBytes(b)
				if m < 0 {
					return nil, false
				}
				out = v
			default:
				out = b[:valLen]
			}
			found = true
		}
		b = b[valLen:]
	}
	return out, found
}
