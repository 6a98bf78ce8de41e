package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	gtfsrtpb "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	"github.com/jusunglee/mtapi-go/internal/models"
	"github.com/jusunglee/mtapi-go/internal/stations"
	"github.com/jusunglee/mtapi-go/internal/store"
)

type arrival struct {
	route string
	stop  string
	at    time.Time
}

func tripFeed(ts time.Time, arrivals ...arrival) []byte {
	fm := &gtfsrtpb.FeedMessage{
		Header: &gtfsrtpb.FeedHeader{
			GtfsRealtimeVersion: proto.String("1.0"),
			Timestamp:           proto.Uint64(uint64(ts.Unix())),
		},
	}
	for i, a := range arrivals {
		fm.Entity = append(fm.Entity, &gtfsrtpb.FeedEntity{
			Id: proto.String(string(rune('a' + i))),
			TripUpdate: &gtfsrtpb.TripUpdate{
				Trip: &gtfsrtpb.TripDescriptor{RouteId: proto.String(a.route)},
				StopTimeUpdate: []*gtfsrtpb.TripUpdate_StopTimeUpdate{{
					StopId:  proto.String(a.stop),
					Arrival: &gtfsrtpb.TripUpdate_StopTimeEvent{Time: proto.Int64(a.at.Unix())},
				}},
			},
		})
	}
	b, err := proto.Marshal(fm)
	if err != nil {
		panic(err)
	}
	return b
}

func alertFeed(ts time.Time, id string, stops ...string) []byte {
	alert := &gtfsrtpb.Alert{
		HeaderText: &gtfsrtpb.TranslatedString{
			Translation: []*gtfsrtpb.TranslatedString_Translation{{Text: proto.String("Delays")}},
		},
	}
	for _, s := range stops {
		alert.InformedEntity = append(alert.InformedEntity, &gtfsrtpb.EntitySelector{StopId: proto.String(s)})
	}
	fm := &gtfsrtpb.FeedMessage{
		Header: &gtfsrtpb.FeedHeader{
			GtfsRealtimeVersion: proto.String("1.0"),
			Timestamp:           proto.Uint64(uint64(ts.Unix())),
		},
		Entity: []*gtfsrtpb.FeedEntity{{Id: proto.String("lmm:alert#" + id), Alert: alert}},
	}
	b, err := proto.Marshal(fm)
	if err != nil {
		panic(err)
	}
	return b
}

type response struct {
	body  []byte
	err   error
	delay time.Duration
}

type fakeFetcher struct {
	mu        sync.Mutex
	responses map[string]response
	calls     map[string]int
}

func newFakeFetcher(responses map[string]response) *fakeFetcher {
	return &fakeFetcher{responses: responses, calls: map[string]int{}}
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	f.calls[url]++
	r, ok := f.responses[url]
	f.mu.Unlock()

	if !ok {
		return nil, errors.New("no such feed")
	}
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	return r.body, r.err
}

func (f *fakeFetcher) set(url string, r response) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[url] = r
}

// blockingFetcher blocks its first call until release is closed
type blockingFetcher struct {
	inner   Fetcher
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (f *blockingFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	first := false
	f.once.Do(func() { first = true })
	if first {
		close(f.started)
		<-f.release
	}
	return f.inner.Fetch(ctx, url)
}

type panicFetcher struct{}

func (panicFetcher) Fetch(context.Context, string) ([]byte, error) {
	panic("fetch exploded")
}

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testIndex() *stations.Index {
	return stations.New(map[string]stations.Record{
		"A": {
			Name:     "Alpha",
			Location: models.Location{Lat: 40.0, Lon: -74.0},
			Stops:    map[string]models.Location{"A01": {Lat: 40.0, Lon: -74.0}},
		},
		"B": {
			Name:     "Bravo",
			Location: models.Location{Lat: 40.1, Lon: -74.0},
			Stops:    map[string]models.Location{"B01": {Lat: 40.1, Lon: -74.0}},
		},
	})
}

func newTestManager(t *testing.T, fetcher Fetcher, trips []string, alerts string, clock *fakeClock) *Manager {
	t.Helper()
	index := testIndex()
	st := store.NewStore(store.NewSnapshot(models.Subway, index))
	builder := store.NewBuilder(models.Subway, index, store.Options{}, nil)
	m := NewManager(Config{
		Domain:      models.Subway,
		TripFeeds:   trips,
		AlertFeed:   alerts,
		LockTimeout: 300 * time.Second,
	}, st, builder, fetcher, nil)
	m.metrics = nil
	if clock != nil {
		m.now = clock.Now
		m.lock.now = clock.Now
	} else {
		m.now = func() time.Time { return t0 }
	}
	return m
}

func TestManagerUpdate(t *testing.T) {
	fetcher := newFakeFetcher(map[string]response{
		"good":   {body: tripFeed(t0, arrival{"6", "A01N", t0.Add(5 * time.Minute)})},
		"broken": {err: errors.New("connection refused")},
		"junk":   {body: []byte{0x0a, 0xff, 0xff, 0xff}},
		"alerts": {body: alertFeed(t0, "42", "B01S")},
	})
	m := newTestManager(t, fetcher, []string{"broken", "good", "junk"}, "alerts", nil)

	require.NoError(t, m.Update(context.Background()))

	snap := m.store.Current()
	assert.True(t, snap.UpdatedAt.Equal(t0))

	results := snap.GetStationsByLocation(40.0, -74.0, 1)
	require.Len(t, results, 1)
	assert.Equal(t, "A", results[0].ID)
	assert.Equal(t, []models.Train{{Route: "6", Time: t0.Add(5 * time.Minute)}}, results[0].Arrivals["N"])

	alerts, err := snap.GetAlertsByStop("B01")
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "42", alerts[0].ID)

	assert.False(t, m.lock.Held())
}

func TestManagerSourceOrder(t *testing.T) {
	at := t0.Add(3 * time.Minute)
	fetcher := newFakeFetcher(map[string]response{
		"first":  {body: tripFeed(t0, arrival{"X", "A01N", at}, arrival{"X", "B01N", at}), delay: 30 * time.Millisecond},
		"second": {body: tripFeed(t0, arrival{"Y", "A01N", at}, arrival{"X", "A01S", at})},
	})
	m := newTestManager(t, fetcher, []string{"first", "second"}, "", nil)

	require.NoError(t, m.Update(context.Background()))

	snap := m.store.Current()
	assert.Equal(t, []string{"A01", "B01"}, snap.Routes["X"], "route index follows the configured source order")

	trains := snap.Stations["A"].Arrivals["N"]
	require.Len(t, trains, 2)
	assert.Equal(t, "X", trains[0].Route)
	assert.Equal(t, "Y", trains[1].Route)
}

func TestManagerUpdateAlertsOnly(t *testing.T) {
	fetcher := newFakeFetcher(map[string]response{
		"trips":  {body: tripFeed(t0, arrival{"6", "A01N", t0.Add(time.Minute)})},
		"alerts": {body: alertFeed(t0, "1", "A01")},
	})
	m := newTestManager(t, fetcher, []string{"trips"}, "alerts", nil)

	require.NoError(t, m.UpdateAlerts(context.Background()))

	assert.Zero(t, fetcher.calls["trips"])
	assert.Contains(t, m.store.Current().Stations["A"].Alerts, "1")
	assert.False(t, m.store.Current().Stations["A"].HasData)
}

func TestManagerLockContention(t *testing.T) {
	fetcher := newFakeFetcher(map[string]response{})
	m := newTestManager(t, fetcher, []string{"trips"}, "", nil)

	token, ok := m.lock.TryAcquire()
	require.True(t, ok)

	err := m.Update(context.Background())
	assert.ErrorIs(t, err, ErrUpdateInProgress)
	assert.Zero(t, fetcher.calls["trips"], "a dropped update does no work")

	m.lock.Release(token)
	assert.NoError(t, m.Update(context.Background()))
}

func TestManagerLockRecovery(t *testing.T) {
	clock := newFakeClock()
	inner := newFakeFetcher(map[string]response{
		"trips": {body: tripFeed(clock.Now(), arrival{"6", "A01N", clock.Now().Add(10 * time.Minute)})},
	})
	fetcher := &blockingFetcher{inner: inner, started: make(chan struct{}), release: make(chan struct{})}
	m := newTestManager(t, fetcher, []string{"trips"}, "", clock)

	stuck := make(chan error, 1)
	go func() { stuck <- m.Update(context.Background()) }()
	<-fetcher.started

	assert.ErrorIs(t, m.Update(context.Background()), ErrUpdateInProgress, "lock is still within its timeout")

	clock.Advance(301 * time.Second)
	require.NoError(t, m.Update(context.Background()), "abandoned lock is force-released")

	snap := m.store.Current()
	assert.True(t, snap.UpdatedAt.Equal(clock.Now()))
	assert.True(t, snap.Stations["A"].HasData)
	assert.False(t, m.lock.Held())

	close(fetcher.release)
	require.NoError(t, <-stuck)
	assert.False(t, m.lock.Held())
}

func TestManagerConcurrentReaders(t *testing.T) {
	inner := newFakeFetcher(map[string]response{
		"trips": {body: tripFeed(t0, arrival{"6", "A01N", t0.Add(5 * time.Minute)}, arrival{"6", "B01S", t0.Add(7 * time.Minute)})},
	})
	fetcher := &blockingFetcher{inner: inner, started: make(chan struct{}), release: make(chan struct{})}
	m := newTestManager(t, fetcher, []string{"trips"}, "", nil)

	done := make(chan error, 1)
	go func() { done <- m.Update(context.Background()) }()
	<-fetcher.started

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i == 25 {
				close(fetcher.release)
			}
			results := m.store.Current().GetStationsByLocation(40.0, -74.0, 2)
			if len(results) != 2 {
				t.Errorf("Expected 2 stations, got %d", len(results))
				return
			}
			for _, s := range results {
				hasTrains := len(s.Arrivals["N"])+len(s.Arrivals["S"]) > 0
				if s.HasData != hasTrains {
					t.Errorf("Station %s observed half-built: hasData=%v trains=%v", s.ID, s.HasData, hasTrains)
				}
			}
		}(i)
	}
	wg.Wait()
	require.NoError(t, <-done)

	assert.True(t, m.store.Current().Stations["B"].HasData)
}

func TestManagerTriggerRecoversPanic(t *testing.T) {
	m := newTestManager(t, panicFetcher{}, []string{"trips"}, "", nil)

	assert.NotPanics(t, func() {
		m.Trigger(context.Background())
		m.Wait()
	})
	assert.False(t, m.lock.Held(), "lock is released when an update panics")
}

func TestManagerTrigger(t *testing.T) {
	fetcher := newFakeFetcher(map[string]response{
		"trips": {body: tripFeed(t0, arrival{"6", "A01N", t0.Add(time.Minute)})},
	})
	m := newTestManager(t, fetcher, []string{"trips"}, "", nil)

	m.Trigger(context.Background())
	m.Wait()

	assert.True(t, m.store.Current().Stations["A"].HasData)
}

func TestManagerAllSourcesFail(t *testing.T) {
	fetcher := newFakeFetcher(map[string]response{
		"trips": {body: tripFeed(t0, arrival{"6", "A01N", t0.Add(time.Minute)})},
	})
	m := newTestManager(t, fetcher, []string{"trips"}, "", nil)
	require.NoError(t, m.Update(context.Background()))

	fetcher.set("trips", response{err: errors.New("timeout")})
	require.NoError(t, m.Update(context.Background()))

	snap := m.store.Current()
	assert.Len(t, snap.Stations, 2, "stations stay listed without data")
	assert.False(t, snap.Stations["A"].HasData)
}
