package directory

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ab000641/air-quality-monitor/internal/database"
	"github.com/ab000641/air-quality-monitor/internal/geo"
	"github.com/ab000641/air-quality-monitor/internal/logging"
	"github.com/ab000641/air-quality-monitor/internal/observability"
	"github.com/ab000641/air-quality-monitor/internal/region"
)

type fakeLister struct {
	stations []database.Station
	calls    int
	err      error
}

func (f *fakeLister) ListStations(context.Context) ([]database.Station, error) {
	f.calls++
	return f.stations, f.err
}

type memCache struct {
	stations []database.Station
	ok       bool
	gen      int64
	sets     int
	getErr   error
}

func (m *memCache) Get(context.Context) ([]database.Station, int64, bool, error) {
	return m.stations, m.gen, m.ok, m.getErr
}

func (m *memCache) Set(_ context.Context, gen int64, stations []database.Station) (bool, error) {
	m.sets++
	if gen != m.gen {
		return false, nil
	}
	m.stations, m.ok = stations, true
	return true, nil
}

func (m *memCache) invalidate() {
	m.stations, m.ok = nil, false
	m.gen++
}

// invalidatingLister simulates an ingestion commit landing while the
// directory is reading from the database.
type invalidatingLister struct {
	fakeLister
	cache *memCache
	armed bool
}

func (l *invalidatingLister) ListStations(ctx context.Context) ([]database.Station, error) {
	rows, err := l.fakeLister.ListStations(ctx)
	if l.armed {
		l.cache.invalidate()
	}
	return rows, err
}

func ptr(v float64) *float64 { return &v }

func sample() []database.Station {
	return []database.Station{
		{SiteCode: "10", Name: "前鎮", County: "高雄市", Region: region.South},
		{SiteCode: "20", Name: "花蓮", County: "花蓮縣", Region: region.East},
		{SiteCode: "30", Name: "松山", County: "臺北市", Region: region.North},
		{SiteCode: "31", Name: "中山", County: "臺北市", Region: region.North},
		{SiteCode: "40", Name: "板橋", County: "新北市", Region: region.North},
		{SiteCode: "50", Name: "馬祖", County: "連江縣", Region: region.Outlying},
	}
}

func codes(stations []database.Station) []string {
	out := make([]string, len(stations))
	for i, s := range stations {
		out[i] = s.SiteCode
	}
	return out
}

func TestSnapshot_DefaultOrder(t *testing.T) {
	d := New(&fakeLister{stations: sample()}, nil, observability.NewMetricsForTesting(), logging.Discard())

	got, err := d.Snapshot(context.Background(), Order{})
	require.NoError(t, err)
	// Code point order of the county names, then station name.
	assert.Equal(t, []string{"40", "31", "30", "20", "50", "10"}, codes(got))
}

func TestSnapshot_RegionThenCountyOrder(t *testing.T) {
	lister := &fakeLister{stations: sample()}
	d := New(lister, nil, observability.NewMetricsForTesting(), logging.Discard())

	got, err := d.Snapshot(context.Background(), Order{
		Regions:  []region.Region{region.North, region.Central, region.South},
		Counties: []string{"臺北市", "新北市"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"31", "30", "40", "10", "20", "50"}, codes(got))

	// The source slice is left untouched.
	assert.Equal(t, "10", lister.stations[0].SiteCode)
}

func TestSnapshot_UsesCache(t *testing.T) {
	lister := &fakeLister{stations: sample()}
	cache := &memCache{}
	metrics := observability.NewMetricsForTesting()
	d := New(lister, cache, metrics, logging.Discard())
	ctx := context.Background()

	_, err := d.Snapshot(ctx, Order{})
	require.NoError(t, err)
	_, err = d.Snapshot(ctx, Order{})
	require.NoError(t, err)

	assert.Equal(t, 1, lister.calls)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.StationCacheHits.WithLabelValues("miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.StationCacheHits.WithLabelValues("hit")))
}

func TestSnapshot_RefillRacingInvalidateIsDropped(t *testing.T) {
	cache := &memCache{}
	lister := &invalidatingLister{fakeLister: fakeLister{stations: sample()}, cache: cache, armed: true}
	d := New(lister, cache, observability.NewMetricsForTesting(), logging.Discard())
	ctx := context.Background()

	got, err := d.Snapshot(ctx, Order{})
	require.NoError(t, err)
	assert.Len(t, got, 6)
	assert.Equal(t, 1, cache.sets)
	assert.False(t, cache.ok, "rows read before the invalidation must not be cached")

	// The next miss carries the new generation and refills normally.
	lister.armed = false
	_, err = d.Snapshot(ctx, Order{})
	require.NoError(t, err)
	assert.True(t, cache.ok)
	assert.Equal(t, int64(1), cache.gen)

	_, err = d.Snapshot(ctx, Order{})
	require.NoError(t, err)
	assert.Equal(t, 2, lister.calls)
}

func TestSnapshot_CacheErrorFallsBackToStore(t *testing.T) {
	lister := &fakeLister{stations: sample()}
	metrics := observability.NewMetricsForTesting()
	d := New(lister, &memCache{getErr: errors.New("redis down")}, metrics, logging.Discard())

	got, err := d.Snapshot(context.Background(), Order{})
	require.NoError(t, err)
	assert.Len(t, got, 6)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.StationCacheHits.WithLabelValues("error")))
}

func TestSnapshot_StoreError(t *testing.T) {
	d := New(&fakeLister{err: errors.New("db down")}, nil, observability.NewMetricsForTesting(), logging.Discard())
	_, err := d.Snapshot(context.Background(), Order{})
	require.Error(t, err)
}

func TestNearest(t *testing.T) {
	origin := geo.Point{Lat: 25.0, Lon: 121.5}
	// One degree of latitude is ~111.19 km.
	const deg = 1 / 111.19492664455873
	stations := []database.Station{
		{SiteCode: "10km", Latitude: ptr(origin.Lat + 10*deg), Longitude: ptr(origin.Lon)},
		{SiteCode: "1km", Latitude: ptr(origin.Lat + 1*deg), Longitude: ptr(origin.Lon)},
		{SiteCode: "5km", Latitude: ptr(origin.Lat + 5*deg), Longitude: ptr(origin.Lon)},
	}
	lister := &fakeLister{stations: stations}
	d := New(lister, nil, observability.NewMetricsForTesting(), logging.Discard())
	ctx := context.Background()

	st, dist, ok, err := d.Nearest(ctx, origin)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1km", st.SiteCode)
	assert.InDelta(t, 1, dist, 1e-6)

	stations[1].Longitude = nil
	st, dist, ok, err = d.Nearest(ctx, origin)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "5km", st.SiteCode)
	assert.InDelta(t, 5, dist, 1e-6)
}

func TestNearest_NoCoordinates(t *testing.T) {
	d := New(&fakeLister{stations: sample()}, nil, observability.NewMetricsForTesting(), logging.Discard())
	_, _, ok, err := d.Nearest(context.Background(), geo.Point{Lat: 25, Lon: 121})
	require.NoError(t, err)
	assert.False(t, ok)
}
