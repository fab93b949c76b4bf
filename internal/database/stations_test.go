package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ab000641/air-quality-monitor/internal/region"
)

func TestUpsertStation_InsertThenUpdate(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	st := Station{SiteCode: "1", Name: "基隆", County: "基隆市", Region: region.North, Latitude: ptr(25.129167), Longitude: ptr(121.760056)}
	created, err := store.UpsertStation(ctx, st, t0)
	require.NoError(t, err)
	assert.True(t, created)

	st.Name = "基隆站"
	st.Longitude = nil
	created, err = store.UpsertStation(ctx, st, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, created)

	got, err := store.GetStation(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "基隆站", got.Name)
	assert.Equal(t, region.North, got.Region)
	require.NotNil(t, got.Latitude)
	assert.InDelta(t, 25.129167, *got.Latitude, 1e-9)
	assert.Nil(t, got.Longitude)
	assert.True(t, got.CreatedAt.Equal(t0), "created_at is kept on update")
}

func TestUpsertStation_KeepsReading(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	_, err := store.UpsertStation(ctx, Station{SiteCode: "1", Name: "基隆"}, t0)
	require.NoError(t, err)
	_, err = store.UpdateReading(ctx, "1", Reading{AQI: ptr(80)})
	require.NoError(t, err)

	_, err = store.UpsertStation(ctx, Station{SiteCode: "1", Name: "基隆"}, t0)
	require.NoError(t, err)

	got, err := store.GetStation(ctx, "1")
	require.NoError(t, err)
	require.NotNil(t, got.Reading.AQI)
	assert.Equal(t, 80, *got.Reading.AQI)
}

func TestUpdateReading_ReplacesAllFields(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	_, err := store.UpsertStation(ctx, Station{SiteCode: "1", Name: "基隆"}, t0)
	require.NoError(t, err)

	matched, err := store.UpdateReading(ctx, "1", Reading{
		AQI: ptr(150), Status: ptr("對敏感族群不健康"), PM25: ptr(55), PM10: ptr(70), ObservedAt: ptr(t0),
	})
	require.NoError(t, err)
	assert.True(t, matched)

	// A later reading with gaps clears the old values instead of mixing them.
	matched, err = store.UpdateReading(ctx, "1", Reading{PM10: ptr(20)})
	require.NoError(t, err)
	assert.True(t, matched)

	got, err := store.GetStation(ctx, "1")
	require.NoError(t, err)
	assert.Nil(t, got.Reading.AQI)
	assert.Nil(t, got.Reading.Status)
	assert.Nil(t, got.Reading.PM25)
	require.NotNil(t, got.Reading.PM10)
	assert.Equal(t, 20, *got.Reading.PM10)
	assert.Nil(t, got.Reading.ObservedAt)
}

func TestUpdateReading_StoresObservedAt(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	_, err := store.UpsertStation(ctx, Station{SiteCode: "1", Name: "基隆"}, t0)
	require.NoError(t, err)

	taipei := time.FixedZone("CST", 8*3600)
	observed := time.Date(2024, 5, 1, 14, 0, 0, 0, taipei)
	_, err = store.UpdateReading(ctx, "1", Reading{AQI: ptr(42), ObservedAt: &observed})
	require.NoError(t, err)

	got, err := store.GetStation(ctx, "1")
	require.NoError(t, err)
	require.NotNil(t, got.Reading.ObservedAt)
	assert.True(t, got.Reading.ObservedAt.Equal(observed))
}

func TestUpdateReading_UnknownStation(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	matched, err := store.UpdateReading(ctx, "404", Reading{AQI: ptr(10)})
	require.NoError(t, err)
	assert.False(t, matched)

	n, err := store.CountStations(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestListStations_OrderedByCountyThenName(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, st := range []Station{
		{SiteCode: "3", Name: "b", County: "B"},
		{SiteCode: "1", Name: "z", County: "A"},
		{SiteCode: "2", Name: "a", County: "B"},
	} {
		_, err := store.UpsertStation(ctx, st, t0)
		require.NoError(t, err)
	}

	stations, err := store.ListStations(ctx)
	require.NoError(t, err)
	require.Len(t, stations, 3)
	assert.Equal(t, []string{"1", "2", "3"}, []string{stations[0].SiteCode, stations[1].SiteCode, stations[2].SiteCode})
}

func TestGetStation_NotFound(t *testing.T) {
	store := setupTestStore(t)
	_, err := store.GetStation(context.Background(), "missing")
	require.ErrorIs(t, err, ErrStationNotFound)
}

func TestStation_Point(t *testing.T) {
	_, ok := Station{Latitude: ptr(25.0)}.Point()
	assert.False(t, ok)

	p, ok := Station{Latitude: ptr(25.0), Longitude: ptr(121.0)}.Point()
	require.True(t, ok)
	assert.Equal(t, 25.0, p.Lat)
	assert.Equal(t, 121.0, p.Lon)
}
