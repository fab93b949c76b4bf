//go:build integration

package database

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ab000641/air-quality-monitor/internal/geo"
	"github.com/ab000641/air-quality-monitor/internal/logging"
	"github.com/ab000641/air-quality-monitor/pkg/config"
)

func startPostgres(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	c, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: tc.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "aqi",
				"POSTGRES_PASSWORD": "aqi",
				"POSTGRES_DB":       "aqi",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Terminate(ctx) })

	endpoint, err := c.Endpoint(ctx, "")
	require.NoError(t, err)

	store, err := Open(ctx, config.DatabaseConfig{
		Driver: config.DriverPostgres,
		URL:    fmt.Sprintf("postgres://aqi:aqi@%s/aqi?sslmode=disable", endpoint),
	}, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	require.NoError(t, store.RunMigrations(ctx, Migrations))
	return store
}

func TestPostgres_AlertFlow(t *testing.T) {
	store := startPostgres(t)
	ctx := context.Background()

	// Migrations are safe to rerun.
	require.NoError(t, store.RunMigrations(ctx, Migrations))

	created, err := store.UpsertStation(ctx, Station{SiteCode: "30", Name: "松山", County: "臺北市", Latitude: ptr(25.05), Longitude: ptr(121.578)}, t0)
	require.NoError(t, err)
	assert.True(t, created)

	matched, err := store.UpdateReading(ctx, "30", Reading{AQI: ptr(150), Status: ptr("對敏感族群不健康"), ObservedAt: ptr(t0)})
	require.NoError(t, err)
	assert.True(t, matched)

	_, err = store.TouchRecipient(ctx, "U1", 100, t0)
	require.NoError(t, err)
	require.NoError(t, store.SetRecipientLocation(ctx, "U1", &geo.Point{Lat: 25.0, Lon: 121.5}, t0))
	_, err = store.SetPreference(ctx, "U1", "30", 120, t0)
	require.NoError(t, err)

	candidates, err := store.ListAlertCandidates(ctx)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, 150, *candidates[0].Station.Reading.AQI)
	assert.Equal(t, 120, candidates[0].Preference.ThresholdValue)

	sentAt := t0.Add(time.Hour)
	require.NoError(t, store.MarkAlertSent(ctx, "U1", "30", sentAt))
	prefs, err := store.ListPreferences(ctx, "U1")
	require.NoError(t, err)
	require.NotNil(t, prefs[0].LastAlertSentAt)
	assert.True(t, prefs[0].LastAlertSentAt.Equal(sentAt))

	located, err := store.ListLocatedRecipients(ctx)
	require.NoError(t, err)
	assert.Len(t, located, 1)

	// Removing a recipient's preferences leaves the station alone.
	n, err := store.DeletePreferences(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	count, err := store.CountStations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
