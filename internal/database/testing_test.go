package database

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ab000641/air-quality-monitor/internal/logging"
	"github.com/ab000641/air-quality-monitor/pkg/config"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open(config.DriverSQLite, ":memory:")
	require.NoError(t, err)
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	store := New(db, config.DriverSQLite, logging.Discard())
	require.NoError(t, store.RunMigrations(context.Background(), Migrations))
	return store
}

func ptr[T any](v T) *T { return &v }
