package cache

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ab000641/air-quality-monitor/internal/database"
)

func TestStationCache_NilIsNoop(t *testing.T) {
	var c *StationCache
	ctx := context.Background()

	stations, gen, ok, err := c.Get(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, stations)
	assert.Zero(t, gen)

	stored, err := c.Set(ctx, gen, []database.Station{{SiteCode: "1"}})
	require.NoError(t, err)
	assert.False(t, stored)
	require.NoError(t, c.Invalidate(ctx))
	require.NoError(t, c.Ping(ctx))
}

func TestStationCache_UnreachableRedis(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })

	c := NewStationCache(client, time.Minute)
	ctx := context.Background()

	_, _, ok, err := c.Get(ctx)
	require.Error(t, err)
	assert.False(t, ok)
	_, err = c.Set(ctx, 0, nil)
	require.Error(t, err)
	require.Error(t, c.Invalidate(ctx))
}
