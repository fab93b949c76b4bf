package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ab000641/air-quality-monitor/internal/database"
)

const (
	snapshotKey   = "aqi:stations:snapshot"
	generationKey = "aqi:stations:generation"
)

// StationCache keeps the full station directory in Redis so the read-heavy
// query endpoints do not hit the database on every request. A nil
// *StationCache is valid and always misses.
//
// Every Invalidate bumps a generation counter. A reader refilling the cache
// after a miss passes the generation it saw on Get, and Set refuses the write
// once the counter has moved, so rows read before an ingestion commit never
// replace the invalidation that commit made.
type StationCache struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewStationCache creates a station snapshot cache with the given expiry.
func NewStationCache(redisClient *redis.Client, ttl time.Duration) *StationCache {
	return &StationCache{redis: redisClient, ttl: ttl}
}

// Get returns the cached snapshot and the current generation. ok is false on
// a miss; gen is valid either way and is what a refill must pass to Set.
func (c *StationCache) Get(ctx context.Context) (stations []database.Station, gen int64, ok bool, err error) {
	if c == nil {
		return nil, 0, false, nil
	}

	vals, err := c.redis.MGet(ctx, generationKey, snapshotKey).Result()
	if err != nil {
		return nil, 0, false, fmt.Errorf("failed to get station snapshot from Redis: %w", err)
	}

	if raw, isStr := vals[0].(string); isStr {
		gen, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, 0, false, fmt.Errorf("failed to parse station snapshot generation %q: %w", raw, err)
		}
	}

	data, isStr := vals[1].(string)
	if !isStr {
		return nil, gen, false, nil
	}
	if err := json.Unmarshal([]byte(data), &stations); err != nil {
		return nil, gen, false, fmt.Errorf("failed to unmarshal station snapshot: %w", err)
	}
	return stations, gen, true, nil
}

// Set stores the snapshot until the TTL expires or Invalidate is called. The
// write only happens while the generation is still gen; stored reports
// whether it did.
func (c *StationCache) Set(ctx context.Context, gen int64, stations []database.Station) (stored bool, err error) {
	if c == nil {
		return false, nil
	}

	data, err := json.Marshal(stations)
	if err != nil {
		return false, fmt.Errorf("failed to marshal station snapshot: %w", err)
	}

	err = c.redis.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, generationKey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current != gen {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, snapshotKey, data, c.ttl)
			return nil
		})
		if err == nil {
			stored = true
		}
		return err
	}, generationKey)

	switch {
	case errors.Is(err, redis.TxFailedErr):
		// Invalidated between the check and the write.
		return false, nil
	case err != nil:
		return false, fmt.Errorf("failed to set station snapshot in Redis: %w", err)
	}
	return stored, nil
}

// Invalidate drops the snapshot and bumps the generation. Called after every
// committed ingestion batch.
func (c *StationCache) Invalidate(ctx context.Context) error {
	if c == nil {
		return nil
	}
	_, err := c.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, generationKey)
		pipe.Del(ctx, snapshotKey)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to invalidate station snapshot: %w", err)
	}
	return nil
}

// Ping checks the Redis connection.
func (c *StationCache) Ping(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.redis.Ping(ctx).Err()
}
