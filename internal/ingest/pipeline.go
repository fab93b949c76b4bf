package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ab000641/air-quality-monitor/internal/database"
	"github.com/ab000641/air-quality-monitor/internal/observability"
	"github.com/ab000641/air-quality-monitor/internal/provider"
	"github.com/ab000641/air-quality-monitor/internal/region"
)

const (
	feedStations = "stations"
	feedReadings = "readings"
)

// Source fetches raw feed records from the data provider.
type Source interface {
	FetchStations(ctx context.Context) ([]provider.Record, error)
	FetchReadings(ctx context.Context) ([]provider.Record, error)
}

// Store opens the transaction a batch is written in.
type Store interface {
	WithTx(ctx context.Context, fn func(tx *database.Tx) error) error
}

// Invalidator drops derived copies of the station directory after a commit.
type Invalidator interface {
	Invalidate(ctx context.Context) error
}

// StationResult summarizes one metadata refresh.
type StationResult struct {
	Created int
	Updated int
	Skipped int
}

// ReadingResult summarizes one real-time refresh.
type ReadingResult struct {
	Updated   int
	Unmatched int
	Skipped   int
}

// Pipeline keeps the station directory in sync with the provider. Refreshes
// are serialized; each one is fetched in full and written in one transaction.
type Pipeline struct {
	source     Source
	normalizer provider.Normalizer
	store      Store
	regions    *region.Table
	cache      Invalidator
	metrics    *observability.Metrics
	clock      clockwork.Clock
	logger     *slog.Logger

	mu sync.Mutex
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithCache registers a cache invalidated after every committed batch.
func WithCache(c Invalidator) Option {
	return func(p *Pipeline) { p.cache = c }
}

// WithClock overrides the clock used for created_at stamps.
func WithClock(c clockwork.Clock) Option {
	return func(p *Pipeline) { p.clock = c }
}

// NewPipeline creates an ingestion pipeline.
func NewPipeline(
	source Source,
	normalizer provider.Normalizer,
	store Store,
	regions *region.Table,
	metrics *observability.Metrics,
	logger *slog.Logger,
	opts ...Option,
) *Pipeline {
	p := &Pipeline{
		source:     source,
		normalizer: normalizer,
		store:      store,
		regions:    regions,
		metrics:    metrics,
		clock:      clockwork.NewRealClock(),
		logger:     logger.With("component", "ingest"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RefreshStations inserts new stations and rewrites the metadata of known
// ones. Records without a site code or name are skipped. Any fetch or write
// error leaves the directory untouched.
func (p *Pipeline) RefreshStations(ctx context.Context) (StationResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := p.clock.Now()
	var res StationResult

	records, err := p.source.FetchStations(ctx)
	if err != nil {
		p.metrics.IngestFailures.WithLabelValues(feedStations).Inc()
		return res, fmt.Errorf("fetch stations: %w", err)
	}

	now := p.clock.Now().UTC()
	err = p.store.WithTx(ctx, func(tx *database.Tx) error {
		res = StationResult{}
		for _, rec := range records {
			st, ok := p.normalizer.Station(rec)
			if !ok {
				res.Skipped++
				continue
			}

			created, err := tx.UpsertStation(ctx, database.Station{
				SiteCode:  st.SiteCode,
				Name:      st.Name,
				County:    st.County,
				Region:    p.regions.Lookup(st.County),
				Latitude:  st.Latitude,
				Longitude: st.Longitude,
			}, now)
			if err != nil {
				return err
			}
			if created {
				res.Created++
			} else {
				res.Updated++
			}
		}
		return nil
	})
	if err != nil {
		p.metrics.IngestFailures.WithLabelValues(feedStations).Inc()
		return StationResult{}, fmt.Errorf("store stations: %w", err)
	}

	p.invalidate(ctx)
	p.metrics.StationsCreated.Add(float64(res.Created))
	p.metrics.StationsUpdated.Add(float64(res.Updated))
	p.metrics.RecordsSkipped.WithLabelValues(feedStations).Add(float64(res.Skipped))
	p.metrics.IngestDuration.WithLabelValues(feedStations).Observe(p.clock.Since(start).Seconds())

	p.logger.Info("stations refreshed",
		"records", len(records),
		"created", res.Created,
		"updated", res.Updated,
		"skipped", res.Skipped,
	)
	return res, nil
}

// RefreshReadings replaces the latest reading of every known station found
// in the feed. Records for unknown site codes are counted as unmatched and
// never create stations.
func (p *Pipeline) RefreshReadings(ctx context.Context) (ReadingResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := p.clock.Now()
	var res ReadingResult

	records, err := p.source.FetchReadings(ctx)
	if err != nil {
		p.metrics.IngestFailures.WithLabelValues(feedReadings).Inc()
		return res, fmt.Errorf("fetch readings: %w", err)
	}

	var unmatched []string
	err = p.store.WithTx(ctx, func(tx *database.Tx) error {
		res, unmatched = ReadingResult{}, unmatched[:0]
		for _, rec := range records {
			r, ok := p.normalizer.Reading(rec)
			if !ok {
				res.Skipped++
				continue
			}

			matched, err := tx.UpdateReading(ctx, r.SiteCode, database.Reading{
				AQI:        r.AQI,
				Status:     r.Status,
				PM25:       r.PM25,
				PM10:       r.PM10,
				ObservedAt: r.ObservedAt,
			})
			if err != nil {
				return err
			}
			if matched {
				res.Updated++
			} else {
				res.Unmatched++
				unmatched = append(unmatched, r.SiteCode)
			}
		}
		return nil
	})
	if err != nil {
		p.metrics.IngestFailures.WithLabelValues(feedReadings).Inc()
		return ReadingResult{}, fmt.Errorf("store readings: %w", err)
	}

	p.invalidate(ctx)
	p.metrics.ReadingsUpdated.Add(float64(res.Updated))
	p.metrics.ReadingsUnmatched.Add(float64(res.Unmatched))
	p.metrics.RecordsSkipped.WithLabelValues(feedReadings).Add(float64(res.Skipped))
	p.metrics.IngestDuration.WithLabelValues(feedReadings).Observe(p.clock.Since(start).Seconds())

	if len(unmatched) > 0 {
		p.logger.Warn("readings for unknown stations", "site_codes", unmatched)
	}
	p.logger.Info("readings refreshed",
		"records", len(records),
		"updated", res.Updated,
		"unmatched", res.Unmatched,
		"skipped", res.Skipped,
	)
	return res, nil
}

func (p *Pipeline) invalidate(ctx context.Context) {
	if p.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := p.cache.Invalidate(ctx); err != nil {
		p.logger.Warn("station cache invalidation failed", "error", err)
	}
}
