package directory

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"

	"github.com/ab000641/air-quality-monitor/internal/database"
	"github.com/ab000641/air-quality-monitor/internal/geo"
	"github.com/ab000641/air-quality-monitor/internal/observability"
	"github.com/ab000641/air-quality-monitor/internal/region"
)

// Lister reads the full station directory.
type Lister interface {
	ListStations(ctx context.Context) ([]database.Station, error)
}

// Cache holds a copy of the station directory. Get reports the cache's
// generation and Set only stores while the generation is unchanged, so a
// refill racing an invalidation is dropped.
type Cache interface {
	Get(ctx context.Context) (stations []database.Station, gen int64, ok bool, err error)
	Set(ctx context.Context, gen int64, stations []database.Station) (stored bool, err error)
}

// Order ranks stations for display: by the position of their region in
// Regions, then of their county in Counties. Unlisted values rank last and
// ties fall back to county then name. The zero Order sorts by county and name.
type Order struct {
	Regions  []region.Region
	Counties []string
}

// Directory answers read-only queries over the station directory.
type Directory struct {
	store   Lister
	cache   Cache
	metrics *observability.Metrics
	logger  *slog.Logger
}

// New creates a Directory. cache may be nil.
func New(store Lister, cache Cache, metrics *observability.Metrics, logger *slog.Logger) *Directory {
	return &Directory{
		store:   store,
		cache:   cache,
		metrics: metrics,
		logger:  logger.With("component", "directory"),
	}
}

// Snapshot returns every station sorted by order.
func (d *Directory) Snapshot(ctx context.Context, order Order) ([]database.Station, error) {
	stations, err := d.load(ctx)
	if err != nil {
		return nil, err
	}

	sorted := slices.Clone(stations)
	regionRank := rankOf(order.Regions)
	countyRank := rankOf(order.Counties)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if ra, rb := regionRank(a.Region), regionRank(b.Region); ra != rb {
			return ra < rb
		}
		if ca, cb := countyRank(a.County), countyRank(b.County); ca != cb {
			return ca < cb
		}
		if a.County != b.County {
			return a.County < b.County
		}
		return a.Name < b.Name
	})
	return sorted, nil
}

// Nearest returns the station closest to p and its distance in kilometres.
// ok is false when no station has coordinates.
func (d *Directory) Nearest(ctx context.Context, p geo.Point) (station database.Station, distanceKm float64, ok bool, err error) {
	stations, err := d.load(ctx)
	if err != nil {
		return database.Station{}, 0, false, err
	}
	station, distanceKm, ok = geo.Nearest(p, stations, database.Station.Point)
	return station, distanceKm, ok, nil
}

func (d *Directory) load(ctx context.Context) ([]database.Station, error) {
	refill := false
	var gen int64
	if d.cache != nil {
		stations, g, ok, err := d.cache.Get(ctx)
		switch {
		case err != nil:
			d.metrics.StationCacheHits.WithLabelValues("error").Inc()
			d.logger.Warn("station cache read failed", "error", err)
		case ok:
			d.metrics.StationCacheHits.WithLabelValues("hit").Inc()
			return stations, nil
		default:
			d.metrics.StationCacheHits.WithLabelValues("miss").Inc()
			refill, gen = true, g
		}
	}

	stations, err := d.store.ListStations(ctx)
	if err != nil {
		return nil, fmt.Errorf("list stations: %w", err)
	}

	if refill {
		stored, err := d.cache.Set(ctx, gen, stations)
		switch {
		case err != nil:
			d.logger.Warn("station cache write failed", "error", err)
		case !stored:
			d.logger.Debug("station cache invalidated during refill, not storing")
		}
	}
	return stations, nil
}

// rankOf returns a function giving each listed value its index and every
// other value len(values).
func rankOf[T comparable](values []T) func(T) int {
	idx := make(map[T]int, len(values))
	for i, v := range values {
		if _, dup := idx[v]; !dup {
			idx[v] = i
		}
	}
	return func(v T) int {
		if i, ok := idx[v]; ok {
			return i
		}
		return len(values)
	}
}
