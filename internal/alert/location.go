package alert

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/ab000641/air-quality-monitor/internal/database"
	"github.com/ab000641/air-quality-monitor/internal/geo"
	"github.com/ab000641/air-quality-monitor/internal/notify"
	"github.com/ab000641/air-quality-monitor/internal/observability"
)

// LocationStore lists what the location push needs.
type LocationStore interface {
	ListLocatedRecipients(ctx context.Context) ([]database.Recipient, error)
	ListStations(ctx context.Context) ([]database.Station, error)
}

// PushResult summarizes one location push pass.
type PushResult struct {
	Sent      int
	Failed    int
	NoStation int
}

// LocationPusher sends every located, active recipient the conditions at
// their nearest station. It has no cooldown; its schedule bounds frequency.
type LocationPusher struct {
	store       LocationStore
	transport   notify.Transport
	renderer    *notify.Renderer
	concurrency int
	metrics     *observability.Metrics
	logger      *slog.Logger
}

// NewLocationPusher creates a location push job sending up to concurrency
// messages at once.
func NewLocationPusher(
	store LocationStore,
	transport notify.Transport,
	renderer *notify.Renderer,
	concurrency int,
	metrics *observability.Metrics,
	logger *slog.Logger,
) *LocationPusher {
	if concurrency < 1 {
		concurrency = 1
	}
	return &LocationPusher{
		store:       store,
		transport:   transport,
		renderer:    renderer,
		concurrency: concurrency,
		metrics:     metrics,
		logger:      logger.With("component", "location_push"),
	}
}

// PushNearby runs one pass. Recipients with no resolvable station are skipped
// and a failed send never stops the others.
func (p *LocationPusher) PushNearby(ctx context.Context) (PushResult, error) {
	recipients, err := p.store.ListLocatedRecipients(ctx)
	if err != nil {
		return PushResult{}, fmt.Errorf("list located recipients: %w", err)
	}
	if len(recipients) == 0 {
		return PushResult{}, nil
	}

	stations, err := p.store.ListStations(ctx)
	if err != nil {
		return PushResult{}, fmt.Errorf("list stations: %w", err)
	}

	var sent, failed, noStation atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for _, r := range recipients {
		loc, ok := r.Location()
		if !ok {
			continue
		}

		station, distance, found := geo.Nearest(loc, stations, database.Station.Point)
		if !found {
			noStation.Add(1)
			p.metrics.LocationPushes.WithLabelValues("no_station").Inc()
			continue
		}

		g.Go(func() error {
			if err := p.push(gctx, r.UserID, station, distance); err != nil {
				failed.Add(1)
				p.metrics.LocationPushes.WithLabelValues("failed").Inc()
				p.logger.Error("nearby push failed", "recipient", r.UserID, "station", station.SiteCode, "error", err)
				return nil
			}
			sent.Add(1)
			p.metrics.LocationPushes.WithLabelValues("sent").Inc()
			return nil
		})
	}
	_ = g.Wait()

	res := PushResult{
		Sent:      int(sent.Load()),
		Failed:    int(failed.Load()),
		NoStation: int(noStation.Load()),
	}
	p.logger.Info("location push complete",
		"recipients", len(recipients),
		"sent", res.Sent,
		"failed", res.Failed,
		"no_station", res.NoStation,
	)
	return res, ctx.Err()
}

func (p *LocationPusher) push(ctx context.Context, recipientID string, st database.Station, distanceKm float64) error {
	text, err := p.renderer.RenderNearby(notify.NearbyMessage{
		SiteCode:   st.SiteCode,
		Name:       st.Name,
		County:     st.County,
		DistanceKm: distanceKm,
		AQI:        st.Reading.AQI,
		Status:     st.Reading.Status,
		PM25:       st.Reading.PM25,
		PM10:       st.Reading.PM10,
		ObservedAt: st.Reading.ObservedAt,
	})
	if err != nil {
		return err
	}
	return p.transport.Send(ctx, recipientID, text)
}
