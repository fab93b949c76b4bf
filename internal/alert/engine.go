package alert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ab000641/air-quality-monitor/internal/database"
	"github.com/ab000641/air-quality-monitor/internal/notify"
	"github.com/ab000641/air-quality-monitor/internal/observability"
)

// Store is the slice of the database the engine reads and writes.
type Store interface {
	ListAlertCandidates(ctx context.Context) ([]database.AlertCandidate, error)
	MarkAlertSent(ctx context.Context, recipientID, siteCode string, at time.Time) error
}

// Reasons a preference is evaluated without sending.
const (
	SkipNoReading      = "no_reading"
	SkipBelowThreshold = "below_threshold"
	SkipCooldown       = "cooldown"
	SkipDeliveryFailed = "delivery_failed"
)

// Result summarizes one evaluation pass. Skipped includes Failed.
type Result struct {
	Notified int
	Skipped  int
	Failed   int
}

// Engine evaluates every active preference against its station's latest
// reading and sends an alert when the threshold is reached and the cooldown
// window since the last alert has passed.
type Engine struct {
	store     Store
	transport notify.Transport
	renderer  *notify.Renderer
	cooldown  time.Duration
	clock     clockwork.Clock
	metrics   *observability.Metrics
	logger    *slog.Logger
}

// NewEngine creates an alert engine.
func NewEngine(
	store Store,
	transport notify.Transport,
	renderer *notify.Renderer,
	cooldown time.Duration,
	clock clockwork.Clock,
	metrics *observability.Metrics,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		store:     store,
		transport: transport,
		renderer:  renderer,
		cooldown:  cooldown,
		clock:     clock,
		metrics:   metrics,
		logger:    logger.With("component", "alert"),
	}
}

// decide returns the skip reason for a candidate, or "" when it should fire.
func (e *Engine) decide(c database.AlertCandidate, now time.Time) string {
	aqi := c.Station.Reading.AQI
	if aqi == nil {
		return SkipNoReading
	}
	if *aqi < c.Preference.ThresholdValue {
		return SkipBelowThreshold
	}
	if last := c.Preference.LastAlertSentAt; last != nil && now.Sub(*last) < e.cooldown {
		return SkipCooldown
	}
	return ""
}

// EvaluateAndDispatch runs one pass over all active preferences. A failed
// delivery is logged and counted as skipped; the pass carries on with the
// next preference and the failed one is retried on a later pass.
func (e *Engine) EvaluateAndDispatch(ctx context.Context) (Result, error) {
	var res Result

	candidates, err := e.store.ListAlertCandidates(ctx)
	if err != nil {
		return res, fmt.Errorf("load alert candidates: %w", err)
	}

	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		now := e.clock.Now()
		if reason := e.decide(c, now); reason != "" {
			res.Skipped++
			e.metrics.AlertsSkipped.WithLabelValues(reason).Inc()
			continue
		}

		if err := e.dispatch(ctx, c); err != nil {
			res.Skipped++
			res.Failed++
			e.metrics.AlertsSkipped.WithLabelValues(SkipDeliveryFailed).Inc()
			e.metrics.AlertsFailed.Inc()
			e.logDeliveryFailure(c, err)
			continue
		}

		res.Notified++
		e.metrics.AlertsSent.Inc()

		// Record right away so a crash later in the pass cannot resend this one.
		if err := e.store.MarkAlertSent(ctx, c.Preference.RecipientID, c.Preference.SiteCode, now); err != nil {
			e.logger.Error("failed to record alert",
				"recipient", c.Preference.RecipientID,
				"station", c.Preference.SiteCode,
				"error", err,
			)
			continue
		}
		e.logger.Info("alert sent",
			"recipient", c.Preference.RecipientID,
			"station", c.Preference.SiteCode,
			"aqi", *c.Station.Reading.AQI,
			"threshold", c.Preference.ThresholdValue,
		)
	}

	e.logger.Info("alert pass complete",
		"candidates", len(candidates),
		"notified", res.Notified,
		"skipped", res.Skipped,
		"failed", res.Failed,
	)
	return res, nil
}

func (e *Engine) dispatch(ctx context.Context, c database.AlertCandidate) error {
	text, err := e.renderer.RenderAlert(notify.AlertMessage{
		SiteCode:   c.Station.SiteCode,
		Name:       c.Station.Name,
		County:     c.Station.County,
		AQI:        *c.Station.Reading.AQI,
		Status:     c.Station.Reading.Status,
		ObservedAt: c.Station.Reading.ObservedAt,
		Threshold:  c.Preference.ThresholdValue,
	})
	if err != nil {
		return err
	}
	return e.transport.Send(ctx, c.Preference.RecipientID, text)
}

func (e *Engine) logDeliveryFailure(c database.AlertCandidate, err error) {
	attrs := []any{
		"recipient", c.Preference.RecipientID,
		"station", c.Preference.SiteCode,
		"error", err,
	}
	if errors.Is(err, notify.ErrRecipientUnreachable) {
		e.logger.Warn("recipient unreachable, alert not delivered", attrs...)
		return
	}
	e.logger.Error("alert delivery failed", attrs...)
}
