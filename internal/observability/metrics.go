package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "aqi_monitor"

// Metrics holds the Prometheus collectors for ingestion, alerting and job scheduling.
type Metrics struct {
	// Ingestion.
	StationsCreated   prometheus.Counter
	StationsUpdated   prometheus.Counter
	ReadingsUpdated   prometheus.Counter
	ReadingsUnmatched prometheus.Counter
	RecordsSkipped    *prometheus.CounterVec   // labels: feed={stations,readings}
	IngestFailures    *prometheus.CounterVec   // labels: feed
	IngestDuration    *prometheus.HistogramVec // labels: feed

	// Alerting.
	AlertsSent       prometheus.Counter
	AlertsFailed     prometheus.Counter
	AlertsSkipped    *prometheus.CounterVec // labels: reason={no_reading,below_threshold,cooldown,delivery_failed}
	LocationPushes   *prometheus.CounterVec // labels: outcome={sent,failed,no_station}
	StationCacheHits *prometheus.CounterVec // labels: result={hit,miss,error}

	// Scheduling.
	JobRuns     *prometheus.CounterVec   // labels: job, outcome={ok,error,panic}
	JobSkips    *prometheus.CounterVec   // labels: job, reason={overlap,misfire}
	JobDuration *prometheus.HistogramVec // labels: job
	JobRunning  *prometheus.GaugeVec     // labels: job
}

// NewMetrics creates and registers all collectors with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(m.collectors()...)
	return m
}

// NewMetricsForTesting creates Metrics without registering them, so tests can
// build as many as they like without "already registered" panics.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		StationsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stations_created_total",
			Help:      "Stations inserted by metadata refreshes.",
		}),
		StationsUpdated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stations_updated_total",
			Help:      "Existing stations rewritten by metadata refreshes.",
		}),
		ReadingsUpdated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_updated_total",
			Help:      "Station readings replaced by real-time refreshes.",
		}),
		ReadingsUnmatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_unmatched_total",
			Help:      "Reading records whose site code matched no known station.",
		}),
		RecordsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_skipped_total",
			Help:      "Provider records skipped as malformed, by feed.",
		}, []string{"feed"}),
		IngestFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_failures_total",
			Help:      "Ingestion batches aborted by fetch or persistence errors, by feed.",
		}, []string{"feed"}),
		IngestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ingest_duration_seconds",
			Help:      "Duration of a complete fetch-normalize-upsert batch.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"feed"}),
		AlertsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_sent_total",
			Help:      "Threshold alerts delivered.",
		}),
		AlertsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alert_delivery_failures_total",
			Help:      "Threshold alerts the transport failed to deliver.",
		}),
		AlertsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_skipped_total",
			Help:      "Preferences evaluated without sending, by reason.",
		}, []string{"reason"}),
		LocationPushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "location_pushes_total",
			Help:      "Nearby-conditions pushes by outcome.",
		}, []string{"outcome"}),
		StationCacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "station_cache_lookups_total",
			Help:      "Station snapshot cache lookups by result.",
		}, []string{"result"}),
		JobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "Scheduled job invocations by outcome.",
		}, []string{"job", "outcome"}),
		JobSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_skips_total",
			Help:      "Scheduled fires dropped, by reason.",
		}, []string{"job", "reason"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time of scheduled job invocations.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300},
		}, []string{"job"}),
		JobRunning: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "job_running",
			Help:      "1 while a job invocation is in flight.",
		}, []string{"job"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.StationsCreated,
		m.StationsUpdated,
		m.ReadingsUpdated,
		m.ReadingsUnmatched,
		m.RecordsSkipped,
		m.IngestFailures,
		m.IngestDuration,
		m.AlertsSent,
		m.AlertsFailed,
		m.AlertsSkipped,
		m.LocationPushes,
		m.StationCacheHits,
		m.JobRuns,
		m.JobSkips,
		m.JobDuration,
		m.JobRunning,
	}
}
