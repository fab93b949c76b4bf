package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ab000641/air-quality-monitor/internal/database"
	"github.com/ab000641/air-quality-monitor/internal/directory"
	"github.com/ab000641/air-quality-monitor/internal/geo"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Directory answers station queries.
type Directory interface {
	Snapshot(ctx context.Context, order directory.Order) ([]database.Station, error)
	Nearest(ctx context.Context, p geo.Point) (database.Station, float64, bool, error)
}

// Subscriptions handles recipient commands.
type Subscriptions interface {
	Touch(ctx context.Context, userID string) (bool, error)
	Subscribe(ctx context.Context, userID, siteCode string, threshold *int) (database.Preference, error)
	Unsubscribe(ctx context.Context, userID, siteCode string) (bool, error)
	UnsubscribeAll(ctx context.Context, userID string) (int64, error)
	SetActive(ctx context.Context, userID string, active bool) error
	SetLocation(ctx context.Context, userID string, loc *geo.Point) error
	Preferences(ctx context.Context, userID string) ([]database.Preference, error)
}

// JobTrigger starts a scheduled job out of band.
type JobTrigger interface {
	Trigger(name string) error
}

// Dependencies are the components the API serves. Jobs may be nil, which
// disables the job endpoint.
type Dependencies struct {
	Ready         Pinger
	Directory     Directory
	Subscriptions Subscriptions
	Jobs          JobTrigger
}

// Server exposes health, metrics and the JSON API.
type Server struct {
	httpServer *http.Server
	deps       Dependencies
	logger     *slog.Logger
}

// NewServer creates an HTTP server with all routes registered.
func NewServer(addr string, deps Dependencies, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		deps:   deps,
		logger: logger.With("component", "http"),
	}

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /v1/stations", s.handleStations)
	mux.HandleFunc("GET /v1/stations/nearest", s.handleNearest)

	mux.HandleFunc("PUT /v1/recipients/{id}", s.handleTouch)
	mux.HandleFunc("PUT /v1/recipients/{id}/active", s.handleSetActive)
	mux.HandleFunc("PUT /v1/recipients/{id}/location", s.handleSetLocation)
	mux.HandleFunc("DELETE /v1/recipients/{id}/location", s.handleClearLocation)
	mux.HandleFunc("GET /v1/recipients/{id}/preferences", s.handleListPreferences)
	mux.HandleFunc("DELETE /v1/recipients/{id}/preferences", s.handleUnsubscribeAll)
	mux.HandleFunc("PUT /v1/recipients/{id}/preferences/{site}", s.handleSubscribe)
	mux.HandleFunc("DELETE /v1/recipients/{id}/preferences/{site}", s.handleUnsubscribe)

	if deps.Jobs != nil {
		mux.HandleFunc("POST /v1/jobs/{name}/run", s.handleTriggerJob)
	}

	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.deps.Ready.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck // client went away
}
