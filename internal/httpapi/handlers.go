package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ab000641/air-quality-monitor/internal/database"
	"github.com/ab000641/air-quality-monitor/internal/directory"
	"github.com/ab000641/air-quality-monitor/internal/geo"
	"github.com/ab000641/air-quality-monitor/internal/region"
	"github.com/ab000641/air-quality-monitor/internal/scheduler"
	"github.com/ab000641/air-quality-monitor/internal/subscription"
)

const maxBodyBytes = 1 << 16

type stationJSON struct {
	SiteCode   string     `json:"site_code"`
	Name       string     `json:"name"`
	County     string     `json:"county"`
	Region     string     `json:"region"`
	Latitude   *float64   `json:"latitude"`
	Longitude  *float64   `json:"longitude"`
	AQI        *int       `json:"aqi"`
	Status     *string    `json:"status"`
	PM25       *int       `json:"pm25"`
	PM10       *int       `json:"pm10"`
	ObservedAt *time.Time `json:"observed_at"`
}

func toStationJSON(st database.Station) stationJSON {
	return stationJSON{
		SiteCode:   st.SiteCode,
		Name:       st.Name,
		County:     st.County,
		Region:     string(st.Region),
		Latitude:   st.Latitude,
		Longitude:  st.Longitude,
		AQI:        st.Reading.AQI,
		Status:     st.Reading.Status,
		PM25:       st.Reading.PM25,
		PM10:       st.Reading.PM10,
		ObservedAt: st.Reading.ObservedAt,
	}
}

type preferenceJSON struct {
	SiteCode        string     `json:"site_code"`
	Threshold       int        `json:"threshold"`
	LastAlertSentAt *time.Time `json:"last_alert_sent_at"`
	CreatedAt       time.Time  `json:"created_at"`
}

func toPreferenceJSON(p database.Preference) preferenceJSON {
	return preferenceJSON{
		SiteCode:        p.SiteCode,
		Threshold:       p.ThresholdValue,
		LastAlertSentAt: p.LastAlertSentAt,
		CreatedAt:       p.CreatedAt,
	}
}

// GET /v1/stations?regions=north,south&counties=臺北市,新北市
func (s *Server) handleStations(w http.ResponseWriter, r *http.Request) {
	var order directory.Order
	for _, v := range splitQuery(r, "regions") {
		rg := region.Region(strings.ToLower(v))
		if !rg.Valid() {
			writeError(w, http.StatusBadRequest, "unknown region "+strconv.Quote(v))
			return
		}
		order.Regions = append(order.Regions, rg)
	}
	order.Counties = splitQuery(r, "counties")

	stations, err := s.deps.Directory.Snapshot(r.Context(), order)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]stationJSON, 0, len(stations))
	for _, st := range stations {
		out = append(out, toStationJSON(st))
	}
	writeJSON(w, http.StatusOK, map[string]any{"stations": out})
}

// GET /v1/stations/nearest?lat=25.04&lon=121.56
func (s *Server) handleNearest(w http.ResponseWriter, r *http.Request) {
	lat, errLat := strconv.ParseFloat(r.URL.Query().Get("lat"), 64)
	lon, errLon := strconv.ParseFloat(r.URL.Query().Get("lon"), 64)
	if errLat != nil || errLon != nil || lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		writeError(w, http.StatusBadRequest, "lat and lon must be valid coordinates")
		return
	}

	st, dist, ok, err := s.deps.Directory.Nearest(r.Context(), geo.Point{Lat: lat, Lon: lon})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "no station with coordinates")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"station":     toStationJSON(st),
		"distance_km": dist,
	})
}

// PUT /v1/recipients/{id}
func (s *Server) handleTouch(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	created, err := s.deps.Subscriptions.Touch(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{"user_id": id, "created": created})
}

// PUT /v1/recipients/{id}/active {"active": false}
func (s *Server) handleSetActive(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Active *bool `json:"active"`
	}
	if !decode(w, r, &body) {
		return
	}
	if body.Active == nil {
		writeError(w, http.StatusBadRequest, "active is required")
		return
	}
	if err := s.deps.Subscriptions.SetActive(r.Context(), r.PathValue("id"), *body.Active); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PUT /v1/recipients/{id}/location {"latitude": 25.04, "longitude": 121.56}
func (s *Server) handleSetLocation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Latitude  *float64 `json:"latitude"`
		Longitude *float64 `json:"longitude"`
	}
	if !decode(w, r, &body) {
		return
	}
	if body.Latitude == nil || body.Longitude == nil {
		writeError(w, http.StatusBadRequest, "latitude and longitude are required")
		return
	}
	loc := &geo.Point{Lat: *body.Latitude, Lon: *body.Longitude}
	if err := s.deps.Subscriptions.SetLocation(r.Context(), r.PathValue("id"), loc); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DELETE /v1/recipients/{id}/location
func (s *Server) handleClearLocation(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Subscriptions.SetLocation(r.Context(), r.PathValue("id"), nil); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GET /v1/recipients/{id}/preferences
func (s *Server) handleListPreferences(w http.ResponseWriter, r *http.Request) {
	prefs, err := s.deps.Subscriptions.Preferences(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]preferenceJSON, 0, len(prefs))
	for _, p := range prefs {
		out = append(out, toPreferenceJSON(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"preferences": out})
}

// PUT /v1/recipients/{id}/preferences/{site} {"threshold": 150}
// An empty body or a null threshold uses the recipient's default.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Threshold *int `json:"threshold"`
	}
	if !decode(w, r, &body) {
		return
	}
	pref, err := s.deps.Subscriptions.Subscribe(r.Context(), r.PathValue("id"), r.PathValue("site"), body.Threshold)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPreferenceJSON(pref))
}

// DELETE /v1/recipients/{id}/preferences/{site}
func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	removed, err := s.deps.Subscriptions.Unsubscribe(r.Context(), r.PathValue("id"), r.PathValue("site"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "preference not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DELETE /v1/recipients/{id}/preferences
func (s *Server) handleUnsubscribeAll(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Subscriptions.UnsubscribeAll(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"removed": n})
}

// POST /v1/jobs/{name}/run
func (s *Server) handleTriggerJob(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.deps.Jobs.Trigger(name); err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("job triggered over http", "job", name)
	writeJSON(w, http.StatusAccepted, map[string]string{"job": name, "status": "started"})
}

// fail maps domain errors onto status codes. Anything unrecognized is a 500
// and is logged.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, subscription.ErrInvalidID),
		errors.Is(err, subscription.ErrInvalidThreshold),
		errors.Is(err, subscription.ErrInvalidLocation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, database.ErrRecipientNotFound),
		errors.Is(err, database.ErrStationNotFound),
		errors.Is(err, scheduler.ErrUnknownJob):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, scheduler.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, scheduler.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decode reads an optional JSON body into v. It writes a 400 and returns
// false on malformed input.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func splitQuery(r *http.Request, key string) []string {
	var out []string
	for _, raw := range r.URL.Query()[key] {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
