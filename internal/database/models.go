package database

import (
	"errors"
	"time"

	"github.com/ab000641/air-quality-monitor/internal/geo"
	"github.com/ab000641/air-quality-monitor/internal/region"
)

var (
	ErrStationNotFound   = errors.New("station not found")
	ErrRecipientNotFound = errors.New("recipient not found")
)

// Reading is the latest observation held on a station. The fields are always
// written together.
type Reading struct {
	AQI        *int
	Status     *string
	PM25       *int
	PM10       *int
	ObservedAt *time.Time
}

// Station is a monitoring site and its latest reading.
type Station struct {
	SiteCode  string
	Name      string
	County    string
	Region    region.Region
	Latitude  *float64
	Longitude *float64
	Reading   Reading
	CreatedAt time.Time
}

// Point returns the station coordinates, or false when either is missing.
func (s Station) Point() (geo.Point, bool) {
	if s.Latitude == nil || s.Longitude == nil {
		return geo.Point{}, false
	}
	return geo.Point{Lat: *s.Latitude, Lon: *s.Longitude}, true
}

// Recipient is a notification channel subscriber.
type Recipient struct {
	UserID           string
	IsActive         bool
	DefaultThreshold int
	Latitude         *float64
	Longitude        *float64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Location returns the last known location, or false when none is stored.
func (r Recipient) Location() (geo.Point, bool) {
	if r.Latitude == nil || r.Longitude == nil {
		return geo.Point{}, false
	}
	return geo.Point{Lat: *r.Latitude, Lon: *r.Longitude}, true
}

// Preference subscribes a recipient to one station with a personal threshold.
type Preference struct {
	RecipientID     string
	SiteCode        string
	ThresholdValue  int
	LastAlertSentAt *time.Time
	CreatedAt       time.Time
}

// AlertCandidate is a preference of an active recipient joined with its station.
type AlertCandidate struct {
	Preference Preference
	Station    Station
}
