package provider

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// StationRecord is a normalized station metadata record.
type StationRecord struct {
	SiteCode  string
	Name      string
	County    string
	Latitude  *float64
	Longitude *float64
}

// ReadingRecord is a normalized real-time reading. Nil fields carry no reading.
type ReadingRecord struct {
	SiteCode   string
	AQI        *int
	Status     *string
	PM25       *int
	PM10       *int
	ObservedAt *time.Time
}

// Normalizer maps raw feed records of one schema version onto normalized
// records. ok is false when the record lacks its required identity fields.
type Normalizer interface {
	Station(rec Record) (StationRecord, bool)
	Reading(rec Record) (ReadingRecord, bool)
}

// Schema versions accepted by NewNormalizer.
const (
	SchemaV1 = "v1"
	SchemaV2 = "v2"
)

// NewNormalizer returns the normalizer for a schema version. Publish times
// are interpreted in loc and returned in UTC.
func NewNormalizer(version string, loc *time.Location) (Normalizer, error) {
	if loc == nil {
		loc = time.UTC
	}
	switch strings.ToLower(version) {
	case SchemaV1:
		return &schema{
			siteCode:    []string{"siteid"},
			name:        []string{"sitename"},
			county:      []string{"county"},
			latitude:    []string{"twd97lat", "latitude"},
			longitude:   []string{"twd97lon", "longitude"},
			timeLayouts: []string{"2006-01-02 15:04", "2006-01-02 15:04:05"},
			loc:         loc,
		}, nil
	case SchemaV2:
		return &schema{
			siteCode:    []string{"siteid"},
			name:        []string{"sitename"},
			county:      []string{"county"},
			latitude:    []string{"latitude", "twd97lat"},
			longitude:   []string{"longitude", "twd97lon"},
			timeLayouts: []string{"2006/01/02 15:04:05", "2006-01-02 15:04:05", "2006-01-02 15:04"},
			loc:         loc,
		}, nil
	default:
		return nil, fmt.Errorf("unknown provider schema %q", version)
	}
}

// schema holds the field keys of one feed revision. Keys are lower case
// because Record keys are lowered on decode. Alternatives are tried in order.
type schema struct {
	siteCode    []string
	name        []string
	county      []string
	latitude    []string
	longitude   []string
	timeLayouts []string
	loc         *time.Location
}

func (s *schema) Station(rec Record) (StationRecord, bool) {
	out := StationRecord{
		SiteCode:  stringField(rec, s.siteCode...),
		Name:      stringField(rec, s.name...),
		County:    stringField(rec, s.county...),
		Latitude:  ParseFloat(field(rec, s.latitude...)),
		Longitude: ParseFloat(field(rec, s.longitude...)),
	}
	if out.SiteCode == "" || out.Name == "" {
		return StationRecord{}, false
	}
	return out, true
}

func (s *schema) Reading(rec Record) (ReadingRecord, bool) {
	out := ReadingRecord{
		SiteCode:   stringField(rec, s.siteCode...),
		AQI:        ParseInt(field(rec, "aqi")),
		PM25:       ParseInt(field(rec, "pm2.5", "pm25")),
		PM10:       ParseInt(field(rec, "pm10")),
		ObservedAt: s.parseTime(stringField(rec, "publishtime")),
	}
	if status := stringField(rec, "status"); status != "" {
		out.Status = &status
	}
	if out.SiteCode == "" {
		return ReadingRecord{}, false
	}
	return out, true
}

func (s *schema) parseTime(value string) *time.Time {
	if value == "" {
		return nil
	}
	for _, layout := range s.timeLayouts {
		if t, err := time.ParseInLocation(layout, value, s.loc); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

func field(rec Record, keys ...string) any {
	for _, k := range keys {
		if v, ok := rec[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func stringField(rec Record, keys ...string) string {
	switch v := field(rec, keys...).(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

// ParseInt reads an integer reading. Strings must be all ASCII digits; empty,
// signed, fractional or otherwise non-digit content yields nil, as does any
// value beyond a 32-bit INTEGER column.
func ParseInt(v any) *int {
	var s string
	switch x := v.(type) {
	case string:
		s = strings.TrimSpace(x)
	case json.Number:
		s = x.String()
	case float64:
		if x < 0 || x != math.Trunc(x) || x > math.MaxInt32 {
			return nil
		}
		n := int(x)
		return &n
	case int:
		if x < 0 || x > math.MaxInt32 {
			return nil
		}
		return &x
	default:
		return nil
	}

	if s == "" {
		return nil
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return nil
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil || n > math.MaxInt32 {
		return nil
	}
	return &n
}

// ParseFloat reads a coordinate. Empty or unparseable values yield nil.
func ParseFloat(v any) *float64 {
	var f float64
	switch x := v.(type) {
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return nil
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil
		}
		f = parsed
	case json.Number:
		parsed, err := x.Float64()
		if err != nil {
			return nil
		}
		f = parsed
	case float64:
		f = x
	default:
		return nil
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}
