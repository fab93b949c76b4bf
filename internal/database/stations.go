package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

var stationColumns = []string{
	"site_code", "name", "county", "region", "latitude", "longitude",
	"aqi", "status", "pm25", "pm10", "observed_at", "created_at",
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStation(row rowScanner) (*Station, error) {
	var st Station
	err := row.Scan(
		&st.SiteCode,
		&st.Name,
		&st.County,
		&st.Region,
		&st.Latitude,
		&st.Longitude,
		&st.Reading.AQI,
		&st.Reading.Status,
		&st.Reading.PM25,
		&st.Reading.PM10,
		&st.Reading.ObservedAt,
		&st.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// UpsertStation writes the station metadata, inserting it when the site code
// is new. Reading fields are left untouched on update. created reports
// whether a row was inserted.
func (q queries) UpsertStation(ctx context.Context, st Station, now time.Time) (created bool, err error) {
	res, err := q.exec(ctx, q.sb.Update("stations").
		SetMap(map[string]any{
			"name":      st.Name,
			"county":    st.County,
			"region":    string(st.Region),
			"latitude":  st.Latitude,
			"longitude": st.Longitude,
		}).
		Where(sq.Eq{"site_code": st.SiteCode}))
	if err != nil {
		return false, fmt.Errorf("update station %s: %w", st.SiteCode, err)
	}
	ok, err := affected(res)
	if err != nil || ok {
		return false, err
	}

	_, err = q.exec(ctx, q.sb.Insert("stations").
		Columns("site_code", "name", "county", "region", "latitude", "longitude", "created_at").
		Values(st.SiteCode, st.Name, st.County, string(st.Region), st.Latitude, st.Longitude, now.UTC()))
	if err != nil {
		return false, fmt.Errorf("insert station %s: %w", st.SiteCode, err)
	}
	return true, nil
}

// UpdateReading replaces all reading fields of a known station in a single
// statement. matched is false when no station has the site code; readings
// never create stations.
func (q queries) UpdateReading(ctx context.Context, siteCode string, r Reading) (matched bool, err error) {
	var observedAt *time.Time
	if r.ObservedAt != nil {
		t := r.ObservedAt.UTC()
		observedAt = &t
	}

	res, err := q.exec(ctx, q.sb.Update("stations").
		SetMap(map[string]any{
			"aqi":         r.AQI,
			"status":      r.Status,
			"pm25":        r.PM25,
			"pm10":        r.PM10,
			"observed_at": observedAt,
		}).
		Where(sq.Eq{"site_code": siteCode}))
	if err != nil {
		return false, fmt.Errorf("update reading %s: %w", siteCode, err)
	}
	return affected(res)
}

// CountStations returns the size of the station directory.
func (q queries) CountStations(ctx context.Context) (int, error) {
	row, err := q.queryRow(ctx, q.sb.Select("COUNT(*)").From("stations"))
	if err != nil {
		return 0, err
	}
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count stations: %w", err)
	}
	return n, nil
}

// ListStations returns every station ordered by county then name.
func (q queries) ListStations(ctx context.Context) ([]Station, error) {
	rows, err := q.query(ctx, q.sb.Select(stationColumns...).
		From("stations").
		OrderBy("county", "name", "site_code"))
	if err != nil {
		return nil, fmt.Errorf("list stations: %w", err)
	}
	defer rows.Close()

	var stations []Station
	for rows.Next() {
		st, err := scanStation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan station: %w", err)
		}
		stations = append(stations, *st)
	}
	return stations, rows.Err()
}

// GetStation returns one station, or ErrStationNotFound.
func (q queries) GetStation(ctx context.Context, siteCode string) (*Station, error) {
	row, err := q.queryRow(ctx, q.sb.Select(stationColumns...).
		From("stations").
		Where(sq.Eq{"site_code": siteCode}))
	if err != nil {
		return nil, err
	}

	st, err := scanStation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrStationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get station %s: %w", siteCode, err)
	}
	return st, nil
}
