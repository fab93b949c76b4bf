package database

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// SetPreference creates or updates the threshold of one (recipient, station)
// pair. The cooldown timestamp survives a threshold change.
func (q queries) SetPreference(ctx context.Context, recipientID, siteCode string, threshold int, now time.Time) (created bool, err error) {
	res, err := q.exec(ctx, q.sb.Update("preferences").
		Set("threshold_value", threshold).
		Where(sq.Eq{"recipient_id": recipientID, "site_code": siteCode}))
	if err != nil {
		return false, fmt.Errorf("update preference %s/%s: %w", recipientID, siteCode, err)
	}
	ok, err := affected(res)
	if err != nil || ok {
		return false, err
	}

	_, err = q.exec(ctx, q.sb.Insert("preferences").
		Columns("recipient_id", "site_code", "threshold_value", "created_at").
		Values(recipientID, siteCode, threshold, now.UTC()))
	if err != nil {
		return false, fmt.Errorf("insert preference %s/%s: %w", recipientID, siteCode, err)
	}
	return true, nil
}

// DeletePreference removes one preference. removed is false when none existed.
func (q queries) DeletePreference(ctx context.Context, recipientID, siteCode string) (removed bool, err error) {
	res, err := q.exec(ctx, q.sb.Delete("preferences").
		Where(sq.Eq{"recipient_id": recipientID, "site_code": siteCode}))
	if err != nil {
		return false, fmt.Errorf("delete preference %s/%s: %w", recipientID, siteCode, err)
	}
	return affected(res)
}

// DeletePreferences removes every preference of a recipient.
func (q queries) DeletePreferences(ctx context.Context, recipientID string) (int64, error) {
	res, err := q.exec(ctx, q.sb.Delete("preferences").
		Where(sq.Eq{"recipient_id": recipientID}))
	if err != nil {
		return 0, fmt.Errorf("delete preferences %s: %w", recipientID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// ListPreferences returns a recipient's preferences ordered by site code.
func (q queries) ListPreferences(ctx context.Context, recipientID string) ([]Preference, error) {
	rows, err := q.query(ctx, q.sb.
		Select("recipient_id", "site_code", "threshold_value", "last_alert_sent_at", "created_at").
		From("preferences").
		Where(sq.Eq{"recipient_id": recipientID}).
		OrderBy("site_code"))
	if err != nil {
		return nil, fmt.Errorf("list preferences %s: %w", recipientID, err)
	}
	defer rows.Close()

	var prefs []Preference
	for rows.Next() {
		var p Preference
		if err := rows.Scan(&p.RecipientID, &p.SiteCode, &p.ThresholdValue, &p.LastAlertSentAt, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan preference: %w", err)
		}
		prefs = append(prefs, p)
	}
	return prefs, rows.Err()
}

// ListAlertCandidates returns every preference whose recipient is active,
// joined with the current state of its station.
func (q queries) ListAlertCandidates(ctx context.Context) ([]AlertCandidate, error) {
	rows, err := q.query(ctx, q.sb.
		Select(
			"p.recipient_id", "p.site_code", "p.threshold_value", "p.last_alert_sent_at", "p.created_at",
			"s.name", "s.county", "s.region", "s.latitude", "s.longitude",
			"s.aqi", "s.status", "s.pm25", "s.pm10", "s.observed_at", "s.created_at",
		).
		From("preferences p").
		Join("recipients r ON r.user_id = p.recipient_id").
		Join("stations s ON s.site_code = p.site_code").
		Where(sq.Eq{"r.is_active": true}).
		OrderBy("p.recipient_id", "p.site_code"))
	if err != nil {
		return nil, fmt.Errorf("list alert candidates: %w", err)
	}
	defer rows.Close()

	var out []AlertCandidate
	for rows.Next() {
		var c AlertCandidate
		p, st := &c.Preference, &c.Station
		if err := rows.Scan(
			&p.RecipientID, &p.SiteCode, &p.ThresholdValue, &p.LastAlertSentAt, &p.CreatedAt,
			&st.Name, &st.County, &st.Region, &st.Latitude, &st.Longitude,
			&st.Reading.AQI, &st.Reading.Status, &st.Reading.PM25, &st.Reading.PM10, &st.Reading.ObservedAt,
			&st.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan alert candidate: %w", err)
		}
		st.SiteCode = p.SiteCode
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkAlertSent records a successful delivery for the cooldown check.
func (q queries) MarkAlertSent(ctx context.Context, recipientID, siteCode string, at time.Time) error {
	res, err := q.exec(ctx, q.sb.Update("preferences").
		Set("last_alert_sent_at", at.UTC()).
		Where(sq.Eq{"recipient_id": recipientID, "site_code": siteCode}))
	if err != nil {
		return fmt.Errorf("mark alert sent %s/%s: %w", recipientID, siteCode, err)
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("mark alert sent %s/%s: preference no longer exists", recipientID, siteCode)
	}
	return nil
}
