package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/ab000641/air-quality-monitor/internal/geo"
)

var recipientColumns = []string{
	"user_id", "is_active", "default_threshold", "latitude", "longitude", "created_at", "updated_at",
}

func scanRecipient(row rowScanner) (*Recipient, error) {
	var r Recipient
	err := row.Scan(
		&r.UserID,
		&r.IsActive,
		&r.DefaultThreshold,
		&r.Latitude,
		&r.Longitude,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// TouchRecipient records a contact from the channel: an unknown user is
// created active with defaultThreshold, a known one is re-activated.
func (q queries) TouchRecipient(ctx context.Context, userID string, defaultThreshold int, now time.Time) (created bool, err error) {
	now = now.UTC()
	res, err := q.exec(ctx, q.sb.Update("recipients").
		Set("is_active", true).
		Set("updated_at", now).
		Where(sq.Eq{"user_id": userID}))
	if err != nil {
		return false, fmt.Errorf("activate recipient %s: %w", userID, err)
	}
	ok, err := affected(res)
	if err != nil || ok {
		return false, err
	}

	_, err = q.exec(ctx, q.sb.Insert("recipients").
		Columns("user_id", "is_active", "default_threshold", "created_at", "updated_at").
		Values(userID, true, defaultThreshold, now, now))
	if err != nil {
		return false, fmt.Errorf("insert recipient %s: %w", userID, err)
	}
	return true, nil
}

// GetRecipient returns one recipient, or ErrRecipientNotFound.
func (q queries) GetRecipient(ctx context.Context, userID string) (*Recipient, error) {
	row, err := q.queryRow(ctx, q.sb.Select(recipientColumns...).
		From("recipients").
		Where(sq.Eq{"user_id": userID}))
	if err != nil {
		return nil, err
	}

	r, err := scanRecipient(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecipientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get recipient %s: %w", userID, err)
	}
	return r, nil
}

// SetRecipientActive flips the subscription status. Recipients are never deleted.
func (q queries) SetRecipientActive(ctx context.Context, userID string, active bool, now time.Time) error {
	return q.updateRecipient(ctx, userID, map[string]any{
		"is_active":  active,
		"updated_at": now.UTC(),
	})
}

// SetRecipientLocation stores the last known location; nil clears it.
func (q queries) SetRecipientLocation(ctx context.Context, userID string, loc *geo.Point, now time.Time) error {
	var lat, lon *float64
	if loc != nil {
		lat, lon = &loc.Lat, &loc.Lon
	}
	return q.updateRecipient(ctx, userID, map[string]any{
		"latitude":   lat,
		"longitude":  lon,
		"updated_at": now.UTC(),
	})
}

func (q queries) updateRecipient(ctx context.Context, userID string, set map[string]any) error {
	res, err := q.exec(ctx, q.sb.Update("recipients").
		SetMap(set).
		Where(sq.Eq{"user_id": userID}))
	if err != nil {
		return fmt.Errorf("update recipient %s: %w", userID, err)
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return ErrRecipientNotFound
	}
	return nil
}

// ListLocatedRecipients returns active recipients with a stored location.
func (q queries) ListLocatedRecipients(ctx context.Context) ([]Recipient, error) {
	rows, err := q.query(ctx, q.sb.Select(recipientColumns...).
		From("recipients").
		Where(sq.Eq{"is_active": true}).
		Where(sq.NotEq{"latitude": nil, "longitude": nil}).
		OrderBy("user_id"))
	if err != nil {
		return nil, fmt.Errorf("list located recipients: %w", err)
	}
	defer rows.Close()

	var recipients []Recipient
	for rows.Next() {
		r, err := scanRecipient(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		recipients = append(recipients, *r)
	}
	return recipients, rows.Err()
}
