package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ab000641/air-quality-monitor/internal/database"
	"github.com/ab000641/air-quality-monitor/internal/geo"
)

var (
	ErrInvalidThreshold = errors.New("threshold must be positive")
	ErrInvalidLocation  = errors.New("location is out of range")
	ErrInvalidID        = errors.New("recipient and station ids must not be empty")
)

// Store is the slice of the database the subscription commands need.
type Store interface {
	TouchRecipient(ctx context.Context, userID string, defaultThreshold int, now time.Time) (bool, error)
	GetRecipient(ctx context.Context, userID string) (*database.Recipient, error)
	SetRecipientActive(ctx context.Context, userID string, active bool, now time.Time) error
	SetRecipientLocation(ctx context.Context, userID string, loc *geo.Point, now time.Time) error
	GetStation(ctx context.Context, siteCode string) (*database.Station, error)
	SetPreference(ctx context.Context, recipientID, siteCode string, threshold int, now time.Time) (bool, error)
	DeletePreference(ctx context.Context, recipientID, siteCode string) (bool, error)
	DeletePreferences(ctx context.Context, recipientID string) (int64, error)
	ListPreferences(ctx context.Context, recipientID string) ([]database.Preference, error)
}

// Service implements the commands the web and webhook layer issue on behalf
// of a recipient.
type Service struct {
	store            Store
	defaultThreshold int
	clock            clockwork.Clock
	logger           *slog.Logger
}

// NewService creates the command service. New recipients start with
// defaultThreshold.
func NewService(store Store, defaultThreshold int, clock clockwork.Clock, logger *slog.Logger) *Service {
	return &Service{
		store:            store,
		defaultThreshold: defaultThreshold,
		clock:            clock,
		logger:           logger.With("component", "subscription"),
	}
}

// normalizeIDs trims every id so that all commands key rows the same way.
// An id that is empty after trimming is rejected.
func normalizeIDs(ids ...*string) error {
	for _, id := range ids {
		*id = strings.TrimSpace(*id)
		if *id == "" {
			return ErrInvalidID
		}
	}
	return nil
}

// Touch records a follow or login: the recipient is created, or re-activated
// when it already exists.
func (s *Service) Touch(ctx context.Context, userID string) (created bool, err error) {
	if err := normalizeIDs(&userID); err != nil {
		return false, err
	}
	created, err = s.store.TouchRecipient(ctx, userID, s.defaultThreshold, s.clock.Now())
	if err != nil {
		return false, err
	}
	s.logger.Info("recipient touched", "recipient", userID, "created", created)
	return created, nil
}

// Subscribe creates or updates the preference for (userID, siteCode). A nil
// threshold uses the recipient's default.
func (s *Service) Subscribe(ctx context.Context, userID, siteCode string, threshold *int) (database.Preference, error) {
	if err := normalizeIDs(&userID, &siteCode); err != nil {
		return database.Preference{}, err
	}
	if threshold != nil && *threshold <= 0 {
		return database.Preference{}, ErrInvalidThreshold
	}

	recipient, err := s.store.GetRecipient(ctx, userID)
	if err != nil {
		return database.Preference{}, err
	}
	if _, err := s.store.GetStation(ctx, siteCode); err != nil {
		return database.Preference{}, err
	}

	value := recipient.DefaultThreshold
	if threshold != nil {
		value = *threshold
	}

	now := s.clock.Now()
	created, err := s.store.SetPreference(ctx, userID, siteCode, value, now)
	if err != nil {
		return database.Preference{}, fmt.Errorf("subscribe: %w", err)
	}
	s.logger.Info("preference saved",
		"recipient", userID,
		"station", siteCode,
		"threshold", value,
		"created", created,
	)

	prefs, err := s.store.ListPreferences(ctx, userID)
	if err != nil {
		return database.Preference{}, fmt.Errorf("subscribe: %w", err)
	}
	for _, p := range prefs {
		if p.SiteCode == siteCode {
			return p, nil
		}
	}
	return database.Preference{}, fmt.Errorf("subscribe: preference %s/%s vanished", userID, siteCode)
}

// Unsubscribe removes one station from the recipient's preferences.
func (s *Service) Unsubscribe(ctx context.Context, userID, siteCode string) (removed bool, err error) {
	if err := normalizeIDs(&userID, &siteCode); err != nil {
		return false, err
	}
	removed, err = s.store.DeletePreference(ctx, userID, siteCode)
	if err != nil {
		return false, err
	}
	s.logger.Info("preference removed", "recipient", userID, "station", siteCode, "removed", removed)
	return removed, nil
}

// UnsubscribeAll clears every preference of the recipient.
func (s *Service) UnsubscribeAll(ctx context.Context, userID string) (int64, error) {
	if err := normalizeIDs(&userID); err != nil {
		return 0, err
	}
	n, err := s.store.DeletePreferences(ctx, userID)
	if err != nil {
		return 0, err
	}
	s.logger.Info("preferences cleared", "recipient", userID, "count", n)
	return n, nil
}

// SetActive marks the recipient reachable or not. Unreachable recipients are
// kept but receive nothing.
func (s *Service) SetActive(ctx context.Context, userID string, active bool) error {
	if err := normalizeIDs(&userID); err != nil {
		return err
	}
	if err := s.store.SetRecipientActive(ctx, userID, active, s.clock.Now()); err != nil {
		return err
	}
	s.logger.Info("recipient status changed", "recipient", userID, "active", active)
	return nil
}

// SetLocation stores the recipient's last known location; nil clears it.
func (s *Service) SetLocation(ctx context.Context, userID string, loc *geo.Point) error {
	if err := normalizeIDs(&userID); err != nil {
		return err
	}
	if loc != nil && (loc.Lat < -90 || loc.Lat > 90 || loc.Lon < -180 || loc.Lon > 180) {
		return ErrInvalidLocation
	}
	return s.store.SetRecipientLocation(ctx, userID, loc, s.clock.Now())
}

// Preferences lists the recipient's subscriptions.
func (s *Service) Preferences(ctx context.Context, userID string) ([]database.Preference, error) {
	if err := normalizeIDs(&userID); err != nil {
		return nil, err
	}
	if _, err := s.store.GetRecipient(ctx, userID); err != nil {
		return nil, err
	}
	return s.store.ListPreferences(ctx, userID)
}
