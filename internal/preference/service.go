package preference

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tinywideclouds/go-push-service/pkg/dispatch"
)

// Update carries a partial preference change; nil fields are left untouched.
type Update struct {
	PushEnabled     *bool   `json:"pushEnabled,omitempty"`
	Transaction     *bool   `json:"transaction,omitempty"`
	Budget          *bool   `json:"budget,omitempty"`
	Goal            *bool   `json:"goal,omitempty"`
	Recurring       *bool   `json:"recurring,omitempty"`
	Invite          *bool   `json:"invite,omitempty"`
	FriendRequest   *bool   `json:"friendRequest,omitempty"`
	Comment         *bool   `json:"comment,omitempty"`
	QuietHoursStart *string `json:"quietHoursStart,omitempty"`
	QuietHoursEnd   *string `json:"quietHoursEnd,omitempty"`
	Timezone        *string `json:"timezone,omitempty"`
}

// Service is the user-facing read/write side of preferences.
type Service struct {
	store  dispatch.PreferenceStore
	nowFn  func() time.Time
	logger *slog.Logger
}

func NewService(store dispatch.PreferenceStore, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		nowFn:  time.Now,
		logger: logger.With("component", "PreferenceService"),
	}
}

// Get returns the user's preferences, creating the defaults on first access.
func (s *Service) Get(ctx context.Context, userID string) (dispatch.Preferences, error) {
	prefs, found, err := s.store.GetPreferences(ctx, userID)
	if err != nil {
		return dispatch.Preferences{}, fmt.Errorf("failed to load preferences: %w", err)
	}
	if found {
		return prefs, nil
	}

	prefs = dispatch.DefaultPreferences(userID, s.nowFn())
	if err := s.store.PutPreferences(ctx, prefs); err != nil {
		return dispatch.Preferences{}, fmt.Errorf("failed to create default preferences: %w", err)
	}
	s.logger.Debug("Created default preferences", "user", userID)
	return prefs, nil
}

// Update applies a partial change and persists the result.
func (s *Service) Update(ctx context.Context, userID string, u Update) (dispatch.Preferences, error) {
	prefs, err := s.Get(ctx, userID)
	if err != nil {
		return dispatch.Preferences{}, err
	}

	setBool(&prefs.PushEnabled, u.PushEnabled)
	setBool(&prefs.Transaction, u.Transaction)
	setBool(&prefs.Budget, u.Budget)
	setBool(&prefs.Goal, u.Goal)
	setBool(&prefs.Recurring, u.Recurring)
	setBool(&prefs.Invite, u.Invite)
	setBool(&prefs.FriendRequest, u.FriendRequest)
	setBool(&prefs.Comment, u.Comment)

	if u.QuietHoursStart != nil {
		prefs.QuietHoursStart = strings.TrimSpace(*u.QuietHoursStart)
	}
	if u.QuietHoursEnd != nil {
		prefs.QuietHoursEnd = strings.TrimSpace(*u.QuietHoursEnd)
	}
	if u.Timezone != nil {
		prefs.Timezone = strings.TrimSpace(*u.Timezone)
	}
	if prefs.Timezone == "" {
		prefs.Timezone = dispatch.DefaultTimezone
	}
	if err := validate(prefs); err != nil {
		return dispatch.Preferences{}, err
	}

	prefs.UpdatedAt = s.nowFn().UTC()
	if err := s.store.PutPreferences(ctx, prefs); err != nil {
		return dispatch.Preferences{}, fmt.Errorf("failed to save preferences: %w", err)
	}
	return prefs, nil
}

func validate(p dispatch.Preferences) error {
	// Quiet hours are either fully configured or fully off.
	if (p.QuietHoursStart == "") != (p.QuietHoursEnd == "") {
		return &dispatch.ValidationError{Field: "quietHours", Reason: "start and end must be set together"}
	}
	if p.QuietHoursStart != "" {
		if _, err := ParseClock(p.QuietHoursStart); err != nil {
			return &dispatch.ValidationError{Field: "quietHoursStart", Reason: "must be HH:MM"}
		}
		if _, err := ParseClock(p.QuietHoursEnd); err != nil {
			return &dispatch.ValidationError{Field: "quietHoursEnd", Reason: "must be HH:MM"}
		}
	}
	if _, err := time.LoadLocation(p.Timezone); err != nil {
		return &dispatch.ValidationError{Field: "timezone", Reason: "unknown IANA zone"}
	}
	return nil
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}
