package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/tinywideclouds/go-push-service/pkg/dispatch"
)

// PreferenceStore implements dispatch.PreferenceStore over notification_preferences.
type PreferenceStore struct {
	db DB
}

func NewPreferenceStore(db DB) *PreferenceStore {
	return &PreferenceStore{db: db}
}

func (s *PreferenceStore) GetPreferences(ctx context.Context, userID string) (dispatch.Preferences, bool, error) {
	p := dispatch.Preferences{UserID: userID}
	err := s.db.QueryRow(ctx, `
		SELECT push_enabled, transaction_alerts, budget_alerts, goal_alerts, recurring_alerts,
			invite_alerts, friend_request_alerts, comment_alerts,
			quiet_start, quiet_end, timezone, updated_at
		FROM notification_preferences
		WHERE user_id = $1
	`, userID).Scan(
		&p.PushEnabled, &p.Transaction, &p.Budget, &p.Goal, &p.Recurring,
		&p.Invite, &p.FriendRequest, &p.Comment,
		&p.QuietHoursStart, &p.QuietHoursEnd, &p.Timezone, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return dispatch.Preferences{}, false, nil
	}
	if err != nil {
		return dispatch.Preferences{}, false, fmt.Errorf("failed to load preferences: %w", err)
	}
	return p, true, nil
}

func (s *PreferenceStore) PutPreferences(ctx context.Context, p dispatch.Preferences) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO notification_preferences (
			user_id, push_enabled, transaction_alerts, budget_alerts, goal_alerts, recurring_alerts,
			invite_alerts, friend_request_alerts, comment_alerts,
			quiet_start, quiet_end, timezone, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		ON CONFLICT (user_id) DO UPDATE SET
			push_enabled=EXCLUDED.push_enabled,
			transaction_alerts=EXCLUDED.transaction_alerts,
			budget_alerts=EXCLUDED.budget_alerts,
			goal_alerts=EXCLUDED.goal_alerts,
			recurring_alerts=EXCLUDED.recurring_alerts,
			invite_alerts=EXCLUDED.invite_alerts,
			friend_request_alerts=EXCLUDED.friend_request_alerts,
			comment_alerts=EXCLUDED.comment_alerts,
			quiet_start=EXCLUDED.quiet_start,
			quiet_end=EXCLUDED.quiet_end,
			timezone=EXCLUDED.timezone,
			updated_at=EXCLUDED.updated_at
	`, p.UserID, p.PushEnabled, p.Transaction, p.Budget, p.Goal, p.Recurring,
		p.Invite, p.FriendRequest, p.Comment,
		p.QuietHoursStart, p.QuietHoursEnd, p.Timezone, p.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save preferences: %w", err)
	}
	return nil
}
