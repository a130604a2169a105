package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/tinywideclouds/go-push-service/pkg/dispatch"
)

// TokenStore implements dispatch.TokenRegistry over the device_tokens table.
type TokenStore struct {
	db    DB
	nowFn func() time.Time
}

func NewTokenStore(db DB) *TokenStore {
	return &TokenStore{db: db, nowFn: time.Now}
}

func (s *TokenStore) Register(ctx context.Context, userID, deviceID string, provider dispatch.Provider, token string) error {
	now := s.nowFn().UTC()
	_, err := s.db.Exec(ctx, `
		INSERT INTO device_tokens (provider, user_id, device_id, token, active, registered_at, updated_at)
		VALUES ($1, $2, $3, $4, TRUE, $5, $5)
		ON CONFLICT (provider, user_id, device_id) DO UPDATE SET
			token = EXCLUDED.token,
			active = TRUE,
			updated_at = EXCLUDED.updated_at
	`, string(provider), userID, deviceID, token, now)
	if err != nil {
		return fmt.Errorf("failed to register token: %w", err)
	}
	return nil
}

func (s *TokenStore) Deactivate(ctx context.Context, provider dispatch.Provider, userID, deviceID string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE device_tokens SET active = FALSE, updated_at = $4
		WHERE provider = $1 AND user_id = $2 AND device_id = $3 AND active
	`, string(provider), userID, deviceID, s.nowFn().UTC())
	if err != nil {
		return fmt.Errorf("failed to deactivate token: %w", err)
	}
	return nil
}

func (s *TokenStore) DeactivateByToken(ctx context.Context, provider dispatch.Provider, token string) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		UPDATE device_tokens SET active = FALSE, updated_at = $3
		WHERE provider = $1 AND token = $2 AND active
		RETURNING user_id
	`, string(provider), token, s.nowFn().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to deactivate token: %w", err)
	}
	owners, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to read deactivated owners: %w", err)
	}
	return owners, nil
}

func (s *TokenStore) ActiveTokens(ctx context.Context, userIDs []string, provider dispatch.Provider) ([]dispatch.DeviceToken, error) {
	if len(userIDs) == 0 {
		return []dispatch.DeviceToken{}, nil
	}
	rows, err := s.db.Query(ctx, `
		SELECT user_id, device_id, token, registered_at, updated_at
		FROM device_tokens
		WHERE provider = $1 AND active AND user_id = ANY($2)
	`, string(provider), userIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to query active tokens: %w", err)
	}
	defer rows.Close()

	out := make([]dispatch.DeviceToken, 0)
	for rows.Next() {
		t := dispatch.DeviceToken{Provider: provider, Active: true}
		if err := rows.Scan(&t.UserID, &t.DeviceID, &t.Token, &t.RegisteredAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *TokenStore) CountActive(ctx context.Context) (map[dispatch.Provider]int, error) {
	rows, err := s.db.Query(ctx, `
		SELECT provider, COUNT(*) FROM device_tokens WHERE active GROUP BY provider
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to count active tokens: %w", err)
	}
	defer rows.Close()

	counts := make(map[dispatch.Provider]int)
	for rows.Next() {
		var provider string
		var n int64
		if err := rows.Scan(&provider, &n); err != nil {
			return nil, err
		}
		counts[dispatch.Provider(provider)] = int(n)
	}
	return counts, rows.Err()
}

func (s *TokenStore) PurgeStale(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM device_tokens WHERE updated_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge stale tokens: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
