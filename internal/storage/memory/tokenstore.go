// Package memory provides process-local registry and preference stores.
// They back local runs and unit tests; state is lost on restart.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/tinywideclouds/go-push-service/pkg/dispatch"
)

type tokenKey struct {
	provider dispatch.Provider
	userID   string
	deviceID string
}

// TokenStore implements dispatch.TokenRegistry over a map guarded by a RWMutex.
type TokenStore struct {
	mu    sync.RWMutex
	rows  map[tokenKey]dispatch.DeviceToken
	nowFn func() time.Time
}

func NewTokenStore() *TokenStore {
	return &TokenStore{
		rows:  make(map[tokenKey]dispatch.DeviceToken),
		nowFn: time.Now,
	}
}

func (s *TokenStore) Register(_ context.Context, userID, deviceID string, provider dispatch.Provider, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFn().UTC()
	key := tokenKey{provider: provider, userID: userID, deviceID: deviceID}
	row, exists := s.rows[key]
	if !exists {
		row = dispatch.DeviceToken{
			UserID:       userID,
			DeviceID:     deviceID,
			Provider:     provider,
			RegisteredAt: now,
		}
	}
	row.Token = token
	row.Active = true
	row.UpdatedAt = now
	s.rows[key] = row
	return nil
}

func (s *TokenStore) Deactivate(_ context.Context, provider dispatch.Provider, userID, deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := tokenKey{provider: provider, userID: userID, deviceID: deviceID}
	if row, ok := s.rows[key]; ok && row.Active {
		row.Active = false
		row.UpdatedAt = s.nowFn().UTC()
		s.rows[key] = row
	}
	return nil
}

func (s *TokenStore) DeactivateByToken(_ context.Context, provider dispatch.Provider, token string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var owners []string
	now := s.nowFn().UTC()
	for key, row := range s.rows {
		if key.provider != provider || row.Token != token || !row.Active {
			continue
		}
		row.Active = false
		row.UpdatedAt = now
		s.rows[key] = row
		owners = append(owners, row.UserID)
	}
	return owners, nil
}

func (s *TokenStore) ActiveTokens(_ context.Context, userIDs []string, provider dispatch.Provider) ([]dispatch.DeviceToken, error) {
	if len(userIDs) == 0 {
		return []dispatch.DeviceToken{}, nil
	}
	wanted := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		wanted[id] = struct{}{}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]dispatch.DeviceToken, 0)
	for key, row := range s.rows {
		if key.provider != provider || !row.Active {
			continue
		}
		if _, ok := wanted[key.userID]; ok {
			out = append(out, row)
		}
	}
	return out, nil
}

func (s *TokenStore) CountActive(_ context.Context) (map[dispatch.Provider]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[dispatch.Provider]int)
	for key, row := range s.rows {
		if row.Active {
			counts[key.provider]++
		}
	}
	return counts, nil
}

func (s *TokenStore) PurgeStale(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for key, row := range s.rows {
		if row.UpdatedAt.Before(cutoff) {
			delete(s.rows, key)
			purged++
		}
	}
	return purged, nil
}
