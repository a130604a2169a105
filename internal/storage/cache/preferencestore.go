package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/tinywideclouds/go-push-service/pkg/dispatch"
)

// CachedPreferenceStore adds read-aside caching to any PreferenceStore.
type CachedPreferenceStore struct {
	realStore dispatch.PreferenceStore
	cache     CacheClient
	ttl       time.Duration
	logger    *slog.Logger
	gens      generations
}

// cachedPreferences records whether a row existed so defaults are not
// mistaken for stored values.
type cachedPreferences struct {
	Found bool                 `json:"found"`
	Prefs dispatch.Preferences `json:"prefs"`
}

func NewCachedPreferenceStore(realStore dispatch.PreferenceStore, cache CacheClient, ttl time.Duration, logger *slog.Logger) *CachedPreferenceStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &CachedPreferenceStore{
		realStore: realStore,
		cache:     cache,
		ttl:       ttl,
		logger:    logger.With("component", "CachedPreferenceStore"),
	}
}

func (s *CachedPreferenceStore) GetPreferences(ctx context.Context, userID string) (dispatch.Preferences, bool, error) {
	key := prefsKey(userID)

	var cached cachedPreferences
	if err := s.cache.Get(ctx, key, &cached); err == nil {
		return cached.Prefs, cached.Found, nil
	}

	snapshot := s.gens.current(key)
	prefs, found, err := s.realStore.GetPreferences(ctx, userID)
	if err != nil {
		return dispatch.Preferences{}, false, err
	}
	if !s.gens.unchanged(key, snapshot) {
		return prefs, found, nil
	}
	if err := s.cache.Set(ctx, key, cachedPreferences{Found: found, Prefs: prefs}, s.ttl); err != nil {
		s.logger.Warn("Failed to populate preference cache", "user", userID, "err", err)
	}
	return prefs, found, nil
}

func (s *CachedPreferenceStore) PutPreferences(ctx context.Context, prefs dispatch.Preferences) error {
	if err := s.realStore.PutPreferences(ctx, prefs); err != nil {
		return err
	}
	key := prefsKey(prefs.UserID)
	s.gens.bump(key)
	if err := s.cache.Del(ctx, key); err != nil {
		s.logger.Warn("Failed to invalidate preference cache", "user", prefs.UserID, "err", err)
	}
	return nil
}

func prefsKey(userID string) string {
	return "push:prefs:" + userID
}
