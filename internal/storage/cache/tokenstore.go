package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/tinywideclouds/go-push-service/pkg/dispatch"
)

const DefaultTTL = 10 * time.Minute

// CacheClient defines the subset of Redis commands we need.
type CacheClient interface {
	// Get returns the value or an error if not found.
	Get(ctx context.Context, key string, dest any) error
	// Set stores the value with a TTL.
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	// SetMany stores every entry with the same TTL in one round trip.
	SetMany(ctx context.Context, entries map[string]any, ttl time.Duration) error
	// Del removes the keys.
	Del(ctx context.Context, keys ...string) error
}

// CachedTokenRegistry adds read-aside caching of ActiveTokens to any TokenRegistry.
// Entries are keyed per (provider, user) and dropped on every write that touches them.
type CachedTokenRegistry struct {
	realStore dispatch.TokenRegistry
	cache     CacheClient
	ttl       time.Duration
	logger    *slog.Logger
	gens      generations
}

func NewCachedTokenRegistry(realStore dispatch.TokenRegistry, cache CacheClient, ttl time.Duration, logger *slog.Logger) *CachedTokenRegistry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &CachedTokenRegistry{
		realStore: realStore,
		cache:     cache,
		ttl:       ttl,
		logger:    logger.With("component", "CachedTokenRegistry"),
	}
}

// --- READ PATH (Read-Aside) ---

func (s *CachedTokenRegistry) ActiveTokens(ctx context.Context, userIDs []string, provider dispatch.Provider) ([]dispatch.DeviceToken, error) {
	var out []dispatch.DeviceToken
	var misses []string

	for _, userID := range userIDs {
		var cached []dispatch.DeviceToken
		if err := s.cache.Get(ctx, tokensKey(provider, userID), &cached); err != nil {
			misses = append(misses, userID)
			continue
		}
		out = append(out, cached...)
	}
	if len(misses) == 0 {
		return out, nil
	}

	snapshots := make(map[string]uint64, len(misses))
	for _, userID := range misses {
		key := tokensKey(provider, userID)
		snapshots[key] = s.gens.current(key)
	}

	fresh, err := s.realStore.ActiveTokens(ctx, misses, provider)
	if err != nil {
		return nil, err
	}
	out = append(out, fresh...)

	// Empty lists are cached too, so users without devices stay off the store.
	byUser := make(map[string][]dispatch.DeviceToken, len(misses))
	for _, userID := range misses {
		byUser[userID] = []dispatch.DeviceToken{}
	}
	for _, t := range fresh {
		byUser[t.UserID] = append(byUser[t.UserID], t)
	}
	entries := make(map[string]any, len(byUser))
	for userID, tokens := range byUser {
		key := tokensKey(provider, userID)
		if !s.gens.unchanged(key, snapshots[key]) {
			// invalidated while we were reading; the list may already be stale
			continue
		}
		entries[key] = tokens
	}
	if len(entries) == 0 {
		return out, nil
	}
	if err := s.cache.SetMany(ctx, entries, s.ttl); err != nil {
		s.logger.Warn("Failed to populate token cache", "users", len(entries), "err", err)
	}
	return out, nil
}

// --- WRITE PATH (Invalidate) ---

func (s *CachedTokenRegistry) Register(ctx context.Context, userID, deviceID string, provider dispatch.Provider, token string) error {
	if err := s.realStore.Register(ctx, userID, deviceID, provider, token); err != nil {
		return err
	}
	s.invalidate(ctx, provider, userID)
	return nil
}

func (s *CachedTokenRegistry) Deactivate(ctx context.Context, provider dispatch.Provider, userID, deviceID string) error {
	if err := s.realStore.Deactivate(ctx, provider, userID, deviceID); err != nil {
		return err
	}
	s.invalidate(ctx, provider, userID)
	return nil
}

func (s *CachedTokenRegistry) DeactivateByToken(ctx context.Context, provider dispatch.Provider, token string) ([]string, error) {
	owners, err := s.realStore.DeactivateByToken(ctx, provider, token)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, provider, owners...)
	return owners, nil
}

func (s *CachedTokenRegistry) CountActive(ctx context.Context) (map[dispatch.Provider]int, error) {
	return s.realStore.CountActive(ctx)
}

// PurgeStale only removes inactive or untouched rows, so cached active lists
// age out through the TTL.
func (s *CachedTokenRegistry) PurgeStale(ctx context.Context, cutoff time.Time) (int, error) {
	return s.realStore.PurgeStale(ctx, cutoff)
}

func (s *CachedTokenRegistry) invalidate(ctx context.Context, provider dispatch.Provider, userIDs ...string) {
	if len(userIDs) == 0 {
		return
	}
	keys := make([]string, len(userIDs))
	for i, userID := range userIDs {
		keys[i] = tokensKey(provider, userID)
		s.gens.bump(keys[i])
	}
	if err := s.cache.Del(ctx, keys...); err != nil {
		// The TTL bounds how long a stale list can be served.
		s.logger.Warn("Failed to invalidate token cache", "provider", provider, "users", len(keys), "err", err)
	}
}

func tokensKey(provider dispatch.Provider, userID string) string {
	return "push:tokens:" + string(provider) + ":" + userID
}
