package memory

import (
	"context"
	"sync"

	"github.com/tinywideclouds/go-push-service/pkg/dispatch"
)

// PreferenceStore implements dispatch.PreferenceStore in memory.
type PreferenceStore struct {
	mu   sync.RWMutex
	rows map[string]dispatch.Preferences
}

func NewPreferenceStore() *PreferenceStore {
	return &PreferenceStore{rows: make(map[string]dispatch.Preferences)}
}

func (s *PreferenceStore) GetPreferences(_ context.Context, userID string) (dispatch.Preferences, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.rows[userID]
	return p, ok, nil
}

func (s *PreferenceStore) PutPreferences(_ context.Context, prefs dispatch.Preferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[prefs.UserID] = prefs
	return nil
}
