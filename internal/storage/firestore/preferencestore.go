package firestore

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tinywideclouds/go-push-service/pkg/dispatch"
)

const preferencesCollection = "notification_preferences"

// PreferenceStore implements dispatch.PreferenceStore with one document per user.
type PreferenceStore struct {
	client *firestore.Client
}

func NewPreferenceStore(client *firestore.Client) *PreferenceStore {
	return &PreferenceStore{client: client}
}

func (s *PreferenceStore) GetPreferences(ctx context.Context, userID string) (dispatch.Preferences, bool, error) {
	snap, err := s.client.Collection(preferencesCollection).Doc(userID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return dispatch.Preferences{}, false, nil
	}
	if err != nil {
		return dispatch.Preferences{}, false, fmt.Errorf("failed to load preferences: %w", err)
	}

	var prefs dispatch.Preferences
	if err := snap.DataTo(&prefs); err != nil {
		return dispatch.Preferences{}, false, fmt.Errorf("failed to decode preferences: %w", err)
	}
	prefs.UserID = userID
	return prefs, true, nil
}

func (s *PreferenceStore) PutPreferences(ctx context.Context, prefs dispatch.Preferences) error {
	if _, err := s.client.Collection(preferencesCollection).Doc(prefs.UserID).Set(ctx, prefs); err != nil {
		return fmt.Errorf("failed to save preferences: %w", err)
	}
	return nil
}
