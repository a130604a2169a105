// Package firestore stores device tokens and preferences in Cloud Firestore.
package firestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/tinywideclouds/go-push-service/pkg/dispatch"
)

const (
	tokensCollection = "device_tokens"

	// maxInValues is the Firestore limit on values in an "in" filter.
	maxInValues = 30
)

// TokenStore implements dispatch.TokenRegistry using Google Cloud Firestore.
// One document per (provider, user, device), keyed by a hash of the triple.
type TokenStore struct {
	client *firestore.Client
	nowFn  func() time.Time
}

func NewTokenStore(client *firestore.Client) *TokenStore {
	return &TokenStore{client: client, nowFn: time.Now}
}

// tokenRecord is the stored representation.
type tokenRecord struct {
	Provider     string    `firestore:"provider"`
	UserID       string    `firestore:"user_id"`
	DeviceID     string    `firestore:"device_id"`
	Token        string    `firestore:"token"`
	Active       bool      `firestore:"active"`
	RegisteredAt time.Time `firestore:"registered_at"`
	UpdatedAt    time.Time `firestore:"updated_at"`
}

func (r tokenRecord) toDeviceToken() dispatch.DeviceToken {
	return dispatch.DeviceToken{
		UserID:       r.UserID,
		DeviceID:     r.DeviceID,
		Provider:     dispatch.Provider(r.Provider),
		Token:        r.Token,
		Active:       r.Active,
		RegisteredAt: r.RegisteredAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

func (s *TokenStore) Register(ctx context.Context, userID, deviceID string, provider dispatch.Provider, token string) error {
	ref := s.tokenRef(provider, userID, deviceID)
	now := s.nowFn().UTC()

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		registeredAt := now
		snap, err := tx.Get(ref)
		switch {
		case err == nil:
			var existing tokenRecord
			if err := snap.DataTo(&existing); err == nil && !existing.RegisteredAt.IsZero() {
				registeredAt = existing.RegisteredAt
			}
		case status.Code(err) != codes.NotFound:
			return err
		}

		return tx.Set(ref, tokenRecord{
			Provider:     string(provider),
			UserID:       userID,
			DeviceID:     deviceID,
			Token:        token,
			Active:       true,
			RegisteredAt: registeredAt,
			UpdatedAt:    now,
		})
	})
	if err != nil {
		return fmt.Errorf("failed to register token: %w", err)
	}
	return nil
}

func (s *TokenStore) Deactivate(ctx context.Context, provider dispatch.Provider, userID, deviceID string) error {
	_, err := s.tokenRef(provider, userID, deviceID).Update(ctx, []firestore.Update{
		{Path: "active", Value: false},
		{Path: "updated_at", Value: s.nowFn().UTC()},
	})
	if status.Code(err) == codes.NotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to deactivate token: %w", err)
	}
	return nil
}

func (s *TokenStore) DeactivateByToken(ctx context.Context, provider dispatch.Provider, token string) ([]string, error) {
	query := s.client.Collection(tokensCollection).
		Where("provider", "==", string(provider)).
		Where("token", "==", token).
		Where("active", "==", true)
	now := s.nowFn().UTC()

	var owners []string
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		owners = owners[:0]
		docs, err := tx.Documents(query).GetAll()
		if err != nil {
			return err
		}
		for _, doc := range docs {
			var record tokenRecord
			if err := doc.DataTo(&record); err != nil {
				return err
			}
			if err := tx.Update(doc.Ref, []firestore.Update{
				{Path: "active", Value: false},
				{Path: "updated_at", Value: now},
			}); err != nil {
				return err
			}
			owners = append(owners, record.UserID)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to deactivate token: %w", err)
	}
	return owners, nil
}

func (s *TokenStore) ActiveTokens(ctx context.Context, userIDs []string, provider dispatch.Provider) ([]dispatch.DeviceToken, error) {
	out := make([]dispatch.DeviceToken, 0)
	for start := 0; start < len(userIDs); start += maxInValues {
		end := min(start+maxInValues, len(userIDs))
		iter := s.client.Collection(tokensCollection).
			Where("provider", "==", string(provider)).
			Where("active", "==", true).
			Where("user_id", "in", userIDs[start:end]).
			Documents(ctx)

		records, err := collect(iter)
		if err != nil {
			return nil, fmt.Errorf("failed to query active tokens: %w", err)
		}
		for _, r := range records {
			out = append(out, r.toDeviceToken())
		}
	}
	return out, nil
}

func (s *TokenStore) CountActive(ctx context.Context) (map[dispatch.Provider]int, error) {
	iter := s.client.Collection(tokensCollection).
		Where("active", "==", true).
		Select("provider").
		Documents(ctx)
	defer iter.Stop()

	counts := make(map[dispatch.Provider]int)
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to count active tokens: %w", err)
		}
		if p, ok := doc.Data()["provider"].(string); ok {
			counts[dispatch.Provider(p)]++
		}
	}
	return counts, nil
}

func (s *TokenStore) PurgeStale(ctx context.Context, cutoff time.Time) (int, error) {
	iter := s.client.Collection(tokensCollection).
		Where("updated_at", "<", cutoff.UTC()).
		Documents(ctx)
	defer iter.Stop()

	purged := 0
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return purged, fmt.Errorf("failed to list stale tokens: %w", err)
		}
		if _, err := doc.Ref.Delete(ctx); err != nil {
			return purged, fmt.Errorf("failed to delete stale token: %w", err)
		}
		purged++
	}
	return purged, nil
}

// --- Helpers ---

func (s *TokenStore) tokenRef(provider dispatch.Provider, userID, deviceID string) *firestore.DocumentRef {
	return s.client.Collection(tokensCollection).Doc(tokenDocID(provider, userID, deviceID))
}

// tokenDocID hashes the triple so IDs are uniform and free of reserved characters.
func tokenDocID(provider dispatch.Provider, userID, deviceID string) string {
	sum := sha256.Sum256([]byte(string(provider) + "|" + userID + "|" + deviceID))
	return hex.EncodeToString(sum[:])
}

func collect(iter *firestore.DocumentIterator) ([]tokenRecord, error) {
	defer iter.Stop()
	var records []tokenRecord
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			return records, nil
		}
		if err != nil {
			return nil, err
		}
		var record tokenRecord
		if err := doc.DataTo(&record); err != nil {
			// Skip corrupt rows rather than failing the whole audience.
			continue
		}
		records = append(records, record)
	}
}
