package dispatch

import (
	"context"
	"time"
)

// ProviderClient defines the contract for a component that can send notifications
// to a specific push backend (e.g., Google's FCM, Expo).
type ProviderClient interface {
	// Provider identifies the backend this client talks to.
	Provider() Provider

	// BatchLimit is the maximum number of tokens accepted by a single Send call.
	BatchLimit() int

	// Send delivers the message to a batch of provider tokens.
	// The returned results are aligned 1:1 with tokens, in the same order.
	// A non-nil error means the call as a whole failed and no per-token outcome is known.
	Send(ctx context.Context, tokens []string, msg Message) ([]DeliveryResult, error)
}

// ReceiptResolver is implemented by ticket-based providers that confirm delivery
// with a follow-up call.
type ReceiptResolver interface {
	Provider() Provider

	// ReceiptBatchLimit is the maximum number of ticket IDs per Receipts call.
	ReceiptBatchLimit() int

	// Receipts resolves ticket IDs. IDs missing from the result are not yet available.
	Receipts(ctx context.Context, ticketIDs []string) (map[string]Receipt, error)
}

// ReceiptQueue accepts tickets for asynchronous confirmation. Enqueue must not block.
type ReceiptQueue interface {
	Enqueue(checks []ReceiptCheck)
}

// TokenRegistry defines the contract for managing user device tokens.
// It is the source of truth for "who can be reached".
type TokenRegistry interface {
	// Register upserts the token for (provider, userID, deviceID) and marks it active.
	Register(ctx context.Context, userID, deviceID string, provider Provider, token string) error

	// Deactivate marks the (provider, userID, deviceID) row inactive.
	Deactivate(ctx context.Context, provider Provider, userID, deviceID string) error

	// DeactivateByToken marks every active row holding token inactive and
	// returns the owners whose rows changed.
	DeactivateByToken(ctx context.Context, provider Provider, token string) ([]string, error)

	// ActiveTokens returns the active tokens of the given users for one provider.
	ActiveTokens(ctx context.Context, userIDs []string, provider Provider) ([]DeviceToken, error)

	// CountActive returns the number of active tokens per provider.
	CountActive(ctx context.Context) (map[Provider]int, error)

	// PurgeStale deletes rows last updated before cutoff.
	PurgeStale(ctx context.Context, cutoff time.Time) (int, error)
}

// PreferenceStore persists per-user notification preferences.
type PreferenceStore interface {
	// GetPreferences returns the stored preferences and whether a row exists.
	GetPreferences(ctx context.Context, userID string) (Preferences, bool, error)

	// PutPreferences replaces the stored preferences for prefs.UserID.
	PutPreferences(ctx context.Context, prefs Preferences) error
}
