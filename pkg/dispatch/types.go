// Package dispatch contains the public contracts and domain types shared by the
// push dispatch pipeline: providers, tokens, delivery results, requests and summaries.
package dispatch

import (
	"fmt"
	"strings"
	"time"
)

// Provider names a push backend.
type Provider string

const (
	// ProviderFCM is the token-based, synchronous gateway.
	ProviderFCM Provider = "fcm"
	// ProviderExpo is the ticket/receipt based gateway.
	ProviderExpo Provider = "expo"
	// ProviderAPNS talks to Apple directly, one request per token.
	ProviderAPNS Provider = "apns"
	// ProviderWeb sends VAPID Web Push; the token is a JSON PushSubscription.
	ProviderWeb Provider = "web"
)

// Providers lists every provider known to the service, in a stable order.
var Providers = []Provider{ProviderFCM, ProviderExpo, ProviderAPNS, ProviderWeb}

// ParseProvider normalises a provider name.
func ParseProvider(s string) (Provider, error) {
	p := Provider(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Providers {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownProvider, s)
}

// DeviceToken identifies one installation of the app on one device for one provider.
type DeviceToken struct {
	UserID       string    `json:"userId"`
	DeviceID     string    `json:"deviceId"`
	Provider     Provider  `json:"provider"`
	Token        string    `json:"token"`
	Active       bool      `json:"active"`
	RegisteredAt time.Time `json:"registeredAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Outcome classifies one send attempt for one token.
type Outcome string

const (
	OutcomeAccepted       Outcome = "ACCEPTED"
	OutcomeInvalidToken   Outcome = "REJECTED_INVALID_TOKEN"
	OutcomeTransient      Outcome = "REJECTED_TRANSIENT"
	OutcomePendingReceipt Outcome = "PENDING_RECEIPT"
)

// Outcomes lists every outcome, in a stable order.
var Outcomes = []Outcome{OutcomeAccepted, OutcomePendingReceipt, OutcomeInvalidToken, OutcomeTransient}

// DeliveryResult is the outcome of one send attempt for one (token, provider).
type DeliveryResult struct {
	Token    string   `json:"-"`
	Provider Provider `json:"provider"`
	Outcome  Outcome  `json:"outcome"`
	// TicketID is set by ticket-based providers for ACCEPTED/PENDING_RECEIPT entries.
	TicketID string `json:"ticketId,omitempty"`
	// Reason carries the provider error code or transport error text.
	Reason string `json:"reason,omitempty"`
}

// Message is the provider-agnostic payload handed to a ProviderClient.
type Message struct {
	Title string
	Body  string
	Data  map[string]string
}

// Category gates a dispatch against per-user toggles.
type Category string

const (
	CategoryTransaction   Category = "transaction"
	CategoryBudget        Category = "budget"
	CategoryGoal          Category = "goal"
	CategoryRecurring     Category = "recurring"
	CategoryInvite        Category = "invite"
	CategoryFriendRequest Category = "friend_request"
	CategoryComment       Category = "comment"
	// CategorySystem is not tied to a user toggle.
	CategorySystem Category = "system"
)

// Categories lists every category a Request may carry.
var Categories = []Category{
	CategoryTransaction, CategoryBudget, CategoryGoal, CategoryRecurring,
	CategoryInvite, CategoryFriendRequest, CategoryComment, CategorySystem,
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// Request is one dispatch invocation from an event producer. It is never persisted.
type Request struct {
	Audience    []string          `json:"audience"`
	Category    Category          `json:"category"`
	Title       string            `json:"title"`
	Body        string            `json:"body"`
	Data        map[string]string `json:"data,omitempty"`
	Action      string            `json:"action,omitempty"`
	ScheduledAt *time.Time        `json:"scheduledAt,omitempty"`
}

// ActionDataKey is the data key the action identifier is delivered under.
const ActionDataKey = "action"

// MaxDataBytes caps the data map, keys and values together, including the
// action. FCM rejects larger payloads with an error indistinguishable from a
// bad token.
const MaxDataBytes = 4096

// Validate rejects requests that must never reach a provider.
func (r Request) Validate() error {
	if strings.TrimSpace(r.Title) == "" {
		return &ValidationError{Field: "title", Reason: "must not be empty"}
	}
	if strings.TrimSpace(r.Body) == "" {
		return &ValidationError{Field: "body", Reason: "must not be empty"}
	}
	if !r.Category.Valid() {
		return &ValidationError{Field: "category", Reason: fmt.Sprintf("unknown category %q", r.Category)}
	}
	if n := r.dataBytes(); n > MaxDataBytes {
		return &ValidationError{Field: "data", Reason: fmt.Sprintf("%d bytes exceeds the %d byte limit", n, MaxDataBytes)}
	}
	return nil
}

func (r Request) dataBytes() int {
	n := 0
	for k, v := range r.Data {
		if k == ActionDataKey && r.Action != "" {
			continue
		}
		n += len(k) + len(v)
	}
	if r.Action != "" {
		n += len(ActionDataKey) + len(r.Action)
	}
	return n
}

// Message builds the provider payload, folding the action into the data map.
func (r Request) Message() Message {
	data := make(map[string]string, len(r.Data)+1)
	for k, v := range r.Data {
		data[k] = v
	}
	if r.Action != "" {
		data[ActionDataKey] = r.Action
	}
	return Message{Title: r.Title, Body: r.Body, Data: data}
}

// ProviderSummary aggregates outcomes for one provider within a dispatch.
type ProviderSummary struct {
	Tokens int             `json:"tokens"`
	Calls  int             `json:"calls"`
	Counts map[Outcome]int `json:"counts"`
}

// Summary aggregates the outcome of one dispatch.
type Summary struct {
	DispatchID    string                       `json:"dispatchId"`
	Category      Category                     `json:"category"`
	Requested     int                          `json:"requested"`
	Recipients    int                          `json:"recipients"`
	Suppressed    int                          `json:"suppressed"`
	Tokens        int                          `json:"tokens"`
	Counts        map[Outcome]int              `json:"counts"`
	PerProvider   map[Provider]ProviderSummary `json:"perProvider,omitempty"`
	InvalidTokens []string                     `json:"-"`
	Deactivated   int                          `json:"deactivated"`
	TicketsQueued int                          `json:"ticketsQueued"`
	Errors        []string                     `json:"errors,omitempty"`
	Scheduled     bool                         `json:"scheduled,omitempty"`
	StartedAt     time.Time                    `json:"startedAt"`
	Duration      time.Duration                `json:"duration"`
}

// ReceiptCheck is a ticket queued for a later receipt poll.
type ReceiptCheck struct {
	TicketID string
	Provider Provider
	// Token is the source token the ticket was issued for.
	Token    string
	IssuedAt time.Time
}

// ReceiptStatus is the resolved state of a ticket.
type ReceiptStatus string

const (
	ReceiptDelivered ReceiptStatus = "DELIVERED"
	ReceiptFailed    ReceiptStatus = "FAILED"
)

// Receipt is the eventual delivery outcome for a ticket.
type Receipt struct {
	Status ReceiptStatus
	// TokenInvalid is set when the failure proves the source token is permanently unusable.
	TokenInvalid bool
	Reason       string
}
