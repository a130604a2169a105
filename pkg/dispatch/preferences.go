package dispatch

import "time"

// DefaultTimezone is used when a user has not chosen one.
const DefaultTimezone = "UTC"

// Preferences are the per-user notification settings.
// QuietHoursStart and QuietHoursEnd are local "HH:MM" times; equal or empty values disable quiet hours.
type Preferences struct {
	UserID          string    `json:"userId" firestore:"user_id"`
	PushEnabled     bool      `json:"pushEnabled" firestore:"push_enabled"`
	Transaction     bool      `json:"transaction" firestore:"transaction"`
	Budget          bool      `json:"budget" firestore:"budget"`
	Goal            bool      `json:"goal" firestore:"goal"`
	Recurring       bool      `json:"recurring" firestore:"recurring"`
	Invite          bool      `json:"invite" firestore:"invite"`
	FriendRequest   bool      `json:"friendRequest" firestore:"friend_request"`
	Comment         bool      `json:"comment" firestore:"comment"`
	QuietHoursStart string    `json:"quietHoursStart,omitempty" firestore:"quiet_start"`
	QuietHoursEnd   string    `json:"quietHoursEnd,omitempty" firestore:"quiet_end"`
	Timezone        string    `json:"timezone,omitempty" firestore:"timezone"`
	UpdatedAt       time.Time `json:"updatedAt" firestore:"updated_at"`
}

// DefaultPreferences has every toggle enabled and no quiet hours.
func DefaultPreferences(userID string, now time.Time) Preferences {
	return Preferences{
		UserID:        userID,
		PushEnabled:   true,
		Transaction:   true,
		Budget:        true,
		Goal:          true,
		Recurring:     true,
		Invite:        true,
		FriendRequest: true,
		Comment:       true,
		Timezone:      DefaultTimezone,
		UpdatedAt:     now.UTC(),
	}
}

// CategoryEnabled reports the toggle for c. CategorySystem is always enabled.
func (p Preferences) CategoryEnabled(c Category) bool {
	switch c {
	case CategoryTransaction:
		return p.Transaction
	case CategoryBudget:
		return p.Budget
	case CategoryGoal:
		return p.Goal
	case CategoryRecurring:
		return p.Recurring
	case CategoryInvite:
		return p.Invite
	case CategoryFriendRequest:
		return p.FriendRequest
	case CategoryComment:
		return p.Comment
	case CategorySystem:
		return true
	default:
		return false
	}
}
