// Package preference gates dispatches against per-user notification settings.
package preference

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tinywideclouds/go-push-service/pkg/dispatch"
)

// Filter answers "may this user be notified about this category right now".
// It never writes to the store; users without a row get the all-enabled defaults.
type Filter struct {
	store     dispatch.PreferenceStore
	logger    *slog.Logger
	locations sync.Map // tz name -> *time.Location
}

func NewFilter(store dispatch.PreferenceStore, logger *slog.Logger) *Filter {
	return &Filter{
		store:  store,
		logger: logger.With("component", "PreferenceFilter"),
	}
}

// IsAllowed loads the user's preferences and evaluates them at the given instant.
func (f *Filter) IsAllowed(ctx context.Context, userID string, category dispatch.Category, at time.Time) (bool, error) {
	prefs, found, err := f.store.GetPreferences(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("failed to load preferences for %s: %w", userID, err)
	}
	if !found {
		prefs = dispatch.DefaultPreferences(userID, at)
	}
	return Allows(prefs, category, at.In(f.location(prefs.Timezone))), nil
}

// FilterAudience de-duplicates userIDs and keeps the users that may be notified.
// A store failure for one user is logged and treated as allowed.
func (f *Filter) FilterAudience(ctx context.Context, userIDs []string, category dispatch.Category, at time.Time) []string {
	seen := make(map[string]struct{}, len(userIDs))
	allowed := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		ok, err := f.IsAllowed(ctx, id, category, at)
		if err != nil {
			f.logger.Warn("Preference lookup failed, allowing dispatch", "user", id, "err", err)
			ok = true
		}
		if ok {
			allowed = append(allowed, id)
		}
	}
	return allowed
}

func (f *Filter) location(name string) *time.Location {
	if name == "" || name == dispatch.DefaultTimezone {
		return time.UTC
	}
	if loc, ok := f.locations.Load(name); ok {
		return loc.(*time.Location)
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		f.logger.Warn("Unknown timezone, using UTC", "timezone", name, "err", err)
		loc = time.UTC
	}
	f.locations.Store(name, loc)
	return loc
}

// Allows evaluates prefs for a category at localTime, which must already be in the user's zone.
func Allows(prefs dispatch.Preferences, category dispatch.Category, localTime time.Time) bool {
	if !prefs.PushEnabled || !prefs.CategoryEnabled(category) {
		return false
	}
	return !InQuietHours(prefs.QuietHoursStart, prefs.QuietHoursEnd, localTime)
}

// InQuietHours reports whether localTime falls in [start, end). A window with
// start after end wraps midnight; start == end, or an unparsable bound, disables it.
func InQuietHours(start, end string, localTime time.Time) bool {
	startMin, err := ParseClock(start)
	if err != nil {
		return false
	}
	endMin, err := ParseClock(end)
	if err != nil {
		return false
	}
	if startMin == endMin {
		return false
	}
	now := localTime.Hour()*60 + localTime.Minute()
	if startMin < endMin {
		return now >= startMin && now < endMin
	}
	return now >= startMin || now < endMin
}

// ParseClock converts "HH:MM" into minutes after midnight.
func ParseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not HH:MM", dispatch.ErrValidation, s)
	}
	return t.Hour()*60 + t.Minute(), nil
}
