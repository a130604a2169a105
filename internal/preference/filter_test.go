package preference_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-push-service/internal/preference"
	"github.com/tinywideclouds/go-push-service/internal/storage/memory"
	"github.com/tinywideclouds/go-push-service/pkg/dispatch"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type mockPreferenceStore struct {
	mock.Mock
}

func (m *mockPreferenceStore) GetPreferences(ctx context.Context, userID string) (dispatch.Preferences, bool, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(dispatch.Preferences), args.Bool(1), args.Error(2)
}

func (m *mockPreferenceStore) PutPreferences(ctx context.Context, prefs dispatch.Preferences) error {
	return m.Called(ctx, prefs).Error(0)
}

func at(hour, minute int) time.Time {
	return time.Date(2026, 3, 14, hour, minute, 0, 0, time.UTC)
}

func TestInQuietHours(t *testing.T) {
	testCases := []struct {
		name       string
		start, end string
		now        time.Time
		quiet      bool
	}{
		{name: "Wrapping window allows noon", start: "22:00", end: "06:00", now: at(12, 0), quiet: false},
		{name: "Wrapping window blocks late evening", start: "22:00", end: "06:00", now: at(23, 30), quiet: true},
		{name: "Wrapping window blocks early morning", start: "22:00", end: "06:00", now: at(3, 0), quiet: true},
		{name: "Window end is exclusive", start: "22:00", end: "06:00", now: at(6, 0), quiet: false},
		{name: "Window start is inclusive", start: "22:00", end: "06:00", now: at(22, 0), quiet: true},
		{name: "Daytime window", start: "09:00", end: "17:00", now: at(13, 0), quiet: true},
		{name: "Daytime window outside", start: "09:00", end: "17:00", now: at(18, 0), quiet: false},
		{name: "Equal bounds disable quiet hours", start: "08:00", end: "08:00", now: at(8, 0), quiet: false},
		{name: "Empty bounds disable quiet hours", start: "", end: "", now: at(3, 0), quiet: false},
		{name: "Garbage bounds disable quiet hours", start: "late", end: "06:00", now: at(3, 0), quiet: false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.quiet, preference.InQuietHours(tc.start, tc.end, tc.now))
		})
	}
}

func TestFilter_IsAllowed(t *testing.T) {
	ctx := context.Background()
	logger := newTestLogger()

	t.Run("Missing preferences default to allowed", func(t *testing.T) {
		filter := preference.NewFilter(memory.NewPreferenceStore(), logger)
		ok, err := filter.IsAllowed(ctx, "user-1", dispatch.CategoryBudget, at(3, 0))
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("Category toggle off blocks only that category", func(t *testing.T) {
		store := memory.NewPreferenceStore()
		prefs := dispatch.DefaultPreferences("user-1", at(0, 0))
		prefs.Budget = false
		require.NoError(t, store.PutPreferences(ctx, prefs))
		filter := preference.NewFilter(store, logger)

		ok, err := filter.IsAllowed(ctx, "user-1", dispatch.CategoryBudget, at(12, 0))
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = filter.IsAllowed(ctx, "user-1", dispatch.CategoryTransaction, at(12, 0))
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("Global flag off blocks everything", func(t *testing.T) {
		store := memory.NewPreferenceStore()
		prefs := dispatch.DefaultPreferences("user-1", at(0, 0))
		prefs.PushEnabled = false
		require.NoError(t, store.PutPreferences(ctx, prefs))
		filter := preference.NewFilter(store, logger)

		ok, err := filter.IsAllowed(ctx, "user-1", dispatch.CategorySystem, at(12, 0))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Quiet hours are evaluated in the user's timezone", func(t *testing.T) {
		store := memory.NewPreferenceStore()
		prefs := dispatch.DefaultPreferences("user-1", at(0, 0))
		prefs.QuietHoursStart = "22:00"
		prefs.QuietHoursEnd = "06:00"
		prefs.Timezone = "Asia/Seoul" // UTC+9, no DST
		require.NoError(t, store.PutPreferences(ctx, prefs))
		filter := preference.NewFilter(store, logger)

		// 15:00 UTC is 00:00 in Seoul.
		ok, err := filter.IsAllowed(ctx, "user-1", dispatch.CategoryTransaction, at(15, 0))
		require.NoError(t, err)
		assert.False(t, ok)

		// 03:00 UTC is 12:00 in Seoul.
		ok, err = filter.IsAllowed(ctx, "user-1", dispatch.CategoryTransaction, at(3, 0))
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("Store errors are surfaced", func(t *testing.T) {
		store := new(mockPreferenceStore)
		store.On("GetPreferences", mock.Anything, "user-1").Return(dispatch.Preferences{}, false, errors.New("db down"))
		filter := preference.NewFilter(store, logger)

		_, err := filter.IsAllowed(ctx, "user-1", dispatch.CategoryTransaction, at(12, 0))
		require.Error(t, err)
	})
}

func TestFilter_FilterAudience(t *testing.T) {
	ctx := context.Background()
	logger := newTestLogger()

	store := new(mockPreferenceStore)
	blocked := dispatch.DefaultPreferences("user-2", at(0, 0))
	blocked.Budget = false
	store.On("GetPreferences", mock.Anything, "user-1").Return(dispatch.Preferences{}, false, nil).Once()
	store.On("GetPreferences", mock.Anything, "user-2").Return(blocked, true, nil).Once()
	store.On("GetPreferences", mock.Anything, "user-3").Return(dispatch.Preferences{}, false, errors.New("timeout")).Once()

	filter := preference.NewFilter(store, logger)
	allowed := filter.FilterAudience(ctx, []string{"user-1", "user-1", "user-2", "", "user-3"}, dispatch.CategoryBudget, at(12, 0))

	// user-1 once (duplicates removed), user-2 blocked, user-3 fails open.
	assert.ElementsMatch(t, []string{"user-1", "user-3"}, allowed)
	store.AssertExpectations(t)
}
