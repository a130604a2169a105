package dispatch_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"

	"github.com/tinywideclouds/go-push-service/pkg/dispatch"
)

func TestParseProvider(t *testing.T) {
	p, err := dispatch.ParseProvider("  FCM ")
	require.NoError(t, err)
	assert.Equal(t, dispatch.ProviderFCM, p)

	_, err = dispatch.ParseProvider("pigeon")
	assert.ErrorIs(t, err, dispatch.ErrUnknownProvider)
}

func TestValidateToken(t *testing.T) {
	validWeb := `{"endpoint":"https://push.example.com/abc","keys":{"p256dh":"key","auth":"secret"}}`

	testCases := []struct {
		name     string
		provider dispatch.Provider
		token    string
		wantErr  error
	}{
		{"fcm ok", dispatch.ProviderFCM, "fcm-registration-token:APA91b", nil},
		{"fcm whitespace", dispatch.ProviderFCM, "bad token", dispatch.ErrInvalidToken},
		{"empty", dispatch.ProviderFCM, "   ", dispatch.ErrInvalidToken},
		{"expo bracketed", dispatch.ProviderExpo, "ExponentPushToken[xxxxxxxxxxxxxxxxxxxxxx]", nil},
		{"expo new prefix", dispatch.ProviderExpo, "ExpoPushToken[yyyy]", nil},
		{"expo uuid", dispatch.ProviderExpo, "F5741A13-BCDA-434B-A316-5DC0E6FFA94F", nil},
		{"expo garbage", dispatch.ProviderExpo, "not-a-token", dispatch.ErrInvalidToken},
		{"apns hex", dispatch.ProviderAPNS, strings.Repeat("ab", 32), nil},
		{"apns short", dispatch.ProviderAPNS, "abcd", dispatch.ErrInvalidToken},
		{"web ok", dispatch.ProviderWeb, validWeb, nil},
		{"web not json", dispatch.ProviderWeb, "https://push.example.com", dispatch.ErrInvalidToken},
		{"web missing keys", dispatch.ProviderWeb, `{"endpoint":"https://push.example.com/abc"}`, dispatch.ErrInvalidToken},
		{"unknown provider", dispatch.Provider("sms"), "whatever", dispatch.ErrUnknownProvider},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := dispatch.ValidateToken(tc.provider, tc.token)
			if tc.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "short", dispatch.Redact("short"))
	assert.Equal(t, "ExponentPush...", dispatch.Redact("ExponentPushToken[abc]"))
}

func TestRequest_Validate(t *testing.T) {
	base := dispatch.Request{Audience: []string{"u1"}, Category: dispatch.CategoryGoal, Title: "Goal reached", Body: "Nice"}
	require.NoError(t, base.Validate())

	t.Run("Empty title", func(t *testing.T) {
		r := base
		r.Title = " "
		var vErr *dispatch.ValidationError
		err := r.Validate()
		require.True(t, errors.As(err, &vErr))
		assert.Equal(t, "title", vErr.Field)
		assert.ErrorIs(t, err, dispatch.ErrValidation)
	})

	t.Run("Empty body", func(t *testing.T) {
		r := base
		r.Body = ""
		assert.ErrorIs(t, r.Validate(), dispatch.ErrValidation)
	})

	t.Run("Oversized data is rejected before any send", func(t *testing.T) {
		r := base
		r.Data = map[string]string{"blob": strings.Repeat("x", dispatch.MaxDataBytes)}
		var vErr *dispatch.ValidationError
		err := r.Validate()
		require.True(t, errors.As(err, &vErr))
		assert.Equal(t, "data", vErr.Field)
	})

	t.Run("Data at the limit passes", func(t *testing.T) {
		r := base
		r.Action = "open"
		r.Data = map[string]string{"k": strings.Repeat("x", dispatch.MaxDataBytes-1-len(dispatch.ActionDataKey)-len("open"))}
		assert.NoError(t, r.Validate())
	})

	t.Run("Action counts towards the limit", func(t *testing.T) {
		r := base
		r.Data = map[string]string{"k": strings.Repeat("x", dispatch.MaxDataBytes-1)}
		require.NoError(t, r.Validate())
		r.Action = "open"
		assert.ErrorIs(t, r.Validate(), dispatch.ErrValidation)
	})

	t.Run("Unknown category", func(t *testing.T) {
		r := base
		r.Category = "marketing"
		assert.ErrorIs(t, r.Validate(), dispatch.ErrValidation)
	})
}

func TestRequest_Message(t *testing.T) {
	data := map[string]string{"budgetId": "b1"}
	r := dispatch.Request{Title: "T", Body: "B", Data: data, Action: "open_budget"}

	msg := r.Message()

	assert.Equal(t, "T", msg.Title)
	assert.Equal(t, "open_budget", msg.Data[dispatch.ActionDataKey])
	assert.Equal(t, "b1", msg.Data["budgetId"])
	assert.NotContains(t, data, dispatch.ActionDataKey, "caller map must not be mutated")
}

func TestPreferences_CategoryEnabled(t *testing.T) {
	p := dispatch.DefaultPreferences("u1", time.Now())
	for _, c := range dispatch.Categories {
		assert.True(t, p.CategoryEnabled(c), c)
	}

	p.Budget = false
	assert.False(t, p.CategoryEnabled(dispatch.CategoryBudget))
	assert.True(t, p.CategoryEnabled(dispatch.CategorySystem))
	assert.False(t, p.CategoryEnabled("unknown"))
}

func TestCanonicalAudience(t *testing.T) {
	raw := "urn:sm:user:alice"
	parsed, err := urn.Parse(raw)
	require.NoError(t, err)

	ids, err := dispatch.CanonicalAudience([]string{raw})
	require.NoError(t, err)
	assert.Equal(t, []string{parsed.String()}, ids)

	_, err = dispatch.CanonicalAudience([]string{raw, "not-a-valid-urn"})
	var vErr *dispatch.ValidationError
	require.True(t, errors.As(err, &vErr))
	assert.Equal(t, "audience", vErr.Field)
}
