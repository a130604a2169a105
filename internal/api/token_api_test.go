package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"

	"github.com/tinywideclouds/go-push-service/internal/api"
	"github.com/tinywideclouds/go-push-service/pkg/dispatch"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
)

// --- Mocks ---
type MockRegistry struct {
	mock.Mock
}

func (m *MockRegistry) Register(ctx context.Context, userID, deviceID string, provider dispatch.Provider, token string) error {
	return m.Called(ctx, userID, deviceID, provider, token).Error(0)
}
func (m *MockRegistry) Deactivate(ctx context.Context, provider dispatch.Provider, userID, deviceID string) error {
	return m.Called(ctx, provider, userID, deviceID).Error(0)
}
func (m *MockRegistry) DeactivateByToken(ctx context.Context, provider dispatch.Provider, token string) ([]string, error) {
	args := m.Called(ctx, provider, token)
	owners, _ := args.Get(0).([]string)
	return owners, args.Error(1)
}
func (m *MockRegistry) ActiveTokens(ctx context.Context, userIDs []string, provider dispatch.Provider) ([]dispatch.DeviceToken, error) {
	args := m.Called(ctx, userIDs, provider)
	tokens, _ := args.Get(0).([]dispatch.DeviceToken)
	return tokens, args.Error(1)
}
func (m *MockRegistry) CountActive(ctx context.Context) (map[dispatch.Provider]int, error) {
	args := m.Called(ctx)
	counts, _ := args.Get(0).(map[dispatch.Provider]int)
	return counts, args.Error(1)
}
func (m *MockRegistry) PurgeStale(ctx context.Context, cutoff time.Time) (int, error) {
	args := m.Called(ctx, cutoff)
	return args.Int(0), args.Error(1)
}

// --- Setup ---
func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupTokenAPI() (*api.TokenAPI, *MockRegistry) {
	registry := new(MockRegistry)
	return api.NewTokenAPI(registry, newTestLogger()), registry
}

// withUser injects the user ID the auth middleware would set.
func withUser(req *http.Request, userID string) *http.Request {
	ctx := middleware.ContextWithUserID(req.Context(), userID)
	return req.WithContext(ctx)
}

func jsonBody(t *testing.T, v any) *bytes.Reader {
	t.Helper()
	body, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(body)
}

// --- Tests ---

func TestRegisterToken(t *testing.T) {
	targetURN, _ := urn.Parse("urn:test:user:123")
	user := targetURN.String()

	t.Run("Success", func(t *testing.T) {
		apiHandler, registry := setupTokenAPI()
		payload := map[string]string{"deviceId": "pixel-8", "provider": "fcm", "token": "fcm-token-abc"}
		req := withUser(httptest.NewRequest(http.MethodPost, "/api/v1/tokens", jsonBody(t, payload)), user)
		w := httptest.NewRecorder()

		registry.On("Register", mock.Anything, user, "pixel-8", dispatch.ProviderFCM, "fcm-token-abc").Return(nil)

		apiHandler.Register(w, req)

		assert.Equal(t, http.StatusNoContent, w.Code)
		registry.AssertExpectations(t)
	})

	t.Run("Web subscription object is stored as its JSON", func(t *testing.T) {
		apiHandler, registry := setupTokenAPI()
		body := `{"deviceId":"chrome","provider":"web","token":{"endpoint":"https://push.example/abc","keys":{"p256dh":"BKey","auth":"secret"}}}`
		req := withUser(httptest.NewRequest(http.MethodPost, "/api/v1/tokens", strings.NewReader(body)), user)
		w := httptest.NewRecorder()

		registry.On("Register", mock.Anything, user, "chrome", dispatch.ProviderWeb,
			`{"endpoint":"https://push.example/abc","keys":{"p256dh":"BKey","auth":"secret"}}`).Return(nil)

		apiHandler.Register(w, req)

		assert.Equal(t, http.StatusNoContent, w.Code)
		registry.AssertExpectations(t)
	})

	tests := []struct {
		name    string
		payload map[string]any
	}{
		{"Rejects empty token", map[string]any{"deviceId": "d", "provider": "fcm", "token": ""}},
		{"Rejects missing device", map[string]any{"provider": "fcm", "token": "abc"}},
		{"Rejects unknown provider", map[string]any{"deviceId": "d", "provider": "pigeon", "token": "abc"}},
		{"Rejects malformed expo token", map[string]any{"deviceId": "d", "provider": "expo", "token": "not-expo"}},
		{"Rejects non-hex apns token", map[string]any{"deviceId": "d", "provider": "apns", "token": "zz"}},
		{"Rejects incomplete web subscription", map[string]any{"deviceId": "d", "provider": "web", "token": map[string]any{"endpoint": "https://valid.com"}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			apiHandler, registry := setupTokenAPI()
			req := withUser(httptest.NewRequest(http.MethodPost, "/api/v1/tokens", jsonBody(t, tc.payload)), user)
			w := httptest.NewRecorder()

			apiHandler.Register(w, req)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			registry.AssertNotCalled(t, "Register", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		})
	}

	t.Run("Requires an authenticated user", func(t *testing.T) {
		apiHandler, _ := setupTokenAPI()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/tokens", strings.NewReader(`{}`))
		w := httptest.NewRecorder()

		apiHandler.Register(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("Storage failure is a 500", func(t *testing.T) {
		apiHandler, registry := setupTokenAPI()
		payload := map[string]string{"deviceId": "pixel-8", "provider": "fcm", "token": "fcm-token-abc"}
		req := withUser(httptest.NewRequest(http.MethodPost, "/api/v1/tokens", jsonBody(t, payload)), user)
		w := httptest.NewRecorder()

		registry.On("Register", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("db down"))

		apiHandler.Register(w, req)

		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}

func TestUnregisterToken(t *testing.T) {
	targetURN, _ := urn.Parse("urn:test:user:123")
	user := targetURN.String()

	t.Run("Single provider", func(t *testing.T) {
		apiHandler, registry := setupTokenAPI()
		payload := map[string]string{"deviceId": "pixel-8", "provider": "expo"}
		req := withUser(httptest.NewRequest(http.MethodDelete, "/api/v1/tokens", jsonBody(t, payload)), user)
		w := httptest.NewRecorder()

		registry.On("Deactivate", mock.Anything, dispatch.ProviderExpo, user, "pixel-8").Return(nil)

		apiHandler.Unregister(w, req)

		assert.Equal(t, http.StatusNoContent, w.Code)
		registry.AssertExpectations(t)
		registry.AssertNumberOfCalls(t, "Deactivate", 1)
	})

	t.Run("Every provider when omitted", func(t *testing.T) {
		apiHandler, registry := setupTokenAPI()
		payload := map[string]string{"deviceId": "pixel-8"}
		req := withUser(httptest.NewRequest(http.MethodDelete, "/api/v1/tokens", jsonBody(t, payload)), user)
		w := httptest.NewRecorder()

		registry.On("Deactivate", mock.Anything, mock.Anything, user, "pixel-8").Return(nil)

		apiHandler.Unregister(w, req)

		assert.Equal(t, http.StatusNoContent, w.Code)
		registry.AssertNumberOfCalls(t, "Deactivate", len(dispatch.Providers))
	})

	t.Run("Rejects missing device", func(t *testing.T) {
		apiHandler, _ := setupTokenAPI()
		req := withUser(httptest.NewRequest(http.MethodDelete, "/api/v1/tokens", strings.NewReader(`{}`)), user)
		w := httptest.NewRecorder()

		apiHandler.Unregister(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}
