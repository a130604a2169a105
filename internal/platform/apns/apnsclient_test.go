package apns

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"

	"github.com/sideshow/apns2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-push-service/pkg/dispatch"
)

// MockAPNSClient definition kept internal for test visibility
type MockAPNSClient struct {
	mock.Mock
}

func (m *MockAPNSClient) PushWithContext(ctx apns2.Context, n *apns2.Notification) (*apns2.Response, error) {
	args := m.Called(n)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*apns2.Response), args.Error(1)
}

func hexToken(c string) string {
	return strings.Repeat(c, 64)
}

func TestSend_Internal(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()
	msg := dispatch.Message{Title: "Hello iOS", Data: map[string]string{"action": "open_goal"}}

	t.Run("Happy Path - Success", func(t *testing.T) {
		mockClient := new(MockAPNSClient)
		client := newClient(mockClient, "com.test.app", logger)
		tok := hexToken("a")

		mockClient.On("PushWithContext", mock.MatchedBy(func(n *apns2.Notification) bool {
			return n.DeviceToken == tok && n.Topic == "com.test.app"
		})).Return(&apns2.Response{StatusCode: http.StatusOK, ApnsID: "apns-1"}, nil)

		results, err := client.Send(ctx, []string{tok}, msg)

		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, dispatch.OutcomeAccepted, results[0].Outcome)
		mockClient.AssertExpectations(t)
	})

	t.Run("Self-Healing - Bad Device Token", func(t *testing.T) {
		mockClient := new(MockAPNSClient)
		client := newClient(mockClient, "com.test.app", logger)
		good, bad := hexToken("a"), hexToken("b")

		mockClient.On("PushWithContext", mock.MatchedBy(func(n *apns2.Notification) bool {
			return n.DeviceToken == good
		})).Return(&apns2.Response{StatusCode: http.StatusOK}, nil)
		mockClient.On("PushWithContext", mock.MatchedBy(func(n *apns2.Notification) bool {
			return n.DeviceToken == bad
		})).Return(&apns2.Response{StatusCode: http.StatusGone, Reason: apns2.ReasonUnregistered}, nil)

		results, err := client.Send(ctx, []string{good, bad}, msg)

		require.NoError(t, err)
		require.Len(t, results, 2)
		assert.Equal(t, dispatch.OutcomeAccepted, results[0].Outcome)
		assert.Equal(t, dispatch.OutcomeInvalidToken, results[1].Outcome)
		assert.Equal(t, bad, results[1].Token)
	})

	t.Run("Configuration rejections are transient", func(t *testing.T) {
		mockClient := new(MockAPNSClient)
		client := newClient(mockClient, "com.test.app", logger)

		mockClient.On("PushWithContext", mock.Anything).Return(&apns2.Response{
			StatusCode: http.StatusBadRequest,
			Reason:     apns2.ReasonTopicDisallowed,
		}, nil)

		results, err := client.Send(ctx, []string{hexToken("c")}, msg)

		require.NoError(t, err)
		assert.Equal(t, dispatch.OutcomeTransient, results[0].Outcome)
	})

	t.Run("Malformed token never reaches APNs", func(t *testing.T) {
		mockClient := new(MockAPNSClient)
		client := newClient(mockClient, "com.test.app", logger)

		results, err := client.Send(ctx, []string{"not-hex"}, msg)

		require.NoError(t, err)
		assert.Equal(t, dispatch.OutcomeInvalidToken, results[0].Outcome)
		mockClient.AssertNotCalled(t, "PushWithContext", mock.Anything)
	})

	t.Run("Transport Failure - Retryable", func(t *testing.T) {
		mockClient := new(MockAPNSClient)
		client := newClient(mockClient, "com.test.app", logger)

		mockClient.On("PushWithContext", mock.Anything).Return(nil, errors.New("connection refused"))

		_, err := client.Send(ctx, []string{hexToken("d")}, msg)

		require.Error(t, err)
		assert.Contains(t, err.Error(), "transport failed")
	})
}
