package pipeline_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/tinywideclouds/go-push-service/internal/pipeline"
	"github.com/tinywideclouds/go-push-service/pkg/dispatch"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type mockDispatcher struct {
	mock.Mock
}

func (m *mockDispatcher) Dispatch(ctx context.Context, req dispatch.Request) (dispatch.Summary, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(dispatch.Summary), args.Error(1)
}

func TestProcessor(t *testing.T) {
	ctx := context.Background()
	original := messagepipeline.Message{MessageData: messagepipeline.MessageData{ID: "msg-1"}}
	request := &dispatch.Request{
		Audience: []string{"urn:sm:user:a"},
		Category: dispatch.CategoryBudget,
		Title:    "Budget",
		Body:     "80% used",
	}

	t.Run("Passes the request to the dispatcher", func(t *testing.T) {
		dispatcher := new(mockDispatcher)
		dispatcher.On("Dispatch", ctx, *request).Return(dispatch.Summary{DispatchID: "d-1", Recipients: 1}, nil)

		err := pipeline.NewProcessor(dispatcher, newTestLogger())(ctx, original, request)

		assert.NoError(t, err)
		dispatcher.AssertExpectations(t)
	})

	t.Run("Validation errors are acked", func(t *testing.T) {
		dispatcher := new(mockDispatcher)
		dispatcher.On("Dispatch", ctx, mock.Anything).
			Return(dispatch.Summary{}, &dispatch.ValidationError{Field: "title", Reason: "must not be empty"})

		err := pipeline.NewProcessor(dispatcher, newTestLogger())(ctx, original, request)

		assert.NoError(t, err)
	})

	t.Run("Other errors are returned for retry", func(t *testing.T) {
		dispatcher := new(mockDispatcher)
		dispatcher.On("Dispatch", ctx, mock.Anything).Return(dispatch.Summary{}, errors.New("shutting down"))

		err := pipeline.NewProcessor(dispatcher, newTestLogger())(ctx, original, request)

		assert.Error(t, err)
	})

	t.Run("Scheduled dispatches are acked", func(t *testing.T) {
		dispatcher := new(mockDispatcher)
		dispatcher.On("Dispatch", ctx, mock.Anything).Return(dispatch.Summary{DispatchID: "d-2", Scheduled: true}, nil)

		err := pipeline.NewProcessor(dispatcher, newTestLogger())(ctx, original, request)

		assert.NoError(t, err)
	})
}
