package pipeline

import (
	"context"
	"errors"
	"log/slog"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-push-service/pkg/dispatch"
)

// Dispatcher is satisfied by the orchestrator.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (dispatch.Summary, error)
}

// NewProcessor hands each request to the dispatcher. Delivery is fire-and-forget:
// provider failures live in the summary, and validation failures are acked
// because a retry can never succeed.
func NewProcessor(
	dispatcher Dispatcher,
	logger *slog.Logger,
) messagepipeline.StreamProcessor[dispatch.Request] {

	return func(ctx context.Context, original messagepipeline.Message, request *dispatch.Request) error {
		procLogger := logger.With(
			"category", request.Category,
			"audience", len(request.Audience),
			"pubsub_msg_id", original.ID,
		)

		summary, err := dispatcher.Dispatch(ctx, *request)
		if errors.Is(err, dispatch.ErrValidation) {
			procLogger.Warn("Dropping invalid dispatch request", "err", err)
			return nil
		}
		if err != nil {
			procLogger.Error("Dispatch failed", "err", err)
			return err
		}

		if summary.Scheduled {
			procLogger.Info("Dispatch scheduled", "dispatch_id", summary.DispatchID)
			return nil
		}
		procLogger.Debug("Dispatch complete",
			"dispatch_id", summary.DispatchID,
			"recipients", summary.Recipients,
			"tokens", summary.Tokens,
		)
		return nil
	}
}
