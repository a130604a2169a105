// Package pipeline contains the Pub/Sub message processing components for the service.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-push-service/pkg/dispatch"
)

// DispatchRequestTransformer is a dataflow Transformer that unmarshals a raw
// message payload into a dispatch.Request and canonicalises its audience.
func DispatchRequestTransformer(
	_ context.Context,
	msg *messagepipeline.Message,
) (*dispatch.Request, bool, error) {
	var req dispatch.Request
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		// skip=true lets the StreamingService handle the Nack/DLQ logic.
		return nil, true, fmt.Errorf("failed to unmarshal dispatch request from message %s: %w", msg.ID, err)
	}

	audience, err := dispatch.CanonicalAudience(req.Audience)
	if err != nil {
		return nil, true, fmt.Errorf("invalid audience in message %s: %w", msg.ID, err)
	}
	req.Audience = audience

	return &req, false, nil
}
