// Package fcm delivers notifications through Firebase Cloud Messaging.
package fcm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"firebase.google.com/go/v4/messaging"
	"github.com/tinywideclouds/go-push-service/pkg/dispatch"
)

// MaxTokensPerCall is the multicast limit enforced by FCM.
const MaxTokensPerCall = 500

// MessagingClient defines the subset of the Firebase Messaging API we use.
// *messaging.Client satisfies it.
type MessagingClient interface {
	SendEachForMulticast(ctx context.Context, msg *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

type Client struct {
	client MessagingClient
	logger *slog.Logger
}

func NewClient(client MessagingClient, logger *slog.Logger) *Client {
	return &Client{
		client: client,
		logger: logger.With("component", "FCMClient"),
	}
}

func (c *Client) Provider() dispatch.Provider { return dispatch.ProviderFCM }

func (c *Client) BatchLimit() int { return MaxTokensPerCall }

// Send delivers msg to every token and returns one result per token, in order.
// A multicast call that fails outright marks its tokens transient. An error is
// returned only when every call failed and no token was rejected locally.
func (c *Client) Send(ctx context.Context, tokens []string, msg dispatch.Message) ([]dispatch.DeliveryResult, error) {
	results := make([]dispatch.DeliveryResult, len(tokens))
	var positions []int
	for i, token := range tokens {
		results[i] = dispatch.DeliveryResult{Token: token, Provider: dispatch.ProviderFCM}
		if err := dispatch.ValidateToken(dispatch.ProviderFCM, token); err != nil {
			results[i].Outcome = dispatch.OutcomeInvalidToken
			results[i].Reason = "malformed token"
			continue
		}
		positions = append(positions, i)
	}
	if len(positions) == 0 {
		return results, nil
	}

	var lastErr error
	calls, failedCalls := 0, 0
	for start := 0; start < len(positions); start += MaxTokensPerCall {
		end := min(start+MaxTokensPerCall, len(positions))
		chunk := positions[start:end]
		calls++

		batch := make([]string, len(chunk))
		for j, pos := range chunk {
			batch[j] = tokens[pos]
		}

		br, err := c.client.SendEachForMulticast(ctx, buildMulticast(batch, msg))
		if err == nil && (br == nil || len(br.Responses) != len(batch)) {
			err = errors.New("fcm returned a response of unexpected length")
		}
		if err != nil {
			failedCalls++
			lastErr = err
			c.logger.Warn("FCM multicast failed", "tokens", len(batch), "err", err)
			for _, pos := range chunk {
				results[pos].Outcome = dispatch.OutcomeTransient
				results[pos].Reason = err.Error()
			}
			continue
		}

		for j, resp := range br.Responses {
			pos := chunk[j]
			if resp.Success {
				results[pos].Outcome = dispatch.OutcomeAccepted
				continue
			}
			results[pos].Outcome = classify(resp.Error)
			if resp.Error != nil {
				results[pos].Reason = resp.Error.Error()
			}
		}
	}

	// Tokens rejected before any call already have their final outcome, so the
	// whole call only fails when nothing else is known.
	if failedCalls == calls && len(positions) == len(tokens) {
		return nil, fmt.Errorf("fcm transport failed: %w", lastErr)
	}
	return results, nil
}

// classify maps a per-token FCM error onto an outcome. Only errors that prove
// the token itself is unusable count as invalid.
func classify(err error) dispatch.Outcome {
	switch {
	case err == nil:
		return dispatch.OutcomeTransient
	case messaging.IsUnregistered(err),
		messaging.IsRegistrationTokenNotRegistered(err),
		messaging.IsInvalidArgument(err),
		messaging.IsSenderIDMismatch(err):
		return dispatch.OutcomeInvalidToken
	default:
		// quota, unavailable, internal and auth failures are retryable
		return dispatch.OutcomeTransient
	}
}

func buildMulticast(tokens []string, msg dispatch.Message) *messaging.MulticastMessage {
	return &messaging.MulticastMessage{
		Tokens: tokens,
		Data:   msg.Data,
		Notification: &messaging.Notification{
			Title: msg.Title,
			Body:  msg.Body,
		},
		Android: &messaging.AndroidConfig{
			Priority: "high",
		},
		APNS: &messaging.APNSConfig{
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{Sound: "default"},
			},
		},
		Webpush: &messaging.WebpushConfig{
			Notification: &messaging.WebpushNotification{
				Title: msg.Title,
				Body:  strings.TrimSpace(msg.Body),
				Icon:  "/assets/icons/icon-192x192.png",
			},
		},
	}
}
