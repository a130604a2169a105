// Package apns provides the client for the Apple Push Notification Service.
package apns

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/payload"
	"github.com/sideshow/apns2/token"
	"github.com/tinywideclouds/go-push-service/pkg/dispatch"
)

// DefaultBatchLimit bounds how many tokens one Send handles. APNs itself has
// no multicast endpoint, so this only shapes orchestrator chunking.
const DefaultBatchLimit = 100

// APNSClient defines the subset of the apns2.Client methods we use.
// This allows mocking for unit tests.
type APNSClient interface {
	PushWithContext(ctx apns2.Context, n *apns2.Notification) (*apns2.Response, error)
}

// Config holds the credentials required to sign APNs tokens.
type Config struct {
	KeyID    string
	TeamID   string
	BundleID string
	// P8KeyContent is the raw string content of the .p8 file
	P8KeyContent string
	Production   bool
}

type Client struct {
	client APNSClient
	topic  string // The App Bundle ID
	logger *slog.Logger
}

// NewClient creates a configured APNs client.
// It parses the P8 key immediately to fail fast on startup if credentials are bad.
func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	authKey, err := token.AuthKeyFromBytes([]byte(cfg.P8KeyContent))
	if err != nil {
		return nil, fmt.Errorf("failed to parse APNs P8 key: %w", err)
	}

	tokenSource := &token.Token{
		AuthKey: authKey,
		KeyID:   cfg.KeyID,
		TeamID:  cfg.TeamID,
	}

	client := apns2.NewTokenClient(tokenSource)
	if cfg.Production {
		client = client.Production()
	} else {
		client = client.Development()
	}

	return newClient(client, cfg.BundleID, logger), nil
}

func newClient(client APNSClient, topic string, logger *slog.Logger) *Client {
	return &Client{
		client: client,
		topic:  topic,
		logger: logger.With("component", "APNSClient"),
	}
}

func (c *Client) Provider() dispatch.Provider { return dispatch.ProviderAPNS }

func (c *Client) BatchLimit() int { return DefaultBatchLimit }

// Send pushes to each token in turn. The APNs HTTP/2 API is unary, so every
// token gets its own request and its own outcome.
func (c *Client) Send(ctx context.Context, tokens []string, msg dispatch.Message) ([]dispatch.DeliveryResult, error) {
	results := make([]dispatch.DeliveryResult, len(tokens))

	builder := payload.NewPayload().
		AlertTitle(msg.Title).
		AlertBody(msg.Body).
		Sound("default")
	for k, v := range msg.Data {
		builder.Custom(k, v)
	}

	attempted, transportFailures := 0, 0
	var lastErr error
	for i, deviceToken := range tokens {
		results[i] = dispatch.DeliveryResult{Token: deviceToken, Provider: dispatch.ProviderAPNS}

		if err := dispatch.ValidateToken(dispatch.ProviderAPNS, deviceToken); err != nil {
			results[i].Outcome = dispatch.OutcomeInvalidToken
			results[i].Reason = "malformed token"
			continue
		}
		if err := ctx.Err(); err != nil {
			results[i].Outcome = dispatch.OutcomeTransient
			results[i].Reason = err.Error()
			continue
		}

		attempted++
		res, err := c.client.PushWithContext(ctx, &apns2.Notification{
			DeviceToken: deviceToken,
			Topic:       c.topic,
			Payload:     builder,
		})
		if err != nil {
			c.logger.Warn("APNs transport failed", "token", dispatch.Redact(deviceToken), "err", err)
			transportFailures++
			lastErr = err
			results[i].Outcome = dispatch.OutcomeTransient
			results[i].Reason = err.Error()
			continue
		}

		if res.Sent() {
			results[i].Outcome = dispatch.OutcomeAccepted
			continue
		}

		results[i].Reason = res.Reason
		switch res.Reason {
		case apns2.ReasonBadDeviceToken, apns2.ReasonUnregistered, apns2.ReasonDeviceTokenNotForTopic:
			results[i].Outcome = dispatch.OutcomeInvalidToken
		default:
			// TopicDisallowed, PayloadEmpty and the like point at our configuration, not the token.
			c.logger.Warn("APNs rejected notification", "reason", res.Reason, "status", res.StatusCode)
			results[i].Outcome = dispatch.OutcomeTransient
		}
	}

	if attempted > 0 && transportFailures == attempted {
		return nil, fmt.Errorf("apns transport failed: %w", lastErr)
	}
	return results, nil
}
