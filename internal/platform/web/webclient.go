// Package web delivers notifications to browser PushSubscriptions using VAPID.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/tinywideclouds/go-push-service/pkg/dispatch"
)

const (
	DefaultBatchLimit = 100
	defaultTTL        = 60
)

// Config carries the VAPID key pair and contact used to sign requests.
type Config struct {
	PublicKey       string
	PrivateKey      string
	SubscriberEmail string
	TTL             int
}

type Client struct {
	cfg        Config
	httpClient webpush.HTTPClient
	logger     *slog.Logger
}

// NewClient builds a web push client. A nil httpClient gets a 10s timeout client.
func NewClient(cfg Config, httpClient webpush.HTTPClient, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		logger:     logger.With("component", "WebPushClient"),
	}
}

func (c *Client) Provider() dispatch.Provider { return dispatch.ProviderWeb }

func (c *Client) BatchLimit() int { return DefaultBatchLimit }

// Send encrypts and posts msg to each subscription endpoint in turn.
// The token is the subscription JSON as registered by the browser.
func (c *Client) Send(ctx context.Context, tokens []string, msg dispatch.Message) ([]dispatch.DeliveryResult, error) {
	payloadBytes, err := json.Marshal(map[string]any{
		"notification": map[string]string{
			"title": msg.Title,
			"body":  msg.Body,
		},
		"data": msg.Data,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	results := make([]dispatch.DeliveryResult, len(tokens))
	attempted, transportFailures := 0, 0
	var lastErr error

	for i, token := range tokens {
		results[i] = dispatch.DeliveryResult{Token: token, Provider: dispatch.ProviderWeb}

		sub, err := dispatch.ParseWebSubscription(token)
		if err != nil {
			results[i].Outcome = dispatch.OutcomeInvalidToken
			results[i].Reason = err.Error()
			continue
		}

		attempted++
		resp, err := webpush.SendNotificationWithContext(ctx, payloadBytes, &webpush.Subscription{
			Endpoint: sub.Endpoint,
			Keys: webpush.Keys{
				P256dh: sub.Keys.P256dh,
				Auth:   sub.Keys.Auth,
			},
		}, &webpush.Options{
			Subscriber:      c.cfg.SubscriberEmail,
			VAPIDPublicKey:  c.cfg.PublicKey,
			VAPIDPrivateKey: c.cfg.PrivateKey,
			TTL:             c.cfg.TTL,
			Urgency:         webpush.UrgencyHigh,
			HTTPClient:      c.httpClient,
		})
		if err != nil {
			// Transport error (DNS, timeout) or a key the library could not use.
			c.logger.Warn("WebPush transport error", "endpoint", sub.Endpoint, "err", err)
			transportFailures++
			lastErr = err
			results[i].Outcome = dispatch.OutcomeTransient
			results[i].Reason = err.Error()
			continue
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			results[i].Outcome = dispatch.OutcomeAccepted
		case resp.StatusCode == http.StatusGone, resp.StatusCode == http.StatusNotFound:
			results[i].Outcome = dispatch.OutcomeInvalidToken
			results[i].Reason = http.StatusText(resp.StatusCode)
		default:
			c.logger.Warn("WebPush rejected", "status", resp.StatusCode, "endpoint", sub.Endpoint)
			results[i].Outcome = dispatch.OutcomeTransient
			results[i].Reason = http.StatusText(resp.StatusCode)
		}
	}

	if attempted > 0 && transportFailures == attempted {
		return nil, fmt.Errorf("web push transport failed: %w", lastErr)
	}
	return results, nil
}
