// Package expo talks to the Expo push service. Sends return tickets; final
// delivery is confirmed later through the receipts endpoint.
package expo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tinywideclouds/go-push-service/pkg/dispatch"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL = "https://exp.host"

	sendPath     = "/--/api/v2/push/send"
	receiptsPath = "/--/api/v2/push/getReceipts"

	// MaxMessagesPerRequest is Expo's limit for one send call.
	MaxMessagesPerRequest = 100
	// MaxReceiptsPerRequest is Expo's limit for one receipts call.
	MaxReceiptsPerRequest = 1000

	// DefaultRatePerSecond keeps us under Expo's per-project send rate.
	DefaultRatePerSecond = 600

	errDeviceNotRegistered = "DeviceNotRegistered"
	statusOK               = "ok"
	statusError            = "error"
)

type Config struct {
	BaseURL       string
	AccessToken   string
	RatePerSecond float64
}

type Client struct {
	baseURL     string
	accessToken string
	httpClient  *http.Client
	limiter     *rate.Limiter
	logger      *slog.Logger
}

// NewClient builds an Expo client. A nil httpClient gets a 15s timeout client.
func NewClient(cfg Config, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	perSecond := cfg.RatePerSecond
	if perSecond <= 0 {
		perSecond = DefaultRatePerSecond
	}
	burst := max(int(perSecond), MaxMessagesPerRequest)

	return &Client{
		baseURL:     baseURL,
		accessToken: cfg.AccessToken,
		httpClient:  httpClient,
		limiter:     rate.NewLimiter(rate.Limit(perSecond), burst),
		logger:      logger.With("component", "ExpoClient"),
	}
}

func (c *Client) Provider() dispatch.Provider { return dispatch.ProviderExpo }

func (c *Client) BatchLimit() int { return MaxMessagesPerRequest }

func (c *Client) ReceiptBatchLimit() int { return MaxReceiptsPerRequest }

type pushMessage struct {
	To       string            `json:"to"`
	Title    string            `json:"title,omitempty"`
	Body     string            `json:"body,omitempty"`
	Data     map[string]string `json:"data,omitempty"`
	Sound    string            `json:"sound,omitempty"`
	Priority string            `json:"priority,omitempty"`
}

type errorDetails struct {
	Error string `json:"error,omitempty"`
}

type pushTicket struct {
	Status  string       `json:"status"`
	ID      string       `json:"id,omitempty"`
	Message string       `json:"message,omitempty"`
	Details errorDetails `json:"details,omitempty"`
}

type pushReceipt struct {
	Status  string       `json:"status"`
	Message string       `json:"message,omitempty"`
	Details errorDetails `json:"details,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type envelope[T any] struct {
	Data   T          `json:"data"`
	Errors []apiError `json:"errors,omitempty"`
}

// Send posts msg to every token, in requests of at most MaxMessagesPerRequest.
// Results are aligned with tokens. An accepted ticket carrying an ID comes
// back as PENDING_RECEIPT. Malformed tokens are reported invalid even when
// every request to Expo fails.
func (c *Client) Send(ctx context.Context, tokens []string, msg dispatch.Message) ([]dispatch.DeliveryResult, error) {
	results := make([]dispatch.DeliveryResult, len(tokens))
	var positions []int
	for i, token := range tokens {
		results[i] = dispatch.DeliveryResult{Token: token, Provider: dispatch.ProviderExpo}
		if !dispatch.IsExpoPushToken(token) {
			results[i].Outcome = dispatch.OutcomeInvalidToken
			results[i].Reason = "not an expo push token"
			continue
		}
		positions = append(positions, i)
	}
	if len(positions) == 0 {
		return results, nil
	}

	calls, failedCalls := 0, 0
	var lastErr error
	for start := 0; start < len(positions); start += MaxMessagesPerRequest {
		chunk := positions[start:min(start+MaxMessagesPerRequest, len(positions))]
		calls++

		tickets, err := c.sendChunk(ctx, tokens, chunk, msg)
		if err != nil {
			failedCalls++
			lastErr = err
			c.logger.Warn("Expo send request failed", "tokens", len(chunk), "err", err)
			for _, pos := range chunk {
				results[pos].Outcome = dispatch.OutcomeTransient
				results[pos].Reason = err.Error()
			}
			continue
		}

		for j, ticket := range tickets {
			applyTicket(&results[chunk[j]], ticket)
		}
	}

	// Tokens rejected before any call already have their final outcome, so the
	// whole call only fails when nothing else is known.
	if failedCalls == calls && len(positions) == len(tokens) {
		return nil, fmt.Errorf("expo send failed: %w", lastErr)
	}
	return results, nil
}

func (c *Client) sendChunk(ctx context.Context, tokens []string, chunk []int, msg dispatch.Message) ([]pushTicket, error) {
	if err := c.limiter.WaitN(ctx, len(chunk)); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	messages := make([]pushMessage, len(chunk))
	for j, pos := range chunk {
		messages[j] = pushMessage{
			To:       tokens[pos],
			Title:    msg.Title,
			Body:     msg.Body,
			Data:     msg.Data,
			Sound:    "default",
			Priority: "high",
		}
	}

	var resp envelope[[]pushTicket]
	if err := c.post(ctx, sendPath, messages, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) != len(chunk) {
		if len(resp.Errors) > 0 {
			return nil, fmt.Errorf("expo rejected request: %s: %s", resp.Errors[0].Code, resp.Errors[0].Message)
		}
		return nil, fmt.Errorf("expo returned %d tickets for %d messages", len(resp.Data), len(chunk))
	}
	return resp.Data, nil
}

func applyTicket(result *dispatch.DeliveryResult, ticket pushTicket) {
	switch ticket.Status {
	case statusOK:
		if ticket.ID != "" {
			result.Outcome = dispatch.OutcomePendingReceipt
			result.TicketID = ticket.ID
		} else {
			result.Outcome = dispatch.OutcomeAccepted
		}
	case statusError:
		result.Reason = ticket.Message
		if ticket.Details.Error == errDeviceNotRegistered {
			result.Outcome = dispatch.OutcomeInvalidToken
		} else {
			result.Outcome = dispatch.OutcomeTransient
		}
	default:
		result.Outcome = dispatch.OutcomeTransient
		result.Reason = fmt.Sprintf("unknown ticket status %q", ticket.Status)
	}
}

// Receipts fetches final delivery status for ticketIDs. IDs Expo does not
// know about yet are absent from the returned map.
func (c *Client) Receipts(ctx context.Context, ticketIDs []string) (map[string]dispatch.Receipt, error) {
	out := make(map[string]dispatch.Receipt, len(ticketIDs))
	for start := 0; start < len(ticketIDs); start += MaxReceiptsPerRequest {
		ids := ticketIDs[start:min(start+MaxReceiptsPerRequest, len(ticketIDs))]

		var resp envelope[map[string]pushReceipt]
		if err := c.post(ctx, receiptsPath, map[string][]string{"ids": ids}, &resp); err != nil {
			return nil, fmt.Errorf("expo receipts failed: %w", err)
		}
		if resp.Data == nil && len(resp.Errors) > 0 {
			return nil, fmt.Errorf("expo rejected receipts request: %s: %s", resp.Errors[0].Code, resp.Errors[0].Message)
		}

		for id, r := range resp.Data {
			switch r.Status {
			case statusOK:
				out[id] = dispatch.Receipt{Status: dispatch.ReceiptDelivered}
			case statusError:
				out[id] = dispatch.Receipt{
					Status:       dispatch.ReceiptFailed,
					TokenInvalid: r.Details.Error == errDeviceNotRegistered,
					Reason:       r.Message,
				}
			default:
				c.logger.Debug("Ignoring receipt with unknown status", "ticket_id", id, "status", r.Status)
			}
		}
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("expo returned status %d: %s", resp.StatusCode, truncate(string(raw), 256))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode expo response: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
