package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/tinywideclouds/go-microservice-base/pkg/response"
	"github.com/tinywideclouds/go-push-service/internal/receipt"
	"github.com/tinywideclouds/go-push-service/pkg/dispatch"
)

const defaultRecentLimit = 20

type TokenCounter interface {
	CountActive(ctx context.Context) (map[dispatch.Provider]int, error)
}

type SummaryHistory interface {
	Recent(n int) []dispatch.Summary
}

type ReceiptStats interface {
	Stats() receipt.Stats
}

type TestSender interface {
	TestSend(ctx context.Context, provider dispatch.Provider, token, title, body string) (dispatch.DeliveryResult, error)
}

// AdminAPI is the operator diagnostic surface.
type AdminAPI struct {
	Tokens   TokenCounter
	History  SummaryHistory
	Receipts ReceiptStats
	Sender   TestSender
	Logger   *slog.Logger
}

func NewAdminAPI(tokens TokenCounter, history SummaryHistory, receipts ReceiptStats, sender TestSender, logger *slog.Logger) *AdminAPI {
	return &AdminAPI{
		Tokens:   tokens,
		History:  history,
		Receipts: receipts,
		Sender:   sender,
		Logger:   logger,
	}
}

type TokenStatsResponse struct {
	Active map[dispatch.Provider]int `json:"active"`
	Total  int                       `json:"total"`
}

func (api *AdminAPI) TokenStats(w http.ResponseWriter, r *http.Request) {
	counts, err := api.Tokens.CountActive(r.Context())
	if err != nil {
		writeError(w, err, api.Logger, "failed to count tokens")
		return
	}
	resp := TokenStatsResponse{Active: make(map[dispatch.Provider]int, len(dispatch.Providers))}
	for _, p := range dispatch.Providers {
		resp.Active[p] = counts[p]
		resp.Total += counts[p]
	}
	writeJSON(w, http.StatusOK, resp, api.Logger)
}

func (api *AdminAPI) RecentDispatches(w http.ResponseWriter, r *http.Request) {
	limit := defaultRecentLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			response.WriteJSONError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, api.History.Recent(limit), api.Logger)
}

func (api *AdminAPI) ReceiptStats(w http.ResponseWriter, r *http.Request) {
	if api.Receipts == nil {
		writeJSON(w, http.StatusOK, receipt.Stats{}, api.Logger)
		return
	}
	writeJSON(w, http.StatusOK, api.Receipts.Stats(), api.Logger)
}

type TestSendRequest struct {
	Provider string `json:"provider"`
	Token    string `json:"token"`
	Title    string `json:"title"`
	Body     string `json:"body"`
}

// TestSend pushes one message to a raw token to verify provider connectivity.
func (api *AdminAPI) TestSend(w http.ResponseWriter, r *http.Request) {
	var req TestSendRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	provider, err := dispatch.ParseProvider(req.Provider)
	if err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Token == "" {
		response.WriteJSONError(w, http.StatusBadRequest, "missing token")
		return
	}
	if req.Title == "" {
		req.Title = "Test notification"
	}
	if req.Body == "" {
		req.Body = "Push delivery is working."
	}

	result, err := api.Sender.TestSend(r.Context(), provider, req.Token, req.Title, req.Body)
	if err != nil {
		writeError(w, err, api.Logger, "test send failed")
		return
	}
	api.Logger.Info("Test send", "provider", provider, "token", dispatch.Redact(req.Token), "outcome", result.Outcome)
	writeJSON(w, http.StatusOK, result, api.Logger)
}
