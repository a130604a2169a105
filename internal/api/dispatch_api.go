package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/tinywideclouds/go-push-service/pkg/dispatch"
)

// Dispatcher is satisfied by the orchestrator.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (dispatch.Summary, error)
}

// DispatchAPI lets event producers without Pub/Sub trigger a dispatch over HTTP.
type DispatchAPI struct {
	Dispatcher Dispatcher
	Logger     *slog.Logger
}

func NewDispatchAPI(dispatcher Dispatcher, logger *slog.Logger) *DispatchAPI {
	return &DispatchAPI{Dispatcher: dispatcher, Logger: logger}
}

func (api *DispatchAPI) Dispatch(w http.ResponseWriter, r *http.Request) {
	var req dispatch.Request
	if !decodeJSON(w, r, &req) {
		return
	}
	audience, err := dispatch.CanonicalAudience(req.Audience)
	if err != nil {
		writeError(w, err, api.Logger, "invalid audience")
		return
	}
	req.Audience = audience

	summary, err := api.Dispatcher.Dispatch(r.Context(), req)
	if err != nil {
		writeError(w, err, api.Logger, "dispatch failed")
		return
	}
	writeJSON(w, http.StatusAccepted, summary, api.Logger)
}
