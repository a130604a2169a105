package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/tinywideclouds/go-push-service/internal/preference"
	"github.com/tinywideclouds/go-push-service/pkg/dispatch"
)

// PreferenceService is the user-facing preference API.
type PreferenceService interface {
	Get(ctx context.Context, userID string) (dispatch.Preferences, error)
	Update(ctx context.Context, userID string, u preference.Update) (dispatch.Preferences, error)
}

type PreferenceAPI struct {
	Service PreferenceService
	Logger  *slog.Logger
}

func NewPreferenceAPI(service PreferenceService, logger *slog.Logger) *PreferenceAPI {
	return &PreferenceAPI{Service: service, Logger: logger}
}

func (api *PreferenceAPI) Get(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFromRequest(w, r)
	if !ok {
		return
	}
	prefs, err := api.Service.Get(r.Context(), userID)
	if err != nil {
		writeError(w, err, api.Logger, "failed to load preferences")
		return
	}
	writeJSON(w, http.StatusOK, prefs, api.Logger)
}

func (api *PreferenceAPI) Update(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFromRequest(w, r)
	if !ok {
		return
	}
	var u preference.Update
	if !decodeJSON(w, r, &u) {
		return
	}
	prefs, err := api.Service.Update(r.Context(), userID, u)
	if err != nil {
		writeError(w, err, api.Logger, "failed to update preferences")
		return
	}
	writeJSON(w, http.StatusOK, prefs, api.Logger)
}
