package api

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tinywideclouds/go-microservice-base/pkg/response"
	"github.com/tinywideclouds/go-push-service/pkg/dispatch"
)

type TokenAPI struct {
	Registry dispatch.TokenRegistry
	Logger   *slog.Logger
}

func NewTokenAPI(registry dispatch.TokenRegistry, logger *slog.Logger) *TokenAPI {
	return &TokenAPI{
		Registry: registry,
		Logger:   logger,
	}
}

// RegisterTokenRequest is the registration body. For web push the token is the
// subscription, sent either as an object or as its JSON string.
type RegisterTokenRequest struct {
	DeviceID string          `json:"deviceId"`
	Provider string          `json:"provider"`
	Token    json.RawMessage `json:"token"`
}

type UnregisterTokenRequest struct {
	DeviceID string `json:"deviceId"`
	Provider string `json:"provider,omitempty"`
}

func (api *TokenAPI) Register(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFromRequest(w, r)
	if !ok {
		return
	}

	var req RegisterTokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.DeviceID) == "" {
		response.WriteJSONError(w, http.StatusBadRequest, "missing deviceId")
		return
	}
	provider, err := dispatch.ParseProvider(req.Provider)
	if err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	token, err := tokenString(req.Token)
	if err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid token")
		return
	}
	if err := dispatch.ValidateToken(provider, token); err != nil {
		api.Logger.Warn("Register: token rejected", "provider", provider, "err", err)
		response.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := api.Registry.Register(r.Context(), userID, req.DeviceID, provider, token); err != nil {
		api.Logger.Error("failed to register token", "provider", provider, "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "storage failed")
		return
	}
	api.Logger.Info("Register: token registered", "user", userID, "provider", provider, "token", dispatch.Redact(token))

	w.WriteHeader(http.StatusNoContent)
}

// Unregister deactivates the device's token for one provider, or for every
// provider when none is given.
func (api *TokenAPI) Unregister(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFromRequest(w, r)
	if !ok {
		return
	}

	var req UnregisterTokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.DeviceID) == "" {
		response.WriteJSONError(w, http.StatusBadRequest, "missing deviceId")
		return
	}

	providers := dispatch.Providers
	if req.Provider != "" {
		provider, err := dispatch.ParseProvider(req.Provider)
		if err != nil {
			response.WriteJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		providers = []dispatch.Provider{provider}
	}

	for _, provider := range providers {
		if err := api.Registry.Deactivate(r.Context(), provider, userID, req.DeviceID); err != nil {
			api.Logger.Error("failed to unregister token", "provider", provider, "err", err)
			response.WriteJSONError(w, http.StatusInternalServerError, "storage failed")
			return
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

// tokenString accepts either a JSON string or a JSON object.
func tokenString(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '{' {
		var compact bytes.Buffer
		if err := json.Compact(&compact, raw); err != nil {
			return "", err
		}
		return compact.String(), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", err
	}
	return strings.TrimSpace(s), nil
}
