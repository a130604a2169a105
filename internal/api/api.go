// Package api holds the thin HTTP handlers in front of the registry,
// preferences, orchestrator and diagnostics.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"github.com/tinywideclouds/go-microservice-base/pkg/response"
	"github.com/tinywideclouds/go-push-service/pkg/dispatch"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
)

// maxBodyBytes bounds request bodies; a web subscription is well under this.
const maxBodyBytes = 64 << 10

// userFromRequest returns the authenticated user as a canonical URN string.
func userFromRequest(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := middleware.GetUserHandleFromContext(r.Context())
	if !ok || userID == "" {
		response.WriteJSONError(w, http.StatusUnauthorized, "unauthorized")
		return "", false
	}
	userURN, err := urn.Parse(userID)
	if err != nil {
		response.WriteJSONError(w, http.StatusUnauthorized, "invalid user identity")
		return "", false
	}
	return userURN.String(), true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dest any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dest); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Warn("failed to write response", "err", err)
	}
}

// writeError maps domain errors onto status codes.
func writeError(w http.ResponseWriter, err error, logger *slog.Logger, msg string) {
	switch {
	case errors.Is(err, dispatch.ErrValidation),
		errors.Is(err, dispatch.ErrInvalidToken),
		errors.Is(err, dispatch.ErrUnknownProvider):
		response.WriteJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, dispatch.ErrProviderUnavailable):
		response.WriteJSONError(w, http.StatusServiceUnavailable, err.Error())
	default:
		logger.Error(msg, "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, msg)
	}
}
