// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/routecast/routecast/internal/auth"
	"github.com/routecast/routecast/internal/log"
	"github.com/routecast/routecast/internal/ors"
	"github.com/routecast/routecast/internal/ratelimit"
	"github.com/routecast/routecast/internal/routegate"
	"github.com/routecast/routecast/internal/routes"
	"github.com/routecast/routecast/internal/store"
	"github.com/routecast/routecast/internal/stream"
)

// apiError carries an HTTP status with a client-facing message.
type apiError struct {
	Status  int
	Message string
	Details any
}

func (e *apiError) Error() string { return e.Message }

func badRequest(msg string) *apiError {
	return &apiError{Status: http.StatusBadRequest, Message: msg}
}

func forbidden(msg string) *apiError {
	return &apiError{Status: http.StatusForbidden, Message: msg}
}

func notFound(msg string) *apiError {
	return &apiError{Status: http.StatusNotFound, Message: msg}
}

func conflict(msg string) *apiError {
	return &apiError{Status: http.StatusConflict, Message: msg}
}

func unauthorized(msg string) *apiError {
	return &apiError{Status: http.StatusUnauthorized, Message: msg}
}

// rateLimited builds the 429 envelope with its retry hint.
func rateLimited(res ratelimit.Result) *apiError {
	return &apiError{
		Status:  http.StatusTooManyRequests,
		Message: "rate limit exceeded",
		Details: map[string]any{"retryAfter": int(res.RetryAfter.Seconds())},
	}
}

// writeJSON writes a success body. Every success body carries
// success:true next to its payload fields.
func writeJSON(w http.ResponseWriter, status int, body map[string]any) {
	if body == nil {
		body = map[string]any{}
	}
	body["success"] = true
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps any error onto the {success:false, error, details?}
// envelope with the taxonomy's status code.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, message, details := classify(err)
	if status >= http.StatusInternalServerError {
		logger := log.WithComponentFromContext(r.Context(), "api")
		logger.Error().Err(err).Msg("request failed")
	}

	body := map[string]any{"success": false, "error": message}
	if details != nil {
		body["details"] = details
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func classify(err error) (int, string, any) {
	var ae *apiError
	switch {
	case errors.As(err, &ae):
		return ae.Status, ae.Message, ae.Details
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "not found", nil
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, "conflict", nil
	case errors.Is(err, stream.ErrNoActiveStream):
		return http.StatusNotFound, "no active stream for device", nil
	case errors.Is(err, stream.ErrNotDwelling):
		return http.StatusConflict, "stream is not dwelling", nil
	case errors.Is(err, stream.ErrDeviceNotConnected):
		return http.StatusConflict, "device not connected", nil
	case errors.Is(err, stream.ErrRouteTooShort):
		return http.StatusBadRequest, "route has too few points", nil
	case errors.Is(err, routegate.ErrInvalidSpikes):
		return http.StatusBadRequest, "route contains coordinate spikes", nil
	case errors.Is(err, routegate.ErrInvalidGeometry):
		return http.StatusBadRequest, "invalid route geometry", map[string]any{"reason": err.Error()}
	case errors.Is(err, routes.ErrNoWaypoints), errors.Is(err, routes.ErrBadWaypoint):
		return http.StatusBadRequest, err.Error(), nil
	case errors.Is(err, ors.ErrNotConfigured):
		return http.StatusBadGateway, "routing service not configured", nil
	case errors.Is(err, ors.ErrNoResults):
		return http.StatusBadRequest, "no results for query", nil
	case errors.Is(err, ors.ErrBadProfile):
		return http.StatusBadRequest, "unknown routing profile", nil
	case errors.Is(err, ors.ErrUpstream):
		return http.StatusBadGateway, "routing service unavailable", nil
	case errors.Is(err, auth.ErrExpiredToken), errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized, "authentication failed", nil
	default:
		return http.StatusInternalServerError, "internal error", nil
	}
}
