// SPDX-License-Identifier: MIT

package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/routecast/routecast/internal/audit"
	"github.com/routecast/routecast/internal/auth"
	"github.com/routecast/routecast/internal/kv"
	"github.com/routecast/routecast/internal/ratelimit"
	"github.com/routecast/routecast/internal/store"
	"github.com/routecast/routecast/internal/stream"
)

// enrollTTL is how long an issued enroll code stays claimable.
const enrollTTL = 600 * time.Second

// enrollGrant is the Redis value behind an issued enroll code.
type enrollGrant struct {
	OwnerUserID string `json:"ownerUserId"`
	DeviceID    string `json:"deviceId,omitempty"`
	Label       string `json:"label,omitempty"`
}

type registerDeviceRequest struct {
	DeviceID   string `json:"deviceId"`
	Platform   string `json:"platform"`
	AppVersion string `json:"appVersion"`
	Label      string `json:"label"`
}

// handleDeviceRegister upserts a device under the calling operator.
func (s *Server) handleDeviceRegister(w http.ResponseWriter, r *http.Request) {
	var req registerDeviceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	req.DeviceID = strings.TrimSpace(req.DeviceID)
	if req.DeviceID == "" {
		writeError(w, r, badRequest("deviceId is required"))
		return
	}

	claims := operator(r)
	if existing, err := s.st.DeviceByID(r.Context(), req.DeviceID); err == nil {
		if claims.Role != auth.RoleAdmin && existing.OwnerUserID != claims.Subject {
			writeError(w, r, forbidden("device belongs to another user"))
			return
		}
	}

	device := store.Device{
		DeviceID:    req.DeviceID,
		OwnerUserID: claims.Subject,
		Platform:    req.Platform,
		AppVersion:  req.AppVersion,
		Label:       req.Label,
		LastSeenAt:  time.Now(),
		LastIP:      clientIP(r),
	}
	if err := s.st.UpsertDevice(r.Context(), device); err != nil {
		writeError(w, r, err)
		return
	}

	stored, err := s.st.DeviceByID(r.Context(), req.DeviceID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"device": stored})
}

type enrollRequest struct {
	DeviceID string `json:"deviceId"`
	Label    string `json:"label"`
}

// handleDeviceEnroll issues a short-lived 6-digit code the device
// types in to claim its token.
func (s *Server) handleDeviceEnroll(w http.ResponseWriter, r *http.Request) {
	var req enrollRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	code, err := auth.NewEnrollCode()
	if err != nil {
		writeError(w, r, err)
		return
	}
	claims := operator(r)
	grant := enrollGrant{
		OwnerUserID: claims.Subject,
		DeviceID:    strings.TrimSpace(req.DeviceID),
		Label:       req.Label,
	}
	if err := s.kvs.PutJSON(r.Context(), kv.EnrollKey(code), grant, enrollTTL); err != nil {
		writeError(w, r, err)
		return
	}

	s.rec.Record(r.Context(), audit.Event{
		Type:     audit.EventEnrollIssue,
		Actor:    claims.Subject,
		DeviceID: grant.DeviceID,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"code":             code,
		"expiresInSeconds": int(enrollTTL.Seconds()),
	})
}

type activateRequest struct {
	Code       string `json:"code"`
	DeviceID   string `json:"deviceId"`
	Platform   string `json:"platform"`
	AppVersion string `json:"appVersion"`
}

// handleActivate claims an enroll code. The code is single use: the
// Redis read deletes it atomically, so a second claim misses.
func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	if res := s.limiter.Allow(r.Context(), ratelimit.ScopeActivate, clientIP(r)); !res.Allowed {
		writeError(w, r, rateLimited(res))
		return
	}

	var req activateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	req.Code = strings.TrimSpace(req.Code)
	if req.Code == "" {
		writeError(w, r, badRequest("code is required"))
		return
	}

	var grant enrollGrant
	claimed, err := s.kvs.ClaimJSON(r.Context(), kv.EnrollKey(req.Code), &grant)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !claimed {
		writeError(w, r, badRequest("invalid or expired enroll code"))
		return
	}

	deviceID := grant.DeviceID
	if deviceID == "" {
		deviceID = strings.TrimSpace(req.DeviceID)
	}
	if deviceID == "" {
		writeError(w, r, badRequest("deviceId is required"))
		return
	}

	device := store.Device{
		DeviceID:    deviceID,
		OwnerUserID: grant.OwnerUserID,
		Platform:    req.Platform,
		AppVersion:  req.AppVersion,
		Label:       grant.Label,
		LastSeenAt:  time.Now(),
		LastIP:      clientIP(r),
	}
	if err := s.st.UpsertDevice(r.Context(), device); err != nil {
		writeError(w, r, err)
		return
	}

	token, tokenID, err := s.tokens.IssueDeviceToken(deviceID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	s.rec.Record(r.Context(), audit.Event{
		Type:     audit.EventEnrollClaim,
		Actor:    deviceID,
		DeviceID: deviceID,
		Details:  map[string]string{"tokenId": tokenID, "owner": grant.OwnerUserID},
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"token":    token,
		"deviceId": deviceID,
	})
}

// handleDeviceList pages through devices. Admins see every device,
// users only their own.
func (s *Server) handleDeviceList(w http.ResponseWriter, r *http.Request) {
	claims := operator(r)
	filter := store.DeviceFilter{
		Page:                queryInt(r, "page", 1, 1, 1<<30),
		Limit:               queryInt(r, "limit", 50, 1, 100),
		ActiveWithinSeconds: queryInt(r, "activeWithinSeconds", 0, 0, 1<<30),
	}
	if claims.Role != auth.RoleAdmin {
		filter.OwnerUserID = claims.Subject
	}

	devices, total, err := s.st.ListDevices(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if devices == nil {
		devices = []store.Device{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"devices": devices,
		"total":   total,
		"page":    filter.Page,
		"limit":   filter.Limit,
	})
}

func (s *Server) handleDeviceGet(w http.ResponseWriter, r *http.Request) {
	device, err := s.deviceForOperator(r, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"device": device})
}

// handleDeviceDelete stops any running stream, then cascades the
// delete through streams, audit entries and credentials.
func (s *Server) handleDeviceDelete(w http.ResponseWriter, r *http.Request) {
	device, err := s.deviceForOperator(r, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	claims := operator(r)
	if err := s.streams.Stop(r.Context(), device.DeviceID, claims.Subject); err != nil && !errors.Is(err, stream.ErrNoActiveStream) {
		writeError(w, r, err)
		return
	}
	if err := s.st.DeleteDevice(r.Context(), device.DeviceID); err != nil {
		writeError(w, r, err)
		return
	}

	s.rec.Record(r.Context(), audit.Event{
		Type:     audit.EventDeviceDelete,
		Actor:    claims.Subject,
		DeviceID: device.DeviceID,
	})
	writeJSON(w, http.StatusOK, map[string]any{"deviceId": device.DeviceID})
}

type assignRouteRequest struct {
	RouteID string `json:"routeId"`
}

// handleDeviceAssignRoute sets or clears the device's assigned route.
func (s *Server) handleDeviceAssignRoute(w http.ResponseWriter, r *http.Request) {
	device, err := s.deviceForOperator(r, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	var req assignRouteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.RouteID != "" {
		if _, err := s.routeForOperator(r, req.RouteID); err != nil {
			writeError(w, r, err)
			return
		}
	}

	if err := s.routes.Assign(r.Context(), device.DeviceID, req.RouteID, operator(r).Subject); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deviceId": device.DeviceID,
		"routeId":  req.RouteID,
	})
}

// queryInt parses a clamped integer query parameter.
func queryInt(r *http.Request, name string, def, lo, hi int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
