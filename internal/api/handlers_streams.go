// SPDX-License-Identifier: MIT

package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/routecast/routecast/internal/auth"
	"github.com/routecast/routecast/internal/store"
	"github.com/routecast/routecast/internal/stream"
)

type streamStartRequest struct {
	DeviceID   string        `json:"deviceId"`
	RouteID    string        `json:"routeId"`
	Speed      float64       `json:"speed"`
	Accuracy   float64       `json:"accuracy"`
	IntervalMs int           `json:"intervalMs"`
	Loop       bool          `json:"loop"`
	Pauses     []store.Pause `json:"pauses"`
}

// handleStreamStart launches a stream. Without an explicit routeId the
// device's assigned route is used.
func (s *Server) handleStreamStart(w http.ResponseWriter, r *http.Request) {
	var req streamStartRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.DeviceID == "" {
		writeError(w, r, badRequest("deviceId is required"))
		return
	}

	device, err := s.deviceForOperator(r, req.DeviceID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	routeID := req.RouteID
	if routeID == "" {
		routeID = device.AssignedRouteID
	}
	if routeID == "" {
		writeError(w, r, badRequest("no routeId given and no route assigned to device"))
		return
	}
	if _, err := s.routeForOperator(r, routeID); err != nil {
		writeError(w, r, err)
		return
	}

	status, err := s.streams.Start(r.Context(), stream.StartParams{
		DeviceID:    device.DeviceID,
		RouteID:     routeID,
		OwnerUserID: device.OwnerUserID,
		ActorUserID: operator(r).Subject,
		Overrides: store.RouteConfig{
			SpeedKmh:   req.Speed,
			AccuracyM:  req.Accuracy,
			IntervalMs: req.IntervalMs,
			Loop:       req.Loop,
			Pauses:     req.Pauses,
		},
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stream": status})
}

type streamDeviceRequest struct {
	DeviceID string `json:"deviceId"`
}

// streamDevice decodes the shared {deviceId} body and checks access.
func (s *Server) streamDevice(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req streamDeviceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return "", false
	}
	if req.DeviceID == "" {
		writeError(w, r, badRequest("deviceId is required"))
		return "", false
	}
	if _, err := s.deviceForOperator(r, req.DeviceID); err != nil {
		writeError(w, r, err)
		return "", false
	}
	return req.DeviceID, true
}

func (s *Server) handleStreamPause(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := s.streamDevice(w, r)
	if !ok {
		return
	}
	if err := s.streams.Pause(r.Context(), deviceID, operator(r).Subject); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deviceId": deviceID,
		"status":   store.StreamPaused,
	})
}

func (s *Server) handleStreamResume(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := s.streamDevice(w, r)
	if !ok {
		return
	}
	if err := s.streams.Resume(r.Context(), deviceID, operator(r).Subject); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deviceId": deviceID,
		"status":   store.StreamStarted,
	})
}

// handleStreamStop is idempotent: stopping a device with no running
// stream reports noop instead of failing.
func (s *Server) handleStreamStop(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := s.streamDevice(w, r)
	if !ok {
		return
	}
	err := s.streams.Stop(r.Context(), deviceID, operator(r).Subject)
	if errors.Is(err, stream.ErrNoActiveStream) {
		writeJSON(w, http.StatusOK, map[string]any{
			"deviceId": deviceID,
			"status":   store.StreamStopped,
			"noop":     true,
		})
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deviceId": deviceID,
		"status":   store.StreamStopped,
	})
}

// handleStreamSkipDwell cancels the current dwell; a moving stream
// yields a conflict.
func (s *Server) handleStreamSkipDwell(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := s.streamDevice(w, r)
	if !ok {
		return
	}
	if err := s.streams.SkipDwell(r.Context(), deviceID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deviceId": deviceID})
}

type extendDwellRequest struct {
	DeviceID string  `json:"deviceId"`
	Seconds  float64 `json:"seconds"`
}

func (s *Server) handleStreamExtendDwell(w http.ResponseWriter, r *http.Request) {
	var req extendDwellRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.DeviceID == "" {
		writeError(w, r, badRequest("deviceId is required"))
		return
	}
	if req.Seconds <= 0 {
		writeError(w, r, badRequest("seconds must be positive"))
		return
	}
	if _, err := s.deviceForOperator(r, req.DeviceID); err != nil {
		writeError(w, r, err)
		return
	}

	if err := s.streams.ExtendDwell(r.Context(), req.DeviceID, req.Seconds); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deviceId": req.DeviceID,
		"seconds":  req.Seconds,
	})
}

func (s *Server) handleStreamStatus(w http.ResponseWriter, r *http.Request) {
	device, err := s.deviceForOperator(r, chi.URLParam(r, "deviceId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	status, err := s.streams.StreamStatus(r.Context(), device.DeviceID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stream": status})
}

// handleStreamAll lists active streams, filtered to the caller's
// devices unless the caller is an admin.
func (s *Server) handleStreamAll(w http.ResponseWriter, r *http.Request) {
	claims := operator(r)
	all := s.streams.ListActive(r.Context())

	visible := make([]stream.Status, 0, len(all))
	for _, status := range all {
		if claims.Role != auth.RoleAdmin {
			device, err := s.st.DeviceByID(r.Context(), status.DeviceID)
			if err != nil || device.OwnerUserID != claims.Subject {
				continue
			}
		}
		visible = append(visible, status)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"streams": visible,
		"count":   len(visible),
	})
}

func (s *Server) handleStreamHistory(w http.ResponseWriter, r *http.Request) {
	device, err := s.deviceForOperator(r, chi.URLParam(r, "deviceId"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	limit := queryInt(r, "limit", 20, 1, 100)
	history, err := s.streams.History(r.Context(), device.DeviceID, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if history == nil {
		history = []store.StreamRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deviceId": device.DeviceID,
		"history":  history,
	})
}
