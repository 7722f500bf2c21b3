// SPDX-License-Identifier: MIT

package api

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/routecast/routecast/internal/auth"
	"github.com/routecast/routecast/internal/ratelimit"
	"github.com/routecast/routecast/internal/routes"
	"github.com/routecast/routecast/internal/store"
)

// routeCreated writes the shared creation response: 201 for a fresh
// route, 200 when an idempotency key resolved to an existing one.
func routeCreated(w http.ResponseWriter, route store.Route, reused bool) {
	status := http.StatusCreated
	if reused {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]any{
		"route":  route,
		"reused": reused,
	})
}

// idempotencyKey returns the client-supplied header or a SHA-256 over
// the canonical request, so byte-identical resubmissions dedupe even
// without a header.
func idempotencyKey(r *http.Request, body []byte) string {
	if key := strings.TrimSpace(r.Header.Get("X-Idempotency-Key")); key != "" {
		return key
	}
	sum := sha256.Sum256(append([]byte(r.URL.Path+"\n"), body...))
	return hex.EncodeToString(sum[:])
}

// readBody buffers the bounded request body so it can feed both the
// JSON decoder and the idempotency hash.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, &apiError{Status: http.StatusRequestEntityTooLarge, Message: "request body too large"}
	}
	return body, nil
}

func decodeBody(body []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(dst); err != nil {
		return badRequest("invalid JSON body")
	}
	return nil
}

type fromPointsRequest struct {
	Name   string              `json:"name"`
	Points []routes.InputPoint `json:"points"`
	Config *store.RouteConfig  `json:"config"`
}

func (s *Server) handleRouteFromPoints(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req fromPointsRequest
	if err := decodeBody(body, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if len(req.Points) < 2 {
		writeError(w, r, badRequest("at least 2 points are required"))
		return
	}

	route, reused, err := s.routes.FromPoints(r.Context(), s.createRequest(r, req.Name, req.Config, body), req.Points)
	if err != nil {
		writeError(w, r, err)
		return
	}
	routeCreated(w, route, reused)
}

type fromGPXRequest struct {
	Name       string             `json:"name"`
	GPXContent string             `json:"gpxContent"`
	Config     *store.RouteConfig `json:"config"`
}

func (s *Server) handleRouteFromGPX(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req fromGPXRequest
	if err := decodeBody(body, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.GPXContent) == "" {
		writeError(w, r, badRequest("gpxContent is required"))
		return
	}

	route, reused, err := s.routes.FromGPX(r.Context(), s.createRequest(r, req.Name, req.Config, body), req.GPXContent)
	if err != nil {
		writeError(w, r, err)
		return
	}
	routeCreated(w, route, reused)
}

type fromAddressesRequest struct {
	Name               string             `json:"name"`
	OriginText         string             `json:"originText"`
	DestinationText    string             `json:"destinationText"`
	Profile            string             `json:"profile"`
	PointSpacingMeters float64            `json:"pointSpacingMeters"`
	WaitAtEndSeconds   int                `json:"waitAtEndSeconds"`
	Config             *store.RouteConfig `json:"config"`
}

func (s *Server) handleRouteFromAddresses(w http.ResponseWriter, r *http.Request) {
	if !s.allowAddresses(w, r) {
		return
	}
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req fromAddressesRequest
	if err := decodeBody(body, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.OriginText) == "" || strings.TrimSpace(req.DestinationText) == "" {
		writeError(w, r, badRequest("originText and destinationText are required"))
		return
	}

	name := req.Name
	if name == "" {
		name = req.OriginText + " to " + req.DestinationText
	}
	create := s.createRequest(r, name, req.Config, body)
	s.annotateRouting(&create, req.Profile, req.PointSpacingMeters)

	route, reused, err := s.routes.FromAddresses(r.Context(), create, req.OriginText, req.DestinationText, req.WaitAtEndSeconds)
	if err != nil {
		writeError(w, r, err)
		return
	}
	routeCreated(w, route, reused)
}

type fromAddressesWithStopsRequest struct {
	Name               string                 `json:"name"`
	OriginText         string                 `json:"originText"`
	DestinationText    string                 `json:"destinationText"`
	Stops              []routes.InputWaypoint `json:"stops"`
	Profile            string                 `json:"profile"`
	PointSpacingMeters float64                `json:"pointSpacingMeters"`
	Config             *store.RouteConfig     `json:"config"`
}

// handleRouteFromAddressesWithStops accepts either explicit origin and
// destination texts plus stops, or a bare stops list whose first and
// last entries become origin and destination.
func (s *Server) handleRouteFromAddressesWithStops(w http.ResponseWriter, r *http.Request) {
	if !s.allowAddresses(w, r) {
		return
	}
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req fromAddressesWithStopsRequest
	if err := decodeBody(body, &req); err != nil {
		writeError(w, r, err)
		return
	}

	origin := strings.TrimSpace(req.OriginText)
	destination := strings.TrimSpace(req.DestinationText)
	stops := req.Stops
	if origin == "" || destination == "" {
		if len(stops) < 2 {
			writeError(w, r, badRequest("need originText/destinationText or at least 2 stops"))
			return
		}
		origin = stops[0].Text
		destination = stops[len(stops)-1].Text
		stops = stops[1 : len(stops)-1]
	}
	if origin == "" || destination == "" {
		writeError(w, r, badRequest("origin and destination addresses are required"))
		return
	}

	name := req.Name
	if name == "" {
		name = fmt.Sprintf("%s to %s (%d stops)", origin, destination, len(stops))
	}
	create := s.createRequest(r, name, req.Config, body)
	s.annotateRouting(&create, req.Profile, req.PointSpacingMeters)

	route, reused, err := s.routes.FromAddressesWithStops(r.Context(), create, origin, destination, stops)
	if err != nil {
		writeError(w, r, err)
		return
	}
	routeCreated(w, route, reused)
}

type fromWaypointsRequest struct {
	Name               string                 `json:"name"`
	Waypoints          []routes.InputWaypoint `json:"waypoints"`
	Profile            string                 `json:"profile"`
	PointSpacingMeters float64                `json:"pointSpacingMeters"`
	Config             *store.RouteConfig     `json:"config"`
}

func (s *Server) handleRouteFromWaypoints(w http.ResponseWriter, r *http.Request) {
	if !s.allowAddresses(w, r) {
		return
	}
	body, err := readBody(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req fromWaypointsRequest
	if err := decodeBody(body, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if len(req.Waypoints) < 2 {
		writeError(w, r, badRequest("at least 2 waypoints are required"))
		return
	}

	name := req.Name
	if name == "" {
		name = fmt.Sprintf("Waypoint route (%d stops)", len(req.Waypoints))
	}
	create := s.createRequest(r, name, req.Config, body)
	s.annotateRouting(&create, req.Profile, req.PointSpacingMeters)

	route, reused, err := s.routes.FromWaypoints(r.Context(), create, req.Waypoints)
	if err != nil {
		writeError(w, r, err)
		return
	}
	routeCreated(w, route, reused)
}

// createRequest assembles the shared creation envelope for the route
// service.
func (s *Server) createRequest(r *http.Request, name string, cfg *store.RouteConfig, body []byte) routes.CreateRequest {
	claims := operator(r)
	config := store.DefaultRouteConfig().Merge(store.RouteConfig{
		SpeedKmh:   s.cfg.StreamDefaultSpeedKmh,
		AccuracyM:  s.cfg.StreamDefaultAccuracyM,
		IntervalMs: s.cfg.StreamTickMs,
		Loop:       s.cfg.StreamDefaultLoop,
	})
	if cfg != nil {
		config = config.Merge(*cfg)
	}
	if name == "" {
		name = "Route " + time.Now().Format("2006-01-02 15:04")
	}
	return routes.CreateRequest{
		OwnerUserID:    claims.Subject,
		ActorUserID:    claims.Subject,
		Name:           name,
		Config:         config,
		IdempotencyKey: idempotencyKey(r, body),
	}
}

// annotateRouting feeds profile and spacing into route creation and
// stows them so clients get them back unchanged on reads.
func (s *Server) annotateRouting(create *routes.CreateRequest, profile string, spacing float64) {
	if spacing <= 0 {
		spacing = s.cfg.ORSDefaultPointSpacing
	}
	create.Profile = profile
	create.PointSpacingMeters = spacing
	if profile != "" {
		create.Config.SetExtra("profile", profile)
	}
	if spacing > 0 {
		create.Config.SetExtra("pointSpacingMeters", spacing)
	}
}

// allowAddresses enforces the per-user budget on endpoints that spend
// upstream geocoding calls.
func (s *Server) allowAddresses(w http.ResponseWriter, r *http.Request) bool {
	if res := s.limiter.Allow(r.Context(), ratelimit.ScopeAddresses, operator(r).Subject); !res.Allowed {
		writeError(w, r, rateLimited(res))
		return false
	}
	return true
}

func (s *Server) handleRouteList(w http.ResponseWriter, r *http.Request) {
	claims := operator(r)
	owner := claims.Subject
	if claims.Role == auth.RoleAdmin {
		owner = ""
	}
	list, err := s.st.ListRoutes(r.Context(), owner)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if list == nil {
		list = []store.Route{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"routes": list, "count": len(list)})
}

func (s *Server) handleRouteGet(w http.ResponseWriter, r *http.Request) {
	route, err := s.routeForOperator(r, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	points, err := s.st.RoutePoints(r.Context(), route.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	waypoints, err := s.st.RouteWaypoints(r.Context(), route.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if waypoints == nil {
		waypoints = []store.Waypoint{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"route":     route,
		"points":    points,
		"waypoints": waypoints,
	})
}

type configPatch struct {
	Speed      *float64      `json:"speed"`
	Accuracy   *float64      `json:"accuracy"`
	IntervalMs *int          `json:"intervalMs"`
	Loop       *bool         `json:"loop"`
	Pauses     []store.Pause `json:"pauses"`
}

// handleRouteConfigUpdate applies a partial update: only fields
// present in the body change, everything else keeps its stored value.
func (s *Server) handleRouteConfigUpdate(w http.ResponseWriter, r *http.Request) {
	route, err := s.routeForOperator(r, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	var patch configPatch
	if err := decodeJSON(w, r, &patch); err != nil {
		writeError(w, r, err)
		return
	}

	cfg := route.Config
	if patch.Speed != nil {
		if *patch.Speed <= 0 {
			writeError(w, r, badRequest("speed must be positive"))
			return
		}
		cfg.SpeedKmh = *patch.Speed
	}
	if patch.Accuracy != nil {
		cfg.AccuracyM = *patch.Accuracy
	}
	if patch.IntervalMs != nil {
		cfg.IntervalMs = *patch.IntervalMs
	}
	if patch.Loop != nil {
		cfg.Loop = *patch.Loop
	}
	if patch.Pauses != nil {
		cfg.Pauses = patch.Pauses
	}
	cfg.Normalize()

	if err := s.st.UpdateRouteConfig(r.Context(), route.ID, cfg); err != nil {
		writeError(w, r, err)
		return
	}
	route.Config = cfg
	writeJSON(w, http.StatusOK, map[string]any{"route": route})
}

func (s *Server) handleRouteDelete(w http.ResponseWriter, r *http.Request) {
	route, err := s.routeForOperator(r, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.routes.Delete(r.Context(), route.ID, operator(r).Subject); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"routeId": route.ID})
}
