// SPDX-License-Identifier: MIT

package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/routecast/routecast/internal/ors"
	"github.com/routecast/routecast/internal/ratelimit"
)

type suggestion struct {
	Label string  `json:"label"`
	Lat   float64 `json:"lat"`
	Lng   float64 `json:"lng"`
}

// handleAutocomplete serves address suggestions for partial input.
// Zero matches is a normal outcome, not an error.
func (s *Server) handleAutocomplete(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		writeError(w, r, badRequest("query parameter q is required"))
		return
	}
	limit := queryInt(r, "limit", 5, 1, 10)
	country := strings.TrimSpace(r.URL.Query().Get("country"))

	if res := s.limiter.Allow(r.Context(), ratelimit.ScopeAddresses, operator(r).Subject); !res.Allowed {
		writeError(w, r, rateLimited(res))
		return
	}

	matches, err := s.geocoder.Autocomplete(r.Context(), query, country)
	if errors.Is(err, ors.ErrNoResults) {
		writeJSON(w, http.StatusOK, map[string]any{"suggestions": []suggestion{}})
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	if len(matches) > limit {
		matches = matches[:limit]
	}
	out := make([]suggestion, len(matches))
	for i, m := range matches {
		out[i] = suggestion{Label: m.Label, Lat: m.Point.Lat, Lng: m.Point.Lng}
	}
	writeJSON(w, http.StatusOK, map[string]any{"suggestions": out})
}
