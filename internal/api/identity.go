// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/routecast/routecast/internal/auth"
	"github.com/routecast/routecast/internal/store"
)

type ctxKey int

const claimsKey ctxKey = iota

// ClaimsFrom extracts the verified caller identity set by the
// authentication middleware.
func ClaimsFrom(ctx context.Context) (auth.Claims, bool) {
	c, ok := ctx.Value(claimsKey).(auth.Claims)
	return c, ok
}

// authenticate verifies the bearer token and stores the claims in the
// request context. Requests without valid credentials get a 401.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token == "" || token == header {
			writeError(w, r, unauthorized("missing bearer token"))
			return
		}
		claims, err := s.tokens.Verify(token)
		if err != nil {
			writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
	})
}

// requireOperator rejects device tokens on the operator surface.
func requireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFrom(r.Context())
		if !ok {
			writeError(w, r, unauthorized("missing bearer token"))
			return
		}
		if !claims.IsOperator() {
			writeError(w, r, forbidden("operator token required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// operator returns the authenticated operator claims. Handlers behind
// requireOperator can rely on ok being true.
func operator(r *http.Request) auth.Claims {
	claims, _ := ClaimsFrom(r.Context())
	return claims
}

// deviceForOperator loads a device and enforces owner-or-admin access.
func (s *Server) deviceForOperator(r *http.Request, deviceID string) (store.Device, error) {
	device, err := s.st.DeviceByID(r.Context(), deviceID)
	if err != nil {
		return store.Device{}, err
	}
	claims := operator(r)
	if claims.Role != auth.RoleAdmin && device.OwnerUserID != claims.Subject {
		return store.Device{}, forbidden("not the device owner")
	}
	return device, nil
}

// routeForOperator loads a route and enforces owner-or-admin access.
func (s *Server) routeForOperator(r *http.Request, routeID string) (store.Route, error) {
	route, err := s.st.RouteByID(r.Context(), routeID)
	if err != nil {
		return store.Route{}, err
	}
	claims := operator(r)
	if claims.Role != auth.RoleAdmin && route.OwnerUserID != claims.Subject {
		return store.Route{}, forbidden("not the route owner")
	}
	return route, nil
}

// clientIP strips the port from the remote address for rate limiting.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
