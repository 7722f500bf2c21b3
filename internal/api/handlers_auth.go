// SPDX-License-Identifier: MIT

package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/routecast/routecast/internal/audit"
	"github.com/routecast/routecast/internal/auth"
	"github.com/routecast/routecast/internal/kv"
	"github.com/routecast/routecast/internal/ratelimit"
	"github.com/routecast/routecast/internal/store"
	"github.com/routecast/routecast/internal/ws"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// handleLogin exchanges username/password for a bearer token. Failed
// attempts burn the same per-IP budget as successful ones.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if res := s.limiter.Allow(r.Context(), ratelimit.ScopeLogin, clientIP(r)); !res.Allowed {
		writeError(w, r, rateLimited(res))
		return
	}

	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		writeError(w, r, badRequest("username and password are required"))
		return
	}

	user, err := s.st.UserByUsername(r.Context(), req.Username)
	if err != nil || !auth.CheckPassword(user.PasswordHash, req.Password) {
		s.rec.Record(r.Context(), audit.Event{
			Type:    audit.EventLoginFailure,
			Actor:   req.Username,
			Result:  "failure",
			Details: map[string]string{"ip": clientIP(r)},
		})
		writeError(w, r, unauthorized("invalid credentials"))
		return
	}

	token, err := s.tokens.IssueUserToken(user.ID, user.Username, operatorRole(user.Role))
	if err != nil {
		writeError(w, r, err)
		return
	}

	s.rec.Record(r.Context(), audit.Event{Type: audit.EventLogin, Actor: user.ID})
	writeJSON(w, http.StatusOK, map[string]any{
		"token": token,
		"user": map[string]any{
			"id":       user.ID,
			"username": user.Username,
			"role":     user.Role,
		},
	})
}

type wsTokenRequest struct {
	DeviceID string `json:"deviceId"`
}

// handleWSToken pre-authorizes a device socket: it mints an opaque
// token and stores it in the per-device auth cache, so the device
// connects and reconnects without carrying the operator's JWT.
func (s *Server) handleWSToken(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFrom(r.Context())
	if !ok {
		writeError(w, r, unauthorized("missing bearer token"))
		return
	}

	var req wsTokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.DeviceID == "" {
		writeError(w, r, badRequest("deviceId is required"))
		return
	}
	if _, err := s.deviceForOperator(r, req.DeviceID); err != nil {
		writeError(w, r, err)
		return
	}

	nonce, err := auth.NewNonce()
	if err != nil {
		writeError(w, r, err)
		return
	}
	entry := ws.AuthCacheEntry{
		Token:        nonce,
		Subject:      claims.Subject,
		Role:         claims.Role,
		AuthorizedAt: time.Now().UnixMilli(),
	}
	if err := s.kvs.PutJSON(r.Context(), kv.AuthKey(req.DeviceID), entry, s.cfg.WSAuthTTL); err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"token":            nonce,
		"deviceId":         req.DeviceID,
		"expiresInSeconds": int(s.cfg.WSAuthTTL.Seconds()),
	})
}

func operatorRole(role store.Role) string {
	if role == store.RoleAdmin {
		return auth.RoleAdmin
	}
	return auth.RoleUser
}
