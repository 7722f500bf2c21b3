// SPDX-License-Identifier: MIT

package ws

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/routecast/routecast/internal/auth"
	"github.com/routecast/routecast/internal/kv"
	"github.com/routecast/routecast/internal/log"
	"github.com/routecast/routecast/internal/metrics"
	"github.com/routecast/routecast/internal/session"
	"github.com/routecast/routecast/internal/store"
)

// AuthCacheEntry is the cached authorization for one device socket.
// Reconnects presenting the same token skip full verification; each
// successful connect refreshes the entry's TTL.
type AuthCacheEntry struct {
	Token        string `json:"token"`
	Subject      string `json:"userId"`
	Role         string `json:"role"`
	AuthorizedAt int64  `json:"authorizedAt"`
}

// errMalformedFrame marks an inbound frame that failed to parse. The
// socket stays open; the frame is counted and dropped.
var errMalformedFrame = errors.New("ws: malformed frame")

var errDeviceIDRequired = errors.New("ws: deviceId required")

// Config holds socket server settings.
type Config struct {
	ConnTTL        time.Duration
	AuthTTL        time.Duration
	AllowedOrigins []string
}

// Server authenticates and serves socket connections for devices and
// operators.
type Server struct {
	cfg      Config
	upgrader websocket.Upgrader
	tokens   *auth.Manager
	kvs      *kv.Store
	st       store.Store
	registry *session.Registry
	logger   zerolog.Logger
}

// NewServer wires the socket server.
func NewServer(cfg Config, tokens *auth.Manager, kvs *kv.Store, st store.Store, registry *session.Registry) *Server {
	s := &Server{
		cfg:      cfg,
		tokens:   tokens,
		kvs:      kvs,
		st:       st,
		registry: registry,
		logger:   log.WithComponent("ws"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

// ServeHTTP upgrades /ws requests. Anything that is not a WebSocket
// upgrade is a 400; auth failures upgrade first so the client receives
// a meaningful close code.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusBadRequest)
		return
	}

	claims, deviceID, closeCode, authErr := s.authenticate(r)

	raw, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("upgrade failed")
		return
	}
	conn := NewWebSocketConn(raw, s.logger)

	if authErr != nil {
		s.logger.Info().Err(authErr).Str("remote", r.RemoteAddr).Msg("socket auth failed")
		reason := "authentication failed"
		if closeCode == session.CloseDeviceIDRequired {
			reason = "deviceId required"
		}
		conn.Close(closeCode, reason)
		return
	}

	s.serve(r.Context(), conn, claims, deviceID, func() (Envelope, error) {
		_ = raw.SetReadDeadline(time.Now().Add(readTimeout))
		raw.SetPongHandler(func(string) error {
			return raw.SetReadDeadline(time.Now().Add(readTimeout))
		})
		_, data, err := raw.ReadMessage()
		if err != nil {
			return Envelope{}, err
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return Envelope{}, fmt.Errorf("%w: %v", errMalformedFrame, err)
		}
		return env, nil
	})
}

// authenticate resolves the connecting identity. The device identifies
// itself with the X-Device-Id header or the deviceId query parameter;
// the token comes from the token query parameter or the Authorization
// header.
func (s *Server) authenticate(r *http.Request) (auth.Claims, string, int, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	deviceID := r.Header.Get("X-Device-Id")
	if deviceID == "" {
		deviceID = r.URL.Query().Get("deviceId")
	}
	return s.authorize(r.Context(), token, deviceID)
}

// authorize resolves token plus deviceId for both transports. A cached
// authorization for the device short-circuits verification so
// reconnects stay cheap; a fresh verification (re)writes the cache.
// The int is the close code to use when err is non-nil.
func (s *Server) authorize(ctx context.Context, token, deviceID string) (auth.Claims, string, int, error) {
	if token == "" {
		return auth.Claims{}, "", session.CloseAuthFailed, auth.ErrInvalidToken
	}

	if deviceID != "" {
		var entry AuthCacheEntry
		found, err := s.kvs.GetJSON(ctx, kv.AuthKey(deviceID), &entry)
		if err != nil {
			s.logger.Warn().Err(err).Msg("auth cache lookup failed")
		}
		if found && subtle.ConstantTimeCompare([]byte(entry.Token), []byte(token)) == 1 {
			if _, err := s.kvs.Refresh(ctx, kv.AuthKey(deviceID), s.cfg.AuthTTL); err != nil {
				s.logger.Debug().Err(err).Msg("auth cache refresh failed")
			}
			return auth.Claims{Subject: entry.Subject, Role: entry.Role}, deviceID, 0, nil
		}
	}

	claims, err := s.tokens.Verify(token)
	if err != nil {
		return auth.Claims{}, "", session.CloseAuthFailed, err
	}

	switch claims.Role {
	case auth.RoleDevice:
		// A device token is bound to exactly one device.
		if deviceID == "" {
			deviceID = claims.Subject
		} else if deviceID != claims.Subject {
			return auth.Claims{}, "", session.CloseAuthFailed, auth.ErrInvalidToken
		}
	case auth.RoleUser:
		// A user credential drives a device socket and must say which.
		if deviceID == "" {
			return auth.Claims{}, "", session.CloseDeviceIDRequired, errDeviceIDRequired
		}
	case auth.RoleAdmin:
		// Admin sessions watch everything; no device binding.
	default:
		return auth.Claims{}, "", session.CloseAuthFailed, auth.ErrInvalidToken
	}

	if deviceID != "" {
		s.cacheAuthorization(ctx, deviceID, token, claims)
	}
	return claims, deviceID, 0, nil
}

func (s *Server) cacheAuthorization(ctx context.Context, deviceID, token string, claims auth.Claims) {
	entry := AuthCacheEntry{
		Token:        token,
		Subject:      claims.Subject,
		Role:         claims.Role,
		AuthorizedAt: time.Now().UnixMilli(),
	}
	if err := s.kvs.PutJSON(ctx, kv.AuthKey(deviceID), entry, s.cfg.AuthTTL); err != nil {
		s.logger.Debug().Err(err).Msg("auth cache write failed")
	}
}

// serve runs the per-connection lifecycle and read loop. It returns
// when the peer goes away or the connection is closed server-side.
func (s *Server) serve(ctx context.Context, conn *Conn, claims auth.Claims, deviceID string, readNext func() (Envelope, error)) {
	switch claims.Role {
	case auth.RoleDevice, auth.RoleUser:
		s.serveDevice(ctx, conn, deviceID, readNext)
	case auth.RoleAdmin:
		s.serveOperator(ctx, conn, claims, readNext)
	default:
		conn.Close(session.CloseAuthFailed, "unknown role")
	}
}

func (s *Server) serveDevice(ctx context.Context, conn *Conn, deviceID string, readNext func() (Envelope, error)) {
	device, err := s.st.DeviceByID(ctx, deviceID)
	if err != nil {
		conn.Close(session.CloseNotRegistered, "device not registered")
		return
	}

	logger := log.WithDevice("ws", deviceID)
	s.registry.BindDevice(deviceID, conn)
	s.markConnected(ctx, device, true)
	metrics.SocketConnections.WithLabelValues(conn.Transport(), "device").Inc()

	defer func() {
		metrics.SocketConnections.WithLabelValues(conn.Transport(), "device").Dec()
		s.registry.DropDevice(deviceID, conn)
		// A replaced connection must not mark the device offline while
		// its successor is already bound.
		if _, live := s.registry.Device(deviceID); !live {
			s.markConnected(context.WithoutCancel(ctx), device, false)
		}
		conn.Close(session.CloseGoingAway, "connection ended")
	}()

	if err := conn.Send(TypeConnected, map[string]any{
		"deviceId":  deviceID,
		"message":   "connected",
		"timestamp": time.Now().UnixMilli(),
	}); err != nil {
		return
	}
	logger.Info().Str("transport", conn.Transport()).Msg("device connected")

	// A misbehaving client spamming STATUS would hammer sqlite and
	// fan out to every operator socket. One update per second with a
	// small burst is plenty for a phone reporting battery and GPS fix.
	statusLimit := rate.NewLimiter(rate.Every(time.Second), 5)

	for {
		env, err := readNext()
		if err != nil {
			if errors.Is(err, errMalformedFrame) {
				metrics.InvalidFramesTotal.WithLabelValues(conn.Transport()).Inc()
				logger.Debug().Err(err).Msg("invalid frame dropped")
				continue
			}
			logger.Debug().Err(err).Msg("device socket closed")
			return
		}
		s.refreshConn(ctx, deviceID)

		switch env.Type {
		case TypePing:
			_ = conn.SendEnvelope(Envelope{Type: TypePong, Timestamp: time.Now().UnixMilli()})
		case TypePong:
			// Liveness only.
		case TypeStatus:
			if !statusLimit.Allow() {
				logger.Debug().Msg("status update dropped, rate limited")
				continue
			}
			s.handleDeviceStatus(ctx, device, env.Payload)
		case TypeAck:
			logger.Debug().RawJSON("payload", ackOrEmpty(env.Payload)).Msg("frame acked")
		default:
			logger.Debug().Str("type", env.Type).Msg("ignoring unknown message type")
		}
	}
}

func (s *Server) serveOperator(ctx context.Context, conn *Conn, claims auth.Claims, readNext func() (Envelope, error)) {
	admin := claims.Role == auth.RoleAdmin
	s.registry.BindOperator(claims.Subject, admin, conn)
	metrics.SocketConnections.WithLabelValues(conn.Transport(), "operator").Inc()

	defer func() {
		metrics.SocketConnections.WithLabelValues(conn.Transport(), "operator").Dec()
		s.registry.DropOperator(conn)
		conn.Close(session.CloseGoingAway, "connection ended")
	}()

	if err := conn.Send(TypeConnected, map[string]any{
		"userId":    claims.Subject,
		"message":   "connected",
		"timestamp": time.Now().UnixMilli(),
	}); err != nil {
		return
	}

	for {
		env, err := readNext()
		if err != nil {
			if errors.Is(err, errMalformedFrame) {
				metrics.InvalidFramesTotal.WithLabelValues(conn.Transport()).Inc()
				continue
			}
			return
		}
		switch env.Type {
		case TypePing:
			_ = conn.SendEnvelope(Envelope{Type: TypePong, Timestamp: time.Now().UnixMilli()})
		default:
			// Operators only listen; everything else arrives via HTTP.
		}
	}
}

func (s *Server) handleDeviceStatus(ctx context.Context, device store.Device, payload json.RawMessage) {
	if len(payload) == 0 {
		return
	}
	if err := s.st.SetDeviceStatusPayload(ctx, device.DeviceID, payload); err != nil {
		s.logger.Warn().Err(err).Str("device_id", device.DeviceID).Msg("status persist failed")
	}
	if err := s.st.TouchDevice(ctx, device.DeviceID, ""); err != nil {
		s.logger.Debug().Err(err).Msg("touch device failed")
	}
	s.registry.BroadcastDeviceEvent(device.OwnerUserID, "DEVICE_STATUS", map[string]any{
		"deviceId": device.DeviceID,
		"status":   payload,
	})
}

func (s *Server) markConnected(ctx context.Context, device store.Device, connected bool) {
	if err := s.st.SetDeviceConnected(ctx, device.DeviceID, connected); err != nil {
		s.logger.Warn().Err(err).Str("device_id", device.DeviceID).Msg("connected flag persist failed")
	}
	if connected {
		err := s.kvs.PutJSON(ctx, kv.ConnKey(device.DeviceID), map[string]any{
			"connectedAt": time.Now().UnixMilli(),
		}, s.cfg.ConnTTL)
		if err != nil {
			s.logger.Debug().Err(err).Msg("conn key write failed")
		}
		s.registry.BroadcastDeviceEvent(device.OwnerUserID, "DEVICE_CONNECTED", map[string]any{
			"deviceId": device.DeviceID,
		})
		return
	}
	if err := s.kvs.Delete(ctx, kv.ConnKey(device.DeviceID)); err != nil {
		s.logger.Debug().Err(err).Msg("conn key delete failed")
	}
	s.registry.BroadcastDeviceEvent(device.OwnerUserID, "DEVICE_DISCONNECTED", map[string]any{
		"deviceId": device.DeviceID,
	})
}

func (s *Server) refreshConn(ctx context.Context, deviceID string) {
	if _, err := s.kvs.Refresh(ctx, kv.ConnKey(deviceID), s.cfg.ConnTTL); err != nil {
		s.logger.Debug().Err(err).Msg("conn ttl refresh failed")
	}
}

func ackOrEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("{}")
	}
	return raw
}
