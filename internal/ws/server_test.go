// SPDX-License-Identifier: MIT

package ws

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/routecast/routecast/internal/auth"
	"github.com/routecast/routecast/internal/kv"
	"github.com/routecast/routecast/internal/session"
	"github.com/routecast/routecast/internal/store"
)

type wsHarness struct {
	st       *store.SQLiteStore
	kvs      *kv.Store
	tokens   *auth.Manager
	registry *session.Registry
	srv      *Server
	httpSrv  *httptest.Server
	deviceID string
	ownerID  string
	gone     []string
	goneMu   sync.Mutex
}

func newWSHarness(t *testing.T) *wsHarness {
	t.Helper()

	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "ws.db"), store.DefaultSQLiteConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })

	h := &wsHarness{
		st:       st,
		kvs:      kv.NewFromClient(rc, zerolog.Nop()),
		tokens:   auth.NewManager("test-secret", time.Hour),
		deviceID: "dev-1",
	}
	h.registry = session.NewRegistry(func(id string) {
		h.goneMu.Lock()
		h.gone = append(h.gone, id)
		h.goneMu.Unlock()
	})
	h.srv = NewServer(Config{ConnTTL: 2 * time.Minute, AuthTTL: 15 * time.Minute}, h.tokens, h.kvs, st, h.registry)

	mux := http.NewServeMux()
	mux.Handle("/ws", h.srv)
	h.httpSrv = httptest.NewServer(mux)
	t.Cleanup(h.httpSrv.Close)

	ctx := context.Background()
	owner := store.User{ID: uuid.NewString(), Username: "op", PasswordHash: "x", Role: store.RoleUser}
	require.NoError(t, st.CreateUser(ctx, owner))
	h.ownerID = owner.ID
	require.NoError(t, st.UpsertDevice(ctx, store.Device{
		DeviceID: h.deviceID, OwnerUserID: owner.ID, LastSeenAt: time.Now(),
	}))
	return h
}

func (h *wsHarness) wsURL(token string) string {
	u := "ws" + strings.TrimPrefix(h.httpSrv.URL, "http") + "/ws"
	if token != "" {
		u += "?token=" + token
	}
	return u
}

func (h *wsHarness) wsURLFor(token, deviceID string) string {
	return h.wsURL(token) + "&deviceId=" + deviceID
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func readEnvelope(t *testing.T, c *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env Envelope
	require.NoError(t, c.ReadJSON(&env))
	return env
}

func TestNonUpgradeRequestIs400(t *testing.T) {
	h := newWSHarness(t)
	resp, err := http.Get(h.httpSrv.URL + "/ws")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeviceConnectWithCachedAuthorization(t *testing.T) {
	h := newWSHarness(t)
	ctx := context.Background()

	nonce, err := auth.NewNonce()
	require.NoError(t, err)
	require.NoError(t, h.kvs.PutJSON(ctx, kv.AuthKey(h.deviceID), AuthCacheEntry{
		Token: nonce, Subject: h.ownerID, Role: auth.RoleUser,
		AuthorizedAt: time.Now().UnixMilli(),
	}, time.Minute))

	c := dial(t, h.wsURLFor(nonce, h.deviceID))
	env := readEnvelope(t, c)
	require.Equal(t, TypeConnected, env.Type)

	var body map[string]any
	require.NoError(t, json.Unmarshal(env.Payload, &body))
	require.Equal(t, h.deviceID, body["deviceId"])

	// The registry now holds the device and the store marks it online.
	require.Eventually(t, func() bool {
		_, bound := h.registry.Device(h.deviceID)
		d, err := h.st.DeviceByID(ctx, h.deviceID)
		return bound && err == nil && d.IsConnected
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCachedAuthorizationSurvivesReconnect(t *testing.T) {
	h := newWSHarness(t)
	ctx := context.Background()

	nonce, err := auth.NewNonce()
	require.NoError(t, err)
	require.NoError(t, h.kvs.PutJSON(ctx, kv.AuthKey(h.deviceID), AuthCacheEntry{
		Token: nonce, Subject: h.ownerID, Role: auth.RoleUser,
	}, time.Minute))

	c1 := dial(t, h.wsURLFor(nonce, h.deviceID))
	require.Equal(t, TypeConnected, readEnvelope(t, c1).Type)
	require.NoError(t, c1.Close())

	// The cache entry is not consumed; a reconnect with the same token
	// authenticates without a fresh grant.
	require.Eventually(t, func() bool {
		_, bound := h.registry.Device(h.deviceID)
		return !bound
	}, 2*time.Second, 10*time.Millisecond)

	c2 := dial(t, h.wsURLFor(nonce, h.deviceID))
	require.Equal(t, TypeConnected, readEnvelope(t, c2).Type)
}

func TestDeviceConnectWithBearerToken(t *testing.T) {
	h := newWSHarness(t)

	token, _, err := h.tokens.IssueDeviceToken(h.deviceID)
	require.NoError(t, err)

	c := dial(t, h.wsURL(token))
	require.Equal(t, TypeConnected, readEnvelope(t, c).Type)

	// A verified connect seeds the reconnect cache.
	var entry AuthCacheEntry
	ok, err := h.kvs.GetJSON(context.Background(), kv.AuthKey(h.deviceID), &entry)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, token, entry.Token)
	require.Equal(t, auth.RoleDevice, entry.Role)
}

func TestUserTokenWithoutDeviceIDClosesWith4003(t *testing.T) {
	h := newWSHarness(t)

	token, err := h.tokens.IssueUserToken(h.ownerID, "op", auth.RoleUser)
	require.NoError(t, err)

	c := dial(t, h.wsURL(token))
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = c.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	require.Equal(t, session.CloseDeviceIDRequired, closeErr.Code)
}

func TestUnregisteredDeviceClosesWith4004(t *testing.T) {
	h := newWSHarness(t)

	token, _, err := h.tokens.IssueDeviceToken("ghost-device")
	require.NoError(t, err)

	c := dial(t, h.wsURL(token))
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = c.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	require.Equal(t, session.CloseNotRegistered, closeErr.Code)
}

func TestMalformedFrameDoesNotCloseSocket(t *testing.T) {
	h := newWSHarness(t)
	token, _, err := h.tokens.IssueDeviceToken(h.deviceID)
	require.NoError(t, err)

	c := dial(t, h.wsURL(token))
	require.Equal(t, TypeConnected, readEnvelope(t, c).Type)

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.NoError(t, c.WriteJSON(Envelope{Type: TypePing}))
	require.Equal(t, TypePong, readEnvelope(t, c).Type)
}

func TestInvalidTokenClosesWith4001(t *testing.T) {
	h := newWSHarness(t)

	c := dial(t, h.wsURL("garbage-token"))
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := c.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	require.Equal(t, session.CloseAuthFailed, closeErr.Code)
}

func TestPingPong(t *testing.T) {
	h := newWSHarness(t)
	token, _, err := h.tokens.IssueDeviceToken(h.deviceID)
	require.NoError(t, err)

	c := dial(t, h.wsURL(token))
	require.Equal(t, TypeConnected, readEnvelope(t, c).Type)

	require.NoError(t, c.WriteJSON(Envelope{Type: TypePing}))
	require.Equal(t, TypePong, readEnvelope(t, c).Type)
}

func TestStatusPersistsAndBroadcasts(t *testing.T) {
	h := newWSHarness(t)
	ctx := context.Background()

	admin := &recordingConn{}
	h.registry.BindOperator("admin-1", true, admin)

	token, _, err := h.tokens.IssueDeviceToken(h.deviceID)
	require.NoError(t, err)
	c := dial(t, h.wsURL(token))
	require.Equal(t, TypeConnected, readEnvelope(t, c).Type)

	status := json.RawMessage(`{"battery":73,"gpsFix":true}`)
	require.NoError(t, c.WriteJSON(Envelope{Type: TypeStatus, Payload: status}))

	require.Eventually(t, func() bool {
		d, err := h.st.DeviceByID(ctx, h.deviceID)
		return err == nil && len(d.StatusPayload) > 0
	}, 2*time.Second, 10*time.Millisecond)

	d, err := h.st.DeviceByID(ctx, h.deviceID)
	require.NoError(t, err)
	require.JSONEq(t, string(status), string(d.StatusPayload))

	require.Eventually(t, func() bool {
		return admin.has("DEVICE_STATUS")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDisconnectFiresDeviceGone(t *testing.T) {
	h := newWSHarness(t)
	ctx := context.Background()

	token, _, err := h.tokens.IssueDeviceToken(h.deviceID)
	require.NoError(t, err)
	c := dial(t, h.wsURL(token))
	require.Equal(t, TypeConnected, readEnvelope(t, c).Type)

	require.NoError(t, c.Close())

	require.Eventually(t, func() bool {
		h.goneMu.Lock()
		defer h.goneMu.Unlock()
		return len(h.gone) == 1 && h.gone[0] == h.deviceID
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		d, err := h.st.DeviceByID(ctx, h.deviceID)
		return err == nil && !d.IsConnected
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTCPAuthAndPing(t *testing.T) {
	h := newWSHarness(t)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = h.srv.ServeTCP(ctx, l) }()

	token, _, err := h.tokens.IssueDeviceToken(h.deviceID)
	require.NoError(t, err)

	raw, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = raw.Close() })

	enc := json.NewEncoder(raw)
	require.NoError(t, enc.Encode(Envelope{
		Type:    TypeAuth,
		Payload: json.RawMessage(`{"token":"` + token + `"}`),
	}))

	reader := bufio.NewReader(raw)
	readLine := func() Envelope {
		require.NoError(t, raw.SetReadDeadline(time.Now().Add(2*time.Second)))
		line, err := reader.ReadBytes('\n')
		require.NoError(t, err)
		var env Envelope
		require.NoError(t, json.Unmarshal(line, &env))
		return env
	}

	require.Equal(t, TypeConnected, readLine().Type)
	require.NoError(t, enc.Encode(Envelope{Type: TypePing}))
	require.Equal(t, TypePong, readLine().Type)
}

func TestTCPBadAuthGetsError(t *testing.T) {
	h := newWSHarness(t)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = h.srv.ServeTCP(ctx, l) }()

	raw, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = raw.Close() })

	require.NoError(t, json.NewEncoder(raw).Encode(Envelope{
		Type:    TypeAuth,
		Payload: json.RawMessage(`{"token":"nope"}`),
	}))

	require.NoError(t, raw.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := bufio.NewReader(raw).ReadBytes('\n')
	require.NoError(t, err)
	var env Envelope
	require.NoError(t, json.Unmarshal(line, &env))
	require.Equal(t, TypeError, env.Type)
	require.Contains(t, string(env.Payload), "4001")
}

// recordingConn is a stand-in operator connection.
type recordingConn struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingConn) Send(event string, _ any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingConn) SendTelemetry(_, _ any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "MOCK_LOCATION")
	return nil
}

func (r *recordingConn) BufferedBytes() int { return 0 }
func (r *recordingConn) Transport() string  { return "ws" }
func (r *recordingConn) Close(int, string)  {}

func (r *recordingConn) has(event string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e == event {
			return true
		}
	}
	return false
}
