// SPDX-License-Identifier: MIT

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/routecast/routecast/internal/audit"
	"github.com/routecast/routecast/internal/auth"
	"github.com/routecast/routecast/internal/config"
	"github.com/routecast/routecast/internal/health"
	"github.com/routecast/routecast/internal/kv"
	"github.com/routecast/routecast/internal/ors"
	"github.com/routecast/routecast/internal/ratelimit"
	"github.com/routecast/routecast/internal/routegate"
	"github.com/routecast/routecast/internal/routes"
	"github.com/routecast/routecast/internal/session"
	"github.com/routecast/routecast/internal/store"
	"github.com/routecast/routecast/internal/stream"
	"github.com/routecast/routecast/internal/ws"
)

type apiHarness struct {
	srv      *httptest.Server
	st       *store.SQLiteStore
	kvs      *kv.Store
	mr       *miniredis.Miniredis
	tokens   *auth.Manager
	registry *session.Registry

	admin      store.User
	user       store.User
	adminToken string
	userToken  string
}

// stubConn stands in for a live device socket so streams can start.
type stubConn struct{}

func (stubConn) Send(string, any) error       { return nil }
func (stubConn) SendTelemetry(any, any) error { return nil }
func (stubConn) BufferedBytes() int           { return 0 }
func (stubConn) Transport() string            { return "ws" }
func (stubConn) Close(int, string)            {}

func (h *apiHarness) connectDevice(deviceID string) {
	h.registry.BindDevice(deviceID, stubConn{})
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()

	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "api.db"), store.DefaultSQLiteConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	kvs := kv.NewFromClient(rc, zerolog.Nop())

	upstream := fakeRoutingUpstream(t)

	tokens := auth.NewManager("test-secret", time.Hour)
	limiter := ratelimit.New(rc, map[string]ratelimit.Rule{
		ratelimit.ScopeLogin:     {Max: 3, Window: time.Minute},
		ratelimit.ScopeActivate:  {Max: 10, Window: time.Minute},
		ratelimit.ScopeAddresses: {Max: 30, Window: time.Minute},
	}, zerolog.Nop())

	rec := audit.NewRecorder(st)
	var mgr *stream.Manager
	registry := session.NewRegistry(func(deviceID string) {
		mgr.HandleDeviceGone(deviceID)
	})
	mgr = stream.NewManager(stream.Config{
		TickMs:            1000,
		TickClampMinMs:    200,
		TickClampMaxMs:    2000,
		UseDistanceEngine: true,
		WSBufferLimit:     262144,
		TCPBufferLimit:    524288,
		PressureStrikes:   10,
		PressureWindow:    15 * time.Second,
	}, st, kvs, registry, rec, clockwork.NewFakeClock())
	t.Cleanup(func() { mgr.Shutdown(context.Background()) })

	geocoder := ors.New(ors.Config{APIKey: "test-key", BaseURL: upstream.URL}, kvs, zerolog.Nop())
	routeSvc := routes.NewService(st, geocoder, routegate.DefaultOptions(), rec)
	t.Cleanup(routeSvc.Close)

	checks := health.NewManager("test")
	checks.RegisterChecker(health.NewPingChecker("sqlite", st))
	checks.RegisterChecker(health.NewPingChecker("redis", kvs))

	cfg := config.Config{
		Port:           3000,
		Env:            "development",
		AllowedOrigins: []string{"*"},
		WSAuthTTL:      900 * time.Second,
	}
	server := NewServer(cfg, Deps{
		Store:    st,
		KV:       kvs,
		Tokens:   tokens,
		Limiter:  limiter,
		Streams:  mgr,
		Routes:   routeSvc,
		Geocoder: geocoder,
		Recorder: rec,
		Health:   checks,
	})

	srv := httptest.NewServer(server.Router())
	t.Cleanup(srv.Close)

	h := &apiHarness{srv: srv, st: st, kvs: kvs, mr: mr, tokens: tokens, registry: registry}
	h.seedUsers(t)
	return h
}

func fakeRoutingUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	geocode := func(w http.ResponseWriter, r *http.Request) {
		text := r.URL.Query().Get("text")
		if text == "nowhere-zzz" {
			fmt.Fprint(w, `{"features":[]}`)
			return
		}
		fmt.Fprintf(w, `{"features":[{"properties":{"label":%q},"geometry":{"coordinates":[13.4132,52.5219]}}]}`,
			text+" resolved")
	}
	mux.HandleFunc("/geocode/search", geocode)
	mux.HandleFunc("/geocode/autocomplete", geocode)
	mux.HandleFunc("/v2/directions/driving-car/geojson", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Coordinates [][]float64 `json:"coordinates"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		a, b := body.Coordinates[0], body.Coordinates[len(body.Coordinates)-1]
		var coords [][]float64
		for s := 0; s <= 40; s++ {
			f := float64(s) / 40
			coords = append(coords, []float64{a[0] + (b[0]-a[0])*f, a[1] + (b[1]-a[1])*f})
		}
		raw, err := json.Marshal(coords)
		require.NoError(t, err)
		fmt.Fprintf(w, `{"features":[{"geometry":{"coordinates":%s},"properties":{"summary":{"distance":2600,"duration":300}}}]}`, raw)
	})
	upstream := httptest.NewServer(mux)
	t.Cleanup(upstream.Close)
	return upstream
}

func (h *apiHarness) seedUsers(t *testing.T) {
	t.Helper()
	ctx := context.Background()

	adminHash, err := auth.HashPassword("admin-pass")
	require.NoError(t, err)
	h.admin = store.User{ID: uuid.NewString(), Username: "admin", PasswordHash: adminHash, Role: store.RoleAdmin}
	require.NoError(t, h.st.CreateUser(ctx, h.admin))

	userHash, err := auth.HashPassword("user-pass")
	require.NoError(t, err)
	h.user = store.User{ID: uuid.NewString(), Username: "operator", PasswordHash: userHash, Role: store.RoleUser}
	require.NoError(t, h.st.CreateUser(ctx, h.user))

	h.adminToken, err = h.tokens.IssueUserToken(h.admin.ID, h.admin.Username, auth.RoleAdmin)
	require.NoError(t, err)
	h.userToken, err = h.tokens.IssueUserToken(h.user.ID, h.user.Username, auth.RoleUser)
	require.NoError(t, err)
}

// do issues one request and decodes the JSON response body.
func (h *apiHarness) do(t *testing.T, method, path, token string, body any, headers ...string) (int, map[string]any) {
	t.Helper()

	var reqBody *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reqBody = bytes.NewReader(raw)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, h.srv.URL+path, reqBody)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := h.srv.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp.StatusCode, decoded
}

func (h *apiHarness) registerDevice(t *testing.T, token, deviceID string) {
	t.Helper()
	code, _ := h.do(t, http.MethodPost, "/api/devices/register", token, map[string]any{
		"deviceId": deviceID, "platform": "android", "appVersion": "1.0",
	})
	require.Equal(t, http.StatusOK, code)
}

func (h *apiHarness) createRoute(t *testing.T, token string) string {
	t.Helper()
	points := straightPoints(30, 10)
	code, body := h.do(t, http.MethodPost, "/api/routes/from-points", token, map[string]any{
		"name": "test line", "points": points,
	})
	require.Equal(t, http.StatusCreated, code)
	route := body["route"].(map[string]any)
	return route["id"].(string)
}

// straightPoints builds n vertices spaced about spacing meters apart
// heading north.
func straightPoints(n int, spacing float64) []map[string]any {
	const metersPerDegLat = 111194.9
	out := make([]map[string]any, n)
	for i := range out {
		out[i] = map[string]any{"lat": 52.5 + float64(i)*spacing/metersPerDegLat, "lng": 13.4}
	}
	return out
}

func TestLogin(t *testing.T) {
	h := newAPIHarness(t)

	code, body := h.do(t, http.MethodPost, "/api/auth/login", "", map[string]any{
		"username": "operator", "password": "wrong",
	})
	require.Equal(t, http.StatusUnauthorized, code)
	require.Equal(t, false, body["success"])

	code, body = h.do(t, http.MethodPost, "/api/auth/login", "", map[string]any{
		"username": "operator", "password": "user-pass",
	})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, body["success"])
	token := body["token"].(string)
	require.NotEmpty(t, token)

	code, _ = h.do(t, http.MethodGet, "/api/routes", token, nil)
	require.Equal(t, http.StatusOK, code)
}

func TestLoginRateLimited(t *testing.T) {
	h := newAPIHarness(t)

	var code int
	var body map[string]any
	for i := 0; i < 4; i++ {
		code, body = h.do(t, http.MethodPost, "/api/auth/login", "", map[string]any{
			"username": "operator", "password": "wrong",
		})
	}
	require.Equal(t, http.StatusTooManyRequests, code)
	details := body["details"].(map[string]any)
	require.GreaterOrEqual(t, details["retryAfter"].(float64), 1.0)
}

func TestAuthRequired(t *testing.T) {
	h := newAPIHarness(t)

	code, body := h.do(t, http.MethodGet, "/api/routes", "", nil)
	require.Equal(t, http.StatusUnauthorized, code)
	require.Equal(t, false, body["success"])

	code, _ = h.do(t, http.MethodGet, "/api/routes", "not-a-token", nil)
	require.Equal(t, http.StatusUnauthorized, code)
}

func TestDeviceLifecycle(t *testing.T) {
	h := newAPIHarness(t)
	h.registerDevice(t, h.userToken, "dev-1")

	code, body := h.do(t, http.MethodGet, "/api/devices", h.userToken, nil)
	require.Equal(t, http.StatusOK, code)
	require.EqualValues(t, 1, body["total"])

	code, body = h.do(t, http.MethodGet, "/api/devices/dev-1", h.userToken, nil)
	require.Equal(t, http.StatusOK, code)
	device := body["device"].(map[string]any)
	require.Equal(t, h.user.ID, device["ownerUserId"])

	// Another operator cannot see or re-register the device.
	otherToken, err := h.tokens.IssueUserToken(uuid.NewString(), "other", auth.RoleUser)
	require.NoError(t, err)
	code, _ = h.do(t, http.MethodGet, "/api/devices/dev-1", otherToken, nil)
	require.Equal(t, http.StatusForbidden, code)
	code, _ = h.do(t, http.MethodPost, "/api/devices/register", otherToken, map[string]any{"deviceId": "dev-1"})
	require.Equal(t, http.StatusForbidden, code)

	// Admin sees it and may delete it.
	code, _ = h.do(t, http.MethodGet, "/api/devices/dev-1", h.adminToken, nil)
	require.Equal(t, http.StatusOK, code)
	code, _ = h.do(t, http.MethodDelete, "/api/devices/dev-1", h.adminToken, nil)
	require.Equal(t, http.StatusOK, code)
	code, _ = h.do(t, http.MethodGet, "/api/devices/dev-1", h.userToken, nil)
	require.Equal(t, http.StatusNotFound, code)
}

func TestEnrollActivateFlow(t *testing.T) {
	h := newAPIHarness(t)

	code, body := h.do(t, http.MethodPost, "/api/devices/enroll", h.userToken, map[string]any{"label": "van"})
	require.Equal(t, http.StatusOK, code)
	enrollCode := body["code"].(string)
	require.Regexp(t, `^[0-9]{6}$`, enrollCode)
	require.EqualValues(t, 600, body["expiresInSeconds"])

	code, body = h.do(t, http.MethodPost, "/api/devices/activate", "", map[string]any{
		"code": enrollCode, "deviceId": "dev-enrolled", "platform": "android",
	})
	require.Equal(t, http.StatusOK, code)
	deviceToken := body["token"].(string)
	require.NotEmpty(t, deviceToken)

	// The claimed device belongs to the enrolling operator.
	code, body = h.do(t, http.MethodGet, "/api/devices/dev-enrolled", h.userToken, nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "van", body["device"].(map[string]any)["label"])

	// The code is single use.
	code, _ = h.do(t, http.MethodPost, "/api/devices/activate", "", map[string]any{
		"code": enrollCode, "deviceId": "dev-other",
	})
	require.Equal(t, http.StatusBadRequest, code)

	// Device tokens have no business on the operator surface.
	code, _ = h.do(t, http.MethodGet, "/api/devices", deviceToken, nil)
	require.Equal(t, http.StatusForbidden, code)
}

func TestRouteFromPointsAndIdempotency(t *testing.T) {
	h := newAPIHarness(t)
	payload := map[string]any{"name": "line", "points": straightPoints(30, 10)}

	code, body := h.do(t, http.MethodPost, "/api/routes/from-points", h.userToken, payload,
		"X-Idempotency-Key", "key-1")
	require.Equal(t, http.StatusCreated, code)
	first := body["route"].(map[string]any)["id"].(string)
	require.Equal(t, false, body["reused"])

	code, body = h.do(t, http.MethodPost, "/api/routes/from-points", h.userToken, payload,
		"X-Idempotency-Key", "key-1")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, body["reused"])
	require.Equal(t, first, body["route"].(map[string]any)["id"])

	code, body = h.do(t, http.MethodGet, "/api/routes", h.userToken, nil)
	require.Equal(t, http.StatusOK, code)
	require.EqualValues(t, 1, body["count"])
}

func TestRouteBodyHashIdempotency(t *testing.T) {
	h := newAPIHarness(t)
	payload := map[string]any{"name": "hashed", "points": straightPoints(30, 10)}

	code, body := h.do(t, http.MethodPost, "/api/routes/from-points", h.userToken, payload)
	require.Equal(t, http.StatusCreated, code)
	first := body["route"].(map[string]any)["id"].(string)

	// Byte-identical resubmission without a header dedupes via the
	// payload hash.
	code, body = h.do(t, http.MethodPost, "/api/routes/from-points", h.userToken, payload)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, first, body["route"].(map[string]any)["id"])
}

func TestRouteFromAddresses(t *testing.T) {
	h := newAPIHarness(t)

	code, body := h.do(t, http.MethodPost, "/api/routes/from-addresses", h.userToken, map[string]any{
		"originText": "Alexanderplatz", "destinationText": "Brandenburg Gate", "waitAtEndSeconds": 30,
	})
	require.Equal(t, http.StatusCreated, code)
	route := body["route"].(map[string]any)
	require.Contains(t, route["name"], "Alexanderplatz")

	routeID := route["id"].(string)
	code, body = h.do(t, http.MethodGet, "/api/routes/"+routeID, h.userToken, nil)
	require.Equal(t, http.StatusOK, code)
	require.NotEmpty(t, body["points"])
	require.Len(t, body["waypoints"], 2)
}

func TestRouteSafetyGateRejection(t *testing.T) {
	h := newAPIHarness(t)

	code, body := h.do(t, http.MethodPost, "/api/routes/from-points", h.userToken, map[string]any{
		"name": "detour",
		"points": []map[string]any{
			{"lat": 52.5, "lng": 13.4},
			{"lat": 52.5032, "lng": 13.4}, // ~350 m jump
			{"lat": 52.5033, "lng": 13.4},
		},
	})
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, false, body["success"])

	code, body = h.do(t, http.MethodGet, "/api/routes", h.userToken, nil)
	require.Equal(t, http.StatusOK, code)
	require.EqualValues(t, 0, body["count"])
}

func TestRouteConfigPartialUpdate(t *testing.T) {
	h := newAPIHarness(t)
	routeID := h.createRoute(t, h.userToken)

	code, body := h.do(t, http.MethodPut, "/api/routes/"+routeID+"/config", h.userToken, map[string]any{
		"speed": 55.0,
	})
	require.Equal(t, http.StatusOK, code)
	cfg := body["route"].(map[string]any)["config"].(map[string]any)
	require.EqualValues(t, 55, cfg["speed"])
	// Untouched fields keep their stored values.
	require.EqualValues(t, 1000, cfg["intervalMs"])
	require.Equal(t, false, cfg["loop"])

	code, _ = h.do(t, http.MethodPut, "/api/routes/"+uuid.NewString()+"/config", h.userToken, map[string]any{
		"speed": 10.0,
	})
	require.Equal(t, http.StatusNotFound, code)
}

func TestStreamLifecycleOverHTTP(t *testing.T) {
	h := newAPIHarness(t)
	h.registerDevice(t, h.userToken, "dev-1")
	h.connectDevice("dev-1")
	routeID := h.createRoute(t, h.userToken)

	// Pause before start is a 404, not a silent success.
	code, _ := h.do(t, http.MethodPost, "/api/stream/pause", h.userToken, map[string]any{"deviceId": "dev-1"})
	require.Equal(t, http.StatusNotFound, code)

	code, body := h.do(t, http.MethodPost, "/api/stream/start", h.userToken, map[string]any{
		"deviceId": "dev-1", "routeId": routeID,
	})
	require.Equal(t, http.StatusOK, code)
	status := body["stream"].(map[string]any)
	require.Equal(t, "STARTED", status["status"])
	streamID := status["streamId"].(string)
	require.NotEmpty(t, streamID)

	code, body = h.do(t, http.MethodGet, "/api/stream/status/dev-1", h.userToken, nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, streamID, body["stream"].(map[string]any)["streamId"])

	code, body = h.do(t, http.MethodGet, "/api/stream/all", h.userToken, nil)
	require.Equal(t, http.StatusOK, code)
	require.EqualValues(t, 1, body["count"])

	// Skip-dwell on a moving stream conflicts.
	code, _ = h.do(t, http.MethodPost, "/api/stream/skip-dwell", h.userToken, map[string]any{"deviceId": "dev-1"})
	require.Equal(t, http.StatusConflict, code)

	code, _ = h.do(t, http.MethodPost, "/api/stream/pause", h.userToken, map[string]any{"deviceId": "dev-1"})
	require.Equal(t, http.StatusOK, code)
	code, _ = h.do(t, http.MethodPost, "/api/stream/resume", h.userToken, map[string]any{"deviceId": "dev-1"})
	require.Equal(t, http.StatusOK, code)

	code, body = h.do(t, http.MethodPost, "/api/stream/stop", h.userToken, map[string]any{"deviceId": "dev-1"})
	require.Equal(t, http.StatusOK, code)
	require.Nil(t, body["noop"])

	// Stop is idempotent.
	code, body = h.do(t, http.MethodPost, "/api/stream/stop", h.userToken, map[string]any{"deviceId": "dev-1"})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, body["noop"])

	code, body = h.do(t, http.MethodGet, "/api/stream/history/dev-1", h.userToken, nil)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, body["history"], 1)
}

func TestStreamStartUsesAssignedRoute(t *testing.T) {
	h := newAPIHarness(t)
	h.registerDevice(t, h.userToken, "dev-1")
	h.connectDevice("dev-1")
	routeID := h.createRoute(t, h.userToken)

	code, _ := h.do(t, http.MethodPut, "/api/devices/dev-1/route", h.userToken, map[string]any{"routeId": routeID})
	require.Equal(t, http.StatusOK, code)

	code, body := h.do(t, http.MethodPost, "/api/stream/start", h.userToken, map[string]any{"deviceId": "dev-1"})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, routeID, body["stream"].(map[string]any)["routeId"])

	code, _ = h.do(t, http.MethodPost, "/api/stream/stop", h.userToken, map[string]any{"deviceId": "dev-1"})
	require.Equal(t, http.StatusOK, code)
}

func TestStreamStartUnknownRoute(t *testing.T) {
	h := newAPIHarness(t)
	h.registerDevice(t, h.userToken, "dev-1")

	code, _ := h.do(t, http.MethodPost, "/api/stream/start", h.userToken, map[string]any{
		"deviceId": "dev-1", "routeId": uuid.NewString(),
	})
	require.Equal(t, http.StatusNotFound, code)

	// No route given and none assigned.
	code, _ = h.do(t, http.MethodPost, "/api/stream/start", h.userToken, map[string]any{"deviceId": "dev-1"})
	require.Equal(t, http.StatusBadRequest, code)
}

func TestStreamStartWithoutSocketConflicts(t *testing.T) {
	h := newAPIHarness(t)
	h.registerDevice(t, h.userToken, "dev-1")
	routeID := h.createRoute(t, h.userToken)

	// Registered but not connected: frames would have nowhere to go.
	code, body := h.do(t, http.MethodPost, "/api/stream/start", h.userToken, map[string]any{
		"deviceId": "dev-1", "routeId": routeID,
	})
	require.Equal(t, http.StatusConflict, code)
	require.Equal(t, false, body["success"])

	h.connectDevice("dev-1")
	code, _ = h.do(t, http.MethodPost, "/api/stream/start", h.userToken, map[string]any{
		"deviceId": "dev-1", "routeId": routeID,
	})
	require.Equal(t, http.StatusOK, code)
}

func TestRouteFromAddressesUnknownProfile(t *testing.T) {
	h := newAPIHarness(t)

	code, body := h.do(t, http.MethodPost, "/api/routes/from-addresses", h.userToken, map[string]any{
		"originText": "Alexanderplatz", "destinationText": "Brandenburg Gate",
		"profile": "teleport",
	})
	require.Equal(t, http.StatusBadRequest, code)
	require.Equal(t, false, body["success"])
}

func TestAutocomplete(t *testing.T) {
	h := newAPIHarness(t)

	code, body := h.do(t, http.MethodGet, "/api/geocode/autocomplete?q=Alexanderplatz", h.userToken, nil)
	require.Equal(t, http.StatusOK, code)
	suggestions := body["suggestions"].([]any)
	require.NotEmpty(t, suggestions)
	require.Contains(t, suggestions[0].(map[string]any)["label"], "Alexanderplatz")

	// Zero matches is an empty list, not an error.
	code, body = h.do(t, http.MethodGet, "/api/geocode/autocomplete?q=nowhere-zzz", h.userToken, nil)
	require.Equal(t, http.StatusOK, code)
	require.Empty(t, body["suggestions"])

	code, _ = h.do(t, http.MethodGet, "/api/geocode/autocomplete", h.userToken, nil)
	require.Equal(t, http.StatusBadRequest, code)
}

func TestWSTokenPreAuthorizesDevice(t *testing.T) {
	h := newAPIHarness(t)
	h.registerDevice(t, h.userToken, "dev-1")

	// deviceId is mandatory.
	code, _ := h.do(t, http.MethodPost, "/api/auth/ws-token", h.userToken, map[string]any{})
	require.Equal(t, http.StatusBadRequest, code)

	// Only the owner (or an admin) may pre-authorize the device.
	otherToken, err := h.tokens.IssueUserToken(uuid.NewString(), "other", auth.RoleUser)
	require.NoError(t, err)
	code, _ = h.do(t, http.MethodPost, "/api/auth/ws-token", otherToken, map[string]any{"deviceId": "dev-1"})
	require.Equal(t, http.StatusForbidden, code)

	code, body := h.do(t, http.MethodPost, "/api/auth/ws-token", h.userToken, map[string]any{"deviceId": "dev-1"})
	require.Equal(t, http.StatusOK, code)
	nonce := body["token"].(string)
	require.NotEmpty(t, nonce)
	require.Equal(t, "dev-1", body["deviceId"])

	// The socket server finds the entry under the device's auth key.
	var entry ws.AuthCacheEntry
	found, err := h.kvs.GetJSON(context.Background(), kv.AuthKey("dev-1"), &entry)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, nonce, entry.Token)
	require.Equal(t, h.user.ID, entry.Subject)
	require.Equal(t, auth.RoleUser, entry.Role)
}

func TestHealthEndpoint(t *testing.T) {
	h := newAPIHarness(t)

	code, body := h.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "healthy", body["status"])

	h.mr.Close()
	code, body = h.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, "unhealthy", body["status"])
}
