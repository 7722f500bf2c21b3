// SPDX-License-Identifier: MIT

// Package api is the HTTP control plane: authentication, device
// enrollment, route authoring and stream lifecycle.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/routecast/routecast/internal/audit"
	"github.com/routecast/routecast/internal/auth"
	"github.com/routecast/routecast/internal/config"
	"github.com/routecast/routecast/internal/health"
	"github.com/routecast/routecast/internal/kv"
	"github.com/routecast/routecast/internal/log"
	"github.com/routecast/routecast/internal/ors"
	"github.com/routecast/routecast/internal/ratelimit"
	"github.com/routecast/routecast/internal/routes"
	"github.com/routecast/routecast/internal/store"
	"github.com/routecast/routecast/internal/stream"
)

// maxBodyBytes caps request bodies. GPX uploads are the largest
// legitimate payload.
const maxBodyBytes = 4 << 20

// Server aggregates every control-plane dependency behind one router.
type Server struct {
	cfg      config.Config
	st       store.Store
	kvs      *kv.Store
	tokens   *auth.Manager
	limiter  *ratelimit.Limiter
	streams  *stream.Manager
	routes   *routes.Service
	geocoder *ors.Client
	rec      *audit.Recorder
	checks   *health.Manager
	logger   zerolog.Logger
}

// Deps carries the wired components into NewServer.
type Deps struct {
	Store    store.Store
	KV       *kv.Store
	Tokens   *auth.Manager
	Limiter  *ratelimit.Limiter
	Streams  *stream.Manager
	Routes   *routes.Service
	Geocoder *ors.Client
	Recorder *audit.Recorder
	Health   *health.Manager
}

// NewServer builds the control plane.
func NewServer(cfg config.Config, deps Deps) *Server {
	return &Server{
		cfg:      cfg,
		st:       deps.Store,
		kvs:      deps.KV,
		tokens:   deps.Tokens,
		limiter:  deps.Limiter,
		streams:  deps.Streams,
		routes:   deps.Routes,
		geocoder: deps.Geocoder,
		rec:      deps.Recorder,
		checks:   deps.Health,
		logger:   log.WithComponent("api"),
	}
}

// Router assembles the full HTTP surface with the ingress middleware
// stack applied outermost-first.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()
	r.Use(Recoverer)
	r.Use(RequestID)
	r.Use(CORS(s.cfg.AllowedOrigins))
	r.Use(Metrics())
	r.Use(Logging())
	r.Use(GlobalRateLimit(600, time.Minute))

	if s.checks != nil {
		r.Get("/health", s.checks.ServeHTTP)
	}

	r.Route("/api", func(r chi.Router) {
		// No bearer token yet on these two.
		r.Post("/auth/login", s.handleLogin)
		r.Post("/devices/activate", s.handleActivate)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)
			r.Post("/auth/ws-token", s.handleWSToken)

			r.Group(func(r chi.Router) {
				r.Use(requireOperator)

				r.Route("/devices", func(r chi.Router) {
					r.Post("/register", s.handleDeviceRegister)
					r.Post("/enroll", s.handleDeviceEnroll)
					r.Get("/", s.handleDeviceList)
					r.Get("/{id}", s.handleDeviceGet)
					r.Delete("/{id}", s.handleDeviceDelete)
					r.Put("/{id}/route", s.handleDeviceAssignRoute)
				})

				r.Route("/routes", func(r chi.Router) {
					r.Post("/from-points", s.handleRouteFromPoints)
					r.Post("/from-gpx", s.handleRouteFromGPX)
					r.Post("/from-addresses", s.handleRouteFromAddresses)
					r.Post("/from-addresses-with-stops", s.handleRouteFromAddressesWithStops)
					r.Post("/from-waypoints", s.handleRouteFromWaypoints)
					r.Get("/", s.handleRouteList)
					r.Get("/{id}", s.handleRouteGet)
					r.Put("/{id}/config", s.handleRouteConfigUpdate)
					r.Delete("/{id}", s.handleRouteDelete)
				})

				r.Route("/stream", func(r chi.Router) {
					r.Post("/start", s.handleStreamStart)
					r.Post("/pause", s.handleStreamPause)
					r.Post("/resume", s.handleStreamResume)
					r.Post("/stop", s.handleStreamStop)
					r.Post("/skip-dwell", s.handleStreamSkipDwell)
					r.Post("/extend-dwell", s.handleStreamExtendDwell)
					r.Get("/status/{deviceId}", s.handleStreamStatus)
					r.Get("/all", s.handleStreamAll)
					r.Get("/history/{deviceId}", s.handleStreamHistory)
				})

				r.Get("/geocode/autocomplete", s.handleAutocomplete)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, notFound("route not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, &apiError{Status: http.StatusMethodNotAllowed, Message: "method not allowed"})
	})

	return r
}

// decodeJSON reads a bounded JSON body into dst. A second top-level
// value in the body is rejected.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return &apiError{Status: http.StatusRequestEntityTooLarge, Message: "request body too large"}
		}
		return badRequest("invalid JSON body")
	}
	if dec.More() {
		return badRequest("unexpected trailing data")
	}
	return nil
}
