// SPDX-License-Identifier: MIT

// Command daemon runs the telemetry simulator: control-plane HTTP API,
// WebSocket and raw TCP socket ingress, and the stream scheduler.
package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/routecast/routecast/internal/api"
	"github.com/routecast/routecast/internal/audit"
	"github.com/routecast/routecast/internal/auth"
	"github.com/routecast/routecast/internal/config"
	"github.com/routecast/routecast/internal/health"
	"github.com/routecast/routecast/internal/kv"
	"github.com/routecast/routecast/internal/log"
	"github.com/routecast/routecast/internal/ors"
	"github.com/routecast/routecast/internal/ratelimit"
	"github.com/routecast/routecast/internal/routegate"
	"github.com/routecast/routecast/internal/routes"
	"github.com/routecast/routecast/internal/session"
	"github.com/routecast/routecast/internal/store"
	"github.com/routecast/routecast/internal/stream"
	"github.com/routecast/routecast/internal/telemetry"
	"github.com/routecast/routecast/internal/version"
	"github.com/routecast/routecast/internal/ws"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "daemon: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return err
	}

	log.Configure(log.Config{Service: "routecast", Version: version.Version})
	logger := log.WithComponent("daemon")
	logger.Info().
		Str("version", version.Version).
		Str("commit", version.Commit).
		Str("env", cfg.Env).
		Msg("starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.OpenSQLite(cfg.DatabaseURL, store.DefaultSQLiteConfig())
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}
	defer func() { _ = st.Close() }()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse REDIS_URL: %w", err)
	}
	kvs, err := kv.New(kv.Config{
		Addr:     redisOpts.Addr,
		Password: redisOpts.Password,
		DB:       redisOpts.DB,
	}, log.WithComponent("kv"))
	if err != nil {
		return err
	}
	defer func() { _ = kvs.Close() }()

	if err := seedAdmin(ctx, st, cfg.DefaultAdminPassword); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}

	// A crash leaves hot stream state behind; no runner will ever pick
	// it up again, so clear it before accepting traffic.
	if swept, err := kvs.Sweep(ctx, "stream:*"); err != nil {
		logger.Warn().Err(err).Msg("stream state sweep failed")
	} else if swept > 0 {
		logger.Info().Int("keys", swept).Msg("swept stale stream state")
	}

	tracing, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.TracingEnabled,
		ServiceName:    "routecast",
		ServiceVersion: version.Version,
		Environment:    cfg.Env,
		ExporterType:   cfg.TracingExporter,
		Endpoint:       cfg.TracingEndpoint,
		SamplingRate:   cfg.TracingSampleRate,
	})
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}

	tokens := auth.NewManager(cfg.JWTSecret, cfg.JWTExpiry)
	limiter := ratelimit.New(kvs.Client(), map[string]ratelimit.Rule{
		ratelimit.ScopeLogin:     {Max: cfg.RateLimitLoginMax, Window: cfg.RateLimitIPWindow},
		ratelimit.ScopeActivate:  {Max: cfg.RateLimitActivateMax, Window: cfg.RateLimitIPWindow},
		ratelimit.ScopeAddresses: {Max: cfg.RateLimitAddresses, Window: cfg.RateLimitWindow},
	}, log.WithComponent("ratelimit"))
	recorder := audit.NewRecorder(st)

	// The registry's device-gone callback needs the manager, which
	// needs the registry. The indirection breaks the cycle.
	var mgr *stream.Manager
	registry := session.NewRegistry(func(deviceID string) {
		mgr.HandleDeviceGone(deviceID)
	})

	wsLimit, tcpLimit := cfg.WSBufferedMaxBytes, cfg.WSTCPMaxBytes
	if !cfg.BackpressureEnabled {
		wsLimit, tcpLimit = math.MaxInt, math.MaxInt
	}
	mgr = stream.NewManager(stream.Config{
		TickMs:            cfg.StreamTickMs,
		TickClampMinMs:    cfg.TickClampMinMs,
		TickClampMaxMs:    cfg.TickClampMaxMs,
		UseDistanceEngine: cfg.StreamDistanceEngine,
		WSBufferLimit:     wsLimit,
		TCPBufferLimit:    tcpLimit,
		PressureStrikes:   cfg.PressureStrikesToPause,
		PressureWindow:    time.Duration(cfg.PressureWindowMs) * time.Millisecond,
	}, st, kvs, registry, recorder, clockwork.NewRealClock())

	geocoder := ors.New(ors.Config{
		APIKey:          cfg.ORSAPIKey,
		BaseURL:         cfg.ORSAPIURL,
		GeocodeCacheTTL: cfg.ORSGeocodeCacheTTL,
		RouteCacheTTL:   cfg.ORSRouteCacheTTL,
	}, kvs, log.WithComponent("ors"))

	gate := routegate.Options{
		SimplifyToleranceMeters: cfg.SimplifyMeters,
		ResampleStepMeters:      cfg.ResampleMeters,
		MaxSegmentMeters:        cfg.MaxSegmentMeters,
		MinTotalMeters:          cfg.MinTotalMeters,
	}
	if !cfg.SafetyGateEnabled {
		// Geometry still gets cleaned and resampled, it just never
		// rejects.
		gate.SimplifyToleranceMeters = 0
		gate.MaxSegmentMeters = math.MaxFloat64
		gate.MinTotalMeters = math.SmallestNonzeroFloat64
	}
	routeSvc := routes.NewService(st, geocoder, gate, recorder)
	defer routeSvc.Close()

	checks := health.NewManager(version.Version)
	checks.RegisterChecker(health.NewPingChecker("sqlite", st))
	checks.RegisterChecker(health.NewPingChecker("redis", kvs))

	apiServer := api.NewServer(cfg, api.Deps{
		Store:    st,
		KV:       kvs,
		Tokens:   tokens,
		Limiter:  limiter,
		Streams:  mgr,
		Routes:   routeSvc,
		Geocoder: geocoder,
		Recorder: recorder,
		Health:   checks,
	})
	socket := ws.NewServer(ws.Config{
		ConnTTL:        cfg.WSConnTTL,
		AuthTTL:        cfg.WSAuthTTL,
		AllowedOrigins: cfg.AllowedOrigins,
	}, tokens, kvs, st, registry)

	router := apiServer.Router()
	router.Handle("/ws", socket)
	router.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           otelhttp.NewHandler(router, "http.server"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("addr", cfg.Addr()).Msg("http listening")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if cfg.TCPPort > 0 {
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.TCPPort))
		if err != nil {
			return fmt.Errorf("tcp listener: %w", err)
		}
		g.Go(func() error {
			logger.Info().Str("addr", ln.Addr().String()).Msg("tcp listening")
			return socket.ServeTCP(gctx, ln)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		// Order matters: stop accepting upgrades, tell every socket to
		// go away, then let runners flush their stream records.
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("http shutdown")
		}
		registry.CloseAll("server shutting down")
		mgr.Shutdown(shutdownCtx)
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("tracing shutdown")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info().Msg("stopped")
	return nil
}

// seedAdmin ensures login works on a fresh database.
func seedAdmin(ctx context.Context, st store.Store, password string) error {
	_, err := st.UserByUsername(ctx, "admin")
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	err = st.CreateUser(ctx, store.User{
		ID:           uuid.NewString(),
		Username:     "admin",
		PasswordHash: hash,
		Role:         store.RoleAdmin,
	})
	if errors.Is(err, store.ErrConflict) {
		// Lost a race with another instance; the account exists.
		return nil
	}
	return err
}
