// SPDX-License-Identifier: MIT

// Package config loads the immutable runtime configuration from the
// environment. Every recognized variable has a logged default so a bare
// process comes up in a usable dev state.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the immutable runtime configuration snapshot built at startup.
type Config struct {
	// Server
	Port           int
	TCPPort        int    // raw TCP telemetry listener, 0 disables
	Env            string // "development" or "production"
	AllowedOrigins []string

	// Stores
	DatabaseURL string // sqlite path (file or ":memory:")
	RedisURL    string

	// Auth
	JWTSecret            string
	JWTExpiry            time.Duration
	DefaultAdminPassword string

	// Socket presence
	WSAuthTTL time.Duration
	WSConnTTL time.Duration

	// Stream defaults
	StreamDefaultSpeedKmh  float64
	StreamDefaultAccuracyM float64
	StreamTickMs           int
	StreamDefaultLoop      bool
	StreamDistanceEngine   bool
	TickClampMinMs         int
	TickClampMaxMs         int

	// Backpressure
	BackpressureEnabled  bool
	WSBufferedMaxBytes   int
	WSTCPMaxBytes        int
	PressureStrikesToPause int
	PressureWindowMs     int

	// Route safety gate
	SafetyGateEnabled bool
	SimplifyMeters    float64
	ResampleMeters    float64
	MaxSegmentMeters  float64
	MinTotalMeters    float64

	// openrouteservice
	ORSAPIKey              string
	ORSAPIURL              string
	ORSGeocodeCacheTTL     time.Duration
	ORSRouteCacheTTL       time.Duration
	ORSDefaultPointSpacing float64

	// Rate limiting
	RateLimitAddresses   int
	RateLimitWindow      time.Duration
	RateLimitLoginMax    int
	RateLimitActivateMax int
	RateLimitIPWindow    time.Duration

	// Tracing
	TracingEnabled    bool
	TracingExporter   string // "grpc" or "http"
	TracingEndpoint   string
	TracingSampleRate float64
}

// Load builds a Config from the process environment.
func Load() Config {
	cfg := Config{
		Port:           ParseInt("PORT", 3000),
		TCPPort:        ParseInt("TCP_PORT", 3001),
		Env:            ParseString("NODE_ENV", "development"),
		AllowedOrigins: splitCSV(ParseString("ALLOWED_ORIGINS", "*")),

		DatabaseURL: ParseString("DATABASE_URL", "routecast.db"),
		RedisURL:    ParseString("REDIS_URL", "redis://localhost:6379/0"),

		JWTSecret:            ParseString("JWT_SECRET", ""),
		JWTExpiry:            ParseDuration("JWT_EXPIRES_IN", 7*24*time.Hour),
		DefaultAdminPassword: ParseString("DEFAULT_ADMIN_PASSWORD", "admin"),

		WSAuthTTL: ParseDuration("WS_AUTH_TTL", 900*time.Second),
		WSConnTTL: ParseDuration("WS_CONN_TTL", 120*time.Second),

		StreamDefaultSpeedKmh:  ParseFloat("STREAM_DEFAULT_SPEED", 30),
		StreamDefaultAccuracyM: ParseFloat("STREAM_DEFAULT_ACCURACY", 5),
		StreamTickMs:           ParseInt("STREAM_TICK_MS", 1000),
		StreamDefaultLoop:      ParseBool("STREAM_DEFAULT_LOOP", false),
		StreamDistanceEngine:   ParseBool("STREAM_DISTANCE_ENGINE", true),
		TickClampMinMs:         ParseInt("STREAM_TICK_CLAMP_MIN_MS", 200),
		TickClampMaxMs:         ParseInt("STREAM_TICK_CLAMP_MAX_MS", 2000),

		BackpressureEnabled:    ParseBool("STREAM_WS_BACKPRESSURE_ENABLED", true),
		WSBufferedMaxBytes:     ParseInt("STREAM_WS_BUFFERED_MAX_BYTES", 262144),
		WSTCPMaxBytes:          ParseInt("STREAM_WS_TCP_MAX_BYTES", 524288),
		PressureStrikesToPause: ParseInt("STREAM_WS_PRESSURE_STRIKES_TO_PAUSE", 10),
		PressureWindowMs:       ParseInt("STREAM_WS_PRESSURE_WINDOW_MS", 15000),

		SafetyGateEnabled: ParseBool("ROUTE_SAFETY_GATE", true),
		SimplifyMeters:    ParseFloat("ROUTE_SIMPLIFY_METERS", 2),
		ResampleMeters:    ParseFloat("ROUTE_RESAMPLE_METERS", 5),
		MaxSegmentMeters:  ParseFloat("ROUTE_MAX_SEGMENT_METERS", 200),
		MinTotalMeters:    ParseFloat("ROUTE_MIN_TOTAL_METERS", 50),

		ORSAPIKey:              ParseString("ORS_API_KEY", ""),
		ORSAPIURL:              ParseString("ORS_API_URL", "https://api.openrouteservice.org"),
		ORSGeocodeCacheTTL:     ParseDuration("ORS_GEOCODING_CACHE_TTL", 86400*time.Second),
		ORSRouteCacheTTL:       ParseDuration("ORS_ROUTING_CACHE_TTL", 3600*time.Second),
		ORSDefaultPointSpacing: ParseFloat("ORS_DEFAULT_POINT_SPACING", 5),

		RateLimitAddresses:   ParseInt("RATE_LIMIT_ADDRESSES", 30),
		RateLimitWindow:      ParseDuration("RATE_LIMIT_WINDOW", 60*time.Second),
		RateLimitLoginMax:    ParseInt("RATE_LIMIT_LOGIN_MAX", 10),
		RateLimitActivateMax: ParseInt("RATE_LIMIT_ACTIVATE_MAX", 10),
		RateLimitIPWindow:    ParseDuration("RATE_LIMIT_IP_WINDOW", 60*time.Second),

		TracingEnabled:    ParseBool("OTEL_ENABLED", false),
		TracingExporter:   ParseString("OTEL_EXPORTER", "grpc"),
		TracingEndpoint:   ParseString("OTEL_ENDPOINT", "localhost:4317"),
		TracingSampleRate: ParseFloat("OTEL_SAMPLE_RATE", 1.0),
	}

	cfg.StreamTickMs = clampInt(cfg.StreamTickMs, 100, 60000)
	if cfg.TickClampMinMs <= 0 {
		cfg.TickClampMinMs = 200
	}
	if cfg.TickClampMaxMs < cfg.TickClampMinMs {
		cfg.TickClampMaxMs = cfg.TickClampMinMs
	}
	return cfg
}

// Validate rejects configurations that cannot produce a working process.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Port)
	}
	if c.IsProduction() && c.JWTSecret == "" {
		return fmt.Errorf("config: JWT_SECRET is required in production")
	}
	if c.StreamDefaultSpeedKmh <= 0 {
		return fmt.Errorf("config: STREAM_DEFAULT_SPEED must be positive")
	}
	return nil
}

// IsProduction reports whether the process runs with production defaults.
func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// Addr returns the HTTP listen address.
func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
