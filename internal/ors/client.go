// SPDX-License-Identifier: MIT

// Package ors wraps the openrouteservice HTTP API with Redis caching.
// Cached responses make repeated address lookups free and keep the
// simulator usable under the upstream free-tier quota.
package ors

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/routecast/routecast/internal/geo"
	"github.com/routecast/routecast/internal/kv"
	"github.com/routecast/routecast/internal/metrics"
)

var (
	ErrNotConfigured = errors.New("ors: api key not configured")
	ErrNoResults     = errors.New("ors: no results")
	ErrUpstream      = errors.New("ors: upstream error")
	ErrBadProfile    = errors.New("ors: unknown routing profile")
)

// Per-endpoint request timeouts. Multi-waypoint directions carry the
// most upstream work and get the longest budget.
const (
	geocodeTimeout         = 10 * time.Second
	directionsPairTimeout  = 15 * time.Second
	directionsMultiTimeout = 30 * time.Second
)

// DefaultProfile is used when a route request names no profile.
const DefaultProfile = "driving-car"

// validProfiles are the openrouteservice routing profiles we accept.
var validProfiles = map[string]bool{
	"driving-car":     true,
	"driving-hgv":     true,
	"cycling-regular": true,
	"cycling-road":    true,
	"foot-walking":    true,
	"foot-hiking":     true,
	"wheelchair":      true,
}

func directionsTimeoutFor(n int) time.Duration {
	if n > 2 {
		return directionsMultiTimeout
	}
	return directionsPairTimeout
}

// Match is one geocoding result.
type Match struct {
	Label string    `json:"label"`
	Point geo.Point `json:"point"`
}

// RouteResult is a computed directions polyline with its summary.
type RouteResult struct {
	Points    []geo.Point `json:"points"`
	DistanceM float64     `json:"distanceM"`
	DurationS float64     `json:"durationS"`
}

// Config holds client settings.
type Config struct {
	APIKey          string
	BaseURL         string
	GeocodeCacheTTL time.Duration
	RouteCacheTTL   time.Duration
}

// Client calls openrouteservice with caching and bounded retries.
type Client struct {
	cfg    Config
	http   *http.Client
	cache  *kv.Store
	logger zerolog.Logger
}

// New builds a Client. cache may be nil to disable caching.
func New(cfg Config, cache *kv.Store, logger zerolog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openrouteservice.org"
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: directionsMultiTimeout},
		cache:  cache,
		logger: logger,
	}
}

// Configured reports whether an API key is present.
func (c *Client) Configured() bool {
	return c.cfg.APIKey != ""
}

// Geocode resolves a free-text address to candidate coordinates.
func (c *Client) Geocode(ctx context.Context, text string) ([]Match, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	cacheKey := kv.GeocodeKey(hashKey("geocode", text))
	var cached []Match
	if c.cacheGet(ctx, cacheKey, &cached) {
		return cached, nil
	}

	ctx, cancel := context.WithTimeout(ctx, geocodeTimeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/geocode/search?api_key=%s&text=%s&size=5",
		c.cfg.BaseURL, url.QueryEscape(c.cfg.APIKey), url.QueryEscape(text))
	matches, err := c.fetchMatches(ctx, "geocode", endpoint)
	if err != nil {
		return nil, err
	}
	c.cachePut(ctx, cacheKey, matches, c.cfg.GeocodeCacheTTL)
	return matches, nil
}

// Autocomplete returns partial-input address suggestions. A non-empty
// country (ISO 3166 alpha code) restricts the search.
func (c *Client) Autocomplete(ctx context.Context, text, country string) ([]Match, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	cacheKey := kv.AutocompleteKey(hashKey("autocomplete", text+"|"+country))
	var cached []Match
	if c.cacheGet(ctx, cacheKey, &cached) {
		return cached, nil
	}

	ctx, cancel := context.WithTimeout(ctx, geocodeTimeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/geocode/autocomplete?api_key=%s&text=%s&size=5",
		c.cfg.BaseURL, url.QueryEscape(c.cfg.APIKey), url.QueryEscape(text))
	if country != "" {
		endpoint += "&boundary.country=" + url.QueryEscape(country)
	}
	matches, err := c.fetchMatches(ctx, "autocomplete", endpoint)
	if err != nil {
		return nil, err
	}
	c.cachePut(ctx, cacheKey, matches, c.cfg.GeocodeCacheTTL)
	return matches, nil
}

// Directions computes a road-following polyline through the given
// coordinates in visit order, using the named routing profile (empty
// means DefaultProfile). Multi-waypoint requests get one retry with
// backoff since they fail more often upstream.
func (c *Client) Directions(ctx context.Context, coords []geo.Point, profile string) (RouteResult, error) {
	if !c.Configured() {
		return RouteResult{}, ErrNotConfigured
	}
	if len(coords) < 2 {
		return RouteResult{}, fmt.Errorf("ors: need at least 2 coordinates, got %d", len(coords))
	}
	if profile == "" {
		profile = DefaultProfile
	}
	if !validProfiles[profile] {
		return RouteResult{}, fmt.Errorf("%w: %q", ErrBadProfile, profile)
	}

	cacheKey := kv.RouteKey(profile, hashCoords(coords))
	var cached RouteResult
	if c.cacheGet(ctx, cacheKey, &cached) {
		return cached, nil
	}

	ctx, cancel := context.WithTimeout(ctx, directionsTimeoutFor(len(coords)))
	defer cancel()

	var result RouteResult
	attempt := func() error {
		var err error
		result, err = c.fetchDirections(ctx, coords, profile)
		if errors.Is(err, ErrNoResults) {
			return backoff.Permanent(err)
		}
		return err
	}

	var err error
	if len(coords) > 2 {
		policy := backoff.WithContext(backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(), 1), ctx)
		err = backoff.Retry(attempt, policy)
	} else {
		err = attempt()
	}
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
		return RouteResult{}, err
	}

	c.cachePut(ctx, cacheKey, result, c.cfg.RouteCacheTTL)
	return result, nil
}

// --- upstream wire formats ---

type geoJSONFeatures struct {
	Features []struct {
		Geometry struct {
			Coordinates json.RawMessage `json:"coordinates"`
		} `json:"geometry"`
		Properties struct {
			Label   string `json:"label"`
			Summary struct {
				Distance float64 `json:"distance"`
				Duration float64 `json:"duration"`
			} `json:"summary"`
		} `json:"properties"`
	} `json:"features"`
}

func (c *Client) fetchMatches(ctx context.Context, endpointName, endpoint string) ([]Match, error) {
	body, err := c.do(ctx, endpointName, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	var doc geoJSONFeatures
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrUpstream, err)
	}
	if len(doc.Features) == 0 {
		return nil, ErrNoResults
	}

	matches := make([]Match, 0, len(doc.Features))
	for _, f := range doc.Features {
		var lngLat [2]float64
		if err := json.Unmarshal(f.Geometry.Coordinates, &lngLat); err != nil {
			continue
		}
		p := geo.Point{Lat: lngLat[1], Lng: lngLat[0]}
		if !p.Valid() {
			continue
		}
		matches = append(matches, Match{Label: f.Properties.Label, Point: p})
	}
	if len(matches) == 0 {
		return nil, ErrNoResults
	}
	return matches, nil
}

func (c *Client) fetchDirections(ctx context.Context, coords []geo.Point, profile string) (RouteResult, error) {
	lngLat := make([][2]float64, len(coords))
	for i, p := range coords {
		lngLat[i] = [2]float64{p.Lng, p.Lat}
	}
	payload, err := json.Marshal(map[string]any{"coordinates": lngLat})
	if err != nil {
		return RouteResult{}, fmt.Errorf("ors: encode request: %w", err)
	}

	endpoint := c.cfg.BaseURL + "/v2/directions/" + profile + "/geojson"
	body, err := c.do(ctx, "directions", http.MethodPost, endpoint, payload)
	if err != nil {
		return RouteResult{}, err
	}

	var doc geoJSONFeatures
	if err := json.Unmarshal(body, &doc); err != nil {
		return RouteResult{}, fmt.Errorf("%w: decode: %v", ErrUpstream, err)
	}
	if len(doc.Features) == 0 {
		return RouteResult{}, ErrNoResults
	}

	var line [][2]float64
	if err := json.Unmarshal(doc.Features[0].Geometry.Coordinates, &line); err != nil {
		return RouteResult{}, fmt.Errorf("%w: decode polyline: %v", ErrUpstream, err)
	}

	points := make([]geo.Point, 0, len(line))
	for _, ll := range line {
		p := geo.Point{Lat: ll[1], Lng: ll[0]}
		if p.Valid() {
			points = append(points, p)
		}
	}
	if len(points) < 2 {
		return RouteResult{}, ErrNoResults
	}

	return RouteResult{
		Points:    points,
		DistanceM: doc.Features[0].Properties.Summary.Distance,
		DurationS: doc.Features[0].Properties.Summary.Duration,
	}, nil
}

func (c *Client) do(ctx context.Context, endpointName, method, endpoint string, payload []byte) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("ors: build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", c.cfg.APIKey)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.RoutingCallSeconds.WithLabelValues(endpointName).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.RoutingCallsTotal.WithLabelValues(endpointName, "error").Inc()
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		metrics.RoutingCallsTotal.WithLabelValues(endpointName, "error").Inc()
		return nil, fmt.Errorf("%w: read body: %v", ErrUpstream, err)
	}
	if resp.StatusCode != http.StatusOK {
		metrics.RoutingCallsTotal.WithLabelValues(endpointName, "error").Inc()
		c.logger.Warn().
			Int("status", resp.StatusCode).
			Str("endpoint", endpointName).
			Msg("routing upstream returned non-200")
		return nil, fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
	}
	metrics.RoutingCallsTotal.WithLabelValues(endpointName, "ok").Inc()
	return body, nil
}

// --- cache helpers, failures never surface ---

func (c *Client) cacheGet(ctx context.Context, key string, dest any) bool {
	if c.cache == nil {
		return false
	}
	ok, err := c.cache.GetJSON(ctx, key, dest)
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("routing cache read failed")
		return false
	}
	return ok
}

func (c *Client) cachePut(ctx context.Context, key string, value any, ttl time.Duration) {
	if c.cache == nil || ttl <= 0 {
		return
	}
	if err := c.cache.PutJSON(ctx, key, value, ttl); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("routing cache write failed")
	}
}

// hashKey normalizes the query so "  Wien " and "wien" share a cache
// entry.
func hashKey(kind, text string) string {
	sum := sha256.Sum256([]byte(kind + ":" + strings.ToLower(strings.TrimSpace(text))))
	return hex.EncodeToString(sum[:])
}

func hashCoords(coords []geo.Point) string {
	h := sha256.New()
	for _, p := range coords {
		fmt.Fprintf(h, "%.6f,%.6f;", p.Lat, p.Lng)
	}
	return hex.EncodeToString(h.Sum(nil))
}
