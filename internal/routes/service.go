// SPDX-License-Identifier: MIT

// Package routes builds playable routes from the five authoring modes
// and guards every submission with the geometry gate.
package routes

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"

	"github.com/routecast/routecast/internal/audit"
	"github.com/routecast/routecast/internal/geo"
	"github.com/routecast/routecast/internal/gpx"
	"github.com/routecast/routecast/internal/log"
	"github.com/routecast/routecast/internal/metrics"
	"github.com/routecast/routecast/internal/ors"
	"github.com/routecast/routecast/internal/routegate"
	"github.com/routecast/routecast/internal/store"
)

// idempotencyWindow is how long a creation key dedupes repeats.
const idempotencyWindow = 10 * time.Minute

var (
	ErrNoWaypoints  = errors.New("routes: need at least origin and destination")
	ErrBadWaypoint  = errors.New("routes: waypoint needs an address or coordinates")
	ErrRoutingUnset = ors.ErrNotConfigured
)

// InputPoint is one caller-supplied route vertex.
type InputPoint struct {
	Lat          float64 `json:"lat"`
	Lng          float64 `json:"lng"`
	DwellSeconds int     `json:"dwellSeconds,omitempty"`
	Label        string  `json:"label,omitempty"`
}

// InputWaypoint is one stop in waypoint authoring mode. Mode "address"
// resolves Text through geocoding; mode "manual" uses Lat/Lng as is.
type InputWaypoint struct {
	Kind         store.WaypointKind `json:"kind"`
	Mode         string             `json:"mode"`
	Text         string             `json:"text,omitempty"`
	Label        string             `json:"label,omitempty"`
	Lat          float64            `json:"lat,omitempty"`
	Lng          float64            `json:"lng,omitempty"`
	DwellSeconds int                `json:"dwellSeconds,omitempty"`
}

// CreateRequest is the shared envelope for all creation modes. Profile
// picks the routing profile for address modes; PointSpacingMeters
// overrides the gate's resampling step when positive.
type CreateRequest struct {
	OwnerUserID        string
	ActorUserID        string
	Name               string
	Config             store.RouteConfig
	IdempotencyKey     string
	Profile            string
	PointSpacingMeters float64
}

// Service implements route authoring.
type Service struct {
	st     store.Store
	router *ors.Client
	gate   routegate.Options
	idem   *ttlcache.Cache[string, string]
	rec    *audit.Recorder
	logger zerolog.Logger
}

// NewService wires the route service. router may be unconfigured; the
// address modes then fail with ErrRoutingUnset.
func NewService(st store.Store, router *ors.Client, gate routegate.Options, rec *audit.Recorder) *Service {
	idem := ttlcache.New[string, string](
		ttlcache.WithTTL[string, string](idempotencyWindow),
		ttlcache.WithDisableTouchOnHit[string, string](),
	)
	go idem.Start()
	return &Service{
		st:     st,
		router: router,
		gate:   gate,
		idem:   idem,
		rec:    rec,
		logger: log.WithComponent("routes"),
	}
}

// Close stops background cache janitors.
func (s *Service) Close() {
	s.idem.Stop()
}

// FromPoints creates a route from caller-supplied vertices. The bool
// reports whether an existing route was reused through idempotency.
func (s *Service) FromPoints(ctx context.Context, req CreateRequest, points []InputPoint) (store.Route, bool, error) {
	raw := make([]routegate.Point, len(points))
	for i, p := range points {
		raw[i] = routegate.Point{
			Point:        geo.Point{Lat: p.Lat, Lng: p.Lng},
			DwellSeconds: p.DwellSeconds,
			Label:        p.Label,
		}
	}
	return s.create(ctx, req, store.SourcePoints, raw, nil)
}

// FromGPX creates a route from an uploaded GPX document.
func (s *Service) FromGPX(ctx context.Context, req CreateRequest, content string) (store.Route, bool, error) {
	parsed, err := gpx.Parse(content)
	if err != nil {
		return store.Route{}, false, err
	}
	raw := make([]routegate.Point, len(parsed.Points))
	for i, p := range parsed.Points {
		raw[i] = routegate.Point{Point: p}
	}
	if parsed.Dropped > 0 {
		s.logger.Info().Int("dropped", parsed.Dropped).Msg("gpx points discarded during parse")
	}
	return s.create(ctx, req, store.SourceGPX, raw, nil)
}

// FromAddresses creates a road-following route between two addresses.
// waitAtEndSeconds holds position at the destination before the stream
// completes.
func (s *Service) FromAddresses(ctx context.Context, req CreateRequest, origin, destination string, waitAtEndSeconds int) (store.Route, bool, error) {
	wps := []InputWaypoint{
		{Kind: store.WaypointOrigin, Mode: "address", Text: origin},
		{Kind: store.WaypointDestination, Mode: "address", Text: destination, DwellSeconds: waitAtEndSeconds},
	}
	return s.fromWaypoints(ctx, req, store.SourceORS, wps)
}

// FromAddressesWithStops creates a road route with intermediate stops,
// each holding position for its dwell.
func (s *Service) FromAddressesWithStops(ctx context.Context, req CreateRequest, origin, destination string, stops []InputWaypoint) (store.Route, bool, error) {
	wps := make([]InputWaypoint, 0, len(stops)+2)
	wps = append(wps, InputWaypoint{Kind: store.WaypointOrigin, Mode: "address", Text: origin})
	for _, stop := range stops {
		stop.Kind = store.WaypointStop
		if stop.Mode == "" {
			stop.Mode = "address"
		}
		wps = append(wps, stop)
	}
	wps = append(wps, InputWaypoint{Kind: store.WaypointDestination, Mode: "address", Text: destination})
	return s.fromWaypoints(ctx, req, store.SourceORSStops, wps)
}

// FromWaypoints creates a road route through mixed address and manual
// waypoints in visit order.
func (s *Service) FromWaypoints(ctx context.Context, req CreateRequest, wps []InputWaypoint) (store.Route, bool, error) {
	return s.fromWaypoints(ctx, req, store.SourceORSWaypoints, wps)
}

func (s *Service) fromWaypoints(ctx context.Context, req CreateRequest, src store.SourceType, wps []InputWaypoint) (store.Route, bool, error) {
	if len(wps) < 2 {
		return store.Route{}, false, ErrNoWaypoints
	}

	// Resolve idempotent repeats before spending geocoding calls.
	if existing, ok := s.lookupIdempotent(ctx, req); ok {
		return existing, true, nil
	}

	resolved := make([]store.Waypoint, len(wps))
	coords := make([]geo.Point, len(wps))
	for i, w := range wps {
		var p geo.Point
		var text string
		switch w.Mode {
		case "manual":
			p = geo.Point{Lat: w.Lat, Lng: w.Lng}
			if !p.Valid() {
				return store.Route{}, false, fmt.Errorf("%w: waypoint %d", ErrBadWaypoint, i)
			}
		default:
			if w.Text == "" {
				return store.Route{}, false, fmt.Errorf("%w: waypoint %d", ErrBadWaypoint, i)
			}
			matches, err := s.router.Geocode(ctx, w.Text)
			if err != nil {
				return store.Route{}, false, err
			}
			p = matches[0].Point
			text = matches[0].Label
		}
		coords[i] = p
		resolved[i] = store.Waypoint{
			Seq:          i,
			Kind:         w.Kind,
			Mode:         waypointMode(w.Mode),
			Label:        w.Label,
			Text:         firstNonEmpty(text, w.Text),
			Lat:          p.Lat,
			Lng:          p.Lng,
			DwellSeconds: w.DwellSeconds,
		}
	}

	routed, err := s.router.Directions(ctx, coords, req.Profile)
	if err != nil {
		return store.Route{}, false, err
	}

	// Attach stop dwell to the polyline vertex nearest each waypoint
	// so the geometry gate keeps those anchors.
	raw := make([]routegate.Point, len(routed.Points))
	for i, p := range routed.Points {
		raw[i] = routegate.Point{Point: p}
	}
	for _, w := range resolved {
		if w.DwellSeconds <= 0 {
			continue
		}
		idx := nearestIndex(routed.Points, geo.Point{Lat: w.Lat, Lng: w.Lng})
		raw[idx].DwellSeconds += w.DwellSeconds
		if raw[idx].Label == "" {
			raw[idx].Label = w.Label
		}
	}

	req.Config.SetExtra("distanceM", routed.DistanceM)
	req.Config.SetExtra("durationS", routed.DurationS)
	return s.create(ctx, req, src, raw, resolved)
}

// create runs the shared gate-bind-persist tail of every mode. The
// bool reports an idempotent reuse.
func (s *Service) create(ctx context.Context, req CreateRequest, src store.SourceType, raw []routegate.Point, wps []store.Waypoint) (store.Route, bool, error) {
	if existing, ok := s.lookupIdempotent(ctx, req); ok {
		return existing, true, nil
	}

	opts := s.gate
	if req.PointSpacingMeters > 0 {
		opts.ResampleStepMeters = req.PointSpacingMeters
	}
	cleaned, err := routegate.Apply(raw, opts)
	if err != nil {
		metrics.RecordRouteReject(rejectReason(err))
		return store.Route{}, false, err
	}

	cfg := req.Config
	cfg.Normalize()
	if req.IdempotencyKey != "" {
		cfg.SetExtra("idempotencyKey", req.IdempotencyKey)
	}

	route := store.Route{
		ID:          uuid.NewString(),
		OwnerUserID: req.OwnerUserID,
		Name:        req.Name,
		SourceType:  src,
		Config:      cfg,
		CreatedAt:   time.Now(),
	}

	points := make([]store.RoutePoint, len(cleaned))
	gatePts := make([]geo.Point, len(cleaned))
	for i, p := range cleaned {
		points[i] = store.RoutePoint{
			RouteID:      route.ID,
			Seq:          i,
			Lat:          p.Lat,
			Lng:          p.Lng,
			DwellSeconds: p.DwellSeconds,
			Label:        p.Label,
		}
		gatePts[i] = p.Point
	}

	// Bind each waypoint to its nearest surviving vertex.
	for i := range wps {
		wps[i].RouteID = route.ID
		wps[i].PointIndex = nearestIndex(gatePts, geo.Point{Lat: wps[i].Lat, Lng: wps[i].Lng})
	}

	if err := s.st.CreateRoute(ctx, route, points, wps); err != nil {
		return store.Route{}, false, err
	}
	s.rememberIdempotent(req, route.ID)

	s.rec.Record(ctx, audit.Event{
		Type:  audit.EventRouteCreate,
		Actor: req.ActorUserID,
		Details: map[string]string{
			"routeId": route.ID,
			"source":  string(src),
			"points":  fmt.Sprintf("%d", len(points)),
		},
	})
	return route, false, nil
}

// Delete removes a route and audits it.
func (s *Service) Delete(ctx context.Context, routeID, actor string) error {
	if err := s.st.DeleteRoute(ctx, routeID); err != nil {
		return err
	}
	s.rec.Record(ctx, audit.Event{
		Type:    audit.EventRouteDelete,
		Actor:   actor,
		Details: map[string]string{"routeId": routeID},
	})
	return nil
}

// Assign binds a route to a device for one-tap streaming.
func (s *Service) Assign(ctx context.Context, deviceID, routeID, actor string) error {
	if routeID != "" {
		if _, err := s.st.RouteByID(ctx, routeID); err != nil {
			return err
		}
	}
	if err := s.st.AssignRoute(ctx, deviceID, routeID); err != nil {
		return err
	}
	s.rec.Record(ctx, audit.Event{
		Type:     audit.EventRouteAssign,
		Actor:    actor,
		DeviceID: deviceID,
		Details:  map[string]string{"routeId": routeID},
	})
	return nil
}

// --- idempotency ---

func (s *Service) idemKey(req CreateRequest) string {
	sum := sha256.Sum256([]byte(req.OwnerUserID + ":" + req.IdempotencyKey))
	return hex.EncodeToString(sum[:])
}

func (s *Service) lookupIdempotent(ctx context.Context, req CreateRequest) (store.Route, bool) {
	if req.IdempotencyKey == "" {
		return store.Route{}, false
	}
	if item := s.idem.Get(s.idemKey(req)); item != nil {
		if route, err := s.st.RouteByID(ctx, item.Value()); err == nil {
			return route, true
		}
	}
	// The in-process cache dies with the process; the store query
	// covers restarts inside the window.
	since := time.Now().Add(-idempotencyWindow).UnixMilli()
	route, err := s.st.RouteByIdempotencyKey(ctx, req.OwnerUserID, req.IdempotencyKey, since)
	if err == nil {
		return route, true
	}
	return store.Route{}, false
}

func (s *Service) rememberIdempotent(req CreateRequest, routeID string) {
	if req.IdempotencyKey == "" {
		return
	}
	s.idem.Set(s.idemKey(req), routeID, ttlcache.DefaultTTL)
}

// --- helpers ---

func nearestIndex(pts []geo.Point, target geo.Point) int {
	best, bestDist := 0, -1.0
	for i, p := range pts {
		d := geo.Distance(p, target)
		if bestDist < 0 || d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

func waypointMode(mode string) string {
	if mode == "manual" {
		return "manual"
	}
	return "address"
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, routegate.ErrInvalidSpikes):
		return "spikes"
	case errors.Is(err, routegate.ErrInvalidGeometry):
		return "geometry"
	default:
		return "unknown"
	}
}
