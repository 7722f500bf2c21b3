// SPDX-License-Identifier: MIT

// Package stream runs the per-device playback loop: kinematic engines
// producing telemetry frames, a scheduler driving them on a clock, and
// a backpressure guard protecting slow consumers.
package stream

import (
	"fmt"

	"github.com/routecast/routecast/internal/geo"
	"github.com/routecast/routecast/internal/store"
)

// trackPoint is one route vertex with its cumulative distance from the
// start of the polyline.
type trackPoint struct {
	geo.Point
	Cum          float64
	SpeedKmh     float64 // 0 means no per-point override
	AccuracyM    float64 // 0 means use the stream default
	DwellSeconds float64
	Label        string
}

// track is an immutable prepared route ready for playback.
type track struct {
	pts   []trackPoint
	total float64
}

// buildTrack converts stored route points into a playback track and
// folds configured pauses into per-point dwell.
func buildTrack(points []store.RoutePoint, pauses []store.Pause) (*track, error) {
	if len(points) < 2 {
		return nil, fmt.Errorf("track needs at least 2 points, got %d", len(points))
	}

	pauseAt := make(map[int]float64, len(pauses))
	for _, p := range pauses {
		if p.DurationMs > 0 {
			pauseAt[p.AfterPointIndex] += float64(p.DurationMs) / 1000
		}
	}

	pts := make([]trackPoint, len(points))
	var cum float64
	for i, rp := range points {
		if i > 0 {
			cum += geo.Distance(
				geo.Point{Lat: points[i-1].Lat, Lng: points[i-1].Lng},
				geo.Point{Lat: rp.Lat, Lng: rp.Lng})
		}
		tp := trackPoint{
			Point:        geo.Point{Lat: rp.Lat, Lng: rp.Lng},
			Cum:          cum,
			DwellSeconds: float64(rp.DwellSeconds) + pauseAt[i],
			Label:        rp.Label,
		}
		if rp.Speed != nil && *rp.Speed > 0 {
			tp.SpeedKmh = *rp.Speed
		}
		if rp.Accuracy != nil && *rp.Accuracy > 0 {
			tp.AccuracyM = *rp.Accuracy
		}
		pts[i] = tp
	}

	return &track{pts: pts, total: cum}, nil
}

// at returns the interpolated position and the raw segment bearing at
// distance s along the track. s is clamped to [0, total].
func (t *track) at(s float64) (geo.Point, float64) {
	if s <= 0 {
		first, second := t.pts[0], t.pts[1]
		return first.Point, geo.Bearing(first.Point, second.Point)
	}
	if s >= t.total {
		last, prev := t.pts[len(t.pts)-1], t.pts[len(t.pts)-2]
		return last.Point, geo.Bearing(prev.Point, last.Point)
	}

	// Binary search for the segment containing s.
	lo, hi := 0, len(t.pts)-1
	for lo+1 < hi {
		mid := (lo + hi) / 2
		if t.pts[mid].Cum <= s {
			lo = mid
		} else {
			hi = mid
		}
	}
	a, b := t.pts[lo], t.pts[hi]
	segLen := b.Cum - a.Cum
	frac := 0.0
	if segLen > 0 {
		frac = (s - a.Cum) / segLen
	}
	return geo.Interpolate(a.Point, b.Point, frac), geo.Bearing(a.Point, b.Point)
}

// segmentIndex returns the index of the last point at or before s.
func (t *track) segmentIndex(s float64) int {
	lo, hi := 0, len(t.pts)-1
	if s <= 0 {
		return 0
	}
	if s >= t.total {
		return len(t.pts) - 1
	}
	for lo+1 < hi {
		mid := (lo + hi) / 2
		if t.pts[mid].Cum <= s {
			lo = mid
		} else {
			hi = mid
		}
	}
	return lo
}

// nextStop returns the next point with dwell at or after distance s.
// afterIdx excludes dwell anchors playback already served. When no
// anchor remains the track end is returned with anchor false.
func (t *track) nextStop(s float64, afterIdx int) (stopCum float64, stopIdx int, anchor bool) {
	for i, p := range t.pts {
		if i <= afterIdx {
			continue
		}
		if p.DwellSeconds > 0 && p.Cum >= s-1e-9 {
			return p.Cum, i, true
		}
	}
	return t.total, len(t.pts) - 1, false
}
