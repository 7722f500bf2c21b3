// SPDX-License-Identifier: MIT

package stream

import (
	"math"

	"github.com/routecast/routecast/internal/geo"
)

// Kinematic limits for the distance engine. Tuned to look like a road
// vehicle rather than a point teleporting between vertices.
const (
	accelMps2       = 1.5
	brakeMps2       = 2.5
	lookAheadMeters = 15
	headingAlpha    = 0.3
	maxJumpMeters   = 100
	arriveEpsMeters = 0.01
)

// Frame is one telemetry sample. Speed is always meters per second on
// the wire regardless of how the route was configured.
type Frame struct {
	Lat             float64 `json:"lat"`
	Lng             float64 `json:"lng"`
	SpeedMps        float64 `json:"speed"`
	Bearing         float64 `json:"bearing"`
	AccuracyM       float64 `json:"accuracy"`
	LoopCount       int     `json:"loopCount"`
	PointIndex      int     `json:"pointIndex"`
	DwellRemainingS float64 `json:"dwellRemaining,omitempty"`
	Done            bool    `json:"-"`
}

// Engine produces frames from a prepared track. Engines are not safe
// for concurrent use; the runner owns them.
type Engine interface {
	// Advance moves playback by dt seconds and returns the next frame.
	Advance(dt float64) Frame
	// SkipDwell cancels an in-progress dwell. Reports whether playback
	// was dwelling.
	SkipDwell() bool
	// ExtendDwell adds seconds of hold to an in-progress dwell. Reports
	// whether playback was dwelling; a moving stream is not touched.
	ExtendDwell(seconds float64) bool
	// Progress returns meters travelled on the current lap and the
	// track length.
	Progress() (s, total float64)
}

// engineConfig is the per-stream playback configuration shared by both
// engines.
type engineConfig struct {
	SpeedKmh  float64
	AccuracyM float64
	Loop      bool
}

// --- distance engine ---

// distanceEngine advances a continuous distance along the polyline
// with acceleration and braking limits, decelerating into dwell stops
// and the route end.
type distanceEngine struct {
	track *track
	cfg   engineConfig

	s             float64
	v             float64
	heading       float64
	headingInit   bool
	dwellRemain   float64
	servedStopIdx int
	loopCount     int
	done          bool
}

// NewDistanceEngine builds the kinematic engine.
func NewDistanceEngine(t *track, cfg engineConfig) Engine {
	return &distanceEngine{track: t, cfg: cfg, servedStopIdx: -1}
}

func (e *distanceEngine) Advance(dt float64) Frame {
	if e.done {
		return e.frame(true)
	}
	if e.dwellRemain > 0 {
		e.dwellRemain = math.Max(0, e.dwellRemain-dt)
		e.v = 0
		return e.frame(false)
	}

	targetMps := e.targetSpeedMps()
	stopCum, stopIdx, anchor := e.stopAhead()
	distToStop := stopCum - e.s

	// Accelerate toward the target, but never faster than the braking
	// curve allows. Outside the look-ahead window the curve only kicks
	// in once current speed already exceeds it.
	v := math.Min(e.v+accelMps2*dt, targetMps)
	brakeCap := math.Sqrt(2 * brakeMps2 * math.Max(0, distToStop))
	if distToStop <= lookAheadMeters || brakeCap < v {
		v = math.Min(v, brakeCap)
	}
	e.v = v

	ds := v * dt
	maxStep := clampF(v*dt*2.5, 15, 80)
	ds = math.Min(ds, maxStep)
	ds = math.Min(ds, maxJumpMeters)

	if ds >= distToStop-arriveEpsMeters {
		// Arrived at the stop. Snap exactly onto it.
		e.s = stopCum
		e.v = 0
		if anchor {
			e.servedStopIdx = stopIdx
			e.dwellRemain = e.track.pts[stopIdx].DwellSeconds
		} else {
			// The stop was the track end, loop is off.
			e.done = true
		}
		return e.frame(e.done)
	}

	e.s += ds
	if e.cfg.Loop && e.s >= e.track.total {
		e.s -= e.track.total
		e.loopCount++
		e.servedStopIdx = -1
	}
	return e.frame(false)
}

func (e *distanceEngine) targetSpeedMps() float64 {
	kmh := e.cfg.SpeedKmh
	idx := e.track.segmentIndex(e.s)
	if override := e.track.pts[idx].SpeedKmh; override > 0 {
		kmh = override
	}
	return kmh / 3.6
}

// stopAhead finds the next braking target: a dwell anchor not yet
// served, or the route end when not looping. A looping stream with no
// anchor ahead cruises through the wrap without braking.
func (e *distanceEngine) stopAhead() (float64, int, bool) {
	stopCum, stopIdx, anchor := e.track.nextStop(e.s, e.servedStopIdx)
	if !anchor && e.cfg.Loop {
		return math.Inf(1), stopIdx, false
	}
	return stopCum, stopIdx, anchor
}

func (e *distanceEngine) frame(done bool) Frame {
	pos, raw := e.track.at(e.s)
	if !e.headingInit {
		e.heading = raw
		e.headingInit = true
	} else if e.v > 0.1 {
		e.heading = normalizeBearing(e.heading + headingAlpha*geo.FoldAngle(raw-e.heading))
	}

	idx := e.track.segmentIndex(e.s)
	accuracy := e.cfg.AccuracyM
	if override := e.track.pts[idx].AccuracyM; override > 0 {
		accuracy = override
	}
	return Frame{
		Lat:             pos.Lat,
		Lng:             pos.Lng,
		SpeedMps:        e.v,
		Bearing:         e.heading,
		AccuracyM:       accuracy,
		LoopCount:       e.loopCount,
		PointIndex:      idx,
		DwellRemainingS: e.dwellRemain,
		Done:            done,
	}
}

func (e *distanceEngine) SkipDwell() bool {
	if e.dwellRemain <= 0 {
		return false
	}
	e.dwellRemain = 0
	return true
}

func (e *distanceEngine) ExtendDwell(seconds float64) bool {
	if e.dwellRemain <= 0 || seconds <= 0 {
		return false
	}
	e.dwellRemain += seconds
	return true
}

func (e *distanceEngine) Progress() (float64, float64) {
	return e.s, e.track.total
}

// --- index engine ---

// indexEngine steps one route vertex per tick. It is the legacy mode
// for routes authored with explicit per-point timing.
type indexEngine struct {
	track *track
	cfg   engineConfig

	idx         int
	started     bool
	dwellRemain float64
	loopCount   int
	done        bool
}

// NewIndexEngine builds the point-stepping engine.
func NewIndexEngine(t *track, cfg engineConfig) Engine {
	return &indexEngine{track: t, cfg: cfg}
}

func (e *indexEngine) Advance(dt float64) Frame {
	if e.done {
		return e.frameAt(e.idx, 0, true)
	}
	if e.dwellRemain > 0 {
		e.dwellRemain = math.Max(0, e.dwellRemain-dt)
		return e.frameAt(e.idx, 0, false)
	}

	if !e.started {
		e.started = true
	} else if e.idx+1 < len(e.track.pts) {
		e.idx++
	} else if e.cfg.Loop {
		e.idx = 0
		e.loopCount++
	} else {
		e.done = true
		return e.frameAt(e.idx, 0, true)
	}

	e.dwellRemain = e.track.pts[e.idx].DwellSeconds
	return e.frameAt(e.idx, e.speedMps(), false)
}

func (e *indexEngine) speedMps() float64 {
	kmh := e.cfg.SpeedKmh
	if override := e.track.pts[e.idx].SpeedKmh; override > 0 {
		kmh = override
	}
	return kmh / 3.6
}

func (e *indexEngine) frameAt(idx int, speed float64, done bool) Frame {
	p := e.track.pts[idx]
	bearing := 0.0
	if idx > 0 {
		bearing = geo.Bearing(e.track.pts[idx-1].Point, p.Point)
	} else if len(e.track.pts) > 1 {
		bearing = geo.Bearing(p.Point, e.track.pts[1].Point)
	}

	accuracy := e.cfg.AccuracyM
	if p.AccuracyM > 0 {
		accuracy = p.AccuracyM
	}
	return Frame{
		Lat:             p.Lat,
		Lng:             p.Lng,
		SpeedMps:        speed,
		Bearing:         bearing,
		AccuracyM:       accuracy,
		LoopCount:       e.loopCount,
		PointIndex:      idx,
		DwellRemainingS: e.dwellRemain,
		Done:            done,
	}
}

func (e *indexEngine) SkipDwell() bool {
	if e.dwellRemain <= 0 {
		return false
	}
	e.dwellRemain = 0
	return true
}

func (e *indexEngine) ExtendDwell(seconds float64) bool {
	if e.dwellRemain <= 0 || seconds <= 0 {
		return false
	}
	e.dwellRemain += seconds
	return true
}

func (e *indexEngine) Progress() (float64, float64) {
	return e.track.pts[e.idx].Cum, e.track.total
}

// --- helpers ---

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func normalizeBearing(b float64) float64 {
	b = math.Mod(b, 360)
	if b < 0 {
		b += 360
	}
	return b
}
