// SPDX-License-Identifier: MIT

// Package routegate sanitizes and validates a polyline before it is
// persisted: sanitize, validate, simplify, resample, spike detection,
// in that fixed order. The gate either returns a clean polyline or
// rejects the whole route.
package routegate

import (
	"errors"
	"fmt"
	"math"

	"github.com/routecast/routecast/internal/geo"
)

// Terminal gate rejections.
var (
	ErrInvalidGeometry = errors.New("invalid route geometry")
	ErrInvalidSpikes   = errors.New("route contains coordinate spikes")
)

const (
	spikeSegmentMeters = 5.0
	spikeTurnDegrees   = 160.0
	spikeWindowMeters  = 30.0
	mergeBelowMeters   = 0.5
)

// Point is a gate input/output point. Dwell and Label mark anchors that
// simplification must never drop.
type Point struct {
	geo.Point
	DwellSeconds int
	Label        string
}

// Options controls gate thresholds.
type Options struct {
	SimplifyToleranceMeters float64
	ResampleStepMeters      float64
	MaxSegmentMeters        float64
	MinTotalMeters          float64
}

// DefaultOptions returns the gate defaults.
func DefaultOptions() Options {
	return Options{
		SimplifyToleranceMeters: 2,
		ResampleStepMeters:      5,
		MaxSegmentMeters:        200,
		MinTotalMeters:          50,
	}
}

// Apply runs all five gate stages and returns the cleaned polyline.
func Apply(points []Point, opts Options) ([]Point, error) {
	if opts.ResampleStepMeters <= 0 {
		opts.ResampleStepMeters = 5
	}
	if opts.MaxSegmentMeters <= 0 {
		opts.MaxSegmentMeters = 200
	}
	if opts.MinTotalMeters <= 0 {
		opts.MinTotalMeters = 50
	}

	clean := Sanitize(points)

	if err := Validate(clean, opts); err != nil {
		return nil, err
	}

	if opts.SimplifyToleranceMeters > 0 {
		clean = Simplify(clean, opts.SimplifyToleranceMeters)
	}

	clean = resampleKeepingAnchors(clean, opts.ResampleStepMeters)

	if err := DetectSpikes(clean); err != nil {
		return nil, err
	}
	return clean, nil
}

// Sanitize drops points with non-finite or out-of-range coordinates and
// merges exact duplicates and sub-0.5 m successors into the previous kept
// point, accumulating dwell and preserving the label.
func Sanitize(points []Point) []Point {
	out := make([]Point, 0, len(points))
	for _, p := range points {
		if !p.Valid() {
			continue
		}
		if len(out) > 0 {
			prev := &out[len(out)-1]
			if geo.Distance(prev.Point, p.Point) < mergeBelowMeters {
				prev.DwellSeconds += p.DwellSeconds
				if prev.Label == "" {
					prev.Label = p.Label
				}
				continue
			}
		}
		out = append(out, p)
	}
	return out
}

// Validate rejects polylines that are too short, too small, or contain
// an over-long segment.
func Validate(points []Point, opts Options) error {
	if len(points) < 2 {
		return fmt.Errorf("%w: need at least 2 valid points, have %d", ErrInvalidGeometry, len(points))
	}
	total := 0.0
	for i := 0; i < len(points)-1; i++ {
		seg := geo.Distance(points[i].Point, points[i+1].Point)
		if seg > opts.MaxSegmentMeters {
			return fmt.Errorf("%w: segment %d is %.0f m, max %.0f m",
				ErrInvalidGeometry, i, seg, opts.MaxSegmentMeters)
		}
		total += seg
	}
	if total < opts.MinTotalMeters {
		return fmt.Errorf("%w: total length %.1f m below minimum %.0f m",
			ErrInvalidGeometry, total, opts.MinTotalMeters)
	}
	return nil
}

// Simplify runs Douglas-Peucker with anchor protection: any point with a
// dwell or a label is treated as infinitely far from the chord and is
// never dropped.
func Simplify(points []Point, toleranceMeters float64) []Point {
	if len(points) <= 2 {
		return points
	}
	keep := make([]bool, len(points))
	keep[0], keep[len(points)-1] = true, true
	simplifyRange(points, 0, len(points)-1, toleranceMeters, keep)

	out := make([]Point, 0, len(points))
	for i, k := range keep {
		if k {
			out = append(out, points[i])
		}
	}
	return out
}

func simplifyRange(points []Point, lo, hi int, tol float64, keep []bool) {
	if hi-lo < 2 {
		return
	}
	maxDist := -1.0
	maxIdx := -1
	for i := lo + 1; i < hi; i++ {
		d := perpendicularDistance(points[i], points[lo], points[hi])
		if d > maxDist {
			maxDist = d
			maxIdx = i
		}
	}
	if maxDist > tol {
		keep[maxIdx] = true
		simplifyRange(points, lo, maxIdx, tol, keep)
		simplifyRange(points, maxIdx, hi, tol, keep)
	}
}

func perpendicularDistance(p, a, b Point) float64 {
	if p.DwellSeconds > 0 || p.Label != "" {
		return math.Inf(1) // anchor, never dropped
	}
	segLen := geo.Distance(a.Point, b.Point)
	if segLen == 0 {
		return geo.Distance(p.Point, a.Point)
	}
	// Flat-earth projection is fine at simplification tolerances.
	latScale := math.Cos(a.Lat * math.Pi / 180)
	ax, ay := a.Lng*latScale, a.Lat
	bx, by := b.Lng*latScale, b.Lat
	px, py := p.Lng*latScale, p.Lat

	dx, dy := bx-ax, by-ay
	t := ((px-ax)*dx + (py-ay)*dy) / (dx*dx + dy*dy)
	t = math.Max(0, math.Min(1, t))
	cx, cy := ax+t*dx, ay+t*dy
	return math.Hypot(px-cx, py-cy) * math.Pi / 180 * geo.EarthRadiusMeters
}

// resampleKeepingAnchors resamples each span between consecutive anchors
// (and the endpoints) so anchored points survive with their dwell and
// label. Interpolated points carry neither.
func resampleKeepingAnchors(points []Point, step float64) []Point {
	if len(points) < 2 {
		return points
	}

	anchorIdx := []int{0}
	for i := 1; i < len(points)-1; i++ {
		if points[i].DwellSeconds > 0 || points[i].Label != "" {
			anchorIdx = append(anchorIdx, i)
		}
	}
	anchorIdx = append(anchorIdx, len(points)-1)

	out := make([]Point, 0, len(points))
	for s := 0; s < len(anchorIdx)-1; s++ {
		lo, hi := anchorIdx[s], anchorIdx[s+1]
		span := make([]geo.Point, 0, hi-lo+1)
		for i := lo; i <= hi; i++ {
			span = append(span, points[i].Point)
		}
		resampled, err := geo.Resample(span, step)
		if err != nil {
			resampled = span
		}
		if s > 0 {
			resampled = resampled[1:] // anchor already emitted by previous span
		}
		for i, gp := range resampled {
			p := Point{Point: gp}
			if s == 0 && i == 0 {
				p.DwellSeconds, p.Label = points[lo].DwellSeconds, points[lo].Label
			}
			if i == len(resampled)-1 {
				p.DwellSeconds, p.Label = points[hi].DwellSeconds, points[hi].Label
			}
			out = append(out, p)
		}
	}
	return out
}

// DetectSpikes flags GPS-noise zigzags: a point is a spike when both
// neighboring segments are under 5 m and the folded turn angle exceeds
// 160 degrees. Three spikes within a 30 m window reject the route.
func DetectSpikes(points []Point) error {
	if len(points) < 3 {
		return nil
	}

	type spike struct {
		index int
		pos   float64 // cumulative meters at the spike point
	}
	var spikes []spike

	pos := 0.0
	for i := 1; i < len(points)-1; i++ {
		prevSeg := geo.Distance(points[i-1].Point, points[i].Point)
		nextSeg := geo.Distance(points[i].Point, points[i+1].Point)
		pos += prevSeg
		if prevSeg >= spikeSegmentMeters || nextSeg >= spikeSegmentMeters {
			continue
		}
		turn := math.Abs(geo.FoldAngle(
			geo.Bearing(points[i].Point, points[i+1].Point) -
				geo.Bearing(points[i-1].Point, points[i].Point)))
		if turn > spikeTurnDegrees {
			spikes = append(spikes, spike{index: i, pos: pos})
		}
	}

	for i := 0; i+2 < len(spikes); i++ {
		if spikes[i+2].pos-spikes[i].pos <= spikeWindowMeters {
			return fmt.Errorf("%w: %d spikes within %.0f m around point %d",
				ErrInvalidSpikes, 3, spikeWindowMeters, spikes[i].index)
		}
	}
	return nil
}
