// SPDX-License-Identifier: MIT

// Package geo implements the geospatial kernel: haversine distance,
// initial bearing, linear interpolation and uniform-distance resampling
// on a spherical Earth.
package geo

import (
	"errors"
	"math"
)

// EarthRadiusMeters is the mean spherical Earth radius.
const EarthRadiusMeters = 6371000.0

// ErrBadStep is returned by Resample for a non-positive step.
var ErrBadStep = errors.New("geo: resample step must be positive")

// Point is a geographic coordinate in degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the point has finite, in-range coordinates.
func (p Point) Valid() bool {
	if math.IsNaN(p.Lat) || math.IsInf(p.Lat, 0) || math.IsNaN(p.Lng) || math.IsInf(p.Lng, 0) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// Distance returns the haversine great-circle distance between a and b in meters.
func Distance(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	sinLat := math.Sin(dLat / 2)
	sinLng := math.Sin(dLng / 2)
	h := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLng*sinLng
	return 2 * EarthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(h)))
}

// Bearing returns the initial bearing from a to b in degrees, normalized
// to [0, 360).
func Bearing(a, b Point) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	y := math.Sin(dLng) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLng)
	deg := math.Atan2(y, x) * 180 / math.Pi
	return math.Mod(deg+360, 360)
}

// Interpolate returns the point at fraction f along the straight segment
// from a to b. f is clamped to [0, 1]. Linear in lat/lng, which is an
// acceptable approximation over sub-kilometer segments.
func Interpolate(a, b Point, f float64) Point {
	if f <= 0 {
		return a
	}
	if f >= 1 {
		return b
	}
	return Point{
		Lat: a.Lat + (b.Lat-a.Lat)*f,
		Lng: a.Lng + (b.Lng-a.Lng)*f,
	}
}

// FoldAngle folds an angle difference into (-180, 180].
func FoldAngle(deg float64) float64 {
	d := math.Mod(deg, 360)
	if d > 180 {
		d -= 360
	}
	if d <= -180 {
		d += 360
	}
	return d
}

// Resample returns a new polyline whose consecutive points are roughly
// stepMeters apart, always preserving the first and last input points.
// The residual distance carried across segment boundaries keeps the total
// length stable within numerical tolerance.
func Resample(points []Point, stepMeters float64) ([]Point, error) {
	if stepMeters <= 0 {
		return nil, ErrBadStep
	}
	if len(points) < 2 {
		return points, nil
	}

	out := make([]Point, 0, len(points))
	out = append(out, points[0])

	// carried counts meters already walked toward the next emission.
	carried := 0.0
	for i := 0; i < len(points)-1; i++ {
		a, b := points[i], points[i+1]
		segLen := Distance(a, b)
		if segLen <= 0 {
			continue
		}
		pos := stepMeters - carried
		for pos <= segLen {
			out = append(out, Interpolate(a, b, pos/segLen))
			pos += stepMeters
		}
		carried = segLen - (pos - stepMeters)
	}

	// Replace a final sample that landed on (or nearly on) the endpoint,
	// otherwise append the endpoint.
	last := points[len(points)-1]
	if Distance(out[len(out)-1], last) < 1e-6 {
		out[len(out)-1] = last
	} else {
		out = append(out, last)
	}
	return out, nil
}

// PolylineLength returns the summed segment length of the polyline in meters.
func PolylineLength(points []Point) float64 {
	total := 0.0
	for i := 0; i < len(points)-1; i++ {
		total += Distance(points[i], points[i+1])
	}
	return total
}
