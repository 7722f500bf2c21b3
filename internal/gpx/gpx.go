// SPDX-License-Identifier: MIT

// Package gpx extracts coordinates from GPX documents. Track points,
// route points and waypoints are read by lat/lon attribute extraction;
// elevation and time are ignored.
package gpx

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"github.com/routecast/routecast/internal/geo"
)

// Result carries the extracted polyline and the count of coordinates that
// were dropped for being out of range.
type Result struct {
	Points  []geo.Point
	Dropped int
}

type gpxDoc struct {
	XMLName xml.Name   `xml:"gpx"`
	Wpt     []gpxPoint `xml:"wpt"`
	Rte     []struct {
		Rtept []gpxPoint `xml:"rtept"`
	} `xml:"rte"`
	Trk []struct {
		Trkseg []struct {
			Trkpt []gpxPoint `xml:"trkpt"`
		} `xml:"trkseg"`
	} `xml:"trk"`
}

type gpxPoint struct {
	Lat string `xml:"lat,attr"`
	Lon string `xml:"lon,attr"`
}

// Parse extracts all coordinates from the GPX content. Track points are
// preferred; route points and then waypoints are used as fallback so a
// waypoint-only file still yields a polyline.
func Parse(content string) (Result, error) {
	var doc gpxDoc
	if err := xml.Unmarshal([]byte(content), &doc); err != nil {
		return Result{}, fmt.Errorf("gpx: parse failed: %w", err)
	}

	var raw []gpxPoint
	for _, trk := range doc.Trk {
		for _, seg := range trk.Trkseg {
			raw = append(raw, seg.Trkpt...)
		}
	}
	if len(raw) == 0 {
		for _, rte := range doc.Rte {
			raw = append(raw, rte.Rtept...)
		}
	}
	if len(raw) == 0 {
		raw = append(raw, doc.Wpt...)
	}

	res := Result{Points: make([]geo.Point, 0, len(raw))}
	for _, rp := range raw {
		lat, errLat := strconv.ParseFloat(strings.TrimSpace(rp.Lat), 64)
		lng, errLng := strconv.ParseFloat(strings.TrimSpace(rp.Lon), 64)
		if errLat != nil || errLng != nil {
			res.Dropped++
			continue
		}
		p := geo.Point{Lat: lat, Lng: lng}
		if !p.Valid() {
			res.Dropped++
			continue
		}
		res.Points = append(res.Points, p)
	}

	if len(res.Points) == 0 {
		return res, fmt.Errorf("gpx: no usable coordinates (dropped %d)", res.Dropped)
	}
	return res, nil
}
