// SPDX-License-Identifier: MIT

package gpx

import (
	"strings"
	"testing"
)

const trackSample = `<?xml version="1.0"?>
<gpx version="1.1" creator="test">
  <trk><name>ride</name><trkseg>
    <trkpt lat="48.2082" lon="16.3738"><ele>170</ele></trkpt>
    <trkpt lon="16.3750" lat="48.2090"/>
    <trkpt lat="99.9" lon="16.3760"/>
  </trkseg></trk>
</gpx>`

func TestParseTrackPoints(t *testing.T) {
	res, err := Parse(trackSample)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Points) != 2 {
		t.Fatalf("expected 2 points, got %d", len(res.Points))
	}
	if res.Dropped != 1 {
		t.Fatalf("expected 1 dropped out-of-range point, got %d", res.Dropped)
	}
	// Attribute order must not matter.
	if res.Points[1].Lat != 48.2090 || res.Points[1].Lng != 16.3750 {
		t.Fatalf("attribute-order point wrong: %+v", res.Points[1])
	}
}

func TestParseRoutePointFallback(t *testing.T) {
	content := `<gpx><rte>
	  <rtept lat="1.0" lon="2.0"/>
	  <rtept lat="1.1" lon="2.1"/>
	</rte></gpx>`
	res, err := Parse(content)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Points) != 2 {
		t.Fatalf("expected 2 rtept points, got %d", len(res.Points))
	}
}

func TestParseWaypointFallback(t *testing.T) {
	content := `<gpx>
	  <wpt lat="1.0" lon="2.0"><name>a</name></wpt>
	  <wpt lat="1.1" lon="2.1"><name>b</name></wpt>
	</gpx>`
	res, err := Parse(content)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Points) != 2 {
		t.Fatalf("expected 2 wpt points, got %d", len(res.Points))
	}
}

func TestParseMalformed(t *testing.T) {
	if _, err := Parse("<gpx><trk>"); err == nil {
		t.Fatal("expected error for truncated XML")
	}
	if _, err := Parse("not xml at all"); err == nil {
		t.Fatal("expected error for non-XML input")
	}
}

func TestParseNoCoordinates(t *testing.T) {
	_, err := Parse(`<gpx><trk><trkseg><trkpt lat="abc" lon="def"/></trkseg></trk></gpx>`)
	if err == nil || !strings.Contains(err.Error(), "no usable coordinates") {
		t.Fatalf("expected no-coordinates error, got %v", err)
	}
}
