// SPDX-License-Identifier: MIT

package routegate

import (
	"errors"
	"math"
	"testing"

	"github.com/routecast/routecast/internal/geo"
)

func pt(lat, lng float64) Point {
	return Point{Point: geo.Point{Lat: lat, Lng: lng}}
}

// ~111.3 m east per 0.001 degrees of longitude at the equator.
func eastLine(n int, stepDeg float64) []Point {
	out := make([]Point, n)
	for i := range out {
		out[i] = pt(0, float64(i)*stepDeg)
	}
	return out
}

func TestSanitizeDropsInvalidAndMerges(t *testing.T) {
	in := []Point{
		pt(0, 0),
		{Point: geo.Point{Lat: math.NaN(), Lng: 0}},
		pt(91, 0),
		{Point: geo.Point{Lat: 0, Lng: 0.000001}, DwellSeconds: 4, Label: "stop"}, // <0.5 m from previous
		pt(0, 0.001),
	}
	out := Sanitize(in)
	if len(out) != 2 {
		t.Fatalf("expected 2 points, got %d", len(out))
	}
	if out[0].DwellSeconds != 4 || out[0].Label != "stop" {
		t.Fatalf("merge must accumulate dwell and keep label: %+v", out[0])
	}
}

func TestValidateSegmentTooLong(t *testing.T) {
	// 350 m jump between consecutive points under the 200 m default.
	in := []Point{pt(0, 0), pt(0, 0.00315)}
	err := Validate(Sanitize(in), DefaultOptions())
	if !errors.Is(err, ErrInvalidGeometry) {
		t.Fatalf("expected ErrInvalidGeometry, got %v", err)
	}
}

func TestValidateTotalTooShort(t *testing.T) {
	in := []Point{pt(0, 0), pt(0, 0.0002)} // ~22 m
	err := Validate(in, DefaultOptions())
	if !errors.Is(err, ErrInvalidGeometry) {
		t.Fatalf("expected ErrInvalidGeometry for short route, got %v", err)
	}
}

func TestApplyDetourRejected(t *testing.T) {
	// Two points 20 m apart connected through a single 1000 m detour segment.
	in := []Point{pt(0, 0), pt(0.009, 0), pt(0, 0.00018)}
	_, err := Apply(in, DefaultOptions())
	if !errors.Is(err, ErrInvalidGeometry) {
		t.Fatalf("expected ErrInvalidGeometry, got %v", err)
	}
}

func TestSimplifyKeepsAnchors(t *testing.T) {
	line := eastLine(21, 0.0001) // straight, ~11 m apart
	line[10].DwellSeconds = 30
	line[5].Label = "pickup"

	out := Simplify(line, 5)
	foundDwell, foundLabel := false, false
	for _, p := range out {
		if p.DwellSeconds == 30 {
			foundDwell = true
		}
		if p.Label == "pickup" {
			foundLabel = true
		}
	}
	if !foundDwell || !foundLabel {
		t.Fatalf("anchors dropped by simplify: dwell=%v label=%v", foundDwell, foundLabel)
	}
	// The straight filler points must be gone.
	if len(out) >= len(line) {
		t.Fatalf("simplify removed nothing: %d -> %d", len(line), len(out))
	}
}

func TestApplyResamplesUniformly(t *testing.T) {
	in := eastLine(3, 0.001) // two ~111 m segments
	opts := DefaultOptions()
	out, err := Apply(in, opts)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) < 30 {
		t.Fatalf("expected dense resampled output, got %d points", len(out))
	}
	for i := 0; i < len(out)-2; i++ {
		d := geo.Distance(out[i].Point, out[i+1].Point)
		if d < 0.5*opts.ResampleStepMeters || d > 1.5*opts.ResampleStepMeters {
			t.Fatalf("spacing %d out of band: %.2f m", i, d)
		}
	}
}

func TestApplyPreservesDwellThroughResample(t *testing.T) {
	in := eastLine(3, 0.001)
	in[1].DwellSeconds = 10
	out, err := Apply(in, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	total := 0
	for _, p := range out {
		total += p.DwellSeconds
	}
	if total != 10 {
		t.Fatalf("dwell lost through gate: total %d", total)
	}
}

func TestDetectSpikesTriplet(t *testing.T) {
	// Three tight reversals, each hop ~2-3 m, all inside a 30 m window.
	base := 0.0
	in := []Point{
		pt(0, base),
		pt(0, base+0.00003),
		pt(0, base+0.00001),
		pt(0, base+0.000035),
		pt(0, base+0.000015),
		pt(0, base+0.00004),
	}
	if err := DetectSpikes(in); !errors.Is(err, ErrInvalidSpikes) {
		t.Fatalf("expected ErrInvalidSpikes, got %v", err)
	}
}

func TestDetectSpikesSpreadOutIsFine(t *testing.T) {
	// Reversals more than 30 m apart never form a rejecting triplet.
	in := []Point{
		pt(0, 0),
		pt(0, 0.00002),
		pt(0, 0.00001), // spike 1
		pt(0, 0.0005),
		pt(0, 0.00051),
		pt(0, 0.000505), // spike 2, ~55 m later
		pt(0, 0.001),
		pt(0, 0.00101),
		pt(0, 0.001005), // spike 3, ~55 m later again
		pt(0, 0.0015),
	}
	if err := DetectSpikes(in); err != nil {
		t.Fatalf("spread-out spikes must pass, got %v", err)
	}
}

func TestApplyRejectsNoisyTail(t *testing.T) {
	// Straight run long enough to pass validation, then a zigzag tail with
	// four direction reversals. A fine resample step keeps the folds.
	in := eastLine(11, 0.0001) // ~111 m straight
	base := 0.0010
	zig := []Point{
		pt(0, base+0.00003),
		pt(0, base+0.00001),
		pt(0, base+0.000035),
		pt(0, base+0.000015),
		pt(0, base+0.00004),
	}
	in = append(in, zig...)

	_, err := Apply(in, Options{
		SimplifyToleranceMeters: 0, // keep the zigzag intact
		ResampleStepMeters:      1,
		MaxSegmentMeters:        200,
		MinTotalMeters:          50,
	})
	if !errors.Is(err, ErrInvalidSpikes) {
		t.Fatalf("expected ErrInvalidSpikes, got %v", err)
	}
}

func TestApplyCleanRoutePasses(t *testing.T) {
	in := eastLine(6, 0.0005) // ~278 m total, 55 m segments
	out, err := Apply(in, DefaultOptions())
	if err != nil {
		t.Fatalf("clean route rejected: %v", err)
	}
	if out[0].Point != in[0].Point || out[len(out)-1].Point != in[len(in)-1].Point {
		t.Fatal("endpoints not preserved")
	}
}
