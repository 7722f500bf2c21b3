// SPDX-License-Identifier: MIT

package stream

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/routecast/routecast/internal/store"
)

// straightTrack builds a north-south line of n points spaced stepMeters
// apart. One degree of latitude is ~111.2km.
func straightTrack(t *testing.T, n int, stepMeters float64, dwellAt map[int]int) *track {
	t.Helper()
	degPerMeter := 1.0 / 111194.9
	pts := make([]store.RoutePoint, n)
	for i := range pts {
		pts[i] = store.RoutePoint{
			Seq: i,
			Lat: 48.0 + float64(i)*stepMeters*degPerMeter,
			Lng: 16.0,
		}
		if d, ok := dwellAt[i]; ok {
			pts[i].DwellSeconds = d
		}
	}
	trk, err := buildTrack(pts, nil)
	require.NoError(t, err)
	return trk
}

func TestBuildTrackCumulativeDistances(t *testing.T) {
	trk := straightTrack(t, 5, 100, nil)
	require.InDelta(t, 400, trk.total, 1)
	require.InDelta(t, 200, trk.pts[2].Cum, 1)
}

func TestBuildTrackTooShort(t *testing.T) {
	_, err := buildTrack([]store.RoutePoint{{Lat: 1, Lng: 1}}, nil)
	require.Error(t, err)
}

func TestBuildTrackFoldsPauses(t *testing.T) {
	pts := []store.RoutePoint{
		{Seq: 0, Lat: 48.0, Lng: 16.0},
		{Seq: 1, Lat: 48.001, Lng: 16.0, DwellSeconds: 10},
		{Seq: 2, Lat: 48.002, Lng: 16.0},
	}
	trk, err := buildTrack(pts, []store.Pause{{AfterPointIndex: 1, DurationMs: 5000}})
	require.NoError(t, err)
	require.InDelta(t, 15, trk.pts[1].DwellSeconds, 1e-9)
}

func TestDistanceEngineProgressIsMonotonic(t *testing.T) {
	trk := straightTrack(t, 20, 50, nil)
	e := NewDistanceEngine(trk, engineConfig{SpeedKmh: 36, AccuracyM: 5})

	prev := -1.0
	for i := 0; i < 200; i++ {
		f := e.Advance(1.0)
		s, _ := e.Progress()
		require.GreaterOrEqual(t, s, prev, "tick %d", i)
		prev = s
		if f.Done {
			break
		}
	}
	s, total := e.Progress()
	require.InDelta(t, total, s, 0.1, "must finish at the end of the track")
}

func TestDistanceEngineSpeedIsMetersPerSecond(t *testing.T) {
	trk := straightTrack(t, 40, 50, nil)
	// 36 km/h is exactly 10 m/s.
	e := NewDistanceEngine(trk, engineConfig{SpeedKmh: 36})

	var peak float64
	for i := 0; i < 60; i++ {
		f := e.Advance(1.0)
		peak = math.Max(peak, f.SpeedMps)
		if f.Done {
			break
		}
	}
	require.InDelta(t, 10, peak, 0.01)
}

func TestDistanceEngineAcceleratesGradually(t *testing.T) {
	trk := straightTrack(t, 40, 50, nil)
	e := NewDistanceEngine(trk, engineConfig{SpeedKmh: 72}) // 20 m/s

	f := e.Advance(1.0)
	require.LessOrEqual(t, f.SpeedMps, accelMps2+1e-9, "first second is accel-limited")
	f = e.Advance(1.0)
	require.LessOrEqual(t, f.SpeedMps, 2*accelMps2+1e-9)
}

func TestDistanceEngineDecelersIntoDwellStop(t *testing.T) {
	trk := straightTrack(t, 21, 25, map[int]int{10: 5}) // stop at 250m
	e := NewDistanceEngine(trk, engineConfig{SpeedKmh: 54}) // 15 m/s

	var arrived bool
	for i := 0; i < 120; i++ {
		f := e.Advance(0.5)
		if f.DwellRemainingS > 0 {
			// Arrival at the stop must be at (nearly) zero speed.
			require.Less(t, f.SpeedMps, 0.5)
			s, _ := e.Progress()
			require.InDelta(t, 250, s, 1)
			arrived = true
			break
		}
	}
	require.True(t, arrived, "never reached the dwell stop")
}

func TestDistanceEngineDwellHoldsPosition(t *testing.T) {
	trk := straightTrack(t, 11, 20, map[int]int{5: 10})
	e := NewDistanceEngine(trk, engineConfig{SpeedKmh: 36})

	// Run until dwell begins.
	var dwellFrame Frame
	for i := 0; i < 100; i++ {
		f := e.Advance(1.0)
		if f.DwellRemainingS > 0 {
			dwellFrame = f
			break
		}
	}
	require.Greater(t, dwellFrame.DwellRemainingS, 0.0)

	// During dwell: same position, zero speed, remaining counts down.
	f := e.Advance(1.0)
	require.Equal(t, dwellFrame.Lat, f.Lat)
	require.Zero(t, f.SpeedMps)
	require.Less(t, f.DwellRemainingS, dwellFrame.DwellRemainingS)
}

func TestDistanceEngineSkipDwell(t *testing.T) {
	trk := straightTrack(t, 11, 20, map[int]int{5: 60})
	e := NewDistanceEngine(trk, engineConfig{SpeedKmh: 36})

	for i := 0; i < 100; i++ {
		if f := e.Advance(1.0); f.DwellRemainingS > 0 {
			break
		}
	}
	require.True(t, e.SkipDwell())
	require.False(t, e.SkipDwell(), "second skip has nothing to cancel")

	f := e.Advance(1.0)
	require.Zero(t, f.DwellRemainingS)
	require.Greater(t, f.SpeedMps, 0.0, "moving again after skip")
}

func TestDistanceEngineExtendDwell(t *testing.T) {
	trk := straightTrack(t, 11, 20, map[int]int{5: 2})
	e := NewDistanceEngine(trk, engineConfig{SpeedKmh: 36})

	// A moving stream has no dwell to extend.
	require.False(t, e.ExtendDwell(30))

	for i := 0; i < 100; i++ {
		if f := e.Advance(1.0); f.DwellRemainingS > 0 {
			break
		}
	}
	require.True(t, e.ExtendDwell(30))
	f := e.Advance(1.0)
	require.Greater(t, f.DwellRemainingS, 25.0)
}

func TestDistanceEngineLoopWrapResetsProgress(t *testing.T) {
	trk := straightTrack(t, 6, 20, nil) // 100m lap
	e := NewDistanceEngine(trk, engineConfig{SpeedKmh: 36, Loop: true})

	var sawWrap bool
	for i := 0; i < 60; i++ {
		f := e.Advance(1.0)
		require.False(t, f.Done, "looping stream never completes")
		if f.LoopCount == 1 {
			s, total := e.Progress()
			require.Less(t, s, total, "progress resets after wrap")
			sawWrap = true
			break
		}
	}
	require.True(t, sawWrap, "never wrapped")
}

func TestDistanceEngineStepIsBounded(t *testing.T) {
	trk := straightTrack(t, 200, 50, nil)
	e := NewDistanceEngine(trk, engineConfig{SpeedKmh: 360}) // absurd 100 m/s

	var prevS float64
	for i := 0; i < 50; i++ {
		f := e.Advance(2.0)
		s, _ := e.Progress()
		require.LessOrEqual(t, s-prevS, 80.0+1e-9, "per-tick step must stay clamped")
		prevS = s
		if f.Done {
			break
		}
	}
}

func TestDistanceEngineBearingStaysNormalized(t *testing.T) {
	trk := straightTrack(t, 20, 30, nil)
	e := NewDistanceEngine(trk, engineConfig{SpeedKmh: 36})

	for i := 0; i < 40; i++ {
		f := e.Advance(1.0)
		require.GreaterOrEqual(t, f.Bearing, 0.0)
		require.Less(t, f.Bearing, 360.0)
		if f.Done {
			break
		}
	}
}

func TestIndexEngineStepsOnePointPerTick(t *testing.T) {
	trk := straightTrack(t, 5, 100, nil)
	e := NewIndexEngine(trk, engineConfig{SpeedKmh: 36})

	for i := 0; i < 5; i++ {
		f := e.Advance(1.0)
		require.Equal(t, i, f.PointIndex)
	}
	f := e.Advance(1.0)
	require.True(t, f.Done)
}

func TestIndexEngineDwellConsumesTicks(t *testing.T) {
	trk := straightTrack(t, 5, 100, map[int]int{2: 2})
	e := NewIndexEngine(trk, engineConfig{SpeedKmh: 36})

	e.Advance(1.0) // index 0
	e.Advance(1.0) // index 1
	f := e.Advance(1.0)
	require.Equal(t, 2, f.PointIndex)
	require.Greater(t, f.DwellRemainingS, 0.0)

	f = e.Advance(1.0) // still dwelling
	require.Equal(t, 2, f.PointIndex)
	require.Zero(t, f.SpeedMps)

	f = e.Advance(1.0) // dwell over, moves on
	require.Equal(t, 2, f.PointIndex)
	f = e.Advance(1.0)
	require.Equal(t, 3, f.PointIndex)
}

func TestIndexEngineLoop(t *testing.T) {
	trk := straightTrack(t, 3, 100, nil)
	e := NewIndexEngine(trk, engineConfig{SpeedKmh: 36, Loop: true})

	e.Advance(1.0)
	e.Advance(1.0)
	e.Advance(1.0) // last point
	f := e.Advance(1.0)
	require.Equal(t, 0, f.PointIndex)
	require.Equal(t, 1, f.LoopCount)
	require.False(t, f.Done)
}
