// SPDX-License-Identifier: MIT

package stream

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/routecast/routecast/internal/geo"
	"github.com/routecast/routecast/internal/kv"
	"github.com/routecast/routecast/internal/metrics"
	"github.com/routecast/routecast/internal/session"
	"github.com/routecast/routecast/internal/store"
)

// hotStateTTL bounds how long a crashed process leaves stale stream
// state in Redis before it expires on its own.
const hotStateTTL = 5 * time.Minute

// keepaliveLogEvery throttles the structured keepalive audit while the
// wire frame itself goes out on every tick.
const keepaliveLogEvery = 10

// Frame states on the wire.
const (
	StateMove   = "MOVE"
	StateWait   = "WAIT"
	StatePaused = "PAUSED"
)

// FramePayload is the MOCK_LOCATION payload sent to the device.
type FramePayload struct {
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	SpeedMps  float64 `json:"speed"`
	Bearing   float64 `json:"bearing"`
	AccuracyM float64 `json:"accuracy"`
	State     string  `json:"state"`
}

// FrameMeta is the meta sibling of every MOCK_LOCATION frame.
type FrameMeta struct {
	EngineMode            string  `json:"engineMode"`
	DtMs                  int64   `json:"dtMs"`
	SMeters               float64 `json:"sMeters"`
	VMps                  float64 `json:"vMps"`
	SegIndex              int     `json:"segIndex"`
	PointIndex            int     `json:"pointIndex"`
	TotalPoints           int     `json:"totalPoints"`
	RouteID               string  `json:"routeId"`
	StreamID              string  `json:"streamId"`
	Seq                   int64   `json:"seq"`
	LoopCount             int     `json:"loopCount"`
	Timestamp             int64   `json:"timestamp"`
	DwellRemainingSeconds float64 `json:"dwellRemainingSeconds,omitempty"`
}

// HotState is the Redis projection of a running stream, readable by
// status endpoints without touching the runner goroutine.
type HotState struct {
	StreamID    string             `json:"streamId"`
	DeviceID    string             `json:"deviceId"`
	RouteID     string             `json:"routeId"`
	Status      store.StreamStatus `json:"status"`
	Frame       Frame              `json:"frame"`
	Seq         int64              `json:"seq"`
	SMeters     float64            `json:"sMeters"`
	TotalMeters float64            `json:"totalMeters"`
	UpdatedAtMs int64              `json:"updatedAtMs"`
}

// Status is a point-in-time view of one stream.
type Status struct {
	StreamID    string             `json:"streamId"`
	DeviceID    string             `json:"deviceId"`
	RouteID     string             `json:"routeId"`
	State       store.StreamStatus `json:"status"`
	SMeters     float64            `json:"sMeters"`
	TotalMeters float64            `json:"totalMeters"`
	LoopCount   int                `json:"loopCount"`
	Frame       Frame              `json:"frame"`
	StartedAt   time.Time          `json:"startedAt"`
	// FromRedis marks a status served from the hot-state projection of
	// another (or a dead) process instead of a live runner.
	FromRedis bool `json:"fromRedis,omitempty"`
}

type cmdKind int

const (
	cmdPause cmdKind = iota
	cmdResume
	cmdStop
	cmdSkipDwell
	cmdExtendDwell
	cmdStatus
)

type command struct {
	kind    cmdKind
	seconds float64
	reason  string
	reply   chan Status
	done    chan error
}

// runner owns one stream's engine and goroutine. All engine access
// happens on the runner goroutine; the manager talks over cmds.
type runner struct {
	streamID    string
	deviceID    string
	routeID     string
	ownerUserID string
	engineMode  string
	totalPoints int

	engine   Engine
	guard    *Guard
	interval time.Duration
	clampMin time.Duration
	clampMax time.Duration
	wsLimit  int
	tcpLimit int

	clock    clockwork.Clock
	registry *session.Registry
	kvs      *kv.Store
	logger   zerolog.Logger

	cmds     chan command
	finished chan struct{}

	// onExit runs after the loop ends, off the runner goroutine's hot
	// path, so the manager can finalize records and drop the runner.
	onExit func(r *runner, finalStatus store.StreamStatus, reason string)
	// onAutoPause lets the manager persist and audit a pause the
	// runner decided on its own (backpressure).
	onAutoPause func(r *runner, reason string)

	// loop-local state
	paused     bool
	seq        int64
	lastTick   time.Time
	startedAt  time.Time
	lastFrame  Frame
	keepalives int64
}

func (r *runner) run() {
	defer close(r.finished)

	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	r.startedAt = r.clock.Now()
	r.lastTick = r.startedAt
	metrics.ActiveStreams.WithLabelValues(string(store.StreamStarted)).Inc()
	defer metrics.ActiveStreams.WithLabelValues(string(store.StreamStarted)).Dec()

	// The first frame goes out before the first tick so the client
	// sees its position as soon as the stream starts.
	if r.advanceAndEmit(r.startedAt, 0) {
		r.exit(store.StreamStopped, "completed")
		return
	}

	for {
		select {
		case <-ticker.Chan():
			now := r.clock.Now()
			if r.paused {
				r.lastTick = now
				r.keepalive(now)
				continue
			}

			dt := now.Sub(r.lastTick)
			if dt < r.clampMin {
				dt = r.clampMin
			}
			if dt > r.clampMax {
				dt = r.clampMax
			}
			drift := now.Sub(r.lastTick.Add(r.interval))
			if drift > 0 {
				metrics.TickDriftSeconds.Observe(drift.Seconds())
			}
			r.lastTick = now

			if r.advanceAndEmit(now, dt) {
				r.exit(store.StreamStopped, "completed")
				return
			}

		case cmd := <-r.cmds:
			switch cmd.kind {
			case cmdPause:
				r.pause(store.StreamPaused, cmd.reason)
				cmd.done <- nil
			case cmdResume:
				if !r.paused {
					cmd.done <- nil
					continue
				}
				r.paused = false
				// Reset the wall clock so the first tick after resume
				// does not integrate the whole pause duration, then
				// emit right away instead of waiting out the interval.
				r.lastTick = r.clock.Now()
				r.guard.Reset()
				done := r.advanceAndEmit(r.lastTick, 0)
				cmd.done <- nil
				if done {
					r.exit(store.StreamStopped, "completed")
					return
				}
			case cmdStop:
				cmd.done <- nil
				r.exit(store.StreamStopped, cmd.reason)
				return
			case cmdSkipDwell:
				if r.engine.SkipDwell() {
					cmd.done <- nil
				} else {
					cmd.done <- ErrNotDwelling
				}
			case cmdExtendDwell:
				if r.engine.ExtendDwell(cmd.seconds) {
					cmd.done <- nil
				} else {
					cmd.done <- ErrNotDwelling
				}
			case cmdStatus:
				cmd.reply <- r.status()
			}
		}
	}
}

// advanceAndEmit moves the engine by dt and sends one frame, applying
// the backpressure guard first. Reports whether the route completed.
func (r *runner) advanceAndEmit(now time.Time, dt time.Duration) bool {
	conn, connected := r.registry.Device(r.deviceID)
	if !connected {
		// The registry callback pauses us; until then hold position
		// rather than simulating into the void.
		return false
	}

	limit := r.wsLimit
	if conn.Transport() == "tcp" {
		limit = r.tcpLimit
	}
	switch r.guard.Check(conn.BufferedBytes(), limit, now) {
	case VerdictSkip:
		metrics.TicksSkippedTotal.Inc()
		return false
	case VerdictPause:
		metrics.PressurePausesTotal.Inc()
		r.pause(store.StreamPaused, "ws_pressure_auto_pause")
		if r.onAutoPause != nil {
			r.onAutoPause(r, "ws_pressure_auto_pause")
		}
		r.registry.BroadcastDeviceEvent(r.ownerUserID, "STREAM_PAUSED", map[string]any{
			"deviceId": r.deviceID,
			"streamId": r.streamID,
			"reason":   "ws_pressure_auto_pause",
		})
		return false
	}

	frame := r.engine.Advance(dt.Seconds())
	r.seq++

	// A jump beyond the clamp means the engine state is corrupt.
	// Pause rather than teleport the client. Loop wraparound
	// legitimately relocates to the start.
	if r.seq > 1 && frame.LoopCount == r.lastFrame.LoopCount {
		from := geo.Point{Lat: r.lastFrame.Lat, Lng: r.lastFrame.Lng}
		to := geo.Point{Lat: frame.Lat, Lng: frame.Lng}
		if d := geo.Distance(from, to); d > maxJumpMeters {
			r.logger.Error().Float64("jump_meters", d).Msg("anti-teleport jump detected")
			r.pause(store.StreamPaused, "anti_teleport")
			if r.onAutoPause != nil {
				r.onAutoPause(r, "anti_teleport")
			}
			r.registry.BroadcastDeviceEvent(r.ownerUserID, "ANTI_TELEPORT_JUMP", map[string]any{
				"deviceId":   r.deviceID,
				"streamId":   r.streamID,
				"jumpMeters": d,
			})
			return false
		}
	}
	r.lastFrame = frame

	s, _ := r.engine.Progress()
	state := StateMove
	if frame.DwellRemainingS > 0 {
		state = StateWait
	}
	payload := FramePayload{
		Lat:       frame.Lat,
		Lng:       frame.Lng,
		SpeedMps:  frame.SpeedMps,
		Bearing:   frame.Bearing,
		AccuracyM: frame.AccuracyM,
		State:     state,
	}
	meta := FrameMeta{
		EngineMode:            r.engineMode,
		DtMs:                  dt.Milliseconds(),
		SMeters:               s,
		VMps:                  frame.SpeedMps,
		SegIndex:              frame.PointIndex,
		PointIndex:            frame.PointIndex,
		TotalPoints:           r.totalPoints,
		RouteID:               r.routeID,
		StreamID:              r.streamID,
		Seq:                   r.seq,
		LoopCount:             frame.LoopCount,
		Timestamp:             now.UnixMilli(),
		DwellRemainingSeconds: frame.DwellRemainingS,
	}
	if err := conn.SendTelemetry(payload, meta); err != nil {
		r.logger.Debug().Err(err).Msg("telemetry send failed")
	} else {
		metrics.RecordFrame(conn.Transport())
	}
	r.projectHotState(store.StreamStarted, frame)
	return frame.Done
}

// keepalive re-emits the held position with speed zero so a paused
// stream still heartbeats the client on every tick.
func (r *runner) keepalive(now time.Time) {
	conn, connected := r.registry.Device(r.deviceID)
	if !connected {
		return
	}
	limit := r.wsLimit
	if conn.Transport() == "tcp" {
		limit = r.tcpLimit
	}
	if conn.BufferedBytes() > limit {
		metrics.TicksSkippedTotal.Inc()
		return
	}

	r.seq++
	s, _ := r.engine.Progress()
	payload := FramePayload{
		Lat:       r.lastFrame.Lat,
		Lng:       r.lastFrame.Lng,
		SpeedMps:  0,
		Bearing:   r.lastFrame.Bearing,
		AccuracyM: r.lastFrame.AccuracyM,
		State:     StatePaused,
	}
	meta := FrameMeta{
		EngineMode:            r.engineMode,
		SMeters:               s,
		VMps:                  0,
		SegIndex:              r.lastFrame.PointIndex,
		PointIndex:            r.lastFrame.PointIndex,
		TotalPoints:           r.totalPoints,
		RouteID:               r.routeID,
		StreamID:              r.streamID,
		Seq:                   r.seq,
		LoopCount:             r.lastFrame.LoopCount,
		Timestamp:             now.UnixMilli(),
		DwellRemainingSeconds: r.lastFrame.DwellRemainingS,
	}
	if err := conn.SendTelemetry(payload, meta); err != nil {
		r.logger.Debug().Err(err).Msg("keepalive send failed")
	} else {
		metrics.RecordFrame(conn.Transport())
	}

	r.keepalives++
	if r.keepalives%keepaliveLogEvery == 0 {
		r.logger.Debug().Int64("seq", r.seq).Msg("paused stream keepalive")
	}
	r.projectHotState(store.StreamPaused, r.lastFrame)
}

func (r *runner) pause(status store.StreamStatus, reason string) {
	if r.paused {
		return
	}
	r.paused = true
	r.logger.Info().Str("reason", reason).Msg("stream paused")
	r.projectHotState(status, r.lastFrame)
}

func (r *runner) status() Status {
	s, total := r.engine.Progress()
	state := store.StreamStarted
	if r.paused {
		state = store.StreamPaused
	}
	return Status{
		StreamID:    r.streamID,
		DeviceID:    r.deviceID,
		RouteID:     r.routeID,
		State:       state,
		SMeters:     s,
		TotalMeters: total,
		LoopCount:   r.lastFrame.LoopCount,
		Frame:       r.lastFrame,
		StartedAt:   r.startedAt,
	}
}

func (r *runner) projectHotState(status store.StreamStatus, frame Frame) {
	if r.kvs == nil {
		return
	}
	s, total := r.engine.Progress()
	if r.paused {
		status = store.StreamPaused
	}
	state := HotState{
		StreamID:    r.streamID,
		DeviceID:    r.deviceID,
		RouteID:     r.routeID,
		Status:      status,
		Frame:       frame,
		Seq:         r.seq,
		SMeters:     s,
		TotalMeters: total,
		UpdatedAtMs: r.clock.Now().UnixMilli(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.kvs.PutJSON(ctx, kv.StreamKey(r.deviceID), state, hotStateTTL); err != nil {
		r.logger.Debug().Err(err).Msg("hot state write failed")
	}
}

func (r *runner) exit(final store.StreamStatus, reason string) {
	if r.onExit != nil {
		r.onExit(r, final, reason)
	}
}

// enqueue delivers a command to the runner, failing fast if the runner
// already exited.
func (r *runner) enqueue(cmd command) error {
	select {
	case r.cmds <- cmd:
		return nil
	case <-r.finished:
		return ErrNoActiveStream
	}
}
