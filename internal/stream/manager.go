// SPDX-License-Identifier: MIT

package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/routecast/routecast/internal/audit"
	"github.com/routecast/routecast/internal/kv"
	"github.com/routecast/routecast/internal/log"
	"github.com/routecast/routecast/internal/session"
	"github.com/routecast/routecast/internal/store"
)

var (
	ErrNoActiveStream     = errors.New("stream: no active stream for device")
	ErrRouteTooShort      = errors.New("stream: route has too few points")
	ErrNotDwelling        = errors.New("stream: not dwelling")
	ErrDeviceNotConnected = errors.New("stream: device has no connected socket")
)

// Config holds stream scheduling defaults and limits.
type Config struct {
	TickMs            int
	TickClampMinMs    int
	TickClampMaxMs    int
	UseDistanceEngine bool
	WSBufferLimit     int
	TCPBufferLimit    int
	PressureStrikes   int
	PressureWindow    time.Duration
}

// Manager is the stream control plane. One runner goroutine per
// device, at most one stream per device.
type Manager struct {
	cfg      Config
	st       store.Store
	kvs      *kv.Store
	registry *session.Registry
	recorder *audit.Recorder
	clock    clockwork.Clock
	logger   zerolog.Logger

	mu      sync.Mutex
	runners map[string]*runner
}

// NewManager wires the control plane. The registry's device-gone
// callback should be pointed at HandleDeviceGone.
func NewManager(cfg Config, st store.Store, kvs *kv.Store, registry *session.Registry, recorder *audit.Recorder, clock clockwork.Clock) *Manager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Manager{
		cfg:      cfg,
		st:       st,
		kvs:      kvs,
		registry: registry,
		recorder: recorder,
		clock:    clock,
		logger:   log.WithComponent("stream"),
		runners:  make(map[string]*runner),
	}
}

// StartParams describes one stream start request.
type StartParams struct {
	DeviceID    string
	RouteID     string
	OwnerUserID string
	ActorUserID string
	Overrides   store.RouteConfig
}

// Start launches a stream for the device, stopping any previous one
// first so the at-most-one invariant holds.
func (m *Manager) Start(ctx context.Context, p StartParams) (Status, error) {
	route, err := m.st.RouteByID(ctx, p.RouteID)
	if err != nil {
		return Status{}, err
	}
	points, err := m.st.RoutePoints(ctx, p.RouteID)
	if err != nil {
		return Status{}, err
	}

	cfg := route.Config.Merge(p.Overrides)
	trk, err := buildTrack(points, cfg.Pauses)
	if err != nil {
		return Status{}, fmt.Errorf("%w: %v", ErrRouteTooShort, err)
	}

	// Frames have nowhere to go without a bound socket.
	if _, ok := m.registry.Device(p.DeviceID); !ok {
		return Status{}, ErrDeviceNotConnected
	}

	// Replace any running stream for this device.
	if err := m.stopExisting(ctx, p.DeviceID, "replaced"); err != nil {
		return Status{}, err
	}
	if n, err := m.st.CloseActiveStreams(ctx, p.DeviceID); err != nil {
		return Status{}, err
	} else if n > 0 {
		m.logger.Info().Str("device_id", p.DeviceID).Int("closed", n).Msg("closed stale stream records")
	}

	engCfg := engineConfig{
		SpeedKmh:  cfg.SpeedKmh,
		AccuracyM: cfg.AccuracyM,
		Loop:      cfg.Loop,
	}
	var engine Engine
	engineMode := "index"
	if m.cfg.UseDistanceEngine {
		engine = NewDistanceEngine(trk, engCfg)
		engineMode = "distance"
	} else {
		engine = NewIndexEngine(trk, engCfg)
	}

	rec := store.StreamRecord{
		ID:        uuid.NewString(),
		DeviceID:  p.DeviceID,
		RouteID:   p.RouteID,
		Status:    store.StreamStarted,
		SpeedKmh:  cfg.SpeedKmh,
		Loop:      cfg.Loop,
		StartedAt: m.clock.Now(),
	}
	if err := m.st.CreateStream(ctx, rec); err != nil {
		return Status{}, err
	}

	r := &runner{
		streamID:    rec.ID,
		deviceID:    p.DeviceID,
		routeID:     p.RouteID,
		ownerUserID: p.OwnerUserID,
		engineMode:  engineMode,
		totalPoints: len(trk.pts),
		engine:      engine,
		guard:       NewGuard(m.cfg.PressureStrikes, m.cfg.PressureWindow),
		interval:    time.Duration(cfg.IntervalMs) * time.Millisecond,
		clampMin:    time.Duration(m.cfg.TickClampMinMs) * time.Millisecond,
		clampMax:    time.Duration(m.cfg.TickClampMaxMs) * time.Millisecond,
		wsLimit:     m.cfg.WSBufferLimit,
		tcpLimit:    m.cfg.TCPBufferLimit,
		clock:       m.clock,
		registry:    m.registry,
		kvs:         m.kvs,
		logger:      log.WithDevice("stream", p.DeviceID),
		cmds:        make(chan command),
		finished:    make(chan struct{}),
		onExit:      m.finalize,
		onAutoPause: m.persistAutoPause,
	}

	m.mu.Lock()
	m.runners[p.DeviceID] = r
	m.mu.Unlock()
	go r.run()

	m.registry.BroadcastDeviceEvent(p.OwnerUserID, "STREAM_STARTED", map[string]any{
		"deviceId": p.DeviceID,
		"streamId": rec.ID,
		"routeId":  p.RouteID,
	})
	m.recorder.Record(ctx, audit.Event{
		Type:     audit.EventStreamStart,
		Actor:    p.ActorUserID,
		DeviceID: p.DeviceID,
		Details: map[string]string{
			"routeId":  p.RouteID,
			"streamId": rec.ID,
		},
	})

	_, total := engine.Progress()
	return Status{
		StreamID:    rec.ID,
		DeviceID:    p.DeviceID,
		RouteID:     p.RouteID,
		State:       store.StreamStarted,
		TotalMeters: total,
		StartedAt:   rec.StartedAt,
	}, nil
}

// Pause suspends playback. The timer keeps running; position holds.
func (m *Manager) Pause(ctx context.Context, deviceID, actor string) error {
	r, err := m.runner(deviceID)
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	if err := r.enqueue(command{kind: cmdPause, reason: "requested", done: done}); err != nil {
		return err
	}
	<-done
	if err := m.st.UpdateStreamStatus(ctx, r.streamID, store.StreamPaused); err != nil {
		m.logger.Warn().Err(err).Msg("pause status persist failed")
	}
	m.recorder.Record(ctx, audit.Event{Type: audit.EventStreamPause, Actor: actor, DeviceID: deviceID})
	return nil
}

// Resume continues playback from the held position.
func (m *Manager) Resume(ctx context.Context, deviceID, actor string) error {
	r, err := m.runner(deviceID)
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	if err := r.enqueue(command{kind: cmdResume, done: done}); err != nil {
		return err
	}
	<-done
	if err := m.st.UpdateStreamStatus(ctx, r.streamID, store.StreamStarted); err != nil {
		m.logger.Warn().Err(err).Msg("resume status persist failed")
	}
	m.recorder.Record(ctx, audit.Event{Type: audit.EventStreamResume, Actor: actor, DeviceID: deviceID})
	return nil
}

// Stop terminates the stream and finalizes its record.
func (m *Manager) Stop(ctx context.Context, deviceID, actor string) error {
	r, err := m.runner(deviceID)
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	if err := r.enqueue(command{kind: cmdStop, reason: "requested", done: done}); err != nil {
		return err
	}
	<-done
	m.recorder.Record(ctx, audit.Event{Type: audit.EventStreamStop, Actor: actor, DeviceID: deviceID})
	return nil
}

// SkipDwell cancels the current dwell. Fails with ErrNotDwelling when
// the stream is moving.
func (m *Manager) SkipDwell(_ context.Context, deviceID string) error {
	r, err := m.runner(deviceID)
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	if err := r.enqueue(command{kind: cmdSkipDwell, done: done}); err != nil {
		return err
	}
	return <-done
}

// ExtendDwell adds seconds to an in-progress dwell. Fails with
// ErrNotDwelling when the stream is moving.
func (m *Manager) ExtendDwell(_ context.Context, deviceID string, seconds float64) error {
	r, err := m.runner(deviceID)
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	if err := r.enqueue(command{kind: cmdExtendDwell, seconds: seconds, done: done}); err != nil {
		return err
	}
	return <-done
}

// StreamStatus reports the live state of the device's stream. Without
// a live runner it falls back to the hot-state projection in Redis,
// marked fromRedis.
func (m *Manager) StreamStatus(ctx context.Context, deviceID string) (Status, error) {
	r, err := m.runner(deviceID)
	if err != nil {
		return m.statusFromHotState(ctx, deviceID)
	}
	reply := make(chan Status, 1)
	if err := r.enqueue(command{kind: cmdStatus, reply: reply}); err != nil {
		return Status{}, err
	}
	return <-reply, nil
}

func (m *Manager) statusFromHotState(ctx context.Context, deviceID string) (Status, error) {
	if m.kvs == nil {
		return Status{}, ErrNoActiveStream
	}
	var hot HotState
	found, err := m.kvs.GetJSON(ctx, kv.StreamKey(deviceID), &hot)
	if err != nil || !found {
		return Status{}, ErrNoActiveStream
	}
	return Status{
		StreamID:    hot.StreamID,
		DeviceID:    hot.DeviceID,
		RouteID:     hot.RouteID,
		State:       hot.Status,
		SMeters:     hot.SMeters,
		TotalMeters: hot.TotalMeters,
		LoopCount:   hot.Frame.LoopCount,
		Frame:       hot.Frame,
		FromRedis:   true,
	}, nil
}

// ListActive snapshots every live stream.
func (m *Manager) ListActive(ctx context.Context) []Status {
	m.mu.Lock()
	devices := make([]string, 0, len(m.runners))
	for id := range m.runners {
		devices = append(devices, id)
	}
	m.mu.Unlock()

	out := make([]Status, 0, len(devices))
	for _, id := range devices {
		if s, err := m.StreamStatus(ctx, id); err == nil {
			out = append(out, s)
		}
	}
	return out
}

// History returns the device's recent stream records.
func (m *Manager) History(ctx context.Context, deviceID string, limit int) ([]store.StreamRecord, error) {
	return m.st.StreamHistory(ctx, deviceID, limit)
}

// HandleDeviceGone pauses the device's stream when its socket drops.
// Wire this into the session registry.
func (m *Manager) HandleDeviceGone(deviceID string) {
	r, err := m.runner(deviceID)
	if err != nil {
		return
	}
	done := make(chan error, 1)
	if r.enqueue(command{kind: cmdPause, reason: "device_disconnected", done: done}) == nil {
		<-done
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := m.st.UpdateStreamStatus(ctx, r.streamID, store.StreamPaused); err != nil {
			m.logger.Warn().Err(err).Msg("disconnect pause persist failed")
		}
	}
}

// Shutdown stops every runner and waits for them to finish.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	runners := make([]*runner, 0, len(m.runners))
	for _, r := range m.runners {
		runners = append(runners, r)
	}
	m.mu.Unlock()

	for _, r := range runners {
		done := make(chan error, 1)
		if r.enqueue(command{kind: cmdStop, reason: "shutdown", done: done}) == nil {
			<-done
		}
	}
	for _, r := range runners {
		select {
		case <-r.finished:
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) runner(deviceID string) (*runner, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runners[deviceID]
	if !ok {
		return nil, ErrNoActiveStream
	}
	return r, nil
}

// stopExisting synchronously terminates a previous runner for the
// device before a replacement starts.
func (m *Manager) stopExisting(ctx context.Context, deviceID, reason string) error {
	r, err := m.runner(deviceID)
	if err != nil {
		return nil
	}
	done := make(chan error, 1)
	if r.enqueue(command{kind: cmdStop, reason: reason, done: done}) == nil {
		<-done
		select {
		case <-r.finished:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// finalize runs on the runner goroutine right before it exits.
func (m *Manager) finalize(r *runner, final store.StreamStatus, reason string) {
	m.mu.Lock()
	if m.runners[r.deviceID] == r {
		delete(m.runners, r.deviceID)
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := m.st.CloseStream(ctx, r.streamID); err != nil {
		m.logger.Warn().Err(err).Str("stream_id", r.streamID).Msg("close stream record failed")
	}
	if m.kvs != nil {
		if err := m.kvs.Delete(ctx, kv.StreamKey(r.deviceID)); err != nil {
			m.logger.Debug().Err(err).Msg("hot state delete failed")
		}
	}
	m.registry.BroadcastDeviceEvent(r.ownerUserID, "STREAM_STOPPED", map[string]any{
		"deviceId": r.deviceID,
		"streamId": r.streamID,
		"reason":   reason,
	})
	m.logger.Info().
		Str("device_id", r.deviceID).
		Str("stream_id", r.streamID).
		Str("reason", reason).
		Msg("stream finished")
}

// persistAutoPause records a backpressure pause decided by the runner.
func (m *Manager) persistAutoPause(r *runner, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.st.UpdateStreamStatus(ctx, r.streamID, store.StreamPaused); err != nil {
		m.logger.Warn().Err(err).Msg("auto pause persist failed")
	}
	m.recorder.Record(ctx, audit.Event{
		Type:     audit.EventPressurePause,
		Actor:    "system",
		DeviceID: r.deviceID,
		Details:  map[string]string{"reason": reason},
	})
}
