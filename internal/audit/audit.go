// SPDX-License-Identifier: MIT

// Package audit records security-sensitive operations following the
// WHO/WHAT/WHEN pattern. Events go to the structured log and to the
// durable audit table; a failing sink never fails the caller.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/routecast/routecast/internal/log"
	"github.com/routecast/routecast/internal/store"
)

// EventType identifies the audited operation.
type EventType string

const (
	EventLogin         EventType = "auth.login"
	EventLoginFailure  EventType = "auth.login.failure"
	EventEnrollIssue   EventType = "device.enroll.issue"
	EventEnrollClaim   EventType = "device.enroll.claim"
	EventDeviceDelete  EventType = "device.delete"
	EventRouteCreate   EventType = "route.create"
	EventRouteDelete   EventType = "route.delete"
	EventRouteAssign   EventType = "route.assign"
	EventStreamStart   EventType = "stream.start"
	EventStreamPause   EventType = "stream.pause"
	EventStreamResume  EventType = "stream.resume"
	EventStreamStop    EventType = "stream.stop"
	EventPressurePause EventType = "stream.pressure.pause"
	EventRateLimit     EventType = "api.ratelimit"
)

// Event is one audit record.
type Event struct {
	Type      EventType
	Actor     string // WHO: user id, device id, or "system"
	DeviceID  string
	Result    string // success, failure, denied
	RequestID string
	Details   map[string]string
}

// Recorder writes audit events.
type Recorder struct {
	logger zerolog.Logger
	sink   store.AuditStore
}

// NewRecorder builds a Recorder. sink may be nil for log-only mode.
func NewRecorder(sink store.AuditStore) *Recorder {
	return &Recorder{
		logger: log.WithComponent("audit").With().Str("log_type", "audit").Logger(),
		sink:   sink,
	}
}

// Record logs the event and appends it to the durable sink. Errors in
// either path are logged and swallowed.
func (r *Recorder) Record(ctx context.Context, event Event) {
	if event.Result == "" {
		event.Result = "success"
	}
	if event.RequestID == "" {
		event.RequestID = log.RequestIDFromContext(ctx)
	}

	logEvent := r.logger.Info().
		Str("event_type", string(event.Type)).
		Str("actor", event.Actor).
		Str("result", event.Result)
	if event.DeviceID != "" {
		logEvent = logEvent.Str("device_id", event.DeviceID)
	}
	if event.RequestID != "" {
		logEvent = logEvent.Str("request_id", event.RequestID)
	}
	for key, value := range event.Details {
		logEvent = logEvent.Str(key, value)
	}
	logEvent.Msg("audit event")

	if r.sink == nil {
		return
	}

	var meta json.RawMessage
	if len(event.Details) > 0 {
		if raw, err := json.Marshal(event.Details); err == nil {
			meta = raw
		}
	}
	entry := store.AuditEntry{
		Action:    string(event.Type),
		UserID:    actorUserID(event),
		DeviceID:  event.DeviceID,
		Meta:      meta,
		CreatedAt: time.Now(),
	}
	appendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := r.sink.AppendAudit(appendCtx, entry); err != nil {
		r.logger.Warn().Err(err).Str("event_type", string(event.Type)).Msg("audit append failed")
	}
}

func actorUserID(event Event) string {
	if event.Actor == "system" || event.Actor == event.DeviceID {
		return ""
	}
	return event.Actor
}
