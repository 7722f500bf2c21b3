// SPDX-License-Identifier: MIT

package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/routecast/routecast/internal/store"
)

type captureSink struct {
	entries []store.AuditEntry
	fail    bool
}

func (c *captureSink) AppendAudit(_ context.Context, e store.AuditEntry) error {
	if c.fail {
		return errors.New("sink down")
	}
	c.entries = append(c.entries, e)
	return nil
}

func TestRecordAppendsToSink(t *testing.T) {
	sink := &captureSink{}
	r := NewRecorder(sink)

	r.Record(context.Background(), Event{
		Type:     EventStreamStart,
		Actor:    "u-1",
		DeviceID: "dev-1",
		Details:  map[string]string{"routeId": "r-1"},
	})

	require.Len(t, sink.entries, 1)
	e := sink.entries[0]
	require.Equal(t, "stream.start", e.Action)
	require.Equal(t, "u-1", e.UserID)
	require.Equal(t, "dev-1", e.DeviceID)

	var meta map[string]string
	require.NoError(t, json.Unmarshal(e.Meta, &meta))
	require.Equal(t, "r-1", meta["routeId"])
}

func TestRecordSurvivesSinkFailure(t *testing.T) {
	r := NewRecorder(&captureSink{fail: true})
	// Must not panic or propagate the error.
	r.Record(context.Background(), Event{Type: EventLogin, Actor: "u-1"})
}

func TestRecordSystemActorHasNoUserID(t *testing.T) {
	sink := &captureSink{}
	r := NewRecorder(sink)

	r.Record(context.Background(), Event{
		Type:     EventPressurePause,
		Actor:    "system",
		DeviceID: "dev-1",
	})

	require.Len(t, sink.entries, 1)
	require.Empty(t, sink.entries[0].UserID)
}

func TestRecordNilSinkIsLogOnly(t *testing.T) {
	r := NewRecorder(nil)
	r.Record(context.Background(), Event{Type: EventRouteCreate, Actor: "u-1"})
}
