// SPDX-License-Identifier: MIT

package log

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	ctx = ContextWithRequestID(ctx, "req-1")
	ctx = ContextWithDeviceID(ctx, "dev-42")

	if got := RequestIDFromContext(ctx); got != "req-1" {
		t.Fatalf("request id: got %q", got)
	}
	if got := DeviceIDFromContext(ctx); got != "dev-42" {
		t.Fatalf("device id: got %q", got)
	}
}

func TestContextMissingValues(t *testing.T) {
	if got := RequestIDFromContext(context.Background()); got != "" {
		t.Fatalf("expected empty request id, got %q", got)
	}
	if got := DeviceIDFromContext(nil); got != "" { //nolint:staticcheck // nil context tolerated
		t.Fatalf("expected empty device id, got %q", got)
	}
}

func TestWithContextAddsFields(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	ctx := ContextWithDeviceID(context.Background(), "dev-7")
	enriched := WithContext(ctx, logger)
	enriched.Info().Msg("tick")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if entry["device_id"] != "dev-7" {
		t.Fatalf("expected device_id field, got %v", entry)
	}
}

func TestWithContextNoFieldsReturnsSameLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	enriched := WithContext(context.Background(), logger)
	enriched.Info().Msg("plain")
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if _, ok := entry["device_id"]; ok {
		t.Fatal("unexpected device_id on unenriched logger")
	}
}
