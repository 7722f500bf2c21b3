// SPDX-License-Identifier: MIT

package telemetry

import (
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestHTTPAttributes(t *testing.T) {
	attrs := HTTPAttributes("GET", "/api/stream/all", "http://localhost:3000/api/stream/all", 200)

	if len(attrs) != 4 {
		t.Fatalf("expected 4 attributes, got %d", len(attrs))
	}

	verifyAttribute(t, attrs, HTTPMethodKey, "GET")
	verifyAttribute(t, attrs, HTTPRouteKey, "/api/stream/all")
	verifyAttribute(t, attrs, HTTPURLKey, "http://localhost:3000/api/stream/all")
	verifyIntAttribute(t, attrs, HTTPStatusCodeKey, 200)
}

func TestStreamAttributes(t *testing.T) {
	tests := []struct {
		name     string
		streamID string
		deviceID string
		routeID  string
		status   string
		wantLen  int
	}{
		{
			name:     "all fields",
			streamID: "str-1",
			deviceID: "van-7",
			routeID:  "rt-99",
			status:   "STARTED",
			wantLen:  4,
		},
		{
			name:     "only device",
			deviceID: "van-7",
			wantLen:  1,
		},
		{
			name:    "empty fields",
			wantLen: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			attrs := StreamAttributes(tt.streamID, tt.deviceID, tt.routeID, tt.status)

			if len(attrs) != tt.wantLen {
				t.Errorf("expected %d attributes, got %d", tt.wantLen, len(attrs))
			}

			if tt.streamID != "" {
				verifyAttribute(t, attrs, StreamIDKey, tt.streamID)
			}
			if tt.deviceID != "" {
				verifyAttribute(t, attrs, StreamDeviceIDKey, tt.deviceID)
			}
			if tt.routeID != "" {
				verifyAttribute(t, attrs, StreamRouteIDKey, tt.routeID)
			}
			if tt.status != "" {
				verifyAttribute(t, attrs, StreamStatusKey, tt.status)
			}
		})
	}
}

func TestRouteAttributes(t *testing.T) {
	attrs := RouteAttributes("rt-1", "gpx", 120, 5432.1)

	if len(attrs) != 4 {
		t.Fatalf("expected 4 attributes, got %d", len(attrs))
	}

	verifyAttribute(t, attrs, RouteIDKey, "rt-1")
	verifyAttribute(t, attrs, RouteSourceKey, "gpx")
	verifyIntAttribute(t, attrs, RoutePointCountKey, 120)
	verifyFloatAttribute(t, attrs, RouteDistanceKey, 5432.1)
}

func TestGeocodeAttributes(t *testing.T) {
	attrs := GeocodeAttributes(14, 3, true)

	if len(attrs) != 3 {
		t.Fatalf("expected 3 attributes, got %d", len(attrs))
	}

	verifyIntAttribute(t, attrs, GeocodeQueryLenKey, 14)
	verifyIntAttribute(t, attrs, GeocodeMatchesKey, 3)
	verifyBoolAttribute(t, attrs, GeocodeCachedKey, true)
}

func TestErrorAttributes(t *testing.T) {
	err := errors.New("test error")
	attrs := ErrorAttributes(err, "upstream_error")

	if len(attrs) != 2 {
		t.Fatalf("expected 2 attributes, got %d", len(attrs))
	}

	verifyBoolAttribute(t, attrs, ErrorKey, true)
	verifyAttribute(t, attrs, ErrorTypeKey, "upstream_error")
}

// Helper functions for attribute verification

func verifyAttribute(t *testing.T, attrs []attribute.KeyValue, key, expectedValue string) {
	t.Helper()
	for _, attr := range attrs {
		if string(attr.Key) == key {
			if attr.Value.AsString() != expectedValue {
				t.Errorf("expected %s=%s, got %s", key, expectedValue, attr.Value.AsString())
			}
			return
		}
	}
	t.Errorf("attribute %s not found", key)
}

func verifyIntAttribute(t *testing.T, attrs []attribute.KeyValue, key string, expectedValue int) {
	t.Helper()
	for _, attr := range attrs {
		if string(attr.Key) == key {
			if attr.Value.AsInt64() != int64(expectedValue) {
				t.Errorf("expected %s=%d, got %d", key, expectedValue, attr.Value.AsInt64())
			}
			return
		}
	}
	t.Errorf("attribute %s not found", key)
}

func verifyFloatAttribute(t *testing.T, attrs []attribute.KeyValue, key string, expectedValue float64) {
	t.Helper()
	for _, attr := range attrs {
		if string(attr.Key) == key {
			if attr.Value.AsFloat64() != expectedValue {
				t.Errorf("expected %s=%f, got %f", key, expectedValue, attr.Value.AsFloat64())
			}
			return
		}
	}
	t.Errorf("attribute %s not found", key)
}

func verifyBoolAttribute(t *testing.T, attrs []attribute.KeyValue, key string, expectedValue bool) {
	t.Helper()
	for _, attr := range attrs {
		if string(attr.Key) == key {
			if attr.Value.AsBool() != expectedValue {
				t.Errorf("expected %s=%t, got %t", key, expectedValue, attr.Value.AsBool())
			}
			return
		}
	}
	t.Errorf("attribute %s not found", key)
}
