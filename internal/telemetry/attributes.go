// SPDX-License-Identifier: MIT

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared across spans so traces stay queryable.
const (
	// HTTP attributes
	HTTPMethodKey     = "http.method"
	HTTPStatusCodeKey = "http.status_code"
	HTTPRouteKey      = "http.route"
	HTTPURLKey        = "http.url"

	// Stream attributes
	StreamIDKey       = "stream.id"
	StreamDeviceIDKey = "stream.device_id"
	StreamRouteIDKey  = "stream.route_id"
	StreamStatusKey   = "stream.status"
	StreamFrameKey    = "stream.frame"

	// Route attributes
	RouteIDKey         = "route.id"
	RouteSourceKey     = "route.source"
	RoutePointCountKey = "route.points"
	RouteDistanceKey   = "route.distance_m"

	// Geocoding attributes
	GeocodeQueryLenKey = "geocode.query_len"
	GeocodeMatchesKey  = "geocode.matches"
	GeocodeCachedKey   = "geocode.cached"

	// Error attributes
	ErrorKey     = "error"
	ErrorTypeKey = "error.type"
)

// HTTPAttributes creates common HTTP span attributes.
func HTTPAttributes(method, route, url string, statusCode int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(HTTPMethodKey, method),
		attribute.String(HTTPRouteKey, route),
		attribute.String(HTTPURLKey, url),
		attribute.Int(HTTPStatusCodeKey, statusCode),
	}
}

// StreamAttributes creates span attributes for a telemetry stream.
// Empty identifiers are omitted.
func StreamAttributes(streamID, deviceID, routeID, status string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 4)
	if streamID != "" {
		attrs = append(attrs, attribute.String(StreamIDKey, streamID))
	}
	if deviceID != "" {
		attrs = append(attrs, attribute.String(StreamDeviceIDKey, deviceID))
	}
	if routeID != "" {
		attrs = append(attrs, attribute.String(StreamRouteIDKey, routeID))
	}
	if status != "" {
		attrs = append(attrs, attribute.String(StreamStatusKey, status))
	}
	return attrs
}

// RouteAttributes creates span attributes for route creation and lookup.
func RouteAttributes(routeID, source string, points int, distanceM float64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(RouteIDKey, routeID),
		attribute.String(RouteSourceKey, source),
		attribute.Int(RoutePointCountKey, points),
		attribute.Float64(RouteDistanceKey, distanceM),
	}
}

// GeocodeAttributes creates span attributes for geocoder calls. The query
// text itself is never recorded, only its length.
func GeocodeAttributes(queryLen, matches int, cached bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int(GeocodeQueryLenKey, queryLen),
		attribute.Int(GeocodeMatchesKey, matches),
		attribute.Bool(GeocodeCachedKey, cached),
	}
}

// ErrorAttributes creates error-related span attributes.
func ErrorAttributes(_ error, errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorTypeKey, errorType),
	}
}
