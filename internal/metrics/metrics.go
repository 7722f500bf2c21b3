// SPDX-License-Identifier: MIT

// Package metrics provides Prometheus metrics for the streaming core.
// Labels stay low-cardinality: no device ids or stream ids.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Counters

	// FramesTotal counts telemetry frames sent to sockets, by transport.
	FramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "routecast_frames_total",
		Help: "Total telemetry frames delivered, by transport (ws/tcp).",
	}, []string{"transport"})

	// TicksSkippedTotal counts scheduler ticks skipped under pressure.
	TicksSkippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "routecast_ticks_skipped_total",
		Help: "Total scheduler ticks skipped because the socket buffer was saturated.",
	})

	// PressurePausesTotal counts automatic pauses from sustained backpressure.
	PressurePausesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "routecast_pressure_pauses_total",
		Help: "Total streams auto-paused after sustained backpressure.",
	})

	// InvalidFramesTotal counts unparseable inbound socket frames, by transport.
	InvalidFramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "routecast_invalid_frames_total",
		Help: "Total malformed inbound socket frames ignored, by transport (ws/tcp).",
	}, []string{"transport"})

	// RateLimitRejectsTotal counts rate-limited requests by scope.
	RateLimitRejectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "routecast_ratelimit_rejects_total",
		Help: "Total requests rejected by rate limiting, by scope.",
	}, []string{"scope"})

	// RoutingCallsTotal counts upstream routing-service calls by endpoint and outcome.
	RoutingCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "routecast_routing_calls_total",
		Help: "Total upstream routing service calls, by endpoint and outcome.",
	}, []string{"endpoint", "outcome"})

	// HTTPRequestsTotal counts control-plane requests by route pattern.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "routecast_http_requests_total",
		Help: "Total HTTP requests, by method, route pattern and status class.",
	}, []string{"method", "route", "status"})

	// RouteRejectsTotal counts route submissions rejected by the safety gate.
	RouteRejectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "routecast_route_rejects_total",
		Help: "Total route submissions rejected by geometry validation, by reason.",
	}, []string{"reason"})

	// Gauges

	// ActiveStreams tracks streams currently running or paused.
	ActiveStreams = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "routecast_active_streams",
		Help: "Current number of streams, by status (started/paused).",
	}, []string{"status"})

	// SocketConnections tracks open sockets by transport and role.
	SocketConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "routecast_socket_connections",
		Help: "Current open socket connections, by transport and role.",
	}, []string{"transport", "role"})

	// Histograms

	// TickDriftSeconds observes the gap between scheduled and actual tick time.
	TickDriftSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "routecast_tick_drift_seconds",
		Help:    "Drift between the scheduled and the observed stream tick.",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// RoutingCallSeconds observes upstream routing service latency.
	RoutingCallSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "routecast_routing_call_seconds",
		Help:    "Latency of upstream routing service calls, by endpoint.",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})
)

// RecordFrame counts one delivered telemetry frame.
func RecordFrame(transport string) {
	FramesTotal.WithLabelValues(transport).Inc()
}

// RecordRouteReject counts a rejected route submission.
func RecordRouteReject(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	RouteRejectsTotal.WithLabelValues(reason).Inc()
}
