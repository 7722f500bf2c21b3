// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"errors"
)

// Sentinel errors surfaced by every Store implementation.
var (
	ErrNotFound = errors.New("store: not found")
	ErrConflict = errors.New("store: conflict")
)

// Store is the durable entity store contract. Implementations must make
// cascade deletes transactional.
type Store interface {
	UserStore
	DeviceStore
	RouteStore
	StreamStore
	AuditStore

	Ping(ctx context.Context) error
	Close() error
}

// UserStore covers operator accounts.
type UserStore interface {
	CreateUser(ctx context.Context, u User) error
	UserByUsername(ctx context.Context, username string) (User, error)
	UserByID(ctx context.Context, id string) (User, error)
}

// DeviceStore covers registered devices.
type DeviceStore interface {
	UpsertDevice(ctx context.Context, d Device) error
	DeviceByID(ctx context.Context, deviceID string) (Device, error)
	ListDevices(ctx context.Context, f DeviceFilter) ([]Device, int, error)
	// DeleteDevice cascades to streams, audit entries and credentials in
	// one transaction.
	DeleteDevice(ctx context.Context, deviceID string) error
	AssignRoute(ctx context.Context, deviceID, routeID string) error
	TouchDevice(ctx context.Context, deviceID, lastIP string) error
	SetDeviceConnected(ctx context.Context, deviceID string, connected bool) error
	SetDeviceStatusPayload(ctx context.Context, deviceID string, payload []byte) error
}

// RouteStore covers routes and their owned points and waypoints.
type RouteStore interface {
	// CreateRoute persists the route, its points and its waypoints in one
	// transaction.
	CreateRoute(ctx context.Context, r Route, points []RoutePoint, waypoints []Waypoint) error
	RouteByID(ctx context.Context, routeID string) (Route, error)
	ListRoutes(ctx context.Context, ownerUserID string) ([]Route, error)
	RoutePoints(ctx context.Context, routeID string) ([]RoutePoint, error)
	RouteWaypoints(ctx context.Context, routeID string) ([]Waypoint, error)
	UpdateRouteConfig(ctx context.Context, routeID string, cfg RouteConfig) error
	// DeleteRoute cascades to route points and waypoints.
	DeleteRoute(ctx context.Context, routeID string) error
	// RouteByIdempotencyKey finds a route created by owner with the given
	// key no earlier than sinceUnixMs.
	RouteByIdempotencyKey(ctx context.Context, ownerUserID, key string, sinceUnixMs int64) (Route, error)
}

// StreamStore covers durable stream records. At most one record per
// device may be in a non-terminal status.
type StreamStore interface {
	CreateStream(ctx context.Context, s StreamRecord) error
	UpdateStreamStatus(ctx context.Context, streamID string, status StreamStatus) error
	// CloseStream marks the record STOPPED with stoppedAt exactly once.
	CloseStream(ctx context.Context, streamID string) error
	// CloseActiveStreams stops every non-terminal record for the device
	// and returns how many were closed.
	CloseActiveStreams(ctx context.Context, deviceID string) (int, error)
	ActiveStreamByDevice(ctx context.Context, deviceID string) (StreamRecord, error)
	StreamHistory(ctx context.Context, deviceID string, limit int) ([]StreamRecord, error)
}

// AuditStore is the append-only audit sink.
type AuditStore interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
}
