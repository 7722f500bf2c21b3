// SPDX-License-Identifier: MIT

// Package store defines the durable entity model and the Store contract.
package store

import (
	"encoding/json"
	"time"
)

// Role is a user role.
type Role string

const (
	RoleAdmin Role = "ADMIN"
	RoleUser  Role = "USER"
)

// StreamStatus is the lifecycle status of a stream record.
type StreamStatus string

const (
	StreamStarted StreamStatus = "STARTED"
	StreamPaused  StreamStatus = "PAUSED"
	StreamStopped StreamStatus = "STOPPED"
)

// SourceType records how a route was authored.
type SourceType string

const (
	SourcePoints       SourceType = "points"
	SourceGPX          SourceType = "gpx"
	SourceORS          SourceType = "ors"
	SourceORSStops     SourceType = "ors_stops"
	SourceORSWaypoints SourceType = "ors_waypoints"
)

// WaypointKind distinguishes anchors along a route.
type WaypointKind string

const (
	WaypointOrigin      WaypointKind = "origin"
	WaypointStop        WaypointKind = "stop"
	WaypointDestination WaypointKind = "destination"
)

// User is an operator account.
type User struct {
	ID           string `json:"id"`
	Username     string `json:"username"`
	PasswordHash string `json:"-"`
	Role         Role   `json:"role"`
}

// Device is a registered Android device.
type Device struct {
	DeviceID        string    `json:"deviceId"`
	OwnerUserID     string    `json:"ownerUserId"`
	Platform        string    `json:"platform"`
	AppVersion      string    `json:"appVersion"`
	Label           string    `json:"label,omitempty"`
	AssignedRouteID string    `json:"assignedRouteId,omitempty"`
	LastSeenAt      time.Time `json:"lastSeenAt"`
	LastIP          string    `json:"lastIp,omitempty"`
	IsConnected     bool      `json:"isConnected"`
	StatusPayload   json.RawMessage `json:"statusPayload,omitempty"`
}

// Route is an authored polyline with its effective stream configuration.
type Route struct {
	ID          string      `json:"id"`
	OwnerUserID string      `json:"ownerUserId"`
	Name        string      `json:"name"`
	SourceType  SourceType  `json:"sourceType"`
	Config      RouteConfig `json:"config"`
	CreatedAt   time.Time   `json:"createdAt"`
}

// RoutePoint is one vertex of a route polyline, ordered by Seq.
type RoutePoint struct {
	RouteID      string   `json:"routeId"`
	Seq          int      `json:"seq"`
	Lat          float64  `json:"lat"`
	Lng          float64  `json:"lng"`
	Speed        *float64 `json:"speed,omitempty"`
	Bearing      *float64 `json:"bearing,omitempty"`
	Accuracy     *float64 `json:"accuracy,omitempty"`
	DwellSeconds int      `json:"dwellSeconds"`
	Label        string   `json:"label,omitempty"`
}

// Waypoint is a named anchor (origin, stop, destination) bound to the
// nearest route point.
type Waypoint struct {
	RouteID      string       `json:"routeId"`
	Seq          int          `json:"seq"`
	Kind         WaypointKind `json:"kind"`
	Mode         string       `json:"mode"` // "address" or "manual"
	Label        string       `json:"label,omitempty"`
	Text         string       `json:"text,omitempty"`
	Lat          float64      `json:"lat"`
	Lng          float64      `json:"lng"`
	DwellSeconds int          `json:"dwellSeconds"`
	PointIndex   int          `json:"pointIndex"`
}

// StreamRecord is the durable record of a stream lifecycle.
type StreamRecord struct {
	ID        string       `json:"id"`
	DeviceID  string       `json:"deviceId"`
	RouteID   string       `json:"routeId"`
	Status    StreamStatus `json:"status"`
	SpeedKmh  float64      `json:"speed"`
	Loop      bool         `json:"loop"`
	StartedAt time.Time    `json:"startedAt"`
	StoppedAt *time.Time   `json:"stoppedAt,omitempty"`
}

// AuditEntry is an append-only operation trace. Appending must never fail
// the originating operation.
type AuditEntry struct {
	ID        int64           `json:"id"`
	Action    string          `json:"action"`
	UserID    string          `json:"userId,omitempty"`
	DeviceID  string          `json:"deviceId,omitempty"`
	Meta      json.RawMessage `json:"meta,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// DeviceFilter narrows device listings.
type DeviceFilter struct {
	OwnerUserID         string // empty for admin listings
	Page                int    // 1-based
	Limit               int
	ActiveWithinSeconds int // 0 disables the lastSeenAt filter
}
