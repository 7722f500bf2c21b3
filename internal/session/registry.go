// SPDX-License-Identifier: MIT

// Package session tracks live socket connections. The registry is the
// single source of truth for which device or operator is connected and
// enforces one live connection per device.
package session

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/routecast/routecast/internal/log"
)

// Close codes used on the socket surface.
const (
	CloseAuthFailed       = 4001
	CloseDeviceIDRequired = 4003
	CloseNotRegistered    = 4004
	CloseInternal         = 4500
	CloseGoingAway        = 1001
)

// Conn is a live socket connection owned by the transport layer. Send
// and SendTelemetry must be safe for concurrent use and must not block
// the caller.
type Conn interface {
	Send(event string, payload any) error
	// SendTelemetry emits a MOCK_LOCATION frame with its meta sibling.
	SendTelemetry(payload, meta any) error
	BufferedBytes() int
	// Transport reports the wire transport, "ws" or "tcp".
	Transport() string
	Close(code int, reason string)
}

// Operator is a connected human session with its role for broadcast
// filtering.
type Operator struct {
	UserID string
	Admin  bool
	Conn   Conn
}

// Registry holds the live connection maps.
type Registry struct {
	mu        sync.RWMutex
	devices   map[string]Conn
	operators map[Conn]Operator

	onDeviceGone func(deviceID string)
	logger       zerolog.Logger
}

// NewRegistry builds an empty registry. onDeviceGone fires after a
// device binding disappears (drop or replacement) so the stream layer
// can pause; it is called outside the registry lock.
func NewRegistry(onDeviceGone func(deviceID string)) *Registry {
	return &Registry{
		devices:      make(map[string]Conn),
		operators:    make(map[Conn]Operator),
		onDeviceGone: onDeviceGone,
		logger:       log.WithComponent("session"),
	}
}

// BindDevice registers the connection for deviceID; last writer wins.
// An existing connection for the same device is closed, and the
// device-gone callback fires so the stream layer pauses until the new
// socket takes over.
func (r *Registry) BindDevice(deviceID string, c Conn) {
	r.mu.Lock()
	prev := r.devices[deviceID]
	r.devices[deviceID] = c
	r.mu.Unlock()

	if prev != nil && prev != c {
		r.logger.Info().Str("device_id", deviceID).Msg("device connection replaced")
		prev.Close(CloseGoingAway, "replaced by newer connection")
		if r.onDeviceGone != nil {
			r.onDeviceGone(deviceID)
		}
	}
}

// DropDevice removes the binding only if c still owns it, so a stale
// close racing a rebind cannot evict the newer connection.
func (r *Registry) DropDevice(deviceID string, c Conn) {
	r.mu.Lock()
	current, ok := r.devices[deviceID]
	if !ok || current != c {
		r.mu.Unlock()
		return
	}
	delete(r.devices, deviceID)
	r.mu.Unlock()

	if r.onDeviceGone != nil {
		r.onDeviceGone(deviceID)
	}
}

// Device returns the live connection for deviceID, if any.
func (r *Registry) Device(deviceID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.devices[deviceID]
	return c, ok
}

// BindOperator registers a human session.
func (r *Registry) BindOperator(userID string, admin bool, c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.operators[c] = Operator{UserID: userID, Admin: admin, Conn: c}
}

// DropOperator removes a human session.
func (r *Registry) DropOperator(c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.operators, c)
}

// BroadcastDeviceEvent fans a device-originated event out to every
// admin session and to the device owner's sessions. Send errors are
// the transport's problem; the broadcast keeps going.
func (r *Registry) BroadcastDeviceEvent(ownerUserID, event string, payload any) {
	r.mu.RLock()
	targets := make([]Conn, 0, len(r.operators))
	for _, op := range r.operators {
		if op.Admin || op.UserID == ownerUserID {
			targets = append(targets, op.Conn)
		}
	}
	r.mu.RUnlock()

	for _, c := range targets {
		if err := c.Send(event, payload); err != nil {
			r.logger.Debug().Err(err).Str("event", event).Msg("broadcast send failed")
		}
	}
}

// Counts returns the number of live device and operator connections.
func (r *Registry) Counts() (devices, operators int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices), len(r.operators)
}

// CloseAll closes every connection with CloseGoingAway. Used during
// graceful shutdown.
func (r *Registry) CloseAll(reason string) {
	r.mu.Lock()
	conns := make([]Conn, 0, len(r.devices)+len(r.operators))
	for _, c := range r.devices {
		conns = append(conns, c)
	}
	for c := range r.operators {
		conns = append(conns, c)
	}
	r.devices = make(map[string]Conn)
	r.operators = make(map[Conn]Operator)
	r.mu.Unlock()

	for _, c := range conns {
		c.Close(CloseGoingAway, reason)
	}
}
