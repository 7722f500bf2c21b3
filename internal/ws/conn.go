// SPDX-License-Identifier: MIT

// Package ws is the realtime socket surface: WebSocket and raw TCP
// connections speaking the same typed JSON envelope.
package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/routecast/routecast/internal/session"
)

// Envelope is the wire frame for every socket message in both
// directions. MOCK_LOCATION frames carry a meta sibling next to the
// payload; PONG carries a bare timestamp.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Meta      json.RawMessage `json:"meta,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// Message types on the socket surface.
const (
	TypeConnected    = "CONNECTED"
	TypePing         = "PING"
	TypePong         = "PONG"
	TypeStatus       = "STATUS"
	TypeAck          = "ACK"
	TypeMockLocation = "MOCK_LOCATION"
	TypeError        = "ERROR"
)

// ErrSendBufferFull is returned when the outbound queue is saturated.
// The caller decides whether that frame mattered.
var ErrSendBufferFull = errors.New("ws: send buffer full")

const (
	outboundQueueLen = 256
	writeTimeout     = 10 * time.Second
	pingInterval     = 30 * time.Second
	readTimeout      = 90 * time.Second
)

// wireWriter abstracts the transport so WebSocket and TCP connections
// share one outbound pump.
type wireWriter interface {
	writeFrame(data []byte) error
	writePing() error
	writeClose(code int, reason string) error
	close() error
}

// Conn is one live socket connection. Send is safe for concurrent use
// and never blocks; a single pump goroutine owns the actual writes.
type Conn struct {
	transport string
	writer    wireWriter
	logger    zerolog.Logger

	outbound chan []byte
	buffered atomic.Int64

	closeOnce sync.Once
	closed    chan struct{}
	closeCode int
}

func newConn(transport string, writer wireWriter, logger zerolog.Logger) *Conn {
	c := &Conn{
		transport: transport,
		writer:    writer,
		logger:    logger,
		outbound:  make(chan []byte, outboundQueueLen),
		closed:    make(chan struct{}),
	}
	go c.pump()
	return c
}

// Send queues a typed message. It never blocks the caller; when the
// queue is full the message is dropped with ErrSendBufferFull.
func (c *Conn) Send(event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("ws: encode payload: %w", err)
	}
	return c.SendEnvelope(Envelope{Type: event, Payload: raw})
}

// SendTelemetry queues a MOCK_LOCATION frame with its meta sibling.
func (c *Conn) SendTelemetry(payload, meta any) error {
	rawPayload, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("ws: encode payload: %w", err)
	}
	rawMeta, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("ws: encode meta: %w", err)
	}
	return c.SendEnvelope(Envelope{Type: TypeMockLocation, Payload: rawPayload, Meta: rawMeta})
}

// SendEnvelope queues a pre-built envelope.
func (c *Conn) SendEnvelope(env Envelope) error {
	frame, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("ws: encode envelope: %w", err)
	}

	select {
	case <-c.closed:
		return errors.New("ws: connection closed")
	default:
	}

	select {
	case c.outbound <- frame:
		c.buffered.Add(int64(len(frame)))
		return nil
	default:
		return ErrSendBufferFull
	}
}

// BufferedBytes reports bytes queued but not yet written. The stream
// backpressure guard reads this before every tick.
func (c *Conn) BufferedBytes() int {
	return int(c.buffered.Load())
}

// Transport reports "ws" or "tcp".
func (c *Conn) Transport() string {
	return c.transport
}

// Close sends a close frame with the given code and tears down the
// connection. Safe to call multiple times.
func (c *Conn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		if err := c.writer.writeClose(code, reason); err != nil {
			c.logger.Debug().Err(err).Msg("close frame write failed")
		}
		close(c.closed)
		_ = c.writer.close()
	})
}

// Done is closed once the connection is torn down.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

func (c *Conn) pump() {
	pings := time.NewTicker(pingInterval)
	defer pings.Stop()

	for {
		select {
		case frame := <-c.outbound:
			err := c.writer.writeFrame(frame)
			c.buffered.Add(-int64(len(frame)))
			if err != nil {
				c.logger.Debug().Err(err).Msg("socket write failed")
				c.Close(session.CloseInternal, "write failed")
				return
			}
		case <-pings.C:
			if err := c.writer.writePing(); err != nil {
				c.Close(session.CloseInternal, "ping failed")
				return
			}
		case <-c.closed:
			return
		}
	}
}

// --- websocket transport ---

type websocketWriter struct {
	conn *websocket.Conn
}

func (w *websocketWriter) writeFrame(data []byte) error {
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *websocketWriter) writePing() error {
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return w.conn.WriteMessage(websocket.PingMessage, nil)
}

func (w *websocketWriter) writeClose(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = w.conn.SetWriteDeadline(time.Now().Add(time.Second))
	return w.conn.WriteMessage(websocket.CloseMessage, msg)
}

func (w *websocketWriter) close() error {
	return w.conn.Close()
}

// NewWebSocketConn wraps an upgraded gorilla connection.
func NewWebSocketConn(conn *websocket.Conn, logger zerolog.Logger) *Conn {
	return newConn("ws", &websocketWriter{conn: conn}, logger)
}
