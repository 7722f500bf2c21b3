// SPDX-License-Identifier: MIT

package ws

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/routecast/routecast/internal/auth"
	"github.com/routecast/routecast/internal/session"
)

// TypeAuth is the first message a raw TCP client must send.
const TypeAuth = "AUTH"

const tcpAuthTimeout = 10 * time.Second

// tcpWriter speaks newline-delimited JSON over a plain TCP socket.
type tcpWriter struct {
	conn net.Conn
}

func (w *tcpWriter) writeFrame(data []byte) error {
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := w.conn.Write(append(data, '\n'))
	return err
}

func (w *tcpWriter) writePing() error {
	frame, err := json.Marshal(Envelope{Type: TypePing})
	if err != nil {
		return err
	}
	return w.writeFrame(frame)
}

func (w *tcpWriter) writeClose(code int, reason string) error {
	frame, err := json.Marshal(Envelope{
		Type:    TypeError,
		Payload: json.RawMessage(fmt.Sprintf(`{"code":%d,"reason":%q}`, code, reason)),
	})
	if err != nil {
		return err
	}
	return w.writeFrame(frame)
}

func (w *tcpWriter) close() error {
	return w.conn.Close()
}

// ServeTCP accepts connections on l until ctx is cancelled. Each
// client authenticates with an AUTH message, then speaks the same
// envelope protocol as WebSocket clients.
func (s *Server) ServeTCP(ctx context.Context, l net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()

	for {
		raw, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn().Err(err).Msg("tcp accept failed")
			continue
		}
		go s.handleTCP(ctx, raw)
	}
}

func (s *Server) handleTCP(ctx context.Context, raw net.Conn) {
	conn := newConn("tcp", &tcpWriter{conn: raw}, s.logger)
	reader := bufio.NewReaderSize(raw, 64<<10)

	readNext := func() (Envelope, error) {
		_ = raw.SetReadDeadline(time.Now().Add(readTimeout))
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return Envelope{}, err
		}
		var env Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			return Envelope{}, fmt.Errorf("%w: %v", errMalformedFrame, err)
		}
		return env, nil
	}

	// The handshake has its own, shorter deadline.
	_ = raw.SetReadDeadline(time.Now().Add(tcpAuthTimeout))
	claims, deviceID, closeCode, err := s.authenticateTCP(ctx, readNext)
	if err != nil {
		s.logger.Info().Err(err).Str("remote", raw.RemoteAddr().String()).Msg("tcp auth failed")
		reason := "authentication failed"
		if closeCode == session.CloseDeviceIDRequired {
			reason = "deviceId required"
		}
		conn.Close(closeCode, reason)
		return
	}

	s.serve(ctx, conn, claims, deviceID, readNext)
}

func (s *Server) authenticateTCP(ctx context.Context, readNext func() (Envelope, error)) (auth.Claims, string, int, error) {
	env, err := readNext()
	if err != nil {
		return auth.Claims{}, "", session.CloseAuthFailed, err
	}
	if env.Type != TypeAuth {
		return auth.Claims{}, "", session.CloseAuthFailed, fmt.Errorf("expected %s, got %s", TypeAuth, env.Type)
	}
	var body struct {
		Token    string `json:"token"`
		DeviceID string `json:"deviceId"`
	}
	if err := json.Unmarshal(env.Payload, &body); err != nil || body.Token == "" {
		return auth.Claims{}, "", session.CloseAuthFailed, auth.ErrInvalidToken
	}
	return s.authorize(ctx, body.Token, body.DeviceID)
}
