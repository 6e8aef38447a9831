// Copyright 2026 The Plink Authors
// SPDX-License-Identifier: Apache-2.0

package rendezvous

import (
	"bufio"
	"errors"
	"io"
	"net"
	"syscall"

	"github.com/gorilla/websocket"

	"github.com/Levi477/plink-revamp/lib/codec"
)

// maxWebSocketMessage bounds a single WebSocket frame. Session
// descriptions are a few kilobytes.
const maxWebSocketMessage = 64 * 1024

// messageConn is one framed rendezvous connection. Read and Write may
// be called concurrently with each other, but not with themselves.
type messageConn interface {
	Read(message *Message) error
	Write(message Message) error
	Close() error
	Remote() string
}

// streamConn frames messages as consecutive CBOR values.
type streamConn struct {
	conn    net.Conn
	writer  *bufio.Writer
	encoder *codec.Encoder
	decoder *codec.Decoder
}

func newStreamConn(conn net.Conn) *streamConn {
	writer := bufio.NewWriter(conn)
	return &streamConn{
		conn:    conn,
		writer:  writer,
		encoder: codec.NewEncoder(writer),
		decoder: codec.NewDecoder(bufio.NewReader(conn)),
	}
}

func (s *streamConn) Read(message *Message) error {
	*message = Message{}
	return s.decoder.Decode(message)
}

func (s *streamConn) Write(message Message) error {
	if err := s.encoder.Encode(message); err != nil {
		return err
	}
	return s.writer.Flush()
}

func (s *streamConn) Close() error { return s.conn.Close() }

func (s *streamConn) Remote() string { return s.conn.RemoteAddr().String() }

// webSocketConn frames messages as JSON text frames.
type webSocketConn struct {
	conn *websocket.Conn
}

func newWebSocketConn(conn *websocket.Conn) *webSocketConn {
	conn.SetReadLimit(maxWebSocketMessage)
	return &webSocketConn{conn: conn}
}

func (w *webSocketConn) Read(message *Message) error {
	*message = Message{}
	return w.conn.ReadJSON(message)
}

func (w *webSocketConn) Write(message Message) error {
	return w.conn.WriteJSON(message)
}

func (w *webSocketConn) Close() error { return w.conn.Close() }

func (w *webSocketConn) Remote() string { return w.conn.RemoteAddr().String() }

// isExpectedClose reports whether a read error is an ordinary
// disconnect rather than a fault worth logging.
func isExpectedClose(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}
