// Copyright 2026 The Plink Authors
// SPDX-License-Identifier: Apache-2.0

package rendezvous

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// Server exposes a Coordinator to network clients.
type Server struct {
	coordinator *Coordinator
	logger      *slog.Logger
	upgrader    websocket.Upgrader

	activeConnections sync.WaitGroup
}

// NewServer returns a server for coordinator.
func NewServer(coordinator *Coordinator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		coordinator: coordinator,
		logger:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser peers are served from arbitrary origins; rooms
			// are guarded by their secret, not by origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Serve accepts CBOR stream connections on listener until ctx is
// cancelled, then waits for open connections to finish. The listener
// is closed on return.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	defer listener.Close()
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("rendezvous listening",
		"network", listener.Addr().Network(),
		"address", listener.Addr().String(),
	)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}
		s.activeConnections.Add(1)
		go func() {
			defer s.activeConnections.Done()
			s.handle(ctx, newStreamConn(conn))
		}()
	}

	s.activeConnections.Wait()
	return nil
}

// Handler returns the HTTP surface: the WebSocket endpoint at /ws and
// a JSON health report at /healthz. Connections upgraded by the
// handler stop when ctx is cancelled.
func (s *Server) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(s.coordinator.Status())
	})
	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already wrote an HTTP error.
			s.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}
		s.activeConnections.Add(1)
		defer s.activeConnections.Done()
		s.handle(ctx, newWebSocketConn(conn))
	})
	return mux
}

// handle runs one connection. A first message of type status gets a
// single status reply; anything else registers a member for the life
// of the connection.
func (s *Server) handle(ctx context.Context, conn messageConn) {
	defer conn.Close()
	remote := conn.Remote()

	var first Message
	if err := conn.Read(&first); err != nil {
		s.logReadError(remote, err)
		return
	}
	if first.Type == TypeStatus {
		status := s.coordinator.Status()
		if err := conn.Write(Message{Type: TypeStatus, Status: &status}); err != nil {
			s.logger.Debug("status reply failed", "remote", remote, "error", err)
		}
		return
	}

	member := s.coordinator.Connect(remote)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ctx, conn, member)
	}()

	message := first
	for {
		s.dispatch(member, message)
		if err := conn.Read(&message); err != nil {
			s.logReadError(remote, err)
			break
		}
	}

	s.coordinator.Disconnect(member.ID)
	<-writerDone
}

func (s *Server) writeLoop(ctx context.Context, conn messageConn, member *Member) {
	for {
		select {
		case message := <-member.Outbox():
			if err := conn.Write(message); err != nil {
				if !isExpectedClose(err) {
					s.logger.Warn("write failed", "member", member.ID, "error", err)
				}
				conn.Close()
				return
			}
		case <-member.Done():
			conn.Close()
			return
		case <-ctx.Done():
			conn.Close()
			return
		}
	}
}

func (s *Server) dispatch(member *Member, message Message) {
	switch message.Type {
	case TypeJoinRoom:
		// Rejections are delivered to the member by the coordinator.
		s.coordinator.Join(member.ID, message.Room, message.Secret)
	case TypeLeaveRoom:
		s.coordinator.Leave(member.ID)
	case TypeOffer, TypeAnswer, TypeICECandidate:
		s.coordinator.Relay(member.ID, message)
	case TypeStatus:
		status := s.coordinator.Status()
		s.coordinator.Deliver(member.ID, Message{Type: TypeStatus, Status: &status})
	default:
		s.coordinator.Deliver(member.ID, Message{
			Type:   TypeError,
			Code:   CodeUnsupported,
			Reason: "unknown message type " + message.Type,
		})
	}
}

func (s *Server) logReadError(remote string, err error) {
	if isExpectedClose(err) {
		return
	}
	s.logger.Debug("connection read ended", "remote", remote, "error", err)
}
