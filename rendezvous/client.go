// Copyright 2026 The Plink Authors
// SPDX-License-Identifier: Apache-2.0

package rendezvous

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// JoinResult describes a successful join.
type JoinResult struct {
	Room     string
	Position int
	MemberID string

	// PeerID is the member already in the room when joining at
	// position 2. Empty at position 1.
	PeerID string
}

// Client is one connection to a coordinator.
type Client struct {
	conn   messageConn
	logger *slog.Logger

	writeMu sync.Mutex

	events  chan Message
	replies chan Message

	done      chan struct{}
	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

// Dial connects to a coordinator. address is tcp://host:port,
// unix:///path, ws://host/ws or wss://host/ws; a bare host:port means
// TCP.
func Dial(ctx context.Context, address string, logger *slog.Logger) (*Client, error) {
	conn, err := dialConn(ctx, address)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	client := &Client{
		conn:    conn,
		logger:  logger,
		events:  make(chan Message, DefaultOutboxSize),
		replies: make(chan Message, 4),
		done:    make(chan struct{}),
	}
	go client.readLoop()
	return client, nil
}

// QueryStatus asks the coordinator at address for its status without
// joining.
func QueryStatus(ctx context.Context, address string) (Status, error) {
	conn, err := dialConn(ctx, address)
	if err != nil {
		return Status{}, err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := conn.Write(Message{Type: TypeStatus}); err != nil {
		return Status{}, fmt.Errorf("rendezvous: sending status query: %w", err)
	}
	var reply Message
	if err := conn.Read(&reply); err != nil {
		return Status{}, fmt.Errorf("rendezvous: reading status: %w", err)
	}
	if reply.Type != TypeStatus || reply.Status == nil {
		return Status{}, fmt.Errorf("rendezvous: unexpected %q reply to status", reply.Type)
	}
	return *reply.Status, nil
}

func dialConn(ctx context.Context, address string) (messageConn, error) {
	scheme, rest, found := strings.Cut(address, "://")
	if !found {
		scheme, rest = "tcp", address
	}
	switch scheme {
	case "tcp", "unix":
		var dialer net.Dialer
		conn, err := dialer.DialContext(ctx, scheme, rest)
		if err != nil {
			return nil, fmt.Errorf("rendezvous: dialing %s: %w", address, err)
		}
		return newStreamConn(conn), nil
	case "ws", "wss":
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, address, nil)
		if err != nil {
			return nil, fmt.Errorf("rendezvous: dialing %s: %w", address, err)
		}
		return newWebSocketConn(conn), nil
	}
	return nil, fmt.Errorf("rendezvous: unsupported address scheme %q", scheme)
}

// Join asks to be seated in room. It returns ErrAuth, ErrRoomFull or
// ErrJoin when the coordinator refuses.
func (c *Client) Join(ctx context.Context, room, secret string) (JoinResult, error) {
	if err := c.write(ctx, Message{Type: TypeJoinRoom, Room: room, Secret: secret}); err != nil {
		return JoinResult{}, err
	}
	select {
	case reply := <-c.replies:
		switch reply.Type {
		case TypeJoinedRoom:
			return JoinResult{Room: reply.Room, Position: reply.Position, MemberID: reply.Member, PeerID: reply.Peer}, nil
		case TypeRoomFull:
			return JoinResult{}, ErrRoomFull
		default:
			if reply.Code == CodeAuth {
				return JoinResult{}, ErrAuth
			}
			return JoinResult{}, fmt.Errorf("%w: %s", ErrJoin, reply.Reason)
		}
	case <-c.done:
		return JoinResult{}, c.closedError()
	case <-ctx.Done():
		return JoinResult{}, ctx.Err()
	}
}

// Relay sends a negotiation message to the other member of the room.
func (c *Client) Relay(ctx context.Context, messageType string, payload []byte) error {
	return c.RelayTo(ctx, "", messageType, payload)
}

// RelayTo sends a negotiation message to a specific member.
func (c *Client) RelayTo(ctx context.Context, target, messageType string, payload []byte) error {
	if !isNegotiation(messageType) {
		return fmt.Errorf("rendezvous: %q is not a negotiation message", messageType)
	}
	return c.write(ctx, Message{Type: messageType, Target: target, Payload: payload})
}

// Leave leaves the current room; the connection stays open.
func (c *Client) Leave(ctx context.Context) error {
	return c.write(ctx, Message{Type: TypeLeaveRoom})
}

// Events delivers every coordinator message other than join replies.
// It is closed when the connection ends; Err then reports why.
func (c *Client) Events() <-chan Message { return c.events }

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the error that ended the connection, or nil.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Close ends the connection.
func (c *Client) Close() error {
	c.shutdown(ErrClosed)
	return nil
}

func (c *Client) write(ctx context.Context, message Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.done:
		return c.closedError()
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.Write(message); err != nil {
		c.shutdown(err)
		return fmt.Errorf("rendezvous: sending %s: %w", message.Type, err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer close(c.events)
	for {
		var message Message
		if err := c.conn.Read(&message); err != nil {
			c.shutdown(err)
			return
		}
		target := c.events
		switch message.Type {
		case TypeJoinedRoom, TypeRoomFull, TypeJoinError:
			target = c.replies
		}
		select {
		case target <- message:
		case <-c.done:
			return
		}
	}
}

func (c *Client) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.err = cause
		c.errMu.Unlock()
		close(c.done)
		c.conn.Close()
	})
}

func (c *Client) closedError() error {
	if err := c.Err(); err != nil && err != ErrClosed {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return ErrClosed
}
