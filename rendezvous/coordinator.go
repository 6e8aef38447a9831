// Copyright 2026 The Plink Authors
// SPDX-License-Identifier: Apache-2.0

package rendezvous

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Levi477/plink-revamp/lib/clock"
)

// DefaultOutboxSize is the number of undelivered messages a member may
// hold before it is disconnected.
const DefaultOutboxSize = 64

// CoordinatorConfig configures a Coordinator. The zero value is usable.
type CoordinatorConfig struct {
	OutboxSize int
	Logger     *slog.Logger
	Clock      clock.Clock
}

// Coordinator is the room table. It is safe for concurrent use.
type Coordinator struct {
	logger     *slog.Logger
	clock      clock.Clock
	started    time.Time
	outboxSize int
	hasher     secretHasher

	mu      sync.Mutex
	rooms   map[string]*room
	members map[string]*Member
}

type room struct {
	name     string
	verifier []byte
	members  []*Member
}

// Member is one connected client. Its ID is valid until Disconnect.
type Member struct {
	ID     string
	Remote string

	outbox    chan Message
	done      chan struct{}
	closeOnce sync.Once

	// Guarded by Coordinator.mu.
	room string
}

// Outbox delivers the messages addressed to this member, in order.
func (m *Member) Outbox() <-chan Message { return m.outbox }

// Done is closed when the member is disconnected, either explicitly or
// because its outbox overflowed.
func (m *Member) Done() <-chan struct{} { return m.done }

func (m *Member) close() {
	m.closeOnce.Do(func() { close(m.done) })
}

// NewCoordinator returns an empty coordinator.
func NewCoordinator(config CoordinatorConfig) *Coordinator {
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.OutboxSize <= 0 {
		config.OutboxSize = DefaultOutboxSize
	}
	return &Coordinator{
		logger:     config.Logger,
		clock:      config.Clock,
		started:    config.Clock.Now(),
		outboxSize: config.OutboxSize,
		hasher:     newSecretHasher(),
		rooms:      make(map[string]*room),
		members:    make(map[string]*Member),
	}
}

// Connect registers a new connection and returns its member.
func (c *Coordinator) Connect(remote string) *Member {
	member := &Member{
		ID:     uuid.NewString(),
		Remote: remote,
		outbox: make(chan Message, c.outboxSize),
		done:   make(chan struct{}),
	}
	c.mu.Lock()
	c.members[member.ID] = member
	c.mu.Unlock()
	c.logger.Debug("member connected", "member", member.ID, "remote", remote)
	return member
}

// Join seats memberID in roomName and returns its position (1 or 2).
// The member is notified of the outcome through its outbox whether
// or not Join succeeds. Rejoining the room a member already sits in
// returns its current position.
func (c *Coordinator) Join(memberID, roomName, secret string) (int, error) {
	// Hash outside the lock; Argon2 is deliberately slow.
	verifier := c.hasher.hash(secret)

	c.mu.Lock()
	defer c.mu.Unlock()

	member, ok := c.members[memberID]
	if !ok {
		return 0, fmt.Errorf("%w: unknown member %s", ErrJoin, memberID)
	}
	if roomName == "" {
		c.sendLocked(member, Message{Type: TypeJoinError, Code: CodeInvalid, Reason: "room name is required"})
		return 0, fmt.Errorf("%w: empty room name", ErrJoin)
	}

	if member.room != "" {
		if member.room != roomName {
			c.sendLocked(member, Message{
				Type:   TypeJoinError,
				Room:   roomName,
				Code:   CodeInRoom,
				Reason: fmt.Sprintf("already in room %s", member.room),
			})
			return 0, fmt.Errorf("%w: member %s is already in room %s", ErrJoin, memberID, member.room)
		}
		current := c.rooms[roomName]
		position := current.position(member)
		joined := Message{Type: TypeJoinedRoom, Room: roomName, Position: position, Member: member.ID}
		if other := current.other(member); other != nil && position == 2 {
			joined.Peer = other.ID
		}
		c.sendLocked(member, joined)
		return position, nil
	}

	current, exists := c.rooms[roomName]
	if !exists {
		current = &room{name: roomName, verifier: verifier}
		c.rooms[roomName] = current
		c.logger.Info("room created", "room", roomName, "protected", verifier != nil)
	} else {
		// A full room answers a wrong secret with an auth error, not
		// room-full.
		if !verifiersMatch(current.verifier, verifier) {
			c.sendLocked(member, Message{Type: TypeJoinError, Room: roomName, Code: CodeAuth, Reason: "room secret mismatch"})
			c.logger.Warn("join rejected", "room", roomName, "member", memberID, "reason", "auth")
			return 0, ErrAuth
		}
		if len(current.members) >= 2 {
			c.sendLocked(member, Message{Type: TypeRoomFull, Room: roomName, Code: CodeRoomFull, Reason: "room already has two members"})
			c.logger.Info("join rejected", "room", roomName, "member", memberID, "reason", "full")
			return 0, ErrRoomFull
		}
	}

	current.members = append(current.members, member)
	member.room = roomName
	position := len(current.members)
	c.logger.Info("member joined", "room", roomName, "member", memberID, "position", position)

	if position == 1 {
		c.sendLocked(member, Message{Type: TypeJoinedRoom, Room: roomName, Position: 1, Member: member.ID})
		c.sendLocked(member, Message{Type: TypeWaitingForPeer, Room: roomName})
		return 1, nil
	}

	first := current.members[0]
	c.sendLocked(member, Message{Type: TypeJoinedRoom, Room: roomName, Position: 2, Member: member.ID, Peer: first.ID})
	c.sendLocked(first, Message{Type: TypeUserConnected, Room: roomName, Peer: member.ID})
	return 2, nil
}

// Relay forwards a negotiation message from memberID. The message goes
// to message.Target when it names a member of the same room, otherwise
// to the other member. Messages with no recipient are dropped.
func (c *Coordinator) Relay(memberID string, message Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	member, ok := c.members[memberID]
	if !ok {
		return
	}
	if !isNegotiation(message.Type) {
		c.sendLocked(member, Message{Type: TypeError, Code: CodeUnsupported, Reason: fmt.Sprintf("cannot relay %q", message.Type)})
		return
	}
	current := c.rooms[member.room]
	if current == nil {
		c.logger.Warn("relay dropped", "member", memberID, "type", message.Type, "reason", "not in a room")
		return
	}

	var target *Member
	if message.Target != "" {
		for _, candidate := range current.members {
			if candidate.ID == message.Target && candidate != member {
				target = candidate
			}
		}
	} else {
		target = current.other(member)
	}
	if target == nil {
		c.logger.Warn("relay dropped",
			"room", current.name,
			"member", memberID,
			"type", message.Type,
			"target", message.Target,
			"reason", "no recipient",
		)
		return
	}

	c.sendLocked(target, Message{
		Type:    message.Type,
		Room:    current.name,
		From:    member.ID,
		Payload: message.Payload,
	})
}

// Leave removes memberID from its room, if any. The member stays
// connected and may join again.
func (c *Coordinator) Leave(memberID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if member, ok := c.members[memberID]; ok {
		c.leaveLocked(member)
	}
}

// Disconnect removes memberID from its room and from the coordinator
// and closes its Done channel. Calling it twice is harmless.
func (c *Coordinator) Disconnect(memberID string) {
	c.mu.Lock()
	member, ok := c.members[memberID]
	if ok {
		c.leaveLocked(member)
		delete(c.members, memberID)
	}
	c.mu.Unlock()
	if ok {
		member.close()
		c.logger.Debug("member disconnected", "member", memberID)
	}
}

// Status returns a snapshot of the room table.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Alive:         true,
		Rooms:         len(c.rooms),
		Members:       len(c.members),
		UptimeSeconds: int64(c.clock.Now().Sub(c.started) / time.Second),
	}
}

// Deliver queues message for memberID directly.
func (c *Coordinator) Deliver(memberID string, message Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if member, ok := c.members[memberID]; ok {
		c.sendLocked(member, message)
	}
}

// RoomMembers returns the member ids seated in roomName, in position
// order.
func (c *Coordinator) RoomMembers(roomName string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	current := c.rooms[roomName]
	if current == nil {
		return nil
	}
	ids := make([]string, len(current.members))
	for index, member := range current.members {
		ids[index] = member.ID
	}
	return ids
}

func (c *Coordinator) leaveLocked(member *Member) {
	current := c.rooms[member.room]
	member.room = ""
	if current == nil {
		return
	}
	for index, candidate := range current.members {
		if candidate == member {
			current.members = append(current.members[:index], current.members[index+1:]...)
			break
		}
	}
	c.logger.Info("member left", "room", current.name, "member", member.ID)

	if len(current.members) == 0 {
		delete(c.rooms, current.name)
		c.logger.Info("room deleted", "room", current.name)
		return
	}
	// The survivor now holds position 1 and initiates with whoever
	// joins next.
	remaining := current.members[0]
	c.sendLocked(remaining, Message{Type: TypeUserDisconnected, Room: current.name, Peer: member.ID})
	c.sendLocked(remaining, Message{Type: TypeWaitingForPeer, Room: current.name})
}

// sendLocked enqueues without blocking. A member whose outbox is full
// is disconnected by closing Done; its connection handler then calls
// Disconnect.
func (c *Coordinator) sendLocked(member *Member, message Message) {
	select {
	case <-member.done:
		return
	default:
	}
	select {
	case member.outbox <- message:
	default:
		c.logger.Warn("member outbox full, disconnecting", "member", member.ID, "type", message.Type)
		member.close()
	}
}

func (r *room) position(member *Member) int {
	for index, candidate := range r.members {
		if candidate == member {
			return index + 1
		}
	}
	return 0
}

func (r *room) other(member *Member) *Member {
	for _, candidate := range r.members {
		if candidate != member {
			return candidate
		}
	}
	return nil
}
