// Copyright 2026 The Plink Authors
// SPDX-License-Identifier: Apache-2.0

package rendezvous

import "errors"

// Message types sent by clients.
const (
	TypeJoinRoom  = "join-room"
	TypeLeaveRoom = "leave-room"
	TypeStatus    = "status"
)

// Negotiation message types, relayed unchanged between members.
const (
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"
)

// Message types sent by the coordinator.
const (
	TypeJoinedRoom       = "joined-room"
	TypeWaitingForPeer   = "waiting-for-peer"
	TypeUserConnected    = "user-connected"
	TypeUserDisconnected = "user-disconnected"
	TypeRoomFull         = "room-full"
	TypeJoinError        = "join-error"
	TypeError            = "error"
)

// Codes carried by join-error, room-full and error messages.
const (
	CodeAuth        = "auth"
	CodeRoomFull    = "room-full"
	CodeInvalid     = "invalid"
	CodeInRoom      = "already-in-room"
	CodeUnsupported = "unsupported"
)

var (
	// ErrAuth means the room secret did not match.
	ErrAuth = errors.New("rendezvous: room secret mismatch")

	// ErrRoomFull means the room already has two members.
	ErrRoomFull = errors.New("rendezvous: room is full")

	// ErrJoin covers every other rejected join.
	ErrJoin = errors.New("rendezvous: join rejected")

	// ErrClosed is returned by client calls after the connection ended.
	ErrClosed = errors.New("rendezvous: connection closed")
)

// Message is the single envelope for every rendezvous message. Which
// fields are set depends on Type. On the stream framing it is CBOR;
// on the WebSocket framing it is JSON, where Payload is base64.
type Message struct {
	Type     string  `json:"type"`
	Room     string  `json:"room,omitempty"`
	Secret   string  `json:"secret,omitempty"`
	Position int     `json:"position,omitempty"`
	Member   string  `json:"member,omitempty"`
	Peer     string  `json:"peer,omitempty"`
	Target   string  `json:"target,omitempty"`
	From     string  `json:"from,omitempty"`
	Payload  []byte  `json:"payload,omitempty"`
	Code     string  `json:"code,omitempty"`
	Reason   string  `json:"reason,omitempty"`
	Status   *Status `json:"status,omitempty"`
}

// Status is the health snapshot of a coordinator.
type Status struct {
	Alive         bool  `json:"alive"`
	Rooms         int   `json:"rooms"`
	Members       int   `json:"members"`
	UptimeSeconds int64 `json:"uptime_seconds"`
}

func isNegotiation(messageType string) bool {
	switch messageType {
	case TypeOffer, TypeAnswer, TypeICECandidate:
		return true
	}
	return false
}
