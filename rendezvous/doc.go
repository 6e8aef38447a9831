// Copyright 2026 The Plink Authors
// SPDX-License-Identifier: Apache-2.0

// Package rendezvous pairs exactly two clients under a shared room name
// and relays WebRTC negotiation messages between them.
//
// The [Coordinator] owns the room table. Every read-modify-write of a
// room's member list happens under one lock, together with the
// notifications it produces, so two concurrent joiners can never both
// see a free seat and notifications reach a member in the order the
// table changed. Members receive messages through a bounded outbox;
// a member that stops draining it is disconnected instead of stalling
// the coordinator.
//
// Joining works like this:
//
//   - The first member of a room gets joined-room (position 1) and
//     waiting-for-peer. It becomes the WebRTC initiator once it
//     receives user-connected.
//   - The second member gets joined-room (position 2) carrying the
//     first member's id, and the first member gets user-connected
//     carrying the second member's id.
//   - A third member gets room-full and the room is unchanged.
//   - When a member leaves or disconnects, the remaining member gets
//     user-disconnected and waiting-for-peer and takes position 1.
//
// Room secrets are hashed with Argon2id under a salt chosen at process
// start. A room created without a secret only admits members without
// one, and vice versa.
//
// The coordinator never interprets offer, answer or ice-candidate
// payloads. It forwards them to the named target, or to the other
// member of the sender's room, and silently drops (with a log line)
// anything addressed to nobody.
//
// [Server] exposes a coordinator over two framings: a stream of CBOR
// values on TCP or Unix sockets, and JSON text frames on a WebSocket
// (/ws) for browser peers. /healthz and a leading status message
// return [Status] without joining. [Client] speaks either framing.
package rendezvous
