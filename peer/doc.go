// Copyright 2026 The Plink Authors
// SPDX-License-Identifier: Apache-2.0

// Package peer ties the rendezvous client, the WebRTC session and the
// transfer engine into one plink participant.
//
// [Peer.Run] joins a room and reacts to coordinator events. The member
// seated first creates the session and sends the offer when
// user-connected arrives; the other member creates its session when
// that offer arrives. Negotiation messages are handed to the session,
// and user-disconnected closes it. A member left alone becomes the
// initiator for whoever joins next.
//
// Once a session is connected a transfer engine is bound to its bulk
// channel and chat frames are read from its control channel. When the
// session ends, for whatever reason, the engine is aborted with the
// session's error so that in-flight transfers fail with it.
package peer
