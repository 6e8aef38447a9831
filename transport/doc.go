// Copyright 2026 The Plink Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport establishes the direct peer-to-peer connection
// between two plink peers once the rendezvous coordinator has paired
// them.
//
// A [Session] wraps one pion/webrtc PeerConnection carrying two
// ordered, reliable data channels: "control" for chat and small
// frames, "bulk" for file transfers. The room's first member is the
// initiator: it calls [Session.Start], which creates both channels and
// relays an offer. The second member creates its Session lazily when
// the first negotiation message arrives and is driven entirely by
// [Session.HandleSignal].
//
// Signaling is trickle ICE over a [Signaler]. Descriptions are relayed
// as soon as they are set and local candidates follow one by one, in
// order, from a per-session queue. Remote candidates that arrive
// before a remote description are buffered and applied afterwards.
//
// A Session is only usable once [Session.Ready] is closed, which
// requires both data channels to report open; the PeerConnection
// reaching "connected" is not enough. A watchdog fails the Session with
// [ErrNegotiation] if that does not happen within the connect timeout.
// When ICE reports disconnected, the initiator attempts a bounded
// number of ICE restarts without touching the open channels. A
// PeerConnection that fails or closes ends the Session with
// [ErrTransportLost], and every consumer observes that through
// [Session.Done] and [Session.Err].
//
// [MemorySignaler] connects two Sessions in-process for tests.
package transport
