// Copyright 2026 The Plink Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import "context"

// Signal kinds carried over the rendezvous relay. The names match the
// rendezvous message types so a Signaler can pass them straight through.
const (
	SignalOffer        = "offer"
	SignalAnswer       = "answer"
	SignalICECandidate = "ice-candidate"
)

// Signaler delivers negotiation messages to the remote Session. The
// production implementation relays through the rendezvous coordinator;
// tests use [MemorySignaler].
//
// Signaling is trickle ICE: the description is sent as soon as it is
// set, and candidates follow individually as they are gathered. A
// Session calls Signal from a single goroutine, in the order the
// messages were produced, and implementations must preserve that
// order on delivery.
type Signaler interface {
	// Signal sends one message. kind is one of SignalOffer,
	// SignalAnswer or SignalICECandidate. payload is the JSON form of
	// a webrtc.SessionDescription (offer, answer) or a
	// webrtc.ICECandidateInit (ice-candidate).
	Signal(ctx context.Context, kind string, payload []byte) error
}

// SignalerFunc adapts a function to the Signaler interface.
type SignalerFunc func(ctx context.Context, kind string, payload []byte) error

// Signal calls f.
func (f SignalerFunc) Signal(ctx context.Context, kind string, payload []byte) error {
	return f(ctx, kind, payload)
}

// signalMessage is one queued or buffered negotiation message.
type signalMessage struct {
	kind    string
	payload []byte
}
