// Copyright 2026 The Plink Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"sync"
)

// Compile-time interface check.
var _ Signaler = (*MemorySignaler)(nil)

// MemorySignaler is an in-process Signaler for tests. A pair created by
// NewMemorySignalerPair delivers each side's messages directly to the
// Session attached to the other side, bypassing the rendezvous
// coordinator entirely. Messages sent before the remote Session is
// attached are held and delivered, in order, on Attach.
type MemorySignaler struct {
	peer *MemorySignaler

	// deliverMu serializes delivery so backlog flushes and live
	// messages cannot interleave.
	deliverMu sync.Mutex

	mu      sync.Mutex
	session *Session
	backlog []signalMessage
	counts  map[string]int
}

// NewMemorySignalerPair returns two connected signalers. Give one to
// each Session and Attach each Session to its own signaler.
func NewMemorySignalerPair() (*MemorySignaler, *MemorySignaler) {
	left := &MemorySignaler{counts: make(map[string]int)}
	right := &MemorySignaler{counts: make(map[string]int)}
	left.peer = right
	right.peer = left
	return left, right
}

// Attach routes messages arriving at this signaler to session and
// flushes anything that arrived earlier.
func (s *MemorySignaler) Attach(session *Session) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	s.session = session
	backlog := s.backlog
	s.backlog = nil
	s.mu.Unlock()

	for _, message := range backlog {
		session.HandleSignal(context.Background(), message.kind, message.payload)
	}
}

// Signal hands the message to the Session attached to the other side.
// Errors from that Session belong to it and are not reported here.
func (s *MemorySignaler) Signal(ctx context.Context, kind string, payload []byte) error {
	s.mu.Lock()
	s.counts[kind]++
	s.mu.Unlock()

	copied := append([]byte(nil), payload...)
	s.peer.deliver(ctx, signalMessage{kind: kind, payload: copied})
	return nil
}

// Sent reports how many messages of kind this side has sent.
func (s *MemorySignaler) Sent(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[kind]
}

func (s *MemorySignaler) deliver(ctx context.Context, message signalMessage) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()

	s.mu.Lock()
	session := s.session
	if session == nil {
		s.backlog = append(s.backlog, message)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	session.HandleSignal(ctx, message.kind, message.payload)
}
