// Copyright 2026 The Plink Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/Levi477/plink-revamp/lib/clock"
)

// Data channel labels. Both channels are ordered and reliable.
const (
	LabelControl = "control"
	LabelBulk    = "bulk"
)

// DefaultConnectTimeout bounds how long a Session may take to reach
// Connected before it fails.
const DefaultConnectTimeout = 30 * time.Second

// DefaultMaxICERestarts bounds the ICE restarts an initiator attempts
// after connectivity checks report disconnected.
const DefaultMaxICERestarts = 3

var (
	// ErrNegotiation means session setup failed: a malformed or
	// unexpected negotiation message, a pion error while applying one,
	// or no connection within the connect timeout.
	ErrNegotiation = errors.New("transport: negotiation failed")

	// ErrTransportLost means an established session lost connectivity.
	ErrTransportLost = errors.New("transport: connection lost")

	// ErrSessionClosed means the session was closed locally.
	ErrSessionClosed = errors.New("transport: session closed")
)

// State is a Session's position in its lifecycle.
type State int

const (
	StateIdle State = iota
	StateOffering
	StateAnswering
	StateNegotiating
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOffering:
		return "offering"
	case StateAnswering:
		return "answering"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// SessionConfig configures a Session.
type SessionConfig struct {
	ICE ICEConfig

	// ConnectTimeout defaults to DefaultConnectTimeout.
	ConnectTimeout time.Duration

	// MaxICERestarts defaults to DefaultMaxICERestarts. Negative
	// disables restarts.
	MaxICERestarts int

	Logger *slog.Logger
	Clock  clock.Clock
}

// Session is one peer's side of a WebRTC connection carrying a control
// and a bulk data channel. The initiator calls Start; the responder is
// driven entirely by HandleSignal. The Session is usable once Ready is
// closed, which happens only after both data channels have opened.
//
// Two locks guard a Session. negotiationMu serializes every pion
// negotiation call (Start, HandleSignal, ICE restart) and owns the
// remote candidate buffer. mu guards the state fields and is never held
// across a pion call, because pion invokes the Session's callbacks from
// its own goroutines.
type Session struct {
	signaler   Signaler
	logger     *slog.Logger
	clock      clock.Clock
	connection *webrtc.PeerConnection

	connectTimeout time.Duration
	maxRestarts    int

	negotiationMu sync.Mutex
	remoteSet     bool
	pending       []webrtc.ICECandidateInit

	mu            sync.Mutex
	state         State
	initiator     bool
	control       *Channel
	bulk          *Channel
	opened        map[string]bool
	everConnected bool
	restarts      int
	restarting    bool
	localSent     bool
	localPending  [][]byte
	err           error
	watchdog      *clock.Timer

	queueMu sync.Mutex
	queue   []signalMessage
	wake    chan struct{}

	pumpContext context.Context
	pumpCancel  context.CancelFunc

	ready        chan struct{}
	done         chan struct{}
	teardownOnce sync.Once
}

// NewSession creates a Session in the Idle state with a fresh
// PeerConnection. The connect watchdog starts immediately.
func NewSession(signaler Signaler, config SessionConfig) (*Session, error) {
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = DefaultConnectTimeout
	}
	if config.MaxICERestarts == 0 {
		config.MaxICERestarts = DefaultMaxICERestarts
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}

	connection, err := newPeerConnection(config.ICE)
	if err != nil {
		return nil, fmt.Errorf("creating PeerConnection: %w", err)
	}

	pumpContext, pumpCancel := context.WithCancel(context.Background())
	s := &Session{
		signaler:       signaler,
		logger:         config.Logger,
		clock:          config.Clock,
		connection:     connection,
		connectTimeout: config.ConnectTimeout,
		maxRestarts:    config.MaxICERestarts,
		opened:         make(map[string]bool),
		wake:           make(chan struct{}, 1),
		pumpContext:    pumpContext,
		pumpCancel:     pumpCancel,
		ready:          make(chan struct{}),
		done:           make(chan struct{}),
	}

	connection.OnICECandidate(s.handleLocalCandidate)
	connection.OnICEConnectionStateChange(s.handleICEStateChange)
	connection.OnConnectionStateChange(s.handleConnectionStateChange)
	connection.OnDataChannel(s.handleInboundDataChannel)

	s.watchdog = s.clock.AfterFunc(s.connectTimeout, func() {
		s.fail(fmt.Errorf("%w: not connected within %s", ErrNegotiation, s.connectTimeout))
	})

	go s.pump()
	return s, nil
}

// Start makes this Session the initiator: it creates both data
// channels and relays an offer.
func (s *Session) Start(ctx context.Context) error {
	s.negotiationMu.Lock()
	defer s.negotiationMu.Unlock()

	s.mu.Lock()
	if s.state != StateIdle {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: start in state %s", ErrNegotiation, state)
	}
	s.initiator = true
	s.mu.Unlock()

	ordered := true
	for _, label := range []string{LabelControl, LabelBulk} {
		dataChannel, err := s.connection.CreateDataChannel(label, &webrtc.DataChannelInit{Ordered: &ordered})
		if err != nil {
			return s.fail(fmt.Errorf("%w: creating %s channel: %w", ErrNegotiation, label, err))
		}
		s.attachChannel(dataChannel)
	}

	s.setState(StateOffering)
	if err := s.sendDescription(SignalOffer, nil); err != nil {
		return s.fail(err)
	}
	return nil
}

// HandleSignal applies a negotiation message from the remote side.
// Candidates that arrive before a remote description are buffered in
// arrival order and applied once the description is set. A malformed
// or unexpected message fails the Session with ErrNegotiation.
func (s *Session) HandleSignal(ctx context.Context, kind string, payload []byte) error {
	select {
	case <-s.done:
		return s.Err()
	default:
	}

	s.negotiationMu.Lock()
	defer s.negotiationMu.Unlock()

	var err error
	switch kind {
	case SignalOffer:
		err = s.handleOffer(payload)
	case SignalAnswer:
		err = s.handleAnswer(payload)
	case SignalICECandidate:
		err = s.handleRemoteCandidate(payload)
	default:
		err = fmt.Errorf("%w: unsupported signal %q", ErrNegotiation, kind)
	}
	if err != nil {
		return s.fail(err)
	}
	return nil
}

func (s *Session) handleOffer(payload []byte) error {
	description, err := decodeDescription(payload, webrtc.SDPTypeOffer)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.initiator {
		s.mu.Unlock()
		return fmt.Errorf("%w: offer received by the initiator", ErrNegotiation)
	}
	restart := s.state != StateIdle
	s.mu.Unlock()

	if !restart {
		s.setState(StateAnswering)
	}
	if err := s.connection.SetRemoteDescription(description); err != nil {
		return fmt.Errorf("%w: applying offer: %w", ErrNegotiation, err)
	}
	if err := s.flushRemoteCandidates(); err != nil {
		return err
	}
	if err := s.sendDescription(SignalAnswer, nil); err != nil {
		return err
	}
	if !restart {
		s.setState(StateNegotiating)
	}
	return nil
}

func (s *Session) handleAnswer(payload []byte) error {
	description, err := decodeDescription(payload, webrtc.SDPTypeAnswer)
	if err != nil {
		return err
	}

	s.mu.Lock()
	initiator := s.initiator
	state := s.state
	s.mu.Unlock()
	if !initiator {
		return fmt.Errorf("%w: answer received by the responder", ErrNegotiation)
	}
	if s.connection.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		s.logger.Warn("ignoring answer without an outstanding offer", "state", state.String())
		return nil
	}

	if err := s.connection.SetRemoteDescription(description); err != nil {
		return fmt.Errorf("%w: applying answer: %w", ErrNegotiation, err)
	}
	if err := s.flushRemoteCandidates(); err != nil {
		return err
	}

	s.mu.Lock()
	s.restarting = false
	s.mu.Unlock()
	if state == StateOffering {
		s.setState(StateNegotiating)
	}
	return nil
}

func (s *Session) handleRemoteCandidate(payload []byte) error {
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(payload, &candidate); err != nil {
		return fmt.Errorf("%w: decoding candidate: %w", ErrNegotiation, err)
	}
	if candidate.Candidate == "" {
		// End-of-candidates marker.
		return nil
	}
	if !s.remoteSet {
		s.pending = append(s.pending, candidate)
		return nil
	}
	if err := s.connection.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("%w: adding candidate: %w", ErrNegotiation, err)
	}
	return nil
}

// flushRemoteCandidates applies buffered candidates after a remote
// description has been set. Caller holds negotiationMu.
func (s *Session) flushRemoteCandidates() error {
	s.remoteSet = true
	pending := s.pending
	s.pending = nil
	for _, candidate := range pending {
		if err := s.connection.AddICECandidate(candidate); err != nil {
			return fmt.Errorf("%w: adding buffered candidate: %w", ErrNegotiation, err)
		}
	}
	return nil
}

// sendDescription creates an offer or answer, sets it locally and
// queues it for relay ahead of any candidates gathered for it. Caller
// holds negotiationMu.
func (s *Session) sendDescription(kind string, options *webrtc.OfferOptions) error {
	s.mu.Lock()
	s.localSent = false
	s.mu.Unlock()

	var description webrtc.SessionDescription
	var err error
	if kind == SignalOffer {
		description, err = s.connection.CreateOffer(options)
	} else {
		description, err = s.connection.CreateAnswer(nil)
	}
	if err != nil {
		return fmt.Errorf("%w: creating %s: %w", ErrNegotiation, kind, err)
	}
	if err := s.connection.SetLocalDescription(description); err != nil {
		return fmt.Errorf("%w: setting local %s: %w", ErrNegotiation, kind, err)
	}
	payload, err := json.Marshal(description)
	if err != nil {
		return fmt.Errorf("%w: encoding %s: %w", ErrNegotiation, kind, err)
	}

	s.mu.Lock()
	s.enqueue(kind, payload)
	for _, candidate := range s.localPending {
		s.enqueue(SignalICECandidate, candidate)
	}
	s.localPending = nil
	s.localSent = true
	s.mu.Unlock()
	return nil
}

func (s *Session) handleLocalCandidate(candidate *webrtc.ICECandidate) {
	if candidate == nil {
		return
	}
	payload, err := json.Marshal(candidate.ToJSON())
	if err != nil {
		s.logger.Warn("encoding local candidate failed", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.localSent {
		s.localPending = append(s.localPending, payload)
		return
	}
	s.enqueue(SignalICECandidate, payload)
}

func (s *Session) handleInboundDataChannel(dataChannel *webrtc.DataChannel) {
	switch dataChannel.Label() {
	case LabelControl, LabelBulk:
		s.attachChannel(dataChannel)
	default:
		s.logger.Warn("closing unexpected data channel", "label", dataChannel.Label())
		dataChannel.Close()
	}
}

func (s *Session) attachChannel(dataChannel *webrtc.DataChannel) {
	label := dataChannel.Label()
	channel := newChannel(dataChannel)

	s.mu.Lock()
	if label == LabelControl {
		s.control = channel
	} else {
		s.bulk = channel
	}
	s.mu.Unlock()

	dataChannel.OnOpen(func() { s.channelOpened(label) })
	dataChannel.OnClose(func() {
		s.mu.Lock()
		connected := s.everConnected
		s.mu.Unlock()
		if connected {
			s.fail(fmt.Errorf("%w: %s channel closed", ErrTransportLost, label))
		} else {
			s.fail(fmt.Errorf("%w: %s channel closed before connecting", ErrNegotiation, label))
		}
	})
}

// channelOpened marks one data channel open. The Session becomes
// Connected when both are open, regardless of the ICE state.
func (s *Session) channelOpened(label string) {
	s.mu.Lock()
	if s.state == StateFailed || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.opened[label] = true
	if !s.opened[LabelControl] || !s.opened[LabelBulk] || s.everConnected {
		s.mu.Unlock()
		return
	}
	s.everConnected = true
	previous := s.state
	s.state = StateConnected
	s.watchdog.Stop()
	close(s.ready)
	s.mu.Unlock()

	s.logger.Info("session connected", "from", previous.String(), "initiator", s.Initiator())
}

func (s *Session) handleICEStateChange(state webrtc.ICEConnectionState) {
	s.logger.Debug("ICE state change", "state", state.String())

	switch state {
	case webrtc.ICEConnectionStateDisconnected:
		s.mu.Lock()
		if s.state != StateConnected {
			s.mu.Unlock()
			return
		}
		s.state = StateDisconnected
		restart := s.initiator && !s.restarting && s.restarts < s.maxRestarts
		if restart {
			s.restarting = true
			s.restarts++
		}
		attempt := s.restarts
		s.mu.Unlock()

		s.logger.Warn("session disconnected", "restart", restart, "attempt", attempt)
		if restart {
			go s.restartICE()
		}

	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		s.mu.Lock()
		recovered := s.state == StateDisconnected
		if recovered {
			s.state = StateConnected
		}
		s.mu.Unlock()
		if recovered {
			s.logger.Info("session reconnected")
		}
	}
}

// restartICE renegotiates ICE credentials on the existing
// PeerConnection. Open data channels are untouched.
func (s *Session) restartICE() {
	s.negotiationMu.Lock()
	defer s.negotiationMu.Unlock()

	select {
	case <-s.done:
		return
	default:
	}
	if err := s.sendDescription(SignalOffer, &webrtc.OfferOptions{ICERestart: true}); err != nil {
		s.fail(fmt.Errorf("%w: ICE restart: %w", ErrTransportLost, err))
	}
}

func (s *Session) handleConnectionStateChange(state webrtc.PeerConnectionState) {
	s.logger.Debug("connection state change", "state", state.String())

	switch state {
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		s.mu.Lock()
		connected := s.everConnected
		s.mu.Unlock()
		if connected {
			s.fail(fmt.Errorf("%w: connection %s", ErrTransportLost, state))
		} else {
			s.fail(fmt.Errorf("%w: connection %s before connecting", ErrNegotiation, state))
		}
	}
}

// fail ends the Session with cause unless it already ended, and
// returns the error that ended it.
func (s *Session) fail(cause error) error {
	s.mu.Lock()
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return err
	}
	s.err = cause
	previous := s.state
	s.state = StateFailed
	if errors.Is(cause, ErrSessionClosed) {
		s.state = StateClosed
	}
	s.watchdog.Stop()
	close(s.done)
	s.mu.Unlock()

	s.pumpCancel()
	if errors.Is(cause, ErrSessionClosed) {
		s.logger.Info("session closed", "from", previous.String())
	} else {
		s.logger.Warn("session failed", "from", previous.String(), "error", cause)
	}

	// pion may be calling us from inside one of its callbacks, so the
	// PeerConnection is torn down on a separate goroutine.
	go s.teardown()
	return cause
}

func (s *Session) teardown() {
	s.teardownOnce.Do(func() {
		s.mu.Lock()
		channels := []*Channel{s.control, s.bulk}
		s.mu.Unlock()
		for _, channel := range channels {
			if channel != nil {
				channel.close()
			}
		}
		if err := s.connection.Close(); err != nil {
			s.logger.Debug("closing PeerConnection", "error", err)
		}
		s.setState(StateClosed)
	})
}

// Close ends the Session with ErrSessionClosed and releases the
// PeerConnection.
func (s *Session) Close() error {
	s.fail(ErrSessionClosed)
	s.teardown()
	return nil
}

// Ready is closed once both data channels are open.
func (s *Session) Ready() <-chan struct{} { return s.ready }

// Done is closed when the Session ends; Err then reports why.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the error that ended the Session, or nil while it is
// alive.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// WaitReady blocks until the Session is usable, fails, or ctx ends.
func (s *Session) WaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Initiator reports whether Start was called on this Session.
func (s *Session) Initiator() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initiator
}

// Control returns the control channel, or nil before it exists.
func (s *Session) Control() *Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.control
}

// Bulk returns the bulk channel, or nil before it exists.
func (s *Session) Bulk() *Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bulk
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	if s.state == StateFailed && state != StateClosed {
		s.mu.Unlock()
		return
	}
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	previous := s.state
	s.state = state
	s.mu.Unlock()
	if previous != state {
		s.logger.Debug("session state", "from", previous.String(), "to", state.String())
	}
}

// enqueue appends a message to the outbound signal queue. Caller holds
// mu, which orders descriptions against the candidates gathered for
// them.
func (s *Session) enqueue(kind string, payload []byte) {
	s.queueMu.Lock()
	s.queue = append(s.queue, signalMessage{kind: kind, payload: payload})
	s.queueMu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pump relays queued signals one at a time, in order.
func (s *Session) pump() {
	for {
		select {
		case <-s.wake:
		case <-s.done:
			return
		}
		for {
			s.queueMu.Lock()
			if len(s.queue) == 0 {
				s.queueMu.Unlock()
				break
			}
			message := s.queue[0]
			s.queue = s.queue[1:]
			s.queueMu.Unlock()

			if err := s.signaler.Signal(s.pumpContext, message.kind, message.payload); err != nil {
				select {
				case <-s.done:
				default:
					s.fail(fmt.Errorf("%w: relaying %s: %w", ErrNegotiation, message.kind, err))
				}
				return
			}
		}
	}
}

func decodeDescription(payload []byte, want webrtc.SDPType) (webrtc.SessionDescription, error) {
	var description webrtc.SessionDescription
	if err := json.Unmarshal(payload, &description); err != nil {
		return description, fmt.Errorf("%w: decoding %s: %w", ErrNegotiation, want, err)
	}
	if description.Type != want {
		return description, fmt.Errorf("%w: got %s description, want %s", ErrNegotiation, description.Type, want)
	}
	if description.SDP == "" {
		return description, fmt.Errorf("%w: empty %s description", ErrNegotiation, want)
	}
	return description, nil
}

// newPeerConnection creates a pion PeerConnection. Loopback candidates
// are included so peers on the same machine (and tests) can connect.
func newPeerConnection(iceConfig ICEConfig) (*webrtc.PeerConnection, error) {
	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	return api.NewPeerConnection(webrtc.Configuration{ICEServers: iceConfig.Servers})
}
