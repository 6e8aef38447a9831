// Copyright 2026 The Plink Authors
// SPDX-License-Identifier: Apache-2.0

package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/Levi477/plink-revamp/lib/clock"
	"github.com/Levi477/plink-revamp/lib/config"
	"github.com/Levi477/plink-revamp/rendezvous"
	"github.com/Levi477/plink-revamp/transfer"
	"github.com/Levi477/plink-revamp/transport"
)

var (
	// ErrNotRunning is returned by operations that need Run to be
	// active.
	ErrNotRunning = errors.New("peer: not running")

	// ErrStopped is returned to waiters once Run has returned.
	ErrStopped = errors.New("peer: stopped")
)

// AddressMDNS as the rendezvous address discovers a coordinator on the
// local network.
const AddressMDNS = "mdns"

// DefaultDiscoveryTimeout bounds mDNS discovery.
const DefaultDiscoveryTimeout = 5 * time.Second

// sessionGrace bounds how long SendFile waits for a session whose
// channel refused a send to report why.
const sessionGrace = 2 * time.Second

// Config configures a Peer.
type Config struct {
	// Rendezvous is the coordinator address (see rendezvous.Dial) or
	// AddressMDNS.
	Rendezvous string

	Room   string
	Secret string

	ICE            transport.ICEConfig
	ConnectTimeout time.Duration
	MaxICERestarts int

	// Transfer configures the engine bound to every session. Its
	// Logger and Clock default to the Peer's.
	Transfer transfer.Config

	// OnChat receives chat messages from the other peer. Optional.
	OnChat func(ChatMessage)

	// OnConnected is called each time a session becomes usable, and
	// OnDisconnected each time one ends. Optional.
	OnConnected    func(remote string)
	OnDisconnected func(remote string, err error)

	Logger *slog.Logger
	Clock  clock.Clock
}

// ConfigFromSettings builds a Config from a configuration file. Room,
// secret, callbacks, the chunk store and the logger are left for the
// caller.
func ConfigFromSettings(settings *config.Config) (Config, error) {
	transferConfig, err := transfer.ConfigFromSettings(settings.Transfer)
	if err != nil {
		return Config{}, err
	}
	transferConfig.DownloadDir = settings.Peer.DownloadDir
	if settings.Peer.StateDir != "" {
		transferConfig.PartDir = filepath.Join(settings.Peer.StateDir, "parts")
	}
	return Config{
		Rendezvous:     settings.Peer.Rendezvous,
		ICE:            transport.ICEConfigFromSettings(settings.Peer.ICEServers),
		ConnectTimeout: settings.Peer.ConnectTimeout.Std(),
		MaxICERestarts: settings.Peer.MaxICERestarts,
		Transfer:       transferConfig,
	}, nil
}

// link is one pairing with a remote member: a session and, once it is
// connected, the engine on its bulk channel.
type link struct {
	remote  string
	session *transport.Session
	engine  *transfer.Engine

	// ready is closed once engine is set.
	ready chan struct{}
}

// Peer is one side of a plink room. Run drives it; the other methods
// may be called from any goroutine while Run is active.
type Peer struct {
	config Config
	logger *slog.Logger
	clock  clock.Clock

	mu      sync.Mutex
	client  *rendezvous.Client
	joined  rendezvous.JoinResult
	link    *link
	changed chan struct{}
	running bool
	leaving bool

	done chan struct{}
}

// New returns a Peer for config. Nothing connects until Run.
func New(config Config) (*Peer, error) {
	if config.Rendezvous == "" {
		return nil, errors.New("peer: rendezvous address is required")
	}
	if config.Room == "" {
		return nil, errors.New("peer: room is required")
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Transfer.Logger == nil {
		config.Transfer.Logger = config.Logger
	}
	if config.Transfer.Clock == nil {
		config.Transfer.Clock = config.Clock
	}
	return &Peer{
		config:  config,
		logger:  config.Logger,
		clock:   config.Clock,
		changed: make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Run connects to the coordinator, joins the room and handles
// rendezvous events until ctx is cancelled, Leave is called or the
// coordinator connection fails. The first two return nil.
func (p *Peer) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return errors.New("peer: Run called twice")
	}
	p.running = true
	p.mu.Unlock()
	defer close(p.done)

	address := p.config.Rendezvous
	if address == AddressMDNS {
		discovered, err := rendezvous.Discover(ctx, DefaultDiscoveryTimeout)
		if err != nil {
			return fmt.Errorf("peer: discovering rendezvous: %w", err)
		}
		p.logger.Info("discovered rendezvous", "address", discovered)
		address = discovered
	}

	client, err := rendezvous.Dial(ctx, address, p.logger)
	if err != nil {
		return err
	}
	defer client.Close()

	joined, err := client.Join(ctx, p.config.Room, p.config.Secret)
	if err != nil {
		return fmt.Errorf("peer: joining room %s: %w", p.config.Room, err)
	}
	p.mu.Lock()
	p.client = client
	p.joined = joined
	p.mu.Unlock()
	p.logger.Info("joined room",
		"room", joined.Room,
		"member", joined.MemberID,
		"position", joined.Position,
	)

	defer p.closeLink()

	for {
		select {
		case message, ok := <-client.Events():
			if !ok {
				if p.isLeaving() {
					return nil
				}
				return fmt.Errorf("peer: rendezvous connection lost: %w", client.Err())
			}
			p.handleEvent(ctx, client, message)
		case <-ctx.Done():
			leaveCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			client.Leave(leaveCtx)
			cancel()
			return nil
		}
	}
}

func (p *Peer) handleEvent(ctx context.Context, client *rendezvous.Client, message rendezvous.Message) {
	switch message.Type {
	case rendezvous.TypeUserConnected:
		// Whoever was seated first initiates.
		p.logger.Info("peer joined", "peer", message.Peer)
		p.closeLink()
		current, err := p.openLink(client, message.Peer)
		if err != nil {
			p.logger.Error("creating session failed", "error", err)
			return
		}
		if err := current.session.Start(ctx); err != nil {
			p.logger.Error("starting session failed", "error", err)
		}

	case rendezvous.TypeOffer, rendezvous.TypeAnswer, rendezvous.TypeICECandidate:
		current := p.currentLink()
		if current != nil && message.From != "" && current.remote != "" && message.From != current.remote {
			p.logger.Debug("dropping negotiation from a previous peer", "from", message.From, "type", message.Type)
			return
		}
		if current == nil {
			if message.Type != rendezvous.TypeOffer {
				p.logger.Debug("negotiation message before offer", "type", message.Type)
				return
			}
			var err error
			current, err = p.openLink(client, message.From)
			if err != nil {
				p.logger.Error("creating session failed", "error", err)
				return
			}
		}
		if err := current.session.HandleSignal(ctx, message.Type, message.Payload); err != nil {
			p.logger.Warn("negotiation failed", "type", message.Type, "error", err)
		}

	case rendezvous.TypeUserDisconnected:
		p.logger.Info("peer left", "peer", message.Peer)
		p.closeLink()

	case rendezvous.TypeWaitingForPeer:
		p.logger.Info("waiting for peer", "room", message.Room)

	case rendezvous.TypeError:
		p.logger.Warn("rendezvous error", "code", message.Code, "reason", message.Reason)

	default:
		p.logger.Debug("ignoring rendezvous message", "type", message.Type)
	}
}

// openLink creates a session for remote and installs it as the current
// link. A goroutine binds the engine once the session is ready and
// tears the link down when the session ends.
func (p *Peer) openLink(client *rendezvous.Client, remote string) (*link, error) {
	signaler := transport.SignalerFunc(func(ctx context.Context, kind string, payload []byte) error {
		return client.RelayTo(ctx, remote, kind, payload)
	})
	session, err := transport.NewSession(signaler, transport.SessionConfig{
		ICE:            p.config.ICE,
		ConnectTimeout: p.config.ConnectTimeout,
		MaxICERestarts: p.config.MaxICERestarts,
		Logger:         p.logger.With("peer", remote),
		Clock:          p.clock,
	})
	if err != nil {
		return nil, err
	}

	current := &link{remote: remote, session: session, ready: make(chan struct{})}
	p.mu.Lock()
	p.link = current
	p.notifyLocked()
	p.mu.Unlock()

	go p.superviseLink(current)
	return current, nil
}

func (p *Peer) superviseLink(current *link) {
	session := current.session
	select {
	case <-session.Ready():
	case <-session.Done():
		p.finishLink(current, session.Err())
		return
	}

	engine, err := transfer.NewEngine(session.Bulk(), p.config.Transfer)
	if err != nil {
		p.logger.Error("creating transfer engine failed", "error", err)
		session.Close()
		p.finishLink(current, err)
		return
	}
	session.Control().OnMessage(p.handleControl)

	p.mu.Lock()
	current.engine = engine
	close(current.ready)
	p.notifyLocked()
	p.mu.Unlock()

	p.logger.Info("connected", "peer", current.remote)
	if p.config.OnConnected != nil {
		p.config.OnConnected(current.remote)
	}

	<-session.Done()
	engine.Abort(session.Err())
	engine.Close()
	p.finishLink(current, session.Err())
}

func (p *Peer) finishLink(current *link, err error) {
	p.mu.Lock()
	if p.link == current {
		p.link = nil
		p.notifyLocked()
	}
	p.mu.Unlock()

	p.logger.Info("session ended", "peer", current.remote, "error", err)
	if p.config.OnDisconnected != nil {
		p.config.OnDisconnected(current.remote, err)
	}
}

// closeLink closes the current session. superviseLink clears the link
// once the session is done.
func (p *Peer) closeLink() {
	if current := p.currentLink(); current != nil {
		current.session.Close()
	}
}

func (p *Peer) currentLink() *link {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.link
}

// notifyLocked wakes everything waiting for the link to change.
func (p *Peer) notifyLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

func (p *Peer) isLeaving() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.leaving
}

// connectedLink blocks until a session is usable.
func (p *Peer) connectedLink(ctx context.Context) (*link, error) {
	for {
		p.mu.Lock()
		current := p.link
		changed := p.changed
		p.mu.Unlock()

		var ready chan struct{}
		if current != nil {
			ready = current.ready
		}
		select {
		case <-ready:
			return current, nil
		case <-changed:
		case <-p.done:
			return nil, ErrStopped
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// WaitConnected blocks until a session with the other peer is usable.
func (p *Peer) WaitConnected(ctx context.Context) error {
	_, err := p.connectedLink(ctx)
	return err
}

// Joined returns the result of joining the room. It is zero until Run
// has joined.
func (p *Peer) Joined() rendezvous.JoinResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.joined
}

// SendFile waits for a usable session and sends source over it.
func (p *Peer) SendFile(ctx context.Context, source transfer.Source) (transfer.SendResult, error) {
	current, err := p.connectedLink(ctx)
	if err != nil {
		return transfer.SendResult{}, err
	}
	result, err := current.engine.SendFile(ctx, source)
	if errors.Is(err, transfer.ErrChannel) {
		err = p.sessionCause(current, err)
	}
	return result, err
}

// sessionCause waits up to sessionGrace for current's session to end
// and returns its error wrapping err. The data channel can fail a send
// before the session observes the loss.
func (p *Peer) sessionCause(current *link, err error) error {
	select {
	case <-current.session.Done():
	case <-p.clock.After(sessionGrace):
		return err
	}
	cause := current.session.Err()
	if cause == nil {
		return err
	}
	return fmt.Errorf("%w: %w", cause, err)
}

// Leave leaves the room and stops Run.
func (p *Peer) Leave(ctx context.Context) error {
	p.mu.Lock()
	client := p.client
	if client == nil {
		p.mu.Unlock()
		return ErrNotRunning
	}
	p.leaving = true
	p.mu.Unlock()

	p.closeLink()
	err := client.Leave(ctx)
	client.Close()
	return err
}

// Done is closed when Run returns.
func (p *Peer) Done() <-chan struct{} { return p.done }
