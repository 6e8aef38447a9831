// Copyright 2026 The Plink Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Levi477/plink-revamp/lib/chunkstore"
	"github.com/Levi477/plink-revamp/lib/clock"
	"github.com/Levi477/plink-revamp/lib/config"
)

var (
	// ErrAckTimeout means every chunk was sent but the receiver never
	// confirmed the artifact.
	ErrAckTimeout = errors.New("transfer: no completion acknowledgment")

	// ErrValidation means the reassembled artifact did not match the
	// declared size, chunk count or checksum, or a push transfer
	// stalled.
	ErrValidation = errors.New("transfer: artifact failed validation")

	// ErrRemote means the other peer ended the transfer with a
	// transfer-error frame.
	ErrRemote = errors.New("transfer: failed by remote peer")

	// ErrAbandoned means a chunk request ran out of retries.
	ErrAbandoned = errors.New("transfer: chunk requests exhausted")

	// ErrProtocol covers malformed or inconsistent frames.
	ErrProtocol = errors.New("transfer: protocol violation")

	// ErrEngineClosed is the cause used by Close.
	ErrEngineClosed = errors.New("transfer: engine closed")

	// ErrChannel means the underlying channel refused a send while the
	// engine was still running.
	ErrChannel = errors.New("transfer: channel send failed")

	// ErrStore means neither the direct-to-disk sink nor the chunk
	// store could hold an incoming transfer.
	ErrStore = errors.New("transfer: no chunk sink available")
)

// Mode selects who drives chunk delivery.
type Mode string

const (
	// ModePull has the receiver request each chunk, with retries.
	ModePull Mode = "pull"

	// ModePush has the sender stream every chunk unprompted.
	ModePush Mode = "push"
)

// ParseMode parses a configured mode. The empty string selects
// ModePull.
func ParseMode(name string) (Mode, error) {
	switch Mode(name) {
	case "":
		return ModePull, nil
	case ModePull, ModePush:
		return Mode(name), nil
	}
	return "", fmt.Errorf("unknown transfer mode %q", name)
}

// maxChunkMetaBytes bounds the encoded size of a chunk-meta frame.
const maxChunkMetaBytes = 160

// Config tunes an Engine. Zero values take the defaults noted on each
// field.
type Config struct {
	// ChunkSize defaults to 16 KiB.
	ChunkSize int

	// HighWaterMark defaults to 16 chunks. A chunk is only sent when
	// the channel's buffered amount plus the chunk stays at or below it.
	HighWaterMark uint64

	// LowWaterMark defaults to 4 chunks. Waiting senders resume when
	// the buffered amount drains to it.
	LowWaterMark uint64

	// AckTimeout defaults to 30s. It runs from the last chunk sent.
	AckTimeout time.Duration

	// RequestTimeout defaults to 5s.
	RequestTimeout time.Duration

	// MaxRequestRetries defaults to 5.
	MaxRequestRetries int

	// PullWindow defaults to 4 outstanding requests.
	PullWindow int

	// StallTimeout defaults to 60s.
	StallTimeout time.Duration

	// MaxRecoveries is how often a pull transfer that failed
	// validation is fetched again from scratch. Zero disables it.
	MaxRecoveries int

	// Mode is used for outbound transfers and defaults to ModePull.
	// Inbound transfers follow the sender's mode.
	Mode Mode

	// Compression defaults to CompressionDeflate.
	Compression Compression

	// DownloadDir receives finished artifacts. Defaults to ".".
	DownloadDir string

	// PartDir holds direct-to-disk part files. Empty disables the
	// disk sink.
	PartDir string

	// SpoolDir holds compressed payloads while they are sent.
	// Defaults to os.TempDir().
	SpoolDir string

	// Store is the fallback sink and keeps transfer metadata. Optional.
	Store *chunkstore.Store

	// Observer receives transfer events. It is called from engine
	// goroutines and must not block.
	Observer func(Event)

	Logger *slog.Logger
	Clock  clock.Clock
}

// ConfigFromSettings converts the transfer section of the
// configuration file. Directories, store, observer, logger and clock
// are left for the caller.
func ConfigFromSettings(settings config.TransferConfig) (Config, error) {
	mode, err := ParseMode(settings.Mode)
	if err != nil {
		return Config{}, err
	}
	compression, err := ParseCompression(settings.Compression)
	if err != nil {
		return Config{}, err
	}
	return Config{
		ChunkSize:         settings.ChunkSize,
		HighWaterMark:     uint64(max(settings.HighWaterMark, 0)),
		LowWaterMark:      uint64(max(settings.LowWaterMark, 0)),
		AckTimeout:        settings.AckTimeout.Std(),
		RequestTimeout:    settings.RequestTimeout.Std(),
		MaxRequestRetries: settings.MaxRequestRetries,
		PullWindow:        settings.PullWindow,
		StallTimeout:      settings.StallTimeout.Std(),
		MaxRecoveries:     settings.MaxRecoveries,
		Mode:              mode,
		Compression:       compression,
	}, nil
}

func (c *Config) applyDefaults() {
	if c.ChunkSize == 0 {
		c.ChunkSize = 16 * 1024
	}
	if c.HighWaterMark == 0 {
		c.HighWaterMark = 16 * uint64(c.ChunkSize)
	}
	if c.LowWaterMark == 0 {
		c.LowWaterMark = 4 * uint64(c.ChunkSize)
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = 30 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 5 * time.Second
	}
	if c.MaxRequestRetries == 0 {
		c.MaxRequestRetries = 5
	}
	if c.PullWindow == 0 {
		c.PullWindow = 4
	}
	if c.StallTimeout == 0 {
		c.StallTimeout = 60 * time.Second
	}
	if c.Mode == "" {
		c.Mode = ModePull
	}
	if c.Compression == "" {
		c.Compression = CompressionDeflate
	}
	if c.DownloadDir == "" {
		c.DownloadDir = "."
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
}

func (c *Config) validate() error {
	var errs []error
	if c.ChunkSize < 1 || c.ChunkSize > config.MaxChunkSize {
		errs = append(errs, fmt.Errorf("chunk size %d outside 1..%d", c.ChunkSize, config.MaxChunkSize))
	}
	if c.HighWaterMark < c.LowWaterMark+uint64(max(c.ChunkSize, 0))+maxChunkMetaBytes {
		errs = append(errs, fmt.Errorf("high water mark %d must be at least low water mark %d plus one chunk and its %d-byte header",
			c.HighWaterMark, c.LowWaterMark, maxChunkMetaBytes))
	}
	for name, value := range map[string]time.Duration{
		"ack timeout":     c.AckTimeout,
		"request timeout": c.RequestTimeout,
		"stall timeout":   c.StallTimeout,
	} {
		if value < 0 {
			errs = append(errs, fmt.Errorf("%s is negative", name))
		}
	}
	if c.MaxRequestRetries < 0 || c.PullWindow < 0 || c.MaxRecoveries < 0 {
		errs = append(errs, errors.New("retry, window and recovery counts must not be negative"))
	}
	if _, err := ParseMode(string(c.Mode)); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseCompression(string(c.Compression)); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Direction tells sending from receiving in events.
type Direction int

const (
	Sending Direction = iota
	Receiving
)

func (d Direction) String() string {
	if d == Sending {
		return "sending"
	}
	return "receiving"
}

// EventKind is the kind of an Event.
type EventKind int

const (
	EventStarted EventKind = iota
	EventProgress
	EventCompleted
	EventFailed
)

func (k EventKind) String() string {
	switch k {
	case EventStarted:
		return "started"
	case EventProgress:
		return "progress"
	case EventCompleted:
		return "completed"
	case EventFailed:
		return "failed"
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event reports transfer lifecycle and progress.
type Event struct {
	Kind       EventKind
	Direction  Direction
	TransferID string
	Name       string

	// Size is the original size; Bytes counts chunk bytes moved so far.
	Size   int64
	Bytes  int64
	Chunks int
	Done   int

	Elapsed time.Duration

	// Throughput is bytes per second since the previous progress event.
	Throughput float64

	// Path is set on a completed receive.
	Path string

	// Err is set on EventFailed.
	Err error
}

// Engine runs the transfer protocol over one Channel. One outbound
// transfer runs at a time; inbound transfers are handled by a single
// loop goroutine that owns all receive state.
type Engine struct {
	channel Channel
	config  Config
	logger  *slog.Logger
	clock   clock.Clock

	inbound  chan inboundMessage
	timers   chan func()
	lowWater chan struct{}
	sendSlot chan struct{}

	// sendMu keeps a chunk-meta frame and its payload adjacent.
	sendMu sync.Mutex

	mu       sync.Mutex
	outbound *outboundTransfer
	err      error

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	loopDone chan struct{}

	// Owned by loop.
	incoming  map[string]*inboundTransfer
	expecting *chunkMeta
}

type inboundMessage struct {
	binary bool
	data   []byte
}

// NewEngine binds an Engine to channel and starts its loop.
func NewEngine(channel Channel, config Config) (*Engine, error) {
	config.applyDefaults()
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("transfer: invalid config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		channel:  channel,
		config:   config,
		logger:   config.Logger,
		clock:    config.Clock,
		inbound:  make(chan inboundMessage, 64),
		timers:   make(chan func(), 64),
		lowWater: make(chan struct{}, 1),
		sendSlot: make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
		incoming: make(map[string]*inboundTransfer),
	}

	channel.SetBufferedAmountLowThreshold(config.LowWaterMark)
	channel.OnBufferedAmountLow(func() {
		select {
		case e.lowWater <- struct{}{}:
		default:
		}
	})
	// The loop must be draining inbound before OnMessage replays
	// messages that arrived ahead of the engine.
	go e.loop()
	channel.OnMessage(e.handleMessage)
	return e, nil
}

// Abort fails every in-flight transfer with an error wrapping cause and
// stops the engine. The peer layer calls it with the session's error
// when the transport goes away.
func (e *Engine) Abort(cause error) {
	if cause == nil {
		cause = ErrEngineClosed
	}
	e.mu.Lock()
	if e.err != nil {
		e.mu.Unlock()
		return
	}
	e.err = fmt.Errorf("transfer: aborted: %w", cause)
	close(e.done)
	e.mu.Unlock()
	e.cancel()
}

// Close aborts with ErrEngineClosed and waits for receive state to be
// cleaned up.
func (e *Engine) Close() error {
	e.Abort(ErrEngineClosed)
	<-e.loopDone
	return nil
}

// Done is closed when the engine stops.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Err returns the error that stopped the engine, or nil.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// handleMessage runs on the channel's read goroutine. Blocking here
// when the loop falls behind pushes back on the transport.
func (e *Engine) handleMessage(binary bool, data []byte) {
	select {
	case e.inbound <- inboundMessage{binary: binary, data: data}:
	case <-e.done:
	}
}

// post runs fn on the loop goroutine. Timer callbacks use it so that
// receive state is only touched by the loop.
func (e *Engine) post(fn func()) {
	select {
	case e.timers <- fn:
	case <-e.done:
	}
}

func (e *Engine) loop() {
	defer close(e.loopDone)
	for {
		select {
		case message := <-e.inbound:
			e.dispatch(message)
		case fn := <-e.timers:
			fn()
		case <-e.done:
			e.abortIncoming()
			return
		}
	}
}

func (e *Engine) dispatch(message inboundMessage) {
	if message.binary {
		e.handlePayload(message.data)
		return
	}

	frame, err := decodeFrame(message.data)
	if err != nil {
		e.logger.Warn("dropping control frame", "error", err)
		return
	}

	switch frame := frame.(type) {
	case *fileMetadata:
		e.startIncoming(*frame)
	case *chunkMeta:
		if e.expecting != nil {
			e.logger.Warn("chunk-meta without payload",
				"transfer_id", e.expecting.TransferID,
				"chunk", e.expecting.ChunkIndex,
			)
		}
		e.expecting = frame
	case *requestChunk:
		if out := e.currentOutbound(frame.TransferID); out != nil {
			out.request(frame.ChunkIndex)
		} else {
			e.logger.Debug("request for unknown transfer", "transfer_id", frame.TransferID)
		}
	case *completeAck:
		if out := e.currentOutbound(frame.TransferID); out != nil {
			out.acknowledge()
		}
	case *transferError:
		remote := fmt.Errorf("%w: %s: %s", ErrRemote, frame.Code, frame.Error)
		if out := e.currentOutbound(frame.TransferID); out != nil {
			out.fail(remote)
			return
		}
		if in := e.incoming[frame.TransferID]; in != nil {
			e.failIncoming(in, "", remote)
		}
	}
}

func (e *Engine) currentOutbound(transferID string) *outboundTransfer {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.outbound != nil && e.outbound.metadata.TransferID == transferID {
		return e.outbound
	}
	return nil
}

// sendFrame sends a control frame.
func (e *Engine) sendFrame(frame any) error {
	encoded, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	if err := e.channel.SendText(string(encoded)); err != nil {
		return e.channelError(err)
	}
	return nil
}

// sendError tells the remote side a transfer is over. Failures are
// only logged: the transfer is already failing locally.
func (e *Engine) sendError(transferID, code string, cause error) {
	err := e.sendFrame(transferError{
		Type:       frameError,
		TransferID: transferID,
		Code:       code,
		Error:      cause.Error(),
	})
	if err != nil {
		e.logger.Debug("sending transfer-error failed", "transfer_id", transferID, "error", err)
	}
}

// channelError prefers the engine's abort cause over the channel's own
// error once the engine has stopped.
func (e *Engine) channelError(err error) error {
	select {
	case <-e.done:
		return e.Err()
	default:
		return fmt.Errorf("%w: %w", ErrChannel, err)
	}
}

func (e *Engine) emit(event Event) {
	if e.config.Observer != nil {
		e.config.Observer(event)
	}
}

// chunkCount is ceil(size / chunkSize).
func chunkCount(size int64, chunkSize int) int {
	if size <= 0 {
		return 0
	}
	return int((size + int64(chunkSize) - 1) / int64(chunkSize))
}
