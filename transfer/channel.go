// Copyright 2026 The Plink Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"errors"
	"sync"
)

// Channel is the ordered, reliable message channel an Engine runs on.
// transport.Channel (the session's bulk data channel) implements it;
// MemoryChannel is the in-process double.
type Channel interface {
	// Send sends a binary message.
	Send(data []byte) error

	// SendText sends a text message.
	SendText(text string) error

	// BufferedAmount returns the bytes queued but not yet sent.
	BufferedAmount() uint64

	// SetBufferedAmountLowThreshold sets the low-water level.
	SetBufferedAmountLowThreshold(threshold uint64)

	// OnBufferedAmountLow registers f to run whenever the buffered
	// amount drops from above the low-water level to at or below it.
	OnBufferedAmountLow(f func())

	// OnMessage registers the handler for inbound messages. Handlers
	// run one at a time, in arrival order.
	OnMessage(f func(binary bool, data []byte))
}

// ErrChannelClosed is returned by MemoryChannel sends after Close.
var ErrChannelClosed = errors.New("transfer: memory channel closed")

// Compile-time interface check.
var _ Channel = (*MemoryChannel)(nil)

// MemoryChannel is one end of an in-process Channel pair. Sent
// messages count toward BufferedAmount until the peer's handler has
// returned, so a slow or paused receiver exerts backpressure the same
// way a congested data channel does.
type MemoryChannel struct {
	peer *MemoryChannel

	mu          sync.Mutex
	queue       []memoryMessage
	buffered    uint64
	maxBuffered uint64
	threshold   uint64
	onLow       func()
	paused      bool
	closed      bool
	filter      func(binary bool, data []byte) int
	wake        chan struct{}

	// handlerMu guards handler and backlog. Handler calls are
	// serialized by deliverLoop.
	handlerMu sync.Mutex
	handler   func(binary bool, data []byte)
	backlog   []memoryMessage

	done chan struct{}
}

type memoryMessage struct {
	binary bool
	data   []byte
}

// NewMemoryChannelPair returns two connected MemoryChannels.
func NewMemoryChannelPair() (*MemoryChannel, *MemoryChannel) {
	left := newMemoryChannel()
	right := newMemoryChannel()
	left.peer = right
	right.peer = left
	go left.deliverLoop()
	go right.deliverLoop()
	return left, right
}

func newMemoryChannel() *MemoryChannel {
	return &MemoryChannel{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Send queues a binary message for the peer.
func (c *MemoryChannel) Send(data []byte) error {
	return c.enqueue(memoryMessage{binary: true, data: append([]byte(nil), data...)})
}

// SendText queues a text message for the peer.
func (c *MemoryChannel) SendText(text string) error {
	return c.enqueue(memoryMessage{data: []byte(text)})
}

// BufferedAmount returns the bytes sent but not yet handled by the peer.
func (c *MemoryChannel) BufferedAmount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffered
}

// MaxBuffered returns the highest BufferedAmount observed right after
// a send.
func (c *MemoryChannel) MaxBuffered() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxBuffered
}

func (c *MemoryChannel) SetBufferedAmountLowThreshold(threshold uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.threshold = threshold
}

func (c *MemoryChannel) OnBufferedAmountLow(f func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLow = f
}

// OnMessage registers the inbound handler. Messages that arrived
// earlier are delivered first, outside the lock, so a handler that
// blocks until its consumer runs cannot wedge delivery.
func (c *MemoryChannel) OnMessage(f func(binary bool, data []byte)) {
	for {
		c.handlerMu.Lock()
		backlog := c.backlog
		c.backlog = nil
		if len(backlog) == 0 {
			c.handler = f
			c.handlerMu.Unlock()
			return
		}
		c.handlerMu.Unlock()
		for _, message := range backlog {
			f(message.binary, message.data)
		}
	}
}

// Pause stops delivery of this end's outbound messages until Resume.
func (c *MemoryChannel) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = true
}

// Resume restarts delivery after Pause.
func (c *MemoryChannel) Resume() {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
	c.notify()
}

// SetFilter installs a hook consulted for every outbound message as it
// is delivered. It returns how many times to deliver the message: 0
// drops it, 2 duplicates it.
func (c *MemoryChannel) SetFilter(filter func(binary bool, data []byte) int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filter = filter
}

// Close stops both ends. Pending messages are discarded.
func (c *MemoryChannel) Close() error {
	c.shutdown()
	c.peer.shutdown()
	return nil
}

func (c *MemoryChannel) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.queue = nil
	close(c.done)
}

func (c *MemoryChannel) enqueue(message memoryMessage) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	c.queue = append(c.queue, message)
	c.buffered += uint64(len(message.data))
	c.maxBuffered = max(c.maxBuffered, c.buffered)
	c.mu.Unlock()
	c.notify()
	return nil
}

func (c *MemoryChannel) notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// deliverLoop hands this end's outbound messages to the peer's
// handler, one at a time.
func (c *MemoryChannel) deliverLoop() {
	for {
		select {
		case <-c.wake:
		case <-c.done:
			return
		}
		for {
			c.mu.Lock()
			if c.closed || c.paused || len(c.queue) == 0 {
				c.mu.Unlock()
				break
			}
			message := c.queue[0]
			c.queue = c.queue[1:]
			filter := c.filter
			c.mu.Unlock()

			copies := 1
			if filter != nil {
				copies = filter(message.binary, message.data)
			}
			for range copies {
				c.peer.receive(message)
			}

			c.mu.Lock()
			before := c.buffered
			c.buffered -= uint64(len(message.data))
			var onLow func()
			if before > c.threshold && c.buffered <= c.threshold {
				onLow = c.onLow
			}
			c.mu.Unlock()
			if onLow != nil {
				onLow()
			}
		}
	}
}

func (c *MemoryChannel) receive(message memoryMessage) {
	c.handlerMu.Lock()
	handler := c.handler
	if handler == nil {
		c.backlog = append(c.backlog, message)
		c.handlerMu.Unlock()
		return
	}
	c.handlerMu.Unlock()
	handler(message.binary, message.data)
}
