// Copyright 2026 The Plink Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// Channel is one of a Session's two data channels. It wraps the pion
// DataChannel so that messages arriving before a consumer registers
// its handler are held rather than dropped.
type Channel struct {
	dataChannel *webrtc.DataChannel

	mu      sync.Mutex
	handler func(binary bool, data []byte)
	backlog []webrtc.DataChannelMessage
}

func newChannel(dataChannel *webrtc.DataChannel) *Channel {
	channel := &Channel{dataChannel: dataChannel}
	dataChannel.OnMessage(channel.deliver)
	return channel
}

// Label returns the data channel label ("control" or "bulk").
func (c *Channel) Label() string { return c.dataChannel.Label() }

// Send sends a binary message.
func (c *Channel) Send(data []byte) error { return c.dataChannel.Send(data) }

// SendText sends a text message.
func (c *Channel) SendText(text string) error { return c.dataChannel.SendText(text) }

// BufferedAmount returns the number of bytes queued but not yet sent.
func (c *Channel) BufferedAmount() uint64 { return c.dataChannel.BufferedAmount() }

// SetBufferedAmountLowThreshold sets the level at which the handler
// registered with OnBufferedAmountLow fires.
func (c *Channel) SetBufferedAmountLowThreshold(threshold uint64) {
	c.dataChannel.SetBufferedAmountLowThreshold(threshold)
}

// OnBufferedAmountLow registers f to run whenever the buffered amount
// drops below the low threshold.
func (c *Channel) OnBufferedAmountLow(f func()) { c.dataChannel.OnBufferedAmountLow(f) }

// OnMessage registers the message handler. Messages that arrived
// before registration are delivered first, in arrival order, on the
// calling goroutine and outside the lock; messages arriving meanwhile
// join the backlog. Handlers run one at a time.
func (c *Channel) OnMessage(f func(binary bool, data []byte)) {
	for {
		c.mu.Lock()
		backlog := c.backlog
		c.backlog = nil
		if len(backlog) == 0 {
			c.handler = f
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		for _, message := range backlog {
			f(!message.IsString, message.Data)
		}
	}
}

func (c *Channel) deliver(message webrtc.DataChannelMessage) {
	c.mu.Lock()
	handler := c.handler
	if handler == nil {
		c.backlog = append(c.backlog, message)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	handler(!message.IsString, message.Data)
}

func (c *Channel) close() error { return c.dataChannel.Close() }
