// Copyright 2026 The Plink Authors
// SPDX-License-Identifier: Apache-2.0

package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const frameChat = "chat"

// ChatMessage is a text message from the other peer.
type ChatMessage struct {
	Text string

	// SentAt is the sender's clock.
	SentAt time.Time
}

// chatFrame travels on the control channel. SentAt is Unix
// milliseconds.
type chatFrame struct {
	Type   string `json:"type"`
	Text   string `json:"text"`
	SentAt int64  `json:"sentAt"`
}

// SendChat waits for a usable session and sends text on its control
// channel.
func (p *Peer) SendChat(ctx context.Context, text string) error {
	if text == "" {
		return errors.New("peer: empty chat message")
	}
	current, err := p.connectedLink(ctx)
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(chatFrame{
		Type:   frameChat,
		Text:   text,
		SentAt: p.clock.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("peer: encoding chat: %w", err)
	}
	if err := current.session.Control().SendText(string(encoded)); err != nil {
		return fmt.Errorf("peer: sending chat: %w", err)
	}
	return nil
}

func (p *Peer) handleControl(binary bool, data []byte) {
	if binary {
		p.logger.Debug("ignoring binary control message", "bytes", len(data))
		return
	}
	var frame chatFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		p.logger.Warn("dropping malformed control message", "error", err)
		return
	}
	if frame.Type != frameChat {
		p.logger.Debug("ignoring control message", "type", frame.Type)
		return
	}
	if p.config.OnChat != nil {
		p.config.OnChat(ChatMessage{Text: frame.Text, SentAt: time.UnixMilli(frame.SentAt)})
	}
}
