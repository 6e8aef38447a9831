// Copyright 2026 The Plink Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"encoding/json"
	"fmt"
)

// Control frame types. Control frames are JSON text messages on the
// bulk channel; chunk payloads are binary messages.
const (
	frameFileMetadata = "file-metadata"
	frameChunkMeta    = "chunk-meta"
	frameRequestChunk = "request-chunk"
	frameCompleteAck  = "transfer-complete-ack"
	frameError        = "transfer-error"
)

// Codes carried by transfer-error frames.
const (
	codeAckTimeout = "ack-timeout"
	codeValidation = "validation"
	codeStore      = "store"
	codeAbandoned  = "abandoned"
	codeProtocol   = "protocol"
	codeCancelled  = "cancelled"
	codeAborted    = "aborted"
)

// fileMetadata announces a transfer. Size is the original size;
// CompressedSize is the size actually chunked when Compressed is set.
type fileMetadata struct {
	Type           string `json:"type"`
	TransferID     string `json:"transferId"`
	Name           string `json:"name"`
	Size           int64  `json:"size"`
	MIMEType       string `json:"mimeType"`
	Chunks         int    `json:"chunks"`
	ChunkSize      int    `json:"chunkSize"`
	Compressed     bool   `json:"compressed"`
	Compression    string `json:"compression,omitempty"`
	CompressedSize int64  `json:"compressedSize,omitempty"`
	Checksum       string `json:"checksum,omitempty"`
	Mode           string `json:"mode,omitempty"`
}

// effectiveSize is the number of bytes carried by the chunks.
func (m fileMetadata) effectiveSize() int64 {
	if m.Compressed {
		return m.CompressedSize
	}
	return m.Size
}

// chunkLength returns the expected payload length of chunk index.
func (m fileMetadata) chunkLength(index int) int {
	if index == m.Chunks-1 {
		return int(m.effectiveSize() - int64(index)*int64(m.ChunkSize))
	}
	return m.ChunkSize
}

// chunkMeta precedes every binary payload and names its index.
type chunkMeta struct {
	Type       string `json:"type"`
	TransferID string `json:"transferId"`
	ChunkIndex int    `json:"chunkIndex"`
	IsLast     bool   `json:"isLast"`
	Length     int    `json:"length"`
}

// requestChunk asks the sender for one chunk.
type requestChunk struct {
	Type       string `json:"type"`
	TransferID string `json:"transferId"`
	ChunkIndex int    `json:"chunkIndex"`
}

// completeAck confirms the artifact was validated and persisted.
type completeAck struct {
	Type       string `json:"type"`
	TransferID string `json:"transferId"`
}

// transferError ends a transfer on the remote side.
type transferError struct {
	Type       string `json:"type"`
	TransferID string `json:"transferId"`
	Code       string `json:"code,omitempty"`
	Error      string `json:"error"`
}

// frameHeader is decoded first to dispatch on Type.
type frameHeader struct {
	Type       string `json:"type"`
	TransferID string `json:"transferId"`
}

// decodeFrame parses a control frame into one of the frame structs.
func decodeFrame(data []byte) (any, error) {
	var header frameHeader
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, fmt.Errorf("%w: decoding frame: %w", ErrProtocol, err)
	}
	if header.TransferID == "" {
		return nil, fmt.Errorf("%w: %q frame without transfer id", ErrProtocol, header.Type)
	}

	var target any
	switch header.Type {
	case frameFileMetadata:
		target = &fileMetadata{}
	case frameChunkMeta:
		target = &chunkMeta{}
	case frameRequestChunk:
		target = &requestChunk{}
	case frameCompleteAck:
		target = &completeAck{}
	case frameError:
		target = &transferError{}
	default:
		return nil, fmt.Errorf("%w: unknown frame type %q", ErrProtocol, header.Type)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %w", ErrProtocol, header.Type, err)
	}
	return target, nil
}
