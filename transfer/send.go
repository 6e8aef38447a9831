// Copyright 2026 The Plink Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

// SendResult describes a transfer the receiver acknowledged.
type SendResult struct {
	TransferID string
	Name       string

	// Size is the original size; EffectiveSize is what was chunked.
	Size          int64
	EffectiveSize int64
	Chunks        int
	Compression   Compression
	Checksum      string
	Elapsed       time.Duration
}

// outboundTransfer is the sender-side bookkeeping for one transfer.
// The loop goroutine feeds it requests, acks and remote errors; the
// SendFile goroutine drains them.
type outboundTransfer struct {
	metadata fileMetadata

	mu        sync.Mutex
	requested []int
	pushNext  int
	push      bool

	wake      chan struct{}
	acked     chan struct{}
	ackOnce   sync.Once
	remoteErr chan error
}

func newOutboundTransfer(metadata fileMetadata, mode Mode) *outboundTransfer {
	return &outboundTransfer{
		metadata:  metadata,
		push:      mode == ModePush,
		wake:      make(chan struct{}, 1),
		acked:     make(chan struct{}),
		remoteErr: make(chan error, 1),
	}
}

func (o *outboundTransfer) request(index int) {
	if index < 0 || index >= o.metadata.Chunks {
		return
	}
	o.mu.Lock()
	o.requested = append(o.requested, index)
	o.mu.Unlock()
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// next returns the next index to send: explicit requests first, then,
// in push mode, every index in order.
func (o *outboundTransfer) next() (int, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.requested) > 0 {
		index := o.requested[0]
		o.requested = o.requested[1:]
		return index, true
	}
	if o.push && o.pushNext < o.metadata.Chunks {
		index := o.pushNext
		o.pushNext++
		return index, true
	}
	return 0, false
}

func (o *outboundTransfer) acknowledge() {
	o.ackOnce.Do(func() { close(o.acked) })
}

func (o *outboundTransfer) fail(err error) {
	select {
	case o.remoteErr <- err:
	default:
	}
}

// preparedPayload is the byte stream actually chunked: the source
// itself or a compressed spool file.
type preparedPayload struct {
	data        io.ReaderAt
	size        int64
	compression Compression
	checksum    string
	closers     []func() error
}

func (p *preparedPayload) Close() error {
	var errs []error
	for index := len(p.closers) - 1; index >= 0; index-- {
		errs = append(errs, p.closers[index]())
	}
	return errors.Join(errs...)
}

// SendFile sends source and returns once the receiver has acknowledged
// that it validated and persisted the artifact. Calls are serialized:
// a second SendFile waits for the first to finish.
func (e *Engine) SendFile(ctx context.Context, source Source) (SendResult, error) {
	select {
	case e.sendSlot <- struct{}{}:
	case <-ctx.Done():
		return SendResult{}, ctx.Err()
	case <-e.done:
		return SendResult{}, e.Err()
	}
	defer func() { <-e.sendSlot }()

	started := e.clock.Now()
	prepared, err := e.prepare(source)
	if err != nil {
		return SendResult{}, err
	}
	defer prepared.Close()

	id, err := uuid.NewV7()
	if err != nil {
		return SendResult{}, fmt.Errorf("generating transfer id: %w", err)
	}
	metadata := fileMetadata{
		Type:       frameFileMetadata,
		TransferID: id.String(),
		Name:       source.Name,
		Size:       source.Size,
		MIMEType:   source.MIMEType,
		Chunks:     chunkCount(prepared.size, e.config.ChunkSize),
		ChunkSize:  e.config.ChunkSize,
		Checksum:   prepared.checksum,
		Mode:       string(e.config.Mode),
	}
	if prepared.compression != CompressionNone {
		metadata.Compressed = true
		metadata.Compression = string(prepared.compression)
		metadata.CompressedSize = prepared.size
	}

	result := SendResult{
		TransferID:    metadata.TransferID,
		Name:          metadata.Name,
		Size:          metadata.Size,
		EffectiveSize: prepared.size,
		Chunks:        metadata.Chunks,
		Compression:   prepared.compression,
		Checksum:      prepared.checksum,
	}

	out := newOutboundTransfer(metadata, e.config.Mode)
	e.mu.Lock()
	e.outbound = out
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		if e.outbound == out {
			e.outbound = nil
		}
		e.mu.Unlock()
	}()

	logger := e.logger.With("transfer_id", metadata.TransferID, "name", metadata.Name)
	logger.Info("sending file",
		"size", metadata.Size,
		"chunks", metadata.Chunks,
		"compression", string(prepared.compression),
		"mode", metadata.Mode,
	)
	e.emit(Event{
		Kind:       EventStarted,
		Direction:  Sending,
		TransferID: metadata.TransferID,
		Name:       metadata.Name,
		Size:       metadata.Size,
		Chunks:     metadata.Chunks,
	})

	err = e.runOutbound(ctx, out, prepared, started)
	result.Elapsed = e.clock.Now().Sub(started)
	if err != nil {
		logger.Warn("send failed", "error", err)
		e.emit(Event{
			Kind:       EventFailed,
			Direction:  Sending,
			TransferID: metadata.TransferID,
			Name:       metadata.Name,
			Size:       metadata.Size,
			Chunks:     metadata.Chunks,
			Elapsed:    result.Elapsed,
			Err:        err,
		})
		return result, err
	}

	logger.Info("file delivered", "elapsed", result.Elapsed)
	e.emit(Event{
		Kind:       EventCompleted,
		Direction:  Sending,
		TransferID: metadata.TransferID,
		Name:       metadata.Name,
		Size:       metadata.Size,
		Bytes:      prepared.size,
		Chunks:     metadata.Chunks,
		Done:       metadata.Chunks,
		Elapsed:    result.Elapsed,
	})
	return result, nil
}

// runOutbound sends the metadata, serves chunk indices until the
// receiver acknowledges, and enforces the ack timeout.
func (e *Engine) runOutbound(ctx context.Context, out *outboundTransfer, prepared *preparedPayload, started time.Time) error {
	metadata := out.metadata
	if err := e.sendFrame(metadata); err != nil {
		return fmt.Errorf("sending file-metadata: %w", err)
	}

	expired := make(chan struct{}, 1)
	ackTimer := e.clock.AfterFunc(e.config.AckTimeout, func() {
		select {
		case expired <- struct{}{}:
		default:
		}
	})
	defer ackTimer.Stop()

	buffer := make([]byte, e.config.ChunkSize)
	sent := make([]bool, metadata.Chunks)
	sentCount := 0
	var sentBytes, lastBytes int64
	lastTime := started

	for {
		if index, ok := out.next(); ok {
			ackTimer.Reset(e.config.AckTimeout)
			select {
			case <-expired:
			default:
			}

			length, err := e.sendChunk(ctx, metadata, index, prepared.data, buffer)
			if err != nil {
				return err
			}
			if !sent[index] {
				sent[index] = true
				sentCount++
				sentBytes += int64(length)
				now := e.clock.Now()
				e.emit(Event{
					Kind:       EventProgress,
					Direction:  Sending,
					TransferID: metadata.TransferID,
					Name:       metadata.Name,
					Size:       metadata.Size,
					Bytes:      sentBytes,
					Chunks:     metadata.Chunks,
					Done:       sentCount,
					Elapsed:    now.Sub(started),
					Throughput: throughput(sentBytes-lastBytes, now.Sub(lastTime)),
				})
				lastBytes, lastTime = sentBytes, now
			}
			continue
		}

		select {
		case <-out.wake:
		case <-out.acked:
			return nil
		case err := <-out.remoteErr:
			return err
		case <-expired:
			err := fmt.Errorf("%w: %s after %s", ErrAckTimeout, metadata.TransferID, e.config.AckTimeout)
			e.sendError(metadata.TransferID, codeAckTimeout, err)
			return err
		case <-ctx.Done():
			e.sendError(metadata.TransferID, codeCancelled, ctx.Err())
			return ctx.Err()
		case <-e.done:
			return e.Err()
		}
	}
}

// sendChunk sends chunk index as a chunk-meta frame followed by the
// binary payload, after waiting for room under the high-water mark.
func (e *Engine) sendChunk(ctx context.Context, metadata fileMetadata, index int, data io.ReaderAt, buffer []byte) (int, error) {
	length := metadata.chunkLength(index)
	chunk := buffer[:length]
	count, err := data.ReadAt(chunk, int64(index)*int64(metadata.ChunkSize))
	if count != length {
		return 0, fmt.Errorf("reading chunk %d: %w", index, err)
	}

	meta, err := json.Marshal(chunkMeta{
		Type:       frameChunkMeta,
		TransferID: metadata.TransferID,
		ChunkIndex: index,
		IsLast:     index == metadata.Chunks-1,
		Length:     length,
	})
	if err != nil {
		return 0, fmt.Errorf("encoding chunk-meta: %w", err)
	}

	if err := e.waitForBuffer(ctx, uint64(len(meta)+length)); err != nil {
		return 0, err
	}

	e.sendMu.Lock()
	defer e.sendMu.Unlock()
	if err := e.channel.SendText(string(meta)); err != nil {
		return 0, e.channelError(err)
	}
	if err := e.channel.Send(chunk); err != nil {
		return 0, e.channelError(err)
	}
	return length, nil
}

// waitForBuffer blocks until a frame of frameBytes fits under the
// high-water mark. Config validation keeps the high-water mark at
// least one frame above the low-water mark, so a sender that has to
// wait is always above the low-water mark and the low-water callback
// will wake it.
func (e *Engine) waitForBuffer(ctx context.Context, frameBytes uint64) error {
	for e.channel.BufferedAmount()+frameBytes > e.config.HighWaterMark {
		select {
		case <-e.lowWater:
		case <-ctx.Done():
			return ctx.Err()
		case <-e.done:
			return e.Err()
		}
	}
	return nil
}

// prepare hashes the source and, when worthwhile, compresses it into a
// spool file.
func (e *Engine) prepare(source Source) (*preparedPayload, error) {
	if source.Open == nil {
		return nil, errors.New("transfer: source has no Open function")
	}
	if source.Size < 0 {
		return nil, fmt.Errorf("transfer: negative source size %d", source.Size)
	}
	payload, err := source.Open()
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", source.Name, err)
	}
	prepared := &preparedPayload{
		data:        payload,
		size:        source.Size,
		compression: CompressionNone,
		closers:     []func() error{payload.Close},
	}

	if e.config.Compression != CompressionNone && source.Size > 0 && !alreadyCompressed(source.MIMEType) {
		spool, size, checksum, err := e.compress(io.NewSectionReader(payload, 0, source.Size), source.Size)
		switch {
		case err != nil:
			e.logger.Warn("compression failed, sending uncompressed", "name", source.Name, "error", err)
		case size >= source.Size:
			prepared.checksum = checksum
			discardSpool(spool)
		default:
			prepared.data = spool
			prepared.size = size
			prepared.compression = e.config.Compression
			prepared.checksum = checksum
			prepared.closers = append(prepared.closers, func() error { return discardSpool(spool) })
		}
	}

	if prepared.checksum == "" {
		hasher := blake3.New()
		if _, err := io.Copy(hasher, io.NewSectionReader(payload, 0, source.Size)); err != nil {
			prepared.Close()
			return nil, fmt.Errorf("hashing %s: %w", source.Name, err)
		}
		prepared.checksum = hex.EncodeToString(hasher.Sum(nil))
	}
	return prepared, nil
}

// compress writes the compressed form of source to a spool file and
// hashes the original bytes on the way through.
func (e *Engine) compress(source io.Reader, size int64) (*os.File, int64, string, error) {
	spool, err := os.CreateTemp(e.config.SpoolDir, "plink-spool-*")
	if err != nil {
		return nil, 0, "", fmt.Errorf("creating spool file: %w", err)
	}

	hasher := blake3.New()
	compressor, err := newCompressor(spool, e.config.Compression)
	if err != nil {
		discardSpool(spool)
		return nil, 0, "", err
	}
	read, err := io.Copy(compressor, io.TeeReader(source, hasher))
	if err == nil && read != size {
		err = fmt.Errorf("read %d bytes, want %d", read, size)
	}
	if closeErr := compressor.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		discardSpool(spool)
		return nil, 0, "", err
	}

	info, err := spool.Stat()
	if err != nil {
		discardSpool(spool)
		return nil, 0, "", err
	}
	return spool, info.Size(), hex.EncodeToString(hasher.Sum(nil)), nil
}

func discardSpool(spool *os.File) error {
	return errors.Join(spool.Close(), os.Remove(spool.Name()))
}

func throughput(bytes int64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(bytes) / elapsed.Seconds()
}
