// Copyright 2026 The Plink Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/zeebo/blake3"

	"github.com/Levi477/plink-revamp/lib/chunkstore"
	"github.com/Levi477/plink-revamp/lib/clock"
	"github.com/Levi477/plink-revamp/lib/config"
)

// inboundTransfer is the receive state of one transfer. Only the loop
// goroutine touches it.
type inboundTransfer struct {
	metadata    fileMetadata
	compression Compression
	mode        Mode
	sink        sink
	logger      *slog.Logger

	received      []bool
	receivedCount int
	bytes         int64

	started   time.Time
	lastTime  time.Time
	lastBytes int64

	// Pull mode.
	outstanding map[int]*chunkRequest
	nextRequest int
	recoveries  int

	// Push mode.
	stall *clock.Timer

	finished bool
}

type chunkRequest struct {
	attempts int
	timer    *clock.Timer
}

func (e *Engine) startIncoming(announced fileMetadata) {
	logger := e.logger.With("transfer_id", announced.TransferID)
	if _, exists := e.incoming[announced.TransferID]; exists {
		logger.Warn("ignoring repeated file-metadata")
		return
	}

	metadata, compression, mode, err := e.validateMetadata(announced)
	if err != nil {
		logger.Warn("rejecting transfer", "error", err)
		e.sendError(announced.TransferID, codeProtocol, err)
		e.emit(Event{
			Kind:       EventFailed,
			Direction:  Receiving,
			TransferID: announced.TransferID,
			Name:       announced.Name,
			Size:       announced.Size,
			Err:        err,
		})
		return
	}

	now := e.clock.Now()
	in := &inboundTransfer{
		metadata:    metadata,
		compression: compression,
		mode:        mode,
		logger:      logger.With("name", metadata.Name),
		received:    make([]bool, metadata.Chunks),
		started:     now,
		lastTime:    now,
		outstanding: make(map[int]*chunkRequest),
	}
	e.incoming[metadata.TransferID] = in

	persisted := e.persistMetadata(in)
	in.sink, err = e.openSink(in, persisted)
	if err != nil {
		e.failIncoming(in, codeStore, err)
		return
	}

	in.logger.Info("receiving file",
		"size", metadata.Size,
		"chunks", metadata.Chunks,
		"compression", string(compression),
		"mode", string(mode),
		"sink", in.sink.kind(),
	)
	e.emit(Event{
		Kind:       EventStarted,
		Direction:  Receiving,
		TransferID: metadata.TransferID,
		Name:       metadata.Name,
		Size:       metadata.Size,
		Chunks:     metadata.Chunks,
	})

	if metadata.Chunks == 0 {
		e.finalize(in)
		return
	}
	if mode == ModePull {
		e.fillWindow(in)
	} else {
		e.armStall(in)
	}
}

// validateMetadata checks an announcement and fills in what older
// senders leave out: a missing chunk size means ours, a missing mode
// means push, and a missing compression name means deflate.
func (e *Engine) validateMetadata(metadata fileMetadata) (fileMetadata, Compression, Mode, error) {
	metadata.Name = sanitizeName(metadata.Name)
	if metadata.Size < 0 {
		return metadata, "", "", fmt.Errorf("%w: negative size %d", ErrProtocol, metadata.Size)
	}
	if metadata.ChunkSize == 0 {
		metadata.ChunkSize = e.config.ChunkSize
	}
	if metadata.ChunkSize < 1 || metadata.ChunkSize > config.MaxChunkSize {
		return metadata, "", "", fmt.Errorf("%w: chunk size %d outside 1..%d", ErrProtocol, metadata.ChunkSize, config.MaxChunkSize)
	}

	compression := CompressionNone
	if metadata.Compressed {
		var err error
		compression, err = ParseCompression(metadata.Compression)
		if err != nil {
			return metadata, "", "", fmt.Errorf("%w: %w", ErrProtocol, err)
		}
		if compression == CompressionNone {
			return metadata, "", "", fmt.Errorf("%w: compressed transfer names compression %q", ErrProtocol, metadata.Compression)
		}
		if metadata.CompressedSize < 0 {
			return metadata, "", "", fmt.Errorf("%w: negative compressed size %d", ErrProtocol, metadata.CompressedSize)
		}
	}

	if want := chunkCount(metadata.effectiveSize(), metadata.ChunkSize); metadata.Chunks != want {
		return metadata, "", "", fmt.Errorf("%w: %d chunks declared for %d bytes of %d-byte chunks, want %d",
			ErrProtocol, metadata.Chunks, metadata.effectiveSize(), metadata.ChunkSize, want)
	}

	mode := ModePush
	if metadata.Mode != "" {
		var err error
		mode, err = ParseMode(metadata.Mode)
		if err != nil {
			return metadata, "", "", fmt.Errorf("%w: %w", ErrProtocol, err)
		}
	}
	return metadata, compression, mode, nil
}

// sanitizeName reduces a declared name to a single path element.
func sanitizeName(name string) string {
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(filepath.Clean("/" + name))
	switch name {
	case "", ".", "..", "/":
		return "download"
	}
	return name
}

// persistMetadata records the transfer in the chunk store so a restart
// can see what was in flight. A failure only costs the store sink.
func (e *Engine) persistMetadata(in *inboundTransfer) bool {
	if e.config.Store == nil {
		return false
	}
	metadata := in.metadata
	record := chunkstore.Transfer{
		ID:        metadata.TransferID,
		Name:      metadata.Name,
		Size:      metadata.Size,
		MIMEType:  metadata.MIMEType,
		Chunks:    metadata.Chunks,
		ChunkSize: metadata.ChunkSize,
		Checksum:  metadata.Checksum,
		Mode:      string(in.mode),
		CreatedAt: e.clock.Now(),
	}
	if in.compression != CompressionNone {
		record.Compression = string(in.compression)
		record.CompressedSize = metadata.CompressedSize
	}
	if err := e.config.Store.PutTransfer(e.ctx, record); err != nil {
		in.logger.Warn("chunk store unavailable", "error", err)
		return false
	}
	return true
}

// openSink prefers a direct-to-disk part file and falls back to the
// chunk store.
func (e *Engine) openSink(in *inboundTransfer, storeUsable bool) (sink, error) {
	var reasons []error
	if e.config.PartDir != "" {
		disk, err := openDiskSink(e.config.PartDir, in.metadata.TransferID, in.metadata.effectiveSize())
		if err == nil {
			return disk, nil
		}
		in.logger.Warn("direct-to-disk sink unavailable, using chunk store", "error", err)
		reasons = append(reasons, err)
	}
	if storeUsable {
		return &storeSink{
			store:      e.config.Store,
			transferID: in.metadata.TransferID,
			chunks:     in.metadata.Chunks,
		}, nil
	}
	if e.config.Store == nil {
		reasons = append(reasons, errors.New("no chunk store configured"))
	} else {
		reasons = append(reasons, errors.New("chunk store rejected the transfer"))
	}
	return nil, fmt.Errorf("%w: %w", ErrStore, errors.Join(reasons...))
}

// handlePayload stores a binary chunk described by the preceding
// chunk-meta frame.
func (e *Engine) handlePayload(data []byte) {
	meta := e.expecting
	e.expecting = nil
	if meta == nil {
		e.logger.Warn("dropping chunk payload without chunk-meta", "bytes", len(data))
		return
	}
	in := e.incoming[meta.TransferID]
	if in == nil || in.finished {
		e.logger.Debug("dropping chunk for unknown transfer", "transfer_id", meta.TransferID, "chunk", meta.ChunkIndex)
		return
	}

	index := meta.ChunkIndex
	if index < 0 || index >= in.metadata.Chunks || len(data) != in.metadata.chunkLength(index) || meta.Length != len(data) {
		err := fmt.Errorf("%w: chunk %d carries %d bytes (declared %d)", ErrValidation, index, len(data), meta.Length)
		if in.mode == ModePush {
			e.failIncoming(in, codeValidation, err)
			return
		}
		// The request timer asks for it again.
		in.logger.Warn("discarding malformed chunk", "chunk", index, "error", err)
		return
	}
	if in.received[index] {
		in.logger.Debug("ignoring duplicate chunk", "chunk", index)
		return
	}

	offset := int64(index) * int64(in.metadata.ChunkSize)
	if err := in.sink.WriteChunk(e.ctx, index, offset, data); err != nil {
		e.failIncoming(in, codeStore, fmt.Errorf("%w: writing chunk %d: %w", ErrStore, index, err))
		return
	}
	in.received[index] = true
	in.receivedCount++
	in.bytes += int64(len(data))

	if request := in.outstanding[index]; request != nil {
		request.timer.Stop()
		delete(in.outstanding, index)
	}
	if in.mode == ModePush {
		e.armStall(in)
	}

	now := e.clock.Now()
	e.emit(Event{
		Kind:       EventProgress,
		Direction:  Receiving,
		TransferID: in.metadata.TransferID,
		Name:       in.metadata.Name,
		Size:       in.metadata.Size,
		Bytes:      in.bytes,
		Chunks:     in.metadata.Chunks,
		Done:       in.receivedCount,
		Elapsed:    now.Sub(in.started),
		Throughput: throughput(in.bytes-in.lastBytes, now.Sub(in.lastTime)),
	})
	in.lastBytes, in.lastTime = in.bytes, now

	if in.receivedCount == in.metadata.Chunks {
		e.finalize(in)
		return
	}
	if in.mode == ModePull {
		e.fillWindow(in)
	}
}

// fillWindow keeps up to PullWindow chunk requests outstanding.
func (e *Engine) fillWindow(in *inboundTransfer) {
	for len(in.outstanding) < e.config.PullWindow && in.nextRequest < in.metadata.Chunks {
		index := in.nextRequest
		in.nextRequest++
		if in.received[index] {
			continue
		}
		e.requestChunk(in, index, &chunkRequest{})
	}
}

func (e *Engine) requestChunk(in *inboundTransfer, index int, request *chunkRequest) {
	in.outstanding[index] = request
	request.attempts++
	err := e.sendFrame(requestChunk{
		Type:       frameRequestChunk,
		TransferID: in.metadata.TransferID,
		ChunkIndex: index,
	})
	if err != nil {
		in.logger.Debug("sending request-chunk failed", "chunk", index, "error", err)
	}
	request.timer = e.clock.AfterFunc(e.config.RequestTimeout, func() {
		e.post(func() {
			if !in.finished && in.outstanding[index] == request {
				e.requestExpired(in, index, request)
			}
		})
	})
}

func (e *Engine) requestExpired(in *inboundTransfer, index int, request *chunkRequest) {
	if request.attempts > e.config.MaxRequestRetries {
		e.failIncoming(in, codeAbandoned, fmt.Errorf("%w: chunk %d unanswered after %d requests",
			ErrAbandoned, index, request.attempts))
		return
	}
	in.logger.Debug("re-requesting chunk", "chunk", index, "attempt", request.attempts+1)
	e.requestChunk(in, index, request)
}

// armStall restarts the push-mode inactivity timer.
func (e *Engine) armStall(in *inboundTransfer) {
	if in.stall != nil {
		in.stall.Stop()
	}
	var timer *clock.Timer
	timer = e.clock.AfterFunc(e.config.StallTimeout, func() {
		e.post(func() {
			if in.finished || in.stall != timer {
				return
			}
			e.failIncoming(in, codeValidation, fmt.Errorf("%w: no chunk for %s with %d of %d received",
				ErrValidation, e.config.StallTimeout, in.receivedCount, in.metadata.Chunks))
		})
	})
	in.stall = timer
}

func (in *inboundTransfer) stopTimers() {
	if in.stall != nil {
		in.stall.Stop()
		in.stall = nil
	}
	for index, request := range in.outstanding {
		if request.timer != nil {
			request.timer.Stop()
		}
		delete(in.outstanding, index)
	}
}

// finalize validates and persists a transfer whose chunks have all
// arrived, then acknowledges it.
func (e *Engine) finalize(in *inboundTransfer) {
	in.stopTimers()
	path, err := e.assemble(in)
	if err != nil {
		if errors.Is(err, ErrValidation) && in.mode == ModePull && in.recoveries < e.config.MaxRecoveries {
			e.recover(in, err)
			return
		}
		code := codeValidation
		if !errors.Is(err, ErrValidation) {
			code = codeStore
		}
		e.failIncoming(in, code, err)
		return
	}

	in.finished = true
	delete(e.incoming, in.metadata.TransferID)
	if err := e.sendFrame(completeAck{Type: frameCompleteAck, TransferID: in.metadata.TransferID}); err != nil {
		in.logger.Warn("sending transfer-complete-ack failed", "error", err)
	}
	e.cleanupIncoming(in)

	elapsed := e.clock.Now().Sub(in.started)
	in.logger.Info("file received", "path", path, "elapsed", elapsed)
	e.emit(Event{
		Kind:       EventCompleted,
		Direction:  Receiving,
		TransferID: in.metadata.TransferID,
		Name:       in.metadata.Name,
		Size:       in.metadata.Size,
		Bytes:      in.bytes,
		Chunks:     in.metadata.Chunks,
		Done:       in.receivedCount,
		Elapsed:    elapsed,
		Path:       path,
	})
}

// assemble writes the artifact into DownloadDir and returns its path.
// Errors wrapping ErrValidation mean the received bytes are wrong;
// anything else is a local storage failure.
func (e *Engine) assemble(in *inboundTransfer) (string, error) {
	metadata := in.metadata
	if in.receivedCount != metadata.Chunks || in.bytes != metadata.effectiveSize() {
		return "", fmt.Errorf("%w: have %d chunks and %d bytes, declared %d and %d",
			ErrValidation, in.receivedCount, in.bytes, metadata.Chunks, metadata.effectiveSize())
	}
	if err := os.MkdirAll(e.config.DownloadDir, 0o755); err != nil {
		return "", fmt.Errorf("creating download directory: %w", err)
	}

	if disk, ok := in.sink.(*diskSink); ok && in.compression == CompressionNone {
		reader, err := disk.Open(e.ctx)
		if err != nil {
			return "", err
		}
		hasher := blake3.New()
		written, err := io.Copy(hasher, reader)
		reader.Close()
		if err != nil {
			return "", fmt.Errorf("hashing part file: %w", err)
		}
		if err := checkArtifact(metadata, written, hasher); err != nil {
			return "", err
		}
		path, err := uniquePath(e.config.DownloadDir, metadata.Name)
		if err != nil {
			return "", err
		}
		if err := disk.promote(path); err != nil {
			return "", err
		}
		return path, nil
	}

	reader, err := in.sink.Open(e.ctx)
	if err != nil {
		return "", err
	}
	defer reader.Close()
	source := &trackingReader{reader: reader}
	decompressor, err := newDecompressor(source, in.compression)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrValidation, err)
	}
	defer decompressor.Close()

	partial, err := os.CreateTemp(e.config.DownloadDir, ".plink-*.partial")
	if err != nil {
		return "", fmt.Errorf("creating artifact: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			partial.Close()
			os.Remove(partial.Name())
		}
	}()

	hasher := blake3.New()
	written, err := io.Copy(io.MultiWriter(partial, hasher), io.LimitReader(decompressor, metadata.Size+1))
	if err != nil {
		switch {
		case errors.Is(source.err, chunkstore.ErrUnavailable):
			return "", fmt.Errorf("%w: reading payload: %w", ErrStore, err)
		case source.err == nil && isWriteError(err):
			return "", fmt.Errorf("writing artifact: %w", err)
		default:
			return "", fmt.Errorf("%w: reading payload: %w", ErrValidation, err)
		}
	}
	if err := checkArtifact(metadata, written, hasher); err != nil {
		return "", err
	}
	if err := partial.Sync(); err != nil {
		return "", fmt.Errorf("syncing artifact: %w", err)
	}
	if err := partial.Close(); err != nil {
		return "", fmt.Errorf("closing artifact: %w", err)
	}
	path, err := uniquePath(e.config.DownloadDir, metadata.Name)
	if err != nil {
		return "", err
	}
	if err := os.Rename(partial.Name(), path); err != nil {
		return "", fmt.Errorf("renaming artifact: %w", err)
	}
	committed = true
	return path, nil
}

func checkArtifact(metadata fileMetadata, written int64, hasher *blake3.Hasher) error {
	if written != metadata.Size {
		return fmt.Errorf("%w: artifact is %d bytes, declared %d", ErrValidation, written, metadata.Size)
	}
	if metadata.Checksum != "" {
		if sum := hex.EncodeToString(hasher.Sum(nil)); sum != metadata.Checksum {
			return fmt.Errorf("%w: checksum %s, declared %s", ErrValidation, sum, metadata.Checksum)
		}
	}
	return nil
}

// trackingReader remembers the first read error so a failed copy can
// be blamed on the payload or on the destination.
type trackingReader struct {
	reader io.Reader
	err    error
}

func (r *trackingReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	if err != nil && err != io.EOF && r.err == nil {
		r.err = err
	}
	return n, err
}

func isWriteError(err error) bool {
	var pathErr *os.PathError
	return errors.As(err, &pathErr)
}

// uniquePath returns directory/name, or "name (N).ext" for the first N
// that does not exist yet.
func uniquePath(directory, name string) (string, error) {
	extension := filepath.Ext(name)
	stem := strings.TrimSuffix(name, extension)
	for attempt := 0; attempt < 10000; attempt++ {
		candidate := name
		if attempt > 0 {
			candidate = fmt.Sprintf("%s (%d)%s", stem, attempt, extension)
		}
		path := filepath.Join(directory, candidate)
		if _, err := os.Lstat(path); errors.Is(err, os.ErrNotExist) {
			return path, nil
		} else if err != nil {
			return "", fmt.Errorf("checking %s: %w", path, err)
		}
	}
	return "", fmt.Errorf("no free file name for %s in %s", name, directory)
}

// recover starts a pull transfer over after it failed validation.
func (e *Engine) recover(in *inboundTransfer, cause error) {
	in.recoveries++
	in.logger.Warn("artifact failed validation, fetching again",
		"attempt", in.recoveries,
		"error", cause,
	)
	if err := in.sink.Discard(context.Background()); err != nil {
		in.logger.Debug("discarding sink failed", "error", err)
	}
	in.sink = nil

	persisted := e.persistMetadata(in)
	sink, err := e.openSink(in, persisted)
	if err != nil {
		e.failIncoming(in, codeStore, err)
		return
	}
	in.sink = sink
	clear(in.received)
	in.receivedCount = 0
	in.bytes = 0
	in.lastBytes = 0
	in.lastTime = e.clock.Now()
	in.nextRequest = 0
	e.fillWindow(in)
}

// failIncoming ends a transfer. A non-empty code is sent to the sender
// in a transfer-error frame.
func (e *Engine) failIncoming(in *inboundTransfer, code string, err error) {
	if in.finished {
		return
	}
	in.finished = true
	in.stopTimers()
	delete(e.incoming, in.metadata.TransferID)
	if code != "" {
		e.sendError(in.metadata.TransferID, code, err)
	}
	e.cleanupIncoming(in)

	in.logger.Warn("receive failed", "code", code, "error", err)
	e.emit(Event{
		Kind:       EventFailed,
		Direction:  Receiving,
		TransferID: in.metadata.TransferID,
		Name:       in.metadata.Name,
		Size:       in.metadata.Size,
		Bytes:      in.bytes,
		Chunks:     in.metadata.Chunks,
		Done:       in.receivedCount,
		Elapsed:    e.clock.Now().Sub(in.started),
		Err:        err,
	})
}

// cleanupIncoming drops the sink and the chunk store entries. It runs
// after the engine context may have been cancelled, so it uses its own.
func (e *Engine) cleanupIncoming(in *inboundTransfer) {
	ctx := context.Background()
	if in.sink != nil {
		if err := in.sink.Discard(ctx); err != nil {
			in.logger.Debug("discarding sink failed", "error", err)
		}
		in.sink = nil
	}
	if e.config.Store != nil {
		if err := e.config.Store.DeleteTransfer(ctx, in.metadata.TransferID); err != nil {
			in.logger.Debug("deleting chunk store entries failed", "error", err)
		}
	}
}

// abortIncoming fails every inbound transfer with the engine's error.
func (e *Engine) abortIncoming() {
	cause := e.Err()
	for _, in := range e.incoming {
		e.failIncoming(in, codeAborted, cause)
	}
}
