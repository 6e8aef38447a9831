// Copyright 2026 The Plink Authors
// SPDX-License-Identifier: Apache-2.0

package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/edsrzf/mmap-go"

	"github.com/Levi477/plink-revamp/lib/chunkstore"
)

// sink holds the received chunks of one transfer until finalize.
type sink interface {
	// WriteChunk stores data as chunk index at byte offset.
	WriteChunk(ctx context.Context, index int, offset int64, data []byte) error

	// Open streams the received bytes in index order. A missing chunk
	// is an error rather than a silent gap.
	Open(ctx context.Context) (io.ReadCloser, error)

	// Discard releases everything the sink holds.
	Discard(ctx context.Context) error

	kind() string
}

// diskSink writes chunks straight into a preallocated, memory-mapped
// part file.
type diskSink struct {
	path    string
	file    *os.File
	mapping mmap.MMap
	size    int64
}

func partFilePath(directory, transferID string) string {
	return filepath.Join(directory, ".plink-"+transferID+".part")
}

func openDiskSink(directory, transferID string, size int64) (*diskSink, error) {
	if err := os.MkdirAll(directory, 0o755); err != nil {
		return nil, fmt.Errorf("creating part directory: %w", err)
	}
	path := partFilePath(directory, transferID)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("creating part file: %w", err)
	}
	sink := &diskSink{path: path, file: file, size: size}
	if size == 0 {
		return sink, nil
	}

	if err := preallocate(file, size); err != nil {
		sink.Discard(context.Background())
		return nil, fmt.Errorf("preallocating %d bytes: %w", size, err)
	}
	mapping, err := mmap.Map(file, mmap.RDWR, 0)
	if err != nil {
		sink.Discard(context.Background())
		return nil, fmt.Errorf("mapping part file: %w", err)
	}
	sink.mapping = mapping
	return sink, nil
}

func (s *diskSink) kind() string { return "disk" }

func (s *diskSink) WriteChunk(_ context.Context, index int, offset int64, data []byte) error {
	if offset < 0 || offset+int64(len(data)) > s.size {
		return fmt.Errorf("chunk %d at offset %d overflows %d-byte part file", index, offset, s.size)
	}
	copy(s.mapping[offset:], data)
	return nil
}

func (s *diskSink) Open(context.Context) (io.ReadCloser, error) {
	if s.mapping == nil {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	if err := s.mapping.Flush(); err != nil {
		return nil, fmt.Errorf("flushing part file: %w", err)
	}
	return io.NopCloser(bytes.NewReader(s.mapping)), nil
}

// promote turns the part file itself into the artifact at path. Only
// valid for uncompressed transfers, whose part file is the artifact.
func (s *diskSink) promote(path string) error {
	if s.mapping != nil {
		if err := s.mapping.Flush(); err != nil {
			return fmt.Errorf("flushing part file: %w", err)
		}
		if err := s.mapping.Unmap(); err != nil {
			return fmt.Errorf("unmapping part file: %w", err)
		}
		s.mapping = nil
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("syncing part file: %w", err)
	}
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("closing part file: %w", err)
	}
	s.file = nil
	if err := os.Rename(s.path, path); err != nil {
		return fmt.Errorf("renaming part file: %w", err)
	}
	s.path = ""
	return nil
}

func (s *diskSink) Discard(context.Context) error {
	var errs []error
	if s.mapping != nil {
		errs = append(errs, s.mapping.Unmap())
		s.mapping = nil
	}
	if s.file != nil {
		errs = append(errs, s.file.Close())
		s.file = nil
	}
	if s.path != "" {
		if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
		s.path = ""
	}
	return errors.Join(errs...)
}

// storeSink keeps chunks in the Chunk Store.
type storeSink struct {
	store      *chunkstore.Store
	transferID string
	chunks     int
}

func (s *storeSink) kind() string { return "store" }

func (s *storeSink) WriteChunk(ctx context.Context, index int, _ int64, data []byte) error {
	return s.store.Put(ctx, s.transferID, index, data)
}

func (s *storeSink) Open(ctx context.Context) (io.ReadCloser, error) {
	reader, writer := io.Pipe()
	go func() {
		next := 0
		err := s.store.Each(ctx, s.transferID, s.chunks, func(index int, data []byte) error {
			if index != next {
				return fmt.Errorf("chunk %d missing from the chunk store", next)
			}
			next++
			_, err := writer.Write(data)
			return err
		})
		if err == nil && next != s.chunks {
			err = fmt.Errorf("chunk %d missing from the chunk store", next)
		}
		writer.CloseWithError(err)
	}()
	return reader, nil
}

func (s *storeSink) Discard(ctx context.Context) error {
	return s.store.DeleteTransfer(ctx, s.transferID)
}
