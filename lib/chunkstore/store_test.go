// Copyright 2026 The Plink Authors
// SPDX-License-Identifier: Apache-2.0

package chunkstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/Levi477/plink-revamp/lib/clock"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), Config{
		Path:  filepath.Join(t.TempDir(), "chunks.db"),
		Clock: clock.Fake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestGetAllReturnsIndexOrderWithHoles(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	// Insert out of order; reads must come back by index.
	for _, index := range []int{3, 0, 1} {
		if err := store.Put(ctx, "t1", index, []byte(fmt.Sprintf("chunk-%d", index))); err != nil {
			t.Fatalf("Put(%d): %v", index, err)
		}
	}

	chunks, err := store.GetAll(ctx, "t1", 5)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	want := []string{"chunk-0", "chunk-1", "", "chunk-3", ""}
	for index, expected := range want {
		if expected == "" {
			if chunks[index] != nil {
				t.Errorf("chunk %d = %q, want nil hole", index, chunks[index])
			}
			continue
		}
		if string(chunks[index]) != expected {
			t.Errorf("chunk %d = %q, want %q", index, chunks[index], expected)
		}
	}

	missing, err := store.Missing(ctx, "t1", 5)
	if err != nil {
		t.Fatalf("Missing: %v", err)
	}
	if !slices.Equal(missing, []int{2, 4}) {
		t.Errorf("Missing = %v, want [2 4]", missing)
	}
}

func TestPutLastWriteWins(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.Put(ctx, "t1", 0, []byte("first")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := store.Put(ctx, "t1", 0, []byte("second")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	data, err := store.Get(ctx, "t1", 0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(data) != "second" {
		t.Errorf("Get = %q, want %q", data, "second")
	}
}

func TestTransfersAreIsolated(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	store.Put(ctx, "a", 0, []byte("a0"))
	store.Put(ctx, "b", 0, []byte("b0"))

	chunks, err := store.GetAll(ctx, "a", 1)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if string(chunks[0]) != "a0" {
		t.Errorf("chunk = %q, want a0", chunks[0])
	}
}

func TestEachStopsOnCallbackError(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	for index := range 4 {
		store.Put(ctx, "t1", index, bytes.Repeat([]byte{byte(index)}, 8))
	}

	stop := errors.New("stop")
	var seen []int
	err := store.Each(ctx, "t1", 4, func(index int, data []byte) error {
		seen = append(seen, index)
		if index == 1 {
			return stop
		}
		return nil
	})
	if !errors.Is(err, stop) {
		t.Fatalf("Each error = %v, want the callback's error", err)
	}
	if !slices.Equal(seen, []int{0, 1}) {
		t.Errorf("visited %v, want [0 1]", seen)
	}
}

func TestTransferMetadataAndDelete(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	record := Transfer{
		ID:          "0190c2b6-0000-7000-8000-000000000001",
		Name:        "report.pdf",
		Size:        40000,
		MIMEType:    "application/pdf",
		Chunks:      3,
		ChunkSize:   16384,
		Compression: "deflate",
		Checksum:    "abcd",
		Mode:        "pull",
	}
	if err := store.PutTransfer(ctx, record); err != nil {
		t.Fatalf("PutTransfer: %v", err)
	}
	got, err := store.GetTransfer(ctx, record.ID)
	if err != nil {
		t.Fatalf("GetTransfer: %v", err)
	}
	if got.Name != record.Name || got.Chunks != 3 || got.Mode != "pull" || got.CreatedAt.IsZero() {
		t.Errorf("GetTransfer = %+v", got)
	}

	store.Put(ctx, record.ID, 0, []byte("x"))
	if err := store.DeleteTransfer(ctx, record.ID); err != nil {
		t.Fatalf("DeleteTransfer: %v", err)
	}
	if _, err := store.GetTransfer(ctx, record.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetTransfer after delete error = %v, want ErrNotFound", err)
	}
	if _, err := store.Get(ctx, record.ID, 0); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get after delete error = %v, want ErrNotFound", err)
	}

	transfers, err := store.ListTransfers(ctx)
	if err != nil {
		t.Fatalf("ListTransfers: %v", err)
	}
	if len(transfers) != 0 {
		t.Errorf("ListTransfers returned %d records after delete", len(transfers))
	}
}

func TestOpenFailureIsUnavailable(t *testing.T) {
	directory := t.TempDir()
	blocker := filepath.Join(directory, "file")
	if err := os.WriteFile(blocker, nil, 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := Open(context.Background(), Config{Path: filepath.Join(blocker, "nested", "chunks.db")})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Open error = %v, want ErrUnavailable", err)
	}
}

func TestClosedStoreIsUnavailable(t *testing.T) {
	store, err := Open(context.Background(), Config{Path: filepath.Join(t.TempDir(), "chunks.db")})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	store.Close()
	if err := store.Put(context.Background(), "t1", 0, []byte("x")); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Put after Close error = %v, want ErrUnavailable", err)
	}
}
