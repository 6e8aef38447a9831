// Copyright 2026 The Plink Authors
// SPDX-License-Identifier: Apache-2.0

// Package chunkstore persists received chunks keyed by transfer id and
// chunk index, so a receiver can assemble a file larger than memory and
// inspect transfers that were interrupted.
//
// The store is a single SQLite database (see lib/sqlitepool) with two
// tables: transfers holds one metadata record per transfer and chunks
// holds (transfer_id, idx, data). Writes to the same key overwrite;
// the last write wins. Reads return chunks in index order.
//
// Every failure of the underlying database is reported wrapped in
// [ErrUnavailable] so callers can distinguish "the store cannot serve
// this" from protocol-level problems with errors.Is.
package chunkstore
