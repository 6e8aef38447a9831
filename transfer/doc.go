// Copyright 2026 The Plink Authors
// SPDX-License-Identifier: Apache-2.0

// Package transfer moves files between two peers over one ordered,
// reliable message [Channel], normally the session's bulk data
// channel.
//
// A transfer starts with a file-metadata control frame announcing the
// name, original size, MIME type, chunk size and count, compression
// and checksum. The payload is compressed as a whole before chunking
// unless its MIME type is already a compressed format, or compression
// fails or does not shrink it. Each chunk travels as a chunk-meta
// text frame followed immediately by the binary payload, so indices
// never depend on arrival order.
//
// Two delivery modes exist. In [ModePull] the receiver keeps a window
// of request-chunk frames outstanding and re-requests a chunk whose
// request times out, giving up after a bounded number of attempts. In
// [ModePush] the sender streams every chunk and the receiver fails the
// transfer after a stall timeout. The receiver follows the sender's
// mode.
//
// The sender never lets the channel's buffered amount exceed the
// high-water mark; a sender that would cross it waits for the
// low-water callback. After the last chunk it waits for a
// transfer-complete-ack, which the receiver sends only once the
// artifact has been reassembled, decompressed, checked against the
// declared size, chunk count and checksum, and persisted.
//
// Received chunks go straight into a preallocated, memory-mapped part
// file when a part directory is configured, and into the chunk store
// otherwise. Duplicate chunks are ignored; the first write wins.
// Either way the chunk store entries of a transfer are removed once it
// completes or fails.
//
// [Engine.Abort] fails every transfer in flight. The peer layer calls
// it with the transport's error when the session ends.
package transfer
