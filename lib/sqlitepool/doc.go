// Copyright 2026 The Plink Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool opens zombiezen.com/go/sqlite connection pools
// with the pragmas plink expects from its local databases.
//
// Every connection runs in WAL mode with synchronous=NORMAL: committed
// writes survive a process crash, which is the durability the chunk
// store needs for resumable receives, without an fsync per chunk. A
// five second busy timeout absorbs contention between the transfer
// engine and inspection commands reading the same file.
//
// The package deliberately exposes the zombiezen types. Callers write
// SQL directly with sqlitex.Execute and wrap multi-statement changes in
// sqlitex.ImmediateTransaction.
package sqlitepool
