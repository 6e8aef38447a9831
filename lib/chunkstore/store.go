// Copyright 2026 The Plink Authors
// SPDX-License-Identifier: Apache-2.0

package chunkstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/Levi477/plink-revamp/lib/clock"
	"github.com/Levi477/plink-revamp/lib/sqlitepool"
)

var (
	// ErrUnavailable wraps every storage failure.
	ErrUnavailable = errors.New("chunkstore: unavailable")

	// ErrNotFound is returned for reads of a transfer or chunk that
	// was never stored.
	ErrNotFound = errors.New("chunkstore: not found")
)

const schema = `
CREATE TABLE IF NOT EXISTS transfers (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	size            INTEGER NOT NULL,
	mime_type       TEXT NOT NULL DEFAULT '',
	chunks          INTEGER NOT NULL,
	chunk_size      INTEGER NOT NULL,
	compression     TEXT NOT NULL DEFAULT '',
	compressed_size INTEGER NOT NULL DEFAULT 0,
	checksum        TEXT NOT NULL DEFAULT '',
	mode            TEXT NOT NULL DEFAULT '',
	created_at      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS chunks (
	transfer_id TEXT NOT NULL,
	idx         INTEGER NOT NULL,
	data        BLOB NOT NULL,
	PRIMARY KEY (transfer_id, idx)
) WITHOUT ROWID;
`

// Transfer is the metadata record kept alongside a transfer's chunks.
type Transfer struct {
	ID             string
	Name           string
	Size           int64
	MIMEType       string
	Chunks         int
	ChunkSize      int
	Compression    string
	CompressedSize int64
	Checksum       string
	Mode           string
	CreatedAt      time.Time
}

// Config describes a store. Path is required.
type Config struct {
	Path     string
	PoolSize int
	Logger   *slog.Logger
	Clock    clock.Clock
}

// Store is safe for concurrent use.
type Store struct {
	pool   *sqlitepool.Pool
	logger *slog.Logger
	clock  clock.Clock
}

// Open opens (creating if needed) the store at config.Path and checks
// that the schema can be applied.
func Open(ctx context.Context, config Config) (*Store, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     config.Path,
		PoolSize: config.PoolSize,
		Schema:   schema,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	// Connections are prepared lazily; take one now so a broken path
	// or schema fails Open rather than the first chunk write.
	conn, err := pool.Take(ctx)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	pool.Put(conn)

	return &Store{pool: pool, logger: logger, clock: config.Clock}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

// PutTransfer inserts or replaces the metadata record for
// transfer.ID. A zero CreatedAt is filled from the store's clock.
func (s *Store) PutTransfer(ctx context.Context, transfer Transfer) error {
	if transfer.ID == "" {
		return fmt.Errorf("%w: transfer id is empty", ErrUnavailable)
	}
	if transfer.CreatedAt.IsZero() {
		transfer.CreatedAt = s.clock.Now()
	}
	return s.with(ctx, "put transfer", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			INSERT INTO transfers
				(id, name, size, mime_type, chunks, chunk_size, compression, compressed_size, checksum, mode, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				name = excluded.name,
				size = excluded.size,
				mime_type = excluded.mime_type,
				chunks = excluded.chunks,
				chunk_size = excluded.chunk_size,
				compression = excluded.compression,
				compressed_size = excluded.compressed_size,
				checksum = excluded.checksum,
				mode = excluded.mode`,
			&sqlitex.ExecOptions{Args: []any{
				transfer.ID, transfer.Name, transfer.Size, transfer.MIMEType,
				transfer.Chunks, transfer.ChunkSize, transfer.Compression,
				transfer.CompressedSize, transfer.Checksum, transfer.Mode,
				transfer.CreatedAt.UnixMilli(),
			}})
	})
}

// GetTransfer returns the metadata record for id, or ErrNotFound.
func (s *Store) GetTransfer(ctx context.Context, id string) (Transfer, error) {
	var found []Transfer
	err := s.with(ctx, "get transfer", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, selectTransfers+` WHERE id = ?`, &sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = append(found, scanTransfer(stmt))
				return nil
			},
		})
	})
	if err != nil {
		return Transfer{}, err
	}
	if len(found) == 0 {
		return Transfer{}, fmt.Errorf("%w: transfer %s", ErrNotFound, id)
	}
	return found[0], nil
}

// ListTransfers returns every metadata record, oldest first.
func (s *Store) ListTransfers(ctx context.Context) ([]Transfer, error) {
	var transfers []Transfer
	err := s.with(ctx, "list transfers", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, selectTransfers+` ORDER BY created_at, id`, &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				transfers = append(transfers, scanTransfer(stmt))
				return nil
			},
		})
	})
	return transfers, err
}

// Put stores data as chunk index of transferID. Writing an existing
// key replaces it.
func (s *Store) Put(ctx context.Context, transferID string, index int, data []byte) error {
	if index < 0 {
		return fmt.Errorf("%w: negative chunk index %d", ErrUnavailable, index)
	}
	if data == nil {
		data = []byte{}
	}
	return s.with(ctx, "put chunk", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `
			INSERT INTO chunks (transfer_id, idx, data) VALUES (?, ?, ?)
			ON CONFLICT (transfer_id, idx) DO UPDATE SET data = excluded.data`,
			&sqlitex.ExecOptions{Args: []any{transferID, index, data}})
	})
}

// Get returns one chunk, or ErrNotFound.
func (s *Store) Get(ctx context.Context, transferID string, index int) ([]byte, error) {
	var data []byte
	var found bool
	err := s.with(ctx, "get chunk", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT data FROM chunks WHERE transfer_id = ? AND idx = ?`,
			&sqlitex.ExecOptions{
				Args: []any{transferID, index},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					data = columnBlob(stmt, 0)
					found = true
					return nil
				},
			})
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: chunk %d of %s", ErrNotFound, index, transferID)
	}
	return data, nil
}

// GetAll returns chunks 0..total-1 of transferID in index order. An
// index that was never stored is a nil entry.
func (s *Store) GetAll(ctx context.Context, transferID string, total int) ([][]byte, error) {
	if total < 0 {
		return nil, fmt.Errorf("%w: negative chunk count %d", ErrUnavailable, total)
	}
	chunks := make([][]byte, total)
	err := s.Each(ctx, transferID, total, func(index int, data []byte) error {
		chunks[index] = data
		return nil
	})
	if err != nil {
		return nil, err
	}
	return chunks, nil
}

// Each calls fn for every stored chunk of transferID with an index
// below total, in index order. Only one chunk is held in memory at a
// time. An error from fn stops the iteration and is returned as is.
func (s *Store) Each(ctx context.Context, transferID string, total int, fn func(index int, data []byte) error) error {
	var callbackErr error
	err := s.with(ctx, "read chunks", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT idx, data FROM chunks WHERE transfer_id = ? AND idx < ? ORDER BY idx`,
			&sqlitex.ExecOptions{
				Args: []any{transferID, total},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					if err := fn(stmt.ColumnInt(0), columnBlob(stmt, 1)); err != nil {
						callbackErr = err
						return err
					}
					return nil
				},
			})
	})
	if callbackErr != nil {
		return callbackErr
	}
	return err
}

// Missing returns the indices in 0..total-1 that have no stored chunk,
// in ascending order.
func (s *Store) Missing(ctx context.Context, transferID string, total int) ([]int, error) {
	present := make([]bool, max(total, 0))
	err := s.with(ctx, "missing chunks", func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, `SELECT idx FROM chunks WHERE transfer_id = ? AND idx < ?`,
			&sqlitex.ExecOptions{
				Args: []any{transferID, total},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					if index := stmt.ColumnInt(0); index >= 0 {
						present[index] = true
					}
					return nil
				},
			})
	})
	if err != nil {
		return nil, err
	}
	var missing []int
	for index, ok := range present {
		if !ok {
			missing = append(missing, index)
		}
	}
	return missing, nil
}

// DeleteTransfer removes the metadata record and every chunk of
// transferID in one transaction. Deleting an unknown id is not an
// error.
func (s *Store) DeleteTransfer(ctx context.Context, transferID string) error {
	return s.with(ctx, "delete transfer", func(conn *sqlite.Conn) (err error) {
		endTransaction, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return err
		}
		defer endTransaction(&err)

		if err = sqlitex.Execute(conn, `DELETE FROM chunks WHERE transfer_id = ?`,
			&sqlitex.ExecOptions{Args: []any{transferID}}); err != nil {
			return err
		}
		err = sqlitex.Execute(conn, `DELETE FROM transfers WHERE id = ?`,
			&sqlitex.ExecOptions{Args: []any{transferID}})
		return err
	})
}

// with runs fn on a pooled connection and wraps any failure in
// ErrUnavailable.
func (s *Store) with(ctx context.Context, operation string, fn func(*sqlite.Conn) error) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrUnavailable, operation, err)
	}
	defer s.pool.Put(conn)
	if err := fn(conn); err != nil {
		s.logger.Warn("chunk store operation failed", "operation", operation, "error", err)
		return fmt.Errorf("%w: %s: %w", ErrUnavailable, operation, err)
	}
	return nil
}

const selectTransfers = `
	SELECT id, name, size, mime_type, chunks, chunk_size, compression,
	       compressed_size, checksum, mode, created_at
	FROM transfers`

func scanTransfer(stmt *sqlite.Stmt) Transfer {
	return Transfer{
		ID:             stmt.ColumnText(0),
		Name:           stmt.ColumnText(1),
		Size:           stmt.ColumnInt64(2),
		MIMEType:       stmt.ColumnText(3),
		Chunks:         stmt.ColumnInt(4),
		ChunkSize:      stmt.ColumnInt(5),
		Compression:    stmt.ColumnText(6),
		CompressedSize: stmt.ColumnInt64(7),
		Checksum:       stmt.ColumnText(8),
		Mode:           stmt.ColumnText(9),
		CreatedAt:      time.UnixMilli(stmt.ColumnInt64(10)),
	}
}

// columnBlob copies a BLOB column out of the statement; the statement's
// buffer is reused on the next step.
func columnBlob(stmt *sqlite.Stmt, column int) []byte {
	data := make([]byte, stmt.ColumnLen(column))
	stmt.ColumnBytes(column, data)
	return data
}
