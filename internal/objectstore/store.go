// Package objectstore implements the LedgerState Object Store (C3): a
// content-addressed node table plus root-count bookkeeping and a single
// marker row recording the last-persisted LedgerState. See §4.3.
package objectstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/midnight-ntwrk/midnight-indexer/internal/apperrors"
)

// Store is a local, single-node-deployment backing for the LedgerState
// Object Store. CloudStore (cloudstore.go) is the alternative used when
// storage.cloud_mode shares the relational database instead.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

const schema = `
CREATE TABLE IF NOT EXISTS ledger_state_marker (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	last_index INTEGER NOT NULL DEFAULT 0,
	block_height INTEGER NOT NULL,
	protocol_version INTEGER NOT NULL,
	serialized_ledger_state BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS object_nodes (
	key BLOB PRIMARY KEY,
	data BLOB NOT NULL,
	ref_count INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS object_roots (
	key BLOB PRIMARY KEY,
	root_count INTEGER NOT NULL DEFAULT 0
);
`

// Open creates (or reuses) a SQLite-backed Store under dataDir/objects.db.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create object store data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "objects.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open object store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping object store: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init object store schema: %w", err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// LedgerStateSnapshot is the marker row §4.3 names as
// (last_index, block_height, protocol_version, serialized_ledger_state).
type LedgerStateSnapshot struct {
	SerializedLedgerState []byte
	BlockHeight           uint32
	ProtocolVersion       uint32
}

// LoadLedgerState returns the last-persisted marker, or ok=false if none
// has been written yet (a fresh chain).
func (s *Store) LoadLedgerState(ctx context.Context) (snap LedgerStateSnapshot, ok bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT block_height, protocol_version, serialized_ledger_state
		FROM ledger_state_marker WHERE id = 1
	`)
	err = row.Scan(&snap.BlockHeight, &snap.ProtocolVersion, &snap.SerializedLedgerState)
	if err == sql.ErrNoRows {
		return LedgerStateSnapshot{}, false, nil
	}
	if err != nil {
		return LedgerStateSnapshot{}, false, fmt.Errorf("%w: load ledger state: %v", apperrors.ErrStorageTransient, err)
	}
	return snap, true, nil
}

// Save idempotently overwrites the marker row. highestZswapIndex is
// optional (nil leaves last_index at its prior value on update, or 0 on
// first insert).
func (s *Store) Save(ctx context.Context, serialized []byte, blockHeight uint32, highestZswapIndex *uint64, protocolVersion uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lastIndex uint64
	if highestZswapIndex != nil {
		lastIndex = *highestZswapIndex
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_state_marker (id, last_index, block_height, protocol_version, serialized_ledger_state)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_index = CASE WHEN ?3 THEN excluded.last_index ELSE ledger_state_marker.last_index END,
			block_height = excluded.block_height,
			protocol_version = excluded.protocol_version,
			serialized_ledger_state = excluded.serialized_ledger_state
	`, lastIndex, blockHeight, protocolVersion, serialized, highestZswapIndex != nil)
	if err != nil {
		return fmt.Errorf("%w: save ledger state: %v", apperrors.ErrStorageTransient, err)
	}
	return nil
}

// GetNode returns the bytes stored under key, or apperrors.ErrNotFound.
func (s *Store) GetNode(ctx context.Context, key [32]byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM object_nodes WHERE key = ?`, key[:]).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get node: %v", apperrors.ErrStorageTransient, err)
	}
	return data, nil
}

// InsertNode stores a single node outside of a batch.
func (s *Store) InsertNode(ctx context.Context, key [32]byte, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO object_nodes (key, data, ref_count) VALUES (?, ?, 1)
		ON CONFLICT(key) DO UPDATE SET ref_count = object_nodes.ref_count + 1
	`, key[:], data)
	if err != nil {
		return fmt.Errorf("%w: insert node: %v", apperrors.ErrStorageTransient, err)
	}
	return nil
}

// DeleteNode removes a single node outside of a batch.
func (s *Store) DeleteNode(ctx context.Context, key [32]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `DELETE FROM object_nodes WHERE key = ?`, key[:])
	if err != nil {
		return fmt.Errorf("%w: delete node: %v", apperrors.ErrStorageTransient, err)
	}
	return nil
}

// UpdateKind tags the variant of a batched Update (§4.3).
type UpdateKind int

const (
	UpdateInsertNode UpdateKind = iota
	UpdateDeleteNode
	UpdateSetRootCount
)

// Update is one entry of a BatchUpdate call.
type Update struct {
	Kind      UpdateKind
	Data      []byte // for UpdateInsertNode
	RootCount uint32 // for UpdateSetRootCount
}

// BatchUpdate applies every (key, Update) pair as a single atomic
// transaction, as required by §4.4 step 4.5 "all mutations within a block
// apply as a batch".
func (s *Store) BatchUpdate(ctx context.Context, updates map[[32]byte]Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin batch update: %v", apperrors.ErrStorageTransient, err)
	}
	defer tx.Rollback()

	for key, u := range updates {
		switch u.Kind {
		case UpdateInsertNode:
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO object_nodes (key, data, ref_count) VALUES (?, ?, 1)
				ON CONFLICT(key) DO UPDATE SET ref_count = object_nodes.ref_count + 1, data = excluded.data
			`, key[:], u.Data); err != nil {
				return fmt.Errorf("%w: batch insert node: %v", apperrors.ErrStorageTransient, err)
			}
		case UpdateDeleteNode:
			if _, err := tx.ExecContext(ctx, `DELETE FROM object_nodes WHERE key = ?`, key[:]); err != nil {
				return fmt.Errorf("%w: batch delete node: %v", apperrors.ErrStorageTransient, err)
			}
		case UpdateSetRootCount:
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO object_roots (key, root_count) VALUES (?, ?)
				ON CONFLICT(key) DO UPDATE SET root_count = excluded.root_count
			`, key[:], u.RootCount); err != nil {
				return fmt.Errorf("%w: batch set root count: %v", apperrors.ErrStorageTransient, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit batch update: %v", apperrors.ErrStorageTransient, err)
	}
	return nil
}

// GetRoots returns every key with a positive root count.
func (s *Store) GetRoots(ctx context.Context) (map[[32]byte]uint32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT key, root_count FROM object_roots WHERE root_count > 0`)
	if err != nil {
		return nil, fmt.Errorf("%w: get roots: %v", apperrors.ErrStorageTransient, err)
	}
	defer rows.Close()

	roots := make(map[[32]byte]uint32)
	for rows.Next() {
		var keyBytes []byte
		var count uint32
		if err := rows.Scan(&keyBytes, &count); err != nil {
			return nil, fmt.Errorf("%w: scan root: %v", apperrors.ErrStorageTransient, err)
		}
		var key [32]byte
		copy(key[:], keyBytes)
		roots[key] = count
	}
	return roots, rows.Err()
}

// GetUnreachableKeys returns node keys with zero on-disk ref-count and zero
// root-count: safe to garbage-collect.
func (s *Store) GetUnreachableKeys(ctx context.Context) ([][32]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT n.key FROM object_nodes n
		LEFT JOIN object_roots r ON r.key = n.key
		WHERE n.ref_count = 0 AND COALESCE(r.root_count, 0) = 0
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: get unreachable keys: %v", apperrors.ErrStorageTransient, err)
	}
	defer rows.Close()

	var keys [][32]byte
	for rows.Next() {
		var keyBytes []byte
		if err := rows.Scan(&keyBytes); err != nil {
			return nil, fmt.Errorf("%w: scan unreachable key: %v", apperrors.ErrStorageTransient, err)
		}
		var key [32]byte
		copy(key[:], keyBytes)
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
