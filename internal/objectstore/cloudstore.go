package objectstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/midnight-ntwrk/midnight-indexer/internal/apperrors"
)

// ObjectStore is satisfied by both Store (local KV mode) and CloudStore
// (cloud mode, sharing the relational database). §4.3: "Backed by a local
// KV store on single-node deployments and by the relational store in cloud
// mode."
type ObjectStore interface {
	LoadLedgerState(ctx context.Context) (LedgerStateSnapshot, bool, error)
	Save(ctx context.Context, serialized []byte, blockHeight uint32, highestZswapIndex *uint64, protocolVersion uint32) error
	GetNode(ctx context.Context, key [32]byte) ([]byte, error)
	InsertNode(ctx context.Context, key [32]byte, data []byte) error
	DeleteNode(ctx context.Context, key [32]byte) error
	BatchUpdate(ctx context.Context, updates map[[32]byte]Update) error
	GetRoots(ctx context.Context) (map[[32]byte]uint32, error)
	GetUnreachableKeys(ctx context.Context) ([][32]byte, error)
}

// CloudStore implements ObjectStore against tables living in the same
// database handle the Relational Index Store (C5) uses, so a cloud
// deployment runs a single database instead of one SQLite file per
// component. The caller (cmd/midnight-indexer) owns the *sql.DB and passes
// it to both stores.
type CloudStore struct {
	db *sql.DB
}

const cloudSchema = `
CREATE TABLE IF NOT EXISTS cloud_ledger_state_marker (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	last_index INTEGER NOT NULL DEFAULT 0,
	block_height INTEGER NOT NULL,
	protocol_version INTEGER NOT NULL,
	serialized_ledger_state BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS cloud_object_nodes (
	key BLOB PRIMARY KEY,
	data BLOB NOT NULL,
	ref_count INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS cloud_object_roots (
	key BLOB PRIMARY KEY,
	root_count INTEGER NOT NULL DEFAULT 0
);
`

// NewCloudStore wires ObjectStore semantics onto a database handle owned by
// the relational store, for cloud_mode deployments.
func NewCloudStore(db *sql.DB) (*CloudStore, error) {
	if _, err := db.Exec(cloudSchema); err != nil {
		return nil, fmt.Errorf("init cloud object store schema: %w", err)
	}
	return &CloudStore{db: db}, nil
}

func (c *CloudStore) LoadLedgerState(ctx context.Context) (LedgerStateSnapshot, bool, error) {
	var snap LedgerStateSnapshot
	row := c.db.QueryRowContext(ctx, `
		SELECT block_height, protocol_version, serialized_ledger_state
		FROM cloud_ledger_state_marker WHERE id = 1
	`)
	err := row.Scan(&snap.BlockHeight, &snap.ProtocolVersion, &snap.SerializedLedgerState)
	if err == sql.ErrNoRows {
		return LedgerStateSnapshot{}, false, nil
	}
	if err != nil {
		return LedgerStateSnapshot{}, false, fmt.Errorf("%w: load cloud ledger state: %v", apperrors.ErrStorageTransient, err)
	}
	return snap, true, nil
}

func (c *CloudStore) Save(ctx context.Context, serialized []byte, blockHeight uint32, highestZswapIndex *uint64, protocolVersion uint32) error {
	var lastIndex uint64
	if highestZswapIndex != nil {
		lastIndex = *highestZswapIndex
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO cloud_ledger_state_marker (id, last_index, block_height, protocol_version, serialized_ledger_state)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_index = CASE WHEN ?3 THEN excluded.last_index ELSE cloud_ledger_state_marker.last_index END,
			block_height = excluded.block_height,
			protocol_version = excluded.protocol_version,
			serialized_ledger_state = excluded.serialized_ledger_state
	`, lastIndex, blockHeight, protocolVersion, serialized, highestZswapIndex != nil)
	if err != nil {
		return fmt.Errorf("%w: save cloud ledger state: %v", apperrors.ErrStorageTransient, err)
	}
	return nil
}

func (c *CloudStore) GetNode(ctx context.Context, key [32]byte) ([]byte, error) {
	var data []byte
	err := c.db.QueryRowContext(ctx, `SELECT data FROM cloud_object_nodes WHERE key = ?`, key[:]).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get cloud node: %v", apperrors.ErrStorageTransient, err)
	}
	return data, nil
}

func (c *CloudStore) InsertNode(ctx context.Context, key [32]byte, data []byte) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO cloud_object_nodes (key, data, ref_count) VALUES (?, ?, 1)
		ON CONFLICT(key) DO UPDATE SET ref_count = cloud_object_nodes.ref_count + 1
	`, key[:], data)
	if err != nil {
		return fmt.Errorf("%w: insert cloud node: %v", apperrors.ErrStorageTransient, err)
	}
	return nil
}

func (c *CloudStore) DeleteNode(ctx context.Context, key [32]byte) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM cloud_object_nodes WHERE key = ?`, key[:])
	if err != nil {
		return fmt.Errorf("%w: delete cloud node: %v", apperrors.ErrStorageTransient, err)
	}
	return nil
}

func (c *CloudStore) BatchUpdate(ctx context.Context, updates map[[32]byte]Update) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin cloud batch update: %v", apperrors.ErrStorageTransient, err)
	}
	defer tx.Rollback()

	for key, u := range updates {
		switch u.Kind {
		case UpdateInsertNode:
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO cloud_object_nodes (key, data, ref_count) VALUES (?, ?, 1)
				ON CONFLICT(key) DO UPDATE SET ref_count = cloud_object_nodes.ref_count + 1, data = excluded.data
			`, key[:], u.Data); err != nil {
				return fmt.Errorf("%w: cloud batch insert node: %v", apperrors.ErrStorageTransient, err)
			}
		case UpdateDeleteNode:
			if _, err := tx.ExecContext(ctx, `DELETE FROM cloud_object_nodes WHERE key = ?`, key[:]); err != nil {
				return fmt.Errorf("%w: cloud batch delete node: %v", apperrors.ErrStorageTransient, err)
			}
		case UpdateSetRootCount:
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO cloud_object_roots (key, root_count) VALUES (?, ?)
				ON CONFLICT(key) DO UPDATE SET root_count = excluded.root_count
			`, key[:], u.RootCount); err != nil {
				return fmt.Errorf("%w: cloud batch set root count: %v", apperrors.ErrStorageTransient, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit cloud batch update: %v", apperrors.ErrStorageTransient, err)
	}
	return nil
}

func (c *CloudStore) GetRoots(ctx context.Context) (map[[32]byte]uint32, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT key, root_count FROM cloud_object_roots WHERE root_count > 0`)
	if err != nil {
		return nil, fmt.Errorf("%w: get cloud roots: %v", apperrors.ErrStorageTransient, err)
	}
	defer rows.Close()

	roots := make(map[[32]byte]uint32)
	for rows.Next() {
		var keyBytes []byte
		var count uint32
		if err := rows.Scan(&keyBytes, &count); err != nil {
			return nil, fmt.Errorf("%w: scan cloud root: %v", apperrors.ErrStorageTransient, err)
		}
		var key [32]byte
		copy(key[:], keyBytes)
		roots[key] = count
	}
	return roots, rows.Err()
}

func (c *CloudStore) GetUnreachableKeys(ctx context.Context) ([][32]byte, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT n.key FROM cloud_object_nodes n
		LEFT JOIN cloud_object_roots r ON r.key = n.key
		WHERE n.ref_count = 0 AND COALESCE(r.root_count, 0) = 0
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: get cloud unreachable keys: %v", apperrors.ErrStorageTransient, err)
	}
	defer rows.Close()

	var keys [][32]byte
	for rows.Next() {
		var keyBytes []byte
		if err := rows.Scan(&keyBytes); err != nil {
			return nil, fmt.Errorf("%w: scan cloud unreachable key: %v", apperrors.ErrStorageTransient, err)
		}
		var key [32]byte
		copy(key[:], keyBytes)
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
