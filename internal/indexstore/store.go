// Package indexstore implements the Relational Index Store (C5): the
// authoritative catalog of blocks, transactions, contract actions,
// unshielded UTXOs, ledger events, governance-parameter snapshots, and
// wallet rows. All access is through typed methods; no caller builds SQL
// by concatenating values (`?` placeholders only), mirroring the teacher's
// internal/storage package. See §4.5 of the specification.
package indexstore

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store is a SQLite-backed implementation of the relational index store.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Config mirrors the teacher's storage.Config shape.
type Config struct {
	DataDir string
}

const schema = `
CREATE TABLE IF NOT EXISTS blocks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	hash BLOB NOT NULL UNIQUE,
	height INTEGER NOT NULL UNIQUE,
	parent_hash BLOB NOT NULL,
	protocol_version INTEGER NOT NULL,
	timestamp_ms INTEGER NOT NULL,
	author BLOB,
	zswap_state_root BLOB NOT NULL,
	ledger_state_root BLOB,
	ledger_parameters BLOB,
	ledger_state_key BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_blocks_height ON blocks(height);

CREATE TABLE IF NOT EXISTS transactions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	block_id INTEGER NOT NULL REFERENCES blocks(id),
	variant INTEGER NOT NULL,
	hash BLOB NOT NULL,
	protocol_version INTEGER NOT NULL,
	raw BLOB NOT NULL,
	identifiers TEXT NOT NULL,
	result_status INTEGER NOT NULL,
	result_segments TEXT,
	merkle_tree_root BLOB,
	start_index INTEGER NOT NULL,
	end_index INTEGER NOT NULL,
	paid_fees TEXT,
	estimated_fees TEXT
);
CREATE INDEX IF NOT EXISTS idx_transactions_block_id ON transactions(block_id);
CREATE INDEX IF NOT EXISTS idx_transactions_hash ON transactions(hash);

CREATE TABLE IF NOT EXISTS transaction_identifiers (
	transaction_id INTEGER NOT NULL REFERENCES transactions(id),
	identifier BLOB NOT NULL,
	PRIMARY KEY (transaction_id, identifier)
);
CREATE INDEX IF NOT EXISTS idx_transaction_identifiers_identifier ON transaction_identifiers(identifier);

CREATE TABLE IF NOT EXISTS contract_actions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	transaction_id INTEGER NOT NULL REFERENCES transactions(id),
	variant INTEGER NOT NULL,
	entry_point TEXT,
	address BLOB NOT NULL,
	state BLOB,
	zswap_state BLOB
);
CREATE INDEX IF NOT EXISTS idx_contract_actions_transaction_id ON contract_actions(transaction_id);
CREATE INDEX IF NOT EXISTS idx_contract_actions_address ON contract_actions(address);

CREATE TABLE IF NOT EXISTS contract_balances (
	contract_action_id INTEGER NOT NULL REFERENCES contract_actions(id),
	token_type BLOB NOT NULL,
	amount TEXT NOT NULL,
	PRIMARY KEY (contract_action_id, token_type)
);

CREATE TABLE IF NOT EXISTS unshielded_utxos (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	owner BLOB NOT NULL,
	token_type BLOB NOT NULL,
	value TEXT NOT NULL,
	intent_hash BLOB NOT NULL,
	output_index INTEGER NOT NULL,
	creating_transaction_id INTEGER NOT NULL REFERENCES transactions(id),
	spending_transaction_id INTEGER REFERENCES transactions(id),
	ctime INTEGER,
	initial_nonce BLOB NOT NULL,
	registered_for_dust_generation INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_utxos_owner ON unshielded_utxos(owner);
CREATE INDEX IF NOT EXISTS idx_utxos_creating_tx ON unshielded_utxos(creating_transaction_id);
CREATE INDEX IF NOT EXISTS idx_utxos_spending_tx ON unshielded_utxos(spending_transaction_id);

CREATE TABLE IF NOT EXISTS ledger_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	transaction_id INTEGER NOT NULL REFERENCES transactions(id),
	grouping INTEGER NOT NULL,
	attributes TEXT,
	raw BLOB NOT NULL,
	protocol_version INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ledger_events_grouping ON ledger_events(grouping);

CREATE TABLE IF NOT EXISTS wallets (
	id TEXT PRIMARY KEY,
	viewing_key_hash BLOB NOT NULL UNIQUE,
	viewing_key BLOB NOT NULL,
	session_id TEXT,
	last_active INTEGER NOT NULL,
	last_indexed_transaction_id INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_wallets_session_active ON wallets(session_id, last_active);

CREATE TABLE IF NOT EXISTS wallet_relevant_transactions (
	wallet_id TEXT NOT NULL REFERENCES wallets(id),
	transaction_id INTEGER NOT NULL REFERENCES transactions(id),
	PRIMARY KEY (wallet_id, transaction_id)
);

CREATE TABLE IF NOT EXISTS system_parameters_d (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	block_id INTEGER NOT NULL REFERENCES blocks(id),
	d_parameter BLOB NOT NULL,
	effective_from_height INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS system_parameters_terms_and_conditions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	block_id INTEGER NOT NULL REFERENCES blocks(id),
	hash BLOB NOT NULL,
	uri TEXT NOT NULL,
	effective_from_height INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS dust_generation_info (
	commitment BLOB PRIMARY KEY,
	initial_value TEXT NOT NULL,
	ctime INTEGER NOT NULL,
	dtime INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS dust_utxo (
	commitment BLOB PRIMARY KEY,
	nullifier BLOB
);

CREATE TABLE IF NOT EXISTS dust_registration_event (
	night_address BLOB PRIMARY KEY,
	dust_address BLOB,
	registered INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS cnight_genesis_mapping (
	cnight_address BLOB PRIMARY KEY,
	night_address BLOB NOT NULL
);
`

// New opens (creating if absent) the SQLite-backed index store under
// cfg.DataDir/index.db, mirroring the teacher's storage.New.
func New(cfg Config) (*Store, error) {
	dataDir := expandTilde(cfg.DataDir)
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create index store data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "index.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open index store: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping index store: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init index store schema: %w", err)
	}
	return s, nil
}

func expandTilde(path string) string {
	if len(path) >= 2 && path[:2] == "~/" {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for components (such as objectstore.CloudStore)
// that need to share it in cloud_mode deployments.
func (s *Store) DB() *sql.DB {
	return s.db
}
