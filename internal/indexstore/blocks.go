package indexstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/midnight-ntwrk/midnight-indexer/internal/apperrors"
)

// InsertBlock persists a new block row and returns its assigned id. Called
// once per block inside the Chain Indexer's per-block transaction (§4.4
// step 4.4).
func (s *Store) InsertBlock(ctx context.Context, tx *sql.Tx, b Block) (uint64, error) {
	var author []byte
	if b.Author != nil {
		author = b.Author[:]
	}
	var ledgerStateRoot []byte
	if b.LedgerStateRoot != nil {
		ledgerStateRoot = b.LedgerStateRoot[:]
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO blocks (hash, height, parent_hash, protocol_version, timestamp_ms, author, zswap_state_root, ledger_state_root, ledger_parameters, ledger_state_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, b.Hash[:], b.Height, b.ParentHash[:], b.ProtocolVersion, b.TimestampMS, author, b.ZswapStateRoot[:], ledgerStateRoot, b.LedgerParameters, b.LedgerStateKey[:])
	if err != nil {
		return 0, fmt.Errorf("%w: insert block: %v", apperrors.ErrStorageTransient, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%w: insert block id: %v", apperrors.ErrStorageTransient, err)
	}
	return uint64(id), nil
}

func scanBlock(scan func(dest ...any) error) (Block, error) {
	var b Block
	var hash, parentHash, zswapRoot, ledgerStateKey []byte
	var author, ledgerStateRoot sql.NullString
	err := scan(&b.ID, &hash, &b.Height, &parentHash, &b.ProtocolVersion, &b.TimestampMS, &author, &zswapRoot, &ledgerStateRoot, &b.LedgerParameters, &ledgerStateKey)
	if err != nil {
		return Block{}, err
	}
	copy(b.Hash[:], hash)
	copy(b.ParentHash[:], parentHash)
	copy(b.ZswapStateRoot[:], zswapRoot)
	copy(b.LedgerStateKey[:], ledgerStateKey)
	if author.Valid {
		var a [32]byte
		copy(a[:], []byte(author.String))
		b.Author = &a
	}
	if ledgerStateRoot.Valid {
		var r [32]byte
		copy(r[:], []byte(ledgerStateRoot.String))
		b.LedgerStateRoot = &r
	}
	return b, nil
}

const blockColumns = `id, hash, height, parent_hash, protocol_version, timestamp_ms, author, zswap_state_root, ledger_state_root, ledger_parameters, ledger_state_key`

// GetHighestBlock returns the most recently indexed block's cursor, or
// ok=false on a fresh index (Chain Indexer step 1).
func (s *Store) GetHighestBlock(ctx context.Context) (hb HighestBlock, ok bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT hash, height, protocol_version, ledger_state_key FROM blocks ORDER BY height DESC LIMIT 1`)
	var hash, ledgerStateKey []byte
	err = row.Scan(&hash, &hb.Ref.Height, &hb.ProtocolVersion, &ledgerStateKey)
	if err == sql.ErrNoRows {
		return HighestBlock{}, false, nil
	}
	if err != nil {
		return HighestBlock{}, false, fmt.Errorf("%w: get highest block: %v", apperrors.ErrStorageTransient, err)
	}
	copy(hb.Ref.Hash[:], hash)
	copy(hb.LedgerStateKey[:], ledgerStateKey)
	return hb, true, nil
}

// GetBlockByHash returns the block with the given hash, or
// apperrors.ErrNotFound.
func (s *Store) GetBlockByHash(ctx context.Context, hash [32]byte) (Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+blockColumns+` FROM blocks WHERE hash = ?`, hash[:])
	b, err := scanBlock(row.Scan)
	if err == sql.ErrNoRows {
		return Block{}, apperrors.ErrNotFound
	}
	if err != nil {
		return Block{}, fmt.Errorf("%w: get block by hash: %v", apperrors.ErrStorageTransient, err)
	}
	return b, nil
}

// GetBlockByHeight returns the block at the given height, or
// apperrors.ErrNotFound.
func (s *Store) GetBlockByHeight(ctx context.Context, height uint32) (Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+blockColumns+` FROM blocks WHERE height = ?`, height)
	b, err := scanBlock(row.Scan)
	if err == sql.ErrNoRows {
		return Block{}, apperrors.ErrNotFound
	}
	if err != nil {
		return Block{}, fmt.Errorf("%w: get block by height: %v", apperrors.ErrStorageTransient, err)
	}
	return b, nil
}

// GetLatestBlock returns the highest-height block, or apperrors.ErrNotFound
// on an empty index.
func (s *Store) GetLatestBlock(ctx context.Context) (Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+blockColumns+` FROM blocks ORDER BY height DESC LIMIT 1`)
	b, err := scanBlock(row.Scan)
	if err == sql.ErrNoRows {
		return Block{}, apperrors.ErrNotFound
	}
	if err != nil {
		return Block{}, fmt.Errorf("%w: get latest block: %v", apperrors.ErrStorageTransient, err)
	}
	return b, nil
}

// InsertSystemParametersD records a D-parameter snapshot for a block (§4.4
// step 4, supplemental schema per SPEC_FULL §4).
func (s *Store) InsertSystemParametersD(ctx context.Context, tx *sql.Tx, blockID uint64, dParameter []byte, effectiveFromHeight uint32) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO system_parameters_d (block_id, d_parameter, effective_from_height) VALUES (?, ?, ?)
	`, blockID, dParameter, effectiveFromHeight)
	if err != nil {
		return fmt.Errorf("%w: insert system parameters d: %v", apperrors.ErrStorageTransient, err)
	}
	return nil
}

// InsertSystemParametersTermsAndConditions records a terms-and-conditions
// snapshot for a block.
func (s *Store) InsertSystemParametersTermsAndConditions(ctx context.Context, tx *sql.Tx, blockID uint64, hash [32]byte, uri string, effectiveFromHeight uint32) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO system_parameters_terms_and_conditions (block_id, hash, uri, effective_from_height) VALUES (?, ?, ?, ?)
	`, blockID, hash[:], uri, effectiveFromHeight)
	if err != nil {
		return fmt.Errorf("%w: insert system parameters terms and conditions: %v", apperrors.ErrStorageTransient, err)
	}
	return nil
}

// BeginTx starts the single per-block relational transaction the Chain
// Indexer persists everything through (§4.4 step 4: "Persist atomically in
// one relational transaction").
func (s *Store) BeginTx(ctx context.Context) (*sql.Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: begin block transaction: %v", apperrors.ErrStorageTransient, err)
	}
	return tx, nil
}
