package indexstore

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/midnight-ntwrk/midnight-indexer/internal/apperrors"
	"github.com/midnight-ntwrk/midnight-indexer/internal/ledgerfacade"
	"github.com/midnight-ntwrk/midnight-indexer/internal/nodeadapter"
)

func bigString(v *big.Int) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: v.String(), Valid: true}
}

// InsertTransaction persists a transaction row in block order (§3: "within
// a block, ids are contiguous") and its identifier index entries.
func (s *Store) InsertTransaction(ctx context.Context, tx *sql.Tx, t Transaction) (uint64, error) {
	identifiers := make([]string, len(t.Identifiers))
	for i, id := range t.Identifiers {
		identifiers[i] = fmt.Sprintf("%x", id)
	}
	identifiersJSON, err := json.Marshal(identifiers)
	if err != nil {
		return 0, fmt.Errorf("marshal transaction identifiers: %w", err)
	}

	var segmentsJSON []byte
	if len(t.Result.Segments) > 0 {
		segmentsJSON, err = json.Marshal(t.Result.Segments)
		if err != nil {
			return 0, fmt.Errorf("marshal transaction result segments: %w", err)
		}
	}

	var merkleRoot []byte
	if t.MerkleTreeRoot != nil {
		merkleRoot = t.MerkleTreeRoot[:]
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO transactions (block_id, variant, hash, protocol_version, raw, identifiers, result_status, result_segments, merkle_tree_root, start_index, end_index, paid_fees, estimated_fees)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.BlockID, int(t.Variant), t.Hash[:], t.ProtocolVersion, t.Raw, string(identifiersJSON), int(t.Result.Status), nullableJSON(segmentsJSON), merkleRoot, t.StartIndex, t.EndIndex, bigString(t.PaidFees), bigString(t.EstimatedFees))
	if err != nil {
		return 0, fmt.Errorf("%w: insert transaction: %v", apperrors.ErrStorageTransient, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%w: insert transaction id: %v", apperrors.ErrStorageTransient, err)
	}

	for _, identifier := range t.Identifiers {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO transaction_identifiers (transaction_id, identifier) VALUES (?, ?)`, id, identifier); err != nil {
			return 0, fmt.Errorf("%w: insert transaction identifier: %v", apperrors.ErrStorageTransient, err)
		}
	}

	return uint64(id), nil
}

func nullableJSON(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

const transactionColumns = `id, block_id, variant, hash, protocol_version, raw, identifiers, result_status, result_segments, merkle_tree_root, start_index, end_index, paid_fees, estimated_fees`

func scanTransaction(scan func(dest ...any) error) (Transaction, error) {
	var t Transaction
	var hash, merkleRoot []byte
	var identifiersJSON string
	var segmentsJSON, paidFees, estimatedFees sql.NullString
	var variant, status int

	err := scan(&t.ID, &t.BlockID, &variant, &hash, &t.ProtocolVersion, &t.Raw, &identifiersJSON, &status, &segmentsJSON, &merkleRoot, &t.StartIndex, &t.EndIndex, &paidFees, &estimatedFees)
	if err != nil {
		return Transaction{}, err
	}
	copy(t.Hash[:], hash)
	t.Variant = nodeadapter.TransactionVariant(variant)
	t.Result.Status = ledgerfacade.ResultStatus(status)

	var hexIdentifiers []string
	if err := json.Unmarshal([]byte(identifiersJSON), &hexIdentifiers); err != nil {
		return Transaction{}, fmt.Errorf("unmarshal transaction identifiers: %w", err)
	}
	for _, hexID := range hexIdentifiers {
		b, err := hex.DecodeString(hexID)
		if err != nil {
			continue
		}
		t.Identifiers = append(t.Identifiers, b)
	}

	if segmentsJSON.Valid {
		if err := json.Unmarshal([]byte(segmentsJSON.String), &t.Result.Segments); err != nil {
			return Transaction{}, fmt.Errorf("unmarshal transaction result segments: %w", err)
		}
	}
	if len(merkleRoot) == 32 {
		var root [32]byte
		copy(root[:], merkleRoot)
		t.MerkleTreeRoot = &root
	}
	if paidFees.Valid {
		v, ok := new(big.Int).SetString(paidFees.String, 10)
		if ok {
			t.PaidFees = v
		}
	}
	if estimatedFees.Valid {
		v, ok := new(big.Int).SetString(estimatedFees.String, 10)
		if ok {
			t.EstimatedFees = v
		}
	}
	return t, nil
}

// GetTransactionByID returns a transaction by id, or apperrors.ErrNotFound.
func (s *Store) GetTransactionByID(ctx context.Context, id uint64) (Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id)
	t, err := scanTransaction(row.Scan)
	if err == sql.ErrNoRows {
		return Transaction{}, apperrors.ErrNotFound
	}
	if err != nil {
		return Transaction{}, fmt.Errorf("%w: get transaction by id: %v", apperrors.ErrStorageTransient, err)
	}
	return t, nil
}

// GetTransactionsByBlockID returns every transaction in a block, in
// insertion (id) order.
func (s *Store) GetTransactionsByBlockID(ctx context.Context, blockID uint64) ([]Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE block_id = ? ORDER BY id ASC`, blockID)
	if err != nil {
		return nil, fmt.Errorf("%w: get transactions by block id: %v", apperrors.ErrStorageTransient, err)
	}
	defer rows.Close()
	return scanTransactionRows(rows)
}

// GetTransactionsByHash returns every transaction with the given hash
// (regular and system transactions can share a hash across reorged
// histories in principle; callers filter further as needed).
func (s *Store) GetTransactionsByHash(ctx context.Context, hash [32]byte) ([]Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE hash = ? ORDER BY id ASC`, hash[:])
	if err != nil {
		return nil, fmt.Errorf("%w: get transactions by hash: %v", apperrors.ErrStorageTransient, err)
	}
	defer rows.Close()
	return scanTransactionRows(rows)
}

// GetTransactionsByIdentifier returns every transaction that declared the
// given identifier (one of a transaction's Identifiers[]).
func (s *Store) GetTransactionsByIdentifier(ctx context.Context, identifier []byte) ([]Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+prefixColumns("t", transactionColumns)+` FROM transactions t
		JOIN transaction_identifiers ti ON ti.transaction_id = t.id
		WHERE ti.identifier = ?
		ORDER BY t.id ASC
	`, identifier)
	if err != nil {
		return nil, fmt.Errorf("%w: get transactions by identifier: %v", apperrors.ErrStorageTransient, err)
	}
	defer rows.Close()
	return scanTransactionRows(rows)
}

// GetTransactions returns up to batchSize transactions with id > fromID,
// in ascending id order (used by the Wallet Indexer's per-wallet step).
func (s *Store) GetTransactions(ctx context.Context, fromID uint64, batchSize int) ([]Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id > ? ORDER BY id ASC LIMIT ?`, fromID, batchSize)
	if err != nil {
		return nil, fmt.Errorf("%w: get transactions: %v", apperrors.ErrStorageTransient, err)
	}
	defer rows.Close()
	return scanTransactionRows(rows)
}

func scanTransactionRows(rows *sql.Rows) ([]Transaction, error) {
	var out []Transaction
	for rows.Next() {
		t, err := scanTransaction(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("%w: scan transaction: %v", apperrors.ErrStorageTransient, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// prefixColumns qualifies each entry of a flat comma-separated column list
// with a table alias, for queries that join against other tables.
func prefixColumns(alias, columns string) string {
	result := ""
	for i, c := range splitColumns(columns) {
		if i > 0 {
			result += ", "
		}
		result += alias + "." + c
	}
	return result
}

func splitColumns(columns string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(columns); i++ {
		if i == len(columns) || columns[i] == ',' {
			field := columns[start:i]
			for len(field) > 0 && field[0] == ' ' {
				field = field[1:]
			}
			out = append(out, field)
			start = i + 1
		}
	}
	return out
}
