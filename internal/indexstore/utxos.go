package indexstore

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"

	"github.com/midnight-ntwrk/midnight-indexer/internal/apperrors"
)

// InsertUnshieldedUtxo persists a newly created UTXO and returns its
// assigned id. §3 invariant: an UTXO is created exactly once.
func (s *Store) InsertUnshieldedUtxo(ctx context.Context, tx *sql.Tx, u UnshieldedUtxo) (uint64, error) {
	var ctime sql.NullInt64
	if u.Ctime != nil {
		ctime = sql.NullInt64{Int64: int64(*u.Ctime), Valid: true}
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO unshielded_utxos (owner, token_type, value, intent_hash, output_index, creating_transaction_id, ctime, initial_nonce, registered_for_dust_generation)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, u.Owner[:], u.TokenType[:], u.Value.String(), u.IntentHash[:], u.OutputIndex, u.CreatingTransactionID, ctime, u.InitialNonce[:], boolToInt(u.RegisteredForDustGen))
	if err != nil {
		return 0, fmt.Errorf("%w: insert unshielded utxo: %v", apperrors.ErrStorageTransient, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%w: insert unshielded utxo id: %v", apperrors.ErrStorageTransient, err)
	}
	return uint64(id), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// MarkUnshieldedUtxoSpent sets spending_transaction_id on the UTXO created
// by (creatingTxHash, outputIndex). §3 invariant: set at most once, and
// only for a later transaction id (enforced by the caller ordering
// blocks/transactions strictly forward).
func (s *Store) MarkUnshieldedUtxoSpent(ctx context.Context, tx *sql.Tx, creatingTxHash [32]byte, outputIndex uint32, spendingTransactionID uint64) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE unshielded_utxos SET spending_transaction_id = ?
		WHERE id = (
			SELECT u.id FROM unshielded_utxos u
			JOIN transactions t ON t.id = u.creating_transaction_id
			WHERE t.hash = ? AND u.output_index = ?
		) AND spending_transaction_id IS NULL
	`, spendingTransactionID, creatingTxHash[:], outputIndex)
	if err != nil {
		return fmt.Errorf("%w: mark unshielded utxo spent: %v", apperrors.ErrStorageTransient, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: mark unshielded utxo spent rows affected: %v", apperrors.ErrStorageTransient, err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: no unspent utxo found for creating tx hash %x output %d", apperrors.ErrNotFound, creatingTxHash, outputIndex)
	}
	return nil
}

const utxoColumns = `id, owner, token_type, value, intent_hash, output_index, creating_transaction_id, spending_transaction_id, ctime, initial_nonce, registered_for_dust_generation`

func scanUtxo(scan func(dest ...any) error) (UnshieldedUtxo, error) {
	var u UnshieldedUtxo
	var owner, tokenType, intentHash, initialNonce []byte
	var value string
	var spendingTxID, ctime sql.NullInt64
	var registered int

	err := scan(&u.ID, &owner, &tokenType, &value, &intentHash, &u.OutputIndex, &u.CreatingTransactionID, &spendingTxID, &ctime, &initialNonce, &registered)
	if err != nil {
		return UnshieldedUtxo{}, err
	}
	copy(u.Owner[:], owner)
	copy(u.TokenType[:], tokenType)
	copy(u.IntentHash[:], intentHash)
	copy(u.InitialNonce[:], initialNonce)
	amount, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return UnshieldedUtxo{}, fmt.Errorf("malformed unshielded utxo value %q", value)
	}
	u.Value = amount
	u.RegisteredForDustGen = registered != 0
	if spendingTxID.Valid {
		v := uint64(spendingTxID.Int64)
		u.SpendingTransactionID = &v
	}
	if ctime.Valid {
		v := uint64(ctime.Int64)
		u.Ctime = &v
	}
	return u, nil
}

func scanUtxoRows(rows *sql.Rows) ([]UnshieldedUtxo, error) {
	var out []UnshieldedUtxo
	for rows.Next() {
		u, err := scanUtxo(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("%w: scan unshielded utxo: %v", apperrors.ErrStorageTransient, err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// GetUnshieldedUtxosByAddress returns every UTXO owned by address.
func (s *Store) GetUnshieldedUtxosByAddress(ctx context.Context, address [32]byte) ([]UnshieldedUtxo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT `+utxoColumns+` FROM unshielded_utxos WHERE owner = ? ORDER BY id ASC`, address[:])
	if err != nil {
		return nil, fmt.Errorf("%w: get unshielded utxos by address: %v", apperrors.ErrStorageTransient, err)
	}
	defer rows.Close()
	return scanUtxoRows(rows)
}

// GetUnshieldedUtxosByCreatingTransactionID returns the UTXOs a
// transaction created.
func (s *Store) GetUnshieldedUtxosByCreatingTransactionID(ctx context.Context, transactionID uint64) ([]UnshieldedUtxo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT `+utxoColumns+` FROM unshielded_utxos WHERE creating_transaction_id = ? ORDER BY output_index ASC`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("%w: get unshielded utxos by creating transaction id: %v", apperrors.ErrStorageTransient, err)
	}
	defer rows.Close()
	return scanUtxoRows(rows)
}

// GetUnshieldedUtxosBySpendingTransactionID returns the UTXOs a
// transaction spent.
func (s *Store) GetUnshieldedUtxosBySpendingTransactionID(ctx context.Context, transactionID uint64) ([]UnshieldedUtxo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT `+utxoColumns+` FROM unshielded_utxos WHERE spending_transaction_id = ? ORDER BY id ASC`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("%w: get unshielded utxos by spending transaction id: %v", apperrors.ErrStorageTransient, err)
	}
	defer rows.Close()
	return scanUtxoRows(rows)
}

// GetUnshieldedUtxosByBlockHeight returns every UTXO created or spent by a
// transaction in the block at the given height.
func (s *Store) GetUnshieldedUtxosByBlockHeight(ctx context.Context, height uint32) ([]UnshieldedUtxo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+prefixColumns("u", utxoColumns)+` FROM unshielded_utxos u
		JOIN transactions t ON t.id = u.creating_transaction_id OR t.id = u.spending_transaction_id
		JOIN blocks b ON b.id = t.block_id
		WHERE b.height = ?
		ORDER BY u.id ASC
	`, height)
	if err != nil {
		return nil, fmt.Errorf("%w: get unshielded utxos by block height: %v", apperrors.ErrStorageTransient, err)
	}
	defer rows.Close()
	return scanUtxoRows(rows)
}

// GetTransactionsInvolvingUnshielded streams transactions that created or
// spent an UTXO owned by address, with id > fromTransactionID, up to
// batchSize, in ascending id order.
func (s *Store) GetTransactionsInvolvingUnshielded(ctx context.Context, address [32]byte, fromTransactionID uint64, batchSize int) ([]Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT `+prefixColumns("t", transactionColumns)+` FROM transactions t
		JOIN unshielded_utxos u ON (u.creating_transaction_id = t.id OR u.spending_transaction_id = t.id)
		WHERE u.owner = ? AND t.id > ?
		ORDER BY t.id ASC LIMIT ?
	`, address[:], fromTransactionID, batchSize)
	if err != nil {
		return nil, fmt.Errorf("%w: get transactions involving unshielded: %v", apperrors.ErrStorageTransient, err)
	}
	defer rows.Close()
	return scanTransactionRows(rows)
}
