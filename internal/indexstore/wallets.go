package indexstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/midnight-ntwrk/midnight-indexer/internal/apperrors"
)

// CreateWallet inserts a new wallet row. id must be a caller-generated
// UUIDv7 (§3: "Wallet {id (UUIDv7), ...}").
func (s *Store) CreateWallet(ctx context.Context, w Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wallets (id, viewing_key_hash, viewing_key, session_id, last_active, last_indexed_transaction_id)
		VALUES (?, ?, ?, ?, ?, ?)
	`, w.ID, w.ViewingKeyHash[:], w.ViewingKey, nullableString(w.SessionID), w.LastActive, w.LastIndexedTransactionID)
	if err != nil {
		return fmt.Errorf("%w: create wallet: %v", apperrors.ErrStorageTransient, err)
	}
	return nil
}

func nullableString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

const walletColumns = `id, viewing_key_hash, viewing_key, session_id, last_active, last_indexed_transaction_id`

func scanWallet(scan func(dest ...any) error) (Wallet, error) {
	var w Wallet
	var viewingKeyHash []byte
	var sessionID sql.NullString

	err := scan(&w.ID, &viewingKeyHash, &w.ViewingKey, &sessionID, &w.LastActive, &w.LastIndexedTransactionID)
	if err != nil {
		return Wallet{}, err
	}
	copy(w.ViewingKeyHash[:], viewingKeyHash)
	if sessionID.Valid {
		w.SessionID = &sessionID.String
	}
	return w, nil
}

// GetWalletByID returns a wallet by id, or apperrors.ErrNotFound.
func (s *Store) GetWalletByID(ctx context.Context, id string) (Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = ?`, id)
	w, err := scanWallet(row.Scan)
	if err == sql.ErrNoRows {
		return Wallet{}, apperrors.ErrNotFound
	}
	if err != nil {
		return Wallet{}, fmt.Errorf("%w: get wallet by id: %v", apperrors.ErrStorageTransient, err)
	}
	return w, nil
}

// TouchWalletSession sets a wallet's session_id and bumps last_active,
// marking it active per §3's "(session_id IS NOT NULL, last_active)"
// invariant.
func (s *Store) TouchWalletSession(ctx context.Context, id, sessionID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `UPDATE wallets SET session_id = ?, last_active = ? WHERE id = ?`, sessionID, now.Unix(), id)
	if err != nil {
		return fmt.Errorf("%w: touch wallet session: %v", apperrors.ErrStorageTransient, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: touch wallet session rows affected: %v", apperrors.ErrStorageTransient, err)
	}
	if rows == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

// ActiveWalletIDs returns every wallet whose session_id is set and whose
// last_active is within ttl of now (§4.5 active_wallet_ids).
func (s *Store) ActiveWalletIDs(ctx context.Context, ttl time.Duration, now time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := now.Add(-ttl).Unix()
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM wallets WHERE session_id IS NOT NULL AND last_active > ?`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("%w: active wallet ids: %v", apperrors.ErrStorageTransient, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: scan active wallet id: %v", apperrors.ErrStorageTransient, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AcquireLock begins the per-wallet database transaction the Wallet
// Indexer's five-step procedure runs under (§4.6) and checks that the
// wallet exists. The mutual-exclusion guarantee is the in-process
// per-wallet semaphore (C6). The transaction is an ordinary deferred one
// on the store's single connection, so a second caller waits until the
// first finishes; a lock held by another process is not detected, and ok
// is false only together with a non-nil error (ErrNotFound for an unknown
// wallet, or a wrapped ErrStorageTransient).
func (s *Store) AcquireLock(ctx context.Context, walletID string) (tx *sql.Tx, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err = s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, false, fmt.Errorf("%w: acquire wallet lock: %v", apperrors.ErrStorageTransient, err)
	}
	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM wallets WHERE id = ?`, walletID).Scan(&exists); err != nil {
		tx.Rollback()
		if err == sql.ErrNoRows {
			return nil, false, apperrors.ErrNotFound
		}
		return nil, false, fmt.Errorf("%w: acquire wallet lock lookup: %v", apperrors.ErrStorageTransient, err)
	}
	return tx, true, nil
}

// SaveRelevantTransactions records which transactions from a batch proved
// relevant to a wallet's viewing key and advances its indexing cursor
// (§4.6 step 4). Must run inside the *sql.Tx returned by AcquireLock.
func (s *Store) SaveRelevantTransactions(ctx context.Context, tx *sql.Tx, walletID string, relevantTransactionIDs []uint64, lastIndexedID uint64) error {
	for _, txID := range relevantTransactionIDs {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO wallet_relevant_transactions (wallet_id, transaction_id) VALUES (?, ?)`, walletID, txID); err != nil {
			return fmt.Errorf("%w: save relevant transaction: %v", apperrors.ErrStorageTransient, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE wallets SET last_indexed_transaction_id = ? WHERE id = ?`, lastIndexedID, walletID); err != nil {
		return fmt.Errorf("%w: advance wallet cursor: %v", apperrors.ErrStorageTransient, err)
	}
	return nil
}

// GetRelevantTransactionsByWalletID returns every transaction id previously
// saved as relevant to a wallet, in ascending order.
func (s *Store) GetRelevantTransactionsByWalletID(ctx context.Context, walletID string) ([]uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT transaction_id FROM wallet_relevant_transactions WHERE wallet_id = ? ORDER BY transaction_id ASC`, walletID)
	if err != nil {
		return nil, fmt.Errorf("%w: get relevant transactions by wallet id: %v", apperrors.ErrStorageTransient, err)
	}
	defer rows.Close()

	var ids []uint64
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: scan relevant transaction id: %v", apperrors.ErrStorageTransient, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
