package indexstore

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"

	"github.com/midnight-ntwrk/midnight-indexer/internal/apperrors"
	"github.com/midnight-ntwrk/midnight-indexer/internal/ledgerfacade"
)

// InsertContractAction persists one contract action row and its extracted
// balances, returning the assigned id. §3 invariant: the first action ever
// recorded for an address must be a Deploy. Neither this method nor the
// Chain Indexer checks it; actions are stored in the order given.
func (s *Store) InsertContractAction(ctx context.Context, tx *sql.Tx, a ContractAction, balances []ledgerfacade.ContractBalance) (uint64, error) {
	var entryPoint sql.NullString
	if a.EntryPoint != "" {
		entryPoint = sql.NullString{String: a.EntryPoint, Valid: true}
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO contract_actions (transaction_id, variant, entry_point, address, state, zswap_state)
		VALUES (?, ?, ?, ?, ?, ?)
	`, a.TransactionID, int(a.Variant), entryPoint, a.Address[:], a.State, a.ZswapState)
	if err != nil {
		return 0, fmt.Errorf("%w: insert contract action: %v", apperrors.ErrStorageTransient, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%w: insert contract action id: %v", apperrors.ErrStorageTransient, err)
	}

	for _, bal := range balances {
		if bal.Amount == nil || bal.Amount.Sign() <= 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO contract_balances (contract_action_id, token_type, amount) VALUES (?, ?, ?)
		`, id, bal.TokenType[:], bal.Amount.String()); err != nil {
			return 0, fmt.Errorf("%w: insert contract balance: %v", apperrors.ErrStorageTransient, err)
		}
	}

	return uint64(id), nil
}

const contractActionColumns = `id, transaction_id, variant, entry_point, address, state, zswap_state`

func scanContractAction(scan func(dest ...any) error) (ContractAction, error) {
	var a ContractAction
	var address []byte
	var entryPoint sql.NullString
	var variant int

	err := scan(&a.ID, &a.TransactionID, &variant, &entryPoint, &address, &a.State, &a.ZswapState)
	if err != nil {
		return ContractAction{}, err
	}
	copy(a.Address[:], address)
	a.Variant = ledgerfacade.ContractActionVariant(variant)
	a.EntryPoint = entryPoint.String
	return a, nil
}

// GetContractActionsByTransactionID returns every contract action touched
// by a transaction, in insertion order.
func (s *Store) GetContractActionsByTransactionID(ctx context.Context, transactionID uint64) ([]ContractAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT `+contractActionColumns+` FROM contract_actions WHERE transaction_id = ? ORDER BY id ASC`, transactionID)
	if err != nil {
		return nil, fmt.Errorf("%w: get contract actions by transaction id: %v", apperrors.ErrStorageTransient, err)
	}
	defer rows.Close()
	return scanContractActionRows(rows)
}

// GetContractActionByAddressAndBlockHash returns the contract action (if
// any) for address as of the block with the given hash.
func (s *Store) GetContractActionByAddressAndBlockHash(ctx context.Context, address [32]byte, blockHash [32]byte) (ContractAction, error) {
	return s.getContractActionByAddressJoin(ctx, address, `JOIN transactions tr ON tr.id = ca.transaction_id JOIN blocks b ON b.id = tr.block_id WHERE ca.address = ? AND b.hash = ?`, blockHash[:])
}

// GetContractActionByAddressAndBlockHeight returns the contract action (if
// any) for address as of the block at the given height.
func (s *Store) GetContractActionByAddressAndBlockHeight(ctx context.Context, address [32]byte, height uint32) (ContractAction, error) {
	return s.getContractActionByAddressJoin(ctx, address, `JOIN transactions tr ON tr.id = ca.transaction_id JOIN blocks b ON b.id = tr.block_id WHERE ca.address = ? AND b.height = ?`, height)
}

// GetContractActionByAddressAndTransactionHash returns the contract action
// for address recorded by the transaction with the given hash.
func (s *Store) GetContractActionByAddressAndTransactionHash(ctx context.Context, address [32]byte, txHash [32]byte) (ContractAction, error) {
	return s.getContractActionByAddressJoin(ctx, address, `JOIN transactions tr ON tr.id = ca.transaction_id WHERE ca.address = ? AND tr.hash = ?`, txHash[:])
}

// GetContractActionByAddressAndTransactionIdentifier returns the contract
// action for address recorded by the transaction declaring the given
// identifier.
func (s *Store) GetContractActionByAddressAndTransactionIdentifier(ctx context.Context, address [32]byte, identifier []byte) (ContractAction, error) {
	return s.getContractActionByAddressJoin(ctx, address, `JOIN transaction_identifiers ti ON ti.transaction_id = ca.transaction_id WHERE ca.address = ? AND ti.identifier = ?`, identifier)
}

func (s *Store) getContractActionByAddressJoin(ctx context.Context, address [32]byte, joinAndWhere string, extraArg any) (ContractAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + prefixColumns("ca", contractActionColumns) + ` FROM contract_actions ca ` + joinAndWhere + ` ORDER BY ca.id ASC LIMIT 1`
	row := s.db.QueryRowContext(ctx, query, address[:], extraArg)
	a, err := scanContractAction(row.Scan)
	if err == sql.ErrNoRows {
		return ContractAction{}, apperrors.ErrNotFound
	}
	if err != nil {
		return ContractAction{}, fmt.Errorf("%w: get contract action by address: %v", apperrors.ErrStorageTransient, err)
	}
	return a, nil
}

// GetContractDeployByAddress returns the Deploy action for address (§3
// invariant: there is exactly one, the earliest action).
func (s *Store) GetContractDeployByAddress(ctx context.Context, address [32]byte) (ContractAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `
		SELECT `+contractActionColumns+` FROM contract_actions
		WHERE address = ? AND variant = ?
		ORDER BY id ASC LIMIT 1
	`, address[:], int(ledgerfacade.ContractDeploy))
	a, err := scanContractAction(row.Scan)
	if err == sql.ErrNoRows {
		return ContractAction{}, apperrors.ErrNotFound
	}
	if err != nil {
		return ContractAction{}, fmt.Errorf("%w: get contract deploy by address: %v", apperrors.ErrStorageTransient, err)
	}
	return a, nil
}

// GetLatestContractActionByAddress returns the most recently recorded
// action for address.
func (s *Store) GetLatestContractActionByAddress(ctx context.Context, address [32]byte) (ContractAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, `SELECT `+contractActionColumns+` FROM contract_actions WHERE address = ? ORDER BY id DESC LIMIT 1`, address[:])
	a, err := scanContractAction(row.Scan)
	if err == sql.ErrNoRows {
		return ContractAction{}, apperrors.ErrNotFound
	}
	if err != nil {
		return ContractAction{}, fmt.Errorf("%w: get latest contract action by address: %v", apperrors.ErrStorageTransient, err)
	}
	return a, nil
}

// GetContractActionsByAddress streams actions for address with id > fromID,
// up to batchSize, in ascending id order.
func (s *Store) GetContractActionsByAddress(ctx context.Context, address [32]byte, fromID uint64, batchSize int) ([]ContractAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+contractActionColumns+` FROM contract_actions
		WHERE address = ? AND id > ?
		ORDER BY id ASC LIMIT ?
	`, address[:], fromID, batchSize)
	if err != nil {
		return nil, fmt.Errorf("%w: get contract actions by address: %v", apperrors.ErrStorageTransient, err)
	}
	defer rows.Close()
	return scanContractActionRows(rows)
}

func scanContractActionRows(rows *sql.Rows) ([]ContractAction, error) {
	var out []ContractAction
	for rows.Next() {
		a, err := scanContractAction(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("%w: scan contract action: %v", apperrors.ErrStorageTransient, err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// GetUnshieldedBalancesByContractActionID returns every non-zero token
// balance recorded for a contract action.
func (s *Store) GetUnshieldedBalancesByContractActionID(ctx context.Context, contractActionID uint64) ([]ledgerfacade.ContractBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT token_type, amount FROM contract_balances WHERE contract_action_id = ?`, contractActionID)
	if err != nil {
		return nil, fmt.Errorf("%w: get unshielded balances by contract action id: %v", apperrors.ErrStorageTransient, err)
	}
	defer rows.Close()

	var out []ledgerfacade.ContractBalance
	for rows.Next() {
		var tokenType []byte
		var amountStr string
		if err := rows.Scan(&tokenType, &amountStr); err != nil {
			return nil, fmt.Errorf("%w: scan contract balance: %v", apperrors.ErrStorageTransient, err)
		}
		amount, ok := new(big.Int).SetString(amountStr, 10)
		if !ok {
			return nil, fmt.Errorf("%w: malformed contract balance amount %q", apperrors.ErrStorageTransient, amountStr)
		}
		var bal ledgerfacade.ContractBalance
		copy(bal.TokenType[:], tokenType)
		bal.Amount = amount
		out = append(out, bal)
	}
	return out, rows.Err()
}
