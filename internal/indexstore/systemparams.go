package indexstore

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"

	"github.com/midnight-ntwrk/midnight-indexer/internal/apperrors"
	"github.com/midnight-ntwrk/midnight-indexer/internal/ledgerfacade"
)

// UpsertDustGenerationInfo records an initial DUST generation UTXO (§4.2
// generation-info insert). For a commitment already present it overwrites
// initial_value and ctime and leaves dtime unchanged; the dtime boundary is
// set by UpdateDustGenerationDtime.
func (s *Store) UpsertDustGenerationInfo(ctx context.Context, tx *sql.Tx, commitment [32]byte, initialValue *big.Int, ctimeUnixSecs uint64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO dust_generation_info (commitment, initial_value, ctime, dtime) VALUES (?, ?, ?, 0)
		ON CONFLICT(commitment) DO UPDATE SET initial_value = excluded.initial_value, ctime = excluded.ctime
	`, commitment[:], initialValue.String(), ctimeUnixSecs)
	if err != nil {
		return fmt.Errorf("%w: upsert dust generation info: %v", apperrors.ErrStorageTransient, err)
	}
	return nil
}

// UpdateDustGenerationDtime sets the dtime boundary on an existing
// generation-info row.
func (s *Store) UpdateDustGenerationDtime(ctx context.Context, tx *sql.Tx, commitment [32]byte, dtimeUnixSecs uint64) error {
	res, err := tx.ExecContext(ctx, `UPDATE dust_generation_info SET dtime = ? WHERE commitment = ?`, dtimeUnixSecs, commitment[:])
	if err != nil {
		return fmt.Errorf("%w: update dust generation dtime: %v", apperrors.ErrStorageTransient, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: update dust generation dtime rows affected: %v", apperrors.ErrStorageTransient, err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: no dust generation info for commitment %x", apperrors.ErrNotFound, commitment)
	}
	return nil
}

// MarkDustSpend records a commitment→nullifier spend-marking insert (§4.2
// "a spend-marking insert (commitment → nullifier) for spends").
func (s *Store) MarkDustSpend(ctx context.Context, tx *sql.Tx, commitment, nullifier [32]byte) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO dust_utxo (commitment, nullifier) VALUES (?, ?)
		ON CONFLICT(commitment) DO UPDATE SET nullifier = excluded.nullifier
	`, commitment[:], nullifier[:])
	if err != nil {
		return fmt.Errorf("%w: mark dust spend: %v", apperrors.ErrStorageTransient, err)
	}
	return nil
}

// GetDustGenerationInfo returns the generation-info row for a commitment,
// or apperrors.ErrNotFound.
func (s *Store) GetDustGenerationInfo(ctx context.Context, commitment [32]byte) (initialValue *big.Int, ctimeUnixSecs, dtimeUnixSecs uint64, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var initialValueStr string
	row := s.db.QueryRowContext(ctx, `SELECT initial_value, ctime, dtime FROM dust_generation_info WHERE commitment = ?`, commitment[:])
	err = row.Scan(&initialValueStr, &ctimeUnixSecs, &dtimeUnixSecs)
	if err == sql.ErrNoRows {
		return nil, 0, 0, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, 0, 0, fmt.Errorf("%w: get dust generation info: %v", apperrors.ErrStorageTransient, err)
	}
	v, ok := new(big.Int).SetString(initialValueStr, 10)
	if !ok {
		return nil, 0, 0, fmt.Errorf("%w: malformed dust generation initial value %q", apperrors.ErrStorageTransient, initialValueStr)
	}
	return v, ctimeUnixSecs, dtimeUnixSecs, nil
}

// GetDustGenerationStatus is the denormalized "current DUST value" read
// helper (SPEC_FULL §4): it has no table of its own, it recomputes
// CurrentDustValue on read from the stored generation-info row plus the
// caller-supplied night value/parameters/clock.
func (s *Store) GetDustGenerationStatus(ctx context.Context, commitment [32]byte, nightValue *big.Int, params ledgerfacade.DustParameters, nowUnixSecs uint64) (*big.Int, error) {
	initialValue, ctimeUnixSecs, dtimeUnixSecs, err := s.GetDustGenerationInfo(ctx, commitment)
	if err != nil {
		return nil, err
	}
	status := ledgerfacade.GenerationStatus{Dtime: dtimeUnixSecs}
	return ledgerfacade.CurrentDustValue(initialValue, status, ctimeUnixSecs, nightValue, params, nowUnixSecs), nil
}

// UpsertDustRegistrationEvent records a registration/deregistration event
// at block scope (§4.2: "Registration/mapping events flow to block-level
// tables, not per-transaction").
func (s *Store) UpsertDustRegistrationEvent(ctx context.Context, tx *sql.Tx, nightAddress [32]byte, dustAddress *[32]byte, registered bool) error {
	var dustAddrBytes []byte
	if dustAddress != nil {
		dustAddrBytes = dustAddress[:]
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO dust_registration_event (night_address, dust_address, registered) VALUES (?, ?, ?)
		ON CONFLICT(night_address) DO UPDATE SET dust_address = excluded.dust_address, registered = excluded.registered
	`, nightAddress[:], dustAddrBytes, boolToInt(registered))
	if err != nil {
		return fmt.Errorf("%w: upsert dust registration event: %v", apperrors.ErrStorageTransient, err)
	}
	return nil
}

// UpsertCnightGenesisMapping records one cNightObservation.mappings entry
// discovered at genesis (SPEC_FULL §4: "so genesis UTXO attribution and
// DUST initial-generation bookkeeping can join against it").
func (s *Store) UpsertCnightGenesisMapping(ctx context.Context, tx *sql.Tx, cnightAddress, nightAddress [32]byte) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO cnight_genesis_mapping (cnight_address, night_address) VALUES (?, ?)
		ON CONFLICT(cnight_address) DO UPDATE SET night_address = excluded.night_address
	`, cnightAddress[:], nightAddress[:])
	if err != nil {
		return fmt.Errorf("%w: upsert cnight genesis mapping: %v", apperrors.ErrStorageTransient, err)
	}
	return nil
}

// GetCnightGenesisMapping returns the Night address mapped from a cNight
// genesis address, or apperrors.ErrNotFound.
func (s *Store) GetCnightGenesisMapping(ctx context.Context, cnightAddress [32]byte) ([32]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var nightAddress []byte
	row := s.db.QueryRowContext(ctx, `SELECT night_address FROM cnight_genesis_mapping WHERE cnight_address = ?`, cnightAddress[:])
	err := row.Scan(&nightAddress)
	if err == sql.ErrNoRows {
		return [32]byte{}, apperrors.ErrNotFound
	}
	if err != nil {
		return [32]byte{}, fmt.Errorf("%w: get cnight genesis mapping: %v", apperrors.ErrStorageTransient, err)
	}
	var out [32]byte
	copy(out[:], nightAddress)
	return out, nil
}
