package indexstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/midnight-ntwrk/midnight-indexer/internal/apperrors"
	"github.com/midnight-ntwrk/midnight-indexer/internal/ledgerfacade"
)

// InsertLedgerEvent persists one emitted event. Ids come from a single
// AUTOINCREMENT sequence shared by the Zswap and Dust groupings: they
// increase within a grouping but skip the ids taken by the other grouping,
// so they are not gap-free per grouping.
func (s *Store) InsertLedgerEvent(ctx context.Context, tx *sql.Tx, e LedgerEvent) (uint64, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_events (transaction_id, grouping, attributes, raw, protocol_version)
		VALUES (?, ?, ?, ?, ?)
	`, e.TransactionID, int(e.Grouping), e.Attributes, e.Raw, e.ProtocolVersion)
	if err != nil {
		return 0, fmt.Errorf("%w: insert ledger event: %v", apperrors.ErrStorageTransient, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%w: insert ledger event id: %v", apperrors.ErrStorageTransient, err)
	}
	return uint64(id), nil
}

// GetLedgerEvents streams events of the given grouping with id > fromID, up
// to batchSize, in ascending id order.
func (s *Store) GetLedgerEvents(ctx context.Context, grouping ledgerfacade.LedgerEventGrouping, fromID uint64, batchSize int) ([]LedgerEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, transaction_id, grouping, attributes, raw, protocol_version
		FROM ledger_events
		WHERE grouping = ? AND id > ?
		ORDER BY id ASC LIMIT ?
	`, int(grouping), fromID, batchSize)
	if err != nil {
		return nil, fmt.Errorf("%w: get ledger events: %v", apperrors.ErrStorageTransient, err)
	}
	defer rows.Close()

	var out []LedgerEvent
	for rows.Next() {
		var e LedgerEvent
		var groupingInt int
		if err := rows.Scan(&e.ID, &e.TransactionID, &groupingInt, &e.Attributes, &e.Raw, &e.ProtocolVersion); err != nil {
			return nil, fmt.Errorf("%w: scan ledger event: %v", apperrors.ErrStorageTransient, err)
		}
		e.Grouping = ledgerfacade.LedgerEventGrouping(groupingInt)
		out = append(out, e)
	}
	return out, rows.Err()
}
