package indexstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/midnight-ntwrk/midnight-indexer/internal/ledgerfacade"
	"github.com/midnight-ntwrk/midnight-indexer/internal/nodeadapter"
)

func TestInsertAndGetLedgerEventsByGrouping(t *testing.T) {
	s := newTestStore(t)
	b := insertTestBlock(t, s, 0)
	txRow := insertTestTransaction(t, s, b.ID, nodeadapter.VariantRegular)

	dbTx, err := s.BeginTx(context.Background())
	require.NoError(t, err)
	_, err = s.InsertLedgerEvent(context.Background(), dbTx, LedgerEvent{
		TransactionID: txRow.ID, Grouping: ledgerfacade.GroupingZswap, Raw: []byte("zswap-event"), ProtocolVersion: 1,
	})
	require.NoError(t, err)
	_, err = s.InsertLedgerEvent(context.Background(), dbTx, LedgerEvent{
		TransactionID: txRow.ID, Grouping: ledgerfacade.GroupingDust, Raw: []byte("dust-event"), ProtocolVersion: 1,
	})
	require.NoError(t, err)
	require.NoError(t, dbTx.Commit())

	zswap, err := s.GetLedgerEvents(context.Background(), ledgerfacade.GroupingZswap, 0, 10)
	require.NoError(t, err)
	require.Len(t, zswap, 1)
	assert.Equal(t, []byte("zswap-event"), zswap[0].Raw)

	dust, err := s.GetLedgerEvents(context.Background(), ledgerfacade.GroupingDust, 0, 10)
	require.NoError(t, err)
	require.Len(t, dust, 1)
	assert.Equal(t, []byte("dust-event"), dust[0].Raw)
}
