package indexstore

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/midnight-ntwrk/midnight-indexer/internal/ledgerfacade"
	"github.com/midnight-ntwrk/midnight-indexer/internal/nodeadapter"
)

func hashOf(b byte) [32]byte {
	var h [32]byte
	h[0] = b
	return h
}

func insertTestBlock(t *testing.T, s *Store, height uint32) Block {
	t.Helper()
	b := Block{
		Hash:            hashOf(byte(height + 1)),
		Height:          height,
		ParentHash:      hashOf(height),
		ProtocolVersion: 1,
		TimestampMS:     1000 * uint64(height),
		ZswapStateRoot:  hashOf(byte(height + 2)),
		LedgerStateKey:  hashOf(byte(height + 3)),
	}
	tx, err := s.BeginTx(context.Background())
	require.NoError(t, err)
	id, err := s.InsertBlock(context.Background(), tx, b)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	b.ID = id
	return b
}

func insertTestTransaction(t *testing.T, s *Store, blockID uint64, variant nodeadapter.TransactionVariant) Transaction {
	t.Helper()
	txRow := Transaction{
		BlockID:         blockID,
		Variant:         variant,
		Hash:            hashOf(byte(blockID + 10)),
		ProtocolVersion: 1,
		Raw:             []byte("raw-tx"),
		Identifiers:     [][]byte{{0xab, 0xcd}},
		Result:          ledgerfacade.TransactionResult{Status: ledgerfacade.StatusSuccess},
		StartIndex:      0,
		EndIndex:        1,
		PaidFees:        big.NewInt(500),
		EstimatedFees:   big.NewInt(500),
	}
	dbTx, err := s.BeginTx(context.Background())
	require.NoError(t, err)
	id, err := s.InsertTransaction(context.Background(), dbTx, txRow)
	require.NoError(t, err)
	require.NoError(t, dbTx.Commit())
	txRow.ID = id
	return txRow
}
