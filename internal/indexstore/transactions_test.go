package indexstore

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/midnight-ntwrk/midnight-indexer/internal/apperrors"
	"github.com/midnight-ntwrk/midnight-indexer/internal/ledgerfacade"
	"github.com/midnight-ntwrk/midnight-indexer/internal/nodeadapter"
)

func TestInsertAndGetTransactionByID(t *testing.T) {
	s := newTestStore(t)
	b := insertTestBlock(t, s, 0)
	txRow := insertTestTransaction(t, s, b.ID, nodeadapter.VariantRegular)

	got, err := s.GetTransactionByID(context.Background(), txRow.ID)
	require.NoError(t, err)
	assert.Equal(t, txRow.Hash, got.Hash)
	assert.Equal(t, txRow.Variant, got.Variant)
	assert.Equal(t, 0, big.NewInt(500).Cmp(got.PaidFees))
	require.Len(t, got.Identifiers, 1)
	assert.Equal(t, []byte{0xab, 0xcd}, got.Identifiers[0])
}

func TestGetTransactionByIDNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetTransactionByID(context.Background(), 999)
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func TestGetTransactionsByBlockIDOrdersByID(t *testing.T) {
	s := newTestStore(t)
	b := insertTestBlock(t, s, 0)
	t1 := insertTestTransaction(t, s, b.ID, nodeadapter.VariantSystem)
	t2 := insertTestTransaction(t, s, b.ID, nodeadapter.VariantRegular)

	got, err := s.GetTransactionsByBlockID(context.Background(), b.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, t1.ID, got[0].ID)
	assert.Equal(t, t2.ID, got[1].ID)
}

func TestGetTransactionsByHash(t *testing.T) {
	s := newTestStore(t)
	b := insertTestBlock(t, s, 0)
	txRow := insertTestTransaction(t, s, b.ID, nodeadapter.VariantRegular)

	got, err := s.GetTransactionsByHash(context.Background(), txRow.Hash)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, txRow.ID, got[0].ID)
}

func TestGetTransactionsByIdentifier(t *testing.T) {
	s := newTestStore(t)
	b := insertTestBlock(t, s, 0)
	txRow := insertTestTransaction(t, s, b.ID, nodeadapter.VariantRegular)

	got, err := s.GetTransactionsByIdentifier(context.Background(), []byte{0xab, 0xcd})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, txRow.ID, got[0].ID)
}

func TestGetTransactionsPaginatesByFromID(t *testing.T) {
	s := newTestStore(t)
	b := insertTestBlock(t, s, 0)
	t1 := insertTestTransaction(t, s, b.ID, nodeadapter.VariantRegular)
	t2 := insertTestTransaction(t, s, b.ID, nodeadapter.VariantRegular)

	got, err := s.GetTransactions(context.Background(), t1.ID, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, t2.ID, got[0].ID)
}

func TestInsertTransactionWithPartialSuccessSegments(t *testing.T) {
	s := newTestStore(t)
	b := insertTestBlock(t, s, 0)

	txRow := Transaction{
		BlockID: b.ID,
		Variant: nodeadapter.VariantRegular,
		Hash:    hashOf(50),
		Result: ledgerfacade.TransactionResult{
			Status: ledgerfacade.StatusPartialSuccess,
			Segments: []ledgerfacade.SegmentResult{
				{ID: 0, OK: true},
				{ID: 1, OK: false},
			},
		},
	}
	dbTx, err := s.BeginTx(context.Background())
	require.NoError(t, err)
	id, err := s.InsertTransaction(context.Background(), dbTx, txRow)
	require.NoError(t, err)
	require.NoError(t, dbTx.Commit())

	got, err := s.GetTransactionByID(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, got.Result.Segments, 2)
	assert.False(t, got.Result.Segments[1].OK)
}
